package openaichat

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"convobot/internal/convo"
)

type Config struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
}

// Client talks to the OpenAI chat completion API, or any API compatible
// with it when BaseURL points elsewhere.
type Client struct {
	api *openai.Client
}

func New(cfg Config) *Client {
	c := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		c.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	if cfg.HTTPClient != nil {
		c.HTTPClient = cfg.HTTPClient
	}
	return &Client{api: openai.NewClientWithConfig(c)}
}

var _ convo.Provider = (*Client)(nil)

func (c *Client) Complete(ctx context.Context, req convo.ProviderRequest) (convo.Completion, error) {
	resp, err := c.api.CreateChatCompletion(ctx, buildRequest(req, false))
	if err != nil {
		return convo.Completion{}, normalizeError(err)
	}
	if len(resp.Choices) == 0 {
		return convo.Completion{}, convo.E(convo.KindProviderMalformed, nil, "completion response has no choices")
	}
	return convo.Completion{
		Text:             resp.Choices[0].Message.Content,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		UsageReported:    resp.Usage.TotalTokens > 0,
	}, nil
}

// Stream delivers the accumulated response after every delta. Streaming
// responses carry no usage block, so the returned completion has text only.
func (c *Client) Stream(ctx context.Context, req convo.ProviderRequest, onChunk convo.ChunkFunc) (convo.Completion, error) {
	stream, err := c.api.CreateChatCompletionStream(ctx, buildRequest(req, true))
	if err != nil {
		return convo.Completion{}, normalizeError(err)
	}
	defer stream.Close()

	var acc strings.Builder
	first := true
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return convo.Completion{}, normalizeError(err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		acc.WriteString(delta)
		if err := onChunk(acc.String(), first, false); err != nil {
			return convo.Completion{}, fmt.Errorf("deliver chunk: %w", err)
		}
		first = false
	}
	if acc.Len() == 0 {
		return convo.Completion{}, convo.E(convo.KindProviderMalformed, nil, "stream produced no content")
	}
	if err := onChunk("", false, true); err != nil {
		return convo.Completion{}, fmt.Errorf("deliver final chunk: %w", err)
	}
	return convo.Completion{Text: acc.String()}, nil
}

// GenerateImage renders a prompt with the image model and returns the raw
// PNG bytes.
func (c *Client) GenerateImage(ctx context.Context, prompt, size string) ([]byte, error) {
	if size == "" {
		size = openai.CreateImageSize1024x1024
	}
	resp, err := c.api.CreateImage(ctx, openai.ImageRequest{
		Prompt:         prompt,
		Model:          openai.CreateImageModelDallE3,
		Size:           size,
		N:              1,
		ResponseFormat: openai.CreateImageResponseFormatB64JSON,
	})
	if err != nil {
		return nil, normalizeError(err)
	}
	if len(resp.Data) == 0 {
		return nil, convo.E(convo.KindProviderMalformed, nil, "image response has no data")
	}
	raw, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
	if err != nil {
		return nil, convo.E(convo.KindProviderMalformed, err, "image payload is not base64")
	}
	return raw, nil
}

func buildRequest(req convo.ProviderRequest, stream bool) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}
	return openai.ChatCompletionRequest{
		Model:            req.Model,
		Messages:         messages,
		Temperature:      req.Controls.Temperature,
		TopP:             req.Controls.TopP,
		MaxTokens:        req.Controls.MaxTokens,
		FrequencyPenalty: req.Controls.FrequencyPenalty,
		PresencePenalty:  req.Controls.PresencePenalty,
		Stream:           stream,
	}
}

// normalizeError folds SDK failures into the conversation error taxonomy.
// The raw error text may carry request payloads, so only a bounded detail
// string travels with the classified error.
func normalizeError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return convo.E(convo.KindProviderConnection, err, "")
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return convo.E(convo.KindProviderResponse, err,
			fmt.Sprintf("provider status %d: %s", apiErr.HTTPStatusCode, apiErr.Message))
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return convo.E(convo.KindProviderResponse, err,
			fmt.Sprintf("provider status %d", reqErr.HTTPStatusCode))
	}

	var urlErr *url.Error
	var netErr net.Error
	if errors.As(err, &urlErr) || errors.As(err, &netErr) {
		return convo.E(convo.KindProviderConnection, err, err.Error())
	}
	return convo.E(convo.KindUnclassified, err, err.Error())
}
