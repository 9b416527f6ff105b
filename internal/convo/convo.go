// Package convo implements the conversation orchestration core: resolving a
// requester's model and prompt configuration, rebuilding a token-bounded
// prompt window from persisted history, dispatching the provider call and
// reconciling delivery, persistence and the in-flight guard.
package convo

import (
	"context"

	"github.com/google/uuid"

	"convobot/internal/storage"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of the payload sent to the provider, ordered oldest
// to newest.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Requester identifies who is asking. Both IDs nil means anonymous.
type Requester struct {
	UserID   *uuid.UUID
	TgUserID *int64
}

func (r Requester) Anonymous() bool {
	return r.UserID == nil && r.TgUserID == nil
}

// Controls are the sampling parameters forwarded verbatim to the provider.
type Controls struct {
	Temperature      float32
	TopP             float32
	MaxTokens        int
	FrequencyPenalty float32
	PresencePenalty  float32
}

// DefaultControls mirrors the values used by the chat entry points.
func DefaultControls() Controls {
	return Controls{
		Temperature: 0.8,
		TopP:        1,
		MaxTokens:   3000,
	}
}

// Request is one inbound conversation request. It lives only for the
// duration of one orchestration; only its outcome is persisted.
type Request struct {
	Requester Requester
	Text      string
	ChatID    string
	Controls  Controls
	Streamed  bool
	// ReplyTo is the text of a prior message the user asked to analyze.
	ReplyTo  string
	Consumer string
}

// Channel is a delivery sink. The orchestrator discovers what a channel can
// do by capability assertion: ChatChannel for typing indicators and direct
// replies, StreamChannel for incremental chunks.
type Channel interface {
	Name() string
}

type ChatChannel interface {
	Channel
	SendTyping(ctx context.Context, chatID string) error
	SendText(ctx context.Context, chatID, text string) error
}

// Chunk is one streamed fragment. Its JSON shape is fixed for socket client
// compatibility.
type Chunk struct {
	Message  string `json:"message"`
	Username string `json:"username"`
	IsStream bool   `json:"is_stream"`
	IsStart  bool   `json:"is_start"`
	IsEnd    bool   `json:"is_end"`
}

type StreamChannel interface {
	Channel
	SendChunk(ctx context.Context, chatID string, chunk Chunk) error
}

// TokenCounter computes the token cost of a text fragment for a model.
// correction is a fixed constant for role and delimiter overhead.
type TokenCounter interface {
	Count(text, model string, correction int) (int, error)
}

// ProviderRequest is the normalized payload handed to a provider client.
type ProviderRequest struct {
	Model    string
	Messages []Message
	Controls Controls
}

// Completion is a provider result. UsageReported marks whether the token
// counts came from the provider itself; when true they override any local
// estimate.
type Completion struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
	UsageReported    bool
}

// ChunkFunc receives streamed content. text is the accumulated response so
// far, empty on the terminal call with isEnd set.
type ChunkFunc func(text string, isStart, isEnd bool) error

// Provider is one LLM vendor client. A single attempt is made per call;
// retry policy belongs to the caller.
type Provider interface {
	Complete(ctx context.Context, req ProviderRequest) (Completion, error)
	Stream(ctx context.Context, req ProviderRequest, onChunk ChunkFunc) (Completion, error)
}

// ProviderFactory builds a provider client for a model profile, selected by
// the profile's vendor.
type ProviderFactory interface {
	ForModel(ctx context.Context, model storage.ModelProfile) (Provider, error)
}

// Recorder persists completed transactions. Implementations are best-effort:
// failures are logged, never surfaced to the requester.
type Recorder interface {
	Record(ctx context.Context, t storage.Transaction)
}
