package convo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"convobot/internal/guard"
	"convobot/internal/metrics"
	"convobot/internal/storage"
)

// Orchestrator ties the conversation pipeline together: in-flight guard,
// config resolution, prompt window, provider dispatch, persistence and
// delivery. One Converse call handles exactly one inbound message.
type Orchestrator struct {
	store     *storage.Store
	guard     *guard.InFlight
	counter   TokenCounter
	providers ProviderFactory
	recorder  Recorder
	resolver  *Resolver
	prompts   *PromptBuilder
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	typingInterval time.Duration
	typingCeiling  time.Duration

	now func() time.Time
}

type Config struct {
	Store     *storage.Store
	Guard     *guard.InFlight
	Counter   TokenCounter
	Providers ProviderFactory
	Recorder  Recorder
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger

	TypingInterval time.Duration
	TypingCeiling  time.Duration

	// Now overrides the clock in tests.
	Now func() time.Time
}

func New(cfg Config) *Orchestrator {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.TypingInterval <= 0 {
		cfg.TypingInterval = 2 * time.Second
	}
	if cfg.TypingCeiling <= 0 {
		cfg.TypingCeiling = 5 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Orchestrator{
		store:          cfg.Store,
		guard:          cfg.Guard,
		counter:        cfg.Counter,
		providers:      cfg.Providers,
		recorder:       cfg.Recorder,
		resolver:       NewResolver(cfg.Store),
		prompts:        NewPromptBuilder(cfg.Store, cfg.Counter),
		metrics:        m,
		logger:         cfg.Logger,
		typingInterval: cfg.TypingInterval,
		typingCeiling:  cfg.TypingCeiling,
		now:            cfg.Now,
	}
}

// Converse runs one conversation request end to end and returns the final
// answer text. For streaming channels the chunks have already been delivered
// when Converse returns; for chat channels the reply has been sent.
//
// The in-flight guard is released on every exit path, including provider
// failure and context cancellation.
func (o *Orchestrator) Converse(ctx context.Context, req Request, ch Channel) (answer string, err error) {
	now := o.now()
	if req.Consumer == "" {
		req.Consumer = storage.ConsumerFastChat
	}

	if err := o.guard.Acquire(ctx, req.ChatID, req.Text); err != nil {
		if errors.Is(err, guard.ErrDuplicate) {
			o.metrics.DuplicateRequests.Inc()
			o.observe(ch, KindDuplicate)
			return "", E(KindDuplicate, err, "")
		}
		o.observe(ch, KindUnclassified)
		return "", fmt.Errorf("acquire in-flight guard: %w", err)
	}
	defer func() {
		// The surrounding context may already be cancelled; the guard
		// must be released regardless.
		if relErr := o.guard.Release(context.WithoutCancel(ctx), req.ChatID, req.Text); relErr != nil {
			o.logger.Error().Err(relErr).Str("chat_id", req.ChatID).Msg("failed to release in-flight guard")
		}
	}()

	cfg, err := o.resolver.Resolve(ctx, req.Requester, req.Consumer, now)
	if err != nil {
		o.observe(ch, KindOf(err))
		return "", err
	}

	questionTokens, systemTokens, err := o.countTokens(req.Text, cfg.Prompt.ENText, cfg.Model.TitleModel)
	if err != nil {
		o.observe(ch, KindUnclassified)
		return "", err
	}

	if questionTokens > cfg.Model.MaxRequestTokens {
		o.observe(ch, KindQueryTooLarge)
		return "", E(KindQueryTooLarge, nil,
			fmt.Sprintf("question is %d tokens, model budget is %d", questionTokens, cfg.Model.MaxRequestTokens))
	}

	if chat, ok := ch.(ChatChannel); ok {
		stop := startTyping(ctx, chat, req.ChatID, o.typingInterval, o.typingCeiling, o.logger)
		defer stop()
	}

	messages, err := o.prompts.Build(ctx, cfg, req, questionTokens, systemTokens, now)
	if err != nil {
		o.observe(ch, KindUnclassified)
		return "", err
	}

	provider, err := o.providers.ForModel(ctx, cfg.Model)
	if err != nil {
		o.observe(ch, KindConfigMissing)
		return "", E(KindConfigMissing, err, "building provider client")
	}

	answer, questionTokens, answerTokens, err := o.dispatch(ctx, provider, cfg, req, messages, questionTokens, ch)
	if err != nil {
		kind := KindOf(err)
		o.metrics.ProviderErrors.WithLabelValues(kind.String()).Inc()
		o.observe(ch, kind)
		return "", err
	}

	// Persistence is best-effort and must never block or fail the reply.
	o.recorder.Record(context.WithoutCancel(ctx), storage.Transaction{
		ChatID:             req.ChatID,
		Question:           req.Text,
		QuestionTokens:     questionTokens,
		QuestionTokenPrice: cfg.Model.OutgoingPrice,
		Answer:             answer,
		AnswerTokens:       answerTokens,
		AnswerTokenPrice:   cfg.Model.IncomingPrice,
		Consumer:           req.Consumer,
		ActiveConfigID:     configID(cfg),
		CreatedAt:          o.now(),
	})

	if !req.Streamed {
		if chat, ok := ch.(ChatChannel); ok {
			if err := chat.SendText(ctx, req.ChatID, answer); err != nil {
				o.observe(ch, KindUnclassified)
				return "", fmt.Errorf("deliver answer: %w", err)
			}
		}
	}

	o.observe(ch, -1)
	return answer, nil
}

// countTokens computes the question and system prompt costs concurrently;
// the two are independent of each other.
func (o *Orchestrator) countTokens(question, systemPrompt, model string) (questionTokens, systemTokens int, err error) {
	var wg sync.WaitGroup
	var qErr, sErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		questionTokens, qErr = o.counter.Count(question, model, userOverhead)
	}()
	go func() {
		defer wg.Done()
		systemTokens, sErr = o.counter.Count(systemPrompt, model, systemOverhead)
	}()
	wg.Wait()
	if qErr != nil {
		return 0, 0, fmt.Errorf("count question tokens: %w", qErr)
	}
	if sErr != nil {
		return 0, 0, fmt.Errorf("count system prompt tokens: %w", sErr)
	}
	return questionTokens, systemTokens, nil
}

// dispatch runs the provider call in the requested delivery mode and
// returns the answer with the authoritative token counts.
//
// Buffered mode trusts the provider's own usage accounting over the local
// estimate. Streamed mode has no provider counts, so both sides are counted
// locally from the assembled payloads; the asymmetry is deliberate since
// the counts feed price calculations.
func (o *Orchestrator) dispatch(ctx context.Context, provider Provider, cfg ResolvedConfig, req Request, messages []Message, questionTokens int, ch Channel) (string, int, int, error) {
	preq := ProviderRequest{
		Model:    cfg.Model.TitleModel,
		Messages: messages,
		Controls: req.Controls,
	}

	started := time.Now()
	defer func() {
		o.metrics.ProviderLatency.Observe(time.Since(started).Seconds())
	}()

	stream, canStream := ch.(StreamChannel)
	if req.Streamed && canStream {
		completion, err := provider.Stream(ctx, preq, func(text string, isStart, isEnd bool) error {
			o.metrics.StreamChunks.Inc()
			return stream.SendChunk(ctx, req.ChatID, Chunk{
				Message:  text,
				Username: "GPT",
				IsStream: true,
				IsStart:  isStart,
				IsEnd:    isEnd,
			})
		})
		if err != nil {
			return "", 0, 0, err
		}
		promptTokens, err := o.counter.Count(FlattenForCount(messages), cfg.Model.TitleModel, 0)
		if err != nil {
			return "", 0, 0, fmt.Errorf("count final prompt tokens: %w", err)
		}
		answerTokens, err := o.counter.Count(completion.Text, cfg.Model.TitleModel, userOverhead)
		if err != nil {
			return "", 0, 0, fmt.Errorf("count answer tokens: %w", err)
		}
		return completion.Text, promptTokens, answerTokens, nil
	}

	completion, err := provider.Complete(ctx, preq)
	if err != nil {
		return "", 0, 0, err
	}
	answerTokens := 0
	if completion.UsageReported {
		questionTokens = completion.PromptTokens
		answerTokens = completion.CompletionTokens
	} else {
		answerTokens, err = o.counter.Count(completion.Text, cfg.Model.TitleModel, userOverhead)
		if err != nil {
			return "", 0, 0, fmt.Errorf("count answer tokens: %w", err)
		}
	}
	return completion.Text, questionTokens, answerTokens, nil
}

// observe records the conversation outcome; kind -1 means success.
func (o *Orchestrator) observe(ch Channel, kind Kind) {
	outcome := "ok"
	if kind >= 0 {
		outcome = kind.String()
	}
	name := "unknown"
	if ch != nil {
		name = ch.Name()
	}
	o.metrics.ConversationsTotal.WithLabelValues(name, outcome).Inc()
}

func configID(cfg ResolvedConfig) *uuid.UUID {
	if cfg.Config == nil {
		return nil
	}
	id := cfg.Config.ID
	return &id
}
