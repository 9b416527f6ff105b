// Package history persists finished conversations. Transactions travel
// through a redis stream so a slow database never blocks a reply; a
// consumer group drains the stream into storage.
package history

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"convobot/internal/metrics"
	"convobot/internal/storage"
)

const maxPersistRetries = 3

type Recorder struct {
	store   *storage.Store
	queue   *streamQueue
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

type Config struct {
	Redis    *redis.Client
	Store    *storage.Store
	Stream   string
	Group    string
	Consumer string
	Block    time.Duration
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
}

func New(cfg Config) *Recorder {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.Stream == "" {
		cfg.Stream = "convobot:transactions"
	}
	if cfg.Group == "" {
		cfg.Group = "recorders"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "recorder-1"
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	return &Recorder{
		store: cfg.Store,
		queue: &streamQueue{
			redis:    cfg.Redis,
			stream:   cfg.Stream,
			group:    cfg.Group,
			consumer: cfg.Consumer,
			block:    cfg.Block,
		},
		logger:  cfg.Logger,
		metrics: m,
	}
}

// Record hands a transaction to the stream. When redis is unreachable it
// falls back to a direct insert; only when both paths fail is the
// transaction lost, which the caller must tolerate.
func (r *Recorder) Record(ctx context.Context, t storage.Transaction) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if err := r.queue.enqueue(ctx, toRecord(t)); err != nil {
		r.logger.Warn().Err(err).Str("chat_id", t.ChatID).Msg("stream enqueue failed, inserting directly")
		if err := r.store.InsertTransaction(ctx, t); err != nil {
			r.metrics.TransactionsDropped.Inc()
			r.logger.Error().Err(err).Str("chat_id", t.ChatID).Msg("transaction lost")
			return
		}
		r.metrics.TransactionsRecorded.Inc()
	}
}

// Start consumes the stream until ctx ends. It blocks.
func (r *Recorder) Start(ctx context.Context, concurrency int) error {
	if err := r.queue.ensureGroup(ctx); err != nil {
		return err
	}
	if concurrency < 1 {
		concurrency = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			r.consumeLoop(ctx, slot)
		}(i)
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

func (r *Recorder) consumeLoop(ctx context.Context, slot int) {
	log := r.logger.With().Int("slot", slot).Logger()
	for {
		if ctx.Err() != nil {
			return
		}

		messages, err := r.queue.read(ctx, 10)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("failed to read transaction stream")
			time.Sleep(time.Second)
			continue
		}

		for _, msg := range messages {
			if err := r.persist(ctx, msg, log); err != nil {
				log.Error().Err(err).Str("msg_id", msg.ID).Msg("failed to handle transaction message")
			}
		}
	}
}

func (r *Recorder) persist(ctx context.Context, msg message, log zerolog.Logger) error {
	err := r.store.InsertTransaction(ctx, msg.Rec.transaction())
	if err == nil {
		r.metrics.TransactionsRecorded.Inc()
		return r.queue.ack(ctx, msg.ID)
	}

	if msg.Rec.Attempts < maxPersistRetries {
		msg.Rec.Attempts++
		if enqueueErr := r.queue.enqueue(ctx, msg.Rec); enqueueErr != nil {
			return enqueueErr
		}
		log.Warn().Err(err).Int("attempt", msg.Rec.Attempts).Msg("transaction insert failed, re-enqueued")
		return r.queue.ack(ctx, msg.ID)
	}

	r.metrics.TransactionsDropped.Inc()
	log.Error().Err(err).Str("chat_id", msg.Rec.ChatID).Msg("transaction dropped after retries")
	return r.queue.ack(ctx, msg.ID)
}
