package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"convobot/internal/storage"
)

// record is the wire form of a transaction on the stream.
type record struct {
	ID             uuid.UUID  `json:"id"`
	ChatID         string     `json:"chat_id"`
	Question       string     `json:"question"`
	QuestionTokens int        `json:"question_tokens"`
	QuestionPrice  float64    `json:"question_token_price"`
	Answer         string     `json:"answer"`
	AnswerTokens   int        `json:"answer_tokens"`
	AnswerPrice    float64    `json:"answer_token_price"`
	Image          *string    `json:"image,omitempty"`
	Consumer       string     `json:"consumer"`
	ActiveConfigID *uuid.UUID `json:"active_config_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	Attempts       int        `json:"attempts"`
}

func toRecord(t storage.Transaction) record {
	return record{
		ID:             t.ID,
		ChatID:         t.ChatID,
		Question:       t.Question,
		QuestionTokens: t.QuestionTokens,
		QuestionPrice:  t.QuestionTokenPrice,
		Answer:         t.Answer,
		AnswerTokens:   t.AnswerTokens,
		AnswerPrice:    t.AnswerTokenPrice,
		Image:          t.Image,
		Consumer:       t.Consumer,
		ActiveConfigID: t.ActiveConfigID,
		CreatedAt:      t.CreatedAt,
	}
}

func (r record) transaction() storage.Transaction {
	return storage.Transaction{
		ID:                 r.ID,
		ChatID:             r.ChatID,
		Question:           r.Question,
		QuestionTokens:     r.QuestionTokens,
		QuestionTokenPrice: r.QuestionPrice,
		Answer:             r.Answer,
		AnswerTokens:       r.AnswerTokens,
		AnswerTokenPrice:   r.AnswerPrice,
		Image:              r.Image,
		Consumer:           r.Consumer,
		ActiveConfigID:     r.ActiveConfigID,
		CreatedAt:          r.CreatedAt,
	}
}

// streamQueue is a redis stream with a single consumer group behind it.
type streamQueue struct {
	redis    *redis.Client
	stream   string
	group    string
	consumer string
	block    time.Duration
}

type message struct {
	ID  string
	Rec record
}

func (q *streamQueue) ensureGroup(ctx context.Context) error {
	err := q.redis.XGroupCreateMkStream(ctx, q.stream, q.group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create stream group: %w", err)
	}
	return nil
}

func (q *streamQueue) enqueue(ctx context.Context, rec record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	err = q.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{"payload": payload},
	}).Err()
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

func (q *streamQueue) read(ctx context.Context, count int64) ([]message, error) {
	res, err := q.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.stream, ">"},
		Count:    count,
		Block:    q.block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}

	out := make([]message, 0)
	for _, s := range res {
		for _, m := range s.Messages {
			raw, ok := m.Values["payload"]
			if !ok {
				continue
			}
			var b []byte
			switch v := raw.(type) {
			case string:
				b = []byte(v)
			case []byte:
				b = v
			default:
				continue
			}
			var rec record
			if err := json.Unmarshal(b, &rec); err != nil {
				continue
			}
			out = append(out, message{ID: m.ID, Rec: rec})
		}
	}
	return out, nil
}

func (q *streamQueue) ack(ctx context.Context, messageID string) error {
	if err := q.redis.XAck(ctx, q.stream, q.group, messageID).Err(); err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	if err := q.redis.XDel(ctx, q.stream, messageID).Err(); err != nil {
		return fmt.Errorf("xdel: %w", err)
	}
	return nil
}
