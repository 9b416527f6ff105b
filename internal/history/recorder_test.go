package history

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"convobot/internal/storage"
)

func newTestRecorder(t *testing.T) (*Recorder, *storage.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store, err := storage.Open(context.Background(), "sqlite", ":memory:", true, "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	rec := New(Config{
		Redis:    rdb,
		Store:    store,
		Stream:   "test:transactions",
		Group:    "test-recorders",
		Consumer: "test-1",
		Block:    50 * time.Millisecond,
		Logger:   zerolog.Nop(),
	})
	return rec, store, mr
}

func seedConfig(t *testing.T, store *storage.Store) storage.ActiveConfig {
	t.Helper()
	ctx := context.Background()
	model := storage.ModelProfile{
		ID:               uuid.New(),
		TitlePublic:      "m",
		TitleModel:       "gpt-4o-mini",
		ContextWindow:    1000,
		MaxRequestTokens: 500,
	}
	if err := store.InsertModel(ctx, model); err != nil {
		t.Fatalf("insert model: %v", err)
	}
	prompt := storage.PromptProfile{ID: uuid.New(), Title: "p", ENText: "sys"}
	if err := store.InsertPrompt(ctx, prompt); err != nil {
		t.Fatalf("insert prompt: %v", err)
	}
	tgID := int64(7)
	cfg, err := store.CreateActiveConfig(ctx, storage.ActiveConfig{
		TgUserID: &tgID,
		ModelID:  model.ID,
		PromptID: prompt.ID,
	})
	if err != nil {
		t.Fatalf("create active config: %v", err)
	}
	return cfg
}

func TestRecordThenConsumePersists(t *testing.T) {
	rec, store, _ := newTestRecorder(t)
	ctx := context.Background()
	cfg := seedConfig(t, store)

	if err := rec.queue.ensureGroup(ctx); err != nil {
		t.Fatalf("ensure group: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	rec.Record(ctx, storage.Transaction{
		ChatID:         "chat-9",
		Question:       "q",
		QuestionTokens: 5,
		Answer:         "a",
		AnswerTokens:   7,
		Consumer:       storage.ConsumerFastChat,
		ActiveConfigID: &cfg.ID,
		CreatedAt:      now,
	})

	msgs, err := rec.queue.read(ctx, 10)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if err := rec.persist(ctx, msgs[0], zerolog.Nop()); err != nil {
		t.Fatalf("persist: %v", err)
	}

	entries, err := store.History(ctx, cfg.ID, now.Add(-time.Minute), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d history entries, want 1", len(entries))
	}
	if entries[0].Question != "q" || entries[0].AnswerTokens != 7 {
		t.Errorf("entry = %+v", entries[0])
	}

	// The message must be acked and gone from the stream.
	if again, err := rec.queue.read(ctx, 10); err != nil || len(again) != 0 {
		t.Errorf("stream not drained: %v, %v", again, err)
	}
}

func TestRecordFallsBackToDirectInsert(t *testing.T) {
	rec, store, mr := newTestRecorder(t)
	ctx := context.Background()
	cfg := seedConfig(t, store)

	// With redis down the transaction must land in the database anyway.
	mr.Close()

	now := time.Now().UTC().Truncate(time.Second)
	rec.Record(ctx, storage.Transaction{
		ChatID:         "chat-9",
		Question:       "q",
		Answer:         "a",
		Consumer:       storage.ConsumerFastChat,
		ActiveConfigID: &cfg.ID,
		CreatedAt:      now,
	})

	entries, err := store.History(ctx, cfg.ID, now.Add(-time.Minute), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d history entries, want 1", len(entries))
	}
}
