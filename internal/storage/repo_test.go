package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), "sqlite", ":memory:", true, "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func insertProfiles(t *testing.T, store *Store) (ModelProfile, PromptProfile) {
	t.Helper()
	ctx := context.Background()
	model := ModelProfile{
		ID:                   uuid.New(),
		Provider:             ProviderOpenAI,
		TitlePublic:          "GPT-4o mini",
		TitleModel:           "gpt-4o-mini",
		IsDefault:            true,
		IsFree:               true,
		IncomingPrice:        0.0006,
		OutgoingPrice:        0.00015,
		ContextWindow:        128000,
		MaxRequestTokens:     4000,
		HistoryWindowMinutes: 30,
		Consumer:             ConsumerFastChat,
	}
	if err := store.InsertModel(ctx, model); err != nil {
		t.Fatalf("insert model: %v", err)
	}
	prompt := PromptProfile{
		ID:        uuid.New(),
		Title:     "Assistant",
		ENText:    "You are a helpful assistant",
		RUText:    "Ты полезный ассистент",
		IsDefault: true,
		Consumer:  ConsumerFastChat,
	}
	if err := store.InsertPrompt(ctx, prompt); err != nil {
		t.Fatalf("insert prompt: %v", err)
	}
	return model, prompt
}

func TestDefaultProfilesByConsumer(t *testing.T) {
	store := openTestStore(t)
	model, prompt := insertProfiles(t, store)
	ctx := context.Background()

	// A default for another consumer category must not leak into FCH.
	if err := store.InsertModel(ctx, ModelProfile{
		ID:               uuid.New(),
		TitlePublic:      "DALL-E",
		TitleModel:       "dall-e-3",
		IsDefault:        true,
		ContextWindow:    4000,
		MaxRequestTokens: 1000,
		Consumer:         ConsumerImage,
	}); err != nil {
		t.Fatalf("insert image model: %v", err)
	}

	got, err := store.GetDefaultModel(ctx, ConsumerFastChat)
	if err != nil {
		t.Fatalf("get default model: %v", err)
	}
	if got.ID != model.ID {
		t.Errorf("default model = %s, want %s", got.TitleModel, model.TitleModel)
	}
	if got.ContextWindow != 128000 || !got.IsFree || got.IncomingPrice != 0.0006 {
		t.Errorf("model round-trip mismatch: %+v", got)
	}

	gotPrompt, err := store.GetDefaultPrompt(ctx, ConsumerFastChat)
	if err != nil {
		t.Fatalf("get default prompt: %v", err)
	}
	if gotPrompt.ID != prompt.ID || gotPrompt.RUText != prompt.RUText {
		t.Errorf("prompt round-trip mismatch: %+v", gotPrompt)
	}

	if _, err := store.GetDefaultModel(ctx, ConsumerSystem); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for SYS default, got %v", err)
	}
}

func TestActiveConfigLifecycle(t *testing.T) {
	store := openTestStore(t)
	model, prompt := insertProfiles(t, store)
	ctx := context.Background()
	start := time.Now().UTC().Truncate(time.Second)

	tgID := int64(555)
	cfg, err := store.CreateActiveConfig(ctx, ActiveConfig{
		TgUserID:  &tgID,
		ModelID:   model.ID,
		PromptID:  prompt.ID,
		TimeStart: start,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	view, err := store.GetActiveConfigByTgUser(ctx, tgID)
	if err != nil {
		t.Fatalf("get by tg user: %v", err)
	}
	if view.ActiveConfig.ID != cfg.ID {
		t.Errorf("config id = %s, want %s", view.ActiveConfig.ID, cfg.ID)
	}
	if view.Model.ID != model.ID || view.Prompt.ID != prompt.ID {
		t.Errorf("joined profiles = (%s, %s)", view.Model.ID, view.Prompt.ID)
	}
	if !view.TimeStart.Equal(start) {
		t.Errorf("time start = %v, want %v", view.TimeStart, start)
	}

	if _, err := store.GetActiveConfigByTgUser(ctx, 999); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown tg user, got %v", err)
	}

	// Switching the model moves the window start forward.
	other := ModelProfile{
		ID:               uuid.New(),
		TitlePublic:      "GPT-4o",
		TitleModel:       "gpt-4o",
		ContextWindow:    128000,
		MaxRequestTokens: 4000,
		Consumer:         ConsumerFastChat,
	}
	if err := store.InsertModel(ctx, other); err != nil {
		t.Fatalf("insert other model: %v", err)
	}
	later := start.Add(time.Hour)
	if err := store.SetActiveModel(ctx, cfg.ID, other.ID, later); err != nil {
		t.Fatalf("set active model: %v", err)
	}
	view, err = store.GetActiveConfigByTgUser(ctx, tgID)
	if err != nil {
		t.Fatalf("get after switch: %v", err)
	}
	if view.Model.ID != other.ID {
		t.Errorf("model after switch = %s, want %s", view.Model.ID, other.ID)
	}
	if !view.TimeStart.Equal(later) {
		t.Errorf("time start after switch = %v, want %v", view.TimeStart, later)
	}
}

func TestTransactionRoundTripAndHistory(t *testing.T) {
	store := openTestStore(t)
	model, prompt := insertProfiles(t, store)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	tgID := int64(556)
	cfg, err := store.CreateActiveConfig(ctx, ActiveConfig{
		TgUserID: &tgID, ModelID: model.ID, PromptID: prompt.ID, TimeStart: now.Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("create config: %v", err)
	}

	insert := func(question, answer string, qt, at int, ts time.Time) {
		t.Helper()
		err := store.InsertTransaction(ctx, Transaction{
			ChatID:             "42",
			Question:           question,
			QuestionTokens:     qt,
			QuestionTokenPrice: model.OutgoingPrice,
			Answer:             answer,
			AnswerTokens:       at,
			AnswerTokenPrice:   model.IncomingPrice,
			Consumer:           ConsumerFastChat,
			ActiveConfigID:     &cfg.ID,
			CreatedAt:          ts,
		})
		if err != nil {
			t.Fatalf("insert transaction: %v", err)
		}
	}

	insert("first", "first answer", 3, 5, now.Add(-30*time.Minute))
	insert("second", "second answer", 4, 6, now.Add(-10*time.Minute))
	// Failed conversations persist with an empty answer and must not
	// reappear as history.
	insert("failed", "", 2, 0, now.Add(-5*time.Minute))
	// Outside the window.
	insert("ancient", "ancient answer", 1, 1, now.Add(-2*time.Hour))

	entries, err := store.History(ctx, cfg.ID, now.Add(-time.Hour), now)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2: %+v", len(entries), entries)
	}
	// Oldest first.
	if entries[0].Question != "first" || entries[1].Question != "second" {
		t.Errorf("order = %q, %q", entries[0].Question, entries[1].Question)
	}
	if entries[0].QuestionTokens != 3 || entries[0].AnswerTokens != 5 {
		t.Errorf("tokens = %+v", entries[0])
	}
}
