package convo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"convobot/internal/storage"
)

// ResolvedConfig is the active model, prompt and history window start for
// one requester. Config is nil for anonymous requesters, which also means
// no history window exists.
type ResolvedConfig struct {
	Model       storage.ModelProfile
	Prompt      storage.PromptProfile
	Config      *storage.ActiveConfig
	WindowStart time.Time
}

// Resolver loads or lazily creates the per-requester conversation
// configuration.
type Resolver struct {
	store *storage.Store
}

func NewResolver(store *storage.Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve returns the requester's active configuration. A known requester
// without one gets a new config persisted with the category defaults;
// anonymous requesters get the defaults directly with now as window start.
func (r *Resolver) Resolve(ctx context.Context, requester Requester, consumer string, now time.Time) (ResolvedConfig, error) {
	if consumer == "" {
		consumer = storage.ConsumerFastChat
	}

	if requester.Anonymous() {
		model, prompt, err := r.defaults(ctx, consumer)
		if err != nil {
			return ResolvedConfig{}, err
		}
		return ResolvedConfig{Model: model, Prompt: prompt, WindowStart: now}, nil
	}

	view, err := r.lookup(ctx, requester)
	if err == nil {
		return ResolvedConfig{
			Model:       view.Model,
			Prompt:      view.Prompt,
			Config:      &view.ActiveConfig,
			WindowStart: view.TimeStart,
		}, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return ResolvedConfig{}, fmt.Errorf("look up active config: %w", err)
	}

	model, prompt, err := r.defaults(ctx, consumer)
	if err != nil {
		return ResolvedConfig{}, err
	}
	created, err := r.store.CreateActiveConfig(ctx, storage.ActiveConfig{
		UserID:    requester.UserID,
		TgUserID:  requester.TgUserID,
		ModelID:   model.ID,
		PromptID:  prompt.ID,
		TimeStart: now,
	})
	if err != nil {
		return ResolvedConfig{}, fmt.Errorf("create default active config: %w", err)
	}
	return ResolvedConfig{
		Model:       model,
		Prompt:      prompt,
		Config:      &created,
		WindowStart: created.TimeStart,
	}, nil
}

func (r *Resolver) lookup(ctx context.Context, requester Requester) (storage.ActiveConfigView, error) {
	if requester.UserID != nil {
		return r.store.GetActiveConfigByUser(ctx, *requester.UserID)
	}
	return r.store.GetActiveConfigByTgUser(ctx, *requester.TgUserID)
}

func (r *Resolver) defaults(ctx context.Context, consumer string) (storage.ModelProfile, storage.PromptProfile, error) {
	model, err := r.store.GetDefaultModel(ctx, consumer)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.ModelProfile{}, storage.PromptProfile{}, E(KindConfigMissing, err,
				fmt.Sprintf("no default model profile for consumer %s", consumer))
		}
		return storage.ModelProfile{}, storage.PromptProfile{}, fmt.Errorf("get default model: %w", err)
	}
	prompt, err := r.store.GetDefaultPrompt(ctx, consumer)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.ModelProfile{}, storage.PromptProfile{}, E(KindConfigMissing, err,
				fmt.Sprintf("no default prompt profile for consumer %s", consumer))
		}
		return storage.ModelProfile{}, storage.PromptProfile{}, fmt.Errorf("get default prompt: %w", err)
	}
	return model, prompt, nil
}
