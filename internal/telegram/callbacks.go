package telegram

import (
	"context"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/google/uuid"

	"convobot/internal/convo"
	"convobot/internal/storage"
)

const (
	cbPrefix    = "cfg:"
	cbSetModel  = "model:"
	cbSetPrompt = "prompt:"
)

func (s *Service) onCallback(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx == nil || ctx.CallbackQuery == nil || ctx.EffectiveUser == nil {
		return nil
	}
	data := strings.TrimPrefix(strings.TrimSpace(ctx.CallbackQuery.Data), cbPrefix)

	switch {
	case strings.HasPrefix(data, cbSetModel):
		id, err := uuid.Parse(strings.TrimPrefix(data, cbSetModel))
		if err != nil {
			s.answerCallback(b, ctx, "Bad model reference.", true)
			return nil
		}
		return s.setModel(b, ctx, id)

	case strings.HasPrefix(data, cbSetPrompt):
		id, err := uuid.Parse(strings.TrimPrefix(data, cbSetPrompt))
		if err != nil {
			s.answerCallback(b, ctx, "Bad persona reference.", true)
			return nil
		}
		return s.setPrompt(b, ctx, id)

	default:
		s.answerCallback(b, ctx, "Unknown action.", true)
		return nil
	}
}

func (s *Service) setModel(b *gotgbot.Bot, ctx *ext.Context, modelID uuid.UUID) error {
	cfg, err := s.activeConfig(ctx)
	if err != nil {
		s.answerCallback(b, ctx, "Send a message first so I can set up your chat.", true)
		return nil
	}
	model, err := s.store.GetModel(context.Background(), modelID)
	if err != nil {
		s.answerCallback(b, ctx, "That model no longer exists.", true)
		return nil
	}
	// Switching models resets the history window.
	if err := s.store.SetActiveModel(context.Background(), cfg.ID, model.ID, s.now()); err != nil {
		s.logger.Error().Err(err).Msg("failed to set active model")
		s.answerCallback(b, ctx, "Could not switch the model. Try again.", true)
		return nil
	}
	s.answerCallback(b, ctx, "Model switched to "+model.TitlePublic+". The conversation starts over.", false)
	return nil
}

func (s *Service) setPrompt(b *gotgbot.Bot, ctx *ext.Context, promptID uuid.UUID) error {
	cfg, err := s.activeConfig(ctx)
	if err != nil {
		s.answerCallback(b, ctx, "Send a message first so I can set up your chat.", true)
		return nil
	}
	prompt, err := s.store.GetPrompt(context.Background(), promptID)
	if err != nil {
		s.answerCallback(b, ctx, "That persona no longer exists.", true)
		return nil
	}
	if err := s.store.SetActivePrompt(context.Background(), cfg.ID, prompt.ID); err != nil {
		s.logger.Error().Err(err).Msg("failed to set active prompt")
		s.answerCallback(b, ctx, "Could not switch the persona. Try again.", true)
		return nil
	}
	s.answerCallback(b, ctx, "Persona switched to "+prompt.Title+".", false)
	return nil
}

// activeConfig loads the caller's config, creating it with defaults when
// this is the first interaction.
func (s *Service) activeConfig(ctx *ext.Context) (storage.ActiveConfig, error) {
	tgID := ctx.EffectiveUser.Id
	resolved, err := convo.NewResolver(s.store).Resolve(context.Background(),
		convo.Requester{TgUserID: &tgID}, storage.ConsumerFastChat, s.now())
	if err != nil {
		return storage.ActiveConfig{}, err
	}
	return *resolved.Config, nil
}

func (s *Service) answerCallback(b *gotgbot.Bot, ctx *ext.Context, text string, alert bool) {
	if ctx == nil || ctx.CallbackQuery == nil {
		return
	}
	opts := &gotgbot.AnswerCallbackQueryOpts{ShowAlert: alert}
	if text != "" {
		opts.Text = text
	}
	_, _ = b.AnswerCallbackQuery(ctx.CallbackQuery.Id, opts)
}
