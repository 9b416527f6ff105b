package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/google/uuid"

	"convobot/internal/convo"
	"convobot/internal/storage"
)

func (s *Service) start(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveMessage == nil {
		return nil
	}
	s.ensureAccounts(context.Background(), ctx)
	return s.reply(ctx, b, strings.Join([]string{
		"Hi! Send me any message and I will answer.",
		"Reply to a forwarded message and I will analyze it.",
		"",
		"/models — pick the AI model",
		"/prompts — pick the assistant persona",
		"/image <description> — draw a picture",
		"/help — all commands",
	}, "\n"))
}

func (s *Service) help(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.reply(ctx, b, strings.Join([]string{
		"Commands:",
		"/models — list models and switch the active one",
		"/prompts — list personas and switch the active one",
		"/image <description> — generate an image",
		"",
		"Switching the model starts a fresh conversation window.",
	}, "\n"))
}

func (s *Service) models(b *gotgbot.Bot, ctx *ext.Context) error {
	list, err := s.store.ListModels(context.Background(), storage.ConsumerFastChat)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list models")
		return s.reply(ctx, b, "Cannot load the model list right now.")
	}
	if len(list) == 0 {
		return s.reply(ctx, b, "No models are configured yet.")
	}

	rows := make([][]gotgbot.InlineKeyboardButton, 0, len(list))
	for _, m := range list {
		title := m.TitlePublic
		if m.IsFree {
			title += " (free)"
		}
		rows = append(rows, []gotgbot.InlineKeyboardButton{{
			Text:         title,
			CallbackData: cbPrefix + cbSetModel + m.ID.String(),
		}})
	}
	return s.replyWithMarkup(ctx, b, "Choose a model:", &gotgbot.InlineKeyboardMarkup{InlineKeyboard: rows})
}

func (s *Service) prompts(b *gotgbot.Bot, ctx *ext.Context) error {
	list, err := s.store.ListPrompts(context.Background(), storage.ConsumerFastChat)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list prompts")
		return s.reply(ctx, b, "Cannot load the persona list right now.")
	}
	if len(list) == 0 {
		return s.reply(ctx, b, "No personas are configured yet.")
	}

	rows := make([][]gotgbot.InlineKeyboardButton, 0, len(list))
	for _, p := range list {
		rows = append(rows, []gotgbot.InlineKeyboardButton{{
			Text:         p.Title,
			CallbackData: cbPrefix + cbSetPrompt + p.ID.String(),
		}})
	}
	return s.replyWithMarkup(ctx, b, "Choose a persona:", &gotgbot.InlineKeyboardMarkup{InlineKeyboard: rows})
}

func (s *Service) image(b *gotgbot.Bot, ctx *ext.Context) error {
	msg := ctx.EffectiveMessage
	if msg == nil || ctx.EffectiveChat == nil {
		return nil
	}
	if s.images == nil || s.media == nil {
		return s.reply(ctx, b, "Image generation is not enabled.")
	}
	prompt := strings.TrimSpace(commandRemainder(msg.GetText()))
	if prompt == "" {
		return s.reply(ctx, b, "Usage: /image <description>")
	}

	s.ensureAccounts(context.Background(), ctx)

	raw, err := s.images.GenerateImage(context.Background(), prompt, "")
	if err != nil {
		s.metrics.ImagesGenerated.WithLabelValues("telegram", "error").Inc()
		s.logger.Error().Err(err).Msg("image generation failed")
		return s.reply(ctx, b, convo.UserMessage(err))
	}
	s.metrics.ImagesGenerated.WithLabelValues("telegram", "ok").Inc()

	key := fmt.Sprintf("images/%s.png", uuid.New())
	url, err := s.media.Put(context.Background(), key, raw, "image/png")
	if err != nil {
		s.logger.Error().Err(err).Msg("image upload failed")
		return s.reply(ctx, b, "The picture was drawn but could not be stored. Try again.")
	}
	if _, err := s.store.InsertImage(context.Background(), storage.Image{
		ObjectKey: key,
		URL:       url,
	}); err != nil {
		s.logger.Error().Err(err).Str("key", key).Msg("failed to record image")
	}

	if _, err := b.SendPhoto(ctx.EffectiveChat.Id, gotgbot.InputFileByURL(url), nil); err != nil {
		return fmt.Errorf("send photo: %w", err)
	}
	return nil
}

func (s *Service) onText(b *gotgbot.Bot, ctx *ext.Context) error {
	msg := ctx.EffectiveMessage
	if msg == nil || ctx.EffectiveChat == nil || ctx.EffectiveUser == nil {
		return nil
	}
	text := strings.TrimSpace(msg.GetText())
	if text == "" {
		return nil
	}

	// In groups only respond when addressed: a reply to the bot's own
	// message or an explicit mention.
	replyTo := ""
	if ctx.EffectiveChat.Type != "private" {
		mentioned := s.mentioned(b, text)
		repliedToBot := msg.ReplyToMessage != nil &&
			msg.ReplyToMessage.From != nil &&
			msg.ReplyToMessage.From.Id == b.Id
		if !mentioned && !repliedToBot {
			return nil
		}
		text = s.stripMention(b, text)
		if text == "" {
			return nil
		}
	}
	if msg.ReplyToMessage != nil {
		replyTo = strings.TrimSpace(msg.ReplyToMessage.GetText())
	}

	s.ensureAccounts(context.Background(), ctx)

	tgID := ctx.EffectiveUser.Id
	req := convo.Request{
		Requester: convo.Requester{TgUserID: &tgID},
		Text:      text,
		ChatID:    strconv.FormatInt(ctx.EffectiveChat.Id, 10),
		Controls:  convo.DefaultControls(),
		ReplyTo:   replyTo,
		Consumer:  storage.ConsumerFastChat,
	}

	_, err := s.orchestrator.Converse(context.Background(), req, s.channel)
	if err != nil {
		if convo.WantsLogDetail(err) {
			s.logger.Error().Err(err).Int64("chat_id", ctx.EffectiveChat.Id).Msg("conversation failed")
		}
		return s.reply(ctx, b, convo.UserMessage(err))
	}
	return nil
}

// ensureAccounts keeps the telegram user and group rows fresh. Failures are
// logged and ignored; account rows are bookkeeping, not a gate.
func (s *Service) ensureAccounts(ctx context.Context, ectx *ext.Context) {
	if ectx.EffectiveUser != nil {
		err := s.store.UpsertTgUser(ctx, storage.TgUser{
			ID:        ectx.EffectiveUser.Id,
			Username:  ectx.EffectiveUser.Username,
			FirstName: ectx.EffectiveUser.FirstName,
			LastName:  ectx.EffectiveUser.LastName,
		})
		if err != nil {
			s.logger.Warn().Err(err).Int64("tg_user_id", ectx.EffectiveUser.Id).Msg("failed to upsert tg user")
		}
	}
	if ectx.EffectiveChat != nil && ectx.EffectiveChat.Type != "private" {
		err := s.store.UpsertTgGroup(ctx, storage.TgGroup{
			ID:    ectx.EffectiveChat.Id,
			Title: ectx.EffectiveChat.Title,
			Type:  ectx.EffectiveChat.Type,
		})
		if err != nil {
			s.logger.Warn().Err(err).Int64("tg_group_id", ectx.EffectiveChat.Id).Msg("failed to upsert tg group")
		}
	}
}

func (s *Service) mentioned(b *gotgbot.Bot, text string) bool {
	username := s.botUsername
	if username == "" {
		username = b.Username
	}
	if username == "" {
		return false
	}
	return strings.Contains(strings.ToLower(text), "@"+strings.ToLower(username))
}

func (s *Service) stripMention(b *gotgbot.Bot, text string) string {
	username := s.botUsername
	if username == "" {
		username = b.Username
	}
	if username == "" {
		return strings.TrimSpace(text)
	}
	cleaned := strings.NewReplacer("@"+username, "", "@"+strings.ToLower(username), "").Replace(text)
	return strings.TrimSpace(cleaned)
}

func (s *Service) reply(ctx *ext.Context, b *gotgbot.Bot, text string) error {
	return s.replyWithMarkup(ctx, b, text, nil)
}

func (s *Service) replyWithMarkup(ctx *ext.Context, b *gotgbot.Bot, text string, markup *gotgbot.InlineKeyboardMarkup) error {
	if ctx == nil || ctx.EffectiveChat == nil {
		return nil
	}
	opts := &gotgbot.SendMessageOpts{}
	if markup != nil {
		opts.ReplyMarkup = *markup
	}
	if _, err := b.SendMessage(ctx.EffectiveChat.Id, text, opts); err != nil {
		return fmt.Errorf("send reply: %w", err)
	}
	return nil
}

// commandRemainder drops the leading "/cmd" or "/cmd@bot" token.
func commandRemainder(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return text
	}
	parts := strings.SplitN(text, " ", 2)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}
