// Package channels adapts delivery transports to the conversation layer.
package channels

import (
	"context"
	"fmt"
	"strconv"

	"github.com/PaulSonOfLars/gotgbot/v2"

	"convobot/internal/convo"
)

// telegramMessageLimit is conservative against the 4096-char API cap so
// formatting entities never push a chunk over it.
const telegramMessageLimit = 4000

// Telegram delivers replies to a telegram chat.
type Telegram struct {
	bot *gotgbot.Bot
}

func NewTelegram(bot *gotgbot.Bot) *Telegram {
	return &Telegram{bot: bot}
}

var _ convo.ChatChannel = (*Telegram)(nil)

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) SendTyping(ctx context.Context, chatID string) error {
	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := t.bot.SendChatAction(id, "typing", nil); err != nil {
		return fmt.Errorf("send chat action: %w", err)
	}
	return nil
}

func (t *Telegram) SendText(ctx context.Context, chatID, text string) error {
	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	for _, part := range splitMessage(text, telegramMessageLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := t.bot.SendMessage(id, part, nil); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	return nil
}

func parseChatID(chatID string) (int64, error) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("chat id %q is not a telegram chat: %w", chatID, err)
	}
	return id, nil
}

// splitMessage cuts text into rune-safe pieces of at most limit runes.
func splitMessage(text string, limit int) []string {
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}
	parts := make([]string, 0, len(runes)/limit+1)
	for len(runes) > limit {
		parts = append(parts, string(runes[:limit]))
		runes = runes[limit:]
	}
	if len(runes) > 0 {
		parts = append(parts, string(runes))
	}
	return parts
}
