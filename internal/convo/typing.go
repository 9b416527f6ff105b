package convo

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// startTyping keeps a chat channel's typing indicator alive until stop is
// called, the context ends, or the hard ceiling elapses. Send failures are
// logged and never abort the conversation.
func startTyping(ctx context.Context, ch ChatChannel, chatID string, interval, ceiling time.Duration, logger zerolog.Logger) (stop func()) {
	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		deadline := time.NewTimer(ceiling)
		defer deadline.Stop()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		if err := ch.SendTyping(ctx, chatID); err != nil {
			logger.Debug().Err(err).Str("chat_id", chatID).Msg("typing indicator failed")
		}
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-deadline.C:
				return
			case <-ticker.C:
				if err := ch.SendTyping(ctx, chatID); err != nil {
					logger.Debug().Err(err).Str("chat_id", chatID).Msg("typing indicator failed")
				}
			}
		}
	}()

	var once bool
	return func() {
		if once {
			return
		}
		once = true
		close(done)
		<-stopped
	}
}
