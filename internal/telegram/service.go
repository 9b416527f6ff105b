// Package telegram is the bot front end: it turns updates into
// conversation requests and renders the model and prompt pickers.
package telegram

import (
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers/filters/callbackquery"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers/filters/message"
	"github.com/rs/zerolog"

	"convobot/internal/convo"
	"convobot/internal/media"
	"convobot/internal/metrics"
	"convobot/internal/providers/openaichat"
	"convobot/internal/storage"
)

type Service struct {
	store        *storage.Store
	orchestrator *convo.Orchestrator
	channel      convo.ChatChannel
	images       *openaichat.Client
	media        *media.Store
	logger       zerolog.Logger
	metrics      *metrics.Metrics
	botUsername  string
}

type Config struct {
	Store        *storage.Store
	Orchestrator *convo.Orchestrator
	Channel      convo.ChatChannel
	// Images and Media are optional; without them /image is disabled.
	Images      *openaichat.Client
	Media       *media.Store
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
	BotUsername string
}

func NewService(cfg Config) *Service {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	return &Service{
		store:        cfg.Store,
		orchestrator: cfg.Orchestrator,
		channel:      cfg.Channel,
		images:       cfg.Images,
		media:        cfg.Media,
		logger:       cfg.Logger,
		metrics:      m,
		botUsername:  cfg.BotUsername,
	}
}

func (s *Service) Register(d *ext.Dispatcher) {
	d.AddHandler(handlers.NewCommand("start", s.start))
	d.AddHandler(handlers.NewCommand("help", s.help))
	d.AddHandler(handlers.NewCommand("models", s.models))
	d.AddHandler(handlers.NewCommand("prompts", s.prompts))
	d.AddHandler(handlers.NewCommand("image", s.image))
	d.AddHandler(handlers.NewCallback(callbackquery.Prefix(cbPrefix), s.onCallback))
	d.AddHandler(handlers.NewMessage(func(msg *gotgbot.Message) bool {
		return message.Text(msg) && !message.Command(msg)
	}, s.onText))
}

func (s *Service) now() time.Time {
	return time.Now().UTC()
}
