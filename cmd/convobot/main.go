package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"convobot/internal/channels"
	"convobot/internal/config"
	"convobot/internal/convo"
	"convobot/internal/crypto"
	"convobot/internal/guard"
	"convobot/internal/history"
	"convobot/internal/media"
	"convobot/internal/metrics"
	"convobot/internal/providers"
	"convobot/internal/storage"
	"convobot/internal/telegram"
	"convobot/internal/tokenizer"
	"convobot/internal/web"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg.Log.Level)
	log.Info().
		Str("mode", cfg.AppMode).
		Str("db_driver", cfg.DB.Driver).
		Msg("starting convobot")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate, "migrations")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to connect redis")
	}
	defer rdb.Close()

	keyring, err := crypto.NewKeyring(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize keyring")
	}

	registry, err := providers.NewRegistry(providers.Config{
		DefaultAPIKey:  cfg.AI.APIKey,
		BaseURL:        cfg.AI.BaseURL,
		SOCKSProxyURL:  cfg.AI.SOCKSProxyURL,
		RequestTimeout: cfg.AI.RequestTimeout,
		Keyring:        keyring,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build provider registry")
	}

	var mediaStore *media.Store
	if cfg.Media.AccessKey != "" {
		mediaStore, err = media.New(ctx, media.Config{
			Endpoint:  cfg.Media.Endpoint,
			AccessKey: cfg.Media.AccessKey,
			SecretKey: cfg.Media.SecretKey,
			Bucket:    cfg.Media.Bucket,
			UseSSL:    cfg.Media.UseSSL,
			PublicURL: cfg.Media.PublicURL,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize object storage")
		}
	} else {
		log.Warn().Msg("object storage not configured, image generation disabled")
	}

	m := metrics.Global()
	recorder := history.New(history.Config{
		Redis:    rdb,
		Store:    store,
		Stream:   cfg.Redis.RecorderStream,
		Group:    cfg.Redis.RecorderGroup,
		Consumer: cfg.Redis.RecorderConsumer,
		Block:    cfg.Redis.RecorderBlock,
		Logger:   log.Logger,
		Metrics:  m,
	})

	orchestrator := convo.New(convo.Config{
		Store:          store,
		Guard:          guard.New(rdb, cfg.Redis.InFlightPrefix),
		Counter:        tokenizer.New(),
		Providers:      registry,
		Recorder:       recorder,
		Metrics:        m,
		Logger:         log.Logger,
		TypingInterval: cfg.AI.TypingInterval,
		TypingCeiling:  cfg.AI.TypingCeiling,
	})

	errCh := make(chan error, 4)

	runBot := cfg.AppMode == config.ModeAll || cfg.AppMode == config.ModeTgBot
	runWeb := cfg.AppMode == config.ModeAll || cfg.AppMode == config.ModeWeb
	runWorker := cfg.AppMode == config.ModeAll || cfg.AppMode == config.ModeWorker

	hub := channels.NewSocketHub(log.Logger)

	var (
		updater        *ext.Updater
		webhookPath    string
		webhookHandler http.HandlerFunc
	)
	if runBot {
		if cfg.Bot.Token == "" {
			log.Fatal().Err(config.ErrMissingBotToken).Msg("bot mode requires a token")
		}
		bot, err := gotgbot.NewBot(cfg.Bot.Token, nil)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create telegram bot")
		}
		log.Info().Str("bot_username", bot.User.Username).Int64("bot_id", bot.User.Id).Msg("telegram bot initialized")

		logTelegramErr := func(err error) {
			log.Error().Str("component", "telegram").Msg(sanitizeTelegramErr(err, cfg.Bot.Token))
		}
		dispatcher := ext.NewDispatcher(&ext.DispatcherOpts{
			MaxRoutines:      100,
			UnhandledErrFunc: logTelegramErr,
		})
		service := telegram.NewService(telegram.Config{
			Store:        store,
			Orchestrator: orchestrator,
			Channel:      channels.NewTelegram(bot),
			Images:       registry.ImageClient(),
			Media:        mediaStore,
			Logger:       log.Logger,
			Metrics:      m,
			BotUsername:  bot.User.Username,
		})
		service.Register(dispatcher)

		updater = ext.NewUpdater(dispatcher, &ext.UpdaterOpts{
			UnhandledErrFunc: logTelegramErr,
		})

		if cfg.Bot.WebhookURL != "" && !cfg.Bot.DevPolling {
			if !runWeb {
				log.Fatal().Msg("webhook delivery needs the web surface, run APP_MODE=ALL")
			}
			path := strings.Trim(cfg.Bot.WebhookSecretPath, "/")
			if path == "" {
				path = "telegram"
			}
			if err := updater.AddWebhook(bot, path, &ext.AddWebhookOpts{SecretToken: cfg.Bot.WebhookSecretToken}); err != nil {
				log.Fatal().Err(err).Msg("failed to configure webhook handler")
			}
			webhookURL := strings.TrimSuffix(cfg.Bot.WebhookURL, "/") + "/" + path
			if _, err := bot.SetWebhook(webhookURL, &gotgbot.SetWebhookOpts{
				DropPendingUpdates: false,
				SecretToken:        cfg.Bot.WebhookSecretToken,
			}); err != nil {
				log.Fatal().Err(err).Msg("failed to set telegram webhook")
			}
			webhookPath = "/" + path
			webhookHandler = updater.GetHandlerFunc("/")
			log.Info().Str("webhook_url", webhookURL).Msg("webhook registered")
		} else {
			if err := updater.StartPolling(bot, &ext.PollingOpts{
				EnableWebhookDeletion: true,
				DropPendingUpdates:    true,
				GetUpdatesOpts: &gotgbot.GetUpdatesOpts{
					Timeout: 50,
					RequestOpts: &gotgbot.RequestOpts{
						Timeout: 60 * time.Second,
					},
				},
			}); err != nil {
				log.Fatal().Err(err).Msg("failed to start polling")
			}
			log.Info().Msg("telegram polling started")
		}
	}

	if runWeb {
		server := web.NewServer(web.Config{
			Store:          store,
			Orchestrator:   orchestrator,
			Hub:            hub,
			Images:         registry.ImageClient(),
			Media:          mediaStore,
			Logger:         log.Logger,
			Metrics:        m,
			ListenAddr:     cfg.Web.ListenAddr,
			HealthPath:     cfg.Web.HealthPath,
			MetricsPath:    cfg.Web.MetricsPath,
			CORSOrigins:    cfg.Web.CORSOrigins,
			RatePerMinute:  cfg.Rate.WebPerMinute,
			WebhookPath:    webhookPath,
			WebhookHandler: webhookHandler,
		})
		go func() {
			if err := server.Start(ctx); err != nil {
				errCh <- fmt.Errorf("http server: %w", err)
			}
		}()
	}

	if runWorker {
		go func() {
			if err := recorder.Start(ctx, 2); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("transaction recorder: %w", err)
			}
		}()
		log.Info().Msg("transaction recorder started")
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("runtime error")
		cancel()
	}

	if updater != nil {
		if err := updater.Stop(); err != nil {
			log.Error().Err(err).Msg("failed to stop updater")
		}
	}

	log.Info().Msg("stopped")
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func sanitizeTelegramErr(err error, token string) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if strings.TrimSpace(token) == "" {
		return msg
	}

	msg = strings.ReplaceAll(msg, token, "<redacted-token>")
	if idx := strings.Index(token, ":"); idx > 0 {
		botID := token[:idx]
		msg = strings.ReplaceAll(msg, "/bot"+botID+":", "/bot<redacted>:")
		msg = strings.ReplaceAll(msg, "bot"+botID+"/", "bot<redacted>/")
	}
	return msg
}
