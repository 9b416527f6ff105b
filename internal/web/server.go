// Package web exposes the HTTP surface: REST chat, the websocket stream
// and image generation, plus health and metrics endpoints.
package web

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"convobot/internal/channels"
	"convobot/internal/convo"
	"convobot/internal/media"
	"convobot/internal/metrics"
	"convobot/internal/providers/openaichat"
	"convobot/internal/storage"
)

type Server struct {
	store        *storage.Store
	orchestrator *convo.Orchestrator
	hub          *channels.SocketHub
	images       *openaichat.Client
	media        *media.Store
	logger       zerolog.Logger
	metrics      *metrics.Metrics

	httpServer *http.Server
}

type Config struct {
	Store        *storage.Store
	Orchestrator *convo.Orchestrator
	Hub          *channels.SocketHub
	Images       *openaichat.Client
	Media        *media.Store
	Logger       zerolog.Logger
	Metrics      *metrics.Metrics

	ListenAddr    string
	HealthPath    string
	MetricsPath   string
	CORSOrigins   []string
	RatePerMinute int

	// WebhookPath and WebhookHandler mount a telegram webhook endpoint on
	// the same listener when the bot runs in webhook mode.
	WebhookPath    string
	WebhookHandler http.HandlerFunc
}

func NewServer(cfg Config) *Server {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.HealthPath == "" {
		cfg.HealthPath = "/healthz"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"*"}
	}
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = 60
	}

	s := &Server{
		store:        cfg.Store,
		orchestrator: cfg.Orchestrator,
		hub:          cfg.Hub,
		images:       cfg.Images,
		media:        cfg.Media,
		logger:       cfg.Logger,
		metrics:      m,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	r.Get(cfg.HealthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, cfg.MetricsPath, promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(httprate.LimitByIP(cfg.RatePerMinute, time.Minute))
		r.Post("/chat/{chatID}", s.handleChat)
		r.Post("/images/generate", s.handleGenerateImage)
	})
	r.Get("/ws/{chatID}", s.handleSocket)

	if cfg.WebhookPath != "" && cfg.WebhookHandler != nil {
		r.Post(cfg.WebhookPath, cfg.WebhookHandler)
	}

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until ctx ends, then drains connections.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.httpServer.Addr).Msg("http server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}
