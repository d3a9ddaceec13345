package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/capitalize-ai/chatsync/internal/middleware"
	"github.com/capitalize-ai/chatsync/internal/service"
	"github.com/capitalize-ai/chatsync/pkg/logger"
)

// RouterConfig wires the HTTP surface.
type RouterConfig struct {
	Manager           *service.Manager
	Logger            *logger.Logger
	JWTSecret         string
	RateLimitRequests int
	RateLimitWindow   time.Duration
	Heartbeat         time.Duration
	Checks            map[string]Checker
}

// NewRouter builds the API router.
func NewRouter(cfg RouterConfig) http.Handler {
	healthHandler := NewHealthHandler(cfg.Checks)
	conversationHandler := NewConversationHandler(cfg.Manager, cfg.Logger)
	messageHandler := NewMessageHandler(cfg.Manager, cfg.Logger)
	streamHandler := NewStreamHandler(cfg.Manager, cfg.Logger, cfg.Heartbeat)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(cfg.Logger))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS())

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		if cfg.RateLimitRequests > 0 {
			r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))
		}

		r.Get("/stream", streamHandler.Stream)
		r.Post("/logout", conversationHandler.Logout)

		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", conversationHandler.List)
			r.Post("/direct", conversationHandler.OpenDirect)
			r.Post("/{id}/open", conversationHandler.Open)

			r.Route("/current", func(r chi.Router) {
				r.Delete("/", conversationHandler.Close)
				r.Get("/messages", messageHandler.List)
				r.Post("/messages", messageHandler.Send)
				r.Post("/read", messageHandler.Read)
			})
		})
	})

	return r
}
