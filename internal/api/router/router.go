package router

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	httpmiddleware "github.com/dmourab/whatsflow/internal/http/middleware"
	"github.com/dmourab/whatsflow/internal/messaging"
	"github.com/dmourab/whatsflow/pkg/logging"
)

// Config holds router configuration.
type Config struct {
	Logger           *logging.Logger
	MessagingHandler *messaging.Handler
	MetricsHandler   http.Handler

	// WebhookRateLimit caps webhook requests per second per IP; zero
	// disables limiting.
	WebhookRateLimit float64
	WebhookBurst     int
}

// New creates a Chi router with all routes configured.
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	r.Get("/health", healthCheck)
	r.Get("/healthz", healthCheck)

	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	if cfg.MessagingHandler != nil {
		r.Group(func(hooks chi.Router) {
			if cfg.WebhookRateLimit > 0 {
				burst := cfg.WebhookBurst
				if burst <= 0 {
					burst = int(cfg.WebhookRateLimit * 2)
				}
				hooks.Use(httpmiddleware.RateLimit(cfg.WebhookRateLimit, burst))
			}
			hooks.Post("/webhooks/evolution", cfg.MessagingHandler.EvolutionWebhook)
		})
	}

	return r
}

func healthCheck(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
