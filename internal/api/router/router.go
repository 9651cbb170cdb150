package router

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wolfman30/flightdesk-ai/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/flightdesk-ai/internal/http/middleware"
	"github.com/wolfman30/flightdesk-ai/pkg/logging"
)

const healthTimeout = 2 * time.Second

// Pinger is a dependency the health check probes.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Config holds router configuration
type Config struct {
	Logger         *logging.Logger
	Webhook        http.Handler
	Admin          *handlers.AdminHandler
	LiveFeed       http.Handler
	AdminSecret    string
	AdminRateLimit float64
	MetricsHandler http.Handler
	HealthChecks   map[string]Pinger
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	if cfg.Webhook == nil {
		panic("router: webhook handler cannot be nil")
	}
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(httpmiddleware.RequestLogger(cfg.Logger))

	r.Group(func(public chi.Router) {
		public.Get("/health", healthHandler(cfg.HealthChecks))
		public.Post("/webhook", cfg.Webhook.ServeHTTP)
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
	})

	if cfg.Admin != nil && cfg.AdminSecret != "" {
		r.Route("/admin", func(admin chi.Router) {
			admin.Use(httpmiddleware.AdminJWT(cfg.AdminSecret))
			if cfg.AdminRateLimit > 0 {
				admin.Use(httpmiddleware.RateLimit(cfg.AdminRateLimit, int(cfg.AdminRateLimit*2)+1))
			}
			admin.Get("/escalations", cfg.Admin.ListEscalations)
			if cfg.LiveFeed != nil {
				admin.Handle("/escalations/feed", cfg.LiveFeed)
			}
			admin.Get("/sessions/{phone}", cfg.Admin.GetSession)
			admin.Post("/sessions/{phone}/release", cfg.Admin.ReleaseSession)
		})
	}
	return r
}

// healthHandler reports ok when every dependency answers. A failing
// dependency turns the response into a 503 naming it.
func healthHandler(checks map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()

		status := http.StatusOK
		body := map[string]string{"status": "ok"}
		for name, check := range checks {
			if check == nil {
				continue
			}
			if err := check.Ping(ctx); err != nil {
				status = http.StatusServiceUnavailable
				body["status"] = "degraded"
				body[name] = err.Error()
				continue
			}
			body[name] = "ok"
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}
