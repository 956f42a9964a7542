package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/Priya8975/redirect-tracker/internal/store"
	ws "github.com/Priya8975/redirect-tracker/internal/websocket"
)

// RouterConfig lists what a binary serves. Nil handlers leave their routes
// unmounted, so the worker's admin listener and the gateway share one router.
type RouterConfig struct {
	Logger      *slog.Logger
	Version     string
	CORSOrigins []string

	Redirect    http.Handler
	Reader      store.EventReader
	DeadLetters *DeadLetterHandler
	Dashboard   *DashboardHandler
	Hub         *ws.Hub
	Checks      map[string]Pinger
	Metrics     http.Handler
}

// NewRouter creates and configures the HTTP router.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(Correlation)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))

	if cfg.Redirect != nil {
		r.Method(http.MethodGet, "/url", cfg.Redirect)
	}
	if cfg.Hub != nil {
		r.Get("/ws", cfg.Hub.HandleWebSocket)
	}
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics)
	}

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", "Authorization", HeaderCorrelationID},
			ExposedHeaders: []string{HeaderCorrelationID},
			MaxAge:         300,
		}))

		r.Get("/health", HealthHandler(cfg.Version, cfg.Checks))

		if cfg.Reader != nil {
			events := NewEventHandler(cfg.Reader)
			r.Route("/clicks", func(r chi.Router) {
				r.Get("/", events.List)
				r.Get("/aggregate", events.Aggregate)
			})
		}

		if dl := cfg.DeadLetters; dl != nil {
			r.Get("/queues", dl.Queues)
			if dl.reprocessor != nil {
				r.Post("/dead-letters/reprocess", dl.Reprocess)
			}
			if dl.ledger != nil {
				r.Route("/escalations", func(r chi.Router) {
					r.Get("/", dl.ListEscalations)
					r.Get("/{id}", dl.GetEscalation)
					r.Post("/{id}/resolve", dl.ResolveEscalation)
					if dl.reprocessor != nil {
						r.Post("/{id}/replay", dl.ReplayEscalation)
					}
				})
			}
		}

		if cfg.Dashboard != nil {
			r.Get("/metrics", cfg.Dashboard.Metrics)
			r.Get("/circuit-breakers", cfg.Dashboard.CircuitBreakers)
		}
	})

	return r
}
