package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/Strob0t/CrawlFleet/internal/middleware"
)

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Get("/health", h.Health)

	r.Route("/api/v1", func(r chi.Router) {
		// Version
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		// Agents
		r.Get("/agents", h.ListAgents)
		r.Get("/agents/{id}", h.GetAgent)
		r.Get("/agents/{id}/events", h.ListAgentEvents)

		// Requests
		r.Post("/requests", h.SubmitRequest)
		r.Get("/requests/{id}/assignments", h.ListRequestAssignments)

		// Live assignments
		r.Get("/assignments", h.ListAssignments)
	})
}

// RouterOptions are the cross-cutting pieces of the admin router.
type RouterOptions struct {
	CORSOrigin string
	// Middleware runs after the standard stack, in order.
	Middleware []func(http.Handler) http.Handler
	// Metrics and WS are mounted at /metrics and /ws when set.
	Metrics http.Handler
	WS      http.HandlerFunc
}

// NewRouter builds the admin router with the standard middleware stack.
func NewRouter(h *Handlers, opts RouterOptions) chi.Router {
	r := chi.NewRouter()

	r.Use(SecurityHeaders)
	r.Use(CORS(opts.CORSOrigin))
	r.Use(chimw.RealIP)
	r.Use(middleware.CorrelationID)
	r.Use(Logger)
	r.Use(chimw.Recoverer)
	for _, mw := range opts.Middleware {
		r.Use(mw)
	}

	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}
	if opts.WS != nil {
		r.Get("/ws", opts.WS)
	}

	r.Group(func(r chi.Router) {
		r.Use(chimw.Timeout(30 * time.Second))
		MountRoutes(r, h)
	})
	return r
}
