package otel

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"
)

// untraced paths are polled by probes and scrapers.
var untraced = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// HTTPMiddleware returns a chi middleware that traces admin API requests.
// Spans are renamed to the matched route pattern once routing is done, so
// agent and request ids stay out of span names.
func HTTPMiddleware(serviceName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		named := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r)
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if p := rctx.RoutePattern(); p != "" {
					trace.SpanFromContext(r.Context()).SetName(r.Method + " " + p)
				}
			}
		})
		return otelhttp.NewHandler(named, serviceName,
			otelhttp.WithFilter(func(r *http.Request) bool {
				return !untraced[r.URL.Path]
			}),
		)
	}
}
