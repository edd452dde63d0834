// Package middleware provides HTTP middleware for the CrawlFleet admin API.
package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/Strob0t/CrawlFleet/internal/logger"
)

// CorrelationID is HTTP middleware that extracts X-Correlation-ID from the
// request header or generates a new one. The ID is stored in the context and
// set on the response header; messages published while serving the request
// carry it onward.
func CorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(logger.CorrelationHeader)
		if id == "" {
			id = uuid.NewString()
		}

		ctx := logger.WithCorrelationID(r.Context(), id)
		w.Header().Set(logger.CorrelationHeader, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
