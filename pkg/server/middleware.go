package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"
)

// withRequestContext tags each request with an id, attaches a request-scoped
// logger to the context and logs completion at debug level.
func (s *Server) withRequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.NewString()

		logger := s.logger.With().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Logger()

		w.Header().Set("X-Request-Id", requestID)

		start := time.Now()
		next.ServeHTTP(w, r.WithContext(logger.WithContext(r.Context())))
		logger.Debug().Dur("duration", time.Since(start)).Msg("request complete")
	})
}
