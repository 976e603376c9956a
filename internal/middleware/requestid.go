// Package middleware provides HTTP middleware for the agentloop API.
package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/Strob0t/agentloop/internal/logger"
)

const headerRequestID = "X-Request-ID"

// maxRequestIDLen caps client-supplied ids before they reach log records.
const maxRequestIDLen = 128

// RequestID takes X-Request-ID from the request or mints a UUID, stores it in
// the logging context, and echoes it on the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" || len(id) > maxRequestIDLen {
			id = uuid.NewString()
		}

		ctx := logger.WithRequestID(r.Context(), id)
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
