package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// HeaderRequestID carries the correlation ID across the gateway and node.
const HeaderRequestID = "X-Request-Id"

const ContextKeyRequestID contextKey = "fundgateway.requestID"

// RequestID tags every request with a correlation ID, honouring one the
// caller already supplied, and echoes it on the response.
func RequestID() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := strings.TrimSpace(r.Header.Get(HeaderRequestID))
			if id == "" {
				id = uuid.NewString()
				r.Header.Set(HeaderRequestID, id)
			}
			w.Header().Set(HeaderRequestID, id)
			ctx := context.WithValue(r.Context(), ContextKeyRequestID, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestIDFromContext returns the correlation ID set by RequestID.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ContextKeyRequestID).(string)
	return id
}
