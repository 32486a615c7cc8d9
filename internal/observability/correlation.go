package observability

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// CorrelationHeader carries the request correlation ID on the wire. Inbound
// values are honored when well formed so callers can stitch the router's
// records into their own traces.
const CorrelationHeader = "X-Correlation-ID"

const maxCorrelationIDLength = 128

type correlationKey struct{}

// NewCorrelationID returns a fresh UUIDv4 correlation ID.
func NewCorrelationID() string {
	return uuid.NewString()
}

// ContextWithCorrelationID stores the ID for downstream log and span use.
func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationIDFromContext returns the stored ID, or "" when none was set.
func CorrelationIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// CorrelationMiddleware accepts a caller-supplied correlation ID or mints
// one, reflects it on the response, and threads it through the request
// context.
func CorrelationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := sanitizeCorrelationID(r.Header.Get(CorrelationHeader))
		if id == "" {
			id = NewCorrelationID()
		}
		w.Header().Set(CorrelationHeader, id)
		next.ServeHTTP(w, r.WithContext(ContextWithCorrelationID(r.Context(), id)))
	})
}

// sanitizeCorrelationID rejects IDs that are oversized or carry characters
// that could corrupt log lines or headers.
func sanitizeCorrelationID(id string) string {
	if id == "" || len(id) > maxCorrelationIDLength {
		return ""
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.':
		default:
			return ""
		}
	}
	return id
}
