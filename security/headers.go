package security

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

var securityHeaders = [...][2]string{
	{"Strict-Transport-Security", "max-age=31536000; includeSubDomains"},
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Referrer-Policy", "strict-origin-when-cross-origin"},
}

// ApplySecurityHeaders sets the fixed response headers, overwriting any value a backend sent.
func ApplySecurityHeaders(h http.Header) {
	for _, kv := range securityHeaders {
		h.Set(kv[0], kv[1])
	}
}

// NewRequestID returns a fresh random identifier for x-request-id.
func NewRequestID() string {
	return uuid.NewString()
}

type requestIDKey struct{}

// WithRequestID stores id in ctx so every outbound call made for the request carries it.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the id stored by WithRequestID.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDKey{}).(string)
	return id, ok && id != ""
}
