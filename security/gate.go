// Package security implements the checks every inbound request passes before it is routed:
// the API key, the per-client rate limit and the path character set. It also owns the
// response headers and request ids the gateway attaches to traffic.
package security

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strings"
)

const (
	HeaderAPIKey        = "X-Api-Key"
	HeaderRequestID     = "X-Request-Id"
	HeaderForwardedFor  = "X-Forwarded-For"
	gateComponentPrefix = "[Gate]"
)

var allowedPath = regexp.MustCompile(`^[A-Za-z0-9\-_/]+$`)

// Gate bundles the API key check, input validation and rate limiter.
type Gate struct {
	apiKey  []byte
	limiter Limiter
	logger  *slog.Logger
}

// NewGate creates a gate for the given key. A nil limiter admits every request.
func NewGate(apiKey string, limiter Limiter, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{apiKey: []byte(apiKey), limiter: limiter, logger: logger}
}

// CheckAPIKey reports whether provided equals the configured key. An empty key on either
// side never matches.
func (g *Gate) CheckAPIKey(provided string) bool {
	if provided == "" || len(g.apiKey) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), g.apiKey) == 1
}

// CheckInput reports whether path consists only of letters, digits, '-', '_' and '/'.
func (g *Gate) CheckInput(path string) bool {
	return allowedPath.MatchString(path)
}

// CheckRate counts one request for clientID and reports whether it is within the limit.
// An error means the limiter backend could not be consulted.
func (g *Gate) CheckRate(ctx context.Context, clientID string) (bool, error) {
	if g.limiter == nil {
		return true, nil
	}
	allowed, err := g.limiter.Allow(ctx, clientID)
	if err != nil {
		return false, fmt.Errorf("rate limiter: %w", err)
	}
	if !allowed {
		g.logger.Debug(fmt.Sprintf("%s Rate limit exceeded for client: %s", gateComponentPrefix, clientID))
	}
	return allowed, nil
}

// ClientID identifies the caller for rate limiting: the first X-Forwarded-For hop when
// present, the peer IP otherwise.
//
// Parameters:
// - r: The inbound request.
//
// Returns:
// - string: The client identifier.
func ClientID(r *http.Request) string {
	if fwd := r.Header.Get(HeaderForwardedFor); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}

	// RemoteAddr carries a port, and IPv6 hosts are bracketed.
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
