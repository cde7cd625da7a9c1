package app

import (
	"errors"
	"net/http"

	"github.com/gorilla/websocket"
)

// Routing failures. Executors turn them into an HTTP status or a WebSocket close code with
// StatusCode and CloseCode, and Message gives the text the client sees.
var (
	ErrUnauthorized  = errors.New("unauthorized")
	ErrRateLimited   = errors.New("rate limit exceeded")
	ErrInvalidPath   = errors.New("invalid characters in path")
	ErrRouteNotFound = errors.New("no matching entry point")
	ErrNoService     = errors.New("no available services")
	ErrUpstream      = errors.New("upstream request failed")
	ErrRateLimiter   = errors.New("rate limiter unavailable")
)

// CloseTryAgainLater is the WebSocket close code sent when no service can take the session.
const CloseTryAgainLater = websocket.CloseTryAgainLater

// StatusCode maps an error returned by the routing pipeline to an HTTP status.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrInvalidPath):
		return http.StatusBadRequest
	case errors.Is(err, ErrRouteNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrNoService):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// CloseCode maps an error returned by the routing pipeline to a WebSocket close code.
func CloseCode(err error) int {
	switch {
	case err == nil:
		return websocket.CloseNormalClosure
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, ErrRateLimited),
		errors.Is(err, ErrInvalidPath),
		errors.Is(err, ErrRouteNotFound):
		return websocket.ClosePolicyViolation
	case errors.Is(err, ErrNoService):
		return CloseTryAgainLater
	default:
		return websocket.CloseInternalServerErr
	}
}

// Message is the text sent to the client for err. Internal details never leave the gateway.
func Message(err error) string {
	if errors.Is(err, ErrNoService) {
		return "No available services"
	}
	return http.StatusText(StatusCode(err))
}

// rejectionReason labels err for the rejection metric.
func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrInvalidPath):
		return "invalid_path"
	case errors.Is(err, ErrRouteNotFound):
		return "route_not_found"
	case errors.Is(err, ErrNoService):
		return "no_service"
	case errors.Is(err, ErrRateLimiter):
		return "limiter_error"
	default:
		return "upstream_error"
	}
}
