package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"os"

	"portale/app"
	"portale/logging"
	"portale/metrics"
	cmid "portale/middlewares"
	"portale/security"
	"portale/transport"
	"portale/websocket"
)

// Handler is the entry handler installed on every listener.
type Handler struct {
	gw *app.Gateway
	ws *websocket.Proxy
}

// NewHandler builds the gateway handler, wrapped with request logging and metrics.
//
// Parameters:
// - gw: The gateway.
//
// Returns:
// - http.Handler: The handler to install on the listeners.
// - error: An error if the WebSocket proxy cannot be built.
func NewHandler(gw *app.Gateway) (http.Handler, error) {
	ws, err := websocket.NewProxy(gw)
	if err != nil {
		return nil, fmt.Errorf("building websocket proxy: %w", err)
	}
	return cmid.LoggingMiddleware(&Handler{gw: gw, ws: ws}, gw), nil
}

// ServeHTTP dispatches to the metrics endpoint, the WebSocket proxy or the HTTP proxy.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cfg := h.gw.Config
	if cfg.Metrics.Enabled && isMetricsEndpoint(r.URL.Path, cfg.Metrics.Path) {
		h.gw.Logger.Debug("Handling metrics endpoint")
		metrics.ExposeMetricsHandler().ServeHTTP(w, r)
		return
	}

	if websocket.IsWebSocketRequest(r) {
		h.ws.ServeHTTP(w, r)
		return
	}

	ServeProxy(h.gw, w, r)
}

// ServeProxy runs one HTTP request through the gateway: routing, forward auth, the upstream
// call and error delegation.
//
// Parameters:
// - gw: The gateway.
// - w: The HTTP response writer.
// - r: The HTTP request.
func ServeProxy(gw *app.Gateway, w http.ResponseWriter, r *http.Request) {
	protocol := app.RequestProtocol(r, false)
	info := logging.RequestInfoFromContext(r.Context())
	if info != nil {
		info.Protocol = protocol
	}

	route, err := gw.Route(r, protocol)
	if err != nil {
		writeError(w, err)
		return
	}
	svc := route.Service

	requestID, ok := security.RequestIDFromContext(r.Context())
	if !ok {
		requestID = security.NewRequestID()
		r = r.WithContext(security.WithRequestID(r.Context(), requestID))
	}
	if info != nil {
		info.EntryPoint = route.EntryPoint.Name
		info.Service = svc.Name
		info.Upstream = svc.Protocol + "://" + svc.Host()
	}

	if timeout := gw.Config.Transport.HTTP.RequestTimeout; timeout > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		r = r.WithContext(ctx)
	}

	if target, ok := svc.AuthTarget(); ok {
		headers := transport.OutboundHeaders(r.Header, requestID)
		if !gw.Delegates.ForwardAuth(r.Context(), target, headers) {
			metrics.RecordRejection("forward_auth")
			writeError(w, fmt.Errorf("%w: rejected by %s", app.ErrUnauthorized, target))
			return
		}
	}

	inboundHost := r.Host
	proxy := &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = svc.Protocol
			req.URL.Host = svc.Host()
			req.Host = svc.Host()
			transport.SetForwarded(req.Header, inboundHost, protocol)
		},
		Transport: gw.Transport,
		ModifyResponse: func(resp *http.Response) error {
			if target, ok := svc.ErrorTarget(resp.StatusCode); ok {
				gw.Logger.Debug("Delegating error response",
					slog.String("service", svc.Name),
					slog.Int("status", resp.StatusCode),
					slog.String("target", target.String()))

				delegated, err := gw.Delegates.FetchErrorResponse(resp.Request.Context(), target, transport.OutboundHeaders(r.Header, requestID))
				if err != nil {
					return err
				}
				resp.Body.Close()
				replaceResponse(resp, delegated)
			}
			security.ApplySecurityHeaders(resp.Header)
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, req *http.Request, err error) {
			if errors.Is(err, context.Canceled) && req.Context().Err() != nil {
				gw.Logger.Debug("Client went away during upstream call", slog.String("service", svc.Name))
			} else {
				gw.Logger.Error(fmt.Sprintf("Error proxying request: %v", err), slog.String("service", svc.Name), slog.Bool("timeout", os.IsTimeout(err)))
			}
			metrics.RecordRejection("upstream_error")
			writeError(w, fmt.Errorf("%w: %w", app.ErrUpstream, err))
		},
	}
	proxy.ServeHTTP(w, r)
}

// replaceResponse turns resp into the delegate's response. The caller has closed resp.Body.
func replaceResponse(resp, delegated *http.Response) {
	resp.Status = delegated.Status
	resp.StatusCode = delegated.StatusCode
	resp.Header = delegated.Header
	resp.Body = delegated.Body
	resp.ContentLength = delegated.ContentLength
	resp.TransferEncoding = delegated.TransferEncoding
	resp.Trailer = nil
}

// writeError answers with the status and text for err, carrying the security headers like
// every other response.
func writeError(w http.ResponseWriter, err error) {
	security.ApplySecurityHeaders(w.Header())
	http.Error(w, app.Message(err), app.StatusCode(err))
}

// isMetricsEndpoint checks if the request path matches the configured metrics path.
//
// Parameters:
// - requestPath: The path of the incoming HTTP request.
// - metricsPath: The configured path for metrics.
//
// Returns:
// - bool: True if the request path matches the metrics path, false otherwise.
func isMetricsEndpoint(requestPath string, metricsPath string) bool {
	return requestPath == metricsPath
}
