package websocket

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"portale/app"
	"portale/logging"
	"portale/metrics"
	"portale/security"
	"portale/transport"

	"github.com/gorilla/websocket"
)

const (
	directionUpstream   = "upstream"
	directionDownstream = "downstream"

	closeWriteTimeout = time.Second
)

// Handshake headers the dialer sets itself; forwarding them makes the dial fail.
var handshakeHeaders = []string{
	"Sec-Websocket-Key",
	"Sec-Websocket-Version",
	"Sec-Websocket-Extensions",
	"Sec-Websocket-Protocol",
}

// Proxy relays WebSocket sessions between clients and the backend chosen by the gateway.
type Proxy struct {
	gw       *app.Gateway
	upgrader websocket.Upgrader
	dialer   *websocket.Dialer
}

// NewProxy creates a WebSocket proxy for gw. wss backends are dialed with the upstream
// transport TLS settings.
//
// Parameters:
//   - gw: The gateway.
//
// Returns:
//   - *Proxy: The proxy.
//   - error: An error if the TLS configuration cannot be loaded.
func NewProxy(gw *app.Gateway) (*Proxy, error) {
	tlsConfig, err := transport.NewTLSConfig(gw.Config.Transport.HTTP)
	if err != nil {
		return nil, err
	}

	handshakeTimeout := gw.Config.Transport.HTTP.TLSHandshakeTimeout
	if handshakeTimeout == 0 {
		handshakeTimeout = 45 * time.Second
	}

	return &Proxy{
		gw: gw,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
			TLSClientConfig:  tlsConfig,
		},
	}, nil
}

// ServeHTTP handles one WebSocket upgrade. The client is upgraded first so that routing
// failures can be reported with a close code; the session opens only once the backend
// connection is established.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := p.gw.Logger
	protocol := app.RequestProtocol(r, true)

	clientConn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already answered with an HTTP error.
		logger.Error("Failed to upgrade to WebSocket", slog.Any("details", err))
		return
	}
	defer clientConn.Close()

	route, err := p.gw.Route(r, protocol)
	if err != nil {
		closeWith(clientConn, app.CloseCode(err), app.Message(err))
		return
	}

	target := upstreamURL(route, r)
	requestID, ok := security.RequestIDFromContext(r.Context())
	if !ok {
		requestID = security.NewRequestID()
	}
	if info := logging.RequestInfoFromContext(r.Context()); info != nil {
		info.Protocol = protocol
		info.EntryPoint = route.EntryPoint.Name
		info.Service = route.Service.Name
		info.Upstream = target.String()
	}

	headers := transport.OutboundHeaders(r.Header, requestID, handshakeHeaders...)
	transport.SetForwarded(headers, r.Host, protocol)

	ctx := r.Context()
	if timeout := p.gw.Config.Transport.HTTP.RequestTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	serverConn, resp, err := p.dialer.DialContext(ctx, target.String(), headers)
	if err != nil {
		attrs := []any{slog.String("target", target.String()), slog.Any("details", err)}
		if resp != nil {
			attrs = append(attrs, slog.Int("status", resp.StatusCode))
		}
		logger.Error("Failed to connect to target WebSocket server", attrs...)
		metrics.RecordRejection("upstream_error")
		closeWith(clientConn, websocket.CloseInternalServerErr, app.Message(app.ErrUpstream))
		return
	}
	defer serverConn.Close()

	logger.Debug("WebSocket session opened",
		slog.String("request_id", requestID),
		slog.String("service", route.Service.Name),
		slog.String("target", target.String()))
	metrics.UpdateWebSocketSessions(true)
	defer metrics.UpdateWebSocketSessions(false)

	Relay(clientConn, serverConn, logger)

	logger.Debug("WebSocket session closed", slog.String("request_id", requestID))
}

// upstreamURL is the backend URL for the session: the service protocol and address with
// the inbound path and query.
func upstreamURL(route *app.Route, r *http.Request) *url.URL {
	return &url.URL{
		Scheme:   route.Service.Protocol,
		Host:     route.Service.Host(),
		Path:     r.URL.Path,
		RawQuery: r.URL.RawQuery,
	}
}

// pumpResult reports why one relay direction stopped.
type pumpResult struct {
	readErr  error // src failed or closed
	writeErr error // dst refused a message
	src, dst *websocket.Conn
}

// Relay copies messages in both directions until either side closes or fails. The close
// code received from one side is passed on to the other, then both connections are closed.
//
// Parameters:
//   - client: The client connection.
//   - server: The backend connection.
//   - logger: The logger instance.
func Relay(client, server *websocket.Conn, logger *slog.Logger) {
	results := make(chan pumpResult, 2)
	go func() { results <- copyMessages(client, server, directionUpstream, logger) }()
	go func() { results <- copyMessages(server, client, directionDownstream, logger) }()

	first := <-results
	if first.readErr != nil {
		code, text := forwardedClose(first.readErr)
		closeWith(first.dst, code, text)
	} else {
		closeWith(first.src, websocket.CloseGoingAway, "")
	}

	// Closing both ends unblocks the other direction.
	client.Close()
	server.Close()
	<-results
}

// copyMessages copies messages from src to dst, one at a time and in order.
// It logs the details of the messages and any errors that occur during the process.
//
// Parameters:
//   - src: The source WebSocket connection.
//   - dst: The destination WebSocket connection.
//   - direction: Label used in logs and metrics.
//   - logger: The logger instance.
//
// Returns:
//   - pumpResult: Which side stopped the copy, and why.
func copyMessages(src, dst *websocket.Conn, direction string, logger *slog.Logger) pumpResult {
	for {
		messageType, message, err := src.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				logging.LogWebSocketMessage(logger, direction, messageType, message, err)
			}
			return pumpResult{readErr: err, src: src, dst: dst}
		}
		logging.LogWebSocketMessage(logger, direction, messageType, message, nil)
		metrics.RecordWebSocketMessage(direction)

		if err := dst.WriteMessage(messageType, message); err != nil {
			logging.LogWebSocketMessage(logger, direction, messageType, message, err)
			return pumpResult{writeErr: err, src: src, dst: dst}
		}
	}
}

// forwardedClose picks the close frame sent to the other side once a peer stopped: the
// peer's own code when it sent one, 1001 otherwise.
func forwardedClose(err error) (int, string) {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure, websocket.CloseTLSHandshake:
			// Reserved codes that must never be sent on the wire.
		default:
			return closeErr.Code, closeErr.Text
		}
	}
	return websocket.CloseGoingAway, ""
}

// closeWith sends a close frame. Errors are ignored: the peer may already be gone.
func closeWith(conn *websocket.Conn, code int, text string) {
	if len(text) > 123 {
		text = text[:123]
	}
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout))
}

// IsWebSocketRequest checks if the given HTTP request is a WebSocket upgrade request.
//
// Parameters:
//   - r: The HTTP request.
//
// Returns:
//   - bool: True if the request is a WebSocket upgrade request, false otherwise.
func IsWebSocketRequest(r *http.Request) bool {
	return websocket.IsWebSocketUpgrade(r)
}
