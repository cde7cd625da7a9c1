package app

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"portale/config"
	"portale/delegate"
	"portale/entrypoint"
	"portale/metrics"
	"portale/registry"
	"portale/security"
	"portale/transport"

	"github.com/redis/go-redis/v9"
)

// Gateway holds the components shared by the HTTP and WebSocket executors.
type Gateway struct {
	Config      *config.ProxyConfig
	Logger      *slog.Logger
	Registry    *registry.Registry
	EntryPoints *entrypoint.Resolver
	Gate        *security.Gate
	Limiter     security.Limiter
	Delegates   *delegate.Client
	Transport   http.RoundTripper
	RedisClient *redis.Client
}

// NewGateway wires the gateway components from configuration.
//
// Parameters:
// - cfg: The validated gateway configuration.
// - reg: The service registry, loaded or not.
// - redisClient: The Redis client, nil when Redis is disabled.
// - logger: The logger instance.
//
// Returns:
// - *Gateway: The gateway.
// - error: An error if the limiter or upstream transport cannot be built.
func NewGateway(cfg *config.ProxyConfig, reg *registry.Registry, redisClient *redis.Client, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	limiter, err := security.NewLimiter(cfg.RateLimiting, redisClient, logger)
	if err != nil {
		return nil, fmt.Errorf("building rate limiter: %w", err)
	}

	upstream, err := transport.NewTransport(cfg.Transport.HTTP)
	if err != nil {
		return nil, fmt.Errorf("building upstream transport: %w", err)
	}

	return &Gateway{
		Config:      cfg,
		Logger:      logger,
		Registry:    reg,
		EntryPoints: entrypoint.NewResolver(cfg.EntryPoints),
		Gate:        security.NewGate(cfg.APIKey, limiter, logger),
		Limiter:     limiter,
		Delegates:   delegate.NewClient(upstream, cfg.Transport.HTTP.RequestTimeout, logger),
		Transport:   &transport.Caronte{RT: upstream},
		RedisClient: redisClient,
	}, nil
}

// Route is the outcome of the routing pipeline for one request.
type Route struct {
	EntryPoint config.EntryPoint
	Service    *registry.Service
	ClientID   string
	Protocol   string
	Port       int
}

// Route runs the checks shared by both executors, in order: API key, rate limit, path
// characters, entry point, service. The first failing step decides the error.
//
// Parameters:
// - r: The inbound request (or WebSocket handshake).
// - protocol: The inbound protocol, one of http, https, ws, wss.
//
// Returns:
// - *Route: The selected entry point and service.
// - error: One of the package errors, possibly wrapped.
func (g *Gateway) Route(r *http.Request, protocol string) (*Route, error) {
	route, err := g.route(r, protocol)
	if err != nil {
		metrics.RecordRejection(rejectionReason(err))
		g.Logger.Debug("Request rejected",
			slog.String("path", r.URL.Path),
			slog.String("protocol", protocol),
			slog.Any("error", err))
		return nil, err
	}
	return route, nil
}

func (g *Gateway) route(r *http.Request, protocol string) (*Route, error) {
	if !g.Gate.CheckAPIKey(r.Header.Get(security.HeaderAPIKey)) {
		return nil, ErrUnauthorized
	}

	clientID := security.ClientID(r)
	allowed, err := g.Gate.CheckRate(r.Context(), clientID)
	if err != nil {
		g.Logger.Error("Rate limiter failed", slog.String("client", clientID), slog.Any("error", err))
		return nil, fmt.Errorf("%w: %w", ErrRateLimiter, err)
	}
	if !allowed {
		return nil, ErrRateLimited
	}

	path := r.URL.Path
	if !g.Gate.CheckInput(path) {
		return nil, ErrInvalidPath
	}

	port := RequestPort(r, protocol)
	ep, ok := g.EntryPoints.Resolve(port, protocol, path)
	if !ok {
		return nil, fmt.Errorf("%w: no entry point for %s on port %d", ErrRouteNotFound, protocol, port)
	}

	svc, ok := g.Registry.Select(ep.Name, path, protocol)
	if !ok {
		return nil, fmt.Errorf("%w: entry point %s", ErrNoService, ep.Name)
	}

	return &Route{EntryPoint: ep, Service: svc, ClientID: clientID, Protocol: protocol, Port: port}, nil
}

// RequestPort is the port of the listener that accepted the request. Requests that did not
// come through a listener fall back to the port named in the Host header, then to the
// default port of protocol.
func RequestPort(r *http.Request, protocol string) int {
	if addr, ok := r.Context().Value(http.LocalAddrContextKey).(net.Addr); ok {
		if tcp, ok := addr.(*net.TCPAddr); ok && tcp.Port > 0 {
			return tcp.Port
		}
		if _, portStr, err := net.SplitHostPort(addr.String()); err == nil {
			if port, err := strconv.Atoi(portStr); err == nil && port > 0 {
				return port
			}
		}
	}
	if _, portStr, err := net.SplitHostPort(r.Host); err == nil {
		if port, err := strconv.Atoi(portStr); err == nil {
			return port
		}
	}
	if config.IsTLSProtocol(protocol) {
		return 443
	}
	return 80
}

// RequestProtocol reports the inbound protocol: https/wss on TLS connections, http/ws otherwise.
func RequestProtocol(r *http.Request, websocket bool) string {
	switch {
	case websocket && r.TLS != nil:
		return config.ProtocolWSS
	case websocket:
		return config.ProtocolWS
	case r.TLS != nil:
		return config.ProtocolHTTPS
	default:
		return config.ProtocolHTTP
	}
}
