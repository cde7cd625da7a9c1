package handlers_test

import (
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"portale/app"
	"portale/config"
	"portale/handlers"
	"portale/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "secret"

// hostPort splits the address of a test server into registry fields.
func hostPort(t *testing.T, srv *httptest.Server) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func serviceFor(t *testing.T, name string, srv *httptest.Server, tags registry.Tags) registry.Service {
	t.Helper()
	host, port := hostPort(t, srv)
	return registry.Service{Name: name, Address: host, Port: port, Protocol: "http", Tags: tags}
}

func targetFor(t *testing.T, srv *httptest.Server, path string) registry.Target {
	t.Helper()
	host, port := hostPort(t, srv)
	return registry.Target{Host: host, Port: port, Path: path}
}

func newHandler(t *testing.T, services []registry.Service, mutate ...func(*config.ProxyConfig)) http.Handler {
	t.Helper()
	cfg := &config.ProxyConfig{
		APIKey: testKey,
		EntryPoints: []config.EntryPoint{
			{Name: "web", Ports: []int{8080}, Protocols: []string{"http", "ws"}},
		},
		RateLimiting: config.RateLimiting{
			Backend:   config.LimiterMemory,
			Algorithm: config.AlgorithmFixed,
			Limit:     100,
			Window:    time.Minute,
		},
		Metrics: config.MetricsConfig{Path: "/metrics"},
	}
	for _, m := range mutate {
		m(cfg)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	reg := registry.New(registry.FileSource("unused"), logger)
	snap, err := registry.NewSnapshot(services)
	require.NoError(t, err)
	reg.Replace(snap)

	gw, err := app.NewGateway(cfg, reg, nil, logger)
	require.NoError(t, err)
	h, err := handlers.NewHandler(gw)
	require.NoError(t, err)
	return h
}

func newRequest(method, target, key string, body io.Reader) *http.Request {
	r := httptest.NewRequest(method, "http://gw.local:8080"+target, body)
	if key != "" {
		r.Header.Set("X-Api-Key", key)
	}
	return r
}

func assertSecurityHeaders(t *testing.T, h http.Header) {
	t.Helper()
	assert.Equal(t, "max-age=31536000; includeSubDomains", h.Get("Strict-Transport-Security"))
	assert.Equal(t, "nosniff", h.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", h.Get("X-Frame-Options"))
	assert.Equal(t, "strict-origin-when-cross-origin", h.Get("Referrer-Policy"))
}

func TestProxyForwardsRequest(t *testing.T) {
	var seen *http.Request
	var seenBody string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Clone(r.Context())
		b, _ := io.ReadAll(r.Body)
		seenBody = string(b)
		w.Header().Set("X-Frame-Options", "SAMEORIGIN")
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, "created")
	}))
	defer backend.Close()

	h := newHandler(t, []registry.Service{serviceFor(t, "users", backend, registry.Tags{})})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, newRequest(http.MethodPost, "/api/users?page=2", testKey, strings.NewReader(`{"name":"ada"}`)))

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "created", rec.Body.String())
	assertSecurityHeaders(t, rec.Header())

	require.NotNil(t, seen)
	assert.Equal(t, http.MethodPost, seen.Method)
	assert.Equal(t, "/api/users", seen.URL.Path)
	assert.Equal(t, "page=2", seen.URL.RawQuery)
	assert.Equal(t, `{"name":"ada"}`, seenBody)
	assert.Empty(t, seen.Header.Get("X-Api-Key"))
	assert.Len(t, seen.Header.Get("X-Request-Id"), 36)
	assert.Equal(t, "gw.local:8080", seen.Header.Get("X-Forwarded-Host"))
	assert.Equal(t, "http", seen.Header.Get("X-Forwarded-Proto"))
}

func TestProxyGateFailures(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("backend must not be called")
	}))
	defer backend.Close()

	tests := []struct {
		name   string
		target string
		host   string
		key    string
		status int
		body   string
	}{
		{name: "missing key", target: "/api", status: http.StatusUnauthorized, body: "Unauthorized"},
		{name: "wrong key", target: "/api", key: "nope", status: http.StatusUnauthorized, body: "Unauthorized"},
		{name: "invalid path", target: "/api/users.json", key: testKey, status: http.StatusBadRequest, body: "Bad Request"},
		{name: "unknown port", target: "/api", host: "gw.local:9999", key: testKey, status: http.StatusNotFound, body: "Not Found"},
	}

	h := newHandler(t, []registry.Service{serviceFor(t, "users", backend, registry.Tags{})})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRequest(http.MethodGet, tt.target, tt.key, nil)
			if tt.host != "" {
				r.Host = tt.host
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, r)

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.body, strings.TrimSpace(rec.Body.String()))
			assertSecurityHeaders(t, rec.Header())
		})
	}
}

func TestProxyNoService(t *testing.T) {
	h := newHandler(t, []registry.Service{
		{Name: "stream", Address: "127.0.0.1", Port: 9, Protocol: "ws"},
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, newRequest(http.MethodGet, "/api", testKey, nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "No available services", strings.TrimSpace(rec.Body.String()))
}

func TestProxyRateLimit(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer backend.Close()

	h := newHandler(t, []registry.Service{serviceFor(t, "users", backend, registry.Tags{})}, func(cfg *config.ProxyConfig) {
		cfg.RateLimiting.Limit = 2
	})

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, newRequest(http.MethodGet, "/api", testKey, nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, newRequest(http.MethodGet, "/api", testKey, nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestProxyErrorDelegation(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, "backend exploded")
	}))
	defer backend.Close()

	var delegatePath string
	var delegateKey string
	errorPages := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		delegatePath = r.URL.Path
		delegateKey = r.Header.Get("X-Api-Key")
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, "<h1>maintenance</h1>")
	}))
	defer errorPages.Close()

	tags := registry.Tags{Error: registry.ErrorRoutes{
		{Range: registry.StatusRange{Start: 400, End: 499}, Target: targetFor(t, errorPages, "/client")},
		{Range: registry.StatusRange{Start: 500, End: 599}, Target: targetFor(t, errorPages, "/errors/5xx")},
	}}
	h := newHandler(t, []registry.Service{serviceFor(t, "users", backend, tags)})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, newRequest(http.MethodGet, "/api/users", testKey, nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "<h1>maintenance</h1>", rec.Body.String())
	assert.Equal(t, "text/html", rec.Header().Get("Content-Type"))
	assertSecurityHeaders(t, rec.Header())
	assert.Equal(t, "/errors/5xx", delegatePath)
	assert.Empty(t, delegateKey)
}

func TestProxyErrorDelegateUnreachable(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer backend.Close()

	errorPages := httptest.NewServer(http.NotFoundHandler())
	target := targetFor(t, errorPages, "/errors")
	errorPages.Close()

	tags := registry.Tags{Error: registry.ErrorRoutes{{Range: registry.StatusRange{Start: 500, End: 599}, Target: target}}}
	h := newHandler(t, []registry.Service{serviceFor(t, "users", backend, tags)})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, newRequest(http.MethodGet, "/api", testKey, nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestProxyStatusOutsideErrorRangesIsRelayed(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, "no such user")
	}))
	defer backend.Close()

	var delegated atomic.Int32
	errorPages := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		delegated.Add(1)
	}))
	defer errorPages.Close()

	tags := registry.Tags{Error: registry.ErrorRoutes{{Range: registry.StatusRange{Start: 500, End: 599}, Target: targetFor(t, errorPages, "/errors")}}}
	h := newHandler(t, []registry.Service{serviceFor(t, "users", backend, tags)})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, newRequest(http.MethodGet, "/api", testKey, nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "no such user", rec.Body.String())
	assert.Zero(t, delegated.Load())
}

func TestProxyForwardAuthRejects(t *testing.T) {
	var backendCalls atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backendCalls.Add(1)
	}))
	defer backend.Close()

	auth := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer auth.Close()

	tags := registry.Tags{Auth: targetFor(t, auth, "/check").String()}
	h := newHandler(t, []registry.Service{serviceFor(t, "users", backend, tags)})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, newRequest(http.MethodGet, "/api", testKey, nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assertSecurityHeaders(t, rec.Header())
	assert.Zero(t, backendCalls.Load())
}

func TestProxyForwardAuthAccepts(t *testing.T) {
	var backendCalls atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backendCalls.Add(1)
		_, _ = io.WriteString(w, "ok")
	}))
	defer backend.Close()

	var authHeaders http.Header
	var authMethod, authPath string
	auth := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeaders = r.Header.Clone()
		authMethod, authPath = r.Method, r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))
	defer auth.Close()

	tags := registry.Tags{Auth: targetFor(t, auth, "/check").String()}
	h := newHandler(t, []registry.Service{serviceFor(t, "users", backend, tags)})

	r := newRequest(http.MethodPost, "/api", testKey, strings.NewReader("payload"))
	r.Header.Set("Authorization", "Bearer abc")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
	assert.Equal(t, int32(1), backendCalls.Load())

	assert.Equal(t, http.MethodGet, authMethod)
	assert.Equal(t, "/check", authPath)
	assert.Equal(t, "Bearer abc", authHeaders.Get("Authorization"))
	assert.Empty(t, authHeaders.Get("X-Api-Key"))
	assert.Len(t, authHeaders.Get("X-Request-Id"), 36)
}

func TestProxyUpstreamDown(t *testing.T) {
	backend := httptest.NewServer(http.NotFoundHandler())
	svc := serviceFor(t, "users", backend, registry.Tags{})
	backend.Close()

	h := newHandler(t, []registry.Service{svc})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, newRequest(http.MethodGet, "/api", testKey, nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Internal Server Error", strings.TrimSpace(rec.Body.String()))
	assertSecurityHeaders(t, rec.Header())
}

func TestProxyRequestTimeout(t *testing.T) {
	release := make(chan struct{})
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer backend.Close()
	defer close(release)

	h := newHandler(t, []registry.Service{serviceFor(t, "slow", backend, registry.Tags{})}, func(cfg *config.ProxyConfig) {
		cfg.Transport.HTTP.RequestTimeout = 50 * time.Millisecond
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, newRequest(http.MethodGet, "/api", testKey, nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHandler(t, nil, func(cfg *config.ProxyConfig) {
		cfg.Metrics.Enabled = true
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, newRequest(http.MethodGet, "/metrics", "", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestMetricsEndpointDisabled(t *testing.T) {
	h := newHandler(t, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, newRequest(http.MethodGet, "/metrics", "", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
