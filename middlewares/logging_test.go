package middlewares

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"portale/app"
	"portale/config"
	"portale/logging"
	"portale/security"
	"portale/writer"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGateway(buf *bytes.Buffer, cfg config.Logging) *app.Gateway {
	return &app.Gateway{
		Config: &config.ProxyConfig{Logging: cfg},
		Logger: logging.NewLogger(buf, "debug"),
	}
}

func TestLoggingMiddlewareAssignsRequestID(t *testing.T) {
	var buf bytes.Buffer
	gw := newGateway(&buf, config.Logging{Enabled: true})

	var seenID string
	var seenInfo *logging.RequestInfo
	handler := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenID, _ = security.RequestIDFromContext(r.Context())
		seenInfo = logging.RequestInfoFromContext(r.Context())
		seenInfo.Service = "users"
		seenInfo.EntryPoint = "web"
		w.WriteHeader(http.StatusTeapot)
		_, _ = io.WriteString(w, "short and stout")
	}), gw)

	req := httptest.NewRequest(http.MethodGet, "http://gw/api", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.NotNil(t, seenInfo)
	assert.Len(t, seenID, 36)
	assert.Equal(t, seenID, seenInfo.RequestID)
	assert.Equal(t, "203.0.113.9", seenInfo.ClientID)
	assert.Equal(t, http.StatusTeapot, seenInfo.Status)
	assert.Equal(t, int64(len("short and stout")), seenInfo.BytesOut)

	out := buf.String()
	assert.Contains(t, out, "HTTP request processed")
	assert.Contains(t, out, "service=users")
	assert.NotContains(t, out, "Verbose request details")
}

func TestLoggingMiddlewareVerboseKeepsBody(t *testing.T) {
	var buf bytes.Buffer
	gw := newGateway(&buf, config.Logging{Enabled: true, Verbose: true})

	var got string
	handler := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got = string(b)
		_, _ = io.WriteString(w, "echo:"+got)
	}), gw)

	req := httptest.NewRequest(http.MethodPost, "http://gw/api", strings.NewReader("hello"))
	handler.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, "hello", got, "the body must still be readable after logging captured it")
	assert.Contains(t, buf.String(), "Verbose request details")
	assert.Contains(t, buf.String(), "echo:hello")
}

func TestLoggingMiddlewareVerboseStreamsLargeBody(t *testing.T) {
	var buf bytes.Buffer
	gw := newGateway(&buf, config.Logging{Enabled: true, Verbose: true})

	payload := strings.Repeat("x", writer.DefaultCaptureSize) + "ENDMARK"
	var got string
	handler := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got = string(b)
	}), gw)

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "http://gw/api", strings.NewReader(payload)))

	assert.Equal(t, payload, got, "the whole body must reach the next handler")
	assert.NotContains(t, buf.String(), "ENDMARK")
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestLoggingMiddlewareVerboseBodyReadFailure(t *testing.T) {
	var buf bytes.Buffer
	gw := newGateway(&buf, config.Logging{Enabled: true, Verbose: true})

	called := false
	handler := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}), gw)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "http://gw/api", io.MultiReader(strings.NewReader("partial"), failingReader{})))

	assert.False(t, called)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Contains(t, buf.String(), "Failed to read request body")
}

func TestLoggingMiddlewareDisabled(t *testing.T) {
	var buf bytes.Buffer
	gw := newGateway(&buf, config.Logging{Enabled: false})

	handler := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}), gw)
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "http://gw/", nil))

	assert.Empty(t, buf.String())
}
