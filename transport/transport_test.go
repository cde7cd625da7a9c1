package transport_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"portale/config"
	"portale/security"
	"portale/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCaronteStripsAPIKeyAndSetsRequestID(t *testing.T) {
	var got http.Header
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
	}))
	defer backend.Close()

	client := &http.Client{Transport: &transport.Caronte{RT: http.DefaultTransport}}

	ctx := security.WithRequestID(context.Background(), "req-1")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, backend.URL, nil)
	require.NoError(t, err)
	req.Header.Set("x-api-key", "secret")
	req.Header.Set("X-Custom", "kept")

	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Empty(t, got.Get("X-Api-Key"))
	assert.Equal(t, "req-1", got.Get("X-Request-Id"))
	assert.Equal(t, "kept", got.Get("X-Custom"))

	// The caller's request is left untouched.
	assert.Equal(t, "secret", req.Header.Get("x-api-key"))
}

func TestCaronteGeneratesRequestID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://backend/", nil)
	(&transport.Caronte{}).AddHeaders(req)
	assert.Len(t, req.Header.Get("X-Request-Id"), 36)
}

func TestOutboundHeaders(t *testing.T) {
	src := http.Header{}
	src.Set("Authorization", "Bearer x")
	src.Set("X-Api-Key", "secret")
	src.Set("Connection", "keep-alive, X-Secret-Hop")
	src.Set("X-Secret-Hop", "1")
	src.Set("Keep-Alive", "timeout=5")
	src.Set("Upgrade", "websocket")
	src.Set("Sec-Websocket-Key", "abc")

	out := transport.OutboundHeaders(src, "rid", "Sec-Websocket-Key")

	assert.Equal(t, "Bearer x", out.Get("Authorization"))
	assert.Equal(t, "rid", out.Get("X-Request-Id"))
	for _, name := range []string{"X-Api-Key", "Connection", "X-Secret-Hop", "Keep-Alive", "Upgrade", "Sec-Websocket-Key"} {
		assert.Empty(t, out.Get(name), name)
	}
	assert.Equal(t, "secret", src.Get("X-Api-Key"), "source headers must not be modified")

	assert.Equal(t, "rid", transport.OutboundHeaders(nil, "rid").Get("X-Request-Id"))
}

func TestSetForwarded(t *testing.T) {
	h := http.Header{}
	transport.SetForwarded(h, "gw.example.com", "https")
	assert.Equal(t, "gw.example.com", h.Get("X-Forwarded-Host"))
	assert.Equal(t, "https", h.Get("X-Forwarded-Proto"))

	transport.SetForwarded(h, "other", "http")
	assert.Equal(t, "gw.example.com", h.Get("X-Forwarded-Host"))
	assert.Equal(t, "https", h.Get("X-Forwarded-Proto"))
}

func TestNewTransport(t *testing.T) {
	tr, err := transport.NewTransport(config.HTTPTransportConfig{
		MaxIdleConns:       5,
		DialTimeout:        time.Second,
		InsecureSkipVerify: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 5, tr.MaxIdleConns)
	assert.Equal(t, 90*time.Second, tr.IdleConnTimeout)
	assert.True(t, tr.TLSClientConfig.InsecureSkipVerify)
}

func TestNewTransportReachesTLSBackend(t *testing.T) {
	backend := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer backend.Close()

	tr, err := transport.NewTransport(config.HTTPTransportConfig{InsecureSkipVerify: true})
	require.NoError(t, err)

	resp, err := (&http.Client{Transport: tr}).Get(backend.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestNewTLSConfigErrors(t *testing.T) {
	_, err := transport.NewTLSConfig(config.HTTPTransportConfig{CaFile: "/does/not/exist.pem"})
	assert.Error(t, err)

	bogus := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(bogus, []byte("not a certificate"), 0o600))
	_, err = transport.NewTLSConfig(config.HTTPTransportConfig{CaFile: bogus})
	assert.Error(t, err)

	_, err = transport.NewTLSConfig(config.HTTPTransportConfig{CertFile: "cert.pem"})
	assert.Error(t, err)
}
