package transport

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/textproto"
	"os"
	"strings"
	"time"

	"portale/config"
	"portale/security"
)

const (
	XForwardedFor   = "X-Forwarded-For"
	XForwardedProto = "X-Forwarded-Proto"
	XForwardedHost  = "X-Forwarded-Host"
)

// Hop-by-hop headers, removed before a request leaves the gateway.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Caronte carries requests from the gateway to backends. It removes the gateway API key
// and stamps the request id before handing the request to the wrapped RoundTripper.
type Caronte struct {
	RT http.RoundTripper // The underlying RoundTripper to execute requests.
}

// RoundTrip executes a single HTTP transaction on a copy of req with outbound headers applied.
//
// Parameters:
// - req: The HTTP request to be executed.
//
// Returns:
// - *http.Response: The HTTP response received.
// - error: An error if the request failed.
func (t *Caronte) RoundTrip(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())
	t.AddHeaders(out)

	rt := t.RT
	if rt == nil {
		rt = http.DefaultTransport
	}
	return rt.RoundTrip(out)
}

// AddHeaders removes the API key and sets x-request-id, reusing the id carried by the
// request context when there is one.
//
// Parameters:
// - req: The HTTP request whose headers will be manipulated.
func (t *Caronte) AddHeaders(req *http.Request) {
	req.Header.Del(security.HeaderAPIKey)

	id, ok := security.RequestIDFromContext(req.Context())
	if !ok {
		id = security.NewRequestID()
	}
	req.Header.Set(security.HeaderRequestID, id)
}

// SetForwarded records the inbound host and scheme on an outbound request. Values already
// set by an upstream proxy are kept.
func SetForwarded(h http.Header, host, scheme string) {
	if h.Get(XForwardedHost) == "" {
		h.Set(XForwardedHost, host)
	}
	if h.Get(XForwardedProto) == "" {
		h.Set(XForwardedProto, scheme)
	}
}

// OutboundHeaders copies src without hop-by-hop headers, the headers named by Connection,
// the API key, and any extra names given. The request id is set to requestID.
//
// Parameters:
// - src: The inbound request headers.
// - requestID: Value for x-request-id.
// - exclude: Additional header names to drop.
//
// Returns:
// - http.Header: A new header map safe to send to a backend or delegate.
func OutboundHeaders(src http.Header, requestID string, exclude ...string) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = http.Header{}
	}

	for _, v := range src.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = textproto.TrimString(name); name != "" {
				dst.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		dst.Del(name)
	}
	for _, name := range exclude {
		dst.Del(name)
	}
	dst.Del(security.HeaderAPIKey)
	dst.Set(security.HeaderRequestID, requestID)
	return dst
}

// NewTransport builds the upstream transport from configuration. Client certificates and
// a CA bundle are loaded for https/wss backends when configured.
//
// Parameters:
// - cfg: The HTTP transport configuration.
//
// Returns:
// - *http.Transport: The configured transport.
// - error: An error if the certificate material could not be loaded.
func NewTransport(cfg config.HTTPTransportConfig) (*http.Transport, error) {
	tlsConfig, err := NewTLSConfig(cfg)
	if err != nil {
		return nil, err
	}

	dialer := &net.Dialer{
		Timeout:   orDefault(cfg.DialTimeout, 30*time.Second),
		KeepAlive: orDefault(cfg.KeepAlive, 30*time.Second),
	}

	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSClientConfig:       tlsConfig,
		IdleConnTimeout:       orDefault(cfg.IdleConnTimeout, 90*time.Second),
		MaxIdleConns:          orDefaultInt(cfg.MaxIdleConns, 100),
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		TLSHandshakeTimeout:   orDefault(cfg.TLSHandshakeTimeout, 10*time.Second),
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		ExpectContinueTimeout: orDefault(cfg.ExpectContinueTimeout, time.Second),
		DisableCompression:    cfg.DisableCompression,
		ForceAttemptHTTP2:     cfg.ForceHTTP2,
	}, nil
}

// NewTLSConfig loads the client certificate and CA bundle named in cfg.
func NewTLSConfig(cfg config.HTTPTransportConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}

	// Load CA certificate
	if cfg.CaFile != "" {
		caCert, err := os.ReadFile(cfg.CaFile)
		if err != nil {
			return nil, fmt.Errorf("error reading CA file: %w", err)
		}

		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, errors.New("no certificates found in CA file")
		}
		tlsConfig.RootCAs = caCertPool
	}

	if (cfg.CertFile == "") != (cfg.KeyFile == "") {
		return nil, errors.New("client certificate requires both cert_file and key_file")
	}

	// Load client certificate and key
	if cfg.CertFile != "" {
		clientCert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("error loading client certificate/key: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{clientCert}
	}

	return tlsConfig, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d == 0 {
		return def
	}
	return d
}

func orDefaultInt(n, def int) int {
	if n == 0 {
		return def
	}
	return n
}
