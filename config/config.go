package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Protocols understood by entry points and services.
const (
	ProtocolHTTP  = "http"
	ProtocolHTTPS = "https"
	ProtocolWS    = "ws"
	ProtocolWSS   = "wss"
)

// Environment variables that override values from the configuration file.
const (
	EnvAPIKey       = "API_KEY"
	EnvSSLKey       = "SSL_KEY"
	EnvSSLCert      = "SSL_CERT"
	EnvServicesFile = "SERVICES_FILE"
	EnvEntryPoints  = "ENTRY_POINTS"
)

// Watch modes for the service registry file.
const (
	WatchNotify = "notify"
	WatchPoll   = "poll"
	WatchOff    = "off"
)

// Rate limiter backends and algorithms.
const (
	LimiterMemory     = "memory"
	LimiterRedis      = "redis"
	AlgorithmFixed    = "fixed_window"
	AlgorithmTokenBkt = "token_bucket"
)

// Defaults applied by LoadConfiguration.
const (
	DefaultRateLimit    = 100
	DefaultRateWindow   = 60 * time.Second
	DefaultServicesFile = "./services.json"
)

// HTTPTransportConfig holds the configuration settings for the upstream HTTP transport.
//
// Fields:
// - IdleConnTimeout: The maximum amount of time an idle (keep-alive) connection will remain idle before closing.
// - MaxIdleConns: The maximum number of idle (keep-alive) connections across all hosts.
// - MaxIdleConnsPerHost: The maximum number of idle (keep-alive) connections to keep per-host.
// - MaxConnsPerHost: The maximum number of connections per host.
// - TLSHandshakeTimeout: The maximum amount of time allowed for the TLS handshake.
// - ResponseHeaderTimeout: The maximum amount of time to wait for a server's response headers after fully writing the request.
// - ExpectContinueTimeout: The maximum amount of time to wait for a server's first response headers when "Expect: 100-continue" is sent.
// - DisableCompression: Whether to disable compression (gzip) for requests.
// - ForceHTTP2: Whether to attempt HTTP/2 on custom TLS configurations.
// - DialTimeout: The maximum amount of time to wait for a dial to complete.
// - KeepAlive: The interval between keep-alive probes for an active network connection.
// - CertFile, KeyFile: Client certificate presented to https/wss backends.
// - CaFile: CA bundle used to verify https/wss backends.
// - InsecureSkipVerify: Disables backend certificate verification.
// - RequestTimeout: Upper bound for a whole upstream or delegate call. Zero means unbounded.
type HTTPTransportConfig struct {
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout"`
	MaxIdleConns          int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost   int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost       int           `yaml:"max_conns_per_host"`
	TLSHandshakeTimeout   time.Duration `yaml:"tls_handshake_timeout"`
	ResponseHeaderTimeout time.Duration `yaml:"response_header_timeout"`
	ExpectContinueTimeout time.Duration `yaml:"expect_continue_timeout"`
	DisableCompression    bool          `yaml:"disable_compression"`
	ForceHTTP2            bool          `yaml:"force_http2"`
	DialTimeout           time.Duration `yaml:"dial_timeout"`
	KeepAlive             time.Duration `yaml:"keep_alive"`
	CertFile              string        `yaml:"cert_file"`
	KeyFile               string        `yaml:"key_file"`
	CaFile                string        `yaml:"ca_file"`
	InsecureSkipVerify    bool          `yaml:"insecure_skip_verify"`
	RequestTimeout        time.Duration `yaml:"request_timeout"`
}

// TransportConfig wraps HTTP transport configuration
type TransportConfig struct {
	HTTP HTTPTransportConfig `yaml:"http"`
}

// MetricsConfig holds the configuration for the metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"` // Enables/disables the metrics endpoint.
	Path    string `yaml:"path"`    // Path the metrics endpoint will respond to.
}

// TLSConfig points at the certificate material handed to the listeners.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// WatchConfig controls how changes to the services file are detected.
type WatchConfig struct {
	Mode     string        `yaml:"mode"`     // notify, poll or off.
	Interval time.Duration `yaml:"interval"` // Poll interval.
	Debounce time.Duration `yaml:"debounce"` // Quiet period before a reload is triggered.
}

// RateLimiting holds the configuration for per-client rate limiting.
type RateLimiting struct {
	Backend         string        `yaml:"backend"`          // memory or redis.
	Algorithm       string        `yaml:"algorithm"`        // fixed_window or token_bucket.
	Limit           int           `yaml:"limit"`            // Requests admitted per window.
	Window          time.Duration `yaml:"window"`           // Window length.
	Burst           int           `yaml:"burst"`            // Bucket size, token_bucket only.
	CleanupInterval time.Duration `yaml:"cleanup_interval"` // How often idle in-memory records are swept.
}

// RedisConfig holds the connection settings for Redis.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Logging holds the configuration for logging.
type Logging struct {
	Enabled bool   `yaml:"enabled"` // Enables/disables request logging.
	Verbose bool   `yaml:"verbose"` // Enables/disables verbose request dumps.
	Level   string `yaml:"level"`   // Log level (e.g., debug, info, warn, error).
}

// EntryPoint is a named listener binding ports, protocols and optional path prefixes
// to the routing pipeline.
type EntryPoint struct {
	Name      string   `yaml:"name" json:"name"`
	Ports     []int    `yaml:"ports" json:"ports"`
	Protocols []string `yaml:"protocols" json:"protocols"`
	Paths     []string `yaml:"paths" json:"paths"`
}

// ProxyConfig holds the configuration for the gateway.
type ProxyConfig struct {
	APIKey          string          `yaml:"api_key"`          // Key expected in the x-api-key header.
	ServicesFile    string          `yaml:"services_file"`    // Path of the service registry file.
	TLS             TLSConfig       `yaml:"tls"`              // Listener certificate material.
	EntryPoints     []EntryPoint    `yaml:"entry_points"`     // Ordered list of entry points.
	Watch           WatchConfig     `yaml:"watch"`            // Registry hot reload.
	RateLimiting    RateLimiting    `yaml:"rate_limiting"`    // Rate limiting configuration.
	Redis           RedisConfig     `yaml:"redis"`            // Redis configuration.
	Logging         Logging         `yaml:"logging"`          // Logging configuration.
	Metrics         MetricsConfig   `yaml:"metrics"`          // Metrics configuration.
	Transport       TransportConfig `yaml:"transport"`        // Upstream transport configuration.
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout"` // Grace period for in-flight requests.
}

// LoadConfiguration loads the gateway configuration from a YAML file, then applies
// environment overrides and defaults. An empty file name skips the file entirely, so
// the gateway can be configured from the environment alone.
//
// Parameters:
// - file: The path to the configuration file.
//
// Returns:
// - *ProxyConfig: A pointer to the loaded ProxyConfig.
// - error: An error if the configuration could not be loaded or is invalid.
func LoadConfiguration(file string) (*ProxyConfig, error) {
	var config ProxyConfig
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		if err = yaml.Unmarshal(data, &config); err != nil {
			return nil, err
		}
	}

	if err := applyEnvironment(&config, os.LookupEnv); err != nil {
		return nil, err
	}

	if err := validateAndSetDefaults(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// applyEnvironment overrides file values with the environment variables the gateway
// has always honoured.
func applyEnvironment(config *ProxyConfig, lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvAPIKey); ok {
		config.APIKey = v
	}
	if v, ok := lookup(EnvSSLKey); ok {
		config.TLS.KeyFile = v
	}
	if v, ok := lookup(EnvSSLCert); ok {
		config.TLS.CertFile = v
	}
	if v, ok := lookup(EnvServicesFile); ok {
		config.ServicesFile = v
	}
	if v, ok := lookup(EnvEntryPoints); ok && v != "" {
		var eps []EntryPoint
		if err := json.Unmarshal([]byte(v), &eps); err != nil {
			return fmt.Errorf("parsing %s: %w", EnvEntryPoints, err)
		}
		config.EntryPoints = eps
	}
	return nil
}

// validateAndSetDefaults validates the configuration and sets default values where needed.
func validateAndSetDefaults(config *ProxyConfig) error {
	if config.APIKey == "" {
		return errors.New("api_key is required")
	}

	if config.ServicesFile == "" {
		config.ServicesFile = DefaultServicesFile
	}

	if err := validateEntryPoints(config); err != nil {
		return err
	}

	switch config.Watch.Mode {
	case "":
		config.Watch.Mode = WatchNotify
	case WatchNotify, WatchPoll, WatchOff:
	default:
		return fmt.Errorf("watch.mode %q is not one of notify, poll, off", config.Watch.Mode)
	}
	if config.Watch.Interval == 0 {
		config.Watch.Interval = 2 * time.Second
	}
	if config.Watch.Debounce == 0 {
		config.Watch.Debounce = 100 * time.Millisecond
	}
	if config.Watch.Interval < 0 || config.Watch.Debounce < 0 {
		return errors.New("watch interval and debounce must be non-negative")
	}

	if err := validateRateLimiting(config); err != nil {
		return err
	}

	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}

	// Set default metrics path if enabled but path not specified
	if config.Metrics.Enabled && config.Metrics.Path == "" {
		config.Metrics.Path = "/metrics"
	}

	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = 30 * time.Second
	}

	// Validate transport timeouts are positive
	h := config.Transport.HTTP
	if h.IdleConnTimeout < 0 ||
		h.TLSHandshakeTimeout < 0 ||
		h.ResponseHeaderTimeout < 0 ||
		h.ExpectContinueTimeout < 0 ||
		h.DialTimeout < 0 ||
		h.KeepAlive < 0 ||
		h.RequestTimeout < 0 ||
		config.ShutdownTimeout < 0 {
		return errors.New("transport timeouts must be non-negative")
	}

	return nil
}

func validateEntryPoints(config *ProxyConfig) error {
	names := make(map[string]struct{}, len(config.EntryPoints))
	// port -> whether it serves TLS
	portTLS := make(map[int]bool)
	needsTLS := false

	for _, ep := range config.EntryPoints {
		if ep.Name == "" {
			return errors.New("entry point without a name")
		}
		if _, dup := names[ep.Name]; dup {
			return fmt.Errorf("entry point %q declared twice", ep.Name)
		}
		names[ep.Name] = struct{}{}

		if len(ep.Ports) == 0 {
			return fmt.Errorf("entry point %q: at least one port is required", ep.Name)
		}
		if len(ep.Protocols) == 0 {
			return fmt.Errorf("entry point %q: at least one protocol is required", ep.Name)
		}

		epTLS, epPlain := false, false
		for _, p := range ep.Protocols {
			switch p {
			case ProtocolHTTP, ProtocolWS:
				epPlain = true
			case ProtocolHTTPS, ProtocolWSS:
				epTLS = true
			default:
				return fmt.Errorf("entry point %q: unknown protocol %q", ep.Name, p)
			}
		}
		if epTLS && epPlain {
			return fmt.Errorf("entry point %q: cannot mix TLS and plain protocols on the same ports", ep.Name)
		}
		needsTLS = needsTLS || epTLS

		for _, port := range ep.Ports {
			if port < 1 || port > 65535 {
				return fmt.Errorf("entry point %q: port %d out of range", ep.Name, port)
			}
			if prev, seen := portTLS[port]; seen && prev != epTLS {
				return fmt.Errorf("port %d is used for both TLS and plain entry points", port)
			}
			portTLS[port] = epTLS
		}
	}

	if needsTLS && (config.TLS.CertFile == "" || config.TLS.KeyFile == "") {
		return errors.New("tls.cert_file and tls.key_file are required for https/wss entry points")
	}
	return nil
}

func validateRateLimiting(config *ProxyConfig) error {
	rl := &config.RateLimiting
	if rl.Backend == "" {
		rl.Backend = LimiterMemory
	}
	if rl.Algorithm == "" {
		rl.Algorithm = AlgorithmFixed
	}
	if rl.Limit == 0 {
		rl.Limit = DefaultRateLimit
	}
	if rl.Window == 0 {
		rl.Window = DefaultRateWindow
	}
	if rl.CleanupInterval == 0 {
		rl.CleanupInterval = time.Minute
	}

	if rl.Limit < 0 || rl.Window < 0 || rl.Burst < 0 || rl.CleanupInterval < 0 {
		return errors.New("rate_limiting values must be non-negative")
	}

	switch rl.Backend {
	case LimiterMemory:
	case LimiterRedis:
		if !config.Redis.Enabled {
			return errors.New("rate_limiting.backend redis requires redis.enabled")
		}
		if rl.Algorithm != AlgorithmFixed {
			return fmt.Errorf("rate_limiting.algorithm %q is not supported by the redis backend", rl.Algorithm)
		}
	default:
		return fmt.Errorf("rate_limiting.backend %q is not one of memory, redis", rl.Backend)
	}

	switch rl.Algorithm {
	case AlgorithmFixed:
	case AlgorithmTokenBkt:
		if rl.Burst == 0 {
			rl.Burst = rl.Limit
		}
	default:
		return fmt.Errorf("rate_limiting.algorithm %q is not one of fixed_window, token_bucket", rl.Algorithm)
	}
	return nil
}

// IsTLSProtocol reports whether the protocol is terminated with TLS.
func IsTLSProtocol(protocol string) bool {
	return protocol == ProtocolHTTPS || protocol == ProtocolWSS
}

// ListenPorts returns the distinct ports declared by the entry points, in declaration
// order, together with whether each one serves TLS.
//
// Returns:
// - []int: The ports in first-seen order.
// - map[int]bool: Whether each port is a TLS port.
func (c *ProxyConfig) ListenPorts() ([]int, map[int]bool) {
	var ports []int
	tls := make(map[int]bool)
	for _, ep := range c.EntryPoints {
		epTLS := false
		for _, p := range ep.Protocols {
			if IsTLSProtocol(p) {
				epTLS = true
			}
		}
		for _, port := range ep.Ports {
			if _, seen := tls[port]; !seen {
				ports = append(ports, port)
			}
			tls[port] = tls[port] || epTLS
		}
	}
	return ports, tls
}
