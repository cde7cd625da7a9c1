package metrics

import (
	"net/http"
	"regexp"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Define Prometheus metrics
var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, partitioned by method, path, and status code.",
		},
		[]string{"method", "normalized_path", "status_code"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "normalized_path", "status_code"},
	)

	dataTransferred = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "data_transferred_bytes_total",
			Help: "Total amount of data transferred in bytes, partitioned by direction (inbound or outbound).",
		},
		[]string{"direction"},
	)

	activeConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "active_connections",
			Help: "Number of active connections currently being handled by the gateway.",
		},
	)

	rejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_rejections_total",
			Help: "Requests refused by the gateway before reaching a backend, partitioned by reason.",
		},
		[]string{"reason"},
	)

	registryReloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "registry_reloads_total",
			Help: "Service registry load attempts, partitioned by result.",
		},
		[]string{"result"},
	)

	registryServices = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "registry_services",
			Help: "Number of services in the registry snapshot currently in force.",
		},
	)

	websocketSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "websocket_sessions_active",
			Help: "Number of relayed WebSocket sessions currently open.",
		},
	)

	websocketMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websocket_messages_total",
			Help: "WebSocket messages relayed, partitioned by direction (upstream or downstream).",
		},
		[]string{"direction"},
	)
)

var idPattern = regexp.MustCompile(`\d+`)

func InitMetrics() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpRequestDuration)
	prometheus.MustRegister(dataTransferred)
	prometheus.MustRegister(activeConnections)
	prometheus.MustRegister(rejectionsTotal)
	prometheus.MustRegister(registryReloads)
	prometheus.MustRegister(registryServices)
	prometheus.MustRegister(websocketSessions)
	prometheus.MustRegister(websocketMessages)
}

// NormalizePath normalizes dynamic paths (e.g., "/users/123" -> "/users/:id")
func NormalizePath(path string) string {
	return idPattern.ReplaceAllString(path, ":id")
}

// RecordRequest records metrics for each request
func RecordRequest(method, path string, statusCode int, duration float64) {
	normalizedPath := NormalizePath(path)
	statusCodeStr := http.StatusText(statusCode)

	httpRequestsTotal.WithLabelValues(method, normalizedPath, statusCodeStr).Inc()
	httpRequestDuration.WithLabelValues(method, normalizedPath, statusCodeStr).Observe(duration)
}

// RecordDataTransferred records the number of bytes transferred, partitioned by direction (inbound or outbound)
func RecordDataTransferred(direction string, numBytes int64) {
	if numBytes <= 0 {
		return
	}
	dataTransferred.WithLabelValues(direction).Add(float64(numBytes))
}

// UpdateActiveConnections increments or decrements the number of active connections
func UpdateActiveConnections(increment bool) {
	if increment {
		activeConnections.Inc()
	} else {
		activeConnections.Dec()
	}
}

// RecordRejection counts a request refused with the given reason.
func RecordRejection(reason string) {
	rejectionsTotal.WithLabelValues(reason).Inc()
}

// RecordRegistryReload counts a registry load and publishes the size of the snapshot in force.
func RecordRegistryReload(ok bool, services int) {
	result := "success"
	if !ok {
		result = "failure"
	}
	registryReloads.WithLabelValues(result).Inc()
	registryServices.Set(float64(services))
}

// UpdateWebSocketSessions increments or decrements the number of open WebSocket sessions.
func UpdateWebSocketSessions(increment bool) {
	if increment {
		websocketSessions.Inc()
	} else {
		websocketSessions.Dec()
	}
}

// RecordWebSocketMessage counts one relayed message.
func RecordWebSocketMessage(direction string) {
	websocketMessages.WithLabelValues(direction).Inc()
}

// ExposeMetricsHandler returns a handler that serves the metrics for Prometheus
func ExposeMetricsHandler() http.Handler {
	return promhttp.Handler()
}
