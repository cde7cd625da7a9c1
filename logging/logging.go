package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"portale/writer"

	"github.com/fatih/color"
	"github.com/gorilla/websocket"
	"github.com/lmittmann/tint"
)

// Predefined styles for formatting log messages using the `color` package.
var (
	methodStyle    = color.New(color.FgHiWhite, color.BgGreen).SprintFunc()     // methodStyle formats HTTP methods.
	detailStyle    = color.New(color.FgHiWhite, color.BgRed).SprintFunc()       // detailStyle formats detailed log sections.
	boldWhiteStyle = color.New(color.FgWhite, color.Bold).SprintFunc()          // boldWhiteStyle formats text in bold white.
	urlStyle       = color.New(color.FgHiWhite, color.BgHiCyan).SprintFunc()    // urlStyle formats URLs.
	headersStyle   = color.New(color.FgHiWhite, color.BgHiMagenta).SprintFunc() // headersStyle formats HTTP headers.
	statusStyle    = color.New(color.FgHiWhite, color.BgYellow).SprintFunc()    // statusStyle formats HTTP status codes.
	routeStyle     = color.New(color.FgHiWhite, color.BgBlue).SprintFunc()      // routeStyle formats the routing decision.
	warningStyle   = color.New(color.FgHiWhite, color.BgMagenta).SprintFunc()   // warningStyle formats warnings.
)

// Headers never written to the log.
var redactedHeaders = map[string]bool{
	"X-Api-Key":     true,
	"Authorization": true,
	"Cookie":        true,
}

// ParseLevel maps a configured level name to a slog level; unknown names mean info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// InitializeLogger initializes a new logger writing to stdout with the specified log level.
func InitializeLogger(level string) *slog.Logger {
	return NewLogger(os.Stdout, level)
}

// NewLogger creates a tint logger writing to w. Colors are only used on a terminal stdout.
func NewLogger(w io.Writer, level string) *slog.Logger {
	levelVar := new(slog.LevelVar)
	levelVar.Set(ParseLevel(level))

	handler := tint.NewHandler(w, &tint.Options{
		Level:      levelVar,
		TimeFormat: time.RFC3339,
		NoColor:    w != io.Writer(os.Stdout) || color.NoColor,
	})
	return slog.New(handler)
}

// RequestInfo is what the request log reports for one request. The logging middleware
// creates it and the executors fill in the routing decision.
type RequestInfo struct {
	RequestID  string
	ClientID   string
	Protocol   string
	EntryPoint string
	Service    string
	Upstream   string
	Status     int
	BytesIn    int64
	BytesOut   int64
	Duration   time.Duration
}

type requestInfoKey struct{}

// WithRequestInfo attaches info to ctx.
func WithRequestInfo(ctx context.Context, info *RequestInfo) context.Context {
	return context.WithValue(ctx, requestInfoKey{}, info)
}

// RequestInfoFromContext returns the record attached by WithRequestInfo, or nil.
func RequestInfoFromContext(ctx context.Context) *RequestInfo {
	info, _ := ctx.Value(requestInfoKey{}).(*RequestInfo)
	return info
}

// LogRequestCompact logs one request in a compact format using structured logging.
func LogRequestCompact(logger *slog.Logger, r *http.Request, info *RequestInfo) {
	attrs := []any{
		slog.String("request_id", info.RequestID),
		slog.String("client", info.ClientID),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("protocol", info.Protocol),
		slog.Int("status_code", info.Status),
		slog.Int64("bytes_in", info.BytesIn),
		slog.Int64("bytes_out", info.BytesOut),
		slog.Float64("duration_seconds", info.Duration.Seconds()),
	}
	if info.Service != "" {
		attrs = append(attrs, slog.String("entry_point", info.EntryPoint), slog.String("service", info.Service))
	}
	if ua := r.Header.Get("User-Agent"); ua != "" {
		attrs = append(attrs, slog.String("user_agent", ua))
	}

	switch {
	case info.Status >= 500:
		logger.Error("HTTP request processed", attrs...)
	case info.Status >= 400:
		logger.Warn("HTTP request processed", attrs...)
	default:
		logger.Info("HTTP request processed", attrs...)
	}
}

// LogRequestVerbose logs detailed information about the request, the routing decision and
// the response for debugging purposes.
func LogRequestVerbose(logger *slog.Logger, r *http.Request, body []byte, info *RequestInfo, rw *writer.ResponseWriter) {
	var sb strings.Builder

	sb.WriteString("\n")
	sb.WriteString(detailStyle("----------- Request Details -----------"))
	sb.WriteString("\n\n")
	sb.WriteString(fmt.Sprintf("%s: %s\n\n", methodStyle("Method:"), boldWhiteStyle(r.Method)))
	sb.WriteString(fmt.Sprintf("%s: %s\n\n", urlStyle("URL:"), boldWhiteStyle(r.URL.String())))
	sb.WriteString(fmt.Sprintf("%s: %s\n\n", boldWhiteStyle("Request ID:"), info.RequestID))

	sb.WriteString(headersStyle("Request Headers:"))
	sb.WriteString("\n")
	writeHeaders(&sb, r.Header)

	sb.WriteString("\n")
	sb.WriteString(fmt.Sprintf("%s\n\t%s\n\n", urlStyle("Request Body:"), string(body)))

	sb.WriteString(routeStyle("Route:"))
	sb.WriteString("\n")
	if info.Service != "" {
		sb.WriteString(fmt.Sprintf("\t%s %s\n\t%s %s\n\t%s %s\n\n",
			boldWhiteStyle("Entry point:"), info.EntryPoint,
			boldWhiteStyle("Service:"), info.Service,
			boldWhiteStyle("Upstream:"), info.Upstream))
	} else {
		sb.WriteString("\t[not routed]\n\n")
	}

	sb.WriteString(detailStyle("----------- Response Details -----------"))
	sb.WriteString("\n\n")
	sb.WriteString(fmt.Sprintf("%s: %d\n\n", statusStyle("Status Code:"), info.Status))
	sb.WriteString(fmt.Sprintf("%s: %.6f seconds\n\n", boldWhiteStyle("Response Time:"), info.Duration.Seconds()))

	if rw != nil {
		sb.WriteString(headersStyle("Response Headers:"))
		sb.WriteString("\n")
		writeHeaders(&sb, rw.Header())
		sb.WriteString("\n")

		respBody, truncated := rw.CapturedBody()
		switch {
		case rw.Hijacked():
			sb.WriteString(fmt.Sprintf("%s: [connection upgraded]\n", statusStyle("Body:")))
		case len(respBody) == 0:
			sb.WriteString(fmt.Sprintf("%s: [Empty]\n", statusStyle("Body:")))
		default:
			sb.WriteString(fmt.Sprintf("%s:\n\t%s\n", statusStyle("Body:"), string(respBody)))
		}
		if truncated {
			sb.WriteString(fmt.Sprintf("%s: Response body was truncated. Captured %d bytes out of %d total bytes.\n",
				warningStyle("WARNING:"), len(respBody), rw.BytesWritten))
		}
		sb.WriteString("\n")
	}

	sb.WriteString(detailStyle("---------------------------------------"))

	// Log the formatted string through the logger at Debug level.
	logger.Debug("Verbose request details", slog.String("request_id", info.RequestID), slog.String("formatted_output", sb.String()))
}

// writeHeaders prints headers sorted by name, with credentials redacted.
func writeHeaders(sb *strings.Builder, headers http.Header) {
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		for _, value := range headers[name] {
			if redactedHeaders[http.CanonicalHeaderKey(name)] {
				value = "[REDACTED]"
			}
			sb.WriteString(fmt.Sprintf("\t%s: %s\n", boldWhiteStyle(name), value))
		}
	}
}

// LogWebSocketMessage logs one relayed WebSocket message using structured logging.
//
// Parameters:
// - logger: The logger.
// - direction: "upstream" for client to backend, "downstream" for backend to client.
// - messageType: The gorilla message type.
// - message: The payload.
// - err: The relay error, if the message could not be read or written.
func LogWebSocketMessage(logger *slog.Logger, direction string, messageType int, message []byte, err error) {
	attrs := []slog.Attr{
		slog.String("direction", direction),
		slog.String("type", getMessageTypeString(messageType)),
	}

	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		logger.Error("WebSocket message processing error", attrsToAny(attrs)...)
		return
	}

	switch messageType {
	case websocket.TextMessage:
		attrs = append(attrs, slog.String("message_content", truncateMessage(message)))
		logger.Debug("WebSocket text message relayed", attrsToAny(attrs)...)
	default: // Includes BinaryMessage
		attrs = append(attrs, slog.Int("message_size_bytes", len(message)))
		logger.Debug("WebSocket message relayed", attrsToAny(attrs)...)
	}
}

// attrsToAny converts a slice of slog.Attr to a slice of any for slog methods.
func attrsToAny(attrs []slog.Attr) []any {
	anys := make([]any, len(attrs))
	for i, attr := range attrs {
		anys[i] = attr
	}
	return anys
}

// Utility function to truncate very long messages
func truncateMessage(message []byte) string {
	const maxLength = 100
	if len(message) > maxLength {
		return string(message[:maxLength]) + "..."
	}
	return string(message)
}

// Utility function to get the message type description
func getMessageTypeString(messageType int) string {
	switch messageType {
	case websocket.TextMessage:
		return "Text"
	case websocket.BinaryMessage:
		return "Binary"
	case websocket.CloseMessage:
		return "Close"
	case websocket.PingMessage:
		return "Ping"
	case websocket.PongMessage:
		return "Pong"
	default:
		return "Unknown"
	}
}
