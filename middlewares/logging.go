package middlewares

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"time"

	"portale/app"
	"portale/logging"
	"portale/metrics"
	"portale/security"
	"portale/writer"
)

// LoggingMiddleware is an HTTP middleware that logs requests and responses.
// It assigns the request id used on every outbound call, records request metrics and writes
// one log entry per request once the executor has finished.
//
// Parameters:
// - next: The next http.Handler to be called.
// - gw: The gateway holding the logging and metrics configuration.
//
// Returns:
// - http.Handler: A handler that logs requests, responses, and metrics based on the provided configuration.
func LoggingMiddleware(next http.Handler, gw *app.Gateway) http.Handler {
	cfg := gw.Config
	verbose := cfg.Logging.Enabled && cfg.Logging.Verbose

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Increment the active connections metric if metrics are enabled
		if cfg.Metrics.Enabled {
			metrics.UpdateActiveConnections(true)
			defer metrics.UpdateActiveConnections(false) // Ensure decrement after the request is processed
		}

		info := &logging.RequestInfo{
			RequestID: security.NewRequestID(),
			ClientID:  security.ClientID(r),
		}
		ctx := security.WithRequestID(r.Context(), info.RequestID)
		ctx = logging.WithRequestInfo(ctx, info)
		r = r.WithContext(ctx)

		var opts []writer.WriterOption
		if verbose {
			opts = append(opts, writer.WithCapture(writer.DefaultCaptureSize))
		}
		lrw := writer.NewResponseWriter(w, opts...)

		var bodyBytes []byte
		var bodyErr error
		if verbose && r.Body != nil && r.Body != http.NoBody {
			// Only the head of the body is kept for the log; the rest streams through untouched.
			bodyBytes, bodyErr = io.ReadAll(io.LimitReader(r.Body, writer.DefaultCaptureSize))
			r.Body = &replayBody{Reader: io.MultiReader(bytes.NewReader(bodyBytes), r.Body), Closer: r.Body}
		}

		if bodyErr != nil {
			gw.Logger.Warn("Failed to read request body", slog.String("request_id", info.RequestID), slog.Any("error", bodyErr))
			security.ApplySecurityHeaders(lrw.Header())
			http.Error(lrw, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		} else {
			// Call the next handler in the chain
			next.ServeHTTP(lrw, r)
		}

		info.Duration = time.Since(start)
		info.Status = lrw.Status()
		info.BytesOut = lrw.BytesWritten
		if r.ContentLength > 0 {
			info.BytesIn = r.ContentLength
		}

		if cfg.Metrics.Enabled {
			metrics.RecordRequest(r.Method, r.URL.Path, info.Status, info.Duration.Seconds())
			// Record data transferred for inbound and outbound traffic
			metrics.RecordDataTransferred("inbound", info.BytesIn)
			metrics.RecordDataTransferred("outbound", info.BytesOut)
		}

		if !cfg.Logging.Enabled {
			return
		}
		if verbose {
			logging.LogRequestVerbose(gw.Logger, r, bodyBytes, info, lrw)
		}
		logging.LogRequestCompact(gw.Logger, r, info)
	})
}

// replayBody serves the bytes already read for logging, then the rest of the original body.
type replayBody struct {
	io.Reader
	io.Closer
}
