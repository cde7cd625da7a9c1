package writer

import (
	"bufio"
	"bytes"
	"net"
	"net/http"
	"sync/atomic"
)

// DefaultCaptureSize is how much of a response body is kept for verbose logging (64KB).
const DefaultCaptureSize = 64 * 1024

// ResponseWriter wraps an http.ResponseWriter to record what the gateway sent back: the
// status code, the number of body bytes and, when capturing is enabled, the head of the body.
type ResponseWriter struct {
	http.ResponseWriter
	StatusCode   int   // HTTP status code, 0 until headers are written
	BytesWritten int64 // Total body bytes written

	capture     *bytes.Buffer
	captureSize int
	truncated   bool
	hijacked    bool
}

// WriterOption allows customization of ResponseWriter behavior
type WriterOption func(*ResponseWriter)

// WithCapture keeps up to size bytes of the body for later inspection.
//
// Parameters:
// - size: Maximum number of bytes captured; zero or less disables capturing.
//
// Returns:
// - WriterOption: The option function
func WithCapture(size int) WriterOption {
	return func(rw *ResponseWriter) {
		if size > 0 {
			rw.captureSize = size
			rw.capture = &bytes.Buffer{}
		}
	}
}

// NewResponseWriter wraps w.
//
// Parameters:
// - w: The underlying http.ResponseWriter
// - opts: Optional configuration options
//
// Returns:
// - *ResponseWriter: The wrapping response writer
func NewResponseWriter(w http.ResponseWriter, opts ...WriterOption) *ResponseWriter {
	rw := &ResponseWriter{ResponseWriter: w}
	for _, opt := range opts {
		opt(rw)
	}
	return rw
}

// WriteHeader records the first status code written and forwards it.
func (rw *ResponseWriter) WriteHeader(statusCode int) {
	if rw.StatusCode != 0 {
		return
	}
	// 1xx responses other than 101 are informational; the final status follows.
	if statusCode >= 100 && statusCode < 200 && statusCode != http.StatusSwitchingProtocols {
		rw.ResponseWriter.WriteHeader(statusCode)
		return
	}
	rw.StatusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

// Write implements io.Writer, counting and optionally capturing the body.
func (rw *ResponseWriter) Write(b []byte) (int, error) {
	if rw.StatusCode == 0 {
		rw.WriteHeader(http.StatusOK)
	}
	n, err := rw.ResponseWriter.Write(b)
	atomic.AddInt64(&rw.BytesWritten, int64(n))

	if rw.capture != nil && !rw.truncated {
		room := rw.captureSize - rw.capture.Len()
		if n > room {
			rw.capture.Write(b[:room])
			rw.truncated = true
		} else {
			rw.capture.Write(b[:n])
		}
	}
	return n, err
}

// Hijack implements the http.Hijacker interface.
// Allows taking over the connection for protocols like WebSocket.
//
// Returns:
// - net.Conn: The network connection
// - *bufio.ReadWriter: Buffered reader/writer
// - error: Any error that occurred
func (rw *ResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	conn, brw, err := hijacker.Hijack()
	if err == nil {
		rw.hijacked = true
		if rw.StatusCode == 0 {
			rw.StatusCode = http.StatusSwitchingProtocols
		}
	}
	return conn, brw, err
}

// Flush implements the http.Flusher interface.
func (rw *ResponseWriter) Flush() {
	if rw.StatusCode == 0 {
		rw.WriteHeader(http.StatusOK)
	}
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Unwrap exposes the wrapped writer to http.ResponseController.
func (rw *ResponseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Hijacked reports whether the connection was taken over.
func (rw *ResponseWriter) Hijacked() bool {
	return rw.hijacked
}

// Status returns the recorded status code, 200 when the handler wrote nothing.
func (rw *ResponseWriter) Status() int {
	if rw.StatusCode == 0 {
		return http.StatusOK
	}
	return rw.StatusCode
}

// CapturedBody returns the captured head of the body and whether it was cut short.
func (rw *ResponseWriter) CapturedBody() ([]byte, bool) {
	if rw.capture == nil {
		return nil, false
	}
	return rw.capture.Bytes(), rw.truncated
}
