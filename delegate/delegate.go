// Package delegate calls the auxiliary services a backend can hand work to: forward-auth
// checks before a request is proxied, and error pages fetched when the backend fails.
//
// Delegates are always reached over plain HTTP with a GET request carrying the inbound
// headers.
package delegate

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"portale/registry"
)

// Client performs delegate calls.
type Client struct {
	HTTP    *http.Client
	Timeout time.Duration // Upper bound per call; zero leaves only the caller's context.
	Logger  *slog.Logger
}

// NewClient creates a delegate client on top of rt.
func NewClient(rt http.RoundTripper, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		HTTP: &http.Client{
			Transport: rt,
			// Delegates answer directly; a redirect is relayed as the delegate's answer.
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
		Timeout: timeout,
		Logger:  logger,
	}
}

// ForwardAuth asks the auth delegate whether the request may proceed. Only a 2xx answer
// authorizes; any transport failure rejects.
//
// Parameters:
// - ctx: The inbound request context.
// - target: The auth delegate.
// - headers: Outbound copy of the inbound headers.
//
// Returns:
// - bool: True if the delegate authorized the request.
func (c *Client) ForwardAuth(ctx context.Context, target registry.Target, headers http.Header) bool {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	resp, err := c.get(ctx, target, headers)
	if err != nil {
		c.Logger.Warn("Forward auth call failed", slog.String("target", target.String()), slog.Any("error", err))
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	if !ok {
		c.Logger.Debug("Forward auth rejected request", slog.String("target", target.String()), slog.Int("status", resp.StatusCode))
	}
	return ok
}

// FetchErrorResponse retrieves the replacement response from an error delegate. The caller
// must close the returned body.
//
// Parameters:
// - ctx: The inbound request context.
// - target: The error delegate.
// - headers: Outbound copy of the inbound headers.
//
// Returns:
// - *http.Response: The delegate response.
// - error: An error if the delegate could not be reached.
func (c *Client) FetchErrorResponse(ctx context.Context, target registry.Target, headers http.Header) (*http.Response, error) {
	ctx, cancel := c.withTimeout(ctx)
	resp, err := c.get(ctx, target, headers)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("error delegate %s: %w", target, err)
	}
	resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

func (c *Client) get(ctx context.Context, target registry.Target, headers http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.URL(), nil)
	if err != nil {
		return nil, err
	}
	req.Header = headers.Clone()
	if req.Header == nil {
		req.Header = http.Header{}
	}
	return c.HTTP.Do(req)
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.Timeout > 0 {
		return context.WithTimeout(ctx, c.Timeout)
	}
	return context.WithCancel(ctx)
}

// cancelBody releases the per-call context once the body is closed.
type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
