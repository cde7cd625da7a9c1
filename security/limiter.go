package security

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"portale/config"

	"github.com/redis/go-redis/v9"
)

// Limiter counts requests per client.
type Limiter interface {
	// Allow records one request for clientID and reports whether it is admitted.
	Allow(ctx context.Context, clientID string) (bool, error)
}

// Janitor is implemented by limiters that keep per-client state in process and need it
// swept periodically.
type Janitor interface {
	Run(ctx context.Context)
}

// NewLimiter builds the limiter selected by the rate limiting configuration.
//
// Parameters:
// - cfg: The rate limiting configuration, already validated.
// - redisClient: Client used by the redis backend; may be nil for the memory backend.
// - logger: The logger used to log messages.
//
// Returns:
// - Limiter: The configured limiter.
// - error: An error if the backend cannot be built.
func NewLimiter(cfg config.RateLimiting, redisClient *redis.Client, logger *slog.Logger) (Limiter, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Backend {
	case config.LimiterRedis:
		if redisClient == nil {
			return nil, errors.New("redis rate limiter requires a redis client")
		}
		logger.Info("Rate limiting with redis", slog.Int("limit", cfg.Limit), slog.Duration("window", cfg.Window))
		return NewRedisLimiter(redisClient, cfg.Limit, cfg.Window, logger), nil

	case config.LimiterMemory, "":
		if cfg.Algorithm == config.AlgorithmTokenBkt {
			logger.Info("Rate limiting with token bucket", slog.Int("limit", cfg.Limit), slog.Duration("window", cfg.Window), slog.Int("burst", cfg.Burst))
			return NewTokenBucketLimiter(cfg.Limit, cfg.Window, cfg.Burst, cfg.CleanupInterval, logger), nil
		}
		logger.Info("Rate limiting with fixed window", slog.Int("limit", cfg.Limit), slog.Duration("window", cfg.Window))
		l := NewFixedWindowLimiter(cfg.Limit, cfg.Window)
		l.cleanupInterval = cfg.CleanupInterval
		l.logger = logger
		return l, nil
	}
	return nil, fmt.Errorf("unknown rate limiter backend %q", cfg.Backend)
}

type windowRecord struct {
	mu          sync.Mutex
	count       int
	windowStart time.Time
	// set once the janitor has dropped the record from the map
	evicted bool
}

// FixedWindowLimiter admits up to limit requests per client in each window. A client's
// window starts with its first request and is reset lazily by the first request arriving
// more than window after that start.
type FixedWindowLimiter struct {
	limit           int
	window          time.Duration
	cleanupInterval time.Duration
	now             func() time.Time
	records         sync.Map // client id -> *windowRecord
	logger          *slog.Logger
}

// NewFixedWindowLimiter creates an in-memory fixed window limiter.
func NewFixedWindowLimiter(limit int, window time.Duration) *FixedWindowLimiter {
	return &FixedWindowLimiter{
		limit:           limit,
		window:          window,
		cleanupInterval: time.Minute,
		now:             time.Now,
		logger:          slog.Default(),
	}
}

// Allow implements Limiter. It never returns an error.
func (l *FixedWindowLimiter) Allow(_ context.Context, clientID string) (bool, error) {
	for {
		v, _ := l.records.LoadOrStore(clientID, &windowRecord{})
		rec := v.(*windowRecord)

		rec.mu.Lock()
		if rec.evicted {
			// Lost a race with Sweep; the next LoadOrStore sees a fresh record.
			rec.mu.Unlock()
			continue
		}

		now := l.now()
		if rec.windowStart.IsZero() || now.Sub(rec.windowStart) > l.window {
			rec.count = 0
			rec.windowStart = now
		}
		rec.count++
		allowed := rec.count <= l.limit
		rec.mu.Unlock()
		return allowed, nil
	}
}

// Sweep drops the records whose window has expired and returns how many were removed.
// A dropped record and a lazily reset one admit the next request identically.
func (l *FixedWindowLimiter) Sweep() int {
	now := l.now()
	removed := 0
	l.records.Range(func(key, value any) bool {
		rec := value.(*windowRecord)
		rec.mu.Lock()
		if now.Sub(rec.windowStart) > l.window {
			rec.evicted = true
			l.records.Delete(key)
			removed++
		}
		rec.mu.Unlock()
		return true
	})
	return removed
}

// Run sweeps expired records every cleanup interval until ctx is done.
func (l *FixedWindowLimiter) Run(ctx context.Context) {
	if l.cleanupInterval <= 0 {
		return
	}
	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Sweep(); n > 0 {
				l.logger.Debug(fmt.Sprintf("[FixedWindowLimiter] Cleaned up %d expired clients", n))
			}
		}
	}
}
