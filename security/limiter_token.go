package security

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// idleClientTTL is how long a client's bucket is kept after its last request.
const idleClientTTL = 3 * time.Minute

type bucket struct {
	limiter  *rate.Limiter
	lastSeen int64 // Unix timestamp for thread-safe updates
}

// TokenBucketLimiter refills limit tokens per window continuously and lets a client spend
// up to burst at once. Unlike the fixed window it has no boundary at which a client can
// send two full windows back to back.
type TokenBucketLimiter struct {
	rate            rate.Limit
	burst           int
	cleanupInterval time.Duration
	logger          *slog.Logger

	mu      sync.RWMutex
	clients map[string]*bucket
}

// NewTokenBucketLimiter creates an in-memory token bucket limiter.
func NewTokenBucketLimiter(limit int, window time.Duration, burst int, cleanupInterval time.Duration, logger *slog.Logger) *TokenBucketLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if burst <= 0 {
		burst = limit
	}
	return &TokenBucketLimiter{
		rate:            rate.Limit(float64(limit) / window.Seconds()),
		burst:           burst,
		cleanupInterval: cleanupInterval,
		logger:          logger,
		clients:         make(map[string]*bucket),
	}
}

// Allow implements Limiter. It never returns an error.
func (l *TokenBucketLimiter) Allow(_ context.Context, clientID string) (bool, error) {
	return l.getOrCreate(clientID).limiter.Allow(), nil
}

// getOrCreate retrieves or creates the bucket for clientID.
func (l *TokenBucketLimiter) getOrCreate(clientID string) *bucket {
	l.mu.RLock()
	b, exists := l.clients[clientID]
	l.mu.RUnlock()

	if !exists {
		l.mu.Lock()
		// Double check if the bucket was created during the RUnlock -> Lock phase
		b, exists = l.clients[clientID]
		if !exists {
			b = &bucket{limiter: rate.NewLimiter(l.rate, l.burst)}
			l.clients[clientID] = b
		}
		l.mu.Unlock()
	}

	atomic.StoreInt64(&b.lastSeen, time.Now().Unix())
	return b
}

// Sweep removes buckets idle for longer than idleClientTTL.
func (l *TokenBucketLimiter) Sweep() int {
	cutoff := time.Now().Add(-idleClientTTL).Unix()
	removed := 0
	l.mu.Lock()
	for id, b := range l.clients {
		if atomic.LoadInt64(&b.lastSeen) < cutoff {
			delete(l.clients, id)
			removed++
		}
	}
	l.mu.Unlock()
	return removed
}

// Run sweeps idle buckets every cleanup interval until ctx is done.
func (l *TokenBucketLimiter) Run(ctx context.Context) {
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
				l.logger.Debug(fmt.Sprintf("[TokenBucketLimiter] Cleaned up %d idle clients", n))
			}
		}
	}
}
