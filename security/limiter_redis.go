package security

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const rateLimiterKeyPrefix = "rate_limiter:"

// incrWithExpiryScript increments KEYS[1] and sets its expiry to ARGV[1] milliseconds when
// the key was just created or has no expiry.
var incrWithExpiryScript = redis.NewScript(`
	local current = redis.call('INCR', KEYS[1])
	if current == 1 or redis.call('PTTL', KEYS[1]) == -1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return current
`)

// RedisLimiter is a fixed window limiter whose counters live in Redis, so every gateway
// replica sharing the server enforces one limit per client.
type RedisLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	logger *slog.Logger
}

// NewRedisLimiter creates a Redis backed limiter.
func NewRedisLimiter(client *redis.Client, limit int, window time.Duration, logger *slog.Logger) *RedisLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLimiter{client: client, limit: limit, window: window, logger: logger}
}

// Allow checks if a request is allowed based on the counter stored for clientID.
//
// The counter is incremented and, on the first request of a window, given its expiry in a
// single script, so a key never outlives its window. A key found without an expiry gets one.
//
// Parameters:
// - ctx: Context bounding the Redis round trip.
// - clientID: The client identifier.
//
// Returns:
// - bool: True if the request is allowed, false otherwise.
// - error: An error if Redis could not be reached.
func (l *RedisLimiter) Allow(ctx context.Context, clientID string) (bool, error) {
	key := rateLimiterKeyPrefix + clientID

	windowMillis := l.window.Milliseconds()
	if windowMillis < 1 {
		windowMillis = 1
	}

	count, err := incrWithExpiryScript.Run(ctx, l.client, []string{key}, windowMillis).Int64()
	if err != nil {
		return false, fmt.Errorf("incrementing %s: %w", key, err)
	}

	if count > int64(l.limit) {
		l.logger.Debug(fmt.Sprintf("[RedisLimiter] Rate limit exceeded for client: %s, count: %d", clientID, count))
		return false, nil
	}
	return true, nil
}
