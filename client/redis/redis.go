package redis

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"portale/config"

	"github.com/redis/go-redis/v9"
)

// InitRedis creates a Redis client for the configured server and checks it responds.
//
// Parameters:
// - ctx: Context bounding the initial ping.
// - logger: A pointer to the slog.Logger instance for logging messages.
// - redisConfig: The Redis configuration containing host, port, password and database.
//
// Returns:
// - *redis.Client: The connected client.
// - error: An error if the server could not be reached.
func InitRedis(ctx context.Context, logger *slog.Logger, redisConfig config.RedisConfig) (*redis.Client, error) {
	addr := net.JoinHostPort(redisConfig.Host, redisConfig.Port)
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: redisConfig.Password,
		DB:       redisConfig.DB,
	})

	if err := Ping(ctx, client); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", addr, err)
	}

	logger.Info("Successfully connected to Redis", slog.String("addr", addr))
	return client, nil
}

// Ping checks the server responds within ten seconds.
func Ping(ctx context.Context, client *redis.Client) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return client.Ping(ctx).Err()
}
