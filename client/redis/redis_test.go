package redis

import (
	"context"
	"log/slog"
	"net"
	"testing"

	"portale/config"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	host, port, err := net.SplitHostPort(mr.Addr())
	require.NoError(t, err)

	client, err := InitRedis(context.Background(), slog.Default(), config.RedisConfig{Enabled: true, Host: host, Port: port})
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())
	got, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestInitRedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	host, port, _ := net.SplitHostPort(mr.Addr())
	mr.Close()

	client, err := InitRedis(context.Background(), slog.Default(), config.RedisConfig{Enabled: true, Host: host, Port: port})
	assert.Error(t, err)
	assert.Nil(t, client)
}
