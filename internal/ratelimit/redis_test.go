package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Requires a Redis server on localhost:6379; skipped otherwise.
func TestRedisLimiter(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	defer client.Close()

	key := "test-" + time.Now().Format("150405.000000")
	l, err := NewRedis(client, "qrattend:test", 3, time.Minute)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, key)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := l.Allow(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	ttl, err := client.PTTL(ctx, "qrattend:test:"+key).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}
