package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/aegis-macro/backend/pkg/config"
)

func disabledClient(t *testing.T) *Client {
	t.Helper()
	client, err := New(&config.Config{Redis: config.RedisConfig{Enabled: false}})
	require.NoError(t, err)
	require.False(t, client.Enabled())
	return client
}

// liveClient connects to TEST_REDIS_HOST:6379 or skips.
func liveClient(t *testing.T) *Client {
	t.Helper()
	host := os.Getenv("TEST_REDIS_HOST")
	if host == "" {
		t.Skip("TEST_REDIS_HOST not set")
	}
	client, err := Open(context.Background(), config.RedisConfig{Host: host, Port: "6379", DB: 15, Enabled: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRateLimiter_Disabled(t *testing.T) {
	limiter := NewRateLimiter(disabledClient(t), "test")
	cfg := SourceRateLimit("fred", 2)

	allowed, remaining, err := limiter.Allow(context.Background(), cfg)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, cfg.Limit, remaining)
	assert.NoError(t, limiter.Wait(context.Background(), cfg))
}

func TestCache_Disabled(t *testing.T) {
	cache := NewCache(disabledClient(t), "test")
	ctx := context.Background()

	var result string
	found, err := cache.Get(ctx, "key", &result)
	require.NoError(t, err)
	assert.False(t, found)
	assert.NoError(t, cache.Set(ctx, "key", "v", TTLShort))
	assert.NoError(t, cache.InvalidateAll(ctx))

	calls := 0
	var got []int
	err = cache.GetOrSet(ctx, "k", &got, TTLShort, func() (interface{}, error) {
		calls++
		return []int{1, 2}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, got)
	assert.Equal(t, 1, calls)
}

func TestSourceRateLimit(t *testing.T) {
	tests := []struct {
		perSec float64
		want   RateLimitConfig
	}{
		{5, RateLimitConfig{Key: "s", Limit: 5, Window: time.Second}},
		{0.5, RateLimitConfig{Key: "s", Limit: 1, Window: 2 * time.Second}},
		{0, RateLimitConfig{Key: "s"}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SourceRateLimit("s", tt.perSec))
	}
}

func TestCacheKeys(t *testing.T) {
	assert.Equal(t, "index:latest", IndexLatestKey())
	assert.Equal(t, "index:labor:2024-01-01:2024-12-31", IndexHistoryKey("labor", "2024-01-01", "2024-12-31"))
	assert.Equal(t, "horizon:2024-01-01:2024-02-01", HorizonKey("2024-01-01", "2024-02-01"))
	assert.Equal(t, "series:UNRATE::", SeriesKey("UNRATE", "", ""))
}

func TestLive_CacheAndLimiter(t *testing.T) {
	client := liveClient(t)
	ctx := context.Background()

	cache := NewCache(client, "macro-test")
	require.NoError(t, cache.Set(ctx, IndexLatestKey(), map[string]float64{"labor": 0.4}, TTLShort))
	var got map[string]float64
	found, err := cache.Get(ctx, IndexLatestKey(), &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 0.4, got["labor"])

	require.NoError(t, cache.InvalidateAll(ctx))
	found, err = cache.Get(ctx, IndexLatestKey(), &got)
	require.NoError(t, err)
	assert.False(t, found)

	limiter := NewRateLimiter(client, "macro-test")
	cfg := RateLimitConfig{Key: "burst", Limit: 2, Window: time.Minute}
	for i := 0; i < 2; i++ {
		ok, _, err := limiter.Allow(ctx, cfg)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, _, err := limiter.Allow(ctx, cfg)
	require.NoError(t, err)
	assert.False(t, ok)
	_ = client.Redis().Del(ctx, "macro-test:ratelimit:burst").Err()
}
