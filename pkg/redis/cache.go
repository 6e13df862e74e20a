package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache provides JSON caching for read API responses
// ⭐ SSOT: 캐시 헬퍼는 여기서만
type Cache struct {
	client *Client
	prefix string
}

// NewCache creates a new cache helper
func NewCache(client *Client, prefix string) *Cache {
	return &Cache{client: client, prefix: prefix}
}

func (c *Cache) key(k string) string {
	return fmt.Sprintf("%s:cache:%s", c.prefix, k)
}

// Get retrieves a cached value. A miss is (false, nil).
func (c *Cache) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	if !c.client.Enabled() {
		return false, nil
	}

	data, err := c.client.Redis().Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cache get failed: %w", err)
	}

	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("cache unmarshal failed: %w", err)
	}
	return true, nil
}

// Set stores a value with TTL
func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if !c.client.Enabled() {
		return nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache marshal failed: %w", err)
	}
	return c.client.Redis().Set(ctx, c.key(key), data, ttl).Err()
}

// Delete removes cached values
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if !c.client.Enabled() || len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.key(k)
	}
	return c.client.Redis().Del(ctx, full...).Err()
}

// InvalidateAll drops every key under this cache's prefix. Called after a pipeline run.
func (c *Cache) InvalidateAll(ctx context.Context) error {
	if !c.client.Enabled() {
		return nil
	}
	iter := c.client.Redis().Scan(ctx, 0, c.key("*"), 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("cache scan failed: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	return c.client.Redis().Del(ctx, keys...).Err()
}

// GetOrSet retrieves from cache or calls fn to populate it.
// Cache write failures are ignored; the computed value is still returned.
func (c *Cache) GetOrSet(ctx context.Context, key string, dest interface{}, ttl time.Duration, fn func() (interface{}, error)) error {
	found, err := c.Get(ctx, key, dest)
	if err == nil && found {
		return nil
	}

	value, err := fn()
	if err != nil {
		return err
	}
	_ = c.Set(ctx, key, value, ttl)

	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

// Predefined TTLs. Data changes once per daily run.
const (
	TTLShort = 1 * time.Minute // 상태/헬스
	TTLLong  = 1 * time.Hour   // 지수/패널 조회
	TTLDaily = 24 * time.Hour  // 카탈로그
)

// IndexLatestKey caches the latest values of every index.
func IndexLatestKey() string {
	return "index:latest"
}

// IndexHistoryKey caches an index history query.
func IndexHistoryKey(name, from, to string) string {
	return fmt.Sprintf("index:%s:%s:%s", name, from, to)
}

// HorizonKey caches a horizon panel slice.
func HorizonKey(from, to string) string {
	return fmt.Sprintf("horizon:%s:%s", from, to)
}

// SeriesKey caches a series observation query.
func SeriesKey(id, from, to string) string {
	return fmt.Sprintf("series:%s:%s:%s", id, from, to)
}
