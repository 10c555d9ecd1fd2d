package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// MetricsCache stores computed UsageMetrics for a short time.
type MetricsCache interface {
	Get(ctx context.Context, key string) (*UsageMetrics, bool, error)
	Set(ctx context.Context, key string, m *UsageMetrics, ttl time.Duration) error
}

// --- MemoryCache ---

type cacheEntry struct {
	expiresAt time.Time
	metrics   UsageMetrics
}

// MemoryCache is a process-local MetricsCache.
type MemoryCache struct {
	mu    sync.RWMutex
	items map[string]cacheEntry
	now   func() time.Time
}

// NewMemoryCache creates an empty in-memory metrics cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{items: make(map[string]cacheEntry), now: time.Now}
}

func (c *MemoryCache) Get(_ context.Context, key string) (*UsageMetrics, bool, error) {
	c.mu.RLock()
	entry, ok := c.items[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if c.now().After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.items, key)
		c.mu.Unlock()
		return nil, false, nil
	}
	m := entry.metrics.clone()
	return &m, true, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, m *UsageMetrics, ttl time.Duration) error {
	c.mu.Lock()
	c.items[key] = cacheEntry{expiresAt: c.now().Add(ttl), metrics: m.clone()}
	c.mu.Unlock()
	return nil
}

// --- RedisCache ---

// RedisCache shares computed metrics between replicas through Redis.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache wraps an existing client. Keys are namespaced under prefix.
func NewRedisCache(client *redis.Client, prefix string) *RedisCache {
	if prefix == "" {
		prefix = "usagewatch:metrics:"
	}
	return &RedisCache{client: client, prefix: prefix}
}

// NewRedisClient parses a redis:// URL into a client.
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	return redis.NewClient(opts), nil
}

func (c *RedisCache) Get(ctx context.Context, key string) (*UsageMetrics, bool, error) {
	raw, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var m UsageMetrics
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, false, fmt.Errorf("decode cached metrics: %w", err)
	}
	return &m, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, m *UsageMetrics, ttl time.Duration) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.prefix+key, raw, ttl).Err()
}

// Ping checks connectivity, for the health registry.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

var (
	_ MetricsCache = (*MemoryCache)(nil)
	_ MetricsCache = (*RedisCache)(nil)
)
