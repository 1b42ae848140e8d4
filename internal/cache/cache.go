// Package cache wraps a Redis client used for two concerns in Helene:
// method result memoization (cacheTTL, spec.md §4.3 step 7) and cluster
// presence sets (spec.md §4.8). Grounded on the teacher's internal/cache
// package; trimmed to the operations those two concerns need and stripped
// of the HTTP response-caching middleware, which has no equivalent in an
// RPC-only server.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache wraps a Redis client. A nil client (Enabled: false, or no URL
// configured) makes every method a no-op or miss, so the server runs with
// no Redis at all and falls back to internal/cache's in-process Memo.
type Cache struct {
	client *redis.Client
}

// Config holds cache configuration.
type Config struct {
	URL     string
	Enabled bool
}

// New creates a Redis-backed Cache, or a disabled Cache when config.Enabled
// is false or no URL is set.
func New(config Config) (*Cache, error) {
	if !config.Enabled || config.URL == "" {
		return &Cache{client: nil}, nil
	}

	opts, err := redis.ParseURL(config.URL)
	if err != nil {
		return nil, fmt.Errorf("cache: parse redis url: %w", err)
	}
	opts.PoolSize = 25
	opts.MinIdleConns = 5
	opts.MaxIdleConns = 10
	opts.ConnMaxLifetime = 5 * time.Minute
	opts.ConnMaxIdleTime = 1 * time.Minute
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.MaxRetries = 3
	opts.MinRetryBackoff = 8 * time.Millisecond
	opts.MaxRetryBackoff = 512 * time.Millisecond

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("cache: ping redis: %w", err)
	}

	return &Cache{client: client}, nil
}

func (c *Cache) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

// IsEnabled reports whether a live Redis connection backs this Cache.
func (c *Cache) IsEnabled() bool {
	return c.client != nil
}

// Get retrieves a value from cache and unmarshals it into target.
func (c *Cache) Get(ctx context.Context, key string, target interface{}) error {
	if !c.IsEnabled() {
		return fmt.Errorf("cache: not enabled")
	}
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return fmt.Errorf("cache: key not found: %s", key)
	}
	if err != nil {
		return fmt.Errorf("cache: get %s: %w", key, err)
	}
	return json.Unmarshal([]byte(val), target)
}

// Set stores a value in cache with the given TTL. A zero TTL never expires.
func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if !c.IsEnabled() {
		return nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: marshal value for %s: %w", key, err)
	}
	return c.client.Set(ctx, key, data, ttl).Err()
}

func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if !c.IsEnabled() {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}

func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	if !c.IsEnabled() {
		return false, nil
	}
	count, err := c.client.Exists(ctx, key).Result()
	return count > 0, err
}

// AddToSet adds member to the set at key and returns the set's resulting
// cardinality, used by the cluster presence tracker's refcounted joins
// (spec.md §4.8).
func (c *Cache) AddToSet(ctx context.Context, key, member string) (int64, error) {
	if !c.IsEnabled() {
		return 0, fmt.Errorf("cache: not enabled")
	}
	if err := c.client.SAdd(ctx, key, member).Err(); err != nil {
		return 0, fmt.Errorf("cache: sadd %s: %w", key, err)
	}
	return c.client.SCard(ctx, key).Result()
}

// RemoveFromSet removes member from the set at key and returns the set's
// resulting cardinality.
func (c *Cache) RemoveFromSet(ctx context.Context, key, member string) (int64, error) {
	if !c.IsEnabled() {
		return 0, fmt.Errorf("cache: not enabled")
	}
	if err := c.client.SRem(ctx, key, member).Err(); err != nil {
		return 0, fmt.Errorf("cache: srem %s: %w", key, err)
	}
	return c.client.SCard(ctx, key).Result()
}

func (c *Cache) SetCardinality(ctx context.Context, key string) (int64, error) {
	if !c.IsEnabled() {
		return 0, nil
	}
	return c.client.SCard(ctx, key).Result()
}

func (c *Cache) SetMembers(ctx context.Context, key string) ([]string, error) {
	if !c.IsEnabled() {
		return nil, nil
	}
	return c.client.SMembers(ctx, key).Result()
}
