// Package cache provides a Redis client wrapper for quota tracking and
// caching in PostPulse. It supports atomic counter operations for guest
// quota enforcement, fixed-window rate limiting, and circuit breaker state.
package cache

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache wraps a Redis client with PostPulse-specific operations.
type Cache struct {
	client *redis.Client
}

// New creates a new Redis cache client connected to the given address.
// The addr should be in "host:port" format. Client-level timeouts bound
// every call so a slow Redis cannot stall the admission-control path.
func New(ctx context.Context, addr, password string) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     20,
		MinIdleConns: 5,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("cache: failed to connect to Redis at %s: %w", addr, err)
	}

	log.Printf("cache: connected to Redis at %s", addr)
	return &Cache{client: client}, nil
}

// Close gracefully shuts down the Redis client connection.
func (c *Cache) Close() error {
	if c.client != nil {
		log.Println("cache: closing Redis connection")
		return c.client.Close()
	}
	return nil
}

// Get retrieves a value from the cache by key.
// Returns an empty string and no error if the key does not exist.
func (c *Cache) Get(ctx context.Context, key string) (string, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("cache: get %q: %w", key, err)
	}
	return val, nil
}

// Set stores a key-value pair in the cache with the given TTL.
// A zero TTL means the key will not expire.
func (c *Cache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache: set %q: %w", key, err)
	}
	return nil
}

// Delete removes one or more keys from the cache.
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("cache: delete: %w", err)
	}
	return nil
}

// Incr atomically increments the integer value stored at key, creating it
// at 1 if absent.
func (c *Cache) Incr(ctx context.Context, key string) (int64, error) {
	val, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("cache: incr %q: %w", key, err)
	}
	return val, nil
}

// Expire sets a TTL on an existing key.
func (c *Cache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := c.client.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("cache: expire %q: %w", key, err)
	}
	return nil
}

// IncrWithExpire atomically increments a key and refreshes its TTL in a
// single pipelined round-trip. The TTL is reset on every call, giving a
// window anchored to the most recent increment.
func (c *Cache) IncrWithExpire(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("cache: incr with expire %q: %w", key, err)
	}
	return incr.Val(), nil
}

// checkAndConsumeLua performs the whole quota check-and-consume step in one
// atomic script: it denies without incrementing when the counter is already
// at the limit, and otherwise increments, setting the TTL only when this
// increment created the key. Setting the TTL once anchors the rolling
// window to first use rather than extending it on every request.
var checkAndConsumeLua = redis.NewScript(`
	local count = tonumber(redis.call('GET', KEYS[1]) or '0')
	if count >= tonumber(ARGV[1]) then
		return {count, 0}
	end
	count = redis.call('INCR', KEYS[1])
	if count == 1 then
		redis.call('EXPIRE', KEYS[1], ARGV[2])
	end
	return {count, 1}
`)

// CheckAndConsume atomically consumes one unit from the counter at key,
// bounded by limit, starting a fresh window of the given duration when the
// key is created. It returns the resulting count and whether the unit was
// granted. Two concurrent callers at the boundary can never both be
// admitted for a single remaining slot, and denial never increments.
func (c *Cache) CheckAndConsume(ctx context.Context, key string, limit int64, window time.Duration) (int64, bool, error) {
	windowSeconds := int(window / time.Second)

	result, err := checkAndConsumeLua.Run(ctx, c.client, []string{key}, limit, windowSeconds).Result()
	if err != nil {
		return 0, false, fmt.Errorf("cache: check and consume %q: %w", key, err)
	}

	vals, ok := result.([]interface{})
	if !ok || len(vals) != 2 {
		return 0, false, fmt.Errorf("cache: unexpected result shape from quota script")
	}
	count, _ := vals[0].(int64)
	granted, _ := vals[1].(int64)
	return count, granted == 1, nil
}

// rateLimitLua atomically increments the counter and sets TTL only on the
// first request in the window. This prevents the TTL from being extended by
// subsequent requests, which would cause callers to be blocked longer than
// the intended window.
var rateLimitLua = redis.NewScript(`
	local count = redis.call('INCR', KEYS[1])
	if count == 1 then
		redis.call('EXPIRE', KEYS[1], ARGV[1])
	end
	return count
`)

// RateLimitCheck performs a fixed-window rate limit check for a given key.
// It returns true if the request is allowed (under limit), false if
// rate-limited. The window TTL is set once on the first request and not
// extended by subsequent ones.
func (c *Cache) RateLimitCheck(ctx context.Context, key string, maxRequests int64, window time.Duration) (bool, error) {
	rateLimitKey := fmt.Sprintf("ratelimit:%s", key)
	windowSeconds := int(window / time.Second)

	result, err := rateLimitLua.Run(ctx, c.client, []string{rateLimitKey}, windowSeconds).Int64()
	if err != nil {
		return false, fmt.Errorf("cache: rate limit check: %w", err)
	}

	return result <= maxRequests, nil
}

// Client returns the underlying Redis client for advanced operations.
func (c *Cache) Client() *redis.Client {
	return c.client
}
