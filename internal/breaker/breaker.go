// Package breaker implements a best-effort circuit breaker for the upstream
// LLM provider. Breaker state lives in the shared KV store so all service
// replicas see the same view. The breaker is an optimization, never a
// correctness requirement: every operation swallows storage errors so a
// broken breaker can never block a generation request.
package breaker

import (
	"context"
	"log"
	"strconv"
	"time"
)

const (
	// DefaultKey is the single KV entry holding breaker state.
	DefaultKey = "circuit:openai"

	// DefaultThreshold is the failure count at which the breaker opens.
	DefaultThreshold = 5

	// DefaultWindow is how long the breaker stays open after the most
	// recent failure. The key's TTL is anchored to the last failure, so
	// the breaker auto-closes by expiry without an explicit reset write.
	DefaultWindow = 120 * time.Second
)

// Store is the KV backend, implemented by the Redis cache.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	IncrWithExpire(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Delete(ctx context.Context, keys ...string) error
}

// Breaker tracks recent upstream failures in the KV store.
type Breaker struct {
	store     Store
	key       string
	threshold int64
	window    time.Duration
}

// New creates a breaker with the default key, threshold, and window.
// A nil store is tolerated: the breaker then reports closed and records
// nothing.
func New(store Store) *Breaker {
	return &Breaker{
		store:     store,
		key:       DefaultKey,
		threshold: DefaultThreshold,
		window:    DefaultWindow,
	}
}

// IsOpen reports whether requests should be short-circuited. The failure
// counter expires DefaultWindow after the last recorded failure, so a
// present counter implies the last failure is recent.
func (b *Breaker) IsOpen(ctx context.Context) bool {
	if b.store == nil {
		return false
	}
	val, err := b.store.Get(ctx, b.key)
	if err != nil || val == "" {
		return false
	}
	failures, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return false
	}
	return failures >= b.threshold
}

// RecordFailure increments the failure counter and re-anchors its TTL to
// now. A prior failure outside the window has already expired the key, so
// the count restarts at 1 automatically.
func (b *Breaker) RecordFailure(ctx context.Context) {
	if b.store == nil {
		return
	}
	if _, err := b.store.IncrWithExpire(ctx, b.key, b.window); err != nil {
		log.Printf("[WARN] breaker: failed to record failure: %v", err)
	}
}

// Reset zeroes breaker state after a manual or scheduled recovery action.
func (b *Breaker) Reset(ctx context.Context) {
	if b.store == nil {
		return
	}
	if err := b.store.Delete(ctx, b.key); err != nil {
		log.Printf("[WARN] breaker: failed to reset: %v", err)
	}
}
