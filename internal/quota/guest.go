// Package quota implements usage quotas for AI generation requests.
//
// Two meters exist with deliberately different failure policies. The guest
// tracker enforces per-IP daily limits for anonymous callers and fails open
// when Redis is unreachable: an outage of the quota store must not take the
// product down for visitors, and the cost of temporary generosity is
// bounded. The credit ledger meters authenticated users against a durable
// free-tier budget and fails closed: a storage error on that path would
// otherwise become a free-unlimited-usage exploit. The asymmetry is
// intentional and must not be unified into a generic fallback helper.
package quota

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/postpulse/postpulse/pkg/models"
)

// GuestWindow is the rolling quota window for anonymous callers, anchored
// to the first use of each (ip, tool) pair rather than a clock boundary.
const GuestWindow = 24 * time.Hour

// storeTimeout bounds every store call on the admission path so a slow
// dependency cannot stall request handling.
const storeTimeout = 3 * time.Second

// StoreUnavailable is the note carried on fail-open guest decisions when
// the quota store cannot be reached.
const StoreUnavailable = "store unavailable"

// CounterStore is the atomic counter backend used for guest quotas,
// implemented by the Redis cache. CheckAndConsume must be atomic with
// respect to concurrent callers on the same key and must not increment
// when the limit is already reached.
type CounterStore interface {
	CheckAndConsume(ctx context.Context, key string, limit int64, window time.Duration) (count int64, allowed bool, err error)
}

// GuestDecision is the outcome of a guest quota check.
type GuestDecision struct {
	Allowed bool
	Used    int64
	Limit   int64
	Err     string // set to StoreUnavailable on a fail-open decision
}

// GuestTracker enforces per-IP, per-tool daily quotas for unauthenticated use.
type GuestTracker struct {
	store  CounterStore
	limits map[models.Tool]int64
}

// NewGuestTracker creates a tracker with the product's guest limits.
// Tools absent from the limit table are not available to guests. A nil
// store is tolerated and treated as unreachable (fail open).
func NewGuestTracker(store CounterStore) *GuestTracker {
	return &GuestTracker{
		store: store,
		limits: map[models.Tool]int64{
			models.ToolHook: 1,
			models.ToolPost: 3,
		},
	}
}

// GuestKey builds the counter key for an (ip, tool) pair.
func GuestKey(ip string, tool models.Tool) string {
	return fmt.Sprintf("guest:%s:%s", ip, tool)
}

// CheckAndConsume consumes one guest quota unit for the given IP and tool.
// Denial never increments the stored counter, so Used stays meaningful for
// client display.
func (t *GuestTracker) CheckAndConsume(ctx context.Context, ip string, tool models.Tool) GuestDecision {
	limit := t.limits[tool]
	if limit <= 0 {
		// Tool is sign-in only; no counter exists for it.
		return GuestDecision{Allowed: false, Used: 0, Limit: 0}
	}

	if t.store == nil {
		return GuestDecision{Allowed: true, Used: 0, Limit: limit, Err: StoreUnavailable}
	}

	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	count, allowed, err := t.store.CheckAndConsume(ctx, GuestKey(ip, tool), limit, GuestWindow)
	if err != nil {
		log.Printf("[WARN] quota: guest check for %s/%s failed open: %v", ip, tool, err)
		return GuestDecision{Allowed: true, Used: 0, Limit: limit, Err: StoreUnavailable}
	}

	return GuestDecision{Allowed: allowed, Used: count, Limit: limit}
}
