package quota

import (
	"context"
	"errors"
	"log"

	"github.com/postpulse/postpulse/pkg/models"
)

// FreeCredits is the lifetime free-tier generation budget for authenticated
// users. Credits do not replenish.
const FreeCredits = 5

// ProfileStore is the durable profile backend used by the credit ledger,
// implemented by the PostgreSQL layer. ConsumeCredit must be atomic with
// respect to concurrent requests for the same user: at the last remaining
// credit, exactly one of two simultaneous callers may succeed.
type ProfileStore interface {
	EnsureProfile(ctx context.Context, userID string) error
	GetProfile(ctx context.Context, userID string) (*models.UserProfile, error)
	ConsumeCredit(ctx context.Context, userID string, limit int) (used int, consumed bool, err error)
}

// CreditDecision is the outcome of an authenticated credit check.
type CreditDecision struct {
	Allowed      bool
	Pro          bool
	Used         int
	Limit        int
	OutOfCredits bool
	Err          error // storage failure; the decision failed closed
}

// Ledger gates authenticated users against the free-tier credit budget,
// with is_pro overriding the budget entirely.
type Ledger struct {
	store ProfileStore
}

// NewLedger creates a credit ledger backed by the given profile store.
func NewLedger(store ProfileStore) *Ledger {
	return &Ledger{store: store}
}

var errStoreUnavailable = errors.New("profile store unavailable")

// CheckAndConsume gates one generation for the given user, consuming a
// credit unless the user is Pro. Any storage error denies the request:
// this path meters billable value, so it fails closed.
func (l *Ledger) CheckAndConsume(ctx context.Context, userID string) CreditDecision {
	if l.store == nil {
		return CreditDecision{Limit: FreeCredits, Err: errStoreUnavailable}
	}

	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	if err := l.store.EnsureProfile(ctx, userID); err != nil {
		log.Printf("[ERROR] quota: ensure profile %s: %v", userID, err)
		return CreditDecision{Limit: FreeCredits, Err: err}
	}

	p, err := l.store.GetProfile(ctx, userID)
	if err != nil {
		log.Printf("[ERROR] quota: get profile %s: %v", userID, err)
		return CreditDecision{Limit: FreeCredits, Err: err}
	}

	if p.IsPro {
		// Unlimited; the counter is not consulted and never mutated.
		return CreditDecision{Allowed: true, Pro: true, Used: p.CreditsUsed, Limit: FreeCredits}
	}

	used, consumed, err := l.store.ConsumeCredit(ctx, userID, FreeCredits)
	if err != nil {
		log.Printf("[ERROR] quota: consume credit %s: %v", userID, err)
		return CreditDecision{Limit: FreeCredits, Err: err}
	}
	if consumed {
		return CreditDecision{Allowed: true, Used: used, Limit: FreeCredits}
	}

	// No row matched: out of credits, or a webhook flipped the user to Pro
	// between the read and the conditional update.
	p, err = l.store.GetProfile(ctx, userID)
	if err != nil {
		log.Printf("[ERROR] quota: re-read profile %s: %v", userID, err)
		return CreditDecision{Limit: FreeCredits, Err: err}
	}
	if p.IsPro {
		return CreditDecision{Allowed: true, Pro: true, Used: p.CreditsUsed, Limit: FreeCredits}
	}

	return CreditDecision{OutOfCredits: true, Used: p.CreditsUsed, Limit: FreeCredits}
}
