package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/postpulse/postpulse/pkg/models"
)

// EnsureProfile lazily creates a profile row with free-tier defaults.
// The insert is idempotent, so racing first-time requests for the same user
// cannot corrupt state.
func (db *DB) EnsureProfile(ctx context.Context, userID string) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO profiles (id) VALUES ($1)
		ON CONFLICT (id) DO NOTHING
	`, userID)
	if err != nil {
		return fmt.Errorf("ensuring profile %s: %w", userID, err)
	}
	return nil
}

// GetProfile retrieves a profile by user ID.
func (db *DB) GetProfile(ctx context.Context, userID string) (*models.UserProfile, error) {
	var p models.UserProfile
	err := db.Pool.QueryRow(ctx, `
		SELECT id, is_pro, credits_used,
		       COALESCE(billing_customer_id, ''), COALESCE(billing_subscription_id, ''),
		       COALESCE(plan_type, ''), COALESCE(subscription_status, ''),
		       subscription_start, subscription_renews, subscription_ends,
		       last_event_at, created_at, updated_at
		FROM profiles WHERE id = $1
	`, userID).Scan(
		&p.ID, &p.IsPro, &p.CreditsUsed,
		&p.BillingCustomerID, &p.BillingSubscriptionID,
		&p.PlanType, &p.SubscriptionStatus,
		&p.SubscriptionStart, &p.SubscriptionRenews, &p.SubscriptionEnds,
		&p.LastEventAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ConsumeCredit atomically consumes one free-tier credit for the given user,
// bounded by limit. The conditional UPDATE is the atomicity point: two
// concurrent requests at the last remaining credit can never both match the
// credits_used < limit predicate. Returns the post-increment count and
// whether a credit was consumed; (0, false, nil) means no row matched, i.e.
// the user is out of credits or became Pro concurrently.
func (db *DB) ConsumeCredit(ctx context.Context, userID string, limit int) (int, bool, error) {
	var used int
	err := db.Pool.QueryRow(ctx, `
		UPDATE profiles
		SET credits_used = credits_used + 1, updated_at = NOW()
		WHERE id = $1 AND NOT is_pro AND credits_used < $2
		RETURNING credits_used
	`, userID, limit).Scan(&used)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("consuming credit for %s: %w", userID, err)
	}
	return used, true, nil
}

// GrantParams carries the profile mutation for a grant-class billing event.
type GrantParams struct {
	UserID         string
	CustomerID     string
	SubscriptionID string
	PlanType       string
	Status         string
	Start          *time.Time
	Renews         *time.Time
	EventAt        time.Time
}

// GrantPro flips a profile to Pro and stores the billing identifiers,
// creating the profile if the webhook arrives before the user's first gated
// request. The last_event_at guard rejects stale out-of-order deliveries: a
// grant only applies when it is strictly newer than the last applied event.
func (db *DB) GrantPro(ctx context.Context, g GrantParams) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO profiles (
			id, is_pro, billing_customer_id, billing_subscription_id,
			plan_type, subscription_status, subscription_start,
			subscription_renews, last_event_at
		) VALUES ($1, TRUE, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE
		SET is_pro = TRUE,
		    billing_customer_id = EXCLUDED.billing_customer_id,
		    billing_subscription_id = EXCLUDED.billing_subscription_id,
		    plan_type = EXCLUDED.plan_type,
		    subscription_status = EXCLUDED.subscription_status,
		    subscription_start = COALESCE(EXCLUDED.subscription_start, profiles.subscription_start),
		    subscription_renews = EXCLUDED.subscription_renews,
		    subscription_ends = NULL,
		    last_event_at = EXCLUDED.last_event_at,
		    updated_at = NOW()
		WHERE profiles.last_event_at IS NULL OR profiles.last_event_at < EXCLUDED.last_event_at
	`, g.UserID, g.CustomerID, g.SubscriptionID, g.PlanType, g.Status,
		g.Start, g.Renews, g.EventAt)
	if err != nil {
		return fmt.Errorf("granting pro for %s: %w", g.UserID, err)
	}
	return nil
}

// GrantProBySubscription re-activates Pro via the subscription ID when the
// event does not carry our user ID. Returns false when no profile references
// the subscription.
func (db *DB) GrantProBySubscription(ctx context.Context, subscriptionID, status string, renews *time.Time, eventAt time.Time) (bool, error) {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE profiles
		SET is_pro = TRUE,
		    subscription_status = $2,
		    subscription_renews = COALESCE($3, subscription_renews),
		    subscription_ends = NULL,
		    last_event_at = $4,
		    updated_at = NOW()
		WHERE billing_subscription_id = $1
		  AND (last_event_at IS NULL OR last_event_at < $4)
	`, subscriptionID, status, renews, eventAt)
	if err != nil {
		return false, fmt.Errorf("granting pro by subscription %s: %w", subscriptionID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// RevokeProBySubscription revokes Pro for the profile referencing the given
// subscription ID. Revokes are dominant: at equal event timestamps the
// revoke still applies (last_event_at <= eventAt), so a duplicated or
// replayed revoke is an idempotent no-op success rather than an error.
// Returns false when no profile references the subscription, which callers
// must treat as success since webhook delivery is at-least-once.
func (db *DB) RevokeProBySubscription(ctx context.Context, subscriptionID, status string, ends *time.Time, eventAt time.Time) (bool, error) {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE profiles
		SET is_pro = FALSE,
		    subscription_status = $2,
		    subscription_ends = COALESCE($3, subscription_ends),
		    last_event_at = $4,
		    updated_at = NOW()
		WHERE billing_subscription_id = $1
		  AND (last_event_at IS NULL OR last_event_at <= $4)
	`, subscriptionID, status, ends, eventAt)
	if err != nil {
		return false, fmt.Errorf("revoking pro by subscription %s: %w", subscriptionID, err)
	}
	return tag.RowsAffected() > 0, nil
}
