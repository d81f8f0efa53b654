// Package models defines the core data structures used across PostPulse.
package models

import "time"

// Tool identifies an AI generation tool offered by the product.
type Tool string

const (
	ToolHook    Tool = "hook"    // LinkedIn hook generator
	ToolPost    Tool = "post"    // Full post writer
	ToolProfile Tool = "profile" // Profile headline/about optimizer
	ToolTrends  Tool = "trends"  // Industry trend analysis
)

// Valid reports whether t is one of the known tools.
func (t Tool) Valid() bool {
	switch t {
	case ToolHook, ToolPost, ToolProfile, ToolTrends:
		return true
	}
	return false
}

// Subscription statuses as delivered by the billing provider.
const (
	SubStatusActive    = "active"
	SubStatusTrialing  = "trialing"
	SubStatusPastDue   = "past_due"
	SubStatusCancelled = "cancelled"
	SubStatusExpired   = "expired"
	SubStatusPaused    = "paused"
)

// UserProfile is the durable per-user record backing the credit ledger and
// Pro entitlement. A profile is created lazily on the first authenticated
// gated request or on the first billing webhook grant, and is never deleted.
type UserProfile struct {
	ID          string `json:"id" db:"id"`
	IsPro       bool   `json:"is_pro" db:"is_pro"`
	CreditsUsed int    `json:"credits_used" db:"credits_used"`

	// External billing-provider identifiers, set on the first successful
	// payment event. The subscription ID is the lookup key for lifecycle
	// events that do not carry our user ID.
	BillingCustomerID     string `json:"billing_customer_id,omitempty" db:"billing_customer_id"`
	BillingSubscriptionID string `json:"billing_subscription_id,omitempty" db:"billing_subscription_id"`

	PlanType           string     `json:"plan_type,omitempty" db:"plan_type"`
	SubscriptionStatus string     `json:"subscription_status,omitempty" db:"subscription_status"`
	SubscriptionStart  *time.Time `json:"subscription_start,omitempty" db:"subscription_start"`
	SubscriptionRenews *time.Time `json:"subscription_renews,omitempty" db:"subscription_renews"`
	SubscriptionEnds   *time.Time `json:"subscription_ends,omitempty" db:"subscription_ends"`

	// LastEventAt is the provider timestamp of the last applied lifecycle
	// event, used to reject stale out-of-order webhook deliveries.
	LastEventAt *time.Time `json:"-" db:"last_event_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// GenerationRequest records metadata for a single completed generation.
// Prompt content and generated content are NEVER stored.
type GenerationRequest struct {
	ID         string    `json:"id" db:"id"`
	Tool       Tool      `json:"tool" db:"tool"`
	UserID     string    `json:"user_id,omitempty" db:"user_id"`
	Guest      bool      `json:"guest" db:"guest"`
	Model      string    `json:"model" db:"model"`
	LatencyMs  int64     `json:"latency_ms" db:"latency_ms"`
	StatusCode int       `json:"status_code" db:"status_code"`
	Timestamp  time.Time `json:"timestamp" db:"timestamp"`
}

// UsageSummary provides aggregated request data per tool over a period.
type UsageSummary struct {
	Tool          Tool    `json:"tool"`
	TotalRequests int64   `json:"total_requests"`
	GuestRequests int64   `json:"guest_requests"`
	UserRequests  int64   `json:"user_requests"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
}
