// Package billing converts billing-provider webhook events into profile
// mutations. It runs independently of and asynchronously to the request-time
// usage gate: webhook delivery is at-least-once and possibly out of order,
// so every transition must be idempotent and guarded against stale events.
package billing

import (
	"time"

	"github.com/postpulse/postpulse/pkg/models"
)

// Billing provider event names.
const (
	EventSubscriptionCreated   = "subscription_created"
	EventSubscriptionUpdated   = "subscription_updated"
	EventSubscriptionResumed   = "subscription_resumed"
	EventSubscriptionUnpaused  = "subscription_unpaused"
	EventSubscriptionCancelled = "subscription_cancelled"
	EventSubscriptionExpired   = "subscription_expired"
	EventSubscriptionPaused    = "subscription_paused"
)

// Event is the provider's webhook payload shape.
type Event struct {
	Meta EventMeta `json:"meta"`
	Data EventData `json:"data"`
}

// EventMeta carries the event name and our correlated user ID when the
// checkout flow attached it.
type EventMeta struct {
	EventName  string `json:"event_name"`
	CustomData struct {
		UserID string `json:"user_id"`
	} `json:"custom_data"`
}

// EventData identifies the subscription and its current attributes.
type EventData struct {
	ID         string          `json:"id"` // provider subscription ID
	Attributes EventAttributes `json:"attributes"`
}

// EventAttributes is the subscription state snapshot inside an event.
type EventAttributes struct {
	Status      string     `json:"status"`
	CustomerID  int64      `json:"customer_id"`
	ProductName string     `json:"product_name"`
	VariantName string     `json:"variant_name"`
	CreatedAt   *time.Time `json:"created_at"`
	UpdatedAt   *time.Time `json:"updated_at"`
	RenewsAt    *time.Time `json:"renews_at"`
	EndsAt      *time.Time `json:"ends_at"`
}

// eventClass partitions lifecycle events into grant and revoke transitions.
type eventClass int

const (
	classIgnored eventClass = iota
	classGrant
	classRevoke
)

// classify maps an event to its transition class. An "updated" event grants
// only while the subscription is active or trialing; any other status is a
// revoke. Unknown event names are ignored (no-op success, since providers
// add event types over time).
func (e *Event) classify() eventClass {
	switch e.Meta.EventName {
	case EventSubscriptionCreated, EventSubscriptionResumed, EventSubscriptionUnpaused:
		return classGrant
	case EventSubscriptionUpdated:
		switch e.Data.Attributes.Status {
		case models.SubStatusActive, models.SubStatusTrialing:
			return classGrant
		default:
			return classRevoke
		}
	case EventSubscriptionCancelled, EventSubscriptionExpired, EventSubscriptionPaused:
		return classRevoke
	default:
		return classIgnored
	}
}

// occurredAt returns the provider timestamp used for ordering guards.
func (e *Event) occurredAt() time.Time {
	attrs := e.Data.Attributes
	if attrs.UpdatedAt != nil {
		return *attrs.UpdatedAt
	}
	if attrs.CreatedAt != nil {
		return *attrs.CreatedAt
	}
	return time.Now().UTC()
}

// revokedStatus returns the subscription status a revoke event settles on,
// derived from the event name when the payload omits it.
func (e *Event) revokedStatus() string {
	if s := e.Data.Attributes.Status; s != "" {
		return s
	}
	switch e.Meta.EventName {
	case EventSubscriptionExpired:
		return models.SubStatusExpired
	case EventSubscriptionPaused:
		return models.SubStatusPaused
	default:
		return models.SubStatusCancelled
	}
}
