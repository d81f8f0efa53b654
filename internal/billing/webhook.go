package billing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/postpulse/postpulse/internal/database"
	"github.com/postpulse/postpulse/internal/metrics"
	"github.com/postpulse/postpulse/pkg/models"
)

// maxWebhookBody bounds the raw payload read. Provider events are small;
// anything larger is not a legitimate delivery.
const maxWebhookBody = 1 << 20 // 1 MB

// ProfileStore is the durable profile backend the lifecycle handler mutates,
// implemented by the PostgreSQL layer. All three methods carry the event
// timestamp so the store can reject stale out-of-order deliveries.
type ProfileStore interface {
	GrantPro(ctx context.Context, g database.GrantParams) error
	GrantProBySubscription(ctx context.Context, subscriptionID, status string, renews *time.Time, eventAt time.Time) (bool, error)
	RevokeProBySubscription(ctx context.Context, subscriptionID, status string, ends *time.Time, eventAt time.Time) (bool, error)
}

// Handler processes signed billing webhook deliveries.
type Handler struct {
	store  ProfileStore
	secret []byte
}

// NewHandler creates a webhook handler with the shared signing secret.
func NewHandler(store ProfileStore, secret string) *Handler {
	return &Handler{store: store, secret: []byte(secret)}
}

// VerifySignature checks the HMAC-SHA256 hex digest of the raw body against
// the signature header. The comparison is constant-time: a timing-dependent
// comparison would leak digest bytes to an attacker probing the endpoint.
func (h *Handler) VerifySignature(body []byte, signature string) bool {
	if len(h.secret) == 0 || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// HandleWebhook is the Gin endpoint for provider deliveries. Signature
// failures reject the event outright with no partial processing.
func (h *Handler) HandleWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}
	defer c.Request.Body.Close()

	if !h.VerifySignature(body, c.GetHeader("X-Signature")) {
		metrics.WebhookEvents.WithLabelValues("unknown", "rejected").Inc()
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	var evt Event
	if err := json.Unmarshal(body, &evt); err != nil {
		metrics.WebhookEvents.WithLabelValues("unknown", "malformed").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed event payload"})
		return
	}

	if err := h.Apply(c.Request.Context(), &evt); err != nil {
		log.Printf("[ERROR] billing: applying %s for subscription %s: %v",
			evt.Meta.EventName, evt.Data.ID, err)
		metrics.WebhookEvents.WithLabelValues(evt.Meta.EventName, "error").Inc()
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to process event"})
		return
	}

	metrics.WebhookEvents.WithLabelValues(evt.Meta.EventName, "processed").Inc()
	c.JSON(http.StatusOK, gin.H{"received": true})
}

// Apply runs the subscription state transition for a verified event.
// Revoke-class events for unknown or already-revoked subscriptions are
// no-op successes: delivery is at-least-once, so duplicates and strays
// must not surface as errors.
func (h *Handler) Apply(ctx context.Context, evt *Event) error {
	if h.store == nil {
		return fmt.Errorf("profile store unavailable")
	}
	subID := evt.Data.ID
	if subID == "" {
		return fmt.Errorf("event %s has no subscription id", evt.Meta.EventName)
	}
	eventAt := evt.occurredAt()
	attrs := evt.Data.Attributes

	switch evt.classify() {
	case classGrant:
		status := attrs.Status
		if status == "" {
			status = models.SubStatusActive
		}
		if userID := evt.Meta.CustomData.UserID; userID != "" {
			return h.store.GrantPro(ctx, database.GrantParams{
				UserID:         userID,
				CustomerID:     strconv.FormatInt(attrs.CustomerID, 10),
				SubscriptionID: subID,
				PlanType:       attrs.VariantName,
				Status:         status,
				Start:          attrs.CreatedAt,
				Renews:         attrs.RenewsAt,
				EventAt:        eventAt,
			})
		}
		// No user correlation on the event; fall back to the stored
		// subscription ID from the original grant.
		found, err := h.store.GrantProBySubscription(ctx, subID, status, attrs.RenewsAt, eventAt)
		if err != nil {
			return err
		}
		if !found {
			log.Printf("[WARN] billing: grant for unknown subscription %s ignored", subID)
		}
		return nil

	case classRevoke:
		found, err := h.store.RevokeProBySubscription(ctx, subID, evt.revokedStatus(), attrs.EndsAt, eventAt)
		if err != nil {
			return err
		}
		if !found {
			log.Printf("[INFO] billing: revoke for unknown or stale subscription %s is a no-op", subID)
		}
		return nil

	default:
		log.Printf("[INFO] billing: ignoring event %s", evt.Meta.EventName)
		return nil
	}
}
