package billing

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/postpulse/postpulse/internal/database"
	"github.com/postpulse/postpulse/pkg/models"
)

const testSecret = "whsec_test"

// memStore mirrors the timestamp-guard semantics of the SQL layer: grants
// require a strictly newer event, revokes apply at equal-or-newer
// timestamps (revoke-dominant at ties).
type memStore struct {
	mu       sync.Mutex
	profiles map[string]*models.UserProfile
}

func newMemStore() *memStore {
	return &memStore{profiles: make(map[string]*models.UserProfile)}
}

func (s *memStore) GrantPro(_ context.Context, g database.GrantParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[g.UserID]
	if !ok {
		p = &models.UserProfile{ID: g.UserID}
		s.profiles[g.UserID] = p
	}
	if p.LastEventAt != nil && !p.LastEventAt.Before(g.EventAt) {
		return nil
	}
	p.IsPro = true
	p.BillingCustomerID = g.CustomerID
	p.BillingSubscriptionID = g.SubscriptionID
	p.PlanType = g.PlanType
	p.SubscriptionStatus = g.Status
	p.SubscriptionRenews = g.Renews
	p.SubscriptionEnds = nil
	eventAt := g.EventAt
	p.LastEventAt = &eventAt
	return nil
}

func (s *memStore) GrantProBySubscription(_ context.Context, subID, status string, renews *time.Time, eventAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.bySubscription(subID)
	if p == nil {
		return false, nil
	}
	if p.LastEventAt != nil && !p.LastEventAt.Before(eventAt) {
		return false, nil
	}
	p.IsPro = true
	p.SubscriptionStatus = status
	if renews != nil {
		p.SubscriptionRenews = renews
	}
	p.SubscriptionEnds = nil
	p.LastEventAt = &eventAt
	return true, nil
}

func (s *memStore) RevokeProBySubscription(_ context.Context, subID, status string, ends *time.Time, eventAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.bySubscription(subID)
	if p == nil {
		return false, nil
	}
	if p.LastEventAt != nil && p.LastEventAt.After(eventAt) {
		return false, nil
	}
	p.IsPro = false
	p.SubscriptionStatus = status
	if ends != nil {
		p.SubscriptionEnds = ends
	}
	p.LastEventAt = &eventAt
	return true, nil
}

func (s *memStore) bySubscription(subID string) *models.UserProfile {
	for _, p := range s.profiles {
		if p.BillingSubscriptionID == subID {
			return p
		}
	}
	return nil
}

func (s *memStore) profile(userID string) models.UserProfile {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.profiles[userID]; ok {
		return *p
	}
	return models.UserProfile{}
}

func sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func makeEvent(name, subID, userID, status string, updatedAt time.Time) *Event {
	evt := &Event{}
	evt.Meta.EventName = name
	evt.Meta.CustomData.UserID = userID
	evt.Data.ID = subID
	evt.Data.Attributes.Status = status
	evt.Data.Attributes.CustomerID = 9001
	evt.Data.Attributes.VariantName = "Pro Monthly"
	evt.Data.Attributes.UpdatedAt = &updatedAt
	return evt
}

func TestVerifySignature(t *testing.T) {
	h := NewHandler(newMemStore(), testSecret)
	body := []byte(`{"meta":{"event_name":"subscription_created"}}`)

	if !h.VerifySignature(body, sign(body, testSecret)) {
		t.Error("expected valid signature to verify")
	}
	if h.VerifySignature(body, sign(body, "wrong-secret")) {
		t.Error("expected signature from wrong secret to fail")
	}
	if h.VerifySignature(body, "") {
		t.Error("expected missing signature to fail")
	}

	empty := NewHandler(newMemStore(), "")
	if empty.VerifySignature(body, sign(body, "")) {
		t.Error("expected verification to fail with no configured secret")
	}
}

func postWebhook(t *testing.T, h *Handler, body []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/webhooks/billing", h.HandleWebhook)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/billing", bytes.NewReader(body))
	if signature != "" {
		req.Header.Set("X-Signature", signature)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandleWebhook_CreatedGrantsPro(t *testing.T) {
	store := newMemStore()
	h := NewHandler(store, testSecret)

	evt := makeEvent(EventSubscriptionCreated, "sub-1", "user-1", models.SubStatusActive, time.Now())
	body, _ := json.Marshal(evt)

	w := postWebhook(t, h, body, sign(body, testSecret))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	p := store.profile("user-1")
	if !p.IsPro {
		t.Error("expected is_pro=true after created event")
	}
	if p.BillingSubscriptionID != "sub-1" || p.BillingCustomerID != "9001" {
		t.Errorf("expected billing ids to be stored, got sub=%q customer=%q",
			p.BillingSubscriptionID, p.BillingCustomerID)
	}
}

func TestHandleWebhook_BadSignatureRejected(t *testing.T) {
	store := newMemStore()
	h := NewHandler(store, testSecret)

	evt := makeEvent(EventSubscriptionCreated, "sub-1", "user-1", models.SubStatusActive, time.Now())
	body, _ := json.Marshal(evt)

	w := postWebhook(t, h, body, sign(body, "attacker-secret"))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if store.profile("user-1").IsPro {
		t.Error("no state may be mutated on signature failure")
	}
}

func TestHandleWebhook_MissingSignatureRejected(t *testing.T) {
	h := NewHandler(newMemStore(), testSecret)

	evt := makeEvent(EventSubscriptionCreated, "sub-1", "user-1", models.SubStatusActive, time.Now())
	body, _ := json.Marshal(evt)

	if w := postWebhook(t, h, body, ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestApply_CancelledRevokes(t *testing.T) {
	store := newMemStore()
	h := NewHandler(store, testSecret)
	ctx := context.Background()

	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := h.Apply(ctx, makeEvent(EventSubscriptionCreated, "sub-1", "user-1", models.SubStatusActive, t0)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := h.Apply(ctx, makeEvent(EventSubscriptionCancelled, "sub-1", "", models.SubStatusCancelled, t0.Add(time.Hour))); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	p := store.profile("user-1")
	if p.IsPro {
		t.Error("expected is_pro=false after cancellation")
	}
	if p.SubscriptionStatus != models.SubStatusCancelled {
		t.Errorf("expected cancelled status, got %q", p.SubscriptionStatus)
	}
}

func TestApply_ReplayedCancellationIsIdempotent(t *testing.T) {
	store := newMemStore()
	h := NewHandler(store, testSecret)
	ctx := context.Background()

	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h.Apply(ctx, makeEvent(EventSubscriptionCreated, "sub-1", "user-1", models.SubStatusActive, t0))

	cancelled := makeEvent(EventSubscriptionCancelled, "sub-1", "", models.SubStatusCancelled, t0.Add(time.Hour))
	if err := h.Apply(ctx, cancelled); err != nil {
		t.Fatalf("unexpected error on first delivery: %v", err)
	}
	if err := h.Apply(ctx, cancelled); err != nil {
		t.Fatalf("replayed delivery must not error: %v", err)
	}
	if store.profile("user-1").IsPro {
		t.Error("expected is_pro=false after replay")
	}
}

func TestApply_RevokeUnknownSubscriptionIsNoop(t *testing.T) {
	h := NewHandler(newMemStore(), testSecret)

	evt := makeEvent(EventSubscriptionExpired, "sub-unknown", "", models.SubStatusExpired, time.Now())
	if err := h.Apply(context.Background(), evt); err != nil {
		t.Errorf("revoke for unknown subscription must be a no-op success, got %v", err)
	}
}

func TestApply_StaleExpiredDoesNotRevokeNewerGrant(t *testing.T) {
	store := newMemStore()
	h := NewHandler(store, testSecret)
	ctx := context.Background()

	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	// The logically newer created event arrives first.
	h.Apply(ctx, makeEvent(EventSubscriptionCreated, "sub-1", "user-1", models.SubStatusActive, t0.Add(time.Hour)))

	// A stale expired event from before the grant arrives late.
	if err := h.Apply(ctx, makeEvent(EventSubscriptionExpired, "sub-1", "", models.SubStatusExpired, t0)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !store.profile("user-1").IsPro {
		t.Error("stale expired event must not revoke a newer grant")
	}
}

func TestApply_UpdatedPastDueRevokes(t *testing.T) {
	store := newMemStore()
	h := NewHandler(store, testSecret)
	ctx := context.Background()

	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h.Apply(ctx, makeEvent(EventSubscriptionCreated, "sub-1", "user-1", models.SubStatusActive, t0))
	h.Apply(ctx, makeEvent(EventSubscriptionUpdated, "sub-1", "", models.SubStatusPastDue, t0.Add(time.Hour)))

	p := store.profile("user-1")
	if p.IsPro {
		t.Error("expected past_due update to revoke pro")
	}
}

func TestApply_UpdatedActiveRefreshesBySubscription(t *testing.T) {
	store := newMemStore()
	h := NewHandler(store, testSecret)
	ctx := context.Background()

	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h.Apply(ctx, makeEvent(EventSubscriptionCreated, "sub-1", "user-1", models.SubStatusActive, t0))
	h.Apply(ctx, makeEvent(EventSubscriptionCancelled, "sub-1", "", models.SubStatusCancelled, t0.Add(time.Hour)))

	// Provider reactivates; the event carries no user correlation.
	if err := h.Apply(ctx, makeEvent(EventSubscriptionUpdated, "sub-1", "", models.SubStatusActive, t0.Add(2*time.Hour))); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !store.profile("user-1").IsPro {
		t.Error("expected active update to re-grant pro via subscription lookup")
	}
}

func TestApply_UnknownEventIgnored(t *testing.T) {
	store := newMemStore()
	h := NewHandler(store, testSecret)

	evt := makeEvent("order_created", "sub-1", "user-1", "", time.Now())
	if err := h.Apply(context.Background(), evt); err != nil {
		t.Errorf("unknown events must be ignored without error, got %v", err)
	}
	if store.profile("user-1").IsPro {
		t.Error("unknown events must not mutate state")
	}
}

func TestApply_MissingSubscriptionIDErrors(t *testing.T) {
	h := NewHandler(newMemStore(), testSecret)

	evt := makeEvent(EventSubscriptionCreated, "", "user-1", models.SubStatusActive, time.Now())
	if err := h.Apply(context.Background(), evt); err == nil {
		t.Error("expected error for event without subscription id")
	}
}
