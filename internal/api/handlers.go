// Package api implements the REST API endpoints for account state and the
// PostPulse admin dashboard.
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"

	"github.com/postpulse/postpulse/internal/gate"
	"github.com/postpulse/postpulse/internal/quota"
	"github.com/postpulse/postpulse/pkg/models"
)

// Store is the read-only data access these endpoints need, implemented by
// the PostgreSQL layer. Account and usage reads never consume credits, so
// no credit-mutating method appears here.
type Store interface {
	GetProfile(ctx context.Context, userID string) (*models.UserProfile, error)
	GetUsageSummary(ctx context.Context, from, to time.Time) ([]models.UsageSummary, error)
}

// Handlers provides REST API endpoint handlers.
type Handlers struct {
	db       Store
	verifier gate.TokenVerifier
}

// NewHandlers creates a new Handlers instance. db may be nil when the
// database is unavailable; the endpoints then respond 503.
func NewHandlers(db Store, verifier gate.TokenVerifier) *Handlers {
	return &Handlers{db: db, verifier: verifier}
}

// HealthCheck returns the service health status.
func (h *Handlers) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "postpulse",
		"version": "0.1.0",
	})
}

// requireDB returns true if the database is available, or sends a 503 and returns false.
func (h *Handlers) requireDB(c *gin.Context) bool {
	if h.db == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "database unavailable"})
		return false
	}
	return true
}

// MyUsage returns the authenticated caller's credit balance and plan.
// Reads never consume a credit.
func (h *Handlers) MyUsage(c *gin.Context) {
	if !h.requireDB(c) {
		return
	}

	auth := c.GetHeader("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") || h.verifier == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "UNAUTHENTICATED"})
		return
	}
	userID, err := h.verifier.Verify(c.Request.Context(), strings.TrimSpace(auth[len("Bearer "):]))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "UNAUTHENTICATED"})
		return
	}

	p, err := h.db.GetProfile(c.Request.Context(), userID)
	if errors.Is(err, pgx.ErrNoRows) {
		// No gated request yet; report the untouched free tier.
		c.JSON(http.StatusOK, gin.H{
			"user_id":           userID,
			"is_pro":            false,
			"credits_used":      0,
			"credits_remaining": quota.FreeCredits,
			"credits_limit":     quota.FreeCredits,
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	remaining := quota.FreeCredits - p.CreditsUsed
	if remaining < 0 {
		remaining = 0
	}
	c.JSON(http.StatusOK, gin.H{
		"user_id":             p.ID,
		"is_pro":              p.IsPro,
		"credits_used":        p.CreditsUsed,
		"credits_remaining":   remaining,
		"credits_limit":       quota.FreeCredits,
		"plan_type":           p.PlanType,
		"subscription_status": p.SubscriptionStatus,
		"subscription_renews": p.SubscriptionRenews,
	})
}

// GetProfile retrieves a specific user profile. Admin only.
func (h *Handlers) GetProfile(c *gin.Context) {
	if !h.requireDB(c) {
		return
	}

	p, err := h.db.GetProfile(c.Request.Context(), c.Param("id"))
	if errors.Is(err, pgx.ErrNoRows) {
		c.JSON(http.StatusNotFound, gin.H{"error": "profile not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, p)
}

// GetUsageSummary returns aggregated per-tool generation data. Admin only.
// Query params: from, to (RFC3339, default last 30 days).
func (h *Handlers) GetUsageSummary(c *gin.Context) {
	if !h.requireDB(c) {
		return
	}

	fromStr := c.DefaultQuery("from", time.Now().AddDate(0, -1, 0).Format(time.RFC3339))
	toStr := c.DefaultQuery("to", time.Now().Format(time.RFC3339))

	from, err := time.Parse(time.RFC3339, fromStr)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid 'from' date format, use RFC3339"})
		return
	}
	to, err := time.Parse(time.RFC3339, toStr)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid 'to' date format, use RFC3339"})
		return
	}

	summaries, err := h.db.GetUsageSummary(c.Request.Context(), from, to)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"from": from,
		"to":   to,
		"data": summaries,
	})
}
