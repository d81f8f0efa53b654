// Package gate implements the admission-control boundary consulted by every
// AI generation endpoint before the expensive LLM call is made.
//
// The gate resolves the caller's identity exactly once into a tagged
// Guest/User value, then dispatches to the matching quota path: IP-keyed
// daily counters for guests, the durable credit ledger for authenticated
// users. It performs no LLM calls and no side effects on the AI provider.
package gate

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/postpulse/postpulse/internal/quota"
	"github.com/postpulse/postpulse/pkg/models"
)

// verifyTimeout bounds the credential check so a slow identity provider
// cannot stall the admission path. The quota stores carry their own
// equivalent deadline.
const verifyTimeout = 3 * time.Second

// Reason is a stable machine-readable denial code. Callers map reasons to
// HTTP statuses and user-facing text; the gate never formats human copy.
type Reason string

const (
	ReasonGuestLimit      Reason = "GUEST_LIMIT_REACHED"
	ReasonOutOfCredits    Reason = "OUT_OF_CREDITS"
	ReasonUnauthenticated Reason = "UNAUTHENTICATED"
	ReasonInternal        Reason = "INTERNAL_ERROR"
)

// HTTPStatus returns the HTTP status code callers conventionally map the
// reason to.
func (r Reason) HTTPStatus() int {
	switch r {
	case ReasonGuestLimit:
		return http.StatusTooManyRequests
	case ReasonOutOfCredits:
		return http.StatusForbidden
	case ReasonUnauthenticated:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// IdentityKind tags the two caller identity models.
type IdentityKind string

const (
	IdentityGuest IdentityKind = "guest"
	IdentityUser  IdentityKind = "user"
)

// Identity is the caller identity, resolved once at the top of the gate and
// passed by value through the rest of the call chain.
type Identity struct {
	Kind   IdentityKind
	UserID string // set when Kind == IdentityUser
	IP     string // set when Kind == IdentityGuest
}

// TokenVerifier validates a bearer credential against the external identity
// provider and resolves the user ID.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (userID string, err error)
}

// Result is the uniform admission decision returned to every endpoint.
type Result struct {
	Allowed  bool
	Identity Identity
	Reason   Reason // set when denied
	Status   int    // HTTP status callers should respond with when denied
	Used     int64
	Limit    int64
	Pro      bool
	Note     string // "store unavailable" when the guest path failed open
}

// Gate is the single admission-control entry point.
type Gate struct {
	guests   *quota.GuestTracker
	credits  *quota.Ledger
	verifier TokenVerifier
}

// New creates a gate from its two quota paths and the identity verifier.
func New(guests *quota.GuestTracker, credits *quota.Ledger, verifier TokenVerifier) *Gate {
	return &Gate{guests: guests, credits: credits, verifier: verifier}
}

// ClientIP returns the first entry of the X-Forwarded-For header, falling
// back to loopback when absent.
func ClientIP(r *http.Request) string {
	fwd := r.Header.Get("X-Forwarded-For")
	if fwd == "" {
		return "127.0.0.1"
	}
	if i := strings.IndexByte(fwd, ','); i >= 0 {
		fwd = fwd[:i]
	}
	ip := strings.TrimSpace(fwd)
	if ip == "" {
		return "127.0.0.1"
	}
	return ip
}

// bearerToken extracts the credential from the Authorization header. The
// second return value reports whether any credential was supplied at all,
// so a malformed header is treated as an invalid credential rather than as
// an anonymous request.
func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", false
	}
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(auth[len("Bearer "):]), true
	}
	return "", true
}

// Enforce decides whether the request may consume a unit of AI capacity,
// atomically recording consumption on allow. Terminal per request; the
// gate performs no retries.
func (g *Gate) Enforce(ctx context.Context, r *http.Request, tool models.Tool) Result {
	token, present := bearerToken(r)

	if !present {
		ident := Identity{Kind: IdentityGuest, IP: ClientIP(r)}
		d := g.guests.CheckAndConsume(ctx, ident.IP, tool)
		if !d.Allowed {
			return Result{
				Identity: ident,
				Reason:   ReasonGuestLimit,
				Status:   ReasonGuestLimit.HTTPStatus(),
				Used:     d.Used,
				Limit:    d.Limit,
			}
		}
		return Result{Allowed: true, Identity: ident, Used: d.Used, Limit: d.Limit, Note: d.Err}
	}

	if g.verifier == nil || token == "" {
		if g.verifier == nil {
			log.Printf("[WARN] gate: no token verifier configured, rejecting credential")
		}
		return Result{Reason: ReasonUnauthenticated, Status: ReasonUnauthenticated.HTTPStatus()}
	}

	verifyCtx, cancel := context.WithTimeout(ctx, verifyTimeout)
	userID, err := g.verifier.Verify(verifyCtx, token)
	cancel()
	if err != nil {
		// Invalid or expired credential: deny before any quota check.
		return Result{Reason: ReasonUnauthenticated, Status: ReasonUnauthenticated.HTTPStatus()}
	}

	ident := Identity{Kind: IdentityUser, UserID: userID}
	d := g.credits.CheckAndConsume(ctx, userID)
	if d.Err != nil {
		return Result{
			Identity: ident,
			Reason:   ReasonInternal,
			Status:   ReasonInternal.HTTPStatus(),
			Used:     int64(d.Used),
			Limit:    int64(d.Limit),
		}
	}
	if !d.Allowed {
		return Result{
			Identity: ident,
			Reason:   ReasonOutOfCredits,
			Status:   ReasonOutOfCredits.HTTPStatus(),
			Used:     int64(d.Used),
			Limit:    int64(d.Limit),
		}
	}
	return Result{
		Allowed:  true,
		Identity: ident,
		Used:     int64(d.Used),
		Limit:    int64(d.Limit),
		Pro:      d.Pro,
	}
}
