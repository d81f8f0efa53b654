// Package auth validates bearer credentials issued by the external identity
// provider. The provider is treated as authoritative: this service never
// mints tokens, it only verifies them and resolves the subject.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// jwksFetchTimeout bounds JWKS refresh fetches. Without it a hung provider
// endpoint would stall every authenticated admission check behind the
// synchronous cache refresh.
const jwksFetchTimeout = 5 * time.Second

// JWTVerifier validates JWTs against the provider's published JWKS.
// Public keys are cached and auto-refreshed to handle key rotation.
type JWTVerifier struct {
	jwksURL  string
	cache    *jwk.Cache
	issuer   string
	audience string
}

// NewJWTVerifier creates a verifier that fetches JWKS from the provider.
// The initial fetch validates the configuration up front.
func NewJWTVerifier(jwksURL, issuer, audience string) (*JWTVerifier, error) {
	ctx := context.Background()

	cache := jwk.NewCache(ctx)
	err := cache.Register(jwksURL,
		jwk.WithMinRefreshInterval(15*time.Minute),
		jwk.WithHTTPClient(&http.Client{Timeout: jwksFetchTimeout}),
	)
	if err != nil {
		return nil, fmt.Errorf("auth: registering JWKS URL: %w", err)
	}
	refreshCtx, cancel := context.WithTimeout(ctx, jwksFetchTimeout)
	defer cancel()
	if _, err := cache.Refresh(refreshCtx, jwksURL); err != nil {
		return nil, fmt.Errorf("auth: fetching JWKS from %s: %w", jwksURL, err)
	}

	return &JWTVerifier{
		jwksURL:  jwksURL,
		cache:    cache,
		issuer:   issuer,
		audience: audience,
	}, nil
}

// Verify checks the token's signature, expiry, issuer, and audience, and
// returns the subject as the user ID.
func (v *JWTVerifier) Verify(ctx context.Context, tokenString string) (string, error) {
	keyset, err := v.cache.Get(ctx, v.jwksURL)
	if err != nil {
		return "", fmt.Errorf("auth: getting JWKS: %w", err)
	}

	token, err := jwt.Parse(
		[]byte(tokenString),
		jwt.WithKeySet(keyset),
		jwt.WithValidate(true),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
	)
	if err != nil {
		return "", fmt.Errorf("auth: invalid token: %w", err)
	}

	sub := token.Subject()
	if sub == "" {
		return "", fmt.Errorf("auth: token has no subject")
	}
	return sub, nil
}
