// Package oauth drives the authorization-code login flows for pooled
// upstream accounts (Codex, Antigravity), keeps their tokens fresh, and
// selects accounts for pool providers at request time.
//
// Tokens are stored encrypted; plaintext access and refresh tokens
// never leave this package except as outbound Authorization headers.
package oauth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token is the decrypted result of a code exchange or refresh.
type Token struct {
	AccessToken  string
	RefreshToken string // empty when the server did not rotate it
	IDToken      string
	TokenType    string
	ExpiresAt    time.Time
}

// Identity carries what a provider learns about the account at login.
type Identity struct {
	Email    string
	Metadata map[string]any
}

// Provider is one OAuth specialization (endpoints, client credentials,
// callback routes, claim extraction).
type Provider interface {
	// Type returns the provider type constant stored on accounts.
	Type() string

	// CallbackAddr is the loopback host:port the registered redirect
	// URI points at.
	CallbackAddr() string

	// CallbackPaths lists the URL paths the callback listener serves.
	CallbackPaths() []string

	// UsesPKCE reports whether the authorization request carries a
	// code challenge.
	UsesPKCE() bool

	// AuthorizeURL builds the browser URL. pkce is nil when UsesPKCE
	// is false.
	AuthorizeURL(state string, pkce *PKCE) string

	// Exchange trades an authorization code for tokens and identity.
	Exchange(ctx context.Context, code string, pkce *PKCE) (*Token, *Identity, error)

	// Refresh obtains fresh tokens from a refresh token.
	Refresh(ctx context.Context, refreshToken string) (*Token, error)
}

// exchangeTimeout bounds a token-endpoint round trip.
const exchangeTimeout = 30 * time.Second

// idTokenClaims decodes the payload of a JWT without verifying its
// signature. The token arrived directly from the issuer over TLS; only
// the claim payload is needed here.
func idTokenClaims(idToken string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, claims); err != nil {
		return nil, fmt.Errorf("oauth: decode id_token: %w", err)
	}
	return claims, nil
}

// claimString pulls a string claim out of decoded JWT claims, walking
// one level of nesting when path has two elements.
func claimString(claims jwt.MapClaims, path ...string) string {
	var cur any = map[string]any(claims)
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur = m[key]
	}
	s, _ := cur.(string)
	return s
}
