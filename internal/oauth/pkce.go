package oauth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/oauth2"
)

// PKCE is a proof-key pair for one authorization attempt. The verifier
// stays local; the S256 challenge rides on the authorization URL.
type PKCE struct {
	Verifier  string
	Challenge string
}

// NewPKCE generates a fresh verifier/challenge pair.
func NewPKCE() *PKCE {
	v := oauth2.GenerateVerifier()
	return &PKCE{
		Verifier:  v,
		Challenge: oauth2.S256ChallengeFromVerifier(v),
	}
}

// NewState returns a cryptographically strong CSRF state token.
func NewState() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("oauth: generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
