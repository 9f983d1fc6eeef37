package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	relay "github.com/koriley/switchboard/internal"
)

// Codex login constants. The client id is the public installed-app
// client shipped with the Codex CLI; its redirect URI is registered
// for the loopback port below.
const (
	codexClientID  = "app_EMoamEEZ73f0CkXaXp7hrann"
	codexAuthURL   = "https://auth.openai.com/oauth/authorize"
	codexTokenURL  = "https://auth.openai.com/oauth/token"
	codexPort      = "1455"
	codexAuthClaim = "https://api.openai.com/auth"
)

// Codex implements the OpenAI Codex authorization flow (PKCE, no
// client secret). Identity comes out of the id_token.
type Codex struct {
	authURL  string
	tokenURL string
	addr     string
	hc       *http.Client
}

// NewCodex returns the production Codex provider.
func NewCodex() *Codex {
	return &Codex{
		authURL:  codexAuthURL,
		tokenURL: codexTokenURL,
		addr:     "127.0.0.1:" + codexPort,
		hc:       &http.Client{Timeout: exchangeTimeout},
	}
}

func (c *Codex) Type() string         { return relay.OAuthCodex }
func (c *Codex) CallbackAddr() string { return c.addr }
func (c *Codex) UsesPKCE() bool       { return true }

// CallbackPaths serves the provider route plus the legacy path the
// registered redirect URI still points at.
func (c *Codex) CallbackPaths() []string {
	return []string{"/oauth/codex/callback", "/auth/callback"}
}

func (c *Codex) config() *oauth2.Config {
	return &oauth2.Config{
		ClientID: codexClientID,
		Endpoint: oauth2.Endpoint{
			AuthURL:  c.authURL,
			TokenURL: c.tokenURL,
		},
		RedirectURL: "http://localhost:" + codexPort + "/auth/callback",
		Scopes:      []string{"openid", "profile", "email", "offline_access"},
	}
}

func (c *Codex) AuthorizeURL(state string, pkce *PKCE) string {
	return c.config().AuthCodeURL(state,
		oauth2.S256ChallengeOption(pkce.Verifier),
		oauth2.SetAuthURLParam("id_token_add_organizations", "true"),
	)
}

func (c *Codex) Exchange(ctx context.Context, code string, pkce *PKCE) (*Token, *Identity, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.hc)
	tok, err := c.config().Exchange(ctx, code, oauth2.VerifierOption(pkce.Verifier))
	if err != nil {
		return nil, nil, codexTokenErr(err)
	}
	idToken, _ := tok.Extra("id_token").(string)
	if idToken == "" {
		return nil, nil, errors.New("oauth: codex token response missing id_token")
	}
	ident, err := codexIdentity(idToken)
	if err != nil {
		return nil, nil, err
	}
	return &Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		IDToken:      idToken,
		TokenType:    tokenType(tok.TokenType),
		ExpiresAt:    tok.Expiry.UTC(),
	}, ident, nil
}

// Refresh posts the refresh grant directly: the scope must be echoed
// or the server stops issuing id_tokens on subsequent refreshes.
func (c *Codex) Refresh(ctx context.Context, refreshToken string) (*Token, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {codexClientID},
		"scope":         {"openid profile email"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("oauth: codex refresh: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("oauth: codex refresh: read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &relay.UpstreamError{Provider: "codex-oauth", StatusCode: resp.StatusCode, Body: body}
	}

	var payload struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		IDToken      string `json:"id_token"`
		TokenType    string `json:"token_type"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("oauth: codex refresh: decode: %w", err)
	}
	if payload.AccessToken == "" {
		return nil, errors.New("oauth: codex refresh response missing access_token")
	}
	return &Token{
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		IDToken:      payload.IDToken,
		TokenType:    tokenType(payload.TokenType),
		ExpiresAt:    time.Now().Add(time.Duration(payload.ExpiresIn) * time.Second).UTC(),
	}, nil
}

// codexIdentity derives email and plan from the id_token's OpenAI auth
// claim.
func codexIdentity(idToken string) (*Identity, error) {
	claims, err := idTokenClaims(idToken)
	if err != nil {
		return nil, err
	}
	email := claimString(claims, "email")
	if email == "" {
		email = claimString(claims, codexAuthClaim, "email")
	}
	if email == "" {
		return nil, errors.New("oauth: codex id_token missing email")
	}
	meta := map[string]any{}
	if plan := claimString(claims, codexAuthClaim, "chatgpt_plan_type"); plan != "" {
		meta["plan_type"] = plan
	}
	if acct := claimString(claims, codexAuthClaim, "chatgpt_account_id"); acct != "" {
		meta["account_id"] = acct
	}
	return &Identity{Email: email, Metadata: meta}, nil
}

// codexTokenErr turns an oauth2 retrieve failure into an upstream
// error so callers can read the HTTP status.
func codexTokenErr(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		return &relay.UpstreamError{Provider: "codex-oauth", StatusCode: re.Response.StatusCode, Body: re.Body}
	}
	return fmt.Errorf("oauth: codex exchange: %w", err)
}

// tokenType normalizes an empty token_type to Bearer.
func tokenType(t string) string {
	if t == "" {
		return "Bearer"
	}
	return t
}
