package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"

	relay "github.com/koriley/switchboard/internal"
)

// Antigravity login constants. Installed-app Google client; the secret
// is part of the published client registration, not a credential.
const (
	antigravityClientID     = "681255809395-oo8ft2oprdrnp9e3aqf6av3hmdib135j.apps.googleusercontent.com"
	antigravityClientSecret = "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"
	antigravityAuthURL      = "https://accounts.google.com/o/oauth2/v2/auth"
	antigravityTokenURL     = "https://oauth2.googleapis.com/token"
	antigravityCloudCode    = "https://cloudcode-pa.googleapis.com"
	antigravityPort         = "51121"
)

// Antigravity implements the Google-backed Antigravity flow: standard
// authorization code with client_secret (no PKCE), then a Cloud Code
// onboarding call to learn the project id and subscription tier.
type Antigravity struct {
	authURL   string
	tokenURL  string
	cloudCode string
	addr      string
	hc        *http.Client
}

// NewAntigravity returns the production Antigravity provider.
func NewAntigravity() *Antigravity {
	return &Antigravity{
		authURL:   antigravityAuthURL,
		tokenURL:  antigravityTokenURL,
		cloudCode: antigravityCloudCode,
		addr:      "127.0.0.1:" + antigravityPort,
		hc:        &http.Client{Timeout: exchangeTimeout},
	}
}

func (g *Antigravity) Type() string         { return relay.OAuthAntigravity }
func (g *Antigravity) CallbackAddr() string { return g.addr }
func (g *Antigravity) UsesPKCE() bool       { return false }

// CallbackPaths serves the provider route plus the legacy Google path.
func (g *Antigravity) CallbackPaths() []string {
	return []string{"/oauth/antigravity/callback", "/google/callback"}
}

func (g *Antigravity) config() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     antigravityClientID,
		ClientSecret: antigravityClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  g.authURL,
			TokenURL: g.tokenURL,
		},
		RedirectURL: "http://localhost:" + antigravityPort + "/google/callback",
		Scopes: []string{
			"https://www.googleapis.com/auth/cloud-platform",
			"https://www.googleapis.com/auth/userinfo.email",
			"https://www.googleapis.com/auth/userinfo.profile",
		},
	}
}

func (g *Antigravity) AuthorizeURL(state string, _ *PKCE) string {
	return g.config().AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
	)
}

func (g *Antigravity) Exchange(ctx context.Context, code string, _ *PKCE) (*Token, *Identity, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, g.hc)
	tok, err := g.config().Exchange(ctx, code)
	if err != nil {
		return nil, nil, antigravityTokenErr(err)
	}
	idToken, _ := tok.Extra("id_token").(string)
	email := ""
	if idToken != "" {
		claims, err := idTokenClaims(idToken)
		if err != nil {
			return nil, nil, err
		}
		email = claimString(claims, "email")
	}
	if email == "" {
		return nil, nil, errors.New("oauth: antigravity id_token missing email")
	}

	meta := g.onboard(ctx, tok.AccessToken)
	return &Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		IDToken:      idToken,
		TokenType:    tokenType(tok.TokenType),
		ExpiresAt:    tok.Expiry.UTC(),
	}, &Identity{Email: email, Metadata: meta}, nil
}

// Refresh uses the standard Google refresh grant.
func (g *Antigravity) Refresh(ctx context.Context, refreshToken string) (*Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, g.hc)
	src := g.config().TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, antigravityTokenErr(err)
	}
	idToken, _ := tok.Extra("id_token").(string)
	refreshed := tok.RefreshToken
	if refreshed == refreshToken {
		// Google echoes the same refresh token; treat as unrotated.
		refreshed = ""
	}
	return &Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: refreshed,
		IDToken:      idToken,
		TokenType:    tokenType(tok.TokenType),
		ExpiresAt:    tok.Expiry.UTC(),
	}, nil
}

// onboard learns the Cloud Code project id and subscription tier.
// Failures here never abort the login; the account just carries less
// metadata.
func (g *Antigravity) onboard(ctx context.Context, accessToken string) map[string]any {
	meta := map[string]any{"tier": "FREE"}

	body, err := g.cloudCodePost(ctx, accessToken, "loadCodeAssist", map[string]any{
		"metadata": cloudCodeClientMeta(),
	})
	if err == nil {
		if project := gjson.GetBytes(body, "cloudaicompanionProject").String(); project != "" {
			meta["project_id"] = project
		}
		if tier := gjson.GetBytes(body, "paidTier.id").String(); tier != "" {
			meta["tier"] = tier
		} else if tier := gjson.GetBytes(body, "currentTier.id").String(); tier != "" {
			meta["tier"] = tier
		}
		if _, ok := meta["project_id"]; ok {
			return meta
		}
	}

	// No project yet (or loadCodeAssist failed): onboard a free-tier
	// project.
	body, err = g.cloudCodePost(ctx, accessToken, "onboardUser", map[string]any{
		"tierId":   "free-tier",
		"metadata": cloudCodeClientMeta(),
	})
	if err != nil {
		return meta
	}
	if project := gjson.GetBytes(body, "response.cloudaicompanionProject.id").String(); project != "" {
		meta["project_id"] = project
	}
	return meta
}

// FetchQuota queries per-model quota for the account and returns the
// stored quota document. A 403 reply surfaces as a permission error so
// the caller can mark the account forbidden.
func (g *Antigravity) FetchQuota(ctx context.Context, accessToken, projectID string) (json.RawMessage, error) {
	req := map[string]any{}
	if projectID != "" {
		req["project"] = projectID
	}
	body, err := g.cloudCodePost(ctx, accessToken, "fetchAvailableModels", req)
	if err != nil {
		return nil, err
	}

	type modelQuota struct {
		Name             string `json:"name"`
		PercentRemaining int    `json:"percentRemaining"`
		ResetTime        string `json:"resetTime,omitempty"`
	}
	var models []modelQuota
	gjson.GetBytes(body, "models").ForEach(func(_, m gjson.Result) bool {
		name := m.Get("model").String()
		if name == "" {
			name = m.Get("name").String()
		}
		q := m.Get("quotaInfo")
		if name == "" || !q.Exists() {
			return true
		}
		models = append(models, modelQuota{
			Name:             name,
			PercentRemaining: int(q.Get("remainingFraction").Float()*100 + 0.5),
			ResetTime:        q.Get("resetTime").String(),
		})
		return true
	})

	doc := struct {
		Models    []modelQuota `json:"models"`
		UpdatedAt string       `json:"updatedAt"`
	}{
		Models:    models,
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	return json.Marshal(doc)
}

// cloudCodePost calls one v1internal method with a Bearer token.
func (g *Antigravity) cloudCodePost(ctx context.Context, accessToken, method string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		g.cloudCode+"/v1internal:"+method, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := g.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("oauth: antigravity %s: %w", method, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("oauth: antigravity %s: read body: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &relay.UpstreamError{Provider: "antigravity", StatusCode: resp.StatusCode, Body: body}
	}
	return body, nil
}

// cloudCodeClientMeta is the client descriptor the v1internal API
// expects on onboarding calls.
func cloudCodeClientMeta() map[string]any {
	return map[string]any{
		"ideType":    "IDE_UNSPECIFIED",
		"platform":   "PLATFORM_UNSPECIFIED",
		"pluginType": "GEMINI",
	}
}

// antigravityTokenErr turns an oauth2 retrieve failure into an
// upstream error so callers can read the HTTP status.
func antigravityTokenErr(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		return &relay.UpstreamError{Provider: "antigravity-oauth", StatusCode: re.Response.StatusCode, Body: re.Body}
	}
	return fmt.Errorf("oauth: antigravity token: %w", err)
}
