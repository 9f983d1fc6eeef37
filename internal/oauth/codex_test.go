package oauth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	relay "github.com/koriley/switchboard/internal"
)

// newTestCodex points a Codex provider at a fake token endpoint.
func newTestCodex(tokenURL string) *Codex {
	return &Codex{
		authURL:  "https://auth.example.com/oauth/authorize",
		tokenURL: tokenURL,
		addr:     "127.0.0.1:0",
		hc:       &http.Client{Timeout: 5 * time.Second},
	}
}

func TestCodexAuthorizeURL(t *testing.T) {
	t.Parallel()

	c := NewCodex()
	pkce := NewPKCE()
	raw := c.AuthorizeURL("state-123", pkce)

	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("AuthorizeURL() returned unparseable URL: %v", err)
	}
	q := u.Query()
	if got := q.Get("state"); got != "state-123" {
		t.Errorf("state = %q, want state-123", got)
	}
	if got := q.Get("code_challenge"); got != pkce.Challenge {
		t.Errorf("code_challenge = %q, want %q", got, pkce.Challenge)
	}
	if got := q.Get("code_challenge_method"); got != "S256" {
		t.Errorf("code_challenge_method = %q, want S256", got)
	}
	if got := q.Get("client_id"); got != codexClientID {
		t.Errorf("client_id = %q, want %q", got, codexClientID)
	}
}

func TestCodexExchange(t *testing.T) {
	t.Parallel()

	idt := signedIDToken(t, jwt.MapClaims{
		"email": "dev@example.com",
		codexAuthClaim: map[string]any{
			"chatgpt_plan_type":  "pro",
			"chatgpt_account_id": "acct-1",
		},
	})

	var mu sync.Mutex
	var lastForm url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm() error = %v", err)
		}
		mu.Lock()
		lastForm = r.PostForm
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"access_token": "at-123",
			"refresh_token": "rt-456",
			"id_token": "` + idt + `",
			"token_type": "bearer",
			"expires_in": 3600
		}`))
	}))
	defer srv.Close()

	c := newTestCodex(srv.URL)
	pkce := NewPKCE()
	tok, ident, err := c.Exchange(context.Background(), "code-789", pkce)
	if err != nil {
		t.Fatalf("Exchange() error = %v", err)
	}

	if tok.AccessToken != "at-123" || tok.RefreshToken != "rt-456" {
		t.Errorf("tokens = %q/%q, want at-123/rt-456", tok.AccessToken, tok.RefreshToken)
	}
	if tok.IDToken != idt {
		t.Error("id_token not carried through")
	}
	if until := time.Until(tok.ExpiresAt); until < 55*time.Minute || until > 65*time.Minute {
		t.Errorf("expiry %v not ~1h out", tok.ExpiresAt)
	}
	if ident.Email != "dev@example.com" {
		t.Errorf("email = %q, want dev@example.com", ident.Email)
	}
	if ident.Metadata["plan_type"] != "pro" || ident.Metadata["account_id"] != "acct-1" {
		t.Errorf("metadata = %v, want plan/account claims", ident.Metadata)
	}

	mu.Lock()
	defer mu.Unlock()
	if got := lastForm.Get("code"); got != "code-789" {
		t.Errorf("posted code = %q, want code-789", got)
	}
	if got := lastForm.Get("code_verifier"); got != pkce.Verifier {
		t.Errorf("posted code_verifier = %q, want the PKCE verifier", got)
	}
}

func TestCodexExchange_MissingIDToken(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token": "at", "token_type": "bearer", "expires_in": 3600}`))
	}))
	defer srv.Close()

	c := newTestCodex(srv.URL)
	if _, _, err := c.Exchange(context.Background(), "code", NewPKCE()); err == nil {
		t.Fatal("Exchange() without id_token should fail")
	}
}

func TestCodexRefresh(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var lastForm url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm() error = %v", err)
		}
		mu.Lock()
		lastForm = r.PostForm
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"access_token": "at-new",
			"refresh_token": "rt-new",
			"id_token": "idt-new",
			"token_type": "bearer",
			"expires_in": 7200
		}`))
	}))
	defer srv.Close()

	c := newTestCodex(srv.URL)
	tok, err := c.Refresh(context.Background(), "rt-old")
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if tok.AccessToken != "at-new" || tok.RefreshToken != "rt-new" {
		t.Errorf("tokens = %q/%q, want at-new/rt-new", tok.AccessToken, tok.RefreshToken)
	}
	if tok.TokenType != "bearer" {
		t.Errorf("token_type = %q, want bearer", tok.TokenType)
	}

	mu.Lock()
	defer mu.Unlock()
	if got := lastForm.Get("grant_type"); got != "refresh_token" {
		t.Errorf("grant_type = %q, want refresh_token", got)
	}
	if got := lastForm.Get("refresh_token"); got != "rt-old" {
		t.Errorf("refresh_token = %q, want rt-old", got)
	}
	// The scope must ride on every refresh or the server stops
	// returning id_tokens.
	if got := lastForm.Get("scope"); got != "openid profile email" {
		t.Errorf("scope = %q, want %q", got, "openid profile email")
	}
}

func TestCodexRefresh_UpstreamStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newTestCodex(srv.URL)
	_, err := c.Refresh(context.Background(), "rt-dead")
	var ue *relay.UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("Refresh() error = %v, want UpstreamError", err)
	}
	if ue.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", ue.StatusCode)
	}
}
