package oauth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	relay "github.com/koriley/switchboard/internal"
)

// fakeProvider is a scriptable Provider for flow and refresher tests.
type fakeProvider struct {
	typ         string
	usesPKCE    bool
	exchangeTok *Token
	exchangeID  *Identity
	exchangeErr error
	refreshTok  *Token
	refreshErr  error

	mu           sync.Mutex
	exchanged    []string
	refreshCalls []string
	refreshed    chan struct{}
}

func (p *fakeProvider) Type() string {
	if p.typ == "" {
		return relay.OAuthCodex
	}
	return p.typ
}

func (p *fakeProvider) CallbackAddr() string    { return "127.0.0.1:0" }
func (p *fakeProvider) CallbackPaths() []string { return []string{"/oauth/test/callback", "/auth/callback"} }
func (p *fakeProvider) UsesPKCE() bool          { return p.usesPKCE }

func (p *fakeProvider) AuthorizeURL(state string, _ *PKCE) string {
	return "https://auth.example.com/authorize?state=" + url.QueryEscape(state)
}

func (p *fakeProvider) Exchange(_ context.Context, code string, _ *PKCE) (*Token, *Identity, error) {
	p.mu.Lock()
	p.exchanged = append(p.exchanged, code)
	p.mu.Unlock()
	if p.exchangeErr != nil {
		return nil, nil, p.exchangeErr
	}
	tok := *p.exchangeTok
	ident := *p.exchangeID
	return &tok, &ident, nil
}

func (p *fakeProvider) Refresh(_ context.Context, refreshToken string) (*Token, error) {
	p.mu.Lock()
	p.refreshCalls = append(p.refreshCalls, refreshToken)
	p.mu.Unlock()
	if p.refreshed != nil {
		select {
		case p.refreshed <- struct{}{}:
		default:
		}
	}
	if p.refreshErr != nil {
		return nil, p.refreshErr
	}
	tok := *p.refreshTok
	return &tok, nil
}

// startFlow wires a Flow onto an ephemeral listener. The returned
// browser func simulates the user completing the consent screen by
// hitting the callback with the given query values.
func startFlow(t *testing.T, p *fakeProvider, store *fakeOAuthStore) (*Flow, func(query url.Values) string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	f := &Flow{
		Provider: p,
		Store:    store,
		Vault:    newTestVault(t),
		Listener: ln,
		Timeout:  5 * time.Second,
	}
	callback := func(query url.Values) string {
		resp, err := http.Get(fmt.Sprintf("http://%s/auth/callback?%s", ln.Addr(), query.Encode()))
		if err != nil {
			t.Errorf("callback GET: %v", err)
			return ""
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return string(body)
	}
	return f, callback
}

func TestFlowAuthorize(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{
		usesPKCE: true,
		exchangeTok: &Token{
			AccessToken:  "at-plain",
			RefreshToken: "rt-plain",
			TokenType:    "Bearer",
			ExpiresAt:    time.Now().Add(time.Hour).UTC(),
		},
		exchangeID: &Identity{Email: "dev@example.com", Metadata: map[string]any{"plan_type": "pro"}},
	}
	store := newFakeOAuthStore()
	f, callback := startFlow(t, p, store)

	pageCh := make(chan string, 1)
	f.OpenBrowser = func(u string) error {
		parsed, err := url.Parse(u)
		if err != nil {
			return err
		}
		go func() {
			pageCh <- callback(url.Values{
				"state": {parsed.Query().Get("state")},
				"code":  {"auth-code-1"},
			})
		}()
		return nil
	}

	account, err := f.Authorize(context.Background())
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if account.Email != "dev@example.com" {
		t.Errorf("email = %q, want dev@example.com", account.Email)
	}
	if !account.IsActive || account.HealthStatus != relay.HealthActive {
		t.Errorf("new account not active/healthy: %+v", account)
	}
	if !account.PoolEnabled {
		t.Error("new account should be pool enabled")
	}
	if account.AccessTokenEnc == "at-plain" || account.RefreshTokenEnc == "rt-plain" {
		t.Fatal("tokens stored in plaintext")
	}
	if got, _ := f.Vault.Decrypt(account.AccessTokenEnc); got != "at-plain" {
		t.Errorf("decrypted access token = %q, want at-plain", got)
	}
	if got, _ := f.Vault.Decrypt(account.RefreshTokenEnc); got != "rt-plain" {
		t.Errorf("decrypted refresh token = %q, want rt-plain", got)
	}

	stored, err := store.GetOAuthAccount(context.Background(), account.ID)
	if err != nil {
		t.Fatalf("stored account missing: %v", err)
	}
	if string(stored.Metadata) == "" || !strings.Contains(string(stored.Metadata), "pro") {
		t.Errorf("metadata = %s, want plan_type carried", stored.Metadata)
	}

	p.mu.Lock()
	exchanged := append([]string(nil), p.exchanged...)
	p.mu.Unlock()
	if len(exchanged) != 1 || exchanged[0] != "auth-code-1" {
		t.Errorf("exchanged codes = %v, want [auth-code-1]", exchanged)
	}

	if page := <-pageCh; !strings.Contains(page, "Login successful") {
		t.Errorf("callback page = %q, want success page", page)
	}
}

func TestFlowAuthorize_StateMismatch(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{
		exchangeTok: &Token{AccessToken: "at", ExpiresAt: time.Now().Add(time.Hour)},
		exchangeID:  &Identity{Email: "dev@example.com"},
	}
	store := newFakeOAuthStore()
	f, callback := startFlow(t, p, store)

	f.OpenBrowser = func(u string) error {
		go callback(url.Values{"state": {"forged"}, "code": {"stolen"}})
		return nil
	}

	_, err := f.Authorize(context.Background())
	if err == nil || !strings.Contains(err.Error(), "state mismatch") {
		t.Fatalf("Authorize() error = %v, want state mismatch", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.exchanged) != 0 {
		t.Error("code must not be exchanged on state mismatch")
	}
}

func TestFlowAuthorize_DeniedByUser(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{}
	store := newFakeOAuthStore()
	f, callback := startFlow(t, p, store)

	f.OpenBrowser = func(u string) error {
		go callback(url.Values{"error": {"access_denied"}})
		return nil
	}

	_, err := f.Authorize(context.Background())
	if err == nil || !strings.Contains(err.Error(), "access_denied") {
		t.Fatalf("Authorize() error = %v, want access_denied", err)
	}
}

func TestFlowAuthorize_Timeout(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{}
	store := newFakeOAuthStore()
	f, _ := startFlow(t, p, store)
	f.Timeout = 50 * time.Millisecond
	f.OpenBrowser = func(u string) error { return nil } // user never completes

	_, err := f.Authorize(context.Background())
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("Authorize() error = %v, want timeout", err)
	}
}

func TestFlowAuthorize_ReplacesExistingAccount(t *testing.T) {
	t.Parallel()

	store := newFakeOAuthStore()
	existing := &relay.OAuthAccount{
		ID:           "acc-1",
		ProviderType: relay.OAuthCodex,
		Email:        "dev@example.com",
		IsActive:     false,
		HealthStatus: relay.HealthExpired,
		FailureCount: 3,
		PoolEnabled:  true,
		PoolWeight:   7,
		CreatedAt:    time.Now().Add(-time.Hour),
	}
	if err := store.CreateOAuthAccount(context.Background(), existing); err != nil {
		t.Fatal(err)
	}

	p := &fakeProvider{
		exchangeTok: &Token{AccessToken: "at-2", RefreshToken: "rt-2", TokenType: "Bearer", ExpiresAt: time.Now().Add(time.Hour)},
		exchangeID:  &Identity{Email: "dev@example.com"},
	}
	f, callback := startFlow(t, p, store)
	f.OpenBrowser = func(u string) error {
		parsed, _ := url.Parse(u)
		go callback(url.Values{"state": {parsed.Query().Get("state")}, "code": {"c"}})
		return nil
	}

	account, err := f.Authorize(context.Background())
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if account.ID != "acc-1" {
		t.Fatalf("account ID = %q, want existing acc-1 reused", account.ID)
	}
	if !account.IsActive || account.HealthStatus != relay.HealthActive || account.FailureCount != 0 {
		t.Errorf("re-login should restore health, got %+v", account)
	}
	if account.PoolWeight != 7 {
		t.Errorf("pool weight = %d, want 7 preserved", account.PoolWeight)
	}

	all, _ := store.ListOAuthAccounts(context.Background())
	if len(all) != 1 {
		t.Fatalf("account count = %d, want 1 (no duplicate)", len(all))
	}
}

func TestFlowAuthorize_ExchangeFailure(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{exchangeErr: errors.New("exchange exploded")}
	store := newFakeOAuthStore()
	f, callback := startFlow(t, p, store)
	f.OpenBrowser = func(u string) error {
		parsed, _ := url.Parse(u)
		go callback(url.Values{"state": {parsed.Query().Get("state")}, "code": {"c"}})
		return nil
	}

	if _, err := f.Authorize(context.Background()); err == nil {
		t.Fatal("Authorize() should surface exchange failure")
	}
	all, _ := store.ListOAuthAccounts(context.Background())
	if len(all) != 0 {
		t.Error("no account should be stored on exchange failure")
	}
}
