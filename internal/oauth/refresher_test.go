package oauth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	relay "github.com/koriley/switchboard/internal"
	"github.com/koriley/switchboard/internal/vault"
)

// refreshableAccount stores an account whose refresh token decrypts
// to "rt-<id>".
func refreshableAccount(t *testing.T, v *vault.Vault, store *fakeOAuthStore, clock clockwork.Clock, id string, expiresIn time.Duration) *relay.OAuthAccount {
	t.Helper()
	rtEnc, err := v.Encrypt("rt-" + id)
	if err != nil {
		t.Fatalf("encrypt refresh token: %v", err)
	}
	atEnc, err := v.Encrypt("at-" + id)
	if err != nil {
		t.Fatalf("encrypt access token: %v", err)
	}
	a := &relay.OAuthAccount{
		ID:              id,
		ProviderType:    relay.OAuthCodex,
		Email:           id + "@example.com",
		AccessTokenEnc:  atEnc,
		RefreshTokenEnc: rtEnc,
		ExpiresAt:       clock.Now().Add(expiresIn).UTC(),
		TokenType:       "Bearer",
		IsActive:        true,
		HealthStatus:    relay.HealthActive,
		PoolEnabled:     true,
		CreatedAt:       clock.Now().UTC(),
	}
	if err := store.CreateOAuthAccount(context.Background(), a); err != nil {
		t.Fatal(err)
	}
	return a
}

// waitForRefresh polls until the account's LastRefreshAt is set.
func waitForRefresh(t *testing.T, store *fakeOAuthStore, id string) *relay.OAuthAccount {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		a, err := store.GetOAuthAccount(context.Background(), id)
		if err != nil {
			t.Fatal(err)
		}
		if a.LastRefreshAt != nil {
			return a
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("account was never refreshed")
	return nil
}

func TestRefresherSweepRefreshesDueAccount(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	v := newTestVault(t)
	store := newFakeOAuthStore()
	refreshableAccount(t, v, store, clock, "due", 5*time.Minute) // inside the 15m lead

	p := &fakeProvider{
		refreshTok: &Token{
			AccessToken:  "at-renewed",
			RefreshToken: "rt-renewed",
			TokenType:    "Bearer",
			ExpiresAt:    clock.Now().Add(2 * time.Hour).UTC(),
		},
	}
	r := NewRefresher(store, v, []Provider{p}, clock)
	r.sweep(ctx)

	a, err := store.GetOAuthAccount(ctx, "due")
	if err != nil {
		t.Fatal(err)
	}
	if a.LastRefreshAt == nil {
		t.Fatal("due account was not refreshed by the sweep")
	}
	if got, _ := v.Decrypt(a.AccessTokenEnc); got != "at-renewed" {
		t.Errorf("access token = %q, want at-renewed", got)
	}
	if got, _ := v.Decrypt(a.RefreshTokenEnc); got != "rt-renewed" {
		t.Errorf("refresh token = %q, want rotated rt-renewed", got)
	}
	if !a.ExpiresAt.Equal(clock.Now().Add(2 * time.Hour).UTC()) {
		t.Errorf("expiry = %v, want pushed out 2h", a.ExpiresAt)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.refreshCalls) != 1 || p.refreshCalls[0] != "rt-due" {
		t.Errorf("refresh calls = %v, want [rt-due]", p.refreshCalls)
	}
}

func TestRefresherTimerFiresAtLead(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clock := clockwork.NewFakeClock()
	v := newTestVault(t)
	store := newFakeOAuthStore()
	refreshableAccount(t, v, store, clock, "later", 2*time.Hour)

	p := &fakeProvider{
		refreshTok: &Token{
			AccessToken: "at-renewed",
			TokenType:   "Bearer",
			ExpiresAt:   clock.Now().Add(4 * time.Hour).UTC(),
		},
		refreshed: make(chan struct{}, 1),
	}
	r := NewRefresher(store, v, []Provider{p}, clock)
	r.sweep(ctx)

	// Nothing happens before expiry minus the lead.
	select {
	case <-p.refreshed:
		t.Fatal("refresh fired before the timer was due")
	default:
	}

	clock.Advance(2*time.Hour - refreshLead)
	select {
	case <-p.refreshed:
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}

	a := waitForRefresh(t, store, "later")
	// The unrotated refresh token is kept.
	if got, _ := v.Decrypt(a.RefreshTokenEnc); got != "rt-later" {
		t.Errorf("refresh token = %q, want original kept", got)
	}
}

func TestRefresherRefreshFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		err        error
		failures   int
		wantHealth string
		wantActive bool
	}{
		{
			name:       "401 expires immediately",
			err:        &relay.UpstreamError{Provider: "codex-oauth", StatusCode: 401},
			wantHealth: relay.HealthExpired,
		},
		{
			name:       "403 forbids",
			err:        &relay.UpstreamError{Provider: "codex-oauth", StatusCode: 403},
			wantHealth: relay.HealthForbidden,
		},
		{
			name:       "429 rate limits",
			err:        &relay.UpstreamError{Provider: "codex-oauth", StatusCode: 429},
			wantHealth: relay.HealthRateLimited,
			wantActive: true,
		},
		{
			name:       "first network failure stays active",
			err:        errors.New("connection refused"),
			wantHealth: relay.HealthActive,
			wantActive: true,
		},
		{
			name:       "third failure expires",
			err:        errors.New("connection refused"),
			failures:   2,
			wantHealth: relay.HealthExpired,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			clock := clockwork.NewFakeClock()
			v := newTestVault(t)
			store := newFakeOAuthStore()
			a := refreshableAccount(t, v, store, clock, "acc", time.Hour)
			a.FailureCount = tt.failures
			if err := store.UpdateOAuthAccount(ctx, a); err != nil {
				t.Fatal(err)
			}

			p := &fakeProvider{refreshErr: tt.err}
			r := NewRefresher(store, v, []Provider{p}, clock)
			if _, err := r.RefreshNow(ctx, "acc"); err == nil {
				t.Fatal("RefreshNow() should surface the refresh failure")
			}

			stored, err := store.GetOAuthAccount(ctx, "acc")
			if err != nil {
				t.Fatal(err)
			}
			if stored.HealthStatus != tt.wantHealth {
				t.Errorf("health = %q, want %q", stored.HealthStatus, tt.wantHealth)
			}
			if stored.IsActive != tt.wantActive {
				t.Errorf("is_active = %v, want %v", stored.IsActive, tt.wantActive)
			}
			if stored.FailureCount != tt.failures+1 {
				t.Errorf("failures = %d, want %d", stored.FailureCount, tt.failures+1)
			}
		})
	}
}

func TestRefresherDecryptFailureForbids(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	v := newTestVault(t)
	store := newFakeOAuthStore()
	a := refreshableAccount(t, v, store, clock, "acc", time.Hour)
	a.RefreshTokenEnc = "v1:!!!not-a-valid-envelope"
	if err := store.UpdateOAuthAccount(ctx, a); err != nil {
		t.Fatal(err)
	}

	p := &fakeProvider{refreshTok: &Token{AccessToken: "at"}}
	r := NewRefresher(store, v, []Provider{p}, clock)
	if _, err := r.RefreshNow(ctx, "acc"); err == nil {
		t.Fatal("RefreshNow() should fail on undecryptable token")
	}

	stored, _ := store.GetOAuthAccount(ctx, "acc")
	if stored.HealthStatus != relay.HealthForbidden {
		t.Errorf("health = %q, want forbidden", stored.HealthStatus)
	}
	if stored.IsActive {
		t.Error("account should be deactivated")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.refreshCalls) != 0 {
		t.Error("provider must not be called when decryption fails")
	}
}

func TestRefresherSweepSkipsDeadAccounts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	v := newTestVault(t)
	store := newFakeOAuthStore()

	expired := refreshableAccount(t, v, store, clock, "expired", time.Minute)
	expired.HealthStatus = relay.HealthExpired
	expired.IsActive = false
	if err := store.UpdateOAuthAccount(ctx, expired); err != nil {
		t.Fatal(err)
	}
	noToken := refreshableAccount(t, v, store, clock, "no-token", time.Minute)
	noToken.RefreshTokenEnc = ""
	if err := store.UpdateOAuthAccount(ctx, noToken); err != nil {
		t.Fatal(err)
	}

	p := &fakeProvider{refreshTok: &Token{AccessToken: "at"}}
	r := NewRefresher(store, v, []Provider{p}, clock)
	r.sweep(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.refreshCalls) != 0 {
		t.Errorf("refresh calls = %v, want none for dead accounts", p.refreshCalls)
	}
}

func TestRefresherRecoversRateLimitedAccount(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	v := newTestVault(t)
	store := newFakeOAuthStore()
	a := refreshableAccount(t, v, store, clock, "limited", time.Minute)
	a.HealthStatus = relay.HealthRateLimited
	a.FailureCount = 2
	a.LastError = "too many requests"
	if err := store.UpdateOAuthAccount(ctx, a); err != nil {
		t.Fatal(err)
	}

	p := &fakeProvider{
		refreshTok: &Token{AccessToken: "at-ok", TokenType: "Bearer", ExpiresAt: clock.Now().Add(time.Hour).UTC()},
	}
	r := NewRefresher(store, v, []Provider{p}, clock)
	got, err := r.RefreshNow(ctx, "limited")
	if err != nil {
		t.Fatalf("RefreshNow() error = %v", err)
	}
	if got.HealthStatus != relay.HealthActive || !got.IsActive {
		t.Errorf("account = %+v, want restored to active", got)
	}
	if got.FailureCount != 0 || got.LastError != "" {
		t.Errorf("failure residue survived recovery: %+v", got)
	}
}

func TestRefresherRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	clock := clockwork.NewFakeClock()
	v := newTestVault(t)
	store := newFakeOAuthStore()

	r := NewRefresher(store, v, nil, clock)
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not stop on cancel")
	}
}
