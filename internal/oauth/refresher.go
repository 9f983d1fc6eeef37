package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	relay "github.com/koriley/switchboard/internal"
	"github.com/koriley/switchboard/internal/storage"
	"github.com/koriley/switchboard/internal/vault"
)

const (
	// refreshLead is how long before expiry a token is renewed.
	refreshLead = 15 * time.Minute
	// refreshSweepInterval re-examines every account.
	refreshSweepInterval = time.Hour
	// refreshMinDelay keeps short-lived tokens from refreshing in a
	// tight loop.
	refreshMinDelay = time.Minute
)

// Refresher keeps pool account tokens fresh. Each account gets at most
// one pending timer, armed for expiry minus the lead; accounts already
// inside the lead window refresh immediately. An hourly sweep picks up
// accounts added or recovered since the last pass.
type Refresher struct {
	store     storage.OAuthStore
	vault     *vault.Vault
	providers map[string]Provider
	clock     clockwork.Clock

	mu     sync.Mutex
	timers map[string]clockwork.Timer
	wg     sync.WaitGroup
}

// NewRefresher creates a refresher for the given providers.
func NewRefresher(store storage.OAuthStore, v *vault.Vault, providers []Provider, clock clockwork.Clock) *Refresher {
	byType := make(map[string]Provider, len(providers))
	for _, p := range providers {
		byType[p.Type()] = p
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Refresher{
		store:     store,
		vault:     v,
		providers: byType,
		clock:     clock,
		timers:    make(map[string]clockwork.Timer),
	}
}

// Name returns the worker identifier.
func (r *Refresher) Name() string { return "oauth_refresh" }

// Run sweeps immediately, then hourly, until ctx is cancelled.
func (r *Refresher) Run(ctx context.Context) error {
	r.sweep(ctx)

	ticker := r.clock.NewTicker(refreshSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			r.sweep(ctx)
		case <-ctx.Done():
			r.stopTimers()
			r.wg.Wait()
			return nil
		}
	}
}

// RefreshNow refreshes one account synchronously and returns its
// stored state. Used by the admin refresh operation.
func (r *Refresher) RefreshNow(ctx context.Context, id string) (*relay.OAuthAccount, error) {
	a, err := r.store.GetOAuthAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := r.refresh(ctx, a); err != nil {
		return a, err
	}
	return a, nil
}

// sweep examines every account and schedules or performs a refresh.
func (r *Refresher) sweep(ctx context.Context) {
	accounts, err := r.store.ListOAuthAccounts(ctx)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "oauth refresh sweep failed",
			slog.String("error", err.Error()),
		)
		return
	}
	for _, a := range accounts {
		if !r.refreshable(a) {
			continue
		}
		wait := a.ExpiresAt.Sub(r.clock.Now()) - refreshLead
		if wait <= 0 {
			r.refreshAndReschedule(ctx, a.ID)
			continue
		}
		r.arm(ctx, a.ID, wait)
	}
}

// refreshable reports whether an account still has a working refresh
// path. Expired and forbidden accounts need a fresh login.
func (r *Refresher) refreshable(a *relay.OAuthAccount) bool {
	if a.RefreshTokenEnc == "" {
		return false
	}
	if a.HealthStatus == relay.HealthExpired || a.HealthStatus == relay.HealthForbidden {
		return false
	}
	_, ok := r.providers[a.ProviderType]
	return ok
}

// arm replaces the account's pending timer with one firing after wait.
func (r *Refresher) arm(ctx context.Context, id string, wait time.Duration) {
	timer := r.clock.NewTimer(wait)

	r.mu.Lock()
	if old, ok := r.timers[id]; ok {
		old.Stop()
	}
	r.timers[id] = timer
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		select {
		case <-timer.Chan():
			r.disarm(id, timer)
			r.refreshAndReschedule(ctx, id)
		case <-ctx.Done():
			timer.Stop()
		}
	}()
}

// disarm drops the timer map entry if it still belongs to this timer.
func (r *Refresher) disarm(id string, timer clockwork.Timer) {
	r.mu.Lock()
	if r.timers[id] == timer {
		delete(r.timers, id)
	}
	r.mu.Unlock()
}

func (r *Refresher) stopTimers() {
	r.mu.Lock()
	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
	r.mu.Unlock()
}

// refreshAndReschedule refreshes the account and, on success, arms the
// next timer from the new expiry. Failures are retried by the hourly
// sweep.
func (r *Refresher) refreshAndReschedule(ctx context.Context, id string) {
	a, err := r.store.GetOAuthAccount(ctx, id)
	if err != nil {
		return
	}
	if err := r.refresh(ctx, a); err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "oauth token refresh failed",
			slog.String("account", id),
			slog.String("provider", a.ProviderType),
			slog.String("error", err.Error()),
		)
		return
	}
	wait := a.ExpiresAt.Sub(r.clock.Now()) - refreshLead
	if wait < refreshMinDelay {
		wait = refreshMinDelay
	}
	r.arm(ctx, id, wait)
}

// refresh renews the account's tokens in place and persists the
// outcome, advancing the health state machine on failure.
func (r *Refresher) refresh(ctx context.Context, a *relay.OAuthAccount) error {
	p, ok := r.providers[a.ProviderType]
	if !ok {
		return fmt.Errorf("oauth: no provider for type %q", a.ProviderType)
	}

	refreshToken, err := r.vault.Decrypt(a.RefreshTokenEnc)
	if err != nil {
		a.FailureCount++
		a.LastError = "refresh token cannot be decrypted"
		a.HealthStatus = relay.HealthForbidden
		a.IsActive = false
		if uerr := r.store.UpdateOAuthAccount(ctx, a); uerr != nil {
			return uerr
		}
		return fmt.Errorf("oauth: decrypt refresh token: %w", err)
	}

	tok, err := p.Refresh(ctx, refreshToken)
	if err != nil {
		r.recordRefreshFailure(ctx, a, err)
		return err
	}

	accessEnc, err := r.vault.Encrypt(tok.AccessToken)
	if err != nil {
		return fmt.Errorf("oauth: seal access token: %w", err)
	}
	a.AccessTokenEnc = accessEnc
	if tok.RefreshToken != "" {
		refreshEnc, err := r.vault.Encrypt(tok.RefreshToken)
		if err != nil {
			return fmt.Errorf("oauth: seal refresh token: %w", err)
		}
		a.RefreshTokenEnc = refreshEnc
	}
	a.ExpiresAt = tok.ExpiresAt
	a.TokenType = tok.TokenType
	a.IsActive = true
	a.HealthStatus = relay.HealthActive
	a.FailureCount = 0
	a.LastError = ""
	now := r.clock.Now().UTC()
	a.LastRefreshAt = &now
	return r.store.UpdateOAuthAccount(ctx, a)
}

// recordRefreshFailure advances the state machine for a failed
// refresh: 401 or a third consecutive failure expires the account,
// 403 forbids it, 429 rate-limits it.
func (r *Refresher) recordRefreshFailure(ctx context.Context, a *relay.OAuthAccount, err error) {
	a.FailureCount++
	a.LastError = err.Error()

	status := 0
	var ue *relay.UpstreamError
	if errors.As(err, &ue) {
		status = ue.StatusCode
	}
	switch {
	case status == http.StatusUnauthorized, a.FailureCount >= 3:
		a.HealthStatus = relay.HealthExpired
		a.IsActive = false
	case status == http.StatusForbidden:
		a.HealthStatus = relay.HealthForbidden
		a.IsActive = false
	case status == http.StatusTooManyRequests:
		a.HealthStatus = relay.HealthRateLimited
	}

	if uerr := r.store.UpdateOAuthAccount(ctx, a); uerr != nil {
		slog.LogAttrs(ctx, slog.LevelError, "oauth account update failed",
			slog.String("account", a.ID),
			slog.String("error", uerr.Error()),
		)
	}
}
