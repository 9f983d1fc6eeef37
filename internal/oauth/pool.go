package oauth

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	relay "github.com/koriley/switchboard/internal"
	"github.com/koriley/switchboard/internal/storage"
)

// Selector picks pool accounts for outbound calls. The last account
// that served a successful call is remembered per provider type and
// preferred on the next pick; the memory is in-process only.
type Selector struct {
	store storage.OAuthStore

	mu       sync.Mutex
	lastGood map[string]string // provider type -> account id
}

// NewSelector creates a pool selector over the account store.
func NewSelector(store storage.OAuthStore) *Selector {
	return &Selector{
		store:    store,
		lastGood: make(map[string]string),
	}
}

// Select returns an eligible account for the provider type, skipping
// ids in exclude. The store lists accounts by pool weight descending
// then least-recently-used, so the head is the fallback when the
// last-successful account is unavailable.
func (s *Selector) Select(ctx context.Context, providerType string, exclude map[string]bool) (*relay.OAuthAccount, error) {
	accounts, err := s.store.ListOAuthAccountsByProvider(ctx, providerType)
	if err != nil {
		return nil, err
	}

	var candidates []*relay.OAuthAccount
	for _, a := range accounts {
		if a.Eligible() && !exclude[a.ID] {
			candidates = append(candidates, a)
		}
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("oauth pool %s: %w", providerType, relay.ErrNoAccount)
	}

	s.mu.Lock()
	preferred := s.lastGood[providerType]
	s.mu.Unlock()
	for _, a := range candidates {
		if a.ID == preferred {
			return a, nil
		}
	}
	return candidates[0], nil
}

// MarkSuccess records a successful upstream call: the account becomes
// the preferred pick and its last-used stamp advances.
func (s *Selector) MarkSuccess(ctx context.Context, a *relay.OAuthAccount) {
	s.mu.Lock()
	s.lastGood[a.ProviderType] = a.ID
	s.mu.Unlock()
	_ = s.store.TouchOAuthAccountUsed(ctx, a.ID)
}

// MarkFailure advances the account's health for a failed upstream
// call and persists it. 401 expires the account, 403 forbids it, 429
// rate-limits it; anything else counts toward the failure threshold.
func (s *Selector) MarkFailure(ctx context.Context, a *relay.OAuthAccount, status int, msg string) error {
	a.FailureCount++
	a.LastError = msg
	switch status {
	case http.StatusTooManyRequests:
		a.HealthStatus = relay.HealthRateLimited
	case http.StatusUnauthorized:
		a.HealthStatus = relay.HealthExpired
		a.IsActive = false
	case http.StatusForbidden:
		a.HealthStatus = relay.HealthForbidden
		a.IsActive = false
	}
	if a.FailureCount >= 3 {
		a.IsActive = false
		if a.HealthStatus == relay.HealthActive {
			a.HealthStatus = relay.HealthError
		}
	}

	s.mu.Lock()
	if s.lastGood[a.ProviderType] == a.ID {
		delete(s.lastGood, a.ProviderType)
	}
	s.mu.Unlock()

	return s.store.UpdateOAuthAccount(ctx, a)
}
