package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	relay "github.com/koriley/switchboard/internal"
	"github.com/koriley/switchboard/internal/oauth"
	"github.com/koriley/switchboard/internal/storage"
	"github.com/koriley/switchboard/internal/vault"
)

// QuotaFetcher is implemented by OAuth providers that expose a quota
// endpoint.
type QuotaFetcher interface {
	FetchQuota(ctx context.Context, accessToken, projectID string) (json.RawMessage, error)
}

// TokenRefresher renews one account's tokens on demand.
type TokenRefresher interface {
	RefreshNow(ctx context.Context, id string) (*relay.OAuthAccount, error)
}

// AccountService manages the pooled OAuth accounts behind the admin
// API: login, token refresh, pool membership, quota.
type AccountService struct {
	store     storage.OAuthStore
	vault     *vault.Vault
	refresher TokenRefresher
	providers map[string]oauth.Provider
}

// NewAccountService wires the account service. providers lists the
// supported login flows, keyed by their type constant.
func NewAccountService(store storage.OAuthStore, v *vault.Vault, refresher TokenRefresher, providers []oauth.Provider) *AccountService {
	byType := make(map[string]oauth.Provider, len(providers))
	for _, p := range providers {
		byType[p.Type()] = p
	}
	return &AccountService{store: store, vault: v, refresher: refresher, providers: byType}
}

// List returns every account. Encrypted tokens never serialize; the
// entity excludes them from JSON.
func (s *AccountService) List(ctx context.Context) ([]*relay.OAuthAccount, error) {
	return s.store.ListOAuthAccounts(ctx)
}

// Authorize runs the interactive login flow for providerType and
// returns the stored account. The flow opens the system browser and
// blocks until the callback arrives; ctx bounds the wait.
func (s *AccountService) Authorize(ctx context.Context, providerType string) (*relay.OAuthAccount, error) {
	p, ok := s.providers[providerType]
	if !ok {
		return nil, relay.Errorf(relay.KindValidation, "unknown oauth provider %q", providerType)
	}
	f := &oauth.Flow{Provider: p, Store: s.store, Vault: s.vault}
	return f.Authorize(ctx)
}

// Delete removes an account and its sealed tokens.
func (s *AccountService) Delete(ctx context.Context, id string) error {
	return s.store.DeleteOAuthAccount(ctx, id)
}

// Refresh renews one account's tokens immediately and returns its
// updated record.
func (s *AccountService) Refresh(ctx context.Context, id string) (*relay.OAuthAccount, error) {
	return s.refresher.RefreshNow(ctx, id)
}

// TogglePool includes or excludes an account from pool selection.
func (s *AccountService) TogglePool(ctx context.Context, id string, enabled bool) (*relay.OAuthAccount, error) {
	a, err := s.store.GetOAuthAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	a.PoolEnabled = enabled
	if err := s.store.UpdateOAuthAccount(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// UpdateQuota refetches the provider's quota document for the account
// and stores it. A 403 from the quota endpoint marks the account
// forbidden.
func (s *AccountService) UpdateQuota(ctx context.Context, id string) (*relay.OAuthAccount, error) {
	a, err := s.store.GetOAuthAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	p, ok := s.providers[a.ProviderType]
	if !ok {
		return nil, relay.Errorf(relay.KindValidation, "unknown oauth provider %q", a.ProviderType)
	}
	qf, ok := p.(QuotaFetcher)
	if !ok {
		return nil, relay.Errorf(relay.KindValidation, "provider %q has no quota endpoint", a.ProviderType)
	}

	access, err := s.vault.Decrypt(a.AccessTokenEnc)
	if err != nil {
		return nil, relay.Errorf(relay.KindServer, "unseal access token: %v", err)
	}
	projectID := gjson.GetBytes(a.Metadata, "project_id").String()

	quota, err := qf.FetchQuota(ctx, access, projectID)
	if err != nil {
		var ue *relay.UpstreamError
		if errors.As(err, &ue) && ue.StatusCode == http.StatusForbidden {
			a.HealthStatus = relay.HealthForbidden
			a.IsActive = false
			a.LastError = "quota endpoint returned 403"
			if uerr := s.store.UpdateOAuthAccount(ctx, a); uerr != nil {
				return nil, uerr
			}
		}
		return nil, err
	}

	a.Quota = quota
	if err := s.store.UpdateOAuthAccount(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// AccountStats is the health and usage snapshot for one account.
type AccountStats struct {
	ID            string          `json:"id"`
	ProviderType  string          `json:"provider_type"`
	Email         string          `json:"email"`
	HealthStatus  string          `json:"health_status"`
	IsActive      bool            `json:"is_active"`
	PoolEnabled   bool            `json:"pool_enabled"`
	PoolWeight    int             `json:"pool_weight"`
	FailureCount  int             `json:"failure_count"`
	LastError     string          `json:"last_error,omitempty"`
	ExpiresAt     time.Time       `json:"expires_at"`
	LastUsedAt    *time.Time      `json:"last_used_at,omitempty"`
	LastRefreshAt *time.Time      `json:"last_refresh_at,omitempty"`
	Quota         json.RawMessage `json:"quota,omitempty"`
	Stats         json.RawMessage `json:"stats,omitempty"`
}

// Stats returns the account's health and usage snapshot.
func (s *AccountService) Stats(ctx context.Context, id string) (*AccountStats, error) {
	a, err := s.store.GetOAuthAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	return &AccountStats{
		ID:            a.ID,
		ProviderType:  a.ProviderType,
		Email:         a.Email,
		HealthStatus:  a.HealthStatus,
		IsActive:      a.IsActive,
		PoolEnabled:   a.PoolEnabled,
		PoolWeight:    a.PoolWeight,
		FailureCount:  a.FailureCount,
		LastError:     a.LastError,
		ExpiresAt:     a.ExpiresAt,
		LastUsedAt:    a.LastUsedAt,
		LastRefreshAt: a.LastRefreshAt,
		Quota:         a.Quota,
		Stats:         a.Stats,
	}, nil
}
