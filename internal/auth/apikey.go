// Package auth implements bearer authentication for the local HTTP
// front-end. Keys are validated against the store and cached in a
// W-TinyLFU cache so the hot path stays off SQLite.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"

	relay "github.com/koriley/switchboard/internal"
	"github.com/koriley/switchboard/internal/settings"
	"github.com/koriley/switchboard/internal/storage"
	"github.com/koriley/switchboard/internal/telemetry"
)

const (
	cacheTTL    = 30 * time.Second // short enough to pick up key toggles promptly
	cacheMaxLen = 10_000
)

// KeyAuth authenticates requests against the unified API key table.
// Whether authentication is required at all is a runtime setting;
// tunnel-sourced requests can be forced to authenticate independently
// of the local switch.
type KeyAuth struct {
	store       storage.APIKeyStore
	settings    *settings.Service
	metrics     *telemetry.Metrics
	cache       *otter.Cache[string, *relay.APIKey]
	keyIDSecret sync.Map // key ID -> secret, for invalidation by ID
}

// NewKeyAuth returns a KeyAuth backed by store.
func NewKeyAuth(store storage.APIKeyStore, st *settings.Service, metrics *telemetry.Metrics) (*KeyAuth, error) {
	c, err := otter.New(&otter.Options[string, *relay.APIKey]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, *relay.APIKey](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create auth cache: %w", err)
	}
	return &KeyAuth{store: store, settings: st, metrics: metrics, cache: c}, nil
}

// Required reports whether the request must carry a valid key. The
// unified key switch governs local traffic; tunneled traffic can be
// forced to authenticate even when the local switch is off.
func (a *KeyAuth) Required(ctx context.Context) bool {
	if a.settings.Bool(ctx, settings.KeyUnifiedAPIKeyEnabled) {
		return true
	}
	if relay.SourceFromContext(ctx) == relay.SourceTunnel {
		return a.settings.Bool(ctx, settings.KeyTunnelRequireAPIKey)
	}
	return false
}

// Authenticate validates the request's bearer token when the policy
// requires one. It returns the matched key, or nil when authentication
// is currently disabled for this request.
func (a *KeyAuth) Authenticate(ctx context.Context, r *http.Request) (*relay.APIKey, error) {
	if !a.Required(ctx) {
		return nil, nil
	}

	raw := bearerToken(r)
	if raw == "" || !strings.HasPrefix(raw, relay.APIKeyPrefix) {
		return nil, relay.ErrUnauthorized
	}

	if key, ok := a.cache.GetIfPresent(raw); ok {
		a.metrics.KeyCacheHits.Inc()
		if !key.Enabled {
			return nil, relay.ErrUnauthorized
		}
		return key, nil
	}
	a.metrics.KeyCacheMisses.Inc()

	key, err := a.store.GetKeyBySecret(ctx, raw)
	if err != nil {
		if errors.Is(err, relay.ErrNotFound) {
			return nil, relay.ErrUnauthorized
		}
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(key.Key), []byte(raw)) != 1 {
		return nil, relay.ErrUnauthorized
	}
	if !key.Enabled {
		return nil, relay.ErrUnauthorized
	}

	a.cache.Set(raw, key)
	a.keyIDSecret.Store(key.ID, raw)

	// Touch last-used asynchronously; the request does not wait on it.
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		a.store.TouchKeyUsed(ctx, key.ID) //nolint:errcheck
	}()

	return key, nil
}

// InvalidateKey evicts a cached key by its ID. Admin mutations (toggle,
// rename, delete) call this so a revoked key stops working inside the
// cache TTL.
func (a *KeyAuth) InvalidateKey(id string) {
	if secret, ok := a.keyIDSecret.LoadAndDelete(id); ok {
		a.cache.Invalidate(secret.(string))
	}
}

// bearerToken extracts the credential from Authorization: Bearer or the
// x-api-key header some vendor SDKs send instead.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(h, "Bearer "); ok {
		return after
	}
	return r.Header.Get("x-api-key")
}
