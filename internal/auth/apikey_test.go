package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	relay "github.com/koriley/switchboard/internal"
	"github.com/koriley/switchboard/internal/settings"
	"github.com/koriley/switchboard/internal/telemetry"
	"github.com/koriley/switchboard/internal/testutil"
)

const testSecret = "sk-test5678901234567890123456789012"

func newTestAuth(t *testing.T) (*KeyAuth, *testutil.FakeStore) {
	t.Helper()
	store := testutil.NewFakeStore()
	st := settings.NewService(store)
	m := telemetry.NewMetrics(prometheus.NewRegistry())
	a, err := NewKeyAuth(store, st, m)
	if err != nil {
		t.Fatalf("NewKeyAuth() error = %v", err)
	}
	return a, store
}

func enableUnifiedKey(t *testing.T, store *testutil.FakeStore) {
	t.Helper()
	err := store.PutSetting(context.Background(), &relay.Setting{
		Key: settings.KeyUnifiedAPIKeyEnabled, Value: json.RawMessage(`true`),
	})
	if err != nil {
		t.Fatalf("PutSetting() error = %v", err)
	}
}

func seedKey(t *testing.T, store *testutil.FakeStore, secret string, enabled bool) *relay.APIKey {
	t.Helper()
	key := &relay.APIKey{ID: "key-" + secret[len(secret)-4:], Key: secret, Label: "test", Enabled: enabled}
	if err := store.CreateKey(context.Background(), key); err != nil {
		t.Fatalf("CreateKey() error = %v", err)
	}
	return key
}

func authRequest(secret string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	if secret != "" {
		r.Header.Set("Authorization", "Bearer "+secret)
	}
	return r
}

func TestAuthenticate_AnonymousWhenDisabled(t *testing.T) {
	t.Parallel()
	a, _ := newTestAuth(t)

	key, err := a.Authenticate(context.Background(), authRequest(""))
	if err != nil {
		t.Fatalf("Authenticate() error = %v, want nil when auth is off", err)
	}
	if key != nil {
		t.Errorf("Authenticate() key = %+v, want nil", key)
	}
}

func TestAuthenticate_ValidKey(t *testing.T) {
	t.Parallel()
	a, store := newTestAuth(t)
	enableUnifiedKey(t, store)
	seeded := seedKey(t, store, testSecret, true)

	key, err := a.Authenticate(context.Background(), authRequest(testSecret))
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if key == nil || key.ID != seeded.ID {
		t.Fatalf("Authenticate() key = %+v, want id %s", key, seeded.ID)
	}

	// Last-used is touched off the request path.
	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := store.GetKey(context.Background(), seeded.ID)
		if err != nil {
			t.Fatalf("GetKey() error = %v", err)
		}
		if got.LastUsedAt != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("LastUsedAt was never touched")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAuthenticate_Rejections(t *testing.T) {
	t.Parallel()
	a, store := newTestAuth(t)
	enableUnifiedKey(t, store)
	seedKey(t, store, testSecret, true)
	seedKey(t, store, "sk-disabled90123456789012345678901234", false)

	tests := []struct {
		name   string
		secret string
	}{
		{"missing token", ""},
		{"wrong prefix", "gnd_" + testSecret},
		{"unknown key", "sk-unknown567890123456789012345678901"},
		{"disabled key", "sk-disabled90123456789012345678901234"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.Authenticate(context.Background(), authRequest(tt.secret))
			if !errors.Is(err, relay.ErrUnauthorized) {
				t.Errorf("Authenticate() error = %v, want ErrUnauthorized", err)
			}
		})
	}
}

func TestAuthenticate_CacheServesUntilInvalidated(t *testing.T) {
	t.Parallel()
	a, store := newTestAuth(t)
	enableUnifiedKey(t, store)
	seeded := seedKey(t, store, testSecret, true)

	if _, err := a.Authenticate(context.Background(), authRequest(testSecret)); err != nil {
		t.Fatalf("first Authenticate() error = %v", err)
	}

	// Disable in the store only; the cached copy keeps serving.
	seeded.Enabled = false
	if err := store.UpdateKey(context.Background(), seeded); err != nil {
		t.Fatalf("UpdateKey() error = %v", err)
	}
	if _, err := a.Authenticate(context.Background(), authRequest(testSecret)); err != nil {
		t.Fatalf("cached Authenticate() error = %v, want success from cache", err)
	}

	a.InvalidateKey(seeded.ID)
	if _, err := a.Authenticate(context.Background(), authRequest(testSecret)); !errors.Is(err, relay.ErrUnauthorized) {
		t.Errorf("post-invalidate Authenticate() error = %v, want ErrUnauthorized", err)
	}
}

func TestAuthenticate_TunnelForcesKey(t *testing.T) {
	t.Parallel()
	a, store := newTestAuth(t)
	seedKey(t, store, testSecret, true)

	ctx := relay.ContextWithSource(context.Background(), relay.SourceTunnel)

	if _, err := a.Authenticate(ctx, authRequest("")); !errors.Is(err, relay.ErrUnauthorized) {
		t.Fatalf("Authenticate() error = %v, want ErrUnauthorized for keyless tunnel request", err)
	}
	key, err := a.Authenticate(ctx, authRequest(testSecret))
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if key == nil {
		t.Fatal("Authenticate() key = nil, want the seeded key")
	}
}

func TestBearerToken_XAPIKeyFallback(t *testing.T) {
	t.Parallel()
	r := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	r.Header.Set("x-api-key", testSecret)

	if got := bearerToken(r); got != testSecret {
		t.Errorf("bearerToken() = %q, want %q", got, testSecret)
	}

	r.Header.Set("Authorization", "Bearer other")
	if got := bearerToken(r); got != "other" {
		t.Errorf("bearerToken() = %q, want the Authorization header to win", got)
	}
}
