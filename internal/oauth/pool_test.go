package oauth

import (
	"context"
	"errors"
	"testing"
	"time"

	relay "github.com/koriley/switchboard/internal"
)

func poolAccount(id string, weight int, used *time.Time) *relay.OAuthAccount {
	return &relay.OAuthAccount{
		ID:           id,
		ProviderType: relay.OAuthCodex,
		Email:        id + "@example.com",
		IsActive:     true,
		HealthStatus: relay.HealthActive,
		PoolEnabled:  true,
		PoolWeight:   weight,
		LastUsedAt:   used,
		CreatedAt:    time.Now().UTC(),
	}
}

func TestSelectorOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newFakeOAuthStore()
	used := time.Now().Add(-time.Minute).UTC()
	for _, a := range []*relay.OAuthAccount{
		poolAccount("light", 1, nil),
		poolAccount("heavy-used", 5, &used),
		poolAccount("heavy-fresh", 5, nil),
	} {
		if err := store.CreateOAuthAccount(ctx, a); err != nil {
			t.Fatal(err)
		}
	}

	s := NewSelector(store)
	got, err := s.Select(ctx, relay.OAuthCodex, nil)
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	// Highest weight wins; within a weight, never-used first.
	if got.ID != "heavy-fresh" {
		t.Errorf("selected %q, want heavy-fresh", got.ID)
	}
}

func TestSelectorPrefersLastSuccessful(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newFakeOAuthStore()
	for _, a := range []*relay.OAuthAccount{
		poolAccount("a", 5, nil),
		poolAccount("b", 1, nil),
	} {
		if err := store.CreateOAuthAccount(ctx, a); err != nil {
			t.Fatal(err)
		}
	}

	s := NewSelector(store)
	b, err := store.GetOAuthAccount(ctx, "b")
	if err != nil {
		t.Fatal(err)
	}
	s.MarkSuccess(ctx, b)

	// The lighter account served last, so it stays preferred over the
	// heavier one.
	got, err := s.Select(ctx, relay.OAuthCodex, nil)
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if got.ID != "b" {
		t.Errorf("selected %q, want last-successful b", got.ID)
	}

	// MarkSuccess also stamps last_used.
	b2, _ := store.GetOAuthAccount(ctx, "b")
	if b2.LastUsedAt == nil {
		t.Error("MarkSuccess should stamp last_used_at")
	}
}

func TestSelectorExclusion(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newFakeOAuthStore()
	for _, a := range []*relay.OAuthAccount{
		poolAccount("a", 5, nil),
		poolAccount("b", 1, nil),
	} {
		if err := store.CreateOAuthAccount(ctx, a); err != nil {
			t.Fatal(err)
		}
	}

	s := NewSelector(store)
	got, err := s.Select(ctx, relay.OAuthCodex, map[string]bool{"a": true})
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if got.ID != "b" {
		t.Errorf("selected %q, want b with a excluded", got.ID)
	}

	if _, err := s.Select(ctx, relay.OAuthCodex, map[string]bool{"a": true, "b": true}); !errors.Is(err, relay.ErrNoAccount) {
		t.Fatalf("Select() with all excluded = %v, want ErrNoAccount", err)
	}
}

func TestSelectorSkipsIneligible(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newFakeOAuthStore()

	sick := poolAccount("sick", 9, nil)
	sick.HealthStatus = relay.HealthRateLimited
	parked := poolAccount("parked", 9, nil)
	parked.PoolEnabled = false
	ok := poolAccount("ok", 1, nil)
	for _, a := range []*relay.OAuthAccount{sick, parked, ok} {
		if err := store.CreateOAuthAccount(ctx, a); err != nil {
			t.Fatal(err)
		}
	}

	s := NewSelector(store)
	got, err := s.Select(ctx, relay.OAuthCodex, nil)
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if got.ID != "ok" {
		t.Errorf("selected %q, want ok (others ineligible)", got.ID)
	}
}

func TestSelectorMarkFailure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		status     int
		failures   int // prior consecutive failures
		wantHealth string
		wantActive bool
	}{
		{"rate limited", 429, 0, relay.HealthRateLimited, true},
		{"unauthorized expires", 401, 0, relay.HealthExpired, false},
		{"forbidden", 403, 0, relay.HealthForbidden, false},
		{"server error below threshold", 500, 0, relay.HealthActive, true},
		{"third failure deactivates", 500, 2, relay.HealthError, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			store := newFakeOAuthStore()
			a := poolAccount("acc", 1, nil)
			a.FailureCount = tt.failures
			if err := store.CreateOAuthAccount(ctx, a); err != nil {
				t.Fatal(err)
			}

			s := NewSelector(store)
			if err := s.MarkFailure(ctx, a, tt.status, "upstream failed"); err != nil {
				t.Fatalf("MarkFailure() error = %v", err)
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
			if stored.LastError != "upstream failed" {
				t.Errorf("last_error = %q, want recorded", stored.LastError)
			}
		})
	}
}

func TestSelectorFailureClearsPreference(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newFakeOAuthStore()
	for _, a := range []*relay.OAuthAccount{
		poolAccount("a", 1, nil),
		poolAccount("b", 5, nil),
	} {
		if err := store.CreateOAuthAccount(ctx, a); err != nil {
			t.Fatal(err)
		}
	}

	s := NewSelector(store)
	a, _ := store.GetOAuthAccount(ctx, "a")
	s.MarkSuccess(ctx, a)
	// One 500 leaves the account eligible but drops its preference.
	if err := s.MarkFailure(ctx, a, 500, "upstream hiccup"); err != nil {
		t.Fatalf("MarkFailure() error = %v", err)
	}

	got, err := s.Select(ctx, relay.OAuthCodex, nil)
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if got.ID != "b" {
		t.Errorf("selected %q, want heavier b once preference is gone", got.ID)
	}
}
