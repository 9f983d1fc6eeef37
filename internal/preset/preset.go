// Package preset ships the provider catalog: known upstream vendors
// with their adapter types, base URLs, and branding, so a new provider
// can be configured by picking a preset instead of typing endpoints.
// The bundled catalog is compiled in; a remote catalog can replace it
// when its updatedAt is newer, and the winner is cached in the data
// directory so updates survive restarts.
package preset

import (
	"context"
	"encoding/json"
	_ "embed"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	relay "github.com/koriley/switchboard/internal"
	"github.com/koriley/switchboard/internal/settings"
)

//go:embed presets.json
var bundled []byte

// cacheFile is the catalog cache name inside the data directory.
const cacheFile = "presets.json"

// maxCatalogSize caps a remote catalog download.
const maxCatalogSize = 4 << 20

// Provider is one catalog entry.
type Provider struct {
	Name        string   `json:"name"`
	AdapterType string   `json:"adapter_type"`
	BaseURL     string   `json:"base_url"`
	Description string   `json:"description,omitempty"`
	Website     string   `json:"website,omitempty"`
	LogoURL     string   `json:"logo_url,omitempty"`
	Color       string   `json:"color,omitempty"`
	Models      []string `json:"models,omitempty"`
	RequiresKey bool     `json:"requires_key"`
}

// Catalog is the full preset document.
type Catalog struct {
	Version   int        `json:"version"`
	UpdatedAt time.Time  `json:"updated_at"`
	Providers []Provider `json:"providers"`
}

// Service serves the active catalog and refreshes it from the remote
// URL configured in settings.
type Service struct {
	dir      string
	settings *settings.Service
	client   *http.Client

	mu  sync.RWMutex
	cat Catalog
}

// NewService loads the bundled catalog, then the cache file if it is
// newer. A corrupt cache file is ignored, not fatal.
func NewService(dir string, st *settings.Service, client *http.Client) (*Service, error) {
	var cat Catalog
	if err := json.Unmarshal(bundled, &cat); err != nil {
		return nil, fmt.Errorf("preset: bundled catalog: %w", err)
	}
	s := &Service{dir: dir, settings: st, client: client, cat: cat}

	if raw, err := os.ReadFile(filepath.Join(dir, cacheFile)); err == nil {
		var cached Catalog
		if err := json.Unmarshal(raw, &cached); err != nil {
			slog.Warn("preset cache unreadable, using bundled catalog", "error", err)
		} else if cached.UpdatedAt.After(cat.UpdatedAt) {
			s.cat = cached
		}
	}
	return s, nil
}

// Providers returns a copy of the active catalog entries.
func (s *Service) Providers() []Provider {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Provider, len(s.cat.Providers))
	copy(out, s.cat.Providers)
	return out
}

// UpdatedAt returns the active catalog's timestamp.
func (s *Service) UpdatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cat.UpdatedAt
}

// Refresh fetches the remote catalog and swaps it in when its
// updatedAt is newer than the active one. Returns true when the
// catalog changed. Without a configured remote URL it is a no-op.
func (s *Service) Refresh(ctx context.Context) (bool, error) {
	url := s.settings.String(ctx, settings.KeyPresetsRemoteURL)
	if url == "" {
		return false, nil
	}

	remote, err := s.fetch(ctx, url)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	if !remote.UpdatedAt.After(s.cat.UpdatedAt) {
		s.mu.Unlock()
		return false, nil
	}
	s.cat = *remote
	s.mu.Unlock()

	if err := s.writeCache(remote); err != nil {
		slog.Warn("preset cache write failed", "error", err)
	}
	stamp, _ := json.Marshal(remote.UpdatedAt.Format(time.RFC3339))
	if err := s.settings.Set(ctx, settings.KeyPresetsUpdatedAt, stamp); err != nil {
		slog.Warn("preset timestamp save failed", "error", err)
	}
	slog.Info("preset catalog updated",
		"providers", len(remote.Providers),
		"updated_at", remote.UpdatedAt)
	return true, nil
}

func (s *Service) fetch(ctx context.Context, url string) (*Catalog, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, relay.Errorf(relay.KindValidation, "preset url: %v", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, relay.Errorf(relay.KindAPI, "preset fetch: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, relay.Errorf(relay.KindAPI, "preset fetch: status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxCatalogSize))
	if err != nil {
		return nil, relay.Errorf(relay.KindAPI, "preset fetch: read: %v", err)
	}
	var cat Catalog
	if err := json.Unmarshal(raw, &cat); err != nil {
		return nil, relay.Errorf(relay.KindAPI, "preset fetch: parse: %v", err)
	}
	if len(cat.Providers) == 0 {
		return nil, relay.Errorf(relay.KindAPI, "preset fetch: empty catalog")
	}
	return &cat, nil
}

// writeCache replaces the cache file atomically so a crash mid-write
// never leaves a truncated catalog behind.
func (s *Service) writeCache(cat *Catalog) error {
	raw, err := json.MarshalIndent(cat, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(s.dir, cacheFile+".tmp")
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(s.dir, cacheFile))
}
