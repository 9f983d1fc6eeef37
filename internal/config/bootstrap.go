package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	relay "github.com/koriley/switchboard/internal"
	"github.com/koriley/switchboard/internal/storage"
	"github.com/koriley/switchboard/internal/vault"
)

// Bootstrap seeds the database from the config file. Providers are
// matched by name and proxies by path, so re-running against an already
// seeded database is a no-op. Plaintext credentials are sealed before
// they touch disk.
func Bootstrap(ctx context.Context, cfg *Config, store storage.Store, v *vault.Vault) error {
	byName := map[string]string{} // provider name -> id
	existing, err := store.ListProviders(ctx)
	if err != nil {
		return err
	}
	taken := map[string]bool{}
	for _, p := range existing {
		byName[p.Name] = p.ID
		if p.PassthroughSlug != "" {
			taken[p.PassthroughSlug] = true
		}
	}

	for _, e := range cfg.Providers {
		if _, ok := byName[e.Name]; ok {
			continue
		}
		p := &relay.Provider{
			ID:          uuid.Must(uuid.NewV7()).String(),
			Name:        e.Name,
			AdapterType: e.Adapter,
			BaseURL:     e.BaseURL,
			Models:      e.Models,
			Enabled:     e.IsEnabled(),
			Passthrough: e.Passthrough,
			CreatedAt:   time.Now().UTC(),
			UpdatedAt:   time.Now().UTC(),
		}
		if e.APIKey != "" {
			enc, err := v.Encrypt(e.APIKey)
			if err != nil {
				return fmt.Errorf("seal key for provider %s: %w", e.Name, err)
			}
			p.APIKeyEnc = enc
		}
		if e.Passthrough {
			slug := e.Slug
			if slug == "" {
				slug = relay.EnsureUniqueSlug(relay.SlugFromName(e.Name), taken)
			}
			if err := relay.ValidateSlug(slug); err != nil {
				return fmt.Errorf("provider %s: %w", e.Name, err)
			}
			p.PassthroughSlug = slug
			taken[slug] = true
		}
		if err := store.CreateProvider(ctx, p); err != nil {
			return err
		}
		byName[e.Name] = p.ID
		slog.Info("seeded provider", "name", p.Name, "adapter", p.AdapterType)
	}

	for _, e := range cfg.Proxies {
		_, err := store.GetProxyByPath(ctx, e.Path)
		if err == nil {
			continue
		}
		if !errors.Is(err, relay.ErrNotFound) {
			return err
		}
		providerID, ok := byName[e.Provider]
		if !ok {
			return fmt.Errorf("proxy %s references unknown provider %q: %w", e.Name, e.Provider, relay.ErrValidation)
		}
		if err := relay.ValidateSlug(e.Path); err != nil {
			return fmt.Errorf("proxy %s: %w", e.Name, err)
		}
		px := &relay.BridgeProxy{
			ID:             uuid.Must(uuid.NewV7()).String(),
			Name:           e.Name,
			InboundAdapter: e.Inbound,
			OutboundKind:   relay.OutboundProvider,
			OutboundID:     providerID,
			ProxyPath:      e.Path,
			Enabled:        e.IsEnabled(),
			CreatedAt:      time.Now().UTC(),
			UpdatedAt:      time.Now().UTC(),
		}
		if err := store.CreateProxy(ctx, px); err != nil {
			return err
		}
		slog.Info("seeded proxy", "path", px.ProxyPath, "provider", e.Provider)
	}

	return nil
}
