package app

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	relay "github.com/koriley/switchboard/internal"
	"github.com/koriley/switchboard/internal/adapter"
	"github.com/koriley/switchboard/internal/storage"
)

// ProxyService manages bridge proxies and their model mapping sets.
type ProxyService struct {
	store    storage.Store
	adapters *adapter.Registry
}

// NewProxyService returns a ProxyService backed by store.
func NewProxyService(store storage.Store, adapters *adapter.Registry) *ProxyService {
	return &ProxyService{store: store, adapters: adapters}
}

// Create validates and stores a new proxy. An empty ProxyPath is
// derived from the name; the outbound target must exist and must not
// close a proxy cycle.
func (s *ProxyService) Create(ctx context.Context, p *relay.BridgeProxy) (*relay.BridgeProxy, error) {
	if p.ID == "" {
		p.ID = uuid.Must(uuid.NewV7()).String()
	}
	if err := s.validate(ctx, p, ""); err != nil {
		return nil, err
	}
	if err := s.store.CreateProxy(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Update replaces a proxy's configuration, re-running path and cycle
// validation against the new outbound edge.
func (s *ProxyService) Update(ctx context.Context, p *relay.BridgeProxy) (*relay.BridgeProxy, error) {
	existing, err := s.store.GetProxy(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	if err := s.validate(ctx, p, p.ID); err != nil {
		return nil, err
	}
	p.CreatedAt = existing.CreatedAt
	if err := s.store.UpdateProxy(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Toggle flips a proxy's enabled flag.
func (s *ProxyService) Toggle(ctx context.Context, id string, enabled bool) (*relay.BridgeProxy, error) {
	p, err := s.store.GetProxy(ctx, id)
	if err != nil {
		return nil, err
	}
	p.Enabled = enabled
	if err := s.store.UpdateProxy(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Get returns one proxy by id.
func (s *ProxyService) Get(ctx context.Context, id string) (*relay.BridgeProxy, error) {
	return s.store.GetProxy(ctx, id)
}

// List returns all proxies in sort order.
func (s *ProxyService) List(ctx context.Context) ([]*relay.BridgeProxy, error) {
	return s.store.ListProxies(ctx)
}

// Delete removes a proxy and, via the schema cascade, its mappings.
// Proxies chained onto it keep their rows and fail resolution.
func (s *ProxyService) Delete(ctx context.Context, id string) error {
	return s.store.DeleteProxy(ctx, id)
}

func (s *ProxyService) validate(ctx context.Context, p *relay.BridgeProxy, selfID string) error {
	if p.Name == "" {
		return fmt.Errorf("name is required: %w", relay.ErrValidation)
	}
	if _, err := s.adapters.Get(p.InboundAdapter); err != nil {
		return fmt.Errorf("inbound adapter %q is not registered: %w", p.InboundAdapter, relay.ErrValidation)
	}
	switch p.OutboundKind {
	case relay.OutboundProvider:
		if _, err := s.store.GetProvider(ctx, p.OutboundID); err != nil {
			return fmt.Errorf("outbound provider %s: %w", p.OutboundID, err)
		}
	case relay.OutboundProxy:
		if _, err := s.store.GetProxy(ctx, p.OutboundID); err != nil {
			return fmt.Errorf("outbound proxy %s: %w", p.OutboundID, err)
		}
	default:
		return fmt.Errorf("outbound kind %q: %w", p.OutboundKind, relay.ErrValidation)
	}
	if p.ProxyPath == "" {
		path, err := s.GeneratePath(ctx, p.Name)
		if err != nil {
			return err
		}
		p.ProxyPath = path
	} else if err := s.ValidatePath(ctx, p.ProxyPath, selfID); err != nil {
		return err
	}
	return nil
}

// ValidatePath checks a proxy path for shape, reserved segments, and
// collisions with other proxies and passthrough slugs.
func (s *ProxyService) ValidatePath(ctx context.Context, path, excludeID string) error {
	if err := relay.ValidateSlug(path); err != nil {
		return err
	}
	if reservedSlugs[path] {
		return fmt.Errorf("path %q is reserved: %w", path, relay.ErrValidation)
	}
	if other, err := s.store.GetProxyByPath(ctx, path); err == nil && other.ID != excludeID {
		return fmt.Errorf("path %q: %w", path, relay.ErrConflict)
	}
	if _, err := s.store.GetProviderBySlug(ctx, path); err == nil {
		return fmt.Errorf("path %q collides with a passthrough slug: %w", path, relay.ErrConflict)
	}
	return nil
}

// GeneratePath derives an unused proxy path from a display name.
func (s *ProxyService) GeneratePath(ctx context.Context, name string) (string, error) {
	taken := make(map[string]bool, len(reservedSlugs))
	for slug := range reservedSlugs {
		taken[slug] = true
	}
	proxies, err := s.store.ListProxies(ctx)
	if err != nil {
		return "", err
	}
	for _, px := range proxies {
		taken[px.ProxyPath] = true
	}
	providers, err := s.store.ListProviders(ctx)
	if err != nil {
		return "", err
	}
	for _, p := range providers {
		if p.PassthroughSlug != "" {
			taken[p.PassthroughSlug] = true
		}
	}
	return relay.EnsureUniqueSlug(relay.SlugFromName(name), taken), nil
}

// CheckCircular reports whether pointing proxyID at the given outbound
// target would close a cycle.
func (s *ProxyService) CheckCircular(ctx context.Context, proxyID, outboundKind, outboundID string) error {
	return s.store.CheckCircular(ctx, proxyID, outboundKind, outboundID)
}

// Mappings returns the proxy's model mapping rows.
func (s *ProxyService) Mappings(ctx context.Context, proxyID string) ([]*relay.ModelMapping, error) {
	if _, err := s.store.GetProxy(ctx, proxyID); err != nil {
		return nil, err
	}
	return s.store.GetMappings(ctx, proxyID)
}

// SetMappings replaces the proxy's mapping set atomically. At most one
// default row is accepted; every row needs a target, and non-default
// rows need a source.
func (s *ProxyService) SetMappings(ctx context.Context, proxyID string, mappings []*relay.ModelMapping) ([]*relay.ModelMapping, error) {
	if _, err := s.store.GetProxy(ctx, proxyID); err != nil {
		return nil, err
	}
	defaults := 0
	seen := make(map[string]bool, len(mappings))
	for _, m := range mappings {
		if m.TargetModel == "" {
			return nil, fmt.Errorf("mapping target is required: %w", relay.ErrValidation)
		}
		if m.IsDefault {
			defaults++
			if defaults > 1 {
				return nil, fmt.Errorf("at most one default mapping: %w", relay.ErrValidation)
			}
		} else {
			if m.SourceModel == "" {
				return nil, fmt.Errorf("mapping source is required: %w", relay.ErrValidation)
			}
			if seen[m.SourceModel] {
				return nil, fmt.Errorf("duplicate mapping for %q: %w", m.SourceModel, relay.ErrValidation)
			}
			seen[m.SourceModel] = true
		}
		if m.ID == "" {
			m.ID = uuid.Must(uuid.NewV7()).String()
		}
		m.ProxyID = proxyID
		if m.CreatedAt.IsZero() {
			m.CreatedAt = time.Now().UTC()
		}
	}
	if err := s.store.SetMappings(ctx, proxyID, mappings); err != nil {
		return nil, err
	}
	return mappings, nil
}
