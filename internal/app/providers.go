package app

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	relay "github.com/koriley/switchboard/internal"
	"github.com/koriley/switchboard/internal/adapter"
	"github.com/koriley/switchboard/internal/storage"
	"github.com/koriley/switchboard/internal/vault"
)

// reservedSlugs are path segments the daemon mounts itself; neither
// passthrough slugs nor proxy paths may shadow them.
var reservedSlugs = map[string]bool{
	"v1": true, "v1beta": true, "admin": true,
	"healthz": true, "readyz": true, "metrics": true,
}

// probeTimeout bounds a connection test or model listing call.
const probeTimeout = 15 * time.Second

// ProviderService manages upstream provider configuration, including
// credential sealing, passthrough slug allocation, and live probes
// against the vendor's models endpoint.
type ProviderService struct {
	store    storage.Store
	vault    *vault.Vault
	adapters *adapter.Registry
	client   *http.Client
}

// NewProviderService returns a ProviderService. The client is shared
// with other outbound callers so connection pools and cached DNS
// answers are reused.
func NewProviderService(store storage.Store, v *vault.Vault, adapters *adapter.Registry, client *http.Client) *ProviderService {
	return &ProviderService{store: store, vault: v, adapters: adapters, client: client}
}

// Create validates and stores a new provider. A non-empty apiKey is
// sealed into the vault; the plaintext never reaches the store.
func (s *ProviderService) Create(ctx context.Context, p *relay.Provider, apiKey string) (*relay.Provider, error) {
	if err := s.validate(ctx, p, ""); err != nil {
		return nil, err
	}
	if p.ID == "" {
		p.ID = uuid.Must(uuid.NewV7()).String()
	}
	if apiKey != "" {
		enc, err := s.vault.Encrypt(apiKey)
		if err != nil {
			return nil, err
		}
		p.APIKeyEnc = enc
	}
	if err := s.store.CreateProvider(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Update replaces a provider's configuration. An empty apiKey keeps the
// stored credential; a non-empty one replaces it.
func (s *ProviderService) Update(ctx context.Context, p *relay.Provider, apiKey string) (*relay.Provider, error) {
	existing, err := s.store.GetProvider(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	if err := s.validate(ctx, p, p.ID); err != nil {
		return nil, err
	}
	if apiKey != "" {
		enc, err := s.vault.Encrypt(apiKey)
		if err != nil {
			return nil, err
		}
		p.APIKeyEnc = enc
	} else {
		p.APIKeyEnc = existing.APIKeyEnc
	}
	p.CreatedAt = existing.CreatedAt
	if err := s.store.UpdateProvider(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Toggle flips a provider's enabled flag.
func (s *ProviderService) Toggle(ctx context.Context, id string, enabled bool) (*relay.Provider, error) {
	p, err := s.store.GetProvider(ctx, id)
	if err != nil {
		return nil, err
	}
	p.Enabled = enabled
	if err := s.store.UpdateProvider(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Get returns one provider by id.
func (s *ProviderService) Get(ctx context.Context, id string) (*relay.Provider, error) {
	return s.store.GetProvider(ctx, id)
}

// List returns all providers in sort order.
func (s *ProviderService) List(ctx context.Context) ([]*relay.Provider, error) {
	return s.store.ListProviders(ctx)
}

// Delete removes a provider. Proxies that target it keep their rows and
// fail resolution until retargeted.
func (s *ProviderService) Delete(ctx context.Context, id string) error {
	return s.store.DeleteProvider(ctx, id)
}

func (s *ProviderService) validate(ctx context.Context, p *relay.Provider, selfID string) error {
	if p.Name == "" {
		return fmt.Errorf("name is required: %w", relay.ErrValidation)
	}
	if _, err := s.adapters.Get(p.AdapterType); err != nil {
		return fmt.Errorf("adapter %q is not registered: %w", p.AdapterType, relay.ErrValidation)
	}
	if p.Passthrough {
		if p.PassthroughSlug == "" {
			slug, err := s.GenerateSlug(ctx, p.Name)
			if err != nil {
				return err
			}
			p.PassthroughSlug = slug
		} else if err := s.ValidateSlug(ctx, p.PassthroughSlug, selfID); err != nil {
			return err
		}
	}
	return nil
}

// ValidateSlug checks a passthrough slug for shape, reserved segments,
// and collisions with other providers and proxy paths. excludeID skips
// the provider being edited.
func (s *ProviderService) ValidateSlug(ctx context.Context, slug, excludeID string) error {
	if err := relay.ValidateSlug(slug); err != nil {
		return err
	}
	if reservedSlugs[slug] {
		return fmt.Errorf("slug %q is reserved: %w", slug, relay.ErrValidation)
	}
	if other, err := s.store.GetProviderBySlug(ctx, slug); err == nil && other.ID != excludeID {
		return fmt.Errorf("slug %q: %w", slug, relay.ErrConflict)
	}
	if _, err := s.store.GetProxyByPath(ctx, slug); err == nil {
		return fmt.Errorf("slug %q collides with a proxy path: %w", slug, relay.ErrConflict)
	}
	return nil
}

// GenerateSlug derives an unused slug from a display name.
func (s *ProviderService) GenerateSlug(ctx context.Context, name string) (string, error) {
	taken, err := s.takenSlugs(ctx)
	if err != nil {
		return "", err
	}
	return relay.EnsureUniqueSlug(relay.SlugFromName(name), taken), nil
}

func (s *ProviderService) takenSlugs(ctx context.Context) (map[string]bool, error) {
	taken := make(map[string]bool, len(reservedSlugs))
	for slug := range reservedSlugs {
		taken[slug] = true
	}
	providers, err := s.store.ListProviders(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range providers {
		if p.PassthroughSlug != "" {
			taken[p.PassthroughSlug] = true
		}
	}
	proxies, err := s.store.ListProxies(ctx)
	if err != nil {
		return nil, err
	}
	for _, px := range proxies {
		taken[px.ProxyPath] = true
	}
	return taken, nil
}

// ProbeResult reports the outcome of a provider connection test.
type ProbeResult struct {
	OK         bool   `json:"ok"`
	StatusCode int    `json:"status_code,omitempty"`
	LatencyMs  int64  `json:"latency_ms"`
	ModelCount int    `json:"model_count,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Probe tests connectivity by listing the provider's models with its
// stored credential. Failures are reported in the result, not as an
// error, so the caller can render them.
func (s *ProviderService) Probe(ctx context.Context, id string) (*ProbeResult, error) {
	p, err := s.store.GetProvider(ctx, id)
	if err != nil {
		return nil, err
	}
	key, err := s.credential(p)
	if err != nil {
		return &ProbeResult{Error: err.Error()}, nil
	}
	start := time.Now()
	models, status, err := s.listModels(ctx, p, key, mustInfo(s.adapters, p))
	res := &ProbeResult{StatusCode: status, LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		res.Error = err.Error()
		return res, nil
	}
	res.OK = true
	res.ModelCount = len(models)
	return res, nil
}

// FetchModels lists the provider's models with its stored credential
// and persists the result on the provider row.
func (s *ProviderService) FetchModels(ctx context.Context, id string) ([]string, error) {
	p, err := s.store.GetProvider(ctx, id)
	if err != nil {
		return nil, err
	}
	key, err := s.credential(p)
	if err != nil {
		return nil, err
	}
	models, _, err := s.listModels(ctx, p, key, mustInfo(s.adapters, p))
	if err != nil {
		return nil, err
	}
	p.Models = models
	if err := s.store.UpdateProvider(ctx, p); err != nil {
		return nil, err
	}
	return models, nil
}

// FetchModelsOAuth lists models using a pooled account's access token
// instead of the provider's own key.
func (s *ProviderService) FetchModelsOAuth(ctx context.Context, id, accountID string) ([]string, error) {
	p, err := s.store.GetProvider(ctx, id)
	if err != nil {
		return nil, err
	}
	acct, err := s.store.GetOAuthAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	token, err := s.vault.Decrypt(acct.AccessTokenEnc)
	if err != nil {
		return nil, fmt.Errorf("account %s: credential cannot be opened: %w", acct.Email, err)
	}
	models, _, err := s.listModels(ctx, p, token, adapter.AuthBearer)
	if err != nil {
		return nil, err
	}
	p.Models = models
	if err := s.store.UpdateProvider(ctx, p); err != nil {
		return nil, err
	}
	return models, nil
}

func (s *ProviderService) credential(p *relay.Provider) (string, error) {
	if p.APIKeyEnc == "" {
		return "", nil
	}
	key, err := s.vault.Decrypt(p.APIKeyEnc)
	if err != nil {
		return "", fmt.Errorf("provider %s: credential cannot be opened: %w", p.Name, err)
	}
	return key, nil
}

// mustInfo returns the auth style for the provider's adapter, falling
// back to bearer for unregistered types. Validation keeps unregistered
// types out of the store; the fallback covers imported rows.
func mustInfo(adapters *adapter.Registry, p *relay.Provider) string {
	a, err := adapters.Get(p.AdapterType)
	if err != nil {
		return adapter.AuthBearer
	}
	return a.Info().AuthStyle
}

// listModels performs the GET against the models endpoint and extracts
// the model ids from either the OpenAI data[].id or the Gemini
// models[].name shape.
func (s *ProviderService) listModels(ctx context.Context, p *relay.Provider, key, style string) ([]string, int, error) {
	a, err := s.adapters.Get(p.AdapterType)
	if err != nil {
		return nil, 0, err
	}
	info := a.Info()

	base := p.BaseURL
	if base == "" {
		base = info.BaseURL
	}
	if base == "" {
		return nil, 0, relay.Errorf(relay.KindAPI, "provider %s has no endpoint", p.Name)
	}
	path := p.ModelsPath
	if path == "" {
		path = info.ModelsPath
	}
	target := strings.TrimSuffix(base, "/") + path

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, 0, err
	}
	applyProbeAuth(req, style, key)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, &relay.UpstreamError{Provider: p.Name, StatusCode: resp.StatusCode, Body: body}
	}
	return parseModelIDs(body), resp.StatusCode, nil
}

func applyProbeAuth(req *http.Request, style, key string) {
	switch style {
	case adapter.AuthHeader:
		if key != "" {
			req.Header.Set("x-api-key", key)
		}
		req.Header.Set("anthropic-version", "2023-06-01")
	case adapter.AuthQuery:
		if key != "" {
			q := req.URL.Query()
			q.Set("key", key)
			req.URL.RawQuery = q.Encode()
		}
	default:
		if key != "" {
			req.Header.Set("Authorization", "Bearer "+key)
		}
	}
}

func parseModelIDs(body []byte) []string {
	var out []string
	if data := gjson.GetBytes(body, "data"); data.Exists() {
		for _, m := range data.Array() {
			if id := m.Get("id").String(); id != "" {
				out = append(out, id)
			}
		}
		return out
	}
	for _, m := range gjson.GetBytes(body, "models").Array() {
		name := m.Get("name").String()
		name = strings.TrimPrefix(name, "models/")
		if name != "" {
			out = append(out, name)
		}
	}
	return out
}
