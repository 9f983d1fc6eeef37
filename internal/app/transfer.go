package app

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	relay "github.com/koriley/switchboard/internal"
	"github.com/koriley/switchboard/internal/settings"
	"github.com/koriley/switchboard/internal/storage"
	"github.com/koriley/switchboard/internal/vault"
)

// exportVersion is the schema version of the transfer document.
const exportVersion = 1

// Import strategies.
const (
	StrategySkip      = "skip"      // add new entries only
	StrategyOverwrite = "overwrite" // replace each collection wholesale
	StrategyMerge     = "merge"     // upsert entries, keep local extras
)

// ExportDocument is the portable full-state config. Secrets travel in
// plaintext so the document can move between machines with different
// vault keys; importing re-seals them under the local vault.
type ExportDocument struct {
	Version    int                        `json:"version"`
	ExportedAt time.Time                  `json:"exported_at"`
	Providers  []*ProviderExport          `json:"providers"`
	Proxies    []*ProxyExport             `json:"proxies"`
	Keys       []*KeyExport               `json:"keys"`
	Settings   map[string]json.RawMessage `json:"settings"`
}

// ProviderExport carries a provider with its decrypted credential.
type ProviderExport struct {
	relay.Provider
	APIKey string `json:"api_key,omitempty"`
}

// ProxyExport carries a proxy with its mapping set.
type ProxyExport struct {
	relay.BridgeProxy
	Mappings []*relay.ModelMapping `json:"mappings,omitempty"`
}

// KeyExport carries an API key including its secret.
type KeyExport struct {
	relay.APIKey
	Secret string `json:"key"`
}

// ImportCount tallies one collection's outcome.
type ImportCount struct {
	Added   int `json:"added"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
}

// ImportReport summarizes an import run.
type ImportReport struct {
	Providers ImportCount `json:"providers"`
	Proxies   ImportCount `json:"proxies"`
	Keys      ImportCount `json:"keys"`
	Settings  ImportCount `json:"settings"`
}

// TransferService exports and imports the daemon's full configuration.
type TransferService struct {
	store    storage.Store
	vault    *vault.Vault
	settings *settings.Service
}

// NewTransferService returns a TransferService.
func NewTransferService(store storage.Store, v *vault.Vault, st *settings.Service) *TransferService {
	return &TransferService{store: store, vault: v, settings: st}
}

// Export builds the full-state document. Credentials that cannot be
// decrypted are exported without a key rather than failing the export.
func (s *TransferService) Export(ctx context.Context) (*ExportDocument, error) {
	doc := &ExportDocument{Version: exportVersion, ExportedAt: time.Now().UTC()}

	providers, err := s.store.ListProviders(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range providers {
		pe := &ProviderExport{Provider: *p}
		if p.APIKeyEnc != "" {
			if key, err := s.vault.Decrypt(p.APIKeyEnc); err == nil {
				pe.APIKey = key
			}
		}
		pe.APIKeyEnc = ""
		doc.Providers = append(doc.Providers, pe)
	}

	proxies, err := s.store.ListProxies(ctx)
	if err != nil {
		return nil, err
	}
	for _, px := range proxies {
		mappings, err := s.store.GetMappings(ctx, px.ID)
		if err != nil {
			return nil, err
		}
		doc.Proxies = append(doc.Proxies, &ProxyExport{BridgeProxy: *px, Mappings: mappings})
	}

	keys, err := s.store.ListKeys(ctx)
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		doc.Keys = append(doc.Keys, &KeyExport{APIKey: *k, Secret: k.Key})
	}

	all, err := s.settings.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	doc.Settings = all

	return doc, nil
}

// Import applies the document under the given strategy. Providers land
// before proxies so outbound targets exist; settings go last. Secrets
// are re-sealed under the local vault.
func (s *TransferService) Import(ctx context.Context, doc *ExportDocument, strategy string) (*ImportReport, error) {
	if doc.Version != exportVersion {
		return nil, fmt.Errorf("unsupported config version %d: %w", doc.Version, relay.ErrValidation)
	}
	switch strategy {
	case StrategySkip, StrategyOverwrite, StrategyMerge:
	default:
		return nil, fmt.Errorf("unknown import strategy %q: %w", strategy, relay.ErrValidation)
	}

	report := &ImportReport{}
	if err := s.importProviders(ctx, doc.Providers, strategy, &report.Providers); err != nil {
		return nil, err
	}
	if err := s.importProxies(ctx, doc.Proxies, strategy, &report.Proxies); err != nil {
		return nil, err
	}
	if err := s.importKeys(ctx, doc.Keys, strategy, &report.Keys); err != nil {
		return nil, err
	}
	if err := s.importSettings(ctx, doc.Settings, strategy, &report.Settings); err != nil {
		return nil, err
	}
	return report, nil
}

func (s *TransferService) importProviders(ctx context.Context, incoming []*ProviderExport, strategy string, count *ImportCount) error {
	existing, err := s.store.ListProviders(ctx)
	if err != nil {
		return err
	}
	if strategy == StrategyOverwrite {
		for _, p := range existing {
			if err := s.store.DeleteProvider(ctx, p.ID); err != nil {
				return err
			}
		}
		existing = nil
	}

	byID := make(map[string]*relay.Provider, len(existing))
	byName := make(map[string]*relay.Provider, len(existing))
	for _, p := range existing {
		byID[p.ID] = p
		byName[p.Name] = p
	}

	for _, pe := range incoming {
		p := pe.Provider
		if pe.APIKey != "" {
			enc, err := s.vault.Encrypt(pe.APIKey)
			if err != nil {
				return err
			}
			p.APIKeyEnc = enc
		}
		prior := byID[p.ID]
		if prior == nil {
			prior = byName[p.Name]
		}
		switch {
		case prior == nil:
			if p.ID == "" {
				p.ID = uuid.Must(uuid.NewV7()).String()
			}
			if err := s.store.CreateProvider(ctx, &p); err != nil {
				return err
			}
			count.Added++
		case strategy == StrategySkip:
			count.Skipped++
		default:
			p.ID = prior.ID
			if p.APIKeyEnc == "" {
				p.APIKeyEnc = prior.APIKeyEnc
			}
			if err := s.store.UpdateProvider(ctx, &p); err != nil {
				return err
			}
			count.Updated++
		}
	}
	return nil
}

func (s *TransferService) importProxies(ctx context.Context, incoming []*ProxyExport, strategy string, count *ImportCount) error {
	existing, err := s.store.ListProxies(ctx)
	if err != nil {
		return err
	}
	if strategy == StrategyOverwrite {
		for _, px := range existing {
			if err := s.store.DeleteProxy(ctx, px.ID); err != nil {
				return err
			}
		}
		existing = nil
	}

	byID := make(map[string]*relay.BridgeProxy, len(existing))
	byPath := make(map[string]*relay.BridgeProxy, len(existing))
	for _, px := range existing {
		byID[px.ID] = px
		byPath[px.ProxyPath] = px
	}

	for _, pe := range incoming {
		px := pe.BridgeProxy
		prior := byID[px.ID]
		if prior == nil {
			prior = byPath[px.ProxyPath]
		}
		switch {
		case prior == nil:
			if err := s.store.CreateProxy(ctx, &px); err != nil {
				return err
			}
			count.Added++
		case strategy == StrategySkip:
			count.Skipped++
			continue
		default:
			px.ID = prior.ID
			if err := s.store.UpdateProxy(ctx, &px); err != nil {
				return err
			}
			count.Updated++
		}
		if pe.Mappings != nil {
			for _, m := range pe.Mappings {
				m.ProxyID = px.ID
			}
			if err := s.store.SetMappings(ctx, px.ID, pe.Mappings); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *TransferService) importKeys(ctx context.Context, incoming []*KeyExport, strategy string, count *ImportCount) error {
	existing, err := s.store.ListKeys(ctx)
	if err != nil {
		return err
	}
	if strategy == StrategyOverwrite {
		for _, k := range existing {
			if err := s.store.DeleteKey(ctx, k.ID); err != nil {
				return err
			}
		}
		existing = nil
	}

	byID := make(map[string]*relay.APIKey, len(existing))
	bySecret := make(map[string]*relay.APIKey, len(existing))
	for _, k := range existing {
		byID[k.ID] = k
		bySecret[k.Key] = k
	}

	for _, ke := range incoming {
		k := ke.APIKey
		k.Key = ke.Secret
		if k.Key == "" {
			count.Skipped++
			continue
		}
		prior := byID[k.ID]
		if prior == nil {
			prior = bySecret[k.Key]
		}
		switch {
		case prior == nil:
			if err := s.store.CreateKey(ctx, &k); err != nil {
				return err
			}
			count.Added++
		case strategy == StrategySkip:
			count.Skipped++
		default:
			k.ID = prior.ID
			if err := s.store.UpdateKey(ctx, &k); err != nil {
				return err
			}
			count.Updated++
		}
	}
	return nil
}

func (s *TransferService) importSettings(ctx context.Context, incoming map[string]json.RawMessage, strategy string, count *ImportCount) error {
	var stored map[string]bool
	if strategy == StrategySkip {
		list, err := s.store.ListSettings(ctx)
		if err != nil {
			return err
		}
		stored = make(map[string]bool, len(list))
		for _, st := range list {
			stored[st.Key] = true
		}
	}
	for key, value := range incoming {
		if strategy == StrategySkip && stored[key] {
			count.Skipped++
			continue
		}
		if err := s.settings.Set(ctx, key, value); err != nil {
			// Unknown or malformed keys don't abort the rest of the import.
			count.Skipped++
			continue
		}
		count.Added++
	}
	return nil
}
