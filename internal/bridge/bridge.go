// Package bridge executes routed calls. A bridge call resolves the
// entry proxy's outbound chain down to a terminal provider, translates
// the request from the inbound dialect to the provider's dialect,
// performs the upstream fetch with retries, circuit breaking, and
// OAuth pool failover, translates the reply back, and records one
// request log row. Passthrough providers skip translation; Forward
// relays them byte for byte.
package bridge

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/dnscache"

	relay "github.com/koriley/switchboard/internal"
	"github.com/koriley/switchboard/internal/adapter"
	"github.com/koriley/switchboard/internal/circuitbreaker"
	"github.com/koriley/switchboard/internal/oauth"
	"github.com/koriley/switchboard/internal/settings"
	"github.com/koriley/switchboard/internal/storage"
	"github.com/koriley/switchboard/internal/telemetry"
	"github.com/koriley/switchboard/internal/tokencount"
	"github.com/koriley/switchboard/internal/vault"
)

// maxChainDepth bounds the proxy-to-proxy walk during route
// resolution. The cycle check on writes keeps the graph acyclic; the
// bound covers rows that predate the check.
const maxChainDepth = 16

// Service runs the bridge pipeline. One instance serves all proxies.
type Service struct {
	store    storage.Store
	adapters *adapter.Registry
	settings *settings.Service
	breakers *circuitbreaker.Registry
	pool     *oauth.Selector
	vault    *vault.Vault
	counter  *tokencount.Counter
	metrics  *telemetry.Metrics
	client   *http.Client
}

// New creates the bridge service. The resolver is shared with other
// outbound clients so DNS answers are cached process-wide; it may be
// nil to use the system resolver directly.
func New(
	store storage.Store,
	adapters *adapter.Registry,
	st *settings.Service,
	breakers *circuitbreaker.Registry,
	pool *oauth.Selector,
	v *vault.Vault,
	metrics *telemetry.Metrics,
	resolver *dnscache.Resolver,
) *Service {
	return &Service{
		store:    store,
		adapters: adapters,
		settings: st,
		breakers: breakers,
		pool:     pool,
		vault:    v,
		counter:  tokencount.NewCounter(),
		metrics:  metrics,
		client:   &http.Client{Transport: NewTransport(resolver, true)},
	}
}

// Route is one fully resolved request path: the entry proxy, every hop
// of the outbound chain, the terminal provider, and the dialect
// adapters on both sides.
type Route struct {
	// Proxy is the entry proxy, nil when the route targets a provider
	// directly (chat conversations can do that).
	Proxy    *relay.BridgeProxy
	Hops     []*relay.BridgeProxy
	Provider *relay.Provider
	// Inbound speaks the client's dialect, Outbound the provider's.
	Inbound  adapter.Adapter
	Outbound adapter.Adapter
}

// Resolve walks the outbound chain from an entry proxy down to its
// terminal provider. A disabled hop or provider anywhere on the chain
// hides the whole route.
func (s *Service) Resolve(ctx context.Context, proxy *relay.BridgeProxy) (*Route, error) {
	inbound, err := s.adapters.Get(proxy.InboundAdapter)
	if err != nil {
		return nil, relay.Errorf(relay.KindServer, "proxy %s: inbound adapter %q is not registered", proxy.ProxyPath, proxy.InboundAdapter)
	}

	rt := &Route{Proxy: proxy, Inbound: inbound}
	cur := proxy
	for depth := 0; ; depth++ {
		if depth >= maxChainDepth {
			return nil, relay.Errorf(relay.KindServer, "proxy %s: outbound chain deeper than %d hops", proxy.ProxyPath, maxChainDepth)
		}
		if !cur.Enabled {
			return nil, fmt.Errorf("proxy %s: %w", cur.ProxyPath, relay.ErrDisabled)
		}
		rt.Hops = append(rt.Hops, cur)
		if cur.OutboundKind != relay.OutboundProxy {
			break
		}
		next, err := s.store.GetProxy(ctx, cur.OutboundID)
		if err != nil {
			return nil, err
		}
		cur = next
	}

	p, err := s.store.GetProvider(ctx, cur.OutboundID)
	if err != nil {
		return nil, err
	}
	if !p.Enabled {
		return nil, fmt.Errorf("provider %s: %w", p.Name, relay.ErrDisabled)
	}
	outbound, err := s.adapters.Get(p.AdapterType)
	if err != nil {
		return nil, relay.Errorf(relay.KindServer, "provider %s: adapter %q is not registered", p.Name, p.AdapterType)
	}
	rt.Provider = p
	rt.Outbound = outbound
	return rt, nil
}

// ResolveProvider builds the direct route used when a call targets a
// provider without an intervening proxy. Both sides speak the
// provider's own dialect, so no translation happens.
func (s *Service) ResolveProvider(ctx context.Context, p *relay.Provider) (*Route, error) {
	if !p.Enabled {
		return nil, fmt.Errorf("provider %s: %w", p.Name, relay.ErrDisabled)
	}
	a, err := s.adapters.Get(p.AdapterType)
	if err != nil {
		return nil, relay.Errorf(relay.KindServer, "provider %s: adapter %q is not registered", p.Name, p.AdapterType)
	}
	return &Route{Provider: p, Inbound: a, Outbound: a}, nil
}

// MapModel folds every hop's model mapping over the incoming model id.
// Per hop, an exact source match wins, else the hop's default mapping
// applies, else the id passes through unchanged.
func (s *Service) MapModel(ctx context.Context, rt *Route, model string) (string, error) {
	for _, hop := range rt.Hops {
		mappings, err := s.store.GetMappings(ctx, hop.ID)
		if err != nil {
			return "", err
		}
		model = applyMapping(mappings, model)
	}
	return model, nil
}

func applyMapping(mappings []*relay.ModelMapping, model string) string {
	var def *relay.ModelMapping
	for _, m := range mappings {
		if m.IsDefault {
			def = m
			continue
		}
		if m.SourceModel == model {
			return m.TargetModel
		}
	}
	if def != nil {
		return def.TargetModel
	}
	return model
}
