package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	relay "github.com/koriley/switchboard/internal"
)

// maxRequestBody caps an inbound bridge payload.
const maxRequestBody = 32 << 20

// handleVendor serves the fixed vendor-shaped routes (/v1/chat/completions,
// /v1/responses, /v1/messages). The call is dispatched through the first
// enabled proxy whose inbound side speaks the endpoint's dialect, so a
// client can talk to the daemon as if it were the vendor itself without
// knowing any proxy path.
func (s *server) handleVendor(dialect string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		proxy, err := s.proxyForDialect(ctx, dialect)
		if err != nil {
			s.vendorError(w, dialect, relay.AsError(err))
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
		if err != nil {
			s.vendorError(w, dialect, relay.Errorf(relay.KindValidation, "read request body: %v", err))
			return
		}
		s.deps.Bridge.Execute(w, r, proxy, body)
	}
}

// proxyForDialect picks the serving proxy for a vendor route: the
// enabled proxy with the lowest sort order whose inbound adapter
// resolves to the wanted dialect.
func (s *server) proxyForDialect(ctx context.Context, dialect string) (*relay.BridgeProxy, error) {
	proxies, err := s.deps.Store.ListProxies(ctx)
	if err != nil {
		return nil, err
	}
	for _, px := range proxies {
		if !px.Enabled {
			continue
		}
		a, aerr := s.deps.Adapters.Get(px.InboundAdapter)
		if aerr != nil {
			continue
		}
		if a.Name() == dialect {
			return px, nil
		}
	}
	return nil, relay.Errorf(relay.KindNotFound, "no enabled proxy accepts the %s dialect", dialect)
}

// vendorError writes e in the route's own dialect when the adapter is
// known, falling back to the generic shape.
func (s *server) vendorError(w http.ResponseWriter, dialect string, e *relay.Error) {
	if a, err := s.deps.Adapters.Get(dialect); err == nil {
		writeDialectError(w, a, e)
		return
	}
	writeError(w, e)
}

// handleModels lists the cached model ids of every enabled provider in
// the OpenAI list shape, which all supported client SDKs understand.
func (s *server) handleModels(w http.ResponseWriter, r *http.Request) {
	providers, err := s.deps.Store.ListProviders(r.Context())
	if err != nil {
		writeError(w, relay.AsError(err))
		return
	}
	type model struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Created int64  `json:"created"`
		OwnedBy string `json:"owned_by"`
	}
	data := []model{}
	seen := map[string]bool{}
	for _, p := range providers {
		if !p.Enabled {
			continue
		}
		for _, id := range p.Models {
			if seen[id] {
				continue
			}
			seen[id] = true
			data = append(data, model{ID: id, Object: "model", Created: p.CreatedAt.Unix(), OwnedBy: p.Name})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

// handleDispatch routes by first path segment: a proxy path dispatches
// through the bridge, a passthrough slug relays bytes to the provider.
// Proxy paths win when both exist.
func (s *server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	head := chi.URLParam(r, "head")

	rt, err := s.resolveHead(ctx, head)
	if err != nil {
		writeError(w, relay.AsError(err))
		return
	}

	tail := chi.URLParam(r, "*")
	if tail != "" {
		tail = "/" + tail
	}

	switch {
	case rt.Proxy != nil:
		s.dispatchProxy(w, r, rt.Proxy, tail)
	case rt.Provider != nil:
		s.deps.Bridge.Forward(w, r, rt.Provider, tail)
	default:
		writeError(w, relay.Errorf(relay.KindNotFound, "no proxy or passthrough provider at /%s", head))
	}
}

// resolveHead looks up the first path segment in the route cache,
// falling back to the store. Misses are cached too, so a scanner
// probing unknown paths costs one store read per TTL window.
func (s *server) resolveHead(ctx context.Context, head string) (routeTarget, error) {
	if rt, ok := s.routes.GetIfPresent(head); ok {
		return rt, nil
	}

	var rt routeTarget
	px, err := s.deps.Store.GetProxyByPath(ctx, head)
	switch {
	case err == nil:
		rt.Proxy = px
	case errors.Is(err, relay.ErrNotFound):
		p, perr := s.deps.Store.GetProviderBySlug(ctx, head)
		switch {
		case perr == nil && p.Passthrough && p.Enabled:
			rt.Provider = p
		case perr != nil && !errors.Is(perr, relay.ErrNotFound):
			return routeTarget{}, perr
		}
	default:
		return routeTarget{}, err
	}

	s.routes.Set(head, rt)
	return rt, nil
}

func (s *server) dispatchProxy(w http.ResponseWriter, r *http.Request, proxy *relay.BridgeProxy, tail string) {
	if !proxy.Enabled {
		writeError(w, relay.Errorf(relay.KindNotFound, "proxy %s is disabled", proxy.ProxyPath))
		return
	}

	// SDKs pointed at a proxy path still probe the models endpoint.
	if r.Method == http.MethodGet && strings.HasSuffix(tail, "/models") {
		s.proxyModels(w, r, proxy)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(w, relay.Errorf(relay.KindValidation, "read request body: %v", err))
		return
	}
	s.deps.Bridge.Execute(w, r, proxy, body)
}

// proxyModels serves the model list visible through a proxy: the
// terminal provider's cached models with the proxy's mappings applied
// in reverse (source ids are what the client may send).
func (s *server) proxyModels(w http.ResponseWriter, r *http.Request, proxy *relay.BridgeProxy) {
	ctx := r.Context()
	rt, err := s.deps.Bridge.Resolve(ctx, proxy)
	if err != nil {
		writeError(w, relay.AsError(err))
		return
	}
	mappings, err := s.deps.Store.GetMappings(ctx, proxy.ID)
	if err != nil {
		writeError(w, relay.AsError(err))
		return
	}

	type model struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Created int64  `json:"created"`
		OwnedBy string `json:"owned_by"`
	}
	now := time.Now().Unix()
	seen := map[string]bool{}
	data := []model{}
	add := func(id string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		data = append(data, model{ID: id, Object: "model", Created: now, OwnedBy: rt.Provider.Name})
	}
	for _, m := range mappings {
		add(m.SourceModel)
	}
	for _, id := range rt.Provider.Models {
		add(id)
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}
