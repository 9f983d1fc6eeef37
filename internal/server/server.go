// Package server implements the HTTP front-end for the switchboard
// daemon: the vendor-shaped completion routes, per-proxy bridge paths,
// per-provider passthrough slugs, the chat SSE endpoint, and the admin
// API the management UI drives.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/maypok86/otter/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	relay "github.com/koriley/switchboard/internal"
	"github.com/koriley/switchboard/internal/adapter"
	"github.com/koriley/switchboard/internal/app"
	"github.com/koriley/switchboard/internal/auth"
	"github.com/koriley/switchboard/internal/bridge"
	"github.com/koriley/switchboard/internal/circuitbreaker"
	"github.com/koriley/switchboard/internal/preset"
	"github.com/koriley/switchboard/internal/ratelimit"
	"github.com/koriley/switchboard/internal/settings"
	"github.com/koriley/switchboard/internal/storage"
	"github.com/koriley/switchboard/internal/telemetry"
	"github.com/koriley/switchboard/internal/tunnel"
	"github.com/koriley/switchboard/internal/vault"
)

// routeCacheTTL bounds how long a resolved proxy-path or passthrough
// lookup may be served from memory. Admin mutations become visible
// within this window without explicit invalidation.
const routeCacheTTL = 5 * time.Second

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Store        storage.Store
	Settings     *settings.Service
	Auth         *auth.KeyAuth
	Bridge       *bridge.Service
	Adapters     *adapter.Registry
	Providers    *app.ProviderService
	Proxies      *app.ProxyService
	Keys         *app.KeyService
	Logs         *app.LogService
	Transfer     *app.TransferService
	Chat         *app.ChatService
	Accounts     *app.AccountService
	CodeSwitches *app.CodeSwitchService
	Presets      *preset.Service
	Tunnel       *tunnel.Supervisor
	Limiter      *ratelimit.Limiter
	Breakers     *circuitbreaker.Registry
	Vault        *vault.Vault
	Metrics      *telemetry.Metrics
	Gatherer     prometheus.Gatherer // nil disables /metrics and the metrics op
	ReadyCheck   ReadyChecker        // nil = always ready (for tests)
	Control      *Controller         // nil = a fresh controller in the running state
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	if deps.Control == nil {
		deps.Control = NewController()
	}
	routes, err := otter.New(&otter.Options[string, routeTarget]{
		MaximumSize:      1024,
		ExpiryCalculator: otter.ExpiryWriting[string, routeTarget](routeCacheTTL),
	})
	if err != nil {
		panic(err) // static options; cannot fail at runtime
	}
	s := &server{deps: deps, routes: routes}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.source)
	r.Use(s.logging)
	r.Use(s.corsPolicy())

	// System endpoints (no auth)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	// Management API. Never reachable through the tunnel.
	r.Route("/admin/v1", func(r chi.Router) {
		r.Use(s.localOnly)
		r.Use(s.masterGuard)
		s.mountAdmin(r)
	})

	// Client-facing traffic: vendor routes, proxy paths, passthrough.
	r.Group(func(r chi.Router) {
		r.Use(s.serving)
		r.Use(s.authenticate)
		r.Use(s.rateLimit)

		r.Post("/v1/chat/completions", s.handleVendor("openai"))
		r.Post("/v1/responses", s.handleVendor("openai-responses"))
		r.Post("/v1/messages", s.handleVendor("anthropic"))
		r.Get("/v1/models", s.handleModels)

		// Everything else is a proxy path or a passthrough slug.
		r.HandleFunc("/{head}", s.handleDispatch)
		r.HandleFunc("/{head}/*", s.handleDispatch)
	})

	return r
}

type server struct {
	deps   Deps
	routes *otter.Cache[string, routeTarget]
}

// routeTarget is a cached first-segment lookup: exactly one of Proxy
// and Provider is set; both nil marks a cached miss.
type routeTarget struct {
	Proxy    *relay.BridgeProxy
	Provider *relay.Provider
}

func (s *server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.ReadyCheck != nil {
		if err := s.deps.ReadyCheck(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "reason": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// corsPolicy builds the CORS middleware. The allow list is consulted
// per request through the settings service, so origin changes apply
// without a restart; the enabled switch short-circuits to a wildcard
// check that always passes.
func (s *server) corsPolicy() func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowOriginFunc: func(r *http.Request, origin string) bool {
			pol := s.deps.Settings.CORS(r.Context())
			if !pol.Enabled {
				return false
			}
			for _, o := range pol.Origins {
				if o == "*" || o == origin {
					return true
				}
			}
			return false
		},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Master-Password", "Anthropic-Version", "X-Api-Key"},
		MaxAge:         300,
	})
}
