package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	relay "github.com/koriley/switchboard/internal"
	"github.com/koriley/switchboard/internal/adapter"
	"github.com/koriley/switchboard/internal/app"
	"github.com/koriley/switchboard/internal/storage"
)

// mountAdmin wires the management API. Every named operation the UI
// shell invokes is one route here.
func (s *server) mountAdmin(r chi.Router) {
	r.Route("/providers", func(r chi.Router) {
		r.Get("/", s.adminListProviders)
		r.Post("/", s.adminCreateProvider)
		r.Post("/validate-slug", s.adminValidateSlug)
		r.Post("/generate-slug", s.adminGenerateSlug)
		r.Get("/{id}", s.adminGetProvider)
		r.Put("/{id}", s.adminUpdateProvider)
		r.Delete("/{id}", s.adminDeleteProvider)
		r.Post("/{id}/toggle", s.adminToggleProvider)
		r.Post("/{id}/test", s.adminTestProvider)
		r.Post("/{id}/models", s.adminFetchModels)
		r.Post("/{id}/models/oauth", s.adminFetchModelsOAuth)
	})

	r.Route("/proxies", func(r chi.Router) {
		r.Get("/", s.adminListProxies)
		r.Post("/", s.adminCreateProxy)
		r.Post("/validate-path", s.adminValidateProxyPath)
		r.Post("/check-circular", s.adminCheckCircular)
		r.Get("/{id}", s.adminGetProxy)
		r.Put("/{id}", s.adminUpdateProxy)
		r.Delete("/{id}", s.adminDeleteProxy)
		r.Post("/{id}/toggle", s.adminToggleProxy)
		r.Get("/{id}/mappings", s.adminGetMappings)
		r.Put("/{id}/mappings", s.adminSetMappings)
	})

	r.Route("/keys", func(r chi.Router) {
		r.Get("/", s.adminListKeys)
		r.Post("/", s.adminCreateKey)
		r.Delete("/{id}", s.adminDeleteKey)
		r.Post("/{id}/toggle", s.adminToggleKey)
		r.Post("/{id}/rename", s.adminRenameKey)
	})

	r.Route("/settings", func(r chi.Router) {
		r.Get("/", s.adminGetAllSettings)
		r.Put("/", s.adminSetManySettings)
		r.Get("/{key}", s.adminGetSetting)
		r.Put("/{key}", s.adminSetSetting)
	})

	r.Route("/logs", func(r chi.Router) {
		r.Get("/", s.adminQueryLogs)
		r.Delete("/", s.adminClearLogs)
		r.Post("/cleanup", s.adminCleanupLogs)
		r.Get("/stats", s.adminLogStats)
		r.Get("/timeseries", s.adminLogTimeSeries)
		r.Get("/export", s.adminExportLogs)
		r.Get("/{id}", s.adminGetLog)
	})

	r.Route("/config", func(r chi.Router) {
		r.Get("/export", s.adminExportConfig)
		r.Post("/import", s.adminImportConfig)
	})

	r.Route("/code-switches", func(r chi.Router) {
		r.Get("/", s.adminListCodeSwitches)
		r.Post("/", s.adminCreateCodeSwitch)
		r.Get("/{id}", s.adminGetCodeSwitch)
		r.Put("/{id}", s.adminUpdateCodeSwitch)
		r.Delete("/{id}", s.adminDeleteCodeSwitch)
		r.Post("/{id}/toggle", s.adminToggleCodeSwitch)
		r.Get("/{id}/mappings", s.adminGetCodeMappings)
		r.Put("/{id}/mappings", s.adminSetCodeMappings)
	})

	r.Route("/oauth", func(r chi.Router) {
		r.Get("/accounts", s.adminListAccounts)
		r.Post("/authorize", s.adminAuthorize)
		r.Delete("/accounts/{id}", s.adminDeleteAccount)
		r.Post("/accounts/{id}/refresh", s.adminRefreshAccount)
		r.Post("/accounts/{id}/pool", s.adminToggleAccountPool)
		r.Post("/accounts/{id}/quota", s.adminUpdateAccountQuota)
		r.Get("/accounts/{id}/stats", s.adminAccountStats)
	})

	r.Route("/tunnel", func(r chi.Router) {
		r.Post("/start", s.adminTunnelStart)
		r.Post("/stop", s.adminTunnelStop)
		r.Get("/status", s.adminTunnelStatus)
		r.Get("/helper", s.adminTunnelHelper)
		r.Post("/helper/download", s.adminTunnelDownload)
		r.Get("/stats", s.adminTunnelStats)
		r.Get("/logs", s.adminTunnelLogs)
		r.Get("/system-logs", s.adminTunnelSystemLogs)
	})

	r.Route("/presets", func(r chi.Router) {
		r.Get("/providers", s.adminPresetProviders)
		r.Get("/adapters", s.adminPresetAdapters)
		r.Post("/refresh", s.adminPresetRefresh)
	})

	r.Route("/service", func(r chi.Router) {
		r.Post("/start", s.adminServiceStart)
		r.Post("/stop", s.adminServiceStop)
		r.Post("/restart", s.adminServiceRestart)
		r.Get("/status", s.adminServiceStatus)
		r.Get("/metrics", s.adminServiceMetrics)
	})

	s.mountChat(r)
}

// respond writes v, or err in the admin error shape when non-nil.
func respond(w http.ResponseWriter, v any, err error) {
	if err != nil {
		writeError(w, relay.AsError(err))
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// --- Providers ---

// providerBody is a provider payload plus the plaintext credential,
// which only travels admin-to-daemon and is sealed before storage.
type providerBody struct {
	relay.Provider
	APIKey string `json:"api_key"`
}

func (s *server) adminListProviders(w http.ResponseWriter, r *http.Request) {
	v, err := s.deps.Providers.List(r.Context())
	respond(w, v, err)
}

func (s *server) adminGetProvider(w http.ResponseWriter, r *http.Request) {
	v, err := s.deps.Providers.Get(r.Context(), chi.URLParam(r, "id"))
	respond(w, v, err)
}

func (s *server) adminCreateProvider(w http.ResponseWriter, r *http.Request) {
	var body providerBody
	if e := decodeBody(r, &body); e != nil {
		writeError(w, e)
		return
	}
	v, err := s.deps.Providers.Create(r.Context(), &body.Provider, body.APIKey)
	s.invalidateRoutes()
	respond(w, v, err)
}

func (s *server) adminUpdateProvider(w http.ResponseWriter, r *http.Request) {
	var body providerBody
	if e := decodeBody(r, &body); e != nil {
		writeError(w, e)
		return
	}
	body.Provider.ID = chi.URLParam(r, "id")
	v, err := s.deps.Providers.Update(r.Context(), &body.Provider, body.APIKey)
	s.invalidateRoutes()
	respond(w, v, err)
}

func (s *server) adminDeleteProvider(w http.ResponseWriter, r *http.Request) {
	err := s.deps.Providers.Delete(r.Context(), chi.URLParam(r, "id"))
	s.invalidateRoutes()
	respond(w, map[string]bool{"deleted": err == nil}, err)
}

func (s *server) adminToggleProvider(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if e := decodeBody(r, &body); e != nil {
		writeError(w, e)
		return
	}
	v, err := s.deps.Providers.Toggle(r.Context(), chi.URLParam(r, "id"), body.Enabled)
	s.invalidateRoutes()
	respond(w, v, err)
}

func (s *server) adminTestProvider(w http.ResponseWriter, r *http.Request) {
	v, err := s.deps.Providers.Probe(r.Context(), chi.URLParam(r, "id"))
	respond(w, v, err)
}

func (s *server) adminFetchModels(w http.ResponseWriter, r *http.Request) {
	v, err := s.deps.Providers.FetchModels(r.Context(), chi.URLParam(r, "id"))
	respond(w, map[string]any{"models": v}, err)
}

func (s *server) adminFetchModelsOAuth(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AccountID string `json:"account_id"`
	}
	if e := decodeBody(r, &body); e != nil {
		writeError(w, e)
		return
	}
	v, err := s.deps.Providers.FetchModelsOAuth(r.Context(), chi.URLParam(r, "id"), body.AccountID)
	respond(w, map[string]any{"models": v}, err)
}

func (s *server) adminValidateSlug(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Slug      string `json:"slug"`
		ExcludeID string `json:"exclude_id"`
	}
	if e := decodeBody(r, &body); e != nil {
		writeError(w, e)
		return
	}
	err := s.deps.Providers.ValidateSlug(r.Context(), body.Slug, body.ExcludeID)
	respond(w, map[string]bool{"valid": err == nil}, err)
}

func (s *server) adminGenerateSlug(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if e := decodeBody(r, &body); e != nil {
		writeError(w, e)
		return
	}
	slug, err := s.deps.Providers.GenerateSlug(r.Context(), body.Name)
	respond(w, map[string]string{"slug": slug}, err)
}

// --- Proxies ---

func (s *server) adminListProxies(w http.ResponseWriter, r *http.Request) {
	v, err := s.deps.Proxies.List(r.Context())
	respond(w, v, err)
}

func (s *server) adminGetProxy(w http.ResponseWriter, r *http.Request) {
	v, err := s.deps.Proxies.Get(r.Context(), chi.URLParam(r, "id"))
	respond(w, v, err)
}

func (s *server) adminCreateProxy(w http.ResponseWriter, r *http.Request) {
	var p relay.BridgeProxy
	if e := decodeBody(r, &p); e != nil {
		writeError(w, e)
		return
	}
	v, err := s.deps.Proxies.Create(r.Context(), &p)
	s.invalidateRoutes()
	respond(w, v, err)
}

func (s *server) adminUpdateProxy(w http.ResponseWriter, r *http.Request) {
	var p relay.BridgeProxy
	if e := decodeBody(r, &p); e != nil {
		writeError(w, e)
		return
	}
	p.ID = chi.URLParam(r, "id")
	v, err := s.deps.Proxies.Update(r.Context(), &p)
	s.invalidateRoutes()
	respond(w, v, err)
}

func (s *server) adminDeleteProxy(w http.ResponseWriter, r *http.Request) {
	err := s.deps.Proxies.Delete(r.Context(), chi.URLParam(r, "id"))
	s.invalidateRoutes()
	respond(w, map[string]bool{"deleted": err == nil}, err)
}

func (s *server) adminToggleProxy(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if e := decodeBody(r, &body); e != nil {
		writeError(w, e)
		return
	}
	v, err := s.deps.Proxies.Toggle(r.Context(), chi.URLParam(r, "id"), body.Enabled)
	s.invalidateRoutes()
	respond(w, v, err)
}

func (s *server) adminValidateProxyPath(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Path      string `json:"path"`
		ExcludeID string `json:"exclude_id"`
	}
	if e := decodeBody(r, &body); e != nil {
		writeError(w, e)
		return
	}
	err := s.deps.Proxies.ValidatePath(r.Context(), body.Path, body.ExcludeID)
	respond(w, map[string]bool{"valid": err == nil}, err)
}

func (s *server) adminCheckCircular(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ProxyID      string `json:"proxy_id"`
		OutboundKind string `json:"outbound_kind"`
		OutboundID   string `json:"outbound_id"`
	}
	if e := decodeBody(r, &body); e != nil {
		writeError(w, e)
		return
	}
	err := s.deps.Proxies.CheckCircular(r.Context(), body.ProxyID, body.OutboundKind, body.OutboundID)
	respond(w, map[string]bool{"acyclic": err == nil}, err)
}

func (s *server) adminGetMappings(w http.ResponseWriter, r *http.Request) {
	v, err := s.deps.Proxies.Mappings(r.Context(), chi.URLParam(r, "id"))
	respond(w, v, err)
}

func (s *server) adminSetMappings(w http.ResponseWriter, r *http.Request) {
	var mappings []*relay.ModelMapping
	if e := decodeBody(r, &mappings); e != nil {
		writeError(w, e)
		return
	}
	v, err := s.deps.Proxies.SetMappings(r.Context(), chi.URLParam(r, "id"), mappings)
	respond(w, v, err)
}

// --- API keys ---

func (s *server) adminListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.deps.Keys.List(r.Context())
	if err != nil {
		writeError(w, relay.AsError(err))
		return
	}
	type maskedKey struct {
		*relay.APIKey
		Masked string `json:"key"`
	}
	out := make([]maskedKey, 0, len(keys))
	for _, k := range keys {
		out = append(out, maskedKey{APIKey: k, Masked: k.MaskedKey()})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) adminCreateKey(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Label string `json:"label"`
	}
	if e := decodeBody(r, &body); e != nil {
		writeError(w, e)
		return
	}
	k, err := s.deps.Keys.Create(r.Context(), body.Label)
	if err != nil {
		writeError(w, relay.AsError(err))
		return
	}
	// The full secret is shown exactly once, at creation.
	writeJSON(w, http.StatusOK, struct {
		*relay.APIKey
		Key string `json:"key"`
	}{APIKey: k, Key: k.Key})
}

func (s *server) adminDeleteKey(w http.ResponseWriter, r *http.Request) {
	err := s.deps.Keys.Delete(r.Context(), chi.URLParam(r, "id"))
	respond(w, map[string]bool{"deleted": err == nil}, err)
}

func (s *server) adminToggleKey(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if e := decodeBody(r, &body); e != nil {
		writeError(w, e)
		return
	}
	v, err := s.deps.Keys.Toggle(r.Context(), chi.URLParam(r, "id"), body.Enabled)
	respond(w, v, err)
}

func (s *server) adminRenameKey(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Label string `json:"label"`
	}
	if e := decodeBody(r, &body); e != nil {
		writeError(w, e)
		return
	}
	v, err := s.deps.Keys.Rename(r.Context(), chi.URLParam(r, "id"), body.Label)
	respond(w, v, err)
}

// --- Settings ---

func (s *server) adminGetAllSettings(w http.ResponseWriter, r *http.Request) {
	v, err := s.deps.Settings.GetAll(r.Context())
	respond(w, v, err)
}

func (s *server) adminGetSetting(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	v, err := s.deps.Settings.Get(r.Context(), key)
	respond(w, map[string]json.RawMessage{key: v}, err)
}

func (s *server) adminSetSetting(w http.ResponseWriter, r *http.Request) {
	var value json.RawMessage
	if e := decodeBody(r, &value); e != nil {
		writeError(w, e)
		return
	}
	key := chi.URLParam(r, "key")
	err := s.deps.Settings.Set(r.Context(), key, value)
	respond(w, map[string]bool{"ok": err == nil}, err)
}

func (s *server) adminSetManySettings(w http.ResponseWriter, r *http.Request) {
	var values map[string]json.RawMessage
	if e := decodeBody(r, &values); e != nil {
		writeError(w, e)
		return
	}
	err := s.deps.Settings.SetMany(r.Context(), values)
	respond(w, map[string]bool{"ok": err == nil}, err)
}

// --- Request logs ---

func logQueryFromURL(r *http.Request) storage.LogQuery {
	q := storage.LogQuery{
		ProxyID: r.URL.Query().Get("proxy_id"),
		Source:  r.URL.Query().Get("source"),
		Status:  r.URL.Query().Get("status"),
		Model:   r.URL.Query().Get("model"),
		Search:  r.URL.Query().Get("search"),
	}
	q.Offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	q.Limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if v := r.URL.Query().Get("since"); v != "" {
		q.Since, _ = time.Parse(time.RFC3339, v)
	}
	if v := r.URL.Query().Get("until"); v != "" {
		q.Until, _ = time.Parse(time.RFC3339, v)
	}
	return q
}

func (s *server) adminQueryLogs(w http.ResponseWriter, r *http.Request) {
	rows, total, err := s.deps.Logs.Query(r.Context(), logQueryFromURL(r))
	respond(w, map[string]any{"logs": rows, "total": total}, err)
}

func (s *server) adminGetLog(w http.ResponseWriter, r *http.Request) {
	v, err := s.deps.Logs.Get(r.Context(), chi.URLParam(r, "id"))
	respond(w, v, err)
}

// sinceFromURL parses ?days= into a window start, defaulting to 7 days.
func sinceFromURL(r *http.Request) time.Time {
	days, _ := strconv.Atoi(r.URL.Query().Get("days"))
	if days <= 0 {
		days = 7
	}
	return time.Now().UTC().AddDate(0, 0, -days)
}

func (s *server) adminLogStats(w http.ResponseWriter, r *http.Request) {
	v, err := s.deps.Logs.Stats(r.Context(), sinceFromURL(r))
	respond(w, v, err)
}

func (s *server) adminLogTimeSeries(w http.ResponseWriter, r *http.Request) {
	v, err := s.deps.Logs.TimeSeries(r.Context(), sinceFromURL(r))
	respond(w, v, err)
}

func (s *server) adminExportLogs(w http.ResponseWriter, r *http.Request) {
	data, contentType, err := s.deps.Logs.Export(r.Context(), logQueryFromURL(r), r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, relay.AsError(err))
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *server) adminClearLogs(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Logs.Clear(r.Context())
	respond(w, map[string]int64{"removed": n}, err)
}

func (s *server) adminCleanupLogs(w http.ResponseWriter, r *http.Request) {
	pol := s.deps.Settings.Logs(r.Context())
	n, err := s.deps.Logs.Cleanup(r.Context(), pol.RetentionDays, pol.MaxEntries)
	respond(w, map[string]int64{"removed": n}, err)
}

// --- Config transfer ---

func (s *server) adminExportConfig(w http.ResponseWriter, r *http.Request) {
	v, err := s.deps.Transfer.Export(r.Context())
	respond(w, v, err)
}

func (s *server) adminImportConfig(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Strategy string             `json:"strategy"`
		Document app.ExportDocument `json:"document"`
	}
	if e := decodeBody(r, &body); e != nil {
		writeError(w, e)
		return
	}
	v, err := s.deps.Transfer.Import(r.Context(), &body.Document, body.Strategy)
	s.invalidateRoutes()
	respond(w, v, err)
}

// --- Code switches ---

func (s *server) adminListCodeSwitches(w http.ResponseWriter, r *http.Request) {
	v, err := s.deps.CodeSwitches.List(r.Context())
	respond(w, v, err)
}

func (s *server) adminGetCodeSwitch(w http.ResponseWriter, r *http.Request) {
	v, err := s.deps.CodeSwitches.Get(r.Context(), chi.URLParam(r, "id"))
	respond(w, v, err)
}

func (s *server) adminCreateCodeSwitch(w http.ResponseWriter, r *http.Request) {
	var c relay.CodeSwitchConfig
	if e := decodeBody(r, &c); e != nil {
		writeError(w, e)
		return
	}
	v, err := s.deps.CodeSwitches.Create(r.Context(), &c)
	respond(w, v, err)
}

func (s *server) adminUpdateCodeSwitch(w http.ResponseWriter, r *http.Request) {
	var c relay.CodeSwitchConfig
	if e := decodeBody(r, &c); e != nil {
		writeError(w, e)
		return
	}
	c.ID = chi.URLParam(r, "id")
	v, err := s.deps.CodeSwitches.Update(r.Context(), &c)
	respond(w, v, err)
}

func (s *server) adminDeleteCodeSwitch(w http.ResponseWriter, r *http.Request) {
	err := s.deps.CodeSwitches.Delete(r.Context(), chi.URLParam(r, "id"))
	respond(w, map[string]bool{"deleted": err == nil}, err)
}

func (s *server) adminToggleCodeSwitch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if e := decodeBody(r, &body); e != nil {
		writeError(w, e)
		return
	}
	v, err := s.deps.CodeSwitches.Toggle(r.Context(), chi.URLParam(r, "id"), body.Enabled)
	respond(w, v, err)
}

func (s *server) adminGetCodeMappings(w http.ResponseWriter, r *http.Request) {
	v, err := s.deps.CodeSwitches.ActiveMappings(r.Context(), chi.URLParam(r, "id"))
	respond(w, v, err)
}

func (s *server) adminSetCodeMappings(w http.ResponseWriter, r *http.Request) {
	var mappings []*relay.CodeModelMapping
	if e := decodeBody(r, &mappings); e != nil {
		writeError(w, e)
		return
	}
	v, err := s.deps.CodeSwitches.SetMappings(r.Context(), chi.URLParam(r, "id"), mappings)
	respond(w, v, err)
}

// --- OAuth accounts ---

func (s *server) adminListAccounts(w http.ResponseWriter, r *http.Request) {
	v, err := s.deps.Accounts.List(r.Context())
	respond(w, v, err)
}

func (s *server) adminAuthorize(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ProviderType string `json:"provider_type"`
	}
	if e := decodeBody(r, &body); e != nil {
		writeError(w, e)
		return
	}
	// The flow blocks on the browser round trip, up to the callback
	// timeout; the admin client is expected to wait.
	v, err := s.deps.Accounts.Authorize(r.Context(), body.ProviderType)
	respond(w, v, err)
}

func (s *server) adminDeleteAccount(w http.ResponseWriter, r *http.Request) {
	err := s.deps.Accounts.Delete(r.Context(), chi.URLParam(r, "id"))
	respond(w, map[string]bool{"deleted": err == nil}, err)
}

func (s *server) adminRefreshAccount(w http.ResponseWriter, r *http.Request) {
	v, err := s.deps.Accounts.Refresh(r.Context(), chi.URLParam(r, "id"))
	respond(w, v, err)
}

func (s *server) adminToggleAccountPool(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if e := decodeBody(r, &body); e != nil {
		writeError(w, e)
		return
	}
	v, err := s.deps.Accounts.TogglePool(r.Context(), chi.URLParam(r, "id"), body.Enabled)
	respond(w, v, err)
}

func (s *server) adminUpdateAccountQuota(w http.ResponseWriter, r *http.Request) {
	v, err := s.deps.Accounts.UpdateQuota(r.Context(), chi.URLParam(r, "id"))
	respond(w, v, err)
}

func (s *server) adminAccountStats(w http.ResponseWriter, r *http.Request) {
	v, err := s.deps.Accounts.Stats(r.Context(), chi.URLParam(r, "id"))
	respond(w, v, err)
}

// --- Tunnel ---

func (s *server) adminTunnelStart(w http.ResponseWriter, r *http.Request) {
	err := s.deps.Tunnel.Start(r.Context())
	respond(w, s.deps.Tunnel.Status(), err)
}

func (s *server) adminTunnelStop(w http.ResponseWriter, r *http.Request) {
	err := s.deps.Tunnel.Stop(r.Context())
	respond(w, s.deps.Tunnel.Status(), err)
}

func (s *server) adminTunnelStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Tunnel.Status())
}

func (s *server) adminTunnelHelper(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Tunnel.CheckHelper())
}

func (s *server) adminTunnelDownload(w http.ResponseWriter, r *http.Request) {
	path, err := s.deps.Tunnel.DownloadHelper(r.Context())
	respond(w, map[string]string{"path": path}, err)
}

func (s *server) adminTunnelStats(w http.ResponseWriter, r *http.Request) {
	days, _ := strconv.Atoi(r.URL.Query().Get("days"))
	if days <= 0 {
		days = 7
	}
	v, err := s.deps.Tunnel.Stats(r.Context(), days)
	respond(w, v, err)
}

func limitFromURL(r *http.Request) int {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 100
	}
	return limit
}

func (s *server) adminTunnelLogs(w http.ResponseWriter, r *http.Request) {
	v, err := s.deps.Tunnel.AccessLogs(r.Context(), limitFromURL(r))
	respond(w, v, err)
}

func (s *server) adminTunnelSystemLogs(w http.ResponseWriter, r *http.Request) {
	v, err := s.deps.Tunnel.SystemLogs(r.Context(), limitFromURL(r))
	respond(w, v, err)
}

// --- Presets ---

func (s *server) adminPresetProviders(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"providers":  s.deps.Presets.Providers(),
		"updated_at": s.deps.Presets.UpdatedAt(),
	})
}

// capabilityNames maps adapter capability bits to the names served to
// the UI.
var capabilityNames = []struct {
	bit  adapter.Capability
	name string
}{
	{adapter.CapStreaming, "streaming"},
	{adapter.CapTools, "tools"},
	{adapter.CapVision, "vision"},
	{adapter.CapMultimodal, "multimodal"},
	{adapter.CapSystemPrompt, "systemPrompt"},
	{adapter.CapToolChoice, "toolChoice"},
	{adapter.CapReasoning, "reasoning"},
	{adapter.CapWebSearch, "webSearch"},
	{adapter.CapJSONMode, "jsonMode"},
	{adapter.CapLogprobs, "logprobs"},
	{adapter.CapSeed, "seed"},
}

func (s *server) adminPresetAdapters(w http.ResponseWriter, _ *http.Request) {
	type adapterInfo struct {
		Name         string       `json:"name"`
		Version      string       `json:"version"`
		Capabilities []string     `json:"capabilities"`
		Info         adapter.Info `json:"info"`
	}
	names := s.deps.Adapters.List()
	out := make([]adapterInfo, 0, len(names))
	for _, name := range names {
		a, err := s.deps.Adapters.Get(name)
		if err != nil {
			continue
		}
		caps := []string{}
		for _, c := range capabilityNames {
			if a.Capabilities().Has(c.bit) {
				caps = append(caps, c.name)
			}
		}
		out = append(out, adapterInfo{Name: a.Name(), Version: a.Version(), Capabilities: caps, Info: a.Info()})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) adminPresetRefresh(w http.ResponseWriter, r *http.Request) {
	updated, err := s.deps.Presets.Refresh(r.Context())
	respond(w, map[string]bool{"updated": updated}, err)
}

// --- Proxy service control ---

func (s *server) adminServiceStart(w http.ResponseWriter, _ *http.Request) {
	s.deps.Control.Start()
	writeJSON(w, http.StatusOK, s.deps.Control.Status())
}

func (s *server) adminServiceStop(w http.ResponseWriter, _ *http.Request) {
	s.deps.Control.Stop()
	writeJSON(w, http.StatusOK, s.deps.Control.Status())
}

func (s *server) adminServiceRestart(w http.ResponseWriter, _ *http.Request) {
	s.deps.Control.Restart()
	s.invalidateRoutes()
	writeJSON(w, http.StatusOK, s.deps.Control.Status())
}

func (s *server) adminServiceStatus(w http.ResponseWriter, r *http.Request) {
	st := s.deps.Control.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"service":  st,
		"tunnel":   s.deps.Tunnel.Status().State,
		"breakers": s.deps.Breakers.States(),
	})
}

// adminServiceMetrics serves the registered collector families as a
// JSON snapshot for UIs that do not scrape Prometheus.
func (s *server) adminServiceMetrics(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Gatherer == nil {
		writeError(w, relay.Errorf(relay.KindNotFound, "metrics are not enabled"))
		return
	}
	families, err := s.deps.Gatherer.Gather()
	if err != nil {
		writeError(w, relay.AsError(err))
		return
	}
	type sample struct {
		Labels map[string]string `json:"labels,omitempty"`
		Value  float64           `json:"value"`
	}
	out := make(map[string][]sample, len(families))
	for _, fam := range families {
		samples := make([]sample, 0, len(fam.GetMetric()))
		for _, m := range fam.GetMetric() {
			sm := sample{}
			if pairs := m.GetLabel(); len(pairs) > 0 {
				sm.Labels = make(map[string]string, len(pairs))
				for _, p := range pairs {
					sm.Labels[p.GetName()] = p.GetValue()
				}
			}
			switch {
			case m.GetCounter() != nil:
				sm.Value = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				sm.Value = m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				sm.Value = float64(m.GetHistogram().GetSampleCount())
			default:
				continue
			}
			samples = append(samples, sm)
		}
		out[fam.GetName()] = samples
	}
	writeJSON(w, http.StatusOK, out)
}

// invalidateRoutes drops every cached first-segment lookup after an
// admin mutation so path changes apply immediately, not at TTL expiry.
func (s *server) invalidateRoutes() {
	s.routes.InvalidateAll()
}
