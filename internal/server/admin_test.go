package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	relay "github.com/koriley/switchboard/internal"
	"github.com/koriley/switchboard/internal/settings"
	"github.com/koriley/switchboard/internal/testutil"
)

func decode[T any](t *testing.T, body []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(body, &v); err != nil {
		t.Fatalf("body is not the expected JSON: %v: %s", err, body)
	}
	return v
}

func TestAdminProviderLifecycle(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	body := `{"name":"upstream","adapter_type":"openai","base_url":"http://127.0.0.1:1","api_key":"sk-secret","enabled":true}`
	w := ts.do(t, http.MethodPost, "/admin/v1/providers/", body, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("create status = %d; body %s", w.Code, w.Body)
	}
	// The credential never travels back out.
	if strings.Contains(w.Body.String(), "sk-secret") {
		t.Fatalf("create response leaks the api key: %s", w.Body)
	}
	created := decode[*relay.Provider](t, w.Body.Bytes())
	if created.ID == "" {
		t.Fatal("created provider has no id")
	}

	stored, err := ts.store.GetProvider(context.Background(), created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if key, err := ts.vault.Decrypt(stored.APIKeyEnc); err != nil || key != "sk-secret" {
		t.Errorf("sealed key = (%q, %v), want sk-secret", key, err)
	}

	w = ts.do(t, http.MethodPost, "/admin/v1/providers/"+created.ID+"/toggle", `{"enabled":false}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("toggle status = %d", w.Code)
	}
	if p := decode[*relay.Provider](t, w.Body.Bytes()); p.Enabled {
		t.Error("provider still enabled after toggle")
	}

	w = ts.do(t, http.MethodGet, "/admin/v1/providers/", "", nil)
	if list := decode[[]*relay.Provider](t, w.Body.Bytes()); len(list) != 1 {
		t.Errorf("len(list) = %d, want 1", len(list))
	}

	w = ts.do(t, http.MethodDelete, "/admin/v1/providers/"+created.ID, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete status = %d", w.Code)
	}
	w = ts.do(t, http.MethodGet, "/admin/v1/providers/"+created.ID, "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("get after delete = %d, want 404", w.Code)
	}
}

func TestAdminProviderValidation(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/admin/v1/providers/", `{"adapter_type":"openai"}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for a nameless provider", w.Code)
	}
	if errType(t, w.Body.Bytes()) != "validation" {
		t.Errorf("error type = %q, want validation", errType(t, w.Body.Bytes()))
	}
}

func TestAdminKeysMasked(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/admin/v1/keys/", `{"label":"ci"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("create status = %d; body %s", w.Code, w.Body)
	}
	created := decode[struct {
		ID  string `json:"id"`
		Key string `json:"key"`
	}](t, w.Body.Bytes())
	if !strings.HasPrefix(created.Key, relay.APIKeyPrefix) {
		t.Fatalf("key = %q, want the full secret on create", created.Key)
	}

	// Listings only ever show the masked form.
	w = ts.do(t, http.MethodGet, "/admin/v1/keys/", "", nil)
	if strings.Contains(w.Body.String(), created.Key) {
		t.Fatalf("listing leaks the full key: %s", w.Body)
	}
	list := decode[[]struct {
		Key string `json:"key"`
	}](t, w.Body.Bytes())
	if len(list) != 1 || !strings.Contains(list[0].Key, "...") {
		t.Errorf("listing = %+v, want one masked key", list)
	}

	w = ts.do(t, http.MethodPost, "/admin/v1/keys/"+created.ID+"/rename", `{"label":"deploy"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("rename status = %d", w.Code)
	}
	w = ts.do(t, http.MethodPost, "/admin/v1/keys/"+created.ID+"/toggle", `{"enabled":false}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("toggle status = %d", w.Code)
	}
	w = ts.do(t, http.MethodDelete, "/admin/v1/keys/"+created.ID, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete status = %d", w.Code)
	}
}

func TestAdminSettingsRoundTrip(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPut, "/admin/v1/settings/"+settings.KeyProxyPort, `12000`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("put status = %d; body %s", w.Code, w.Body)
	}
	w = ts.do(t, http.MethodGet, "/admin/v1/settings/"+settings.KeyProxyPort, "", nil)
	got := decode[map[string]json.RawMessage](t, w.Body.Bytes())
	if string(got[settings.KeyProxyPort]) != "12000" {
		t.Errorf("value = %s, want 12000", got[settings.KeyProxyPort])
	}

	w = ts.do(t, http.MethodPut, "/admin/v1/settings/", `{"logs.enabled":false,"logs.retentionDays":14}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("put many status = %d", w.Code)
	}

	// The full view carries defaults for keys never written.
	w = ts.do(t, http.MethodGet, "/admin/v1/settings/", "", nil)
	all := decode[map[string]json.RawMessage](t, w.Body.Bytes())
	if string(all["logs.enabled"]) != "false" {
		t.Errorf("logs.enabled = %s, want false", all["logs.enabled"])
	}
	if _, ok := all[settings.KeyProxyHost]; !ok {
		t.Error("settings view is missing unwritten defaults")
	}
}

func TestAdminLogsEndpoints(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/admin/v1/logs/?limit=10", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("query status = %d", w.Code)
	}
	page := decode[struct {
		Total int64 `json:"total"`
	}](t, w.Body.Bytes())
	if page.Total != 0 {
		t.Errorf("total = %d, want 0 on a fresh store", page.Total)
	}

	if w := ts.do(t, http.MethodGet, "/admin/v1/logs/stats?days=3", "", nil); w.Code != http.StatusOK {
		t.Errorf("stats status = %d", w.Code)
	}
	if w := ts.do(t, http.MethodGet, "/admin/v1/logs/timeseries", "", nil); w.Code != http.StatusOK {
		t.Errorf("timeseries status = %d", w.Code)
	}

	w = ts.do(t, http.MethodDelete, "/admin/v1/logs/", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("clear status = %d", w.Code)
	}
	if w := ts.do(t, http.MethodPost, "/admin/v1/logs/cleanup", "", nil); w.Code != http.StatusOK {
		t.Errorf("cleanup status = %d", w.Code)
	}
}

func TestAdminConfigExportImport(t *testing.T) {
	t.Parallel()
	src := newTestServer(t)
	src.seedRoute(t, "http://127.0.0.1:1")

	w := src.do(t, http.MethodGet, "/admin/v1/config/export", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("export status = %d; body %s", w.Code, w.Body)
	}
	// Exports carry credentials in the clear so they can cross machines.
	if !strings.Contains(w.Body.String(), "sk-upstream") {
		t.Fatalf("export is missing the decrypted credential: %s", w.Body)
	}

	dst := newTestServer(t)
	body := fmt.Sprintf(`{"strategy":"skip","document":%s}`, w.Body.String())
	w = dst.do(t, http.MethodPost, "/admin/v1/config/import", body, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("import status = %d; body %s", w.Code, w.Body)
	}
	report := decode[struct {
		Providers struct {
			Added int `json:"added"`
		} `json:"providers"`
	}](t, w.Body.Bytes())
	if report.Providers.Added != 1 {
		t.Errorf("providers added = %d, want 1", report.Providers.Added)
	}

	// The credential is re-sealed under the destination vault.
	p, err := dst.store.GetProvider(context.Background(), "prov-up")
	if err != nil {
		t.Fatal(err)
	}
	if key, err := dst.vault.Decrypt(p.APIKeyEnc); err != nil || key != "sk-upstream" {
		t.Errorf("imported key = (%q, %v), want sk-upstream", key, err)
	}
}

func TestAdminProxyPathChecks(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	ts.seedRoute(t, "http://127.0.0.1:1")

	w := ts.do(t, http.MethodPost, "/admin/v1/proxies/validate-path", `{"path":"fresh"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("validate status = %d; body %s", w.Code, w.Body)
	}
	if v := decode[map[string]bool](t, w.Body.Bytes()); !v["valid"] {
		t.Error("fresh path reported invalid")
	}

	w = ts.do(t, http.MethodPost, "/admin/v1/proxies/validate-path", `{"path":"main"}`, nil)
	if w.Code == http.StatusOK {
		t.Errorf("taken path validated with status %d", w.Code)
	}
}

func TestAdminCodeSwitchLifecycle(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	_, p := ts.seedRoute(t, "http://127.0.0.1:1")

	body := fmt.Sprintf(`{"cli":"claude-code","provider_id":%q,"enabled":true}`, p.ID)
	w := ts.do(t, http.MethodPost, "/admin/v1/code-switches/", body, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("create status = %d; body %s", w.Code, w.Body)
	}
	created := decode[*relay.CodeSwitchConfig](t, w.Body.Bytes())

	mappings := `[{"source_model":"claude-sonnet-4","target_model":"gpt-4o-mini"}]`
	w = ts.do(t, http.MethodPut, "/admin/v1/code-switches/"+created.ID+"/mappings", mappings, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("set mappings status = %d; body %s", w.Code, w.Body)
	}
	set := decode[[]*relay.CodeModelMapping](t, w.Body.Bytes())
	if len(set) != 1 || set[0].MappingType != relay.MappingPrimary {
		t.Fatalf("mappings = %+v, want one primary mapping", set)
	}

	w = ts.do(t, http.MethodGet, "/admin/v1/code-switches/"+created.ID+"/mappings", "", nil)
	if got := decode[[]*relay.CodeModelMapping](t, w.Body.Bytes()); len(got) != 1 {
		t.Errorf("active mappings = %d, want 1", len(got))
	}

	if w := ts.do(t, http.MethodDelete, "/admin/v1/code-switches/"+created.ID, "", nil); w.Code != http.StatusOK {
		t.Fatalf("delete status = %d", w.Code)
	}
}

func TestAdminPresetAdapters(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/admin/v1/presets/adapters", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	adapters := decode[[]struct {
		Name         string   `json:"name"`
		Capabilities []string `json:"capabilities"`
	}](t, w.Body.Bytes())

	var openaiCaps []string
	for _, a := range adapters {
		if a.Name == "openai" {
			openaiCaps = a.Capabilities
		}
	}
	if openaiCaps == nil {
		t.Fatalf("adapters = %+v, want openai listed", adapters)
	}
	var streaming bool
	for _, c := range openaiCaps {
		if c == "streaming" {
			streaming = true
		}
	}
	if !streaming {
		t.Errorf("openai capabilities = %v, want streaming", openaiCaps)
	}
}

func TestAdminServiceStatus(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/admin/v1/service/status", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	got := decode[struct {
		Service  json.RawMessage `json:"service"`
		Tunnel   string          `json:"tunnel"`
		Breakers json.RawMessage `json:"breakers"`
	}](t, w.Body.Bytes())
	if got.Tunnel != "inactive" {
		t.Errorf("tunnel state = %q, want inactive", got.Tunnel)
	}
	if len(got.Service) == 0 {
		t.Error("service snapshot is empty")
	}
}

func TestAdminServiceMetrics(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	// Without a gatherer the endpoint reports metrics as unavailable.
	w := ts.do(t, http.MethodGet, "/admin/v1/service/metrics", "", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 with metrics disabled", w.Code)
	}

	ts.deps.Gatherer = prometheus.NewRegistry()
	handler := New(ts.deps)
	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, httptest.NewRequest(http.MethodGet, "/admin/v1/service/metrics", nil))
	if w2.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 with a gatherer", w2.Code)
	}
}

func TestAdminTunnelStatus(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/admin/v1/tunnel/status", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	got := decode[struct {
		State string `json:"state"`
	}](t, w.Body.Bytes())
	if got.State != "inactive" {
		t.Errorf("state = %q, want inactive", got.State)
	}

	if w := ts.do(t, http.MethodGet, "/admin/v1/tunnel/helper", "", nil); w.Code != http.StatusOK {
		t.Errorf("helper status = %d", w.Code)
	}
	if w := ts.do(t, http.MethodGet, "/admin/v1/tunnel/stats?days=3", "", nil); w.Code != http.StatusOK {
		t.Errorf("stats status = %d", w.Code)
	}
}

func TestChatConversationOverHTTP(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	up := testutil.NewUpstream(t)
	up.Handle = testutil.SSEReply(
		testutil.SSEFrame{Data: `{"id":"chatcmpl-c1","object":"chat.completion.chunk","created":1700000000,"model":"gpt-4o-mini","choices":[{"index":0,"delta":{"role":"assistant","content":""},"finish_reason":null}]}`},
		testutil.SSEFrame{Data: `{"id":"chatcmpl-c1","object":"chat.completion.chunk","created":1700000000,"model":"gpt-4o-mini","choices":[{"index":0,"delta":{"content":"Hello"},"finish_reason":null}]}`},
		testutil.SSEFrame{Data: `{"id":"chatcmpl-c1","object":"chat.completion.chunk","created":1700000000,"model":"gpt-4o-mini","choices":[{"index":0,"delta":{"content":" there"},"finish_reason":null}]}`},
		testutil.SSEFrame{Data: `{"id":"chatcmpl-c1","object":"chat.completion.chunk","created":1700000000,"model":"gpt-4o-mini","choices":[{"index":0,"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`},
		testutil.SSEFrame{Data: `[DONE]`},
	)
	_, p := ts.seedRoute(t, up.URL)

	body := fmt.Sprintf(`{"target_kind":"provider","target_id":%q,"model":"gpt-4o-mini"}`, p.ID)
	w := ts.do(t, http.MethodPost, "/admin/v1/chat/conversations/", body, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("create status = %d; body %s", w.Code, w.Body)
	}
	conv := decode[*relay.Conversation](t, w.Body.Bytes())

	w = ts.do(t, http.MethodPost, "/admin/v1/chat/conversations/"+conv.ID+"/messages", `{"content":"Say hi"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("send status = %d; body %s", w.Code, w.Body)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("Content-Type = %q, want an SSE stream", ct)
	}
	stream := w.Body.String()
	for _, want := range []string{"event: chat:stream-start", `"delta":"Hello"`, `"delta":" there"`, "event: chat:end"} {
		if !strings.Contains(stream, want) {
			t.Errorf("stream is missing %q:\n%s", want, stream)
		}
	}

	// Both turns were persisted once the stream closed.
	w = ts.do(t, http.MethodGet, "/admin/v1/chat/conversations/"+conv.ID+"/messages", "", nil)
	msgs := decode[[]*relay.ChatMessage](t, w.Body.Bytes())
	if len(msgs) != 2 || msgs[1].Content != "Hello there" {
		t.Fatalf("msgs = %+v, want the stored assistant reply", msgs)
	}

	if w := ts.do(t, http.MethodDelete, "/admin/v1/chat/messages/"+msgs[1].ID+"/pair", "", nil); w.Code != http.StatusOK {
		t.Fatalf("delete pair status = %d", w.Code)
	}
	w = ts.do(t, http.MethodGet, "/admin/v1/chat/conversations/"+conv.ID+"/messages", "", nil)
	if left := decode[[]*relay.ChatMessage](t, w.Body.Bytes()); len(left) != 0 {
		t.Errorf("messages after pair delete = %d, want 0", len(left))
	}
}
