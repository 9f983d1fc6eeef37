package tunnel

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	relay "github.com/koriley/switchboard/internal"
	"github.com/koriley/switchboard/internal/settings"
	"github.com/koriley/switchboard/internal/telemetry"
	"github.com/koriley/switchboard/internal/testutil"
	"github.com/koriley/switchboard/internal/vault"
)

const stubCredentials = `{"AccountTag":"acct","TunnelSecret":"c2VjcmV0","TunnelID":"tun-1"}`

func newSupervisor(t *testing.T) (*Supervisor, *testutil.FakeStore, *settings.Service, *vault.Vault) {
	t.Helper()
	store := testutil.NewFakeStore()
	st := settings.NewService(store)
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand: %v", err)
	}
	v, err := vault.New(key)
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	s := NewSupervisor(store, st, v, telemetry.NewMetrics(prometheus.NewRegistry()), t.TempDir())
	s.startTimeout = 3 * time.Second
	s.restartDelay = 50 * time.Millisecond
	s.stopGrace = 500 * time.Millisecond
	return s, store, st, v
}

// seedIdentity stores a provisioned tunnel so Start skips the API.
func seedIdentity(t *testing.T, s *Supervisor, store *testutil.FakeStore, v *vault.Vault) {
	t.Helper()
	enc, err := v.Encrypt(stubCredentials)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	err = store.PutTunnelConfig(context.Background(), &relay.TunnelConfig{
		ID:             "cfg-1",
		DeviceID:       "dev-1",
		TunnelID:       "tun-1",
		Subdomain:      "alpha",
		Domain:         "example.net",
		CredentialsEnc: enc,
	})
	if err != nil {
		t.Fatalf("put tunnel config: %v", err)
	}
}

// writeStub creates a shell script to stand in for the helper binary.
func writeStub(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("stub helper needs a shell")
	}
	p := filepath.Join(t.TempDir(), "helper.sh")
	if err := os.WriteFile(p, []byte("#!/bin/sh\n"+script+"\n"), 0o755); err != nil {
		t.Fatalf("write stub: %v", err)
	}
	return p
}

func waitForState(t *testing.T, s *Supervisor, want State) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if s.Status().State == want {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", s.Status().State, want)
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	s, store, _, v := newSupervisor(t)
	seedIdentity(t, s, store, v)
	s.helperPath = writeStub(t, `echo "INF Registered tunnel connection connIndex=0" 1>&2; sleep 60`)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	st := s.Status()
	if st.State != StateActive {
		t.Fatalf("state = %s, want active", st.State)
	}
	if st.Hostname != "alpha.example.net" {
		t.Errorf("hostname = %q, want alpha.example.net", st.Hostname)
	}
	if st.HelperPID == 0 {
		t.Error("helper pid not reported")
	}

	// Credentials and config land under .cloudflared in the data dir.
	credRaw, err := os.ReadFile(filepath.Join(s.dataDir, ".cloudflared", "tun-1.json"))
	if err != nil {
		t.Fatalf("read credentials: %v", err)
	}
	if string(credRaw) != stubCredentials {
		t.Errorf("credentials = %s, want the decrypted document", credRaw)
	}
	cfgRaw, err := os.ReadFile(filepath.Join(s.dataDir, ".cloudflared", "config.yml"))
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	cfg := string(cfgRaw)
	if !strings.Contains(cfg, "tunnel: tun-1") {
		t.Errorf("config missing tunnel id:\n%s", cfg)
	}
	if !strings.Contains(cfg, "hostname: alpha.example.net") {
		t.Errorf("config missing hostname:\n%s", cfg)
	}
	if !strings.Contains(cfg, "service: http://127.0.0.1:9527") {
		t.Errorf("config should target the local front-end:\n%s", cfg)
	}
	if !strings.Contains(cfg, "http_status:404") {
		t.Errorf("config missing the catch-all rule:\n%s", cfg)
	}

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := s.Status().State; got != StateInactive {
		t.Errorf("state after stop = %s, want inactive", got)
	}

	logs, err := s.SystemLogs(context.Background(), 10)
	if err != nil {
		t.Fatalf("SystemLogs: %v", err)
	}
	if len(logs) < 2 {
		t.Fatalf("system logs = %d entries, want at least start and stop", len(logs))
	}
	if logs[0].Message != "tunnel stopped" {
		t.Errorf("newest system log = %q, want the stop entry", logs[0].Message)
	}
}

func TestStart_AlreadyRunning(t *testing.T) {
	t.Parallel()
	s, store, _, v := newSupervisor(t)
	seedIdentity(t, s, store, v)
	s.helperPath = writeStub(t, `echo "Registered tunnel connection" 1>&2; sleep 60`)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(context.Background())

	err := s.Start(context.Background())
	if !errors.Is(err, relay.ErrConflict) {
		t.Fatalf("second Start = %v, want ErrConflict", err)
	}
}

func TestStart_ReadyTimeout(t *testing.T) {
	t.Parallel()
	s, store, _, v := newSupervisor(t)
	seedIdentity(t, s, store, v)
	s.startTimeout = 300 * time.Millisecond
	s.helperPath = writeStub(t, `sleep 60`)

	err := s.Start(context.Background())
	if err == nil {
		t.Fatal("Start should fail when the helper never registers")
	}
	st := s.Status()
	if st.State != StateError {
		t.Errorf("state = %s, want error", st.State)
	}
	if st.LastError == "" {
		t.Error("LastError not recorded")
	}

	logs, _ := s.SystemLogs(context.Background(), 5)
	if len(logs) == 0 || logs[0].Level != "error" {
		t.Errorf("system logs = %v, want an error entry", logs)
	}
}

func TestStart_ProvisionsIdentity(t *testing.T) {
	t.Parallel()
	s, store, st, v := newSupervisor(t)

	var gotDevice string
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/tunnels" {
			t.Errorf("unexpected call %s %s", r.Method, r.URL.Path)
		}
		var req struct {
			DeviceID string `json:"deviceId"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		gotDevice = req.DeviceID
		json.NewEncoder(w).Encode(map[string]any{
			"tunnelId":    "tun-9",
			"subdomain":   "brand-new",
			"domain":      "example.net",
			"credentials": json.RawMessage(stubCredentials),
		})
	}))
	defer api.Close()

	raw, _ := json.Marshal(api.URL)
	if err := st.Set(context.Background(), settings.KeyTunnelAPIBaseURL, raw); err != nil {
		t.Fatalf("set api base: %v", err)
	}
	s.helperPath = writeStub(t, `echo "Registered tunnel connection" 1>&2; sleep 60`)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(context.Background())

	cfg, err := store.GetTunnelConfig(context.Background())
	if err != nil {
		t.Fatalf("GetTunnelConfig: %v", err)
	}
	if cfg.TunnelID != "tun-9" || cfg.Subdomain != "brand-new" {
		t.Errorf("identity = %q %q, want the provisioned tunnel", cfg.TunnelID, cfg.Subdomain)
	}
	if cfg.DeviceID == "" || cfg.DeviceID != gotDevice {
		t.Errorf("device id %q was not the one sent to the API (%q)", cfg.DeviceID, gotDevice)
	}
	creds, err := v.Decrypt(cfg.CredentialsEnc)
	if err != nil {
		t.Fatalf("decrypt credentials: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(creds), &doc); err != nil {
		t.Fatalf("credentials are not JSON: %v", err)
	}
	if doc["TunnelID"] != "tun-1" {
		t.Errorf("credentials = %v, want the API document", doc)
	}
}

func TestRestart_AfterCrash(t *testing.T) {
	t.Parallel()
	s, store, _, v := newSupervisor(t)
	seedIdentity(t, s, store, v)
	// Registers, then dies shortly after: every relaunch crashes too,
	// so the supervisor walks through its retry budget and gives up.
	s.helperPath = writeStub(t, `echo "Registered tunnel connection" 1>&2; sleep 0.2; exit 1`)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForState(t, s, StateError)

	st := s.Status()
	if st.Restarts != maxRestarts+1 {
		t.Errorf("restarts = %d, want %d (budget exhausted)", st.Restarts, maxRestarts+1)
	}

	logs, _ := s.SystemLogs(context.Background(), 20)
	var warns int
	for _, l := range logs {
		if l.Level == "warn" && strings.Contains(l.Message, "restart") {
			warns++
		}
	}
	if warns != maxRestarts {
		t.Errorf("restart log entries = %d, want %d", warns, maxRestarts)
	}
}

func TestStop_Inactive(t *testing.T) {
	t.Parallel()
	s, _, _, _ := newSupervisor(t)
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop on inactive: %v", err)
	}
	if got := s.Status().State; got != StateInactive {
		t.Errorf("state = %s, want inactive", got)
	}
}

func TestRecord_FoldsDailyStats(t *testing.T) {
	t.Parallel()
	s, store, _, _ := newSupervisor(t)
	ctx := context.Background()

	s.Record(ctx, &relay.TunnelAccessLog{Method: "POST", Path: "/v1/messages", Status: 200, IP: "203.0.113.7", LatencyMs: 100, BytesUp: 400, BytesDown: 1000})
	s.Record(ctx, &relay.TunnelAccessLog{Method: "POST", Path: "/v1/messages", Status: 502, IP: "203.0.113.7", LatencyMs: 300, BytesUp: 100, BytesDown: 50})
	s.Record(ctx, &relay.TunnelAccessLog{Method: "GET", Path: "/v1/models", Status: 200, IP: "198.51.100.9", LatencyMs: 20, BytesUp: 0, BytesDown: 500})

	stats, err := store.ListTunnelStats(ctx, 7)
	if err != nil {
		t.Fatalf("ListTunnelStats: %v", err)
	}
	if len(stats) != 1 {
		t.Fatalf("daily rows = %d, want 1", len(stats))
	}
	day := stats[0]
	if day.Requests != 3 || day.Errors != 1 {
		t.Errorf("requests/errors = %d/%d, want 3/1", day.Requests, day.Errors)
	}
	if day.BytesUp != 500 || day.BytesDown != 1550 {
		t.Errorf("bytes = %d up %d down, want 500/1550", day.BytesUp, day.BytesDown)
	}
	// Request-weighted: (100 + 300 + 20) / 3.
	if day.AvgLatencyMs < 139.9 || day.AvgLatencyMs > 140.1 {
		t.Errorf("avg latency = %v, want 140", day.AvgLatencyMs)
	}
	if day.UniqueIPs != 2 {
		t.Errorf("unique ips = %d, want 2", day.UniqueIPs)
	}

	access, err := s.AccessLogs(ctx, 10)
	if err != nil {
		t.Fatalf("AccessLogs: %v", err)
	}
	if len(access) != 3 {
		t.Fatalf("access logs = %d, want 3", len(access))
	}
	if access[0].Path != "/v1/models" {
		t.Errorf("newest access log = %q, want the last recorded", access[0].Path)
	}
}

func TestCheckHelper(t *testing.T) {
	s, _, _, _ := newSupervisor(t)

	// Nothing anywhere: force an empty PATH so a host install of the
	// helper cannot leak into the result.
	t.Setenv("PATH", t.TempDir())
	if info := s.CheckHelper(); info.Found {
		t.Fatalf("CheckHelper = %+v, want not found", info)
	}

	// A binary in the data dir's bin folder is found with source data.
	binDir := filepath.Join(s.dataDir, "bin")
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	p := filepath.Join(binDir, helperName())
	if err := os.WriteFile(p, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("write: %v", err)
	}
	info := s.CheckHelper()
	if !info.Found || info.Source != "data" {
		t.Fatalf("CheckHelper = %+v, want found in data dir", info)
	}
	if info.Path != p {
		t.Errorf("path = %q, want %q", info.Path, p)
	}
}

func TestDownloadHelper(t *testing.T) {
	s, _, _, _ := newSupervisor(t)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, ".tgz") {
			writeStubTarball(t, w)
			return
		}
		w.Write([]byte("binary-payload"))
	}))
	defer ts.Close()

	old := downloadBase
	downloadBase = ts.URL
	defer func() { downloadBase = old }()

	path, err := s.DownloadHelper(context.Background())
	if err != nil {
		t.Fatalf("DownloadHelper: %v", err)
	}
	if filepath.Dir(path) != filepath.Join(s.dataDir, "bin") {
		t.Errorf("helper landed at %q, want the data dir bin folder", path)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read helper: %v", err)
	}
	if string(raw) != "binary-payload" {
		t.Errorf("helper content = %q", raw)
	}
	if runtime.GOOS != "windows" {
		info, _ := os.Stat(path)
		if info.Mode()&0o100 == 0 {
			t.Error("helper is not executable")
		}
	}

	if info := s.CheckHelper(); !info.Found || info.Source != "data" {
		t.Errorf("CheckHelper after download = %+v", info)
	}
}

func writeStubTarball(t *testing.T, w io.Writer) {
	t.Helper()
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)
	payload := []byte("binary-payload")
	err := tw.WriteHeader(&tar.Header{Name: "cloudflared", Mode: 0o755, Size: int64(len(payload)), Typeflag: tar.TypeReg})
	if err != nil {
		t.Fatalf("tar header: %v", err)
	}
	if _, err := tw.Write(payload); err != nil {
		t.Fatalf("tar write: %v", err)
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar close: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
}
