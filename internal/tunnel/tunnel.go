// Package tunnel supervises the reverse tunnel helper subprocess that
// exposes the local front-end on a public hostname. The supervisor
// owns the helper's lifecycle: it provisions the tunnel identity,
// writes the helper's credentials and config, spawns the process, and
// restarts it when it dies out from under an active tunnel.
package tunnel

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.yaml.in/yaml/v3"

	relay "github.com/koriley/switchboard/internal"
	"github.com/koriley/switchboard/internal/settings"
	"github.com/koriley/switchboard/internal/storage"
	"github.com/koriley/switchboard/internal/telemetry"
	"github.com/koriley/switchboard/internal/vault"
)

// State is one supervisor lifecycle phase.
type State string

const (
	StateInactive State = "inactive"
	StateStarting State = "starting"
	StateActive   State = "active"
	StateStopping State = "stopping"
	StateError    State = "error"
)

// readyLine is the helper's stderr marker that the tunnel is up.
const readyLine = "Registered tunnel connection"

const (
	defaultStartTimeout = 30 * time.Second
	defaultStopGrace    = 5 * time.Second
	defaultRestartDelay = 5 * time.Second
	maxRestarts         = 3
)

// Status is the externally visible supervisor state.
type Status struct {
	State     State      `json:"state"`
	Hostname  string     `json:"hostname,omitempty"`
	HelperPID int        `json:"helper_pid,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	Restarts  int        `json:"restarts"`
	LastError string     `json:"last_error,omitempty"`
}

// Supervisor manages the helper process. One instance exists per
// daemon; Start and Stop serialize on the internal mutex.
type Supervisor struct {
	store    storage.TunnelStore
	settings *settings.Service
	vault    *vault.Vault
	metrics  *telemetry.Metrics
	dataDir  string
	client   *http.Client

	// helperPath pins the helper binary, skipping the lookup. Tests
	// point it at a stub.
	helperPath   string
	startTimeout time.Duration
	restartDelay time.Duration
	stopGrace    time.Duration

	mu        sync.Mutex
	state     State
	cmd       *exec.Cmd
	hostname  string
	startedAt time.Time
	restarts  int
	lastErr   string
	// stopping is non-nil while a deliberate stop is in flight; the
	// exit watcher uses it to tell a requested exit from a crash.
	stopping chan struct{}

	ipMu   sync.Mutex
	ipDate string
	ipSeen map[string]struct{}
}

// NewSupervisor creates an inactive supervisor rooted at dataDir.
func NewSupervisor(store storage.TunnelStore, st *settings.Service, v *vault.Vault, metrics *telemetry.Metrics, dataDir string) *Supervisor {
	return &Supervisor{
		store:        store,
		settings:     st,
		vault:        v,
		metrics:      metrics,
		dataDir:      dataDir,
		client:       &http.Client{Timeout: 5 * time.Minute},
		startTimeout: defaultStartTimeout,
		restartDelay: defaultRestartDelay,
		stopGrace:    defaultStopGrace,
		state:        StateInactive,
	}
}

// Status returns a snapshot of the supervisor.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		State:     s.state,
		Hostname:  s.hostname,
		Restarts:  s.restarts,
		LastError: s.lastErr,
	}
	if s.cmd != nil && s.cmd.Process != nil {
		st.HelperPID = s.cmd.Process.Pid
	}
	if !s.startedAt.IsZero() {
		t := s.startedAt
		st.StartedAt = &t
	}
	return st
}

// Start brings the tunnel up: identity, helper binary, credentials,
// config, process, and the wait for the helper's ready line. It
// returns once the tunnel is active or the start failed.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateStarting || s.state == StateActive {
		s.mu.Unlock()
		return fmt.Errorf("tunnel already %s: %w", s.state, relay.ErrConflict)
	}
	s.state = StateStarting
	s.lastErr = ""
	s.restarts = 0
	s.mu.Unlock()

	if err := s.launch(ctx); err != nil {
		s.fail(ctx, err)
		return err
	}
	return nil
}

// launch performs one spawn attempt and waits for readiness. Shared by
// Start and the crash-restart path.
func (s *Supervisor) launch(ctx context.Context) error {
	cfg, err := s.ensureIdentity(ctx)
	if err != nil {
		return err
	}

	helper := s.helperPath
	if helper == "" {
		helper, err = s.findHelper()
		if err != nil {
			if helper, err = s.DownloadHelper(ctx); err != nil {
				return err
			}
		}
	}

	cfgPath, err := s.writeHelperConfig(ctx, cfg)
	if err != nil {
		return err
	}

	cmd := exec.Command(helper, "tunnel", "--config", cfgPath, "run", cfg.TunnelID)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("tunnel: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("tunnel: spawn helper: %w", err)
	}

	ready := make(chan struct{})
	go s.watchStderr(stderr, ready)

	select {
	case <-ready:
	case <-time.After(s.startTimeout):
		cmd.Process.Kill()
		cmd.Wait()
		return relay.Errorf(relay.KindAPI, "tunnel: helper not ready within %s", s.startTimeout)
	case <-ctx.Done():
		cmd.Process.Kill()
		cmd.Wait()
		return ctx.Err()
	}

	s.mu.Lock()
	s.state = StateActive
	s.cmd = cmd
	s.hostname = hostnameOf(cfg)
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	s.systemLog(ctx, "info", "tunnel active at "+hostnameOf(cfg))
	slog.Info("tunnel active", "hostname", hostnameOf(cfg), "pid", cmd.Process.Pid)

	go s.watchExit(cmd)
	return nil
}

// Stop terminates the helper: SIGTERM, then SIGKILL after the grace
// period. Stopping an inactive tunnel is a no-op.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateActive && s.state != StateStarting {
		s.state = StateInactive
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopping
	cmd := s.cmd
	stop := make(chan struct{})
	s.stopping = stop
	s.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-stop: // watchExit saw the process go
		case <-time.After(s.stopGrace):
			cmd.Process.Kill()
			select {
			case <-stop:
			case <-time.After(s.stopGrace):
			}
		case <-ctx.Done():
			cmd.Process.Kill()
		}
	}

	s.mu.Lock()
	s.state = StateInactive
	s.cmd = nil
	s.hostname = ""
	s.startedAt = time.Time{}
	s.stopping = nil
	s.mu.Unlock()

	s.systemLog(ctx, "info", "tunnel stopped")
	return nil
}

// watchStderr scans helper output, closing ready on the registration
// line and mirroring everything into the system log at debug level.
func (s *Supervisor) watchStderr(r io.Reader, ready chan<- struct{}) {
	sc := bufio.NewScanner(r)
	fired := false
	for sc.Scan() {
		line := sc.Text()
		if !fired && strings.Contains(line, readyLine) {
			fired = true
			close(ready)
		}
		slog.Debug("tunnel helper", "line", line)
	}
}

// watchExit reaps the helper and decides between a clean shutdown and
// a crash restart. Restarts only fire from the active state, at most
// maxRestarts times, with a delay between attempts.
func (s *Supervisor) watchExit(cmd *exec.Cmd) {
	err := cmd.Wait()

	s.mu.Lock()
	if s.stopping != nil {
		close(s.stopping)
		s.stopping = nil
		s.mu.Unlock()
		return
	}
	if s.state != StateActive || s.cmd != cmd {
		s.mu.Unlock()
		return
	}
	s.restarts++
	attempt := s.restarts
	giveUp := attempt > maxRestarts
	if giveUp {
		s.state = StateError
		s.lastErr = exitReason(err)
		s.cmd = nil
	}
	s.mu.Unlock()

	ctx := context.Background()
	if giveUp {
		s.systemLog(ctx, "error", "tunnel helper kept dying, giving up: "+exitReason(err))
		slog.Error("tunnel helper gave up", "error", exitReason(err))
		return
	}

	s.metrics.TunnelRestarts.Inc()
	s.systemLog(ctx, "warn", fmt.Sprintf("tunnel helper exited (%s), restart %d/%d", exitReason(err), attempt, maxRestarts))
	slog.Warn("tunnel helper exited, restarting", "attempt", attempt, "error", exitReason(err))

	time.Sleep(s.restartDelay)

	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return
	}
	s.state = StateStarting
	s.cmd = nil
	s.mu.Unlock()

	if err := s.launch(ctx); err != nil {
		s.fail(ctx, err)
	}
}

// fail records a start failure and lands in the error state.
func (s *Supervisor) fail(ctx context.Context, err error) {
	s.mu.Lock()
	s.state = StateError
	s.lastErr = err.Error()
	s.cmd = nil
	s.mu.Unlock()
	s.systemLog(ctx, "error", err.Error())
	slog.Error("tunnel start failed", "error", err)
}

func exitReason(err error) string {
	if err == nil {
		return "exit 0"
	}
	return err.Error()
}

// --- Identity and helper config ---

// createReply is the tunnel API's provisioning response.
type createReply struct {
	TunnelID    string          `json:"tunnelId"`
	Subdomain   string          `json:"subdomain"`
	Domain      string          `json:"domain"`
	Credentials json.RawMessage `json:"credentials"`
}

// ensureIdentity loads the persisted tunnel identity, creating the
// device id on first use and provisioning a tunnel through the API
// when none exists yet.
func (s *Supervisor) ensureIdentity(ctx context.Context) (*relay.TunnelConfig, error) {
	cfg, err := s.store.GetTunnelConfig(ctx)
	if err != nil {
		cfg = &relay.TunnelConfig{
			ID:       uuid.Must(uuid.NewV7()).String(),
			DeviceID: uuid.Must(uuid.NewV7()).String(),
		}
		if err := s.store.PutTunnelConfig(ctx, cfg); err != nil {
			return nil, fmt.Errorf("tunnel: persist device id: %w", err)
		}
	}
	if cfg.TunnelID != "" {
		return cfg, nil
	}

	reply, err := s.createTunnel(ctx, cfg.DeviceID)
	if err != nil {
		return nil, err
	}
	enc, err := s.vault.Encrypt(string(reply.Credentials))
	if err != nil {
		return nil, fmt.Errorf("tunnel: seal credentials: %w", err)
	}
	cfg.TunnelID = reply.TunnelID
	cfg.Subdomain = reply.Subdomain
	cfg.Domain = reply.Domain
	cfg.CredentialsEnc = enc
	if err := s.store.PutTunnelConfig(ctx, cfg); err != nil {
		return nil, fmt.Errorf("tunnel: persist identity: %w", err)
	}
	return cfg, nil
}

// createTunnel provisions a tunnel for this device through the
// configured API.
func (s *Supervisor) createTunnel(ctx context.Context, deviceID string) (*createReply, error) {
	base := s.settings.String(ctx, settings.KeyTunnelAPIBaseURL)
	if base == "" {
		return nil, relay.Errorf(relay.KindValidation, "tunnel: no api base url configured")
	}
	payload, _ := json.Marshal(map[string]string{"deviceId": deviceID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(base, "/")+"/tunnels", strings.NewReader(string(payload)))
	if err != nil {
		return nil, fmt.Errorf("tunnel: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, relay.Errorf(relay.KindAPI, "tunnel: create: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, relay.Errorf(relay.KindAPI, "tunnel: create: status %d", resp.StatusCode)
	}
	var reply createReply
	if err := json.Unmarshal(body, &reply); err != nil {
		return nil, relay.Errorf(relay.KindAPI, "tunnel: create: parse reply: %v", err)
	}
	if reply.TunnelID == "" || len(reply.Credentials) == 0 {
		return nil, relay.Errorf(relay.KindAPI, "tunnel: create: incomplete reply")
	}
	return &reply, nil
}

// helperConfig is the YAML document the helper consumes.
type helperConfig struct {
	Tunnel          string        `yaml:"tunnel"`
	CredentialsFile string        `yaml:"credentials-file"`
	Ingress         []ingressRule `yaml:"ingress"`
}

type ingressRule struct {
	Hostname string `yaml:"hostname,omitempty"`
	Service  string `yaml:"service"`
}

// writeHelperConfig materializes the credentials JSON and the YAML
// config under .cloudflared/ in the data dir, pointing ingress at the
// local front-end. Returns the config path.
func (s *Supervisor) writeHelperConfig(ctx context.Context, cfg *relay.TunnelConfig) (string, error) {
	dir := filepath.Join(s.dataDir, ".cloudflared")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("tunnel: create config dir: %w", err)
	}

	creds, err := s.vault.Decrypt(cfg.CredentialsEnc)
	if err != nil {
		return "", fmt.Errorf("tunnel: open credentials: %w", err)
	}
	credPath := filepath.Join(dir, cfg.TunnelID+".json")
	if err := os.WriteFile(credPath, []byte(creds), 0o600); err != nil {
		return "", fmt.Errorf("tunnel: write credentials: %w", err)
	}

	host := s.settings.String(ctx, settings.KeyProxyHost)
	port := s.settings.Int(ctx, settings.KeyProxyPort)
	doc := helperConfig{
		Tunnel:          cfg.TunnelID,
		CredentialsFile: credPath,
		Ingress: []ingressRule{
			{Hostname: hostnameOf(cfg), Service: fmt.Sprintf("http://%s:%d", host, port)},
			{Service: "http_status:404"},
		},
	}
	raw, err := yaml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("tunnel: marshal config: %w", err)
	}
	cfgPath := filepath.Join(dir, "config.yml")
	if err := os.WriteFile(cfgPath, raw, 0o600); err != nil {
		return "", fmt.Errorf("tunnel: write config: %w", err)
	}
	return cfgPath, nil
}

func hostnameOf(cfg *relay.TunnelConfig) string {
	if cfg.Subdomain == "" || cfg.Domain == "" {
		return ""
	}
	return cfg.Subdomain + "." + cfg.Domain
}

// systemLog records a supervisor diagnostic row; storage failures are
// logged and dropped.
func (s *Supervisor) systemLog(ctx context.Context, level, msg string) {
	l := &relay.TunnelSystemLog{
		ID:      uuid.Must(uuid.NewV7()).String(),
		Level:   level,
		Message: msg,
	}
	if err := s.store.InsertTunnelSystemLog(ctx, l); err != nil {
		slog.Warn("tunnel system log write failed", "error", err)
	}
}

// --- Read-side admin operations ---

// Stats returns recent daily tunnel statistics, newest first.
func (s *Supervisor) Stats(ctx context.Context, days int) ([]*relay.TunnelStats, error) {
	return s.store.ListTunnelStats(ctx, days)
}

// AccessLogs returns recent tunneled request records, newest first.
func (s *Supervisor) AccessLogs(ctx context.Context, limit int) ([]*relay.TunnelAccessLog, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	return s.store.ListTunnelAccessLogs(ctx, limit)
}

// SystemLogs returns recent supervisor diagnostics, newest first.
func (s *Supervisor) SystemLogs(ctx context.Context, limit int) ([]*relay.TunnelSystemLog, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	return s.store.ListTunnelSystemLogs(ctx, limit)
}
