package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad(t *testing.T) {
	t.Parallel()

	yaml := `
data_dir: /tmp/switchboard-test
listen:
  host: 0.0.0.0
  port: 9600
log:
  level: debug
  format: json
providers:
  - name: OpenAI
    adapter: openai
    base_url: https://api.openai.com
    api_key: sk-test
    models: [gpt-4o]
proxies:
  - name: claude-to-openai
    path: claude
    inbound: anthropic
    provider: OpenAI
`
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.DataDir != "/tmp/switchboard-test" {
		t.Errorf("data_dir = %q", cfg.DataDir)
	}
	if cfg.Listen.Host != "0.0.0.0" || cfg.Listen.Port != 9600 {
		t.Errorf("listen = %+v", cfg.Listen)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Errorf("log = %+v", cfg.Log)
	}
	if len(cfg.Providers) != 1 {
		t.Fatalf("providers count = %d, want 1", len(cfg.Providers))
	}
	if cfg.Providers[0].Adapter != "openai" {
		t.Errorf("provider adapter = %q", cfg.Providers[0].Adapter)
	}
	if len(cfg.Proxies) != 1 {
		t.Fatalf("proxies count = %d, want 1", len(cfg.Proxies))
	}
	if cfg.Proxies[0].Inbound != "anthropic" {
		t.Errorf("proxy inbound = %q", cfg.Proxies[0].Inbound)
	}
}

func TestExpandEnv(t *testing.T) {
	// Cannot use t.Parallel() with t.Setenv
	t.Setenv("TEST_API_KEY", "sk-secret-123")

	result := expandEnv([]byte("api_key: ${TEST_API_KEY}"))
	if string(result) != "api_key: sk-secret-123" {
		t.Errorf("expandEnv = %q", string(result))
	}

	// Unset variables stay verbatim rather than collapsing to empty.
	result = expandEnv([]byte("api_key: ${UNSET_VAR_XYZ}"))
	if string(result) != "api_key: ${UNSET_VAR_XYZ}" {
		t.Errorf("expandEnv on unset = %q", string(result))
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	yaml := `{}`
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.DataDir == "" {
		t.Error("default data_dir is empty")
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "text" {
		t.Errorf("default log = %+v", cfg.Log)
	}
	if cfg.Listen.Host != "" || cfg.Listen.Port != 0 {
		t.Errorf("listen should default to the settings table, got %+v", cfg.Listen)
	}
}

func TestLoadEmptyPath(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DataDir == "" {
		t.Error("empty path should still yield a data dir")
	}
}

func TestEntryIsEnabled(t *testing.T) {
	t.Parallel()

	f := false
	if !(ProviderEntry{}).IsEnabled() {
		t.Error("nil enabled should default to true")
	}
	if (ProviderEntry{Enabled: &f}).IsEnabled() {
		t.Error("explicit false should disable")
	}
	if !(ProxyEntry{}).IsEnabled() {
		t.Error("nil enabled should default to true for proxies")
	}
}
