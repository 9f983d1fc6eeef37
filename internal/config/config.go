// Package config handles YAML configuration loading with environment
// variable expansion, plus first-run database seeding.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level daemon configuration. Everything here is
// host-level: runtime behavior (ports, retry, logging policy) lives in
// the settings table and is managed through the admin API.
type Config struct {
	DataDir   string          `yaml:"data_dir"`
	Listen    ListenConfig    `yaml:"listen"`
	Log       LogConfig       `yaml:"log"`
	Vault     VaultConfig     `yaml:"vault"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Providers []ProviderEntry `yaml:"providers"`
	Proxies   []ProxyEntry    `yaml:"proxies"`
}

// ListenConfig overrides the bind address from the settings table.
// Empty fields defer to the stored proxy.host / proxy.port values.
type ListenConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// VaultConfig controls the at-rest encryption key source. The OS
// keychain is always tried first; Passphrase is the fallback for
// headless hosts.
type VaultConfig struct {
	Passphrase string `yaml:"passphrase"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// ProviderEntry seeds a provider on first run.
type ProviderEntry struct {
	Name        string   `yaml:"name"`
	Adapter     string   `yaml:"adapter"` // dialect adapter name
	BaseURL     string   `yaml:"base_url"`
	APIKey      string   `yaml:"api_key"` // plaintext, sealed before storage
	Models      []string `yaml:"models"`
	Enabled     *bool    `yaml:"enabled"`
	Passthrough bool     `yaml:"passthrough"`
	Slug        string   `yaml:"slug"` // passthrough slug; generated when empty
}

// IsEnabled reports whether the provider is enabled (defaults to true
// when nil).
func (p ProviderEntry) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// ProxyEntry seeds a bridge proxy on first run. The outbound provider
// is referenced by name and must appear in the same file or already
// exist in the database.
type ProxyEntry struct {
	Name     string `yaml:"name"`
	Path     string `yaml:"path"`
	Inbound  string `yaml:"inbound"` // inbound dialect adapter name
	Provider string `yaml:"provider"`
	Enabled  *bool  `yaml:"enabled"`
}

// IsEnabled reports whether the proxy is enabled (defaults to true
// when nil).
func (p ProxyEntry) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		DataDir: defaultDataDir(),
		Log:     LogConfig{Level: "info", Format: "text"},
	}
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".switchboard")
	}
	return ".switchboard"
}

// Load reads and parses a YAML config file, expanding environment
// variables. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir()
	}
	return cfg, nil
}
