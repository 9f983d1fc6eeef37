// Package settings provides the typed runtime settings service backed
// by the settings table. Every known key has a default; reads fall back
// to it, writes validate against it.
package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	relay "github.com/koriley/switchboard/internal"
	"github.com/koriley/switchboard/internal/storage"
)

// Known setting keys.
const (
	KeyProxyPort      = "proxy.port"
	KeyProxyHost      = "proxy.host"
	KeyProxyAutoStart = "proxy.autoStart"
	KeyProxyTimeout   = "proxy.timeout"

	KeyRetryEnabled    = "proxy.retry.enabled"
	KeyRetryMaxRetries = "proxy.retry.maxRetries"
	KeyRetryDelay      = "proxy.retry.retryDelay"
	KeyRetryOn         = "proxy.retry.retryOn"

	KeyBreakerEnabled      = "proxy.circuitBreaker.enabled"
	KeyBreakerThreshold    = "proxy.circuitBreaker.threshold"
	KeyBreakerResetTimeout = "proxy.circuitBreaker.resetTimeout"

	KeyCORSEnabled = "proxy.cors.enabled"
	KeyCORSOrigins = "proxy.cors.origins"

	KeySSEHeartbeatInterval = "proxy.sse.heartbeatInterval"
	KeySSEConnectionTimeout = "proxy.sse.connectionTimeout"

	KeyLogsEnabled          = "logs.enabled"
	KeyLogsRetentionDays    = "logs.retentionDays"
	KeyLogsMaxEntries       = "logs.maxEntries"
	KeyLogsSaveRequestBody  = "logs.saveRequestBody"
	KeyLogsSaveResponseBody = "logs.saveResponseBody"
	KeyLogsMaxBodySize      = "logs.maxBodySize"

	KeyTunnelAutoStart         = "tunnel.autoStart"
	KeyTunnelRequireAPIKey     = "tunnel.requireApiKey"
	KeyTunnelAPIBaseURL        = "tunnel.api.baseUrl"
	KeyTunnelRateLimitEnabled  = "tunnel.rateLimit.enabled"
	KeyTunnelRequestsPerMinute = "tunnel.rateLimit.requestsPerMinute"
	KeyTunnelHealthInterval    = "tunnel.health.checkInterval"
	KeyTunnelHealthMaxRetries  = "tunnel.health.maxRetries"

	KeyUnifiedAPIKeyEnabled  = "security.unifiedApiKey.enabled"
	KeyMasterPasswordEnabled = "security.masterPassword.enabled"
	KeyMasterPasswordHash    = "security.masterPassword.hash"

	KeyPresetsRemoteURL  = "presets.remoteUrl"
	KeyPresetsAutoUpdate = "presets.autoUpdate"
	KeyPresetsUpdatedAt  = "presets.lastUpdated"

	KeyAnalyticsEnabled = "analytics.enabled"
	KeyAnalyticsUserID  = "analytics.userId"

	KeyTheme    = "appearance.theme"
	KeyLanguage = "appearance.language"
)

// defaults enumerates every known key with its default JSON value.
var defaults = map[string]json.RawMessage{
	KeyProxyPort:      json.RawMessage(`9527`),
	KeyProxyHost:      json.RawMessage(`"127.0.0.1"`),
	KeyProxyAutoStart: json.RawMessage(`false`),
	KeyProxyTimeout:   json.RawMessage(`60000`),

	KeyRetryEnabled:    json.RawMessage(`true`),
	KeyRetryMaxRetries: json.RawMessage(`3`),
	KeyRetryDelay:      json.RawMessage(`1000`),
	KeyRetryOn:         json.RawMessage(`[429,500,502,503,504]`),

	KeyBreakerEnabled:      json.RawMessage(`true`),
	KeyBreakerThreshold:    json.RawMessage(`5`),
	KeyBreakerResetTimeout: json.RawMessage(`30000`),

	KeyCORSEnabled: json.RawMessage(`true`),
	KeyCORSOrigins: json.RawMessage(`["*"]`),

	KeySSEHeartbeatInterval: json.RawMessage(`30000`),
	KeySSEConnectionTimeout: json.RawMessage(`300000`),

	KeyLogsEnabled:          json.RawMessage(`true`),
	KeyLogsRetentionDays:    json.RawMessage(`30`),
	KeyLogsMaxEntries:       json.RawMessage(`10000`),
	KeyLogsSaveRequestBody:  json.RawMessage(`false`),
	KeyLogsSaveResponseBody: json.RawMessage(`false`),
	KeyLogsMaxBodySize:      json.RawMessage(`10240`),

	KeyTunnelAutoStart:         json.RawMessage(`false`),
	KeyTunnelRequireAPIKey:     json.RawMessage(`true`),
	KeyTunnelAPIBaseURL:        json.RawMessage(`""`),
	KeyTunnelRateLimitEnabled:  json.RawMessage(`true`),
	KeyTunnelRequestsPerMinute: json.RawMessage(`60`),
	KeyTunnelHealthInterval:    json.RawMessage(`30000`),
	KeyTunnelHealthMaxRetries:  json.RawMessage(`3`),

	KeyUnifiedAPIKeyEnabled:  json.RawMessage(`false`),
	KeyMasterPasswordEnabled: json.RawMessage(`false`),
	KeyMasterPasswordHash:    json.RawMessage(`""`),

	KeyPresetsRemoteURL:  json.RawMessage(`""`),
	KeyPresetsAutoUpdate: json.RawMessage(`true`),
	KeyPresetsUpdatedAt:  json.RawMessage(`""`),

	KeyAnalyticsEnabled: json.RawMessage(`false`),
	KeyAnalyticsUserID:  json.RawMessage(`""`),

	KeyTheme:    json.RawMessage(`"system"`),
	KeyLanguage: json.RawMessage(`"en-US"`),
}

// enums constrains string-valued keys with a closed value set.
var enums = map[string][]string{
	KeyTheme:    {"light", "dark", "system"},
	KeyLanguage: {"zh-CN", "en-US"},
}

// Service reads and writes settings with defaults and validation.
type Service struct {
	store storage.SettingStore
}

// NewService returns a Service backed by store.
func NewService(store storage.SettingStore) *Service {
	return &Service{store: store}
}

// Default returns the default value for a known key, or nil.
func Default(key string) json.RawMessage {
	return defaults[key]
}

// Get returns the stored value for key, or its default when unset.
func (s *Service) Get(ctx context.Context, key string) (json.RawMessage, error) {
	def, known := defaults[key]
	st, err := s.store.GetSetting(ctx, key)
	if err == nil {
		return st.Value, nil
	}
	if known {
		return def, nil
	}
	return nil, fmt.Errorf("setting %q: %w", key, relay.ErrNotFound)
}

// GetAll returns every known key with stored values overlaid on
// defaults. Stored keys outside the known set are included as-is.
func (s *Service) GetAll(ctx context.Context) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(defaults))
	for k, v := range defaults {
		out[k] = v
	}
	stored, err := s.store.ListSettings(ctx)
	if err != nil {
		return nil, err
	}
	for _, st := range stored {
		out[st.Key] = st.Value
	}
	return out, nil
}

// Set validates and persists one setting.
func (s *Service) Set(ctx context.Context, key string, value json.RawMessage) error {
	if err := validate(key, value); err != nil {
		return err
	}
	return s.store.PutSetting(ctx, &relay.Setting{Key: key, Value: value})
}

// SetMany validates every entry and persists the batch in one
// transaction. A single invalid entry rejects the whole batch.
func (s *Service) SetMany(ctx context.Context, values map[string]json.RawMessage) error {
	batch := make([]*relay.Setting, 0, len(values))
	for key, value := range values {
		if err := validate(key, value); err != nil {
			return err
		}
		batch = append(batch, &relay.Setting{Key: key, Value: value})
	}
	return s.store.PutSettings(ctx, batch)
}

func validate(key string, value json.RawMessage) error {
	def, known := defaults[key]
	if !known {
		return fmt.Errorf("unknown setting %q: %w", key, relay.ErrValidation)
	}
	var decoded any
	if err := json.Unmarshal(value, &decoded); err != nil {
		return fmt.Errorf("setting %q: malformed JSON: %w", key, relay.ErrValidation)
	}
	if kindOf(value) != kindOf(def) {
		return fmt.Errorf("setting %q: wrong value type: %w", key, relay.ErrValidation)
	}
	if allowed, ok := enums[key]; ok {
		str, _ := decoded.(string)
		found := false
		for _, a := range allowed {
			if str == a {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("setting %q: %q not in %v: %w", key, str, allowed, relay.ErrValidation)
		}
	}
	if key == KeyProxyPort {
		port, _ := decoded.(float64)
		if port < 1 || port > 65535 {
			return fmt.Errorf("setting %q: port out of range: %w", key, relay.ErrValidation)
		}
	}
	return nil
}

// kindOf classifies a JSON value by its first significant byte.
func kindOf(raw json.RawMessage) byte {
	for _, c := range raw {
		switch c {
		case ' ', '\t', '\n', '\r':
			continue
		case '{':
			return 'o'
		case '[':
			return 'a'
		case '"':
			return 's'
		case 't', 'f':
			return 'b'
		case 'n':
			return 'z'
		default:
			return 'n'
		}
	}
	return 'z'
}

// --- Typed reads ---

// Int returns an integer setting, falling back to the default on any
// storage or decoding failure.
func (s *Service) Int(ctx context.Context, key string) int {
	raw, err := s.Get(ctx, key)
	if err != nil {
		raw = defaults[key]
	}
	return intFrom(raw, defaults[key])
}

// Bool returns a boolean setting with default fallback.
func (s *Service) Bool(ctx context.Context, key string) bool {
	raw, err := s.Get(ctx, key)
	if err != nil {
		raw = defaults[key]
	}
	return boolFrom(raw, defaults[key])
}

// String returns a string setting with default fallback.
func (s *Service) String(ctx context.Context, key string) string {
	raw, err := s.Get(ctx, key)
	if err != nil {
		raw = defaults[key]
	}
	return stringFrom(raw, defaults[key])
}

// Millis returns an interval setting stored as integer milliseconds.
func (s *Service) Millis(ctx context.Context, key string) time.Duration {
	return time.Duration(s.Int(ctx, key)) * time.Millisecond
}

func intFrom(raw, def json.RawMessage) int {
	var n int
	if err := json.Unmarshal(raw, &n); err != nil {
		json.Unmarshal(def, &n) //nolint:errcheck
	}
	return n
}

func boolFrom(raw, def json.RawMessage) bool {
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		json.Unmarshal(def, &b) //nolint:errcheck
	}
	return b
}

func stringFrom(raw, def json.RawMessage) string {
	var str string
	if err := json.Unmarshal(raw, &str); err != nil {
		json.Unmarshal(def, &str) //nolint:errcheck
	}
	return str
}

func intsFrom(raw, def json.RawMessage) []int {
	var ns []int
	if err := json.Unmarshal(raw, &ns); err != nil {
		json.Unmarshal(def, &ns) //nolint:errcheck
	}
	return ns
}

func stringsFrom(raw, def json.RawMessage) []string {
	var ss []string
	if err := json.Unmarshal(raw, &ss); err != nil {
		json.Unmarshal(def, &ss) //nolint:errcheck
	}
	return ss
}
