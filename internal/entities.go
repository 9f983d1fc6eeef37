package relay

import (
	"encoding/json"
	"time"
)

// --- Providers ---

// Provider represents a configured upstream API endpoint.
type Provider struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	AdapterType string `json:"adapter_type"`
	// APIKeyEnc is the vault envelope of the upstream credential. Never
	// exposed; ignored when IsPool is set.
	APIKeyEnc  string   `json:"-"`
	BaseURL    string   `json:"base_url"`
	ChatPath   string   `json:"chat_path,omitempty"` // may contain {model}
	ModelsPath string   `json:"models_path,omitempty"`
	Models     []string `json:"models"` // cached model ids
	Enabled    bool     `json:"enabled"`
	SortOrder  int      `json:"sort_order"`
	Logo       string   `json:"logo,omitempty"`
	Color      string   `json:"color,omitempty"`

	// Passthrough mounts the upstream byte-for-byte under PassthroughSlug.
	Passthrough     bool   `json:"passthrough"`
	PassthroughSlug string `json:"passthrough_slug,omitempty"`

	// Pool providers draw their credential from the OAuth account pool
	// at request time instead of APIKeyEnc.
	IsPool            bool   `json:"is_pool"`
	PoolStrategy      string `json:"pool_strategy,omitempty"`
	OAuthAccountID    string `json:"oauth_account_id,omitempty"`
	OAuthProviderType string `json:"oauth_provider_type,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// --- Bridge proxies ---

// Outbound kinds for a BridgeProxy.
const (
	OutboundProvider = "provider"
	OutboundProxy    = "proxy"
)

// BridgeProxy is a named route that converts between an inbound dialect
// and an outbound target. The graph of proxy -> outbound proxy edges is
// kept acyclic by the cycle check on create and update.
type BridgeProxy struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	InboundAdapter string    `json:"inbound_adapter"`
	OutboundKind   string    `json:"outbound_kind"`
	OutboundID     string    `json:"outbound_id"`
	ProxyPath      string    `json:"proxy_path"` // unique, non-empty
	Enabled        bool      `json:"enabled"`
	SortOrder      int       `json:"sort_order"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ModelMapping rewrites a source model id to a target model id for one
// proxy. At most one default row exists per proxy; it applies when no
// source model matches.
type ModelMapping struct {
	ID          string    `json:"id"`
	ProxyID     string    `json:"proxy_id"`
	SourceModel string    `json:"source_model,omitempty"` // empty on the default row
	TargetModel string    `json:"target_model"`
	IsDefault   bool      `json:"is_default"`
	CreatedAt   time.Time `json:"created_at"`
}

// --- API keys ---

// APIKey is a bearer credential for the local HTTP front-end.
type APIKey struct {
	ID string `json:"id"`
	// Key is the full sk- string, stored verbatim and returned only on create.
	Key        string     `json:"-"`
	Label      string     `json:"label,omitempty"`
	Enabled    bool       `json:"enabled"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// MaskedKey returns the key with all but the prefix and last 4
// characters hidden, for display in listings.
func (k *APIKey) MaskedKey() string {
	if len(k.Key) <= len(APIKeyPrefix)+4 {
		return k.Key
	}
	return k.Key[:len(APIKeyPrefix)+4] + "..." + k.Key[len(k.Key)-4:]
}

// --- Settings ---

// Setting is a typed key with a JSON-encoded value. Known keys and
// their defaults live in the settings package.
type Setting struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// --- Request logs ---

// RequestLog is the immutable record of one completed client call.
type RequestLog struct {
	ID           string    `json:"id"`
	ProxyID      string    `json:"proxy_id,omitempty"` // empty on passthrough
	ProxyPath    string    `json:"proxy_path"`
	SourceModel  string    `json:"source_model"`
	TargetModel  string    `json:"target_model"`
	StatusCode   int       `json:"status_code"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	LatencyMs    int       `json:"latency_ms"`
	RequestBody  string    `json:"request_body,omitempty"`
	ResponseBody string    `json:"response_body,omitempty"`
	Error        string    `json:"error,omitempty"`
	Source       string    `json:"source"` // "local" or "tunnel"
	CreatedAt    time.Time `json:"created_at"`
}

// --- Chat history ---

// Conversation is a chat thread. TargetKind selects whether messages
// are sent through a provider directly or through a bridge proxy.
type Conversation struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	TargetKind string    `json:"target_kind"` // "provider" or "proxy"
	TargetID   string    `json:"target_id"`
	Model      string    `json:"model"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ChatMessage is one stored turn of a conversation. Rows cascade on
// conversation delete.
type ChatMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"` // "user", "assistant", "system"
	Content        string    `json:"content"`
	Reasoning      string    `json:"reasoning,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// --- OAuth accounts ---

// OAuth provider types.
const (
	OAuthCodex       = "codex"
	OAuthAntigravity = "antigravity"
)

// OAuth account health states.
const (
	HealthActive      = "active"
	HealthRateLimited = "rate_limited"
	HealthExpired     = "expired"
	HealthForbidden   = "forbidden"
	HealthError       = "error"
)

// OAuthAccount is a credential record for a third-party OAuth identity.
// Invariants enforced by the repository: FailureCount >= 0; IsActive is
// cleared whenever HealthStatus is expired or forbidden or FailureCount
// reaches 3; an active account has no LastError and zero failures.
type OAuthAccount struct {
	ID           string `json:"id"`
	ProviderType string `json:"provider_type"`
	Email        string `json:"email"`
	// Token envelopes are vault output; plaintext never leaves the oauth
	// package.
	AccessTokenEnc  string    `json:"-"`
	RefreshTokenEnc string    `json:"-"`
	ExpiresAt       time.Time `json:"expires_at"`
	TokenType       string    `json:"token_type"`

	IsActive     bool   `json:"is_active"`
	HealthStatus string `json:"health_status"`
	FailureCount int    `json:"failure_count"`
	LastError    string `json:"last_error,omitempty"`

	PoolEnabled bool `json:"pool_enabled"`
	PoolWeight  int  `json:"pool_weight"` // higher first

	LastUsedAt    *time.Time `json:"last_used_at,omitempty"`
	LastRefreshAt *time.Time `json:"last_refresh_at,omitempty"`

	// Metadata, Quota and Stats are provider-specific JSON documents
	// (Codex plan, Antigravity project id and tier, quota snapshots).
	Metadata json.RawMessage `json:"metadata,omitempty"`
	Quota    json.RawMessage `json:"quota,omitempty"`
	Stats    json.RawMessage `json:"stats,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Eligible reports whether the account may serve pool traffic.
func (a *OAuthAccount) Eligible() bool {
	return a.IsActive && a.PoolEnabled && a.HealthStatus == HealthActive
}

// --- Code switch ---

// Coding CLIs a code switch can bind.
const (
	CLIClaudeCode = "claude-code"
	CLICodex      = "codex"
)

// Code model mapping types.
const (
	MappingPrimary   = "primary"
	MappingFast      = "fast"
	MappingReasoning = "reasoning"
	MappingDefault   = "default"
)

// CodeSwitchConfig binds a coding CLI to a provider so the bridge can
// rewrite the CLI's model ids on the fly.
type CodeSwitchConfig struct {
	ID         string    `json:"id"`
	CLI        string    `json:"cli"`
	ProviderID string    `json:"provider_id"`
	Enabled    bool      `json:"enabled"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// CodeModelMapping rewrites one CLI-supplied model id. Uniqueness key:
// (code_switch_id, provider_id, source_model, mapping_type). Replacing
// a mapping set deactivates prior rows, it never deletes them.
type CodeModelMapping struct {
	ID           string    `json:"id"`
	CodeSwitchID string    `json:"code_switch_id"`
	ProviderID   string    `json:"provider_id"`
	SourceModel  string    `json:"source_model"`
	TargetModel  string    `json:"target_model"`
	MappingType  string    `json:"mapping_type"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

// --- Tunnel ---

// TunnelConfig is the persistent tunnel identity. A single row exists;
// the device id is generated once and reused across tunnel recreations.
type TunnelConfig struct {
	ID             string    `json:"id"`
	DeviceID       string    `json:"device_id"`
	TunnelID       string    `json:"tunnel_id,omitempty"`
	Subdomain      string    `json:"subdomain,omitempty"`
	Domain         string    `json:"domain,omitempty"`
	CredentialsEnc string    `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TunnelStats is one day's aggregated tunnel counters. AvgLatencyMs is
// a request-weighted average maintained by the fold in the repository.
type TunnelStats struct {
	Date         string  `json:"date"` // YYYY-MM-DD
	Requests     int64   `json:"requests"`
	BytesUp      int64   `json:"bytes_up"`
	BytesDown    int64   `json:"bytes_down"`
	Errors       int64   `json:"errors"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	UniqueIPs    int64   `json:"unique_ips"`
}

// TunnelAccessLog records one tunneled request.
type TunnelAccessLog struct {
	ID        string    `json:"id"`
	Method    string    `json:"method"`
	Path      string    `json:"path"`
	Status    int       `json:"status"`
	IP        string    `json:"ip"`
	LatencyMs int       `json:"latency_ms"`
	BytesUp   int64     `json:"bytes_up"`
	BytesDown int64     `json:"bytes_down"`
	CreatedAt time.Time `json:"created_at"`
}

// TunnelSystemLog is one diagnostic entry from the tunnel supervisor.
type TunnelSystemLog struct {
	ID        string    `json:"id"`
	Level     string    `json:"level"` // "info", "warn", "error"
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}
