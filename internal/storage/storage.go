// Package storage defines persistence interfaces for the daemon.
package storage

import (
	"context"
	"time"

	relay "github.com/koriley/switchboard/internal"
)

// ProviderStore manages upstream provider configuration.
type ProviderStore interface {
	CreateProvider(ctx context.Context, p *relay.Provider) error
	GetProvider(ctx context.Context, id string) (*relay.Provider, error)
	GetProviderBySlug(ctx context.Context, slug string) (*relay.Provider, error)
	ListProviders(ctx context.Context) ([]*relay.Provider, error)
	UpdateProvider(ctx context.Context, p *relay.Provider) error
	DeleteProvider(ctx context.Context, id string) error
}

// ProxyStore manages bridge proxies and their model mappings. Create
// and update reject outbound chains that loop back to the mutated
// proxy; CheckCircular runs the same walk for a prospective edge.
type ProxyStore interface {
	CreateProxy(ctx context.Context, p *relay.BridgeProxy) error
	GetProxy(ctx context.Context, id string) (*relay.BridgeProxy, error)
	GetProxyByPath(ctx context.Context, path string) (*relay.BridgeProxy, error)
	ListProxies(ctx context.Context) ([]*relay.BridgeProxy, error)
	UpdateProxy(ctx context.Context, p *relay.BridgeProxy) error
	DeleteProxy(ctx context.Context, id string) error
	CheckCircular(ctx context.Context, proxyID, outboundKind, outboundID string) error
	GetMappings(ctx context.Context, proxyID string) ([]*relay.ModelMapping, error)
	SetMappings(ctx context.Context, proxyID string, mappings []*relay.ModelMapping) error
}

// APIKeyStore manages front-end bearer credentials.
type APIKeyStore interface {
	CreateKey(ctx context.Context, key *relay.APIKey) error
	GetKey(ctx context.Context, id string) (*relay.APIKey, error)
	GetKeyBySecret(ctx context.Context, secret string) (*relay.APIKey, error)
	ListKeys(ctx context.Context) ([]*relay.APIKey, error)
	UpdateKey(ctx context.Context, key *relay.APIKey) error
	DeleteKey(ctx context.Context, id string) error
	TouchKeyUsed(ctx context.Context, id string) error
}

// SettingStore manages the typed key/value settings table.
type SettingStore interface {
	GetSetting(ctx context.Context, key string) (*relay.Setting, error)
	ListSettings(ctx context.Context) ([]*relay.Setting, error)
	PutSetting(ctx context.Context, s *relay.Setting) error
	PutSettings(ctx context.Context, ss []*relay.Setting) error
}

// LogQuery filters and pages a request-log listing.
type LogQuery struct {
	ProxyID string
	Source  string
	Status  string // "success" (2xx), "error" (non-2xx), or empty
	Model   string // matches source or target model
	Search  string // substring over path, models, error
	Since   time.Time
	Until   time.Time
	Offset  int
	Limit   int
}

// LogStats aggregates request logs over a window.
type LogStats struct {
	TotalRequests     int64   `json:"total_requests"`
	SuccessCount      int64   `json:"success_count"`
	ErrorCount        int64   `json:"error_count"`
	TotalInputTokens  int64   `json:"total_input_tokens"`
	TotalOutputTokens int64   `json:"total_output_tokens"`
	AvgLatencyMs      float64 `json:"avg_latency_ms"`
}

// TimeSeriesPoint is one bucket of the request-log time series.
type TimeSeriesPoint struct {
	Bucket       string  `json:"bucket"` // "2025-01-02" or "2025-01-02 15:00"
	Requests     int64   `json:"requests"`
	Errors       int64   `json:"errors"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// RequestLogStore manages the immutable per-call records.
type RequestLogStore interface {
	InsertRequestLog(ctx context.Context, l *relay.RequestLog) error
	GetRequestLog(ctx context.Context, id string) (*relay.RequestLog, error)
	QueryRequestLogs(ctx context.Context, q LogQuery) ([]*relay.RequestLog, int64, error)
	RequestLogStats(ctx context.Context, since time.Time) (*LogStats, error)
	RequestLogTimeSeries(ctx context.Context, since time.Time, byHour bool) ([]TimeSeriesPoint, error)
	ClearRequestLogs(ctx context.Context) (int64, error)
	PruneRequestLogs(ctx context.Context, olderThan time.Time, maxEntries int) (int64, error)
}

// ChatStore manages UI conversation history.
type ChatStore interface {
	CreateConversation(ctx context.Context, c *relay.Conversation) error
	GetConversation(ctx context.Context, id string) (*relay.Conversation, error)
	ListConversations(ctx context.Context) ([]*relay.Conversation, error)
	UpdateConversation(ctx context.Context, c *relay.Conversation) error
	DeleteConversation(ctx context.Context, id string) error
	CreateMessage(ctx context.Context, m *relay.ChatMessage) error
	UpdateMessage(ctx context.Context, m *relay.ChatMessage) error
	ListMessages(ctx context.Context, conversationID string) ([]*relay.ChatMessage, error)
	GetMessage(ctx context.Context, id string) (*relay.ChatMessage, error)
	DeleteMessages(ctx context.Context, ids []string) error
}

// OAuthStore manages pooled OAuth accounts. UpdateOAuthAccount applies
// the health invariants: is_active clears on expired/forbidden or three
// failures, and an active account keeps no error and zero failures.
type OAuthStore interface {
	CreateOAuthAccount(ctx context.Context, a *relay.OAuthAccount) error
	GetOAuthAccount(ctx context.Context, id string) (*relay.OAuthAccount, error)
	ListOAuthAccounts(ctx context.Context) ([]*relay.OAuthAccount, error)
	ListOAuthAccountsByProvider(ctx context.Context, providerType string) ([]*relay.OAuthAccount, error)
	UpdateOAuthAccount(ctx context.Context, a *relay.OAuthAccount) error
	DeleteOAuthAccount(ctx context.Context, id string) error
	TouchOAuthAccountUsed(ctx context.Context, id string) error
}

// CodeSwitchStore manages CLI bindings and their mapping sets.
type CodeSwitchStore interface {
	CreateCodeSwitch(ctx context.Context, c *relay.CodeSwitchConfig) error
	GetCodeSwitch(ctx context.Context, id string) (*relay.CodeSwitchConfig, error)
	GetCodeSwitchByCLI(ctx context.Context, cli string) (*relay.CodeSwitchConfig, error)
	ListCodeSwitches(ctx context.Context) ([]*relay.CodeSwitchConfig, error)
	UpdateCodeSwitch(ctx context.Context, c *relay.CodeSwitchConfig) error
	DeleteCodeSwitch(ctx context.Context, id string) error
	SetCodeMappings(ctx context.Context, switchID string, mappings []*relay.CodeModelMapping) error
	ActiveCodeMappings(ctx context.Context, switchID string) ([]*relay.CodeModelMapping, error)
}

// TunnelStore manages tunnel identity, stats, and logs.
type TunnelStore interface {
	GetTunnelConfig(ctx context.Context) (*relay.TunnelConfig, error)
	PutTunnelConfig(ctx context.Context, c *relay.TunnelConfig) error
	FoldTunnelStats(ctx context.Context, date string, batch relay.TunnelStats) error
	ListTunnelStats(ctx context.Context, days int) ([]*relay.TunnelStats, error)
	InsertTunnelAccessLog(ctx context.Context, l *relay.TunnelAccessLog) error
	ListTunnelAccessLogs(ctx context.Context, limit int) ([]*relay.TunnelAccessLog, error)
	InsertTunnelSystemLog(ctx context.Context, l *relay.TunnelSystemLog) error
	ListTunnelSystemLogs(ctx context.Context, limit int) ([]*relay.TunnelSystemLog, error)
}

// Store combines all storage interfaces.
type Store interface {
	ProviderStore
	ProxyStore
	APIKeyStore
	SettingStore
	RequestLogStore
	ChatStore
	OAuthStore
	CodeSwitchStore
	TunnelStore
	Ping(ctx context.Context) error
	Close() error
}
