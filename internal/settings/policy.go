package settings

import (
	"context"
	"encoding/json"
	"time"
)

// RetryPolicy governs upstream retries in the bridge pipeline.
type RetryPolicy struct {
	Enabled    bool
	MaxRetries int
	RetryDelay time.Duration
	RetryOn    []int
}

// Retryable reports whether a response status qualifies for a retry.
func (p RetryPolicy) Retryable(status int) bool {
	if !p.Enabled {
		return false
	}
	for _, s := range p.RetryOn {
		if s == status {
			return true
		}
	}
	return false
}

// BreakerPolicy configures the per-provider circuit breakers.
type BreakerPolicy struct {
	Enabled      bool
	Threshold    int
	ResetTimeout time.Duration
}

// LogPolicy governs request-log capture and retention.
type LogPolicy struct {
	Enabled          bool
	RetentionDays    int
	MaxEntries       int
	SaveRequestBody  bool
	SaveResponseBody bool
	MaxBodySize      int
}

// CORSPolicy configures the front-end CORS middleware.
type CORSPolicy struct {
	Enabled bool
	Origins []string
}

// SSEPolicy configures streaming keepalive and idle limits.
type SSEPolicy struct {
	HeartbeatInterval time.Duration
	ConnectionTimeout time.Duration
}

// TunnelPolicy configures tunnel-facing auth, rate limiting, and health
// checks.
type TunnelPolicy struct {
	AutoStart         bool
	RequireAPIKey     bool
	APIBaseURL        string
	RateLimitEnabled  bool
	RequestsPerMinute int
	HealthInterval    time.Duration
	HealthMaxRetries  int
}

// Retry reads the retry policy in one snapshot.
func (s *Service) Retry(ctx context.Context) RetryPolicy {
	m := s.snapshot(ctx)
	return RetryPolicy{
		Enabled:    boolAt(m, KeyRetryEnabled),
		MaxRetries: intAt(m, KeyRetryMaxRetries),
		RetryDelay: millisAt(m, KeyRetryDelay),
		RetryOn:    intsAt(m, KeyRetryOn),
	}
}

// Breaker reads the circuit-breaker policy in one snapshot.
func (s *Service) Breaker(ctx context.Context) BreakerPolicy {
	m := s.snapshot(ctx)
	return BreakerPolicy{
		Enabled:      boolAt(m, KeyBreakerEnabled),
		Threshold:    intAt(m, KeyBreakerThreshold),
		ResetTimeout: millisAt(m, KeyBreakerResetTimeout),
	}
}

// Logs reads the log capture policy in one snapshot.
func (s *Service) Logs(ctx context.Context) LogPolicy {
	m := s.snapshot(ctx)
	return LogPolicy{
		Enabled:          boolAt(m, KeyLogsEnabled),
		RetentionDays:    intAt(m, KeyLogsRetentionDays),
		MaxEntries:       intAt(m, KeyLogsMaxEntries),
		SaveRequestBody:  boolAt(m, KeyLogsSaveRequestBody),
		SaveResponseBody: boolAt(m, KeyLogsSaveResponseBody),
		MaxBodySize:      intAt(m, KeyLogsMaxBodySize),
	}
}

// CORS reads the CORS policy in one snapshot.
func (s *Service) CORS(ctx context.Context) CORSPolicy {
	m := s.snapshot(ctx)
	return CORSPolicy{
		Enabled: boolAt(m, KeyCORSEnabled),
		Origins: stringsAt(m, KeyCORSOrigins),
	}
}

// SSE reads the streaming policy in one snapshot.
func (s *Service) SSE(ctx context.Context) SSEPolicy {
	m := s.snapshot(ctx)
	return SSEPolicy{
		HeartbeatInterval: millisAt(m, KeySSEHeartbeatInterval),
		ConnectionTimeout: millisAt(m, KeySSEConnectionTimeout),
	}
}

// Tunnel reads the tunnel policy in one snapshot.
func (s *Service) Tunnel(ctx context.Context) TunnelPolicy {
	m := s.snapshot(ctx)
	return TunnelPolicy{
		AutoStart:         boolAt(m, KeyTunnelAutoStart),
		RequireAPIKey:     boolAt(m, KeyTunnelRequireAPIKey),
		APIBaseURL:        stringAt(m, KeyTunnelAPIBaseURL),
		RateLimitEnabled:  boolAt(m, KeyTunnelRateLimitEnabled),
		RequestsPerMinute: intAt(m, KeyTunnelRequestsPerMinute),
		HealthInterval:    millisAt(m, KeyTunnelHealthInterval),
		HealthMaxRetries:  intAt(m, KeyTunnelHealthMaxRetries),
	}
}

// snapshot loads all stored settings, falling back to pure defaults
// when the store is unreachable.
func (s *Service) snapshot(ctx context.Context) map[string]json.RawMessage {
	m, err := s.GetAll(ctx)
	if err != nil {
		return defaults
	}
	return m
}

func intAt(m map[string]json.RawMessage, key string) int {
	return intFrom(m[key], defaults[key])
}

func boolAt(m map[string]json.RawMessage, key string) bool {
	return boolFrom(m[key], defaults[key])
}

func stringAt(m map[string]json.RawMessage, key string) string {
	return stringFrom(m[key], defaults[key])
}

func intsAt(m map[string]json.RawMessage, key string) []int {
	return intsFrom(m[key], defaults[key])
}

func stringsAt(m map[string]json.RawMessage, key string) []string {
	return stringsFrom(m[key], defaults[key])
}

func millisAt(m map[string]json.RawMessage, key string) time.Duration {
	return time.Duration(intAt(m, key)) * time.Millisecond
}
