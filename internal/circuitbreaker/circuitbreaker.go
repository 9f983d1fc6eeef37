// Package circuitbreaker implements per-provider circuit breakers. A
// breaker trips after a run of consecutive failures and short-circuits
// requests to a known-bad upstream until a reset timeout elapses, after
// which a single probe request decides between closing and reopening.
package circuitbreaker

import (
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	// StateClosed allows all requests through.
	StateClosed State = iota
	// StateOpen rejects all requests.
	StateOpen
	// StateHalfOpen allows a single probe request.
	StateHalfOpen
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker parameters.
type Config struct {
	Threshold    int           // consecutive failures that trip the breaker
	ResetTimeout time.Duration // time in OPEN before a probe is allowed
}

// DefaultConfig returns the stock parameters.
func DefaultConfig() Config {
	return Config{
		Threshold:    5,
		ResetTimeout: 30 * time.Second,
	}
}

// Breaker is a per-provider circuit breaker state machine.
type Breaker struct {
	mu           sync.Mutex
	state        State
	failures     int       // consecutive failures since last success
	openedAt     time.Time // when transitioned to OPEN
	lastUsed     time.Time // for stale eviction
	probing      bool      // true when a half-open probe is in flight
	threshold    int
	resetTimeout time.Duration
}

// NewBreaker creates a breaker with the given config.
func NewBreaker(cfg Config) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultConfig().Threshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultConfig().ResetTimeout
	}
	return &Breaker{
		state:        StateClosed,
		threshold:    cfg.Threshold,
		resetTimeout: cfg.ResetTimeout,
		lastUsed:     time.Now(),
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	s := b.state
	b.mu.Unlock()
	return s
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	n := b.failures
	b.mu.Unlock()
	return n
}

// Configure updates the parameters of a live breaker. An enlarged
// threshold does not reopen a tripped breaker; the next probe decides.
func (b *Breaker) Configure(cfg Config) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cfg.Threshold > 0 {
		b.threshold = cfg.Threshold
	}
	if cfg.ResetTimeout > 0 {
		b.resetTimeout = cfg.ResetTimeout
	}
}

// Allow checks whether a request should be allowed through.
func (b *Breaker) Allow() bool {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = now

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if now.Sub(b.openedAt) >= b.resetTimeout {
			// Let this request through as the probe.
			b.state = StateHalfOpen
			b.probing = true
			return true
		}
		return false
	case StateHalfOpen:
		if !b.probing {
			b.probing = true
			return true
		}
		// Another probe is already in flight; reject.
		return false
	}
	return false
}

// RecordSuccess records a successful request outcome. Any success
// resets the consecutive failure run; a successful probe closes the
// breaker.
func (b *Breaker) RecordSuccess() {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = now
	b.failures = 0

	if b.state == StateHalfOpen {
		b.state = StateClosed
		b.probing = false
	}
}

// RecordFailure records a failed request outcome. The threshold'th
// consecutive failure trips the breaker; a failed probe reopens it.
func (b *Breaker) RecordFailure() {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = now
	b.failures++

	switch b.state {
	case StateClosed:
		if b.failures >= b.threshold {
			b.state = StateOpen
			b.openedAt = now
		}
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = now
		b.probing = false
	}
}

// LastUsed returns the time of last activity (for stale eviction).
func (b *Breaker) LastUsed() time.Time {
	b.mu.Lock()
	t := b.lastUsed
	b.mu.Unlock()
	return t
}
