// Package ratelimit enforces the tunnel's per-source request budget
// with fixed one-minute windows. Windows reset lazily on the first
// check after expiry; no background goroutine runs.
package ratelimit

import (
	"sync"
	"time"
)

// Result is the outcome of a rate limit check.
type Result struct {
	Allowed           bool
	Limit             int
	Remaining         int
	RetryAfterSeconds float64
}

// window counts requests from one source inside the current minute.
type window struct {
	start    time.Time
	count    int
	lastUsed time.Time
}

// Limiter tracks fixed per-minute windows keyed by source (client IP
// for tunnel traffic). Safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
}

// NewLimiter creates an empty limiter.
func NewLimiter() *Limiter {
	return &Limiter{windows: make(map[string]*window)}
}

// Allow consumes one slot for source under the given per-minute limit.
// A limit of 0 or less means unlimited.
func (l *Limiter) Allow(source string, limit int) Result {
	if limit <= 0 {
		return Result{Allowed: true}
	}

	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[source]
	if !ok || now.Sub(w.start) >= time.Minute {
		w = &window{start: now}
		l.windows[source] = w
	}
	w.lastUsed = now

	if w.count >= limit {
		return Result{
			Allowed:           false,
			Limit:             limit,
			Remaining:         0,
			RetryAfterSeconds: time.Minute.Seconds() - now.Sub(w.start).Seconds(),
		}
	}
	w.count++
	return Result{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit - w.count,
	}
}

// EvictStale removes windows not used since cutoff. Returns the number
// evicted.
func (l *Limiter) EvictStale(cutoff time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	evicted := 0
	for k, w := range l.windows {
		if w.lastUsed.Before(cutoff) {
			delete(l.windows, k)
			evicted++
		}
	}
	return evicted
}

// Size returns the number of tracked sources.
func (l *Limiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}
