package worker

import (
	"context"
	"log/slog"
	"time"
)

const (
	janitorInterval = 10 * time.Minute
	janitorMaxIdle  = time.Hour
)

// StaleEvicter drops in-memory entries not used since cutoff.
type StaleEvicter interface {
	EvictStale(cutoff time.Time) int
}

// Janitor bounds the memory of the per-provider breaker registry and
// the per-source rate limiter, which otherwise grow with every distinct
// provider and tunnel client seen.
type Janitor struct {
	targets map[string]StaleEvicter
}

// NewJanitor creates a Janitor over the named eviction targets.
func NewJanitor(targets map[string]StaleEvicter) *Janitor {
	return &Janitor{targets: targets}
}

// Name returns the worker identifier.
func (w *Janitor) Name() string { return "janitor" }

// Run evicts idle entries periodically until ctx is cancelled.
func (w *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			cutoff := time.Now().Add(-janitorMaxIdle)
			for name, t := range w.targets {
				if evicted := t.EvictStale(cutoff); evicted > 0 {
					slog.Debug("janitor evicted stale entries", "target", name, "evicted", evicted)
				}
			}
		}
	}
}
