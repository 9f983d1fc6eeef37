package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/koriley/switchboard/internal/settings"
)

const retentionInterval = time.Hour

// LogPruner deletes request-log rows past the retention policy.
type LogPruner interface {
	Cleanup(ctx context.Context, retentionDays, maxEntries int) (int64, error)
}

// RetentionWorker periodically prunes request logs to the configured
// retention window and row cap.
type RetentionWorker struct {
	logs     LogPruner
	settings *settings.Service
}

// NewRetentionWorker creates a RetentionWorker.
func NewRetentionWorker(logs LogPruner, s *settings.Service) *RetentionWorker {
	return &RetentionWorker{logs: logs, settings: s}
}

// Name returns the worker identifier.
func (w *RetentionWorker) Name() string { return "log_retention" }

// Run prunes once at startup, then hourly until ctx is cancelled.
func (w *RetentionWorker) Run(ctx context.Context) error {
	w.prune(ctx)

	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.prune(ctx)
		}
	}
}

func (w *RetentionWorker) prune(ctx context.Context) {
	pol := w.settings.Logs(ctx)
	if !pol.Enabled {
		return
	}
	removed, err := w.logs.Cleanup(ctx, pol.RetentionDays, pol.MaxEntries)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "log retention failed",
			slog.String("error", err.Error()),
		)
		return
	}
	if removed > 0 {
		slog.Info("log retention completed", "removed", removed, "retention_days", pol.RetentionDays)
	}
}
