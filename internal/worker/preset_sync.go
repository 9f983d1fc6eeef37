package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/koriley/switchboard/internal/settings"
)

const presetSyncInterval = 6 * time.Hour

// CatalogRefresher pulls the remote preset catalog, reporting whether
// anything changed.
type CatalogRefresher interface {
	Refresh(ctx context.Context) (bool, error)
}

// PresetSyncWorker keeps the provider preset catalog current while
// automatic updates are enabled.
type PresetSyncWorker struct {
	presets  CatalogRefresher
	settings *settings.Service
}

// NewPresetSyncWorker creates a PresetSyncWorker.
func NewPresetSyncWorker(presets CatalogRefresher, s *settings.Service) *PresetSyncWorker {
	return &PresetSyncWorker{presets: presets, settings: s}
}

// Name returns the worker identifier.
func (w *PresetSyncWorker) Name() string { return "preset_sync" }

// Run refreshes once at startup, then every sync interval until ctx is
// cancelled.
func (w *PresetSyncWorker) Run(ctx context.Context) error {
	w.sync(ctx)

	ticker := time.NewTicker(presetSyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.sync(ctx)
		}
	}
}

func (w *PresetSyncWorker) sync(ctx context.Context) {
	if !w.settings.Bool(ctx, settings.KeyPresetsAutoUpdate) {
		return
	}
	updated, err := w.presets.Refresh(ctx)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "preset sync failed",
			slog.String("error", err.Error()),
		)
		return
	}
	if updated {
		slog.Info("preset catalog updated")
	}
}
