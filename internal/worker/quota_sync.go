package worker

import (
	"context"
	"log/slog"
	"time"

	relay "github.com/koriley/switchboard/internal"
)

const quotaSyncInterval = 15 * time.Minute

// AccountLister enumerates the stored OAuth accounts.
type AccountLister interface {
	ListOAuthAccounts(ctx context.Context) ([]*relay.OAuthAccount, error)
}

// QuotaUpdater refetches one account's provider quota document.
type QuotaUpdater interface {
	UpdateQuota(ctx context.Context, id string) (*relay.OAuthAccount, error)
}

// QuotaSyncWorker keeps quota snapshots fresh for pool-enabled
// accounts, so the pool selector and the admin UI see current limits
// without an explicit refresh.
type QuotaSyncWorker struct {
	store    AccountLister
	accounts QuotaUpdater
}

// NewQuotaSyncWorker creates a QuotaSyncWorker.
func NewQuotaSyncWorker(store AccountLister, accounts QuotaUpdater) *QuotaSyncWorker {
	return &QuotaSyncWorker{store: store, accounts: accounts}
}

// Name returns the worker identifier.
func (w *QuotaSyncWorker) Name() string { return "quota_sync" }

// Run syncs once at startup, then periodically until ctx is cancelled.
func (w *QuotaSyncWorker) Run(ctx context.Context) error {
	w.sync(ctx)

	ticker := time.NewTicker(quotaSyncInterval)
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

func (w *QuotaSyncWorker) sync(ctx context.Context) {
	accounts, err := w.store.ListOAuthAccounts(ctx)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "quota sync list failed",
			slog.String("error", err.Error()),
		)
		return
	}
	for _, a := range accounts {
		if !a.Eligible() {
			continue
		}
		if _, err := w.accounts.UpdateQuota(ctx, a.ID); err != nil {
			// Providers without a quota endpoint and transient upstream
			// failures are both non-fatal here.
			slog.LogAttrs(ctx, slog.LevelDebug, "quota sync skipped account",
				slog.String("account", a.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}
