// Package worker provides background task infrastructure for the
// daemon: log retention, preset catalog sync, OAuth quota polling, and
// in-memory state cleanup.
package worker

import "context"

// Worker is a long-running background task.
type Worker interface {
	// Name identifies the worker in logs.
	Name() string
	// Run blocks until ctx is cancelled or an unrecoverable error occurs.
	Run(ctx context.Context) error
}
