package worker

import (
	"context"
	"log/slog"
	"time"
)

// RetentionCapableStore defines operations required for log pruning.
// Implemented by store.Store.
type RetentionCapableStore interface {
	// CleanupOlderThan removes log entries older than the retention window,
	// keeping the latest record per entity and per field.
	// Returns the number of entries deleted.
	CleanupOlderThan(ctx context.Context, retention time.Duration) (int64, error)
}

// RetentionCoordinator periodically prunes the change logs.
type RetentionCoordinator struct {
	store     RetentionCapableStore
	interval  time.Duration
	retention time.Duration
}

// NewRetentionCoordinator creates a retention coordinator.
func NewRetentionCoordinator(
	store RetentionCapableStore,
	interval time.Duration,
	retention time.Duration,
) *RetentionCoordinator {
	return &RetentionCoordinator{
		store:     store,
		interval:  interval,
		retention: retention,
	}
}

// Run starts the coordinator loop. Blocks until ctx is cancelled.
//
// Waits for the first ticker interval before processing. Pruning is
// IO-intensive; we avoid spiking resources during server startup.
func (c *RetentionCoordinator) Run(ctx context.Context) {
	slog.Info("retention coordinator started",
		"component", "worker",
		"worker", "retention-coordinator",
		"interval", c.interval.String(),
		"retention", c.retention.String(),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("retention coordinator stopped",
				"component", "worker",
				"worker", "retention-coordinator",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			c.runCycle(ctx)
		}
	}
}

// runCycle runs a single pruning pass.
func (c *RetentionCoordinator) runCycle(ctx context.Context) {
	start := time.Now()

	deleted, err := c.store.CleanupOlderThan(ctx, c.retention)
	if err != nil {
		if ctx.Err() != nil {
			return // Graceful shutdown
		}
		slog.Error("retention cycle failed",
			"component", "worker",
			"worker", "retention-coordinator",
			"error", err,
		)
		return
	}

	if deleted == 0 {
		slog.Debug("no entries to prune",
			"component", "worker",
			"worker", "retention-coordinator",
		)
		return
	}

	slog.Info("retention cycle completed",
		"component", "worker",
		"worker", "retention-coordinator",
		"entries_deleted", deleted,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}
