// Package monitoring closes runs abandoned by dead workers and exposes
// worker metrics.
package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/dondendo89/qa-playwright/core/models"
)

// OrphanedRunError is recorded on runs the reconciler closes
const OrphanedRunError = "run orphaned: worker stopped before finalizing"

// RunStore is the part of the run ledger the reconciler needs
type RunStore interface {
	FindStaleRuns(ctx context.Context, startedBefore time.Time) ([]*models.Run, error)
	UpdateRun(ctx context.Context, id string, patch models.RunPatch) error
}

// JobRecoverer puts jobs of dead workers back on the queue
type JobRecoverer interface {
	Recover(ctx context.Context, olderThan time.Time) (int, error)
}

// ReconcilerConfig tunes the reconciler
type ReconcilerConfig struct {
	Interval time.Duration
	// RunTimeout plus StaleMargin is how long a run may stay running
	RunTimeout  time.Duration
	StaleMargin time.Duration
}

// Reconciler periodically fails runs that are still running long after their
// timeout, and re-queues jobs whose worker vanished.
type Reconciler struct {
	runs    RunStore
	jobs    JobRecoverer
	cfg     ReconcilerConfig
	metrics *Metrics
	logger  *zap.SugaredLogger
	now     func() time.Time
}

// NewReconciler creates a reconciler. jobs and metrics may be nil.
func NewReconciler(runs RunStore, jobs JobRecoverer, cfg ReconcilerConfig, metrics *Metrics, logger *zap.SugaredLogger) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.StaleMargin <= 0 {
		cfg.StaleMargin = 2 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Reconciler{
		runs:    runs,
		jobs:    jobs,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger.Named("reconciler"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Start runs the reconciliation loop until ctx is done
func (r *Reconciler) Start(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Reconcile(ctx)
		}
	}
}

// Reconcile closes stale runs once and returns how many were closed
func (r *Reconciler) Reconcile(ctx context.Context) int {
	now := r.now()
	cutoff := now.Add(-(r.cfg.RunTimeout + r.cfg.StaleMargin))

	if r.jobs != nil {
		n, err := r.jobs.Recover(ctx, cutoff)
		if err != nil {
			r.logger.Errorw("Failed to recover orphaned jobs", "error", err)
		} else if n > 0 {
			r.logger.Warnw("Re-queued orphaned jobs", "count", n)
		}
	}

	stale, err := r.runs.FindStaleRuns(ctx, cutoff)
	if err != nil {
		r.logger.Errorw("Failed to fetch stale runs", "error", err)
		return 0
	}

	closed := 0
	for _, run := range stale {
		patch := models.Finish(run.StartedAt, now, models.RunStatusFailed, OrphanedRunError)
		patch.Reason = "run_orphaned"
		if err := r.runs.UpdateRun(ctx, run.ID, patch); err != nil {
			// a worker may have finalized the run in the meantime
			r.logger.Warnw("Failed to close stale run", "run_id", run.ID, "error", err)
			continue
		}
		r.logger.Warnw("Closed orphaned run", "run_id", run.ID, "scenario_id", run.ScenarioID, "started_at", run.StartedAt)
		closed++
	}
	if r.metrics != nil && closed > 0 {
		r.metrics.OrphansReconciled(closed)
	}
	return closed
}
