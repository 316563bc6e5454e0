// Package executor turns a scenario job into a finalized run.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/dondendo89/qa-playwright/core/models"
	"github.com/dondendo89/qa-playwright/core/queue"
	"github.com/dondendo89/qa-playwright/core/repository"
	"github.com/dondendo89/qa-playwright/core/sandbox"
)

// Ledger is the part of the run ledger the executor reads and writes
type Ledger interface {
	GetScenario(ctx context.Context, id string) (*models.Scenario, error)
	CreateRun(ctx context.Context, scenarioID string) (*models.Run, error)
	UpdateRun(ctx context.Context, id string, patch models.RunPatch) error
	FindSentNotifications(ctx context.Context, runID string) ([]*models.Notification, error)
}

// Runner executes a script in a fresh browser session
type Runner interface {
	Execute(ctx context.Context, req sandbox.Request) *sandbox.Outcome
	Timeout() time.Duration
}

// ArtifactSaver persists run artifacts
type ArtifactSaver interface {
	Save(ctx context.Context, runID string, artifactType models.ArtifactType, name string, data []byte, contentType string) (*models.Artifact, error)
}

// Notifier alerts the scenario owner
type Notifier interface {
	Notify(ctx context.Context, run *models.Run, scenario *models.Scenario, owner *models.User) error
}

// Metrics receives run outcomes
type Metrics interface {
	RunFinished(status models.RunStatus, duration time.Duration)
	JobSkipped(reason string)
	Notified(err error)
}

// Config tunes the executor
type Config struct {
	// LockGrace is added to the script timeout to size the run lock
	LockGrace time.Duration
	// FinalizeTimeout bounds artifact upload, ledger finalization and
	// notification after the script has returned
	FinalizeTimeout time.Duration
	// FinalizeAttempts is how many times the final ledger write is tried
	FinalizeAttempts int
	// FinalizeRetryDelay is the pause between finalize attempts, multiplied
	// by the attempt number
	FinalizeRetryDelay time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		LockGrace:          30 * time.Second,
		FinalizeTimeout:    30 * time.Second,
		FinalizeAttempts:   3,
		FinalizeRetryDelay: 500 * time.Millisecond,
	}
}

// Executor handles scenario jobs
type Executor struct {
	ledger    Ledger
	locker    queue.Locker
	sandbox   Runner
	artifacts ArtifactSaver
	notifier  Notifier
	cfg       Config
	metrics   Metrics
	logger    *zap.SugaredLogger
	now       func() time.Time
}

// New creates an executor. artifacts, notifier and metrics may be nil.
func New(
	ledger Ledger,
	locker queue.Locker,
	runner Runner,
	artifacts ArtifactSaver,
	notifier Notifier,
	cfg Config,
	metrics Metrics,
	logger *zap.SugaredLogger,
) *Executor {
	defaults := DefaultConfig()
	if cfg.LockGrace <= 0 {
		cfg.LockGrace = defaults.LockGrace
	}
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = defaults.FinalizeTimeout
	}
	if cfg.FinalizeAttempts <= 0 {
		cfg.FinalizeAttempts = defaults.FinalizeAttempts
	}
	if cfg.FinalizeRetryDelay <= 0 {
		cfg.FinalizeRetryDelay = defaults.FinalizeRetryDelay
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Executor{
		ledger:    ledger,
		locker:    locker,
		sandbox:   runner,
		artifacts: artifacts,
		notifier:  notifier,
		cfg:       cfg,
		metrics:   metrics,
		logger:    logger.Named("executor"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Handle executes the scenario of job. It returns an error only when the run
// could not start or was interrupted, so that the queue delivers the job again.
// A run that started is never re-executed: if its final write cannot be
// stored, the reconciler closes it as orphaned.
func (e *Executor) Handle(ctx context.Context, job *queue.Job) error {
	scenarioID := job.Data.ScenarioID
	log := e.logger.With("job_id", job.ID, "scenario_id", scenarioID, "attempt", job.Attempts)

	scenario, err := e.ledger.GetScenario(ctx, scenarioID)
	if errors.Is(err, repository.ErrNotFound) {
		log.Infow("Scenario no longer exists, dropping job")
		e.metrics.JobSkipped("scenario_missing")
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "load scenario %s", scenarioID)
	}
	if !scenario.Active {
		log.Infow("Scenario is inactive, dropping job")
		e.metrics.JobSkipped("scenario_inactive")
		return nil
	}

	lockKey := RunLockKey(scenarioID)
	token, locked, err := e.locker.AcquireLock(ctx, lockKey, e.sandbox.Timeout()+e.cfg.LockGrace)
	if err != nil {
		return errors.Wrapf(err, "acquire %s", lockKey)
	}
	if !locked {
		log.Infow("Scenario already running elsewhere, dropping duplicate job")
		e.metrics.JobSkipped("run_locked")
		return nil
	}
	defer func() {
		releaseCtx, cancel := e.detached(ctx)
		defer cancel()
		if err := e.locker.ReleaseLock(releaseCtx, lockKey, token); err != nil {
			log.Warnw("Failed to release run lock", "key", lockKey, "error", err)
		}
	}()

	run, err := e.ledger.CreateRun(ctx, scenarioID)
	if err != nil {
		return errors.Wrapf(err, "create run for scenario %s", scenarioID)
	}
	log = log.With("run_id", run.ID)
	log.Infow("Run started", "target", scenario.TargetURL())

	runLog := sandbox.NewRunLogger(e.logger, run.ID, scenarioID)
	outcome := e.sandbox.Execute(ctx, sandbox.Request{RunID: run.ID, Scenario: scenario, Logger: runLog})

	finCtx, cancel := e.detached(ctx)
	defer cancel()

	e.saveArtifacts(finCtx, run.ID, outcome, log)

	completedAt := e.now()
	errMsg := ""
	if outcome.Err != nil {
		errMsg = outcome.Err.Error()
	}
	patch := models.Finish(run.StartedAt, completedAt, outcome.Status, errMsg)
	counters := outcome.Counters
	logs := outcome.Logs
	patch.Counters = &counters
	patch.Logs = &logs

	if err := e.finalize(finCtx, run.ID, patch); err != nil {
		log.Errorw("Failed to finalize run, leaving it to the reconciler", "status", outcome.Status, "error", err)
	} else {
		applyPatch(run, patch)
		e.metrics.RunFinished(run.Status, time.Duration(*patch.DurationMs)*time.Millisecond)
		log.Infow("Run finalized", "status", run.Status, "duration_ms", *patch.DurationMs, "error", errMsg)

		// a launch failure is retried by the queue, so only its last attempt alerts
		alert := run.Status == models.RunStatusFailed || run.Status == models.RunStatusTimeout
		if alert && (outcome.LaunchErr == nil || job.Exhausted()) {
			e.notify(finCtx, run, scenario, log)
		}
	}

	switch {
	case outcome.LaunchErr != nil:
		return errors.Wrap(outcome.LaunchErr, "run could not start")
	case outcome.Status == models.RunStatusCanceled:
		return errors.Wrap(outcome.Err, "run interrupted by shutdown")
	}
	return nil
}

// RunLockKey is the lock held while a run of scenarioID executes
func RunLockKey(scenarioID string) string {
	return "run:" + scenarioID
}

// finalize stores the terminal patch, retrying transient ledger errors
func (e *Executor) finalize(ctx context.Context, runID string, patch models.RunPatch) error {
	var err error
	for attempt := 1; attempt <= e.cfg.FinalizeAttempts; attempt++ {
		if err = e.ledger.UpdateRun(ctx, runID, patch); err == nil {
			return nil
		}
		if errors.Is(err, repository.ErrInvalidTransition) || errors.Is(err, repository.ErrNotFound) || attempt == e.cfg.FinalizeAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Wrapf(err, "finalize run %s", runID)
		case <-time.After(time.Duration(attempt) * e.cfg.FinalizeRetryDelay):
		}
	}
	return errors.Wrapf(err, "finalize run %s", runID)
}

// detached derives a context that outlives cancellation of ctx
func (e *Executor) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), e.cfg.FinalizeTimeout)
}

func (e *Executor) saveArtifacts(ctx context.Context, runID string, out *sandbox.Outcome, log *zap.SugaredLogger) {
	if e.artifacts == nil {
		return
	}
	if len(out.Screenshot) > 0 {
		if _, err := e.artifacts.Save(ctx, runID, models.ArtifactTypeScreenshot, "screenshot.png", out.Screenshot, "image/png"); err != nil {
			log.Warnw("Failed to store screenshot", "error", err)
		}
	}
	if out.Logs != "" {
		if _, err := e.artifacts.Save(ctx, runID, models.ArtifactTypeLog, "run.log", []byte(out.Logs), "text/plain; charset=utf-8"); err != nil {
			log.Warnw("Failed to store run log", "error", err)
		}
	}
}

func (e *Executor) notify(ctx context.Context, run *models.Run, scenario *models.Scenario, log *zap.SugaredLogger) {
	if e.notifier == nil {
		return
	}
	sent, err := e.ledger.FindSentNotifications(ctx, run.ID)
	if err != nil {
		log.Warnw("Failed to check notifications", "error", err)
		return
	}
	if len(sent) > 0 {
		log.Infow("Run already notified", "notifications", len(sent))
		return
	}
	err = e.safeNotify(ctx, run, scenario)
	e.metrics.Notified(err)
	if err != nil {
		log.Warnw("Notification failed", "error", err)
	}
}

func (e *Executor) safeNotify(ctx context.Context, run *models.Run, scenario *models.Scenario) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("notifier panic: %s", fmt.Sprint(r))
		}
	}()
	return e.notifier.Notify(ctx, run, scenario, scenario.Owner)
}

func applyPatch(run *models.Run, patch models.RunPatch) {
	if patch.Status != nil {
		run.Status = *patch.Status
	}
	run.CompletedAt = patch.CompletedAt
	run.DurationMs = patch.DurationMs
	run.Error = patch.Error
	run.Counters = patch.Counters
	run.Logs = patch.Logs
	run.UpdatedAt = *patch.CompletedAt
}

type nopMetrics struct{}

func (nopMetrics) RunFinished(models.RunStatus, time.Duration) {}
func (nopMetrics) JobSkipped(string)                           {}
func (nopMetrics) Notified(error)                              {}
