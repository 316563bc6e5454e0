// Package scheduler enqueues a job for every active scenario whose cron
// schedule is due.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/dondendo89/qa-playwright/core/cron"
	"github.com/dondendo89/qa-playwright/core/models"
	"github.com/dondendo89/qa-playwright/core/queue"
)

var (
	// ErrInFlight is returned by Trigger when the scenario already has a job queued or running
	ErrInFlight = errors.New("scenario already has a job in flight")
	// ErrLocked is returned by Trigger when another scheduler holds the scenario
	ErrLocked = errors.New("scenario schedule lock is held")
)

// ScenarioSource lists the scenarios eligible for scheduling
type ScenarioSource interface {
	FindActiveScenarios(ctx context.Context) ([]*models.Scenario, error)
}

// Metrics receives scheduling outcomes
type Metrics interface {
	JobsEnqueued(n int)
	JobSkipped(reason string)
}

// Config tunes the scheduler
type Config struct {
	PollInterval time.Duration
	// Tolerance is how late after a cron firing a tick may still enqueue it.
	// Defaults to PollInterval so that no firing falls between two ticks.
	Tolerance   time.Duration
	MaxAttempts int
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{PollInterval: 30 * time.Second, MaxAttempts: 3}
}

// TickReport summarizes one tick
type TickReport struct {
	Active          int
	Due             int
	Enqueued        int
	SkippedInFlight int
	SkippedLocked   int
	Errors          int
}

// Scheduler polls active scenarios and enqueues due ones
type Scheduler struct {
	source   ScenarioSource
	queue    queue.Queue
	cfg      Config
	metrics  Metrics
	logger   *zap.SugaredLogger
	stopChan chan struct{}
	stopOnce sync.Once
}

// New creates a scheduler
func New(source ScenarioSource, q queue.Queue, cfg Config, logger *zap.SugaredLogger) *Scheduler {
	defaults := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.Tolerance < cfg.PollInterval {
		cfg.Tolerance = cfg.PollInterval
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Scheduler{
		source:   source,
		queue:    q,
		cfg:      cfg,
		metrics:  nopMetrics{},
		logger:   logger.Named("scheduler"),
		stopChan: make(chan struct{}),
	}
}

// WithMetrics reports enqueue and skip counts to m
func (s *Scheduler) WithMetrics(m Metrics) *Scheduler {
	if m != nil {
		s.metrics = m
	}
	return s
}

// Start runs a tick immediately, then every poll interval, until ctx is
// done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.logger.Infow("Scheduler started", "poll_interval", s.cfg.PollInterval, "tolerance", s.cfg.Tolerance)
	s.Tick(ctx, time.Now())

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case now := <-ticker.C:
			s.Tick(ctx, now)
		}
	}
}

// Stop stops the scheduler
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
}

// Tick evaluates every active scenario at now and enqueues the due ones.
// Failures are isolated per scenario and never abort the tick.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) TickReport {
	var report TickReport

	scenarios, err := s.source.FindActiveScenarios(ctx)
	if err != nil {
		s.logger.Errorw("Failed to load active scenarios", "error", err)
		report.Errors++
		return report
	}
	report.Active = len(scenarios)

	var due []dueScenario
	for _, sc := range scenarios {
		if !sc.Active {
			continue
		}
		if firing, ok := cron.DueFiring(sc.Schedule, now, s.cfg.Tolerance); ok {
			due = append(due, dueScenario{scenario: sc, firing: firing})
		} else if err := cron.Validate(sc.Schedule); err != nil {
			s.logger.Warnw("Scenario has an invalid schedule", "scenario_id", sc.ID, "schedule", sc.Schedule, "error", err)
		}
	}
	report.Due = len(due)
	if len(due) == 0 {
		return report
	}

	inFlight, err := s.queue.ListJobs(ctx, queue.InFlightStates...)
	if err != nil {
		s.logger.Errorw("Failed to list in-flight jobs", "error", err)
		report.Errors++
		return report
	}

	for _, d := range due {
		sc := d.scenario
		switch err := s.safeDispatch(ctx, sc, d.firing, inFlight, now); {
		case err == nil:
			report.Enqueued++
		case errors.Is(err, ErrInFlight):
			report.SkippedInFlight++
			s.metrics.JobSkipped("in_flight")
		case errors.Is(err, ErrLocked):
			report.SkippedLocked++
			s.metrics.JobSkipped("schedule_locked")
		default:
			report.Errors++
			s.logger.Errorw("Failed to schedule scenario", "scenario_id", sc.ID, "error", err)
		}
	}

	s.metrics.JobsEnqueued(report.Enqueued)
	s.logger.Infow("Tick finished",
		"active", report.Active,
		"due", report.Due,
		"enqueued", report.Enqueued,
		"skipped_in_flight", report.SkippedInFlight,
		"skipped_locked", report.SkippedLocked,
		"errors", report.Errors,
	)
	return report
}

// Trigger enqueues sc now regardless of its schedule, with the same
// deduplication as a tick.
func (s *Scheduler) Trigger(ctx context.Context, sc *models.Scenario) (*queue.Job, error) {
	inFlight, err := s.queue.ListJobs(ctx, queue.InFlightStates...)
	if err != nil {
		return nil, errors.Wrap(err, "list in-flight jobs")
	}
	now := time.Now()
	job, err := s.dispatch(ctx, sc, now, inFlight, now)
	if err == nil {
		s.metrics.JobsEnqueued(1)
	}
	return job, err
}

// ScheduleLockKey is the lock that lets one scheduler instance enqueue the
// firing of scenarioID. Each firing has its own key, so a lock never outlives
// its window into the next one.
func ScheduleLockKey(scenarioID string, firing time.Time) string {
	return fmt.Sprintf("schedule:%s:%d", scenarioID, firing.Unix())
}

type dueScenario struct {
	scenario *models.Scenario
	firing   time.Time
}

func (s *Scheduler) safeDispatch(ctx context.Context, sc *models.Scenario, firing time.Time, inFlight []*queue.Job, now time.Time) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorw("Scenario scheduling panicked", "scenario_id", sc.ID, "panic", r, "stack", string(debug.Stack()))
			err = errors.Newf("schedule panic: %s", fmt.Sprint(r))
		}
	}()
	_, err = s.dispatch(ctx, sc, firing, inFlight, now)
	return err
}

func (s *Scheduler) dispatch(ctx context.Context, sc *models.Scenario, firing time.Time, inFlight []*queue.Job, now time.Time) (*queue.Job, error) {
	if queue.HasScenario(inFlight, sc.ID) {
		s.logger.Debugw("Scenario already in flight", "scenario_id", sc.ID)
		return nil, ErrInFlight
	}

	key := ScheduleLockKey(sc.ID, firing)
	token, ok, err := s.queue.AcquireLock(ctx, key, 2*s.cfg.Tolerance)
	if err != nil {
		return nil, errors.Wrapf(err, "acquire %s", key)
	}
	if !ok {
		return nil, ErrLocked
	}

	// the lock is left to expire so that a second instance ticking within
	// the same firing window cannot enqueue again once this job has completed
	job := queue.NewScenarioJob(sc.ID, sc.TargetURL(), s.cfg.MaxAttempts, now.UTC())
	if err := s.queue.Enqueue(ctx, job); err != nil {
		if releaseErr := s.queue.ReleaseLock(ctx, key, token); releaseErr != nil {
			s.logger.Warnw("Failed to release schedule lock", "key", key, "error", releaseErr)
		}
		if errors.Is(err, queue.ErrDuplicateJob) {
			return nil, ErrInFlight
		}
		return nil, errors.Wrapf(err, "enqueue scenario %s", sc.ID)
	}
	s.logger.Infow("Scenario enqueued", "scenario_id", sc.ID, "job_id", job.ID, "target", sc.TargetURL())
	return job, nil
}

type nopMetrics struct{}

func (nopMetrics) JobsEnqueued(int)  {}
func (nopMetrics) JobSkipped(string) {}
