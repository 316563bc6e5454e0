package sandbox

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/dondendo89/qa-playwright/core/models"
)

// Config bounds a sandbox execution
type Config struct {
	Timeout           time.Duration // hard wall-clock limit on the script
	ScreenshotTimeout time.Duration // limit on the final screenshot
	Limits            Limits
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Timeout:           60 * time.Second,
		ScreenshotTimeout: 10 * time.Second,
		Limits:            Limits{MaxLinksToCheck: 50},
	}
}

// Request describes one script execution
type Request struct {
	RunID    string
	Scenario *models.Scenario
	Logger   *RunLogger
}

// Outcome is everything the executor needs to finalize a run
type Outcome struct {
	Status        models.RunStatus
	Err           error
	Result        *Result
	Counters      models.RunCounters
	Screenshot    []byte
	ScreenshotErr error
	LaunchErr     error
	Logs          string
	StartedAt     time.Time
	FinishedAt    time.Time
}

// Sandbox executes scenario scripts, one fresh browser session per call
type Sandbox struct {
	launcher Launcher
	links    LinkChecker
	cfg      Config
	logger   *zap.SugaredLogger
}

// New creates a sandbox
func New(launcher Launcher, links LinkChecker, cfg Config, logger *zap.SugaredLogger) *Sandbox {
	defaults := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.ScreenshotTimeout <= 0 {
		cfg.ScreenshotTimeout = defaults.ScreenshotTimeout
	}
	if cfg.Limits.MaxLinksToCheck < 0 {
		cfg.Limits.MaxLinksToCheck = 0
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Sandbox{launcher: launcher, links: links, cfg: cfg, logger: logger.Named("sandbox")}
}

// Timeout is the hard limit applied to every script
func (s *Sandbox) Timeout() time.Duration {
	return s.cfg.Timeout
}

type scriptResult struct {
	res *Result
	err error
}

// Execute runs the scenario's script. It never returns nil and never panics;
// a browser that could not start is reported through Outcome.LaunchErr.
func (s *Sandbox) Execute(ctx context.Context, req Request) *Outcome {
	log := req.Logger
	if log == nil {
		log = NewRunLogger(s.logger, req.RunID, req.Scenario.ID)
	}
	out := &Outcome{StartedAt: time.Now().UTC(), Result: &Result{}}
	defer func() {
		out.Logs = log.String()
		if out.FinishedAt.IsZero() {
			out.FinishedAt = time.Now().UTC()
		}
	}()

	script, err := ParseScript(req.Scenario.Code)
	if err != nil {
		log.Errorf("Invalid script: %v", err)
		out.Status, out.Err = models.RunStatusFailed, err
		return out
	}
	tmpl, err := LookupTemplate(script.Template)
	if err != nil {
		out.Status, out.Err = models.RunStatusFailed, err
		return out
	}

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	var pageErrors, consoleErrors int32
	events := Events{
		PageError: func(msg string) {
			atomic.AddInt32(&pageErrors, 1)
			log.Errorf("Page error: %s", msg)
		},
		ConsoleError: func(msg string) {
			atomic.AddInt32(&consoleErrors, 1)
			log.Errorf("Console error: %s", msg)
		},
	}

	log.Infof("Running %s template against %s", script.Template, req.Scenario.TargetURL())
	session, err := s.launcher.Launch(runCtx, events)
	if err != nil {
		out.Status = models.RunStatusFailed
		out.LaunchErr = errors.Mark(errors.Wrap(err, "launch browser"), ErrLaunch)
		out.Err = out.LaunchErr
		log.Errorf("Browser launch failed: %v", err)
		return out
	}

	sc := &ScriptContext{
		Page:   session.Page(),
		Target: targetOf(req.Scenario),
		Logger: log,
		Limits: s.cfg.Limits,
		Links:  s.links,
		Script: script,
	}

	done := make(chan scriptResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Errorw("Script panicked", "run_id", req.RunID, "panic", r, "stack", string(debug.Stack()))
				done <- scriptResult{err: errors.Newf("script panic: %s", fmt.Sprint(r))}
			}
		}()
		res, err := tmpl.Run(runCtx, sc)
		done <- scriptResult{res: res, err: err}
	}()

	select {
	case r := <-done:
		if r.res != nil {
			out.Result = r.res
		}
		switch {
		case r.err != nil && ctx.Err() != nil:
			out.Status, out.Err = models.RunStatusCanceled, errors.Wrap(ctx.Err(), "run interrupted")
		case r.err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded):
			out.Status, out.Err = models.RunStatusTimeout, s.timeoutErr()
		case r.err != nil:
			out.Status, out.Err = models.RunStatusFailed, r.err
		case out.Result.FailedAssertions() > 0:
			out.Status = models.RunStatusFailed
			out.Err = errors.Newf("%d of %d assertions failed", out.Result.FailedAssertions(), out.Result.Assertions)
		default:
			out.Status = models.RunStatusCompleted
		}
	case <-runCtx.Done():
		if ctx.Err() != nil {
			out.Status, out.Err = models.RunStatusCanceled, errors.Wrap(ctx.Err(), "run interrupted")
		} else {
			out.Status, out.Err = models.RunStatusTimeout, s.timeoutErr()
		}
	}
	if out.Err != nil {
		log.Errorf("Run %s: %v", out.Status, out.Err)
	} else {
		log.Infof("Run completed")
	}

	if out.Status == models.RunStatusCompleted || out.Status == models.RunStatusFailed {
		out.Screenshot, out.ScreenshotErr = s.screenshot(ctx, sc.Page)
		if out.ScreenshotErr != nil {
			log.Errorf("Screenshot failed: %v", out.ScreenshotErr)
		}
	}

	s.teardown(session, req.RunID, log)
	out.FinishedAt = time.Now().UTC()

	out.Result.JSErrors = int(atomic.LoadInt32(&pageErrors))
	out.Counters = models.RunCounters{
		PageErrors:       int(atomic.LoadInt32(&pageErrors)),
		ConsoleErrors:    int(atomic.LoadInt32(&consoleErrors)),
		BrokenLinks:      out.Result.BrokenLinks,
		Assertions:       out.Result.Assertions,
		AssertionsPassed: out.Result.AssertionsPassed,
	}
	return out
}

func (s *Sandbox) timeoutErr() error {
	return errors.Wrapf(ErrTimeout, "run exceeded %s", s.cfg.Timeout)
}

// screenshot is best effort: its error is reported, never propagated
func (s *Sandbox) screenshot(ctx context.Context, page Page) (shot []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("screenshot panic: %s", fmt.Sprint(r))
		}
	}()
	shotCtx, cancel := context.WithTimeout(ctx, s.cfg.ScreenshotTimeout)
	defer cancel()
	return page.Screenshot(shotCtx)
}

func (s *Sandbox) teardown(session Session, runID string, log *RunLogger) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorw("Browser teardown panicked", "run_id", runID, "panic", r)
		}
	}()
	if err := session.Close(); err != nil {
		s.logger.Warnw("Browser teardown failed", "run_id", runID, "error", err)
		log.Errorf("Browser teardown failed: %v", err)
	}
}

func targetOf(s *models.Scenario) models.Target {
	if s.Target != nil {
		return *s.Target
	}
	return models.Target{ID: s.TargetID}
}
