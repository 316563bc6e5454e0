// Package sandbox runs scenario scripts against an isolated browser session.
//
// Scripts are not code: a scenario names one of the statically compiled
// templates and supplies parameters or a declarative list of steps. Templates
// only see the page handle, the target, a run logger, limits and their own
// parameters, never the process environment.
package sandbox

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/dondendo89/qa-playwright/core/models"
)

var (
	// ErrTimeout marks a script that did not finish within the run timeout
	ErrTimeout = errors.New("script timed out")
	// ErrUnknownTemplate is returned for scripts naming a template that does not exist
	ErrUnknownTemplate = errors.New("unknown script template")
	// ErrLaunch marks a failure to start the browser session
	ErrLaunch = errors.New("browser launch failed")
)

// Page is the browser page handle exposed to templates. Every call is bounded by ctx.
type Page interface {
	Navigate(ctx context.Context, url string) error
	Title(ctx context.Context) (string, error)
	URL(ctx context.Context) (string, error)
	WaitVisible(ctx context.Context, selector string) error
	Fill(ctx context.Context, selector, value string) error
	Click(ctx context.Context, selector string) error
	Text(ctx context.Context, selector string) (string, error)
	// Links returns the absolute href of every anchor on the page
	Links(ctx context.Context) ([]string, error)
	// FillForms puts test values into visible form inputs without submitting.
	// It returns the number of forms found.
	FillForms(ctx context.Context) (int, error)
	// Screenshot captures the full page as PNG
	Screenshot(ctx context.Context) ([]byte, error)
}

// Events receives diagnostics emitted by the browser while a script runs
type Events struct {
	PageError    func(message string)
	ConsoleError func(message string)
}

// Session owns one browser and its single page
type Session interface {
	Page() Page
	Close() error
}

// Launcher starts isolated browser sessions
type Launcher interface {
	Launch(ctx context.Context, events Events) (Session, error)
}

// Limits bound what a script may do
type Limits struct {
	MaxLinksToCheck int
}

// ScriptContext is everything a template can reach
type ScriptContext struct {
	Page   Page
	Target models.Target
	Logger *RunLogger
	Limits Limits
	Links  LinkChecker
	Script *Script
}

// Param returns a template parameter or def when it is unset
func (sc *ScriptContext) Param(name, def string) string {
	if sc.Script != nil {
		if v, ok := sc.Script.Params[name]; ok && v != "" {
			return v
		}
	}
	return def
}

// Result is what a template reports. All diagnostics are counts.
type Result struct {
	Title            string `json:"title,omitempty"`
	BrokenLinks      int    `json:"brokenLinks"`
	JSErrors         int    `json:"jsErrors"`
	Assertions       int    `json:"assertions"`
	AssertionsPassed int    `json:"assertionsPassed"`
}

// Assert records one assertion outcome
func (r *Result) Assert(passed bool) {
	r.Assertions++
	if passed {
		r.AssertionsPassed++
	}
}

// FailedAssertions is the number of assertions that did not pass
func (r *Result) FailedAssertions() int {
	if r == nil {
		return 0
	}
	return r.Assertions - r.AssertionsPassed
}

// Template is a statically compiled scenario script
type Template interface {
	Run(ctx context.Context, sc *ScriptContext) (*Result, error)
}

// TemplateFunc adapts a function to Template
type TemplateFunc func(ctx context.Context, sc *ScriptContext) (*Result, error)

// Run calls f
func (f TemplateFunc) Run(ctx context.Context, sc *ScriptContext) (*Result, error) { return f(ctx, sc) }

// defaultWait bounds selector waits that a script does not bound itself
const defaultWait = 10 * time.Second

func withWait(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = defaultWait
	}
	return context.WithTimeout(ctx, d)
}
