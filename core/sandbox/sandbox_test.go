package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dondendo89/qa-playwright/core/models"
)

func testScenario(code string) *models.Scenario {
	return &models.Scenario{
		ID:       "sc-1",
		Name:     "Homepage",
		Code:     code,
		Schedule: "* * * * *",
		Active:   true,
		TargetID: "t-1",
		Target:   &models.Target{ID: "t-1", Name: "Shop", URL: "https://shop.example/"},
	}
}

func newTestSandbox(page *fakePage, cfg Config) (*Sandbox, *fakeLauncher, *countingChecker) {
	launcher := &fakeLauncher{session: &fakeSession{page: page}}
	checker := &countingChecker{}
	return New(launcher, checker, cfg, zap.NewNop().Sugar()), launcher, checker
}

func TestExecute_BasicCompletes(t *testing.T) {
	page := newFakePage()
	page.links = []string{"/a", "/broken", "https://elsewhere.example/x"}
	page.forms = 1
	sb, launcher, checker := newTestSandbox(page, DefaultConfig())

	out := sb.Execute(context.Background(), Request{RunID: "run-1", Scenario: testScenario("basic")})

	assert.Equal(t, models.RunStatusCompleted, out.Status)
	assert.NoError(t, out.Err)
	assert.Equal(t, "Example Shop", out.Result.Title)
	assert.Equal(t, 1, out.Counters.BrokenLinks)
	assert.Equal(t, 1, out.Counters.Assertions)
	assert.Equal(t, 1, out.Counters.AssertionsPassed)
	assert.Equal(t, []byte("png"), out.Screenshot)
	assert.Len(t, checker.probed, 2, "external links are not probed")
	assert.Equal(t, 1, launcher.session.Closed())
	assert.Contains(t, out.Logs, "Navigating to https://shop.example/")
	assert.False(t, out.FinishedAt.Before(out.StartedAt))
}

func TestExecute_CountsPageAndConsoleErrors(t *testing.T) {
	page := newFakePage()
	sb, launcher, _ := newTestSandbox(page, DefaultConfig())
	launcher.onLaunch = func(ev Events) {
		ev.PageError("ReferenceError: foo is not defined")
		ev.ConsoleError("failed to load resource")
		ev.ConsoleError("401")
	}

	out := sb.Execute(context.Background(), Request{RunID: "run-1", Scenario: testScenario("basic")})

	assert.Equal(t, models.RunStatusCompleted, out.Status, "diagnostics never abort a run")
	assert.Equal(t, 1, out.Counters.PageErrors)
	assert.Equal(t, 2, out.Counters.ConsoleErrors)
	assert.Equal(t, 1, out.Result.JSErrors)
}

func TestExecute_SelectorNotFoundFails(t *testing.T) {
	page := newFakePage()
	cfg := DefaultConfig()
	sb, launcher, _ := newTestSandbox(page, cfg)

	code := "steps:\n  - action: goto\n  - action: click\n    selector: '#buy'\n"
	out := sb.Execute(context.Background(), Request{RunID: "run-1", Scenario: testScenario(code)})

	assert.Equal(t, models.RunStatusFailed, out.Status)
	require.Error(t, out.Err)
	assert.Contains(t, out.Err.Error(), "selector not found")
	assert.Equal(t, []byte("png"), out.Screenshot, "screenshot is still attempted after a failure")
	assert.Equal(t, 1, launcher.session.Closed())
}

func TestExecute_Timeout(t *testing.T) {
	page := newFakePage()
	page.block = true
	cfg := DefaultConfig()
	cfg.Timeout = 50 * time.Millisecond
	sb, launcher, _ := newTestSandbox(page, cfg)

	out := sb.Execute(context.Background(), Request{RunID: "run-1", Scenario: testScenario("basic")})

	assert.Equal(t, models.RunStatusTimeout, out.Status)
	assert.True(t, errors.Is(out.Err, ErrTimeout))
	assert.Nil(t, out.Screenshot, "no screenshot after a timeout")
	assert.Equal(t, 1, launcher.session.Closed())

	elapsed := out.FinishedAt.Sub(out.StartedAt)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
}

func TestExecute_ParentCancelIsCanceled(t *testing.T) {
	page := newFakePage()
	page.block = true
	sb, launcher, _ := newTestSandbox(page, DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	out := sb.Execute(ctx, Request{RunID: "run-1", Scenario: testScenario("basic")})

	assert.Equal(t, models.RunStatusCanceled, out.Status)
	assert.Equal(t, 1, launcher.session.Closed())
}

func TestExecute_LaunchFailure(t *testing.T) {
	sb, launcher, _ := newTestSandbox(newFakePage(), DefaultConfig())
	launcher.err = errors.New("chrome not found")

	out := sb.Execute(context.Background(), Request{RunID: "run-1", Scenario: testScenario("basic")})

	assert.Equal(t, models.RunStatusFailed, out.Status)
	require.Error(t, out.LaunchErr)
	assert.True(t, errors.Is(out.LaunchErr, ErrLaunch))
}

func TestExecute_InvalidScriptNeverLaunches(t *testing.T) {
	sb, launcher, _ := newTestSandbox(newFakePage(), DefaultConfig())

	out := sb.Execute(context.Background(), Request{RunID: "run-1", Scenario: testScenario("template: nope")})

	assert.Equal(t, models.RunStatusFailed, out.Status)
	assert.True(t, errors.Is(out.Err, ErrUnknownTemplate))
	assert.Equal(t, 0, launcher.launches)
}

func TestExecute_ScriptPanicIsFailure(t *testing.T) {
	page := newFakePage()
	page.panicOnNav = true
	sb, launcher, _ := newTestSandbox(page, DefaultConfig())

	out := sb.Execute(context.Background(), Request{RunID: "run-1", Scenario: testScenario("basic")})

	assert.Equal(t, models.RunStatusFailed, out.Status)
	assert.Contains(t, out.Err.Error(), "script panic: page crashed")
	assert.Equal(t, 1, launcher.session.Closed())
}

func TestExecute_ScreenshotErrorIsSwallowed(t *testing.T) {
	page := newFakePage()
	page.shotErr = errors.New("target closed")
	sb, _, _ := newTestSandbox(page, DefaultConfig())

	out := sb.Execute(context.Background(), Request{RunID: "run-1", Scenario: testScenario("basic")})

	assert.Equal(t, models.RunStatusCompleted, out.Status)
	assert.Error(t, out.ScreenshotErr)
	assert.Nil(t, out.Screenshot)
}

func TestExecute_FailedAssertionsFailRun(t *testing.T) {
	page := newFakePage()
	page.title = ""
	sb, _, _ := newTestSandbox(page, DefaultConfig())

	out := sb.Execute(context.Background(), Request{RunID: "run-1", Scenario: testScenario("basic")})

	assert.Equal(t, models.RunStatusFailed, out.Status)
	assert.EqualError(t, out.Err, "1 of 1 assertions failed")
}
