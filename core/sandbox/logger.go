package sandbox

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RunLogger forwards script log lines to zap and keeps a copy for the run record
type RunLogger struct {
	base  *zap.SugaredLogger
	mu    sync.Mutex
	lines []string
	now   func() time.Time
}

// NewRunLogger creates a logger tagged with the run and scenario ids
func NewRunLogger(base *zap.SugaredLogger, runID, scenarioID string) *RunLogger {
	if base == nil {
		base = zap.NewNop().Sugar()
	}
	return &RunLogger{
		base: base.With("run_id", runID, "scenario_id", scenarioID),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Infof logs an informational script line
func (l *RunLogger) Infof(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	l.base.Info(msg)
	l.append("INFO", msg)
}

// Errorf logs a script error line. It does not fail the run.
func (l *RunLogger) Errorf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	l.base.Warn(msg)
	l.append("ERROR", msg)
}

// String returns the buffered lines
func (l *RunLogger) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return strings.Join(l.lines, "\n")
}

func (l *RunLogger) append(level, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf("%s [%s] %s", l.now().Format(time.RFC3339), level, msg))
}
