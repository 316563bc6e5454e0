package models

import "time"

// RunStatus represents the lifecycle state of a run
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusTimeout   RunStatus = "timeout"
	RunStatusCanceled  RunStatus = "canceled"
)

var runTransitions = map[RunStatus][]RunStatus{
	RunStatusPending: {RunStatusRunning, RunStatusCanceled},
	RunStatusRunning: {RunStatusCompleted, RunStatusFailed, RunStatusTimeout, RunStatusCanceled},
}

// CanTransitionTo reports whether a run in status s may move to next
func (s RunStatus) CanTransitionTo(next RunStatus) bool {
	for _, allowed := range runTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible
func (s RunStatus) IsTerminal() bool {
	return len(runTransitions[s]) == 0
}

// PredecessorsOf lists the statuses that may transition into next
func PredecessorsOf(next RunStatus) []RunStatus {
	var from []RunStatus
	for _, s := range []RunStatus{RunStatusPending, RunStatusRunning} {
		if s.CanTransitionTo(next) {
			from = append(from, s)
		}
	}
	return from
}

// RunCounters are the aggregated diagnostics of a run
type RunCounters struct {
	PageErrors       int `json:"pageErrors"`
	ConsoleErrors    int `json:"consoleErrors"`
	BrokenLinks      int `json:"brokenLinks"`
	Assertions       int `json:"assertions"`
	AssertionsPassed int `json:"assertionsPassed"`
}

// Run is one execution attempt of a scenario
type Run struct {
	ID          string
	ScenarioID  string
	Status      RunStatus
	StartedAt   time.Time
	CompletedAt *time.Time
	DurationMs  *int64
	Error       *string
	Counters    *RunCounters
	Logs        *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// RunPatch is a partial update of a run. Nil fields are left untouched.
type RunPatch struct {
	Status      *RunStatus
	CompletedAt *time.Time
	DurationMs  *int64
	Error       *string
	Counters    *RunCounters
	Logs        *string
	Reason      string // recorded on the run event when Status is set
}

// Finish builds the patch that finalizes a run started at startedAt.
// The duration is clamped so that CompletedAt is never before StartedAt.
func Finish(startedAt, completedAt time.Time, status RunStatus, errMsg string) RunPatch {
	if completedAt.Before(startedAt) {
		completedAt = startedAt
	}
	duration := completedAt.Sub(startedAt).Milliseconds()
	patch := RunPatch{
		Status:      &status,
		CompletedAt: &completedAt,
		DurationMs:  &duration,
		Reason:      "run_" + string(status),
	}
	if errMsg != "" {
		patch.Error = &errMsg
	}
	return patch
}
