package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunStatusTransitions(t *testing.T) {
	assert.True(t, RunStatusPending.CanTransitionTo(RunStatusRunning))
	assert.True(t, RunStatusPending.CanTransitionTo(RunStatusCanceled))
	assert.False(t, RunStatusPending.CanTransitionTo(RunStatusCompleted))

	for _, next := range []RunStatus{RunStatusCompleted, RunStatusFailed, RunStatusTimeout, RunStatusCanceled} {
		assert.True(t, RunStatusRunning.CanTransitionTo(next), next)
	}
	assert.False(t, RunStatusRunning.CanTransitionTo(RunStatusPending))

	for _, terminal := range []RunStatus{RunStatusCompleted, RunStatusFailed, RunStatusTimeout, RunStatusCanceled} {
		assert.True(t, terminal.IsTerminal(), terminal)
		assert.False(t, terminal.CanTransitionTo(RunStatusRunning), terminal)
	}
}

func TestFinishClampsDuration(t *testing.T) {
	started := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	patch := Finish(started, started.Add(-time.Second), RunStatusCompleted, "")
	require.NotNil(t, patch.CompletedAt)
	assert.Equal(t, started, *patch.CompletedAt)
	assert.Equal(t, int64(0), *patch.DurationMs)
	assert.Nil(t, patch.Error)

	patch = Finish(started, started.Add(60*time.Second), RunStatusTimeout, "run exceeded 1m0s")
	assert.Equal(t, int64(60000), *patch.DurationMs)
	assert.Equal(t, RunStatusTimeout, *patch.Status)
	assert.Equal(t, "run_timeout", patch.Reason)
	require.NotNil(t, patch.Error)
}
