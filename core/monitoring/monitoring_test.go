package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dondendo89/qa-playwright/core/models"
	"github.com/dondendo89/qa-playwright/core/queue"
)

type fakeRuns struct {
	stale     []*models.Run
	cutoff    time.Time
	updated   map[string]models.RunPatch
	rejectIDs map[string]bool
}

func (f *fakeRuns) FindStaleRuns(_ context.Context, before time.Time) ([]*models.Run, error) {
	f.cutoff = before
	return f.stale, nil
}

func (f *fakeRuns) UpdateRun(_ context.Context, id string, patch models.RunPatch) error {
	if f.rejectIDs[id] {
		return errors.New("invalid run status transition")
	}
	if f.updated == nil {
		f.updated = map[string]models.RunPatch{}
	}
	f.updated[id] = patch
	return nil
}

type fakeRecoverer struct {
	olderThan time.Time
	n         int
}

func (f *fakeRecoverer) Recover(_ context.Context, olderThan time.Time) (int, error) {
	f.olderThan = olderThan
	return f.n, nil
}

func TestReconcileClosesStaleRuns(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	runs := &fakeRuns{
		stale: []*models.Run{
			{ID: "r1", ScenarioID: "s1", Status: models.RunStatusRunning, StartedAt: now.Add(-10 * time.Minute)},
			{ID: "r2", ScenarioID: "s2", Status: models.RunStatusRunning, StartedAt: now.Add(-5 * time.Minute)},
		},
		rejectIDs: map[string]bool{"r2": true},
	}
	jobs := &fakeRecoverer{n: 1}
	metrics := NewMetrics()
	r := NewReconciler(runs, jobs, ReconcilerConfig{RunTimeout: time.Minute, StaleMargin: 2 * time.Minute}, metrics, nil)
	r.now = func() time.Time { return now }

	closed := r.Reconcile(context.Background())

	assert.Equal(t, 1, closed)
	assert.Equal(t, now.Add(-3*time.Minute), runs.cutoff)
	assert.Equal(t, now.Add(-3*time.Minute), jobs.olderThan)

	patch := runs.updated["r1"]
	require.NotNil(t, patch.Status)
	assert.Equal(t, models.RunStatusFailed, *patch.Status)
	assert.Equal(t, OrphanedRunError, *patch.Error)
	assert.Equal(t, int64(10*time.Minute/time.Millisecond), *patch.DurationMs)
	assert.Equal(t, "run_orphaned", patch.Reason)
	assert.EqualValues(t, 1, metrics.Snapshot().OrphansReconciled)
}

func TestMetricsExporterRendersPrometheusText(t *testing.T) {
	metrics := NewMetrics()
	metrics.RunFinished(models.RunStatusCompleted, 1500*time.Millisecond)
	metrics.RunFinished(models.RunStatusFailed, 2*time.Second)
	metrics.RunFinished(models.RunStatusCompleted, 500*time.Millisecond)
	metrics.JobsEnqueued(3)
	metrics.JobSkipped("in_flight")
	metrics.Notified(nil)
	metrics.Notified(errors.New("smtp down"))

	q := queue.NewMemoryQueue(queue.DefaultOptions())
	require.NoError(t, q.Enqueue(context.Background(), queue.NewScenarioJob("s1", "", 3, time.Now())))
	require.NoError(t, q.Enqueue(context.Background(), queue.NewScenarioJob("s2", "", 3, time.Now())))

	out := NewMetricsExporter(metrics, q).Prometheus(context.Background())

	assert.Contains(t, out, `qa_runs_total{status="completed"} 2`)
	assert.Contains(t, out, `qa_runs_total{status="failed"} 1`)
	assert.Contains(t, out, `qa_run_duration_ms_total{status="completed"} 2000`)
	assert.Contains(t, out, "qa_jobs_enqueued_total 3")
	assert.Contains(t, out, `qa_jobs_skipped_total{reason="in_flight"} 1`)
	assert.Contains(t, out, `qa_notifications_total{outcome="sent"} 1`)
	assert.Contains(t, out, `qa_notifications_total{outcome="failed"} 1`)
	assert.Contains(t, out, `qa_queue_jobs{state="waiting"} 2`)
	assert.Contains(t, out, `qa_queue_jobs{state="dead"} 0`)
	assert.Contains(t, out, "# TYPE qa_runs_total counter")
}

func TestMetricsSnapshotIsACopy(t *testing.T) {
	metrics := NewMetrics()
	metrics.RunFinished(models.RunStatusTimeout, time.Second)
	snap := metrics.Snapshot()
	snap.RunsByStatus[models.RunStatusTimeout] = 99
	assert.EqualValues(t, 1, metrics.Snapshot().RunsByStatus[models.RunStatusTimeout])
}
