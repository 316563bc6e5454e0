package monitoring

import (
	"context"
	"fmt"
	"strings"

	"github.com/dondendo89/qa-playwright/core/queue"
)

// JobLister is the read side of the queue the exporter needs
type JobLister interface {
	ListJobs(ctx context.Context, states ...queue.JobState) ([]*queue.Job, error)
}

// MetricsExporter exports metrics for Prometheus
type MetricsExporter struct {
	metrics *Metrics
	jobs    JobLister
}

// NewMetricsExporter creates a new metrics exporter. jobs may be nil, in
// which case queue depth is not reported.
func NewMetricsExporter(metrics *Metrics, jobs JobLister) *MetricsExporter {
	return &MetricsExporter{metrics: metrics, jobs: jobs}
}

// Prometheus returns metrics in the Prometheus text format
func (me *MetricsExporter) Prometheus(ctx context.Context) string {
	s := me.metrics.Snapshot()
	var b strings.Builder

	b.WriteString("# HELP qa_runs_total Finalized runs by status\n")
	b.WriteString("# TYPE qa_runs_total counter\n")
	for _, status := range sortedStatuses(s.RunsByStatus) {
		fmt.Fprintf(&b, "qa_runs_total{status=%q} %d\n", status, s.RunsByStatus[status])
	}

	b.WriteString("# HELP qa_run_duration_ms_total Cumulative run duration by status\n")
	b.WriteString("# TYPE qa_run_duration_ms_total counter\n")
	for _, status := range sortedStatuses(s.RunDurationMs) {
		fmt.Fprintf(&b, "qa_run_duration_ms_total{status=%q} %d\n", status, s.RunDurationMs[status])
	}

	b.WriteString("# HELP qa_jobs_enqueued_total Jobs handed to the queue\n")
	b.WriteString("# TYPE qa_jobs_enqueued_total counter\n")
	fmt.Fprintf(&b, "qa_jobs_enqueued_total %d\n", s.JobsEnqueued)

	b.WriteString("# HELP qa_jobs_skipped_total Jobs dropped by reason\n")
	b.WriteString("# TYPE qa_jobs_skipped_total counter\n")
	for _, reason := range sortedReasons(s.Skips) {
		fmt.Fprintf(&b, "qa_jobs_skipped_total{reason=%q} %d\n", reason, s.Skips[reason])
	}

	b.WriteString("# HELP qa_notifications_total Notifier calls by outcome\n")
	b.WriteString("# TYPE qa_notifications_total counter\n")
	fmt.Fprintf(&b, "qa_notifications_total{outcome=\"sent\"} %d\n", s.NotificationsSent)
	fmt.Fprintf(&b, "qa_notifications_total{outcome=\"failed\"} %d\n", s.NotificationsFail)

	b.WriteString("# HELP qa_orphaned_runs_total Runs closed by the reconciler\n")
	b.WriteString("# TYPE qa_orphaned_runs_total counter\n")
	fmt.Fprintf(&b, "qa_orphaned_runs_total %d\n", s.OrphansReconciled)

	b.WriteString("# HELP qa_uptime_seconds Seconds since the worker started\n")
	b.WriteString("# TYPE qa_uptime_seconds gauge\n")
	fmt.Fprintf(&b, "qa_uptime_seconds %.0f\n", s.Uptime.Seconds())

	if me.jobs != nil {
		depth, err := me.QueueDepth(ctx)
		if err == nil {
			b.WriteString("# HELP qa_queue_jobs Jobs in the queue by state\n")
			b.WriteString("# TYPE qa_queue_jobs gauge\n")
			for _, state := range allStates {
				fmt.Fprintf(&b, "qa_queue_jobs{state=%q} %d\n", state, depth[state])
			}
		}
	}
	return b.String()
}

var allStates = []queue.JobState{queue.JobStateWaiting, queue.JobStateActive, queue.JobStateDelayed, queue.JobStateDead}

// QueueDepth counts jobs per state
func (me *MetricsExporter) QueueDepth(ctx context.Context) (map[queue.JobState]int, error) {
	depth := make(map[queue.JobState]int, len(allStates))
	if me.jobs == nil {
		return depth, nil
	}
	for _, state := range allStates {
		jobs, err := me.jobs.ListJobs(ctx, state)
		if err != nil {
			return nil, err
		}
		depth[state] = len(jobs)
	}
	return depth, nil
}
