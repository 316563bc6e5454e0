package monitoring

import (
	"sort"
	"sync"
	"time"

	"github.com/dondendo89/qa-playwright/core/models"
)

// Metrics holds in-process counters of the worker. All methods are safe for
// concurrent use.
type Metrics struct {
	mu                sync.RWMutex
	runsByStatus      map[models.RunStatus]int64
	runDurationMs     map[models.RunStatus]int64
	skips             map[string]int64
	jobsEnqueued      int64
	notificationsSent int64
	notificationsFail int64
	orphansReconciled int64
	startedAt         time.Time
}

// NewMetrics creates an empty metrics set
func NewMetrics() *Metrics {
	return &Metrics{
		runsByStatus:  make(map[models.RunStatus]int64),
		runDurationMs: make(map[models.RunStatus]int64),
		skips:         make(map[string]int64),
		startedAt:     time.Now(),
	}
}

// RunFinished counts a finalized run
func (m *Metrics) RunFinished(status models.RunStatus, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runsByStatus[status]++
	m.runDurationMs[status] += duration.Milliseconds()
}

// JobSkipped counts a job or tick entry that was dropped, by reason
func (m *Metrics) JobSkipped(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.skips[reason]++
}

// JobsEnqueued counts jobs handed to the queue
func (m *Metrics) JobsEnqueued(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobsEnqueued += int64(n)
}

// Notified counts a notifier call
func (m *Metrics) Notified(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.notificationsFail++
		return
	}
	m.notificationsSent++
}

// OrphansReconciled counts runs the reconciler closed
func (m *Metrics) OrphansReconciled(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orphansReconciled += int64(n)
}

// Snapshot is a point-in-time copy of the counters
type Snapshot struct {
	RunsByStatus      map[models.RunStatus]int64 `json:"runsByStatus"`
	RunDurationMs     map[models.RunStatus]int64 `json:"runDurationMs"`
	Skips             map[string]int64           `json:"skips"`
	JobsEnqueued      int64                      `json:"jobsEnqueued"`
	NotificationsSent int64                      `json:"notificationsSent"`
	NotificationsFail int64                      `json:"notificationsFailed"`
	OrphansReconciled int64                      `json:"orphansReconciled"`
	Uptime            time.Duration              `json:"uptime"`
}

// Snapshot copies the current counters
func (m *Metrics) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Snapshot{
		RunsByStatus:      make(map[models.RunStatus]int64, len(m.runsByStatus)),
		RunDurationMs:     make(map[models.RunStatus]int64, len(m.runDurationMs)),
		Skips:             make(map[string]int64, len(m.skips)),
		JobsEnqueued:      m.jobsEnqueued,
		NotificationsSent: m.notificationsSent,
		NotificationsFail: m.notificationsFail,
		OrphansReconciled: m.orphansReconciled,
		Uptime:            time.Since(m.startedAt),
	}
	for k, v := range m.runsByStatus {
		s.RunsByStatus[k] = v
	}
	for k, v := range m.runDurationMs {
		s.RunDurationMs[k] = v
	}
	for k, v := range m.skips {
		s.Skips[k] = v
	}
	return s
}

func sortedStatuses(m map[models.RunStatus]int64) []models.RunStatus {
	keys := make([]models.RunStatus, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func sortedReasons(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
