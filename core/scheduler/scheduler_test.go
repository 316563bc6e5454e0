package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dondendo89/qa-playwright/core/models"
	"github.com/dondendo89/qa-playwright/core/queue"
)

type staticSource struct {
	scenarios []*models.Scenario
	err       error
	calls     int
	mu        sync.Mutex
}

func (s *staticSource) FindActiveScenarios(context.Context) ([]*models.Scenario, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.scenarios, s.err
}

// failingQueue wraps a queue and fails Enqueue for selected scenarios
type failingQueue struct {
	*queue.MemoryQueue
	failFor string
	panicOn string
}

func (q *failingQueue) Enqueue(ctx context.Context, job *queue.Job) error {
	if job.Data.ScenarioID == q.panicOn {
		panic("enqueue exploded")
	}
	if job.Data.ScenarioID == q.failFor {
		return errors.New("redis unavailable")
	}
	return q.MemoryQueue.Enqueue(ctx, job)
}

func sc(id, schedule string) *models.Scenario {
	return &models.Scenario{
		ID:       id,
		Name:     id,
		Schedule: schedule,
		Active:   true,
		Target:   &models.Target{URL: "https://" + id + ".example"},
	}
}

// minute boundary plus ten seconds
var tickAt = time.Date(2025, 3, 1, 12, 0, 10, 0, time.UTC)

var firingAt = tickAt.Truncate(time.Minute)

// clockedLocks expires locks on a virtual clock the test advances
type clockedLocks struct {
	*queue.MemoryQueue
	mu    sync.Mutex
	now   time.Time
	locks map[string]time.Time
}

func newClockedLocks() *clockedLocks {
	return &clockedLocks{MemoryQueue: queue.NewMemoryQueue(queue.DefaultOptions()), locks: map[string]time.Time{}}
}

func (q *clockedLocks) AcquireLock(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if expiry, held := q.locks[key]; held && q.now.Before(expiry) {
		return "", false, nil
	}
	q.locks[key] = q.now.Add(ttl)
	return key, true, nil
}

func (q *clockedLocks) ReleaseLock(_ context.Context, key, _ string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.locks, key)
	return nil
}

func (q *clockedLocks) drain(t *testing.T) int {
	t.Helper()
	n := 0
	for {
		job, err := q.Reserve(context.Background(), 0)
		require.NoError(t, err)
		if job == nil {
			return n
		}
		require.NoError(t, q.Complete(context.Background(), job))
		n++
	}
}

func newScheduler(src ScenarioSource, q queue.Queue) *Scheduler {
	return New(src, q, Config{PollInterval: 30 * time.Second, MaxAttempts: 3}, nil)
}

func TestTick_EnqueuesDueScenarios(t *testing.T) {
	q := queue.NewMemoryQueue(queue.DefaultOptions())
	src := &staticSource{scenarios: []*models.Scenario{
		sc("every-minute", "* * * * *"),
		sc("hourly-at-30", "30 * * * *"),
	}}
	s := newScheduler(src, q)

	report := s.Tick(context.Background(), tickAt)

	assert.Equal(t, TickReport{Active: 2, Due: 1, Enqueued: 1}, report)
	jobs, err := q.ListJobs(context.Background(), queue.JobStateWaiting)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "every-minute", jobs[0].Data.ScenarioID)
	assert.Equal(t, "https://every-minute.example", jobs[0].Data.TargetURL)
	assert.Equal(t, 3, jobs[0].MaxAttempts)
	assert.Equal(t, "scenario:every-minute", jobs[0].Name)
}

func TestTick_NotDueOutsideTolerance(t *testing.T) {
	q := queue.NewMemoryQueue(queue.DefaultOptions())
	s := newScheduler(&staticSource{scenarios: []*models.Scenario{sc("a", "* * * * *")}}, q)

	report := s.Tick(context.Background(), tickAt.Add(35*time.Second))
	assert.Zero(t, report.Due)
	assert.Zero(t, report.Enqueued)
}

func TestTick_SkipsScenarioInFlight(t *testing.T) {
	q := queue.NewMemoryQueue(queue.DefaultOptions())
	s := newScheduler(&staticSource{scenarios: []*models.Scenario{sc("a", "* * * * *")}}, q)

	require.Equal(t, 1, s.Tick(context.Background(), tickAt).Enqueued)

	// next minute: the first job is still waiting
	report := s.Tick(context.Background(), tickAt.Add(time.Minute))
	assert.Equal(t, 1, report.SkippedInFlight)
	assert.Zero(t, report.Enqueued)

	jobs, _ := q.ListJobs(context.Background(), queue.InFlightStates...)
	assert.Len(t, jobs, 1)
}

func TestTick_ConcurrentTicksEnqueueOnce(t *testing.T) {
	q := queue.NewMemoryQueue(queue.DefaultOptions())
	src := &staticSource{scenarios: []*models.Scenario{sc("a", "* * * * *")}}
	first := newScheduler(src, q)
	second := newScheduler(src, q)

	var wg sync.WaitGroup
	reports := make([]TickReport, 2)
	for i, s := range []*Scheduler{first, second} {
		wg.Add(1)
		go func(i int, s *Scheduler) {
			defer wg.Done()
			reports[i] = s.Tick(context.Background(), tickAt)
		}(i, s)
	}
	wg.Wait()

	assert.Equal(t, 1, reports[0].Enqueued+reports[1].Enqueued)
	jobs, _ := q.ListJobs(context.Background(), queue.InFlightStates...)
	assert.Len(t, jobs, 1)
}

func TestTick_ScheduleLockBlocksSecondInstance(t *testing.T) {
	q := queue.NewMemoryQueue(queue.DefaultOptions())
	_, ok, err := q.AcquireLock(context.Background(), ScheduleLockKey("a", firingAt), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	s := newScheduler(&staticSource{scenarios: []*models.Scenario{sc("a", "* * * * *")}}, q)
	report := s.Tick(context.Background(), tickAt)
	assert.Equal(t, 1, report.SkippedLocked)
	assert.Zero(t, report.Enqueued)
}

func TestTick_OneJobPerFiringAcrossMinutes(t *testing.T) {
	q := newClockedLocks()
	s := New(&staticSource{scenarios: []*models.Scenario{sc("a", "* * * * *")}}, q,
		Config{PollInterval: 30 * time.Second, Tolerance: 30 * time.Second, MaxAttempts: 3}, nil)

	// each tick takes a little longer or shorter to reach the lock
	latencies := []time.Duration{300 * time.Millisecond, 100 * time.Millisecond}
	enqueued := 0
	for i := 0; i < 8; i++ {
		now := tickAt.Add(time.Duration(i) * 30 * time.Second)
		q.mu.Lock()
		q.now = now.Add(latencies[i%2])
		q.mu.Unlock()

		report := s.Tick(context.Background(), now)
		assert.Zero(t, report.SkippedLocked, "tick at %s", now.Format(time.TimeOnly))
		enqueued += q.drain(t)
	}
	assert.Equal(t, 4, enqueued, "firings 12:00 through 12:03 each run once")
}

func TestTick_SecondInstanceInSameWindowDoesNotReenqueue(t *testing.T) {
	q := newClockedLocks()
	src := &staticSource{scenarios: []*models.Scenario{sc("a", "* * * * *")}}
	first := New(src, q, Config{PollInterval: 30 * time.Second, MaxAttempts: 3}, nil)
	second := New(src, q, Config{PollInterval: 30 * time.Second, MaxAttempts: 3}, nil)

	q.now = tickAt
	assert.Equal(t, 1, first.Tick(context.Background(), tickAt).Enqueued)
	require.Equal(t, 1, q.drain(t))

	later := tickAt.Add(15 * time.Second)
	q.now = later
	report := second.Tick(context.Background(), later)
	assert.Zero(t, report.Enqueued)
	assert.Equal(t, 1, report.SkippedLocked)
}

func TestTick_IsolatesScenarioFailures(t *testing.T) {
	q := &failingQueue{MemoryQueue: queue.NewMemoryQueue(queue.DefaultOptions()), failFor: "broken", panicOn: "explodes"}
	src := &staticSource{scenarios: []*models.Scenario{
		sc("broken", "* * * * *"),
		sc("explodes", "* * * * *"),
		sc("malformed", "not a cron"),
		sc("ok", "* * * * *"),
	}}
	s := newScheduler(src, q)

	report := s.Tick(context.Background(), tickAt)
	assert.Equal(t, 4, report.Active)
	assert.Equal(t, 3, report.Due)
	assert.Equal(t, 1, report.Enqueued)
	assert.Equal(t, 2, report.Errors)

	// a failed enqueue releases the lock so the next tick can retry
	_, ok, err := q.AcquireLock(context.Background(), ScheduleLockKey("broken", firingAt), time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTick_SourceErrorEndsTick(t *testing.T) {
	q := queue.NewMemoryQueue(queue.DefaultOptions())
	s := newScheduler(&staticSource{err: errors.New("db down")}, q)

	report := s.Tick(context.Background(), tickAt)
	assert.Equal(t, TickReport{Errors: 1}, report)
}

func TestTick_IgnoresInactiveScenarios(t *testing.T) {
	q := queue.NewMemoryQueue(queue.DefaultOptions())
	inactive := sc("a", "* * * * *")
	inactive.Active = false
	s := newScheduler(&staticSource{scenarios: []*models.Scenario{inactive}}, q)

	assert.Zero(t, s.Tick(context.Background(), tickAt).Enqueued)
}

func TestTrigger(t *testing.T) {
	q := queue.NewMemoryQueue(queue.DefaultOptions())
	s := newScheduler(&staticSource{}, q)

	job, err := s.Trigger(context.Background(), sc("a", "0 0 1 1 *"))
	require.NoError(t, err)
	assert.Equal(t, "a", job.Data.ScenarioID)

	_, err = s.Trigger(context.Background(), sc("a", "0 0 1 1 *"))
	assert.True(t, errors.Is(err, ErrInFlight))
}

func TestStartTicksImmediatelyAndStops(t *testing.T) {
	q := queue.NewMemoryQueue(queue.DefaultOptions())
	src := &staticSource{}
	s := New(src, q, Config{PollInterval: 20 * time.Millisecond}, nil)

	done := make(chan struct{})
	go func() {
		s.Start(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return src.calls >= 2
	}, time.Second, 5*time.Millisecond)

	s.Stop()
	s.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
