package queue

import (
	"container/heap"
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// MemoryQueue is an in-process Queue for single-instance deployments and tests.
// It offers the same delivery semantics as RedisQueue but nothing survives a restart.
type MemoryQueue struct {
	mu      sync.Mutex
	jobs    map[string]*Job
	waiting []string // FIFO, oldest first
	active  map[string]struct{}
	delayed delayedJobs
	dead    []string
	locks   map[string]memoryLock
	opts    Options
	wake    chan struct{}
	closed  bool
	now     func() time.Time
}

// NewMemoryQueue creates an empty in-process queue
func NewMemoryQueue(opts Options) *MemoryQueue {
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = DefaultOptions().RetryBackoff
	}
	mq := &MemoryQueue{
		jobs:   make(map[string]*Job),
		active: make(map[string]struct{}),
		locks:  make(map[string]memoryLock),
		opts:   opts,
		wake:   make(chan struct{}, 1),
		now:    func() time.Time { return time.Now().UTC() },
	}
	heap.Init(&mq.delayed)
	return mq
}

// Enqueue adds job to the waiting list
func (mq *MemoryQueue) Enqueue(_ context.Context, job *Job) error {
	if job == nil || strings.TrimSpace(job.ID) == "" {
		return errors.New("job id is required")
	}
	mq.mu.Lock()
	defer mq.mu.Unlock()

	if mq.closed {
		return ErrClosed
	}
	if _, exists := mq.jobs[job.ID]; exists {
		return errors.Wrapf(ErrDuplicateJob, "job %s", job.ID)
	}
	job.State = JobStateWaiting
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = mq.now()
	}
	if job.AvailableAt.IsZero() {
		job.AvailableAt = job.EnqueuedAt
	}
	mq.jobs[job.ID] = cloneJob(job)
	mq.waiting = append(mq.waiting, job.ID)
	mq.signal()
	return nil
}

// ListJobs returns copies of the jobs currently in any of states
func (mq *MemoryQueue) ListJobs(_ context.Context, states ...JobState) ([]*Job, error) {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	var jobs []*Job
	for _, state := range states {
		var ids []string
		switch state {
		case JobStateWaiting:
			ids = mq.waiting
		case JobStateActive:
			for id := range mq.active {
				ids = append(ids, id)
			}
		case JobStateDelayed:
			for _, item := range mq.delayed {
				ids = append(ids, item.Job.ID)
			}
		case JobStateDead:
			ids = mq.dead
		default:
			return nil, errors.Newf("unknown job state %q", state)
		}
		start := len(jobs)
		for _, id := range ids {
			if job, ok := mq.jobs[id]; ok {
				jobs = append(jobs, cloneJob(job))
			}
		}
		group := jobs[start:]
		sort.SliceStable(group, func(i, k int) bool { return group[i].EnqueuedAt.Before(group[k].EnqueuedAt) })
	}
	return jobs, nil
}

// Reserve moves the oldest available job to active, waiting up to wait
func (mq *MemoryQueue) Reserve(ctx context.Context, wait time.Duration) (*Job, error) {
	deadline := time.Now().Add(wait)
	for {
		job, err := mq.tryReserve()
		if err != nil || job != nil {
			return job, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		// delayed jobs become available without a signal, so poll as well
		if poll := 50 * time.Millisecond; remaining > poll {
			remaining = poll
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-mq.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (mq *MemoryQueue) tryReserve() (*Job, error) {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	if mq.closed {
		return nil, ErrClosed
	}
	mq.promoteDelayed(mq.now())
	if len(mq.waiting) == 0 {
		return nil, nil
	}
	id := mq.waiting[0]
	mq.waiting = mq.waiting[1:]
	job, ok := mq.jobs[id]
	if !ok {
		return nil, nil
	}
	now := mq.now()
	job.State = JobStateActive
	job.Attempts++
	job.ReservedAt = &now
	mq.active[id] = struct{}{}
	return cloneJob(job), nil
}

// Complete removes a finished job
func (mq *MemoryQueue) Complete(_ context.Context, job *Job) error {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	delete(mq.active, job.ID)
	delete(mq.jobs, job.ID)
	job.State = ""
	return nil
}

// Fail schedules a delayed retry or dead-letters an exhausted job
func (mq *MemoryQueue) Fail(_ context.Context, job *Job, cause error) (JobState, error) {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	stored, ok := mq.jobs[job.ID]
	if !ok {
		return "", errors.Newf("job %s not found", job.ID)
	}
	delete(mq.active, job.ID)
	if cause != nil {
		stored.LastError = cause.Error()
	}
	stored.ReservedAt = nil
	if stored.Exhausted() {
		stored.State = JobStateDead
		mq.dead = append(mq.dead, stored.ID)
	} else {
		stored.State = JobStateDelayed
		stored.AvailableAt = mq.now().Add(Backoff(mq.opts.RetryBackoff, stored.Attempts))
		heap.Push(&mq.delayed, &delayedJob{Job: stored})
	}
	job.State, job.LastError, job.AvailableAt, job.ReservedAt = stored.State, stored.LastError, stored.AvailableAt, nil
	return stored.State, nil
}

// Recover re-queues active jobs reserved before olderThan
func (mq *MemoryQueue) Recover(_ context.Context, olderThan time.Time) (int, error) {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	recovered := 0
	for id := range mq.active {
		job := mq.jobs[id]
		if job == nil || (job.ReservedAt != nil && job.ReservedAt.After(olderThan)) {
			continue
		}
		delete(mq.active, id)
		job.State = JobStateWaiting
		job.ReservedAt = nil
		mq.waiting = append([]string{id}, mq.waiting...)
		recovered++
	}
	if recovered > 0 {
		mq.signal()
	}
	return recovered, nil
}

type memoryLock struct {
	token  string
	expiry time.Time
}

// AcquireLock takes key unless it is held and unexpired
func (mq *MemoryQueue) AcquireLock(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	now := mq.now()
	if held, ok := mq.locks[key]; ok && now.Before(held.expiry) {
		return "", false, nil
	}
	token := uuid.NewString()
	mq.locks[key] = memoryLock{token: token, expiry: now.Add(ttl)}
	return token, true, nil
}

// ReleaseLock drops key if it still holds token
func (mq *MemoryQueue) ReleaseLock(_ context.Context, key, token string) error {
	mq.mu.Lock()
	defer mq.mu.Unlock()
	if held, ok := mq.locks[key]; ok && held.token == token {
		delete(mq.locks, key)
	}
	return nil
}

// Close rejects further work
func (mq *MemoryQueue) Close() error {
	mq.mu.Lock()
	defer mq.mu.Unlock()
	mq.closed = true
	return nil
}

func (mq *MemoryQueue) promoteDelayed(now time.Time) {
	for mq.delayed.Len() > 0 && !mq.delayed[0].Job.AvailableAt.After(now) {
		item := heap.Pop(&mq.delayed).(*delayedJob)
		item.Job.State = JobStateWaiting
		mq.waiting = append(mq.waiting, item.Job.ID)
	}
}

func (mq *MemoryQueue) signal() {
	select {
	case mq.wake <- struct{}{}:
	default:
	}
}

func cloneJob(job *Job) *Job {
	c := *job
	if job.ReservedAt != nil {
		at := *job.ReservedAt
		c.ReservedAt = &at
	}
	return &c
}

// delayedJob wraps a job waiting for its retry instant
type delayedJob struct {
	Job   *Job
	Index int // For heap.Interface
}

// delayedJobs is a min-heap on AvailableAt
type delayedJobs []*delayedJob

// Len returns the number of delayed jobs
func (d delayedJobs) Len() int { return len(d) }

// Less orders jobs by the instant they become available
func (d delayedJobs) Less(i, j int) bool {
	return d[i].Job.AvailableAt.Before(d[j].Job.AvailableAt)
}

// Swap swaps two jobs
func (d delayedJobs) Swap(i, j int) {
	d[i], d[j] = d[j], d[i]
	d[i].Index = i
	d[j].Index = j
}

// Push implements heap.Interface
func (d *delayedJobs) Push(x interface{}) {
	item := x.(*delayedJob)
	item.Index = len(*d)
	*d = append(*d, item)
}

// Pop implements heap.Interface
func (d *delayedJobs) Pop() interface{} {
	old := *d
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.Index = -1
	*d = old[0 : n-1]
	return item
}
