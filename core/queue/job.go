// Package queue carries scenario jobs from the scheduler to the executor.
//
// Delivery is at-least-once: a job reserved by a worker that dies is put back
// on the waiting list by Recover, and a failed job is retried after a delay
// until it reaches MaxAttempts, at which point it is parked on the dead list.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
)

var (
	// ErrDuplicateJob is returned by Enqueue when a job with the same id exists
	ErrDuplicateJob = errors.New("job already enqueued")
	// ErrClosed is returned by operations on a closed queue
	ErrClosed = errors.New("queue closed")
)

// JobState is the position of a job in the queue
type JobState string

const (
	JobStateWaiting JobState = "waiting"
	JobStateActive  JobState = "active"
	JobStateDelayed JobState = "delayed"
	JobStateDead    JobState = "dead"
)

// InFlightStates are the states in which a job still counts against its scenario
var InFlightStates = []JobState{JobStateWaiting, JobStateActive, JobStateDelayed}

// JobData is the payload of a scenario job
type JobData struct {
	ScenarioID string `json:"scenarioId"`
	TargetURL  string `json:"targetUrl,omitempty"`
}

// Job is an ephemeral queue entry meaning "execute this scenario now"
type Job struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Data        JobData    `json:"data"`
	State       JobState   `json:"state"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"maxAttempts"`
	EnqueuedAt  time.Time  `json:"enqueuedAt"`
	AvailableAt time.Time  `json:"availableAt"`
	ReservedAt  *time.Time `json:"reservedAt,omitempty"`
	LastError   string     `json:"lastError,omitempty"`
}

// NewScenarioJob builds a job for scenarioID. The id embeds the enqueue
// instant so that reschedules of the same scenario never collide.
func NewScenarioJob(scenarioID, targetURL string, maxAttempts int, now time.Time) *Job {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Job{
		ID:          fmt.Sprintf("scenario:%s:%d", scenarioID, now.UnixMilli()),
		Name:        "scenario:" + scenarioID,
		Data:        JobData{ScenarioID: scenarioID, TargetURL: targetURL},
		State:       JobStateWaiting,
		MaxAttempts: maxAttempts,
		EnqueuedAt:  now,
		AvailableAt: now,
	}
}

// Exhausted reports whether the job used up its attempts
func (j *Job) Exhausted() bool {
	return j.Attempts >= j.MaxAttempts
}

// Locker hands out short-lived exclusive keys.
// AcquireLock returns an owner token that ReleaseLock must present, so a
// holder whose lock expired cannot drop the lock of the next holder.
type Locker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	ReleaseLock(ctx context.Context, key, token string) error
}

// Queue is a durable at-least-once job queue
type Queue interface {
	Locker
	Enqueue(ctx context.Context, job *Job) error
	ListJobs(ctx context.Context, states ...JobState) ([]*Job, error)
	// Reserve moves the next available job to active. It waits up to wait for
	// one to appear and returns nil when none did.
	Reserve(ctx context.Context, wait time.Duration) (*Job, error)
	Complete(ctx context.Context, job *Job) error
	// Fail schedules a retry, or dead-letters the job once it is exhausted.
	// The returned state is where the job ended up.
	Fail(ctx context.Context, job *Job, cause error) (JobState, error)
	// Recover puts active jobs reserved before olderThan back on the waiting list
	Recover(ctx context.Context, olderThan time.Time) (int, error)
	Close() error
}

// HasScenario reports whether any of jobs carries scenarioID
func HasScenario(jobs []*Job, scenarioID string) bool {
	for _, job := range jobs {
		if job.Data.ScenarioID == scenarioID {
			return true
		}
	}
	return false
}

// Backoff is the delay before retry number attempt (1-based)
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base * time.Duration(attempt)
}
