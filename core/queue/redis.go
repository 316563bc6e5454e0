package queue

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Options tunes retry behavior shared by all queue implementations
type Options struct {
	RetryBackoff time.Duration // base delay, multiplied by the attempt number
}

// DefaultOptions returns sensible defaults
func DefaultOptions() Options {
	return Options{RetryBackoff: 5 * time.Second}
}

// RedisQueue stores jobs in Redis.
//
// Layout under prefix qa:<name>:
//
//	job:<id>   JSON job record
//	waiting    list, producers LPUSH and workers move from the right
//	active     list of reserved ids
//	delayed    sorted set scored by availability in unix millis
//	dead       list of exhausted ids
//	lock:<key> SET NX PX exclusive keys
type RedisQueue struct {
	client *redis.Client
	prefix string
	opts   Options

	// active ids seen without a reservation stamp on the previous Recover
	mu        sync.Mutex
	unstamped map[string]struct{}
}

// NewRedisQueue connects to redisURL and verifies the connection
func NewRedisQueue(ctx context.Context, redisURL, name string, opts Options) (*RedisQueue, error) {
	url := strings.TrimSpace(redisURL)
	if url == "" {
		return nil, errors.New("redis url is required")
	}
	parsed, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	client := redis.NewClient(parsed)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	return NewRedisQueueFromClient(client, name, opts), nil
}

// NewRedisQueueFromClient wraps an existing client
func NewRedisQueueFromClient(client *redis.Client, name string, opts Options) *RedisQueue {
	if strings.TrimSpace(name) == "" {
		name = "scenarios"
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = DefaultOptions().RetryBackoff
	}
	return &RedisQueue{
		client:    client,
		prefix:    "qa:" + name + ":",
		opts:      opts,
		unstamped: make(map[string]struct{}),
	}
}

func (q *RedisQueue) key(parts ...string) string {
	return q.prefix + strings.Join(parts, ":")
}

func (q *RedisQueue) jobKey(id string) string {
	return q.key("job", id)
}

// Enqueue adds job to the waiting list
func (q *RedisQueue) Enqueue(ctx context.Context, job *Job) error {
	if job == nil || strings.TrimSpace(job.ID) == "" {
		return errors.New("job id is required")
	}
	job.State = JobStateWaiting
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	if job.AvailableAt.IsZero() {
		job.AvailableAt = job.EnqueuedAt
	}
	data, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(err, "encode job")
	}
	created, err := q.client.SetNX(ctx, q.jobKey(job.ID), data, 0).Result()
	if err != nil {
		return errors.Wrap(err, "store job")
	}
	if !created {
		return errors.Wrapf(ErrDuplicateJob, "job %s", job.ID)
	}
	if err := q.client.LPush(ctx, q.key("waiting"), job.ID).Err(); err != nil {
		_ = q.client.Del(ctx, q.jobKey(job.ID)).Err()
		return errors.Wrap(err, "push job")
	}
	return nil
}

// ListJobs returns the jobs currently in any of states
func (q *RedisQueue) ListJobs(ctx context.Context, states ...JobState) ([]*Job, error) {
	var ids []string
	for _, state := range states {
		var stateIDs []string
		var err error
		switch state {
		case JobStateWaiting, JobStateActive, JobStateDead:
			stateIDs, err = q.client.LRange(ctx, q.key(string(state)), 0, -1).Result()
		case JobStateDelayed:
			stateIDs, err = q.client.ZRange(ctx, q.key("delayed"), 0, -1).Result()
		default:
			return nil, errors.Newf("unknown job state %q", state)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "list %s jobs", state)
		}
		ids = append(ids, stateIDs...)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = q.jobKey(id)
	}
	values, err := q.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errors.Wrap(err, "load jobs")
	}
	jobs := make([]*Job, 0, len(values))
	for _, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			continue
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

// Reserve moves the oldest waiting job to the active list
func (q *RedisQueue) Reserve(ctx context.Context, wait time.Duration) (*Job, error) {
	if err := q.promoteDelayed(ctx, time.Now().UTC()); err != nil {
		return nil, err
	}

	var id string
	var err error
	if wait <= 0 {
		id, err = q.client.LMove(ctx, q.key("waiting"), q.key("active"), "RIGHT", "LEFT").Result()
	} else {
		id, err = q.client.BLMove(ctx, q.key("waiting"), q.key("active"), "RIGHT", "LEFT", wait).Result()
	}
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "reserve job")
	}

	job, err := q.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		// record vanished underneath the id, drop the dangling reference
		_ = q.client.LRem(ctx, q.key("active"), 1, id).Err()
		return nil, nil
	}
	now := time.Now().UTC()
	job.State = JobStateActive
	job.Attempts++
	job.ReservedAt = &now
	if err := q.save(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Complete removes a finished job
func (q *RedisQueue) Complete(ctx context.Context, job *Job) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.key("active"), 1, job.ID)
	pipe.Del(ctx, q.jobKey(job.ID))
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "complete job %s", job.ID)
	}
	job.State = ""
	return nil
}

// Fail schedules a delayed retry or dead-letters an exhausted job
func (q *RedisQueue) Fail(ctx context.Context, job *Job, cause error) (JobState, error) {
	if cause != nil {
		job.LastError = cause.Error()
	}
	job.ReservedAt = nil
	now := time.Now().UTC()

	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.key("active"), 1, job.ID)
	if job.Exhausted() {
		job.State = JobStateDead
		pipe.RPush(ctx, q.key("dead"), job.ID)
	} else {
		job.State = JobStateDelayed
		job.AvailableAt = now.Add(Backoff(q.opts.RetryBackoff, job.Attempts))
		pipe.ZAdd(ctx, q.key("delayed"), redis.Z{Score: float64(job.AvailableAt.UnixMilli()), Member: job.ID})
	}
	data, err := json.Marshal(job)
	if err != nil {
		return "", errors.Wrap(err, "encode job")
	}
	pipe.Set(ctx, q.jobKey(job.ID), data, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", errors.Wrapf(err, "fail job %s", job.ID)
	}
	return job.State, nil
}

// Recover re-queues active jobs whose reservation is older than olderThan.
// Reserve moves the id before it stamps the record, so an active job without
// a stamp is only recovered once a second sweep still finds it unstamped.
func (q *RedisQueue) Recover(ctx context.Context, olderThan time.Time) (int, error) {
	ids, err := q.client.LRange(ctx, q.key("active"), 0, -1).Result()
	if err != nil {
		return 0, errors.Wrap(err, "list active jobs")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	previous := q.unstamped
	q.unstamped = make(map[string]struct{})

	recovered := 0
	for _, id := range ids {
		job, err := q.load(ctx, id)
		if err != nil {
			return recovered, err
		}
		if job == nil {
			_ = q.client.LRem(ctx, q.key("active"), 1, id).Err()
			continue
		}
		if job.ReservedAt == nil {
			if _, seen := previous[id]; !seen {
				q.unstamped[id] = struct{}{}
				continue
			}
		} else if job.ReservedAt.After(olderThan) {
			continue
		}
		removed, err := q.client.LRem(ctx, q.key("active"), 1, id).Result()
		if err != nil {
			return recovered, errors.Wrapf(err, "recover job %s", id)
		}
		if removed == 0 {
			continue // finished while we looked at it
		}
		job.State = JobStateWaiting
		job.ReservedAt = nil
		if err := q.save(ctx, job); err != nil {
			return recovered, err
		}
		if err := q.client.RPush(ctx, q.key("waiting"), id).Err(); err != nil {
			return recovered, errors.Wrapf(err, "requeue job %s", id)
		}
		recovered++
	}
	return recovered, nil
}

// AcquireLock sets key to a fresh token if absent, expiring after ttl
func (q *RedisQueue) AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := q.client.SetNX(ctx, q.key("lock", key), token, ttl).Result()
	if err != nil {
		return "", false, errors.Wrapf(err, "acquire lock %s", key)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// ReleaseLock drops key if it still holds token
func (q *RedisQueue) ReleaseLock(ctx context.Context, key, token string) error {
	err := releaseLockScript.Run(ctx, q.client, []string{q.key("lock", key)}, token).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return errors.Wrapf(err, "release lock %s", key)
	}
	return nil
}

// Close closes the underlying client
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func (q *RedisQueue) promoteDelayed(ctx context.Context, now time.Time) error {
	due, err := q.client.ZRangeByScore(ctx, q.key("delayed"), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return errors.Wrap(err, "list delayed jobs")
	}
	for _, id := range due {
		// only the caller that removes the member promotes it
		removed, err := q.client.ZRem(ctx, q.key("delayed"), id).Result()
		if err != nil {
			return errors.Wrapf(err, "promote job %s", id)
		}
		if removed == 0 {
			continue
		}
		job, err := q.load(ctx, id)
		if err != nil {
			return err
		}
		if job == nil {
			continue
		}
		job.State = JobStateWaiting
		if err := q.save(ctx, job); err != nil {
			return err
		}
		if err := q.client.LPush(ctx, q.key("waiting"), id).Err(); err != nil {
			return errors.Wrapf(err, "promote job %s", id)
		}
	}
	return nil
}

func (q *RedisQueue) load(ctx context.Context, id string) (*Job, error) {
	raw, err := q.client.Get(ctx, q.jobKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load job %s", id)
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, errors.Wrapf(err, "decode job %s", id)
	}
	return &job, nil
}

func (q *RedisQueue) save(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(err, "encode job")
	}
	return errors.Wrapf(q.client.Set(ctx, q.jobKey(job.ID), data, 0).Err(), "save job %s", job.ID)
}
