package queue

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// Handler processes one reserved job. A nil return completes the job, an
// error sends it through Fail.
type Handler interface {
	Handle(ctx context.Context, job *Job) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, job *Job) error

// Handle calls f
func (f HandlerFunc) Handle(ctx context.Context, job *Job) error { return f(ctx, job) }

// ConsumerConfig controls the worker pool
type ConsumerConfig struct {
	Concurrency  int           // jobs processed in parallel
	PollWait     time.Duration // how long one Reserve call blocks
	RecoverAfter time.Duration // active jobs reserved longer ago than this are orphans at startup
}

// DefaultConsumerConfig returns sensible defaults
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Concurrency:  2,
		PollWait:     2 * time.Second,
		RecoverAfter: 3 * time.Minute,
	}
}

// Consumer pulls jobs off a Queue with a bounded number of workers
type Consumer struct {
	queue   Queue
	handler Handler
	cfg     ConsumerConfig
	logger  *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	active int
}

// NewConsumer creates a consumer. Call Start to begin processing.
func NewConsumer(q Queue, handler Handler, cfg ConsumerConfig, logger *zap.SugaredLogger) *Consumer {
	defaults := DefaultConsumerConfig()
	if cfg.Concurrency < 1 {
		cfg.Concurrency = defaults.Concurrency
	}
	if cfg.PollWait <= 0 {
		cfg.PollWait = defaults.PollWait
	}
	if cfg.RecoverAfter <= 0 {
		cfg.RecoverAfter = defaults.RecoverAfter
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Consumer{
		queue:   q,
		handler: handler,
		cfg:     cfg,
		logger:  logger.Named("consumer"),
	}
}

// Start recovers orphaned jobs and spawns the workers. Workers stop when ctx
// is canceled or Stop is called.
func (c *Consumer) Start(ctx context.Context) {
	c.mu.Lock()
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	// jobs reserved by a worker that died are put back before we take new work
	olderThan := time.Now().UTC().Add(-c.cfg.RecoverAfter)
	if n, err := c.queue.Recover(c.ctx, olderThan); err != nil {
		c.logger.Warnw("Failed to recover orphaned jobs", "error", err)
	} else if n > 0 {
		c.logger.Infow("Recovered orphaned jobs", "count", n)
	}

	c.logger.Infow("Starting consumer", "concurrency", c.cfg.Concurrency)
	for i := 0; i < c.cfg.Concurrency; i++ {
		c.wg.Add(1)
		go c.worker(i)
	}
}

// Stop cancels the workers and waits for in-progress jobs to return
func (c *Consumer) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	c.logger.Infow("Consumer stopped")
}

// Active returns the number of jobs being handled right now
func (c *Consumer) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *Consumer) worker(id int) {
	defer c.wg.Done()
	log := c.logger.With("worker", id)

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		job, err := c.queue.Reserve(c.ctx, c.cfg.PollWait)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			if errors.Is(err, ErrClosed) {
				log.Infow("Queue closed, worker exiting")
				return
			}
			log.Warnw("Failed to reserve job", "error", err)
			c.sleep(c.cfg.PollWait)
			continue
		}
		if job == nil {
			continue
		}
		c.process(log, job)
	}
}

func (c *Consumer) process(log *zap.SugaredLogger, job *Job) {
	c.mu.Lock()
	c.active++
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.active--
		c.mu.Unlock()
	}()

	log = log.With("job_id", job.ID, "scenario_id", job.Data.ScenarioID, "attempt", job.Attempts)
	log.Debugw("Processing job")

	err := c.safeHandle(job)

	// queue bookkeeping must happen even when shutdown canceled the job
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), 5*time.Second)
	defer cancel()

	if err == nil {
		if cerr := c.queue.Complete(ctx, job); cerr != nil {
			log.Errorw("Failed to complete job", "error", cerr)
		}
		return
	}

	state, ferr := c.queue.Fail(ctx, job, err)
	if ferr != nil {
		log.Errorw("Failed to record job failure", "error", ferr, "cause", err)
		return
	}
	if state == JobStateDead {
		log.Errorw("Job exhausted its attempts", "error", err, "max_attempts", job.MaxAttempts)
		return
	}
	log.Warnw("Job failed, retry scheduled", "error", err, "next_attempt_at", job.AvailableAt)
}

func (c *Consumer) safeHandle(job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Errorw("Handler panicked", "job_id", job.ID, "panic", r, "stack", string(debug.Stack()))
			err = errors.Newf("handler panic: %s", fmt.Sprint(r))
		}
	}()
	return c.handler.Handle(c.ctx, job)
}

func (c *Consumer) sleep(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-c.ctx.Done():
	case <-t.C:
	}
}

// Run starts the consumer and blocks until ctx is canceled and in-flight jobs return
func (c *Consumer) Run(ctx context.Context) error {
	c.Start(ctx)
	<-ctx.Done()
	c.Stop()
	return nil
}
