package main

import (
	"context"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/dondendo89/qa-playwright/api/rest/handlers"
	"github.com/dondendo89/qa-playwright/api/rest/routes"
	"github.com/dondendo89/qa-playwright/config"
	"github.com/dondendo89/qa-playwright/core/executor"
	"github.com/dondendo89/qa-playwright/core/monitoring"
	"github.com/dondendo89/qa-playwright/core/queue"
	"github.com/dondendo89/qa-playwright/core/repository"
	"github.com/dondendo89/qa-playwright/core/sandbox"
	"github.com/dondendo89/qa-playwright/core/scheduler"
	"github.com/dondendo89/qa-playwright/logging"
	"github.com/dondendo89/qa-playwright/notify"
	"github.com/dondendo89/qa-playwright/storage"
)

// app holds the shared dependencies of every long-running command
type app struct {
	cfg     *config.Config
	logger  *zap.SugaredLogger
	db      *repository.DB
	ledger  *repository.Ledger
	queue   queue.Queue
	metrics *monitoring.Metrics
	// artifacts is set once the first component needs the artifact sink
	artifacts storage.Sink
}

func loadConfig() (*config.Config, *zap.SugaredLogger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogJSON)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// newApp connects to the database and the queue
func newApp(ctx context.Context) (*app, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}

	db, err := repository.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to database")
	}
	logger.Info("Database connected successfully")

	opts := queue.Options{RetryBackoff: cfg.RetryBackoff()}
	var q queue.Queue
	if cfg.InMemoryQueue() {
		logger.Warn("Using the in-process queue; jobs do not survive a restart")
		q = queue.NewMemoryQueue(opts)
	} else {
		rq, err := queue.NewRedisQueue(ctx, cfg.RedisURL, cfg.QueueName, opts)
		if err != nil {
			db.Close()
			return nil, errors.Wrap(err, "failed to connect to redis")
		}
		q = rq
	}

	return &app{
		cfg:     cfg,
		logger:  logger,
		db:      db,
		ledger:  repository.NewLedger(db),
		queue:   q,
		metrics: monitoring.NewMetrics(),
	}, nil
}

func (a *app) Close() {
	if err := a.queue.Close(); err != nil {
		a.logger.Warnw("Failed to close queue", "error", err)
	}
	if err := a.db.Close(); err != nil {
		a.logger.Warnw("Failed to close database", "error", err)
	}
	_ = a.logger.Sync()
}

func (a *app) scheduler() *scheduler.Scheduler {
	return scheduler.New(a.ledger, a.queue, scheduler.Config{
		PollInterval: a.cfg.PollInterval(),
		Tolerance:    a.cfg.Tolerance(),
		MaxAttempts:  a.cfg.JobMaxAttempts,
	}, a.logger).WithMetrics(a.metrics)
}

func (a *app) sink(ctx context.Context) (storage.Sink, error) {
	if a.artifacts != nil {
		return a.artifacts, nil
	}
	var sink storage.Sink
	var err error
	if a.cfg.ArtifactStore == "local" {
		sink, err = storage.NewLocalSink(a.cfg.ArtifactDir)
	} else {
		sink, err = storage.NewS3Sink(ctx, storage.S3Config{
			Endpoint:        a.cfg.S3Endpoint,
			Region:          a.cfg.S3Region,
			Bucket:          a.cfg.S3Bucket,
			AccessKeyID:     a.cfg.S3AccessKeyID,
			SecretAccessKey: a.cfg.S3SecretAccessKey,
			URLTTL:          a.cfg.S3URLTTL(),
		}, a.logger)
	}
	if err != nil {
		return nil, err
	}
	a.artifacts = sink
	return sink, nil
}

func (a *app) executor(ctx context.Context) (*executor.Executor, error) {
	sink, err := a.sink(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create artifact sink")
	}

	launcher := sandbox.NewChromeLauncher(sandbox.ChromeOptions{
		ExecPath:       a.cfg.ChromePath,
		Headless:       a.cfg.BrowserHeadless,
		ViewportWidth:  a.cfg.ViewportWidth,
		ViewportHeight: a.cfg.ViewportHeight,
		UserAgent:      a.cfg.UserAgent,
	})
	links := sandbox.NewHTTPLinkChecker(float64(a.cfg.LinkCheckRPS), a.cfg.UserAgent, a.logger)
	sb := sandbox.New(launcher, links, sandbox.Config{
		Timeout: a.cfg.RunTimeout(),
		Limits:  sandbox.Limits{MaxLinksToCheck: a.cfg.MaxLinksToCheck},
	}, a.logger)

	notifier := notify.New(a.ledger, a.cfg.AppURL, a.logger,
		notify.NewEmailChannel(notify.EmailConfig{
			Host:     a.cfg.SMTPHost,
			Port:     a.cfg.SMTPPort,
			User:     a.cfg.SMTPUser,
			Password: a.cfg.SMTPPassword,
			From:     a.cfg.SMTPFrom,
		}),
		notify.NewSlackChannel(a.cfg.SlackWebhookURL, a.logger),
	)

	return executor.New(
		a.ledger,
		a.queue,
		sb,
		storage.NewArtifactStore(sink, a.ledger),
		notifier,
		executor.DefaultConfig(),
		a.metrics,
		a.logger,
	), nil
}

func (a *app) consumer(exec *executor.Executor) *queue.Consumer {
	cfg := queue.DefaultConsumerConfig()
	cfg.Concurrency = a.cfg.WorkerConcurrency
	cfg.RecoverAfter = a.cfg.RunTimeout() + a.cfg.StaleRunMargin()
	return queue.NewConsumer(a.queue, exec, cfg, a.logger)
}

func (a *app) reconciler() *monitoring.Reconciler {
	return monitoring.NewReconciler(a.ledger, a.queue, monitoring.ReconcilerConfig{
		Interval:    a.cfg.ReconcileInterval(),
		RunTimeout:  a.cfg.RunTimeout(),
		StaleMargin: a.cfg.StaleRunMargin(),
	}, a.metrics, a.logger)
}

func (a *app) server(sched *scheduler.Scheduler) *http.Server {
	r := mux.NewRouter()
	runs := handlers.NewRunHandler(a.ledger, sched, a.logger)
	if a.artifacts != nil {
		runs = runs.WithArtifactLinks(a.artifacts)
	}
	routes.SetupRoutes(r,
		runs,
		handlers.NewOpsHandler(a.db, a.queue, monitoring.NewMetricsExporter(a.metrics, a.queue)),
	)
	return &http.Server{
		Addr:              ":" + a.cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// serve runs srv until ctx is done, then shuts it down gracefully
func (a *app) serve(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.Infow("Starting server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "server failed")
	case <-ctx.Done():
	}

	a.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return errors.Wrap(srv.Shutdown(shutdownCtx), "server forced to shutdown")
}
