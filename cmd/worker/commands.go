package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dondendo89/qa-playwright/core/cron"
	"github.com/dondendo89/qa-playwright/core/queue"
)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run scheduler, executor, reconciler and operator API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		exec, err := a.executor(ctx)
		if err != nil {
			return err
		}
		sched := a.scheduler()
		consumer := a.consumer(exec)
		reconciler := a.reconciler()

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { sched.Start(gctx); return nil })
		g.Go(func() error { return consumer.Run(gctx) })
		g.Go(func() error { reconciler.Start(gctx); return nil })
		g.Go(func() error { return a.serve(gctx, a.server(sched)) })

		err = g.Wait()
		a.logger.Info("Worker exited")
		return err
	},
}

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Enqueue due scenarios",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		if a.cfg.InMemoryQueue() {
			return errors.New("the scheduler alone needs a shared queue; set REDIS_URL or use `run`")
		}

		a.scheduler().Start(ctx)
		return nil
	},
}

var executorCmd = &cobra.Command{
	Use:   "executor",
	Short: "Consume and execute scenario jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		if a.cfg.InMemoryQueue() {
			return errors.New("the executor alone needs a shared queue; set REDIS_URL or use `run`")
		}

		exec, err := a.executor(ctx)
		if err != nil {
			return err
		}
		consumer := a.consumer(exec)
		reconciler := a.reconciler()

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return consumer.Run(gctx) })
		g.Go(func() error { reconciler.Start(gctx); return nil })
		return g.Wait()
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.db.EnsureSchema(ctx); err != nil {
			return err
		}
		a.logger.Info("Schema is up to date")
		return nil
	},
}

var (
	cronAt        string
	cronTolerance time.Duration
)

var cronCheckCmd = &cobra.Command{
	Use:   "cron-check EXPR",
	Short: "Report whether a cron expression is due at an instant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		now := time.Now().UTC()
		if cronAt != "" {
			at, err := time.Parse(time.RFC3339, cronAt)
			if err != nil {
				return errors.Wrap(err, "invalid --at")
			}
			now = at
		}
		if err := cron.Validate(args[0]); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		last, found, err := cron.LastFiring(args[0], now, cronTolerance)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "at:        %s\n", now.Format(time.RFC3339))
		fmt.Fprintf(out, "tolerance: %s\n", cronTolerance)
		if found {
			fmt.Fprintf(out, "last:      %s\n", last.Format(time.RFC3339))
		}
		fmt.Fprintf(out, "due:       %t\n", cron.IsDue(args[0], now, cronTolerance))
		return nil
	},
}

var runScenarioCmd = &cobra.Command{
	Use:   "run-scenario ID",
	Short: "Execute one scenario now, bypassing the queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		exec, err := a.executor(ctx)
		if err != nil {
			return err
		}
		job := queue.NewScenarioJob(args[0], "", 1, time.Now().UTC())
		if err := exec.Handle(ctx, job); err != nil {
			return err
		}

		runs, err := a.ledger.ListScenarioRuns(ctx, args[0], 1)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(runs) == 0 {
			fmt.Fprintln(out, "no run was created (scenario missing, inactive or already running)")
			return nil
		}
		run := runs[0]
		fmt.Fprintf(out, "run:     %s\n", run.ID)
		fmt.Fprintf(out, "status:  %s\n", run.Status)
		if run.DurationMs != nil {
			fmt.Fprintf(out, "elapsed: %s\n", time.Duration(*run.DurationMs)*time.Millisecond)
		}
		if run.Error != nil {
			fmt.Fprintf(out, "error:   %s\n", *run.Error)
		}
		return nil
	},
}

func init() {
	cronCheckCmd.Flags().StringVar(&cronAt, "at", "", "instant to evaluate at (RFC3339, default now)")
	cronCheckCmd.Flags().DurationVar(&cronTolerance, "tolerance", 30*time.Second, "how late a firing may still count as due")
}
