package main

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/eml-intake/internal/monitoring"
	"github.com/sells-group/eml-intake/internal/queue"
	"github.com/sells-group/eml-intake/internal/retention"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the job worker, watchdog, retention schedule and health checks",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initApp(ctx, "worker")
		if err != nil {
			return err
		}
		defer env.Close()

		if _, ok := env.Queue.(*queue.Memory); ok {
			zap.L().Warn("worker is using the in-process queue, it only sees jobs it enqueues itself")
		}

		locker, closeLocker, err := initLocker(ctx)
		if err != nil {
			return err
		}
		defer closeLocker()

		sched, err := retention.NewScheduler(
			cfg.Retention.Schedule,
			time.Duration(cfg.Retention.LockTTLMins)*time.Minute,
			newSweeper(env.Store),
			locker,
		)
		if err != nil {
			return err
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return env.newWorker().Run(gctx) })
		g.Go(func() error { return env.Watchdog.Run(gctx) })
		g.Go(func() error { return sched.Run(gctx) })

		if cfg.Monitoring.Enabled {
			collector := monitoring.NewCollector(env.Store, env.Queue,
				time.Duration(cfg.Pipeline.ProcessingTimeoutMins)*time.Minute)
			checker := monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)
			g.Go(func() error {
				checker.Run(gctx)
				return nil
			})
		}

		return g.Wait()
	},
}

func newSweeper(target retention.Target) *retention.Sweeper {
	day := 24 * time.Hour
	return retention.NewSweeper(retention.Config{
		SuccessAge: time.Duration(cfg.Retention.SuccessDays) * day,
		FailedAge:  time.Duration(cfg.Retention.FailedDays) * day,
		OrphanAge:  time.Duration(cfg.Retention.OrphanFileDays) * day,
	}, target)
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
