package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/teranos/flywheel/config"
	"github.com/teranos/flywheel/logger"
	"github.com/teranos/flywheel/monitor"
	"github.com/teranos/flywheel/processor"
	"github.com/teranos/flywheel/queue"
	"github.com/teranos/flywheel/scheduler"
	"github.com/teranos/flywheel/sym"
	"github.com/teranos/flywheel/workerpool"
)

// StartCmd runs the engine daemon in the foreground.
var StartCmd = &cobra.Command{
	Use:   "start",
	Short: sym.Wheel + " Run the engine daemon",
	Long: sym.Wheel + ` Run the engine daemon in foreground mode.

The daemon will:
- Recover persisted jobs into the in-memory queue
- Start the worker pool for job execution
- Start the scheduler ticker for recurring jobs
- Start the monitor for metrics collection and alerting
- Run until interrupted (Ctrl+C) with graceful shutdown

Configuration is hot-reloaded when the active config file changes;
the pool's dispatch strategy follows the file without a restart.

Example:
  flywheel start               # Start daemon in foreground
  flywheel start --workers 4   # Start with 4 workers`,
	RunE: func(cmd *cobra.Command, args []string) error {
		workers, _ := cmd.Flags().GetInt("workers")
		return runStart(workers)
	},
}

func init() {
	StartCmd.Flags().Int("workers", 0, "Number of workers to seed (0 = use configured pool.workers)")
}

func runStart(workers int) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if workers > 0 {
		cfg.Pool.Workers = workers
	}

	pterm.Info.Printf("%s Starting flywheel daemon with %d worker(s)...\n", sym.Wheel, cfg.Pool.Workers)

	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	// Build components bottom-up: store, queue, pool, scheduler, monitor.
	store := queue.NewStore(database, logger.Logger)
	q, err := queue.NewQueue(store, cfg.Queue, logger.Logger)
	if err != nil {
		return fmt.Errorf("failed to create queue: %w", err)
	}

	pool := workerpool.NewManager(q, nil, cfg, logger.Logger)
	if err := pool.RegisterHandler(processor.NewExecHandler(queue.TypeCleanup, "", logger.Logger)); err != nil {
		return fmt.Errorf("failed to register exec handler: %w", err)
	}

	sched, err := scheduler.New(q, scheduler.NewStore(database, logger.Logger), cfg.Scheduler, logger.Logger)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	mon := monitor.New(q, pool, store, cfg.Monitor, logger.Logger)

	if err := pool.Start(); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}
	sched.Start()
	mon.Start()

	// Follow the active config file so strategy changes apply live.
	if configFile := config.GetViper().ConfigFileUsed(); configFile != "" {
		watcher, werr := config.NewConfigWatcher(configFile)
		if werr != nil {
			logger.Warnw("Config hot reload disabled", "error", werr)
		} else {
			watcher.OnReload(func(newCfg *config.Config) error {
				return pool.SetStrategy(workerpool.Strategy(newCfg.Pool.Strategy))
			})
			watcher.Start()
			config.SetGlobalWatcher(watcher)
			defer watcher.Stop()
		}
	}

	pterm.Success.Printf("%s Flywheel daemon started\n", sym.Wheel)
	fmt.Printf("  Workers: %d (strategy: %s, autoscale: %t)\n", cfg.Pool.Workers, cfg.Pool.Strategy, cfg.Pool.Autoscale)
	fmt.Printf("  Dispatch interval: %v\n", cfg.Processor.DispatchInterval())
	fmt.Printf("  Scheduler interval: %v\n", cfg.Scheduler.CheckInterval())
	fmt.Printf("  Metrics interval: %v\n", cfg.Monitor.Interval())
	fmt.Printf("  Database: %s\n", cfg.Database.Path)
	fmt.Printf("\n%s Press Ctrl+C for graceful shutdown\n\n", sym.Wheel)

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	pterm.Info.Printf("\n%s Initiating graceful shutdown...\n", sym.Wheel)

	// Stop components in reverse order of startup. The pool drains worker
	// processors before the queue flushes its final state.
	mon.Stop()
	sched.Stop()
	pool.Stop()
	q.Shutdown()

	pterm.Success.Printf("%s Flywheel daemon stopped\n", sym.Wheel)
	return nil
}
