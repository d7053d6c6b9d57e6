// Command orchard-worker runs one worker process: a set of concurrent
// lifecycle machines claiming tasks from the shared queue.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"orchard/internal/agent"
	auditdomain "orchard/internal/domain/audit"
	taskdomain "orchard/internal/domain/task"
	"orchard/internal/domain/workflow"
	auditinfra "orchard/internal/infra/audit"
	taskinfra "orchard/internal/infra/task"
	"orchard/internal/notify"
	"orchard/internal/observability"
	"orchard/internal/orchestrator"
	"orchard/internal/shared/clock"
	"orchard/internal/shared/config"
	"orchard/internal/shared/logging"
	"orchard/internal/tools"
	"orchard/internal/worker"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	var dev bool

	cmd := &cobra.Command{
		Use:           "orchard-worker",
		Short:         "Claims and executes tasks from the orchard queue",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, dev)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	cmd.Flags().BoolVar(&dev, "dev", false, "run against in-memory stores")
	return cmd
}

func run(configPath string, dev bool) error {
	cfg, err := loadConfig(configPath, dev)
	if err != nil {
		return err
	}
	logging.SetDefault(os.Stderr, logging.ParseLevel(cfg.LogLevel))
	logger := logging.NewComponentLogger("Main")
	logger.Info("Starting worker %s (concurrency %d)", cfg.WorkerID, cfg.Concurrency)

	metrics, err := observability.NewMetricsCollector(observability.Config{
		Enabled:        cfg.MetricsEnabled,
		PrometheusPort: cfg.MetricsPort,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, auditStore, ensureSchema, cleanup, err := buildStores(ctx, cfg, dev)
	if err != nil {
		return err
	}
	defer cleanup()

	defs, err := workflow.LoadDir(cfg.WorkflowDir)
	if err != nil {
		return err
	}
	defReg, err := orchestrator.NewDefinitionRegistry(defs)
	if err != nil {
		return err
	}
	logger.Info("Loaded %d workflow definition(s) from %s", len(defs), cfg.WorkflowDir)

	agents, err := agent.NewRegistry()
	if err != nil {
		return err
	}
	toolReg, err := tools.NewRegistry()
	if err != nil {
		return err
	}

	clk := clock.System()
	orch := orchestrator.New(store, auditStore, metrics, clk, defReg)
	router := worker.NewRouter(agents, toolReg, orch)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.Concurrency; i++ {
		workerID := cfg.WorkerID
		if cfg.Concurrency > 1 {
			workerID = fmt.Sprintf("%s#%d", workerID, i+1)
		}
		lease := worker.NewLeaseManager(store, auditStore, metrics, clk, workerID, cfg.LeaseDuration)
		taskMachine := worker.NewTaskMachine(lease, store, auditStore, notify.Nop{}, metrics, router, clk)
		machine := worker.NewMachine(lease, taskMachine, metrics, clk, worker.Options{
			PollMinInterval:  cfg.PollMinInterval,
			PollMaxInterval:  cfg.PollMaxInterval,
			RecoveryInterval: cfg.RecoveryInterval,
			ShutdownTimeout:  cfg.ShutdownTimeout,
			EnsureSchema:     ensureSchema,
		})
		g.Go(func() error { return machine.Run(gctx) })
	}

	err = g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if mErr := metrics.Shutdown(shutdownCtx); mErr != nil {
		logger.Warn("Metrics shutdown: %v", mErr)
	}
	return err
}

func loadConfig(configPath string, dev bool) (config.Worker, error) {
	if dev && os.Getenv("ORCHARD_DATABASE_URL") == "" {
		os.Setenv("ORCHARD_DATABASE_URL", "memory://dev")
	}
	return config.LoadWorker(configPath)
}

// buildStores wires either the Postgres pair or the in-memory pair, returning
// the schema hook run during CONNECTING and a cleanup for shutdown.
func buildStores(ctx context.Context, cfg config.Worker, dev bool) (taskdomain.Store, auditdomain.Store, func(context.Context) error, func(), error) {
	if dev {
		store := taskinfra.NewMemoryStore()
		return store, auditinfra.NewMemoryStore(), store.EnsureSchema, func() {}, nil
	}

	pool, err := taskinfra.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	store := taskinfra.NewPostgresStore(pool)
	auditStore := auditinfra.NewPostgresStore(pool)
	ensure := func(ctx context.Context) error {
		if err := store.EnsureSchema(ctx); err != nil {
			return err
		}
		return auditStore.EnsureSchema(ctx)
	}
	return store, auditStore, ensure, store.Close, nil
}
