// Command orchard-server runs the submission and status API in front of the
// shared queue.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"orchard/internal/domain/workflow"
	auditinfra "orchard/internal/infra/audit"
	taskinfra "orchard/internal/infra/task"
	"orchard/internal/observability"
	"orchard/internal/orchestrator"
	"orchard/internal/server"
	"orchard/internal/shared/config"
	"orchard/internal/shared/logging"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "orchard-server",
		Short:         "Serves the task submission and status API",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	return cmd
}

func run(configPath string) error {
	cfg, err := config.LoadServer(configPath)
	if err != nil {
		return err
	}
	logging.SetDefault(os.Stderr, logging.ParseLevel(cfg.LogLevel))
	logger := logging.NewComponentLogger("Main")

	metrics, err := observability.NewMetricsCollector(observability.Config{
		Enabled:        cfg.MetricsEnabled,
		PrometheusPort: cfg.MetricsPort,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := taskinfra.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	store := taskinfra.NewPostgresStore(pool)
	defer store.Close()
	auditStore := auditinfra.NewPostgresStore(pool)

	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}
	if err := auditStore.EnsureSchema(ctx); err != nil {
		return err
	}

	defs, err := workflow.LoadDir(cfg.WorkflowDir)
	if err != nil {
		return err
	}
	defReg, err := orchestrator.NewDefinitionRegistry(defs)
	if err != nil {
		return err
	}
	logger.Info("Loaded %d workflow definition(s) from %s", len(defs), cfg.WorkflowDir)

	srv, err := server.New(cfg, store, auditStore, defReg, metrics)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := metrics.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Metrics shutdown: %v", err)
	}
	return nil
}
