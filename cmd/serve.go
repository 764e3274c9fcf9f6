package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/histoflow/internal/api"
	"github.com/zjrosen/histoflow/internal/config"
	"github.com/zjrosen/histoflow/internal/infrastructure/sqlite"
	"github.com/zjrosen/histoflow/internal/jobs"
	"github.com/zjrosen/histoflow/internal/log"
	"github.com/zjrosen/histoflow/internal/scheduler"
	"github.com/zjrosen/histoflow/internal/service"
	"github.com/zjrosen/histoflow/internal/tracing"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler daemon",
	Long: `Run the scheduler and its HTTP API as a long-lived daemon.

The daemon listens on the configured address (default: localhost:8700) and
provides REST endpoints for creating workflows, appending jobs, reading
rolled-up status, and cancelling jobs, plus an SSE stream of job events.

Example:
  histoflow serve                      # Start on the configured address
  histoflow serve --addr :8080         # Start on port 8080
  histoflow serve --keep-data          # Skip the startup purge`,
	RunE: runServe,
}

var (
	serveAddr     string
	serveKeepData bool
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Address to listen on (overrides config)")
	serveCmd.Flags().BoolVar(&serveKeepData, "keep-data", false, "Keep persisted workflows across restarts (overrides purge_on_start)")
}

func runServe(_ *cobra.Command, _ []string) error {
	// Initialize logging if debug mode enabled (via flag or env var)
	debug := os.Getenv("HISTOFLOW_DEBUG") != "" || debugFlag
	if debug {
		logPath := os.Getenv("HISTOFLOW_LOG")
		if logPath == "" {
			logPath = "debug.log"
		}

		cleanup, err := log.Init(logPath)
		if err != nil {
			return fmt.Errorf("initializing logging: %w", err)
		}
		defer cleanup()

		log.Info(log.CatConfig, "Histoflow daemon starting", "debug", true, "logPath", logPath)
	}

	if serveKeepData {
		cfg.PurgeOnStart = false
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Tracing: fill in the default trace path late so it lands next to the
	// user config, not wherever the process happened to start.
	if cfg.Tracing.Enabled && cfg.Tracing.Exporter == "file" && cfg.Tracing.FilePath == "" {
		cfg.Tracing.FilePath = config.DefaultTracesFilePath()
	}
	provider, err := tracing.NewProvider(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("creating trace provider: %w", err)
	}

	db, err := sqlite.NewDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() { _ = db.Close() }()

	if cfg.PurgeOnStart {
		if err := db.Purge(); err != nil {
			return fmt.Errorf("purging database: %w", err)
		}
		log.Info(log.CatDB, "purged persisted state on startup")
	}

	runtime := jobs.NewRuntime()
	sched := scheduler.New(scheduler.Config{
		MaxWorkers:     cfg.MaxWorkers,
		MaxActiveUsers: cfg.MaxActiveUsers,
		TickInterval:   cfg.TickInterval,
	}, db.JobRepository(), runtime, provider.Tracer())

	svc := service.NewWorkflowService(db.WorkflowRepository(), db.JobRepository(), sched)

	addr := serveAddr
	if addr == "" {
		addr = cfg.Addr
	}
	server, err := api.NewServer(api.ServerConfig{
		Addr:    addr,
		Handler: api.NewHandler(svc, sched),
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	// Handle shutdown signals
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go sched.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	fmt.Printf("Histoflow daemon started on port %d\n", server.Port())
	fmt.Println("Press Ctrl+C to stop")

	// Wait for shutdown signal or error
	select {
	case sig := <-sigCh:
		fmt.Printf("\nReceived %s, shutting down...\n", sig)
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown: stop accepting requests, then interrupt in-flight
	// jobs and wait for their terminal statuses to land.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		log.Error(log.CatHTTP, "Error stopping API server", "error", err)
	}

	cancel()
	sched.Stop()
	sched.Events().Close()

	if err := provider.Shutdown(shutdownCtx); err != nil {
		log.Error(log.CatTrace, "Error shutting down trace provider", "error", err)
	}

	fmt.Println("Daemon stopped")
	return nil
}
