package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/scrapeloop/schedbench/internal/api"
	"github.com/scrapeloop/schedbench/internal/app"
	"github.com/scrapeloop/schedbench/internal/clock/system"
	internalconfig "github.com/scrapeloop/schedbench/internal/config"
	"github.com/scrapeloop/schedbench/internal/logging"
	"github.com/scrapeloop/schedbench/internal/metrics"
	"github.com/scrapeloop/schedbench/internal/report"
	"github.com/scrapeloop/schedbench/internal/scheduler"
	"github.com/scrapeloop/schedbench/internal/telemetry"
)

// newRunCmd creates the 'run' subcommand, which executes one timed stress
// run against the configured queue service.
func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a timed stress session against the queue service",
		Long: `Generates synthetic jobs for every configured tenant, dispatches them
through the per-tenant concurrency limits, overflows to the remote queue,
and promotes queued jobs on completion. Prints progress while running and a
full latency/correctness report at the end.`,
		RunE: runRunCommand,
	}
	return cmd
}

func runRunCommand(cmd *cobra.Command, _ []string) error {
	cfg, err := internalconfig.Load(viper.GetViper())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.Verbose)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	metrics.Init()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := telemetry.InitTracerProvider(ctx, "schedbench")
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
	}()

	a, err := app.NewApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize services: %w", err)
	}
	defer a.Close()

	if err := a.Client().Health(ctx); err != nil {
		return fmt.Errorf("queue service not healthy: %w", err)
	}

	clk := system.New()
	reporter := report.New(logger, a.Collector())
	sched := scheduler.New(scheduler.Config{
		Duration:           cfg.Duration(),
		WorkerConcurrency:  int64(cfg.Run.WorkerConcurrency),
		JobProcessingDelay: cfg.JobProcessingDelay(),
		ReportInterval:     cfg.ReportInterval(),
		Tiers:              cfg.Tiers,
		OnProgress:         reporter.Progress,
	}, clk, a.IDs(), a.Client(), oracleObserver(a), logger)

	startMillis := clk.Millis()
	startedAt := clk.Now()
	shutdownAPI := startStatusServer(cfg, sched, startMillis, logger)
	defer shutdownAPI()

	logger.Info("starting run",
		zap.String("run_id", a.IDs().RunID()),
		zap.String("service", cfg.Service.URL),
		zap.Duration("duration", cfg.Duration()),
		zap.Int("worker_concurrency", cfg.Run.WorkerConcurrency),
		zap.Int("tenants", len(sched.Tenants())),
	)

	if err := sched.Run(ctx); err != nil {
		return fmt.Errorf("scheduler aborted: %w", err)
	}

	final := reporter.Build(sched.SnapshotNow(startMillis), startedAt, a.Oracle())
	reporter.Log(final)
	persistReport(a, final, logger)
	return nil
}

func oracleObserver(a *app.App) scheduler.CompletionObserver {
	if a.Oracle() == nil {
		return nil
	}
	return a.Oracle()
}

func startStatusServer(cfg internalconfig.Config, sched *scheduler.Scheduler, startMillis int64, logger *zap.Logger) func() {
	if !cfg.API.Enabled {
		return func() {}
	}
	srv := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.API.Port),
		Handler: api.NewServer(func() scheduler.Snapshot {
			return sched.SnapshotNow(startMillis)
		}, logger).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("status server stopped", zap.Error(err))
		}
	}()
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
}

func persistReport(a *app.App, final report.Final, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := a.Store().SaveRun(ctx, final); err != nil {
		logger.Warn("save run summary failed", zap.Error(err))
	}

	payload, err := json.MarshalIndent(final, "", "  ")
	if err != nil {
		logger.Warn("marshal report failed", zap.Error(err))
		return
	}
	objectName := fmt.Sprintf("runs/%s.json", final.RunID)
	if uri, err := a.Archive().PutObject(ctx, objectName, "application/json", bytes.NewReader(payload)); err != nil {
		logger.Warn("archive report failed", zap.Error(err))
	} else if uri != "" {
		logger.Info("report archived", zap.String("uri", uri))
	}

	if id, err := a.Publisher().Publish(ctx, "run-completions", map[string]any{
		"run_id":    final.RunID,
		"generated": final.Generated,
		"completed": final.Completed,
		"clean":     final.Clean(),
	}); err == nil && id != "" {
		logger.Info("run completion published", zap.String("message_id", id))
	}
}
