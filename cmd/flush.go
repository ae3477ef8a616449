package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/scrapeloop/schedbench/internal/app"
	internalconfig "github.com/scrapeloop/schedbench/internal/config"
	"github.com/scrapeloop/schedbench/internal/logging"
	"github.com/scrapeloop/schedbench/internal/scheduler"
)

// flushPopRate paces flush pops so a drain never hammers the service.
const flushPopRate = 50

// newFlushCmd creates the 'flush' subcommand, which drains the remote
// queues and active-job tracking for every configured tenant.
func newFlushCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flush",
		Short: "Drain the remote queues for all configured tenants",
		Long: `Pops every tenant's remote concurrency queue until empty and clears
the service's active-job tracking. Run this before a stress session so
left-over jobs from earlier runs cannot confuse correctness checking.`,
		RunE: runFlushCommand,
	}
	return cmd
}

func runFlushCommand(cmd *cobra.Command, _ []string) error {
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

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Flushing never needs the oracle or persistence providers.
	cfg.Run.CorrectnessChecking = false
	a, err := app.NewApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize services: %w", err)
	}
	defer a.Close()

	if err := a.Client().Health(ctx); err != nil {
		return fmt.Errorf("queue service not healthy: %w", err)
	}

	limiter := rate.NewLimiter(rate.Limit(flushPopRate), 1)
	flushWorkerID := a.IDs().FlushWorkerID()
	totalQueue, totalActive := 0, 0

	for _, teamID := range teamIDs(cfg.Tiers) {
		result, err := a.Client().FlushTeam(ctx, teamID, flushWorkerID, limiter)
		totalQueue += result.QueueDrained
		totalActive += result.ActiveRemoved
		if err != nil {
			return fmt.Errorf("flush %s: %w", teamID, err)
		}
		if result.QueueDrained > 0 || result.ActiveRemoved > 0 {
			logger.Info("flushed tenant",
				zap.String("team_id", teamID),
				zap.Int("queue_drained", result.QueueDrained),
				zap.Int("active_removed", result.ActiveRemoved),
			)
		}
	}

	logger.Info("flush finished",
		zap.Int("queue_drained", totalQueue),
		zap.Int("active_removed", totalActive),
	)
	return nil
}

func teamIDs(tiers []scheduler.Tier) []string {
	var ids []string
	for _, tier := range tiers {
		for n := 0; n < tier.TeamCount; n++ {
			ids = append(ids, scheduler.TeamID(tier.Name, n))
		}
	}
	return ids
}
