// Package report renders live progress and the end-of-run report, and
// persists run summaries.
package report

import (
	"time"

	"go.uber.org/zap"

	"github.com/scrapeloop/schedbench/internal/metrics"
	"github.com/scrapeloop/schedbench/internal/oracle"
	"github.com/scrapeloop/schedbench/internal/scheduler"
)

// recentErrorCount bounds the error tail shown in the final report.
const recentErrorCount = 10

// Final is the complete end-of-run report.
type Final struct {
	RunID      string                              `json:"run_id"`
	StartedAt  time.Time                           `json:"started_at"`
	FinishedAt time.Time                           `json:"finished_at"`
	Generated  int64                               `json:"generated"`
	Completed  int64                               `json:"completed"`
	Overflowed int64                               `json:"overflowed"`
	Promoted   int64                               `json:"promoted"`
	Operations map[metrics.Operation]metrics.Stats `json:"operations"`
	Errors     metrics.ErrorBreakdown              `json:"errors"`
	RecentErrs []metrics.Record                    `json:"recent_errors"`
	Oracle     *oracle.Report                      `json:"oracle,omitempty"`
}

// Clean reports whether the run finished without oracle violations. Runs
// without correctness checking are trivially clean.
func (f Final) Clean() bool {
	return f.Oracle == nil || f.Oracle.Clean()
}

// Reporter logs progress snapshots and assembles the final report.
type Reporter struct {
	log       *zap.Logger
	collector *metrics.Collector
}

// New creates a Reporter.
func New(log *zap.Logger, collector *metrics.Collector) *Reporter {
	return &Reporter{log: log, collector: collector}
}

// Progress logs one live snapshot.
func (r *Reporter) Progress(snap scheduler.Snapshot) {
	r.log.Info("progress",
		zap.Int64("elapsed_ms", snap.ElapsedMs),
		zap.Int64("generated", snap.Generated),
		zap.Int64("completed", snap.Completed),
		zap.Int64("overflowed", snap.Overflowed),
		zap.Int64("promoted", snap.Promoted),
		zap.Int("active", snap.Active),
		zap.Int("main_queue", snap.MainQueueLen),
		zap.Int("queued_remote", snap.QueuedRemote),
		zap.Int64("in_flight", snap.InFlight),
		zap.Bool("draining", snap.Draining),
		zap.Bool("stalled", snap.Stalled),
	)
	for _, op := range r.collector.Operations() {
		stats := r.collector.StatsFor(op)
		if stats.TotalRequests == 0 {
			continue
		}
		r.log.Info("operation",
			zap.String("operation", string(op)),
			zap.Int64("requests", stats.TotalRequests),
			zap.Float64("success_rate", stats.SuccessRate),
			zap.Float64("p50_ms", stats.P50),
			zap.Float64("p99_ms", stats.P99),
		)
	}
	if total := r.collector.TotalErrors(); total > 0 {
		r.log.Warn("errors so far", zap.Int64("total", total), zap.Any("breakdown", r.collector.Breakdown()))
	}
}

// Build assembles the final report from the run's collectors.
func (r *Reporter) Build(snap scheduler.Snapshot, startedAt time.Time, o *oracle.Oracle) Final {
	final := Final{
		RunID:      snap.RunID,
		StartedAt:  startedAt,
		FinishedAt: time.Now().UTC(),
		Generated:  snap.Generated,
		Completed:  snap.Completed,
		Overflowed: snap.Overflowed,
		Promoted:   snap.Promoted,
		Operations: make(map[metrics.Operation]metrics.Stats),
		Errors:     r.collector.Breakdown(),
		RecentErrs: r.collector.RecentErrors(recentErrorCount),
	}
	for _, op := range r.collector.Operations() {
		final.Operations[op] = r.collector.StatsFor(op)
	}
	if o != nil {
		report := o.Verify()
		final.Oracle = &report
	}
	return final
}

// Log writes the final report through the logger.
func (r *Reporter) Log(final Final) {
	r.log.Info("run finished",
		zap.String("run_id", final.RunID),
		zap.Int64("generated", final.Generated),
		zap.Int64("completed", final.Completed),
		zap.Int64("overflowed", final.Overflowed),
		zap.Int64("promoted", final.Promoted),
		zap.Int64("errors", final.Errors.Total()),
	)
	for op, stats := range final.Operations {
		r.log.Info("operation stats",
			zap.String("operation", string(op)),
			zap.Int64("requests", stats.TotalRequests),
			zap.Float64("success_rate", stats.SuccessRate),
			zap.Float64("p50_ms", stats.P50),
			zap.Float64("p90_ms", stats.P90),
			zap.Float64("p95_ms", stats.P95),
			zap.Float64("p99_ms", stats.P99),
			zap.Float64("max_ms", stats.Max),
		)
	}
	for _, rec := range final.RecentErrs {
		r.log.Warn("recent error",
			zap.String("operation", string(rec.Op)),
			zap.Int("status", rec.HTTPStatus),
			zap.String("error", rec.ErrorMessage),
			zap.String("body", rec.ResponseBody),
		)
	}
	if final.Oracle == nil {
		return
	}
	if final.Oracle.Clean() {
		r.log.Info("correctness verification passed",
			zap.Int("pushes", final.Oracle.Pushes),
			zap.Int("claims", final.Oracle.Claims),
			zap.Int("unclaimed", len(final.Oracle.UnclaimedPushes)),
		)
		return
	}
	r.log.Error("correctness verification failed",
		zap.Int("violations", len(final.Oracle.Violations)),
		zap.Any("counts", final.Oracle.ViolationCounts),
	)
}
