package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	schedulerJobsGeneratedTotal prometheus.Counter
	schedulerJobsCompletedTotal prometheus.Counter
	schedulerJobsOverflowTotal  prometheus.Counter
	schedulerJobsPromotedTotal  prometheus.Counter
	schedulerActiveJobs         prometheus.Gauge
	queueOperationsTotal        *prometheus.CounterVec
	queueOperationSeconds       *prometheus.HistogramVec
	httpRequestsTotal           *prometheus.CounterVec
	httpRequestDurationSeconds  *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		schedulerJobsGeneratedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "schedbench_jobs_generated_total",
				Help: "Total number of synthetic jobs generated into the main queue.",
			},
		)

		schedulerJobsCompletedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "schedbench_jobs_completed_total",
				Help: "Total number of jobs completed across all tenants.",
			},
		)

		schedulerJobsOverflowTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "schedbench_jobs_overflow_total",
				Help: "Total number of jobs pushed to the remote concurrency queue.",
			},
		)

		schedulerJobsPromotedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "schedbench_jobs_promoted_total",
				Help: "Total number of jobs claimed back from the remote queue on completion.",
			},
		)

		schedulerActiveJobs = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "schedbench_active_jobs",
				Help: "Number of jobs currently active across all tenants.",
			},
		)

		queueOperationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "schedbench_queue_operations_total",
				Help: "Total queue-service calls, labeled by operation and outcome.",
			},
			[]string{"operation", "outcome"},
		)

		queueOperationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "schedbench_queue_operation_duration_seconds",
				Help:    "Histogram of queue-service call latencies, labeled by operation.",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"operation"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"method", "route"},
		)
	})
}

// ObserveHTTPRequest increments the status-server HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveQueueOperation increments the queue-service call metrics.
func ObserveQueueOperation(op Operation, success bool, duration time.Duration) {
	if queueOperationsTotal == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	queueOperationsTotal.WithLabelValues(string(op), outcome).Inc()
	queueOperationSeconds.WithLabelValues(string(op)).Observe(duration.Seconds())
}

// ObserveGenerated increments the generated-jobs counter.
func ObserveGenerated() {
	if schedulerJobsGeneratedTotal != nil {
		schedulerJobsGeneratedTotal.Inc()
	}
}

// ObserveCompleted increments the completed-jobs counter.
func ObserveCompleted() {
	if schedulerJobsCompletedTotal != nil {
		schedulerJobsCompletedTotal.Inc()
	}
}

// ObserveOverflow increments the overflow-push counter.
func ObserveOverflow() {
	if schedulerJobsOverflowTotal != nil {
		schedulerJobsOverflowTotal.Inc()
	}
}

// ObservePromoted increments the promotion counter.
func ObservePromoted() {
	if schedulerJobsPromotedTotal != nil {
		schedulerJobsPromotedTotal.Inc()
	}
}

// SetActiveJobs sets the active-jobs gauge.
func SetActiveJobs(n int) {
	if schedulerActiveJobs != nil {
		schedulerActiveJobs.Set(float64(n))
	}
}
