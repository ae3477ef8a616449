package scheduler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/scrapeloop/schedbench/internal/clock/system"
	"github.com/scrapeloop/schedbench/internal/id"
	"github.com/scrapeloop/schedbench/internal/metrics"
	"github.com/scrapeloop/schedbench/internal/oracle"
	"github.com/scrapeloop/schedbench/internal/queueservice"
	"github.com/scrapeloop/schedbench/internal/queueservice/servicetest"
)

type harness struct {
	sched     *Scheduler
	service   *servicetest.Server
	client    *queueservice.Client
	oracle    *oracle.Oracle
	collector *metrics.Collector
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	service := servicetest.New()
	ts := httptest.NewServer(service.Handler())
	t.Cleanup(ts.Close)

	collector := metrics.NewCollector(1000)
	o := oracle.New()
	client := queueservice.New(queueservice.Config{
		BaseURL:  ts.URL,
		Timeout:  2 * time.Second,
		WorkerID: "worker-test",
	}, collector, o, zap.NewNop())

	ids, err := id.NewGenerator()
	require.NoError(t, err)

	sched := New(cfg, system.New(), ids, client, o, zap.NewNop())
	return &harness{
		sched:     sched,
		service:   service,
		client:    client,
		oracle:    o,
		collector: collector,
	}
}

func singleTierConfig(limit int, jps float64, teamCount int) Config {
	return Config{
		Duration:           2 * time.Second,
		WorkerConcurrency:  32,
		JobProcessingDelay: 200 * time.Millisecond,
		Tiers: []Tier{{
			Name:             "test",
			TeamCount:        teamCount,
			ConcurrencyLimit: limit,
			JobsPerSecond:    jps,
		}},
	}
}

func TestStartJobAtCapacityIsError(t *testing.T) {
	t.Parallel()

	h := newHarness(t, singleTierConfig(1, 1, 1))
	teamID := h.sched.Tenants()[0].TeamID

	_, err := h.sched.StartJob(MainQueueJob{JobID: "j1", TeamID: teamID, Priority: 1}, 0, false, "")
	require.NoError(t, err)
	require.True(t, h.sched.IsAtCapacity(teamID))

	_, err = h.sched.StartJob(MainQueueJob{JobID: "j2", TeamID: teamID, Priority: 1}, 0, false, "")
	require.Error(t, err)
}

func TestStartJobUnknownTenant(t *testing.T) {
	t.Parallel()

	h := newHarness(t, singleTierConfig(1, 1, 1))
	_, err := h.sched.StartJob(MainQueueJob{JobID: "j", TeamID: "nobody"}, 0, false, "")
	require.Error(t, err)
}

func TestGeneratePacesPerTenant(t *testing.T) {
	t.Parallel()

	h := newHarness(t, singleTierConfig(1, 1, 1)) // 1 job/s
	h.sched.generate(1000)
	h.sched.generate(1001) // within the jittered interval

	require.EqualValues(t, 1, h.sched.generated.Load())
	job := h.sched.PickFromMainQueue()
	require.NotNil(t, job)
	require.GreaterOrEqual(t, job.Priority, 1)
	require.LessOrEqual(t, job.Priority, 100)
	require.NotEmpty(t, job.JobID)

	// After a full interval (with jitter headroom) the tenant generates again.
	h.sched.generate(2500)
	require.EqualValues(t, 2, h.sched.generated.Load())
}

func TestCompletableRespectsProcessingDelay(t *testing.T) {
	t.Parallel()

	h := newHarness(t, singleTierConfig(2, 1, 1))
	teamID := h.sched.Tenants()[0].TeamID

	_, err := h.sched.StartJob(MainQueueJob{JobID: "young", TeamID: teamID}, 1000, false, "")
	require.NoError(t, err)
	_, err = h.sched.StartJob(MainQueueJob{JobID: "old", TeamID: teamID}, 0, false, "")
	require.NoError(t, err)

	done := h.sched.Completable(teamID, 1000+h.sched.cfg.JobProcessingDelay.Milliseconds()-1)
	require.Len(t, done, 1)
	require.Equal(t, "old", done[0].JobID)
}

func TestPushToConcurrencyQueueTracksQueuedJobs(t *testing.T) {
	t.Parallel()

	h := newHarness(t, singleTierConfig(1, 1, 1))
	tenant := h.sched.Tenants()[0]

	ok := h.sched.PushToConcurrencyQueue(context.Background(), MainQueueJob{
		JobID: "j1", TeamID: tenant.TeamID, Priority: 7,
	})
	require.True(t, ok)
	require.Equal(t, 1, tenant.QueuedJobs)
	require.Equal(t, 1, h.service.QueueLen(tenant.TeamID))
}

func TestPushFailureLeavesQueuedJobsUnchanged(t *testing.T) {
	t.Parallel()

	h := newHarness(t, singleTierConfig(1, 1, 1))
	h.service.FailPush = func() int { return http.StatusInternalServerError }
	tenant := h.sched.Tenants()[0]

	ok := h.sched.PushToConcurrencyQueue(context.Background(), MainQueueJob{
		JobID: "j1", TeamID: tenant.TeamID, Priority: 7,
	})
	require.False(t, ok)
	require.Zero(t, tenant.QueuedJobs)
}

// Completing one job while higher- and lower-priority work waits remotely
// must promote the most urgent queued job.
func TestCompletionPromotesHighestPriorityClaim(t *testing.T) {
	t.Parallel()

	h := newHarness(t, singleTierConfig(1, 1, 1))
	tenant := h.sched.Tenants()[0]
	ctx := context.Background()

	active, err := h.sched.StartJob(MainQueueJob{JobID: "running", TeamID: tenant.TeamID, Priority: 1}, 0, false, "")
	require.NoError(t, err)

	for _, p := range []struct {
		id       string
		priority int
	}{{"mid", 50}, {"urgent", 10}, {"low", 90}} {
		require.True(t, h.sched.PushToConcurrencyQueue(ctx, MainQueueJob{
			JobID: p.id, TeamID: tenant.TeamID, Priority: p.priority,
		}))
	}
	require.Equal(t, 3, tenant.QueuedJobs)

	claimed := h.sched.CompleteJob(ctx, tenant.TeamID, active)
	require.NotNil(t, claimed)
	require.Equal(t, "urgent", claimed.JobID)
	require.Equal(t, 10, claimed.Priority)
	require.Equal(t, 2, tenant.QueuedJobs)

	// The claim must be started, never silently dropped.
	promoted, err := h.sched.StartJob(*claimed, h.sched.clock.Millis(), true, "key")
	require.NoError(t, err)
	require.True(t, promoted.Promoted)
}

func TestCompleteJobWithoutQueuedWorkReturnsNil(t *testing.T) {
	t.Parallel()

	h := newHarness(t, singleTierConfig(1, 1, 1))
	tenant := h.sched.Tenants()[0]

	active, err := h.sched.StartJob(MainQueueJob{JobID: "only", TeamID: tenant.TeamID}, 0, false, "")
	require.NoError(t, err)

	require.Nil(t, h.sched.CompleteJob(context.Background(), tenant.TeamID, active))
	require.Equal(t, 1, tenant.CompletedJobs)
	require.False(t, h.sched.IsAtCapacity(tenant.TeamID))
}

func TestSingleTenantSaturation(t *testing.T) {
	t.Parallel()

	cfg := singleTierConfig(2, 10, 1)
	h := newHarness(t, cfg)

	require.NoError(t, h.sched.Run(context.Background()))

	snap := h.sched.SnapshotNow(0)
	require.GreaterOrEqual(t, snap.Completed, int64(15), "snapshot: %+v", snap)
	require.GreaterOrEqual(t, snap.Overflowed, int64(1), "expected overflow under saturation")
	require.Zero(t, snap.Active)

	report := h.oracle.Verify()
	require.True(t, report.Clean(), "oracle violations: %+v", report.Violations)

	// Every confirmed push was either claimed or is still queued remotely.
	teamID := h.sched.Tenants()[0].TeamID
	require.Len(t, report.UnclaimedPushes, h.service.QueueLen(teamID))
}

func TestNetworkFaultTolerance(t *testing.T) {
	t.Parallel()

	cfg := singleTierConfig(1, 20, 1)
	cfg.Duration = 3 * time.Second
	cfg.JobProcessingDelay = 50 * time.Millisecond
	h := newHarness(t, cfg)

	var mu sync.Mutex
	fails, total := 0, 0
	h.service.FailPush = func() int {
		mu.Lock()
		defer mu.Unlock()
		total++
		if total%10 < 3 { // deterministic 30% failure
			fails++
			return http.StatusInternalServerError
		}
		return 0
	}

	require.NoError(t, h.sched.Run(context.Background()))

	snap := h.sched.SnapshotNow(0)
	require.Positive(t, snap.Generated)
	accounted := snap.Completed + int64(snap.QueuedRemote)
	require.GreaterOrEqual(t, float64(accounted), 0.7*float64(snap.Generated),
		"accounted %d of %d generated", accounted, snap.Generated)

	report := h.oracle.Verify()
	require.True(t, report.Clean(), "oracle violations: %+v", report.Violations)

	stats := h.collector.StatsFor(metrics.OpPush)
	require.Positive(t, stats.TotalRequests)
	observedRate := float64(stats.TotalRequests-stats.SuccessCount) / float64(stats.TotalRequests)
	require.InDelta(t, 0.3, observedRate, 0.1, "injected failure rate not reflected in metrics")
	require.EqualValues(t, stats.TotalRequests-stats.SuccessCount, h.collector.Breakdown().HTTP5xx)
}

func TestShutdownDrainsToZeroActive(t *testing.T) {
	t.Parallel()

	cfg := singleTierConfig(10, 50, 1)
	cfg.Duration = 10 * time.Second
	cfg.JobProcessingDelay = 100 * time.Millisecond
	h := newHarness(t, cfg)

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.sched.Run(context.Background())
	}()

	time.Sleep(1 * time.Second)
	h.sched.Shutdown()

	hardCap := 3*cfg.JobProcessingDelay + 30*time.Second
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(hardCap):
		t.Fatal("drain did not finish before the hard cap")
	}

	snap := h.sched.SnapshotNow(0)
	require.Zero(t, snap.Active)
	require.Zero(t, snap.InFlight)
}

func TestMixedTiersFavorLargeTier(t *testing.T) {
	t.Parallel()

	cfg := Config{
		Duration:           5 * time.Second,
		WorkerConcurrency:  64,
		JobProcessingDelay: 100 * time.Millisecond,
		Tiers: []Tier{
			{Name: "small", TeamCount: 20, ConcurrencyLimit: 1, JobsPerSecond: 2},
			{Name: "large", TeamCount: 5, ConcurrencyLimit: 10, JobsPerSecond: 20},
		},
	}
	h := newHarness(t, cfg)
	require.NoError(t, h.sched.Run(context.Background()))

	perTeam := map[string]float64{}
	counts := map[string]int{}
	for _, tenant := range h.sched.Tenants() {
		perTeam[tenant.Tier.Name] += float64(tenant.CompletedJobs)
		counts[tenant.Tier.Name]++
	}
	small := perTeam["small"] / float64(counts["small"])
	large := perTeam["large"] / float64(counts["large"])

	require.Positive(t, small)
	ratio := large / small
	require.GreaterOrEqual(t, ratio, 5.0, "ratio %v (large %v, small %v)", ratio, large, small)
	require.LessOrEqual(t, ratio, 15.0, "ratio %v (large %v, small %v)", ratio, large, small)

	require.True(t, h.oracle.Verify().Clean())
}

func TestConcurrencyLimitNeverExceeded(t *testing.T) {
	t.Parallel()

	cfg := singleTierConfig(2, 30, 2)
	cfg.Duration = 1500 * time.Millisecond
	cfg.JobProcessingDelay = 50 * time.Millisecond
	h := newHarness(t, cfg)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			h.sched.mu.Lock()
			for _, tenant := range h.sched.tenants {
				if len(tenant.Active) > tenant.Tier.ConcurrencyLimit {
					h.sched.mu.Unlock()
					panic("concurrency limit exceeded for " + tenant.TeamID)
				}
			}
			h.sched.mu.Unlock()
			time.Sleep(time.Millisecond)
		}
	}()

	require.NoError(t, h.sched.Run(context.Background()))
	close(stop)
	wg.Wait()

	for _, tenant := range h.sched.Tenants() {
		require.LessOrEqual(t, len(tenant.Active), tenant.Tier.ConcurrencyLimit)
	}
}
