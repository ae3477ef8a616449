package queueservice

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/scrapeloop/schedbench/internal/metrics"
	"github.com/scrapeloop/schedbench/internal/oracle"
	"github.com/scrapeloop/schedbench/internal/queueservice/servicetest"
)

func newTestClient(t *testing.T, srv *servicetest.Server, obs Observer) (*Client, *metrics.Collector, *httptest.Server) {
	t.Helper()

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	collector := metrics.NewCollector(100)
	client := New(Config{
		BaseURL:  ts.URL,
		Timeout:  2 * time.Second,
		WorkerID: "worker-test",
	}, collector, obs, zap.NewNop())
	return client, collector, ts
}

func TestPushPopRoundTrip(t *testing.T) {
	t.Parallel()

	srv := servicetest.New()
	o := oracle.New()
	client, collector, _ := newTestClient(t, srv, o)
	ctx := context.Background()

	res := client.Push(ctx, PushParams{
		TeamID:    "team-a",
		JobID:     "job-1",
		Priority:  42,
		CreatedAt: 1234,
		CrawlID:   "crawl-0",
	})
	require.True(t, res.Success)

	popRes, claim := client.Pop(ctx, "team-a", nil)
	require.True(t, popRes.Success)
	require.NotNil(t, claim)
	require.Equal(t, "job-1", claim.Job.ID)
	require.Equal(t, 42, claim.Job.Priority)
	require.Equal(t, "crawl-0", claim.Job.CrawlID)
	require.NotEmpty(t, claim.QueueKey)

	compRes := client.Complete(ctx, claim.QueueKey)
	require.True(t, compRes.Success)

	// Round-trip preserved priority and crawl id through the oracle too.
	rec, ok := o.Lookup("job-1")
	require.True(t, ok)
	require.Equal(t, 42, rec.Priority)
	require.Equal(t, "crawl-0", rec.CrawlID)
	require.True(t, o.Verify().Clean())

	require.EqualValues(t, 1, collector.StatsFor(metrics.OpPush).TotalRequests)
	require.EqualValues(t, 1, collector.StatsFor(metrics.OpPop).TotalRequests)
	require.EqualValues(t, 1, collector.StatsFor(metrics.OpComplete).TotalRequests)
}

func TestPopEmptyQueueReturnsNilClaim(t *testing.T) {
	t.Parallel()

	srv := servicetest.New()
	client, _, _ := newTestClient(t, srv, nil)

	res, claim := client.Pop(context.Background(), "team-a", nil)
	require.True(t, res.Success)
	require.Nil(t, claim)
}

func TestPopOrdersByPriorityWithInsertionTieBreak(t *testing.T) {
	t.Parallel()

	srv := servicetest.New()
	client, _, _ := newTestClient(t, srv, nil)
	ctx := context.Background()

	srv.Preload("team-a", "mid", 50, "")
	srv.Preload("team-a", "urgent", 10, "")
	srv.Preload("team-a", "low", 90, "")
	srv.Preload("team-a", "urgent-later", 10, "")

	var got []string
	for i := 0; i < 4; i++ {
		res, claim := client.Pop(ctx, "team-a", nil)
		require.True(t, res.Success)
		require.NotNil(t, claim)
		got = append(got, claim.Job.ID)
	}
	require.Equal(t, []string{"urgent", "urgent-later", "mid", "low"}, got)
}

func TestPushFailureRecordsMetricsAndSkipsConfirm(t *testing.T) {
	t.Parallel()

	srv := servicetest.New()
	srv.FailPush = func() int { return http.StatusInternalServerError }
	o := oracle.New()
	client, collector, _ := newTestClient(t, srv, o)

	res := client.Push(context.Background(), PushParams{TeamID: "team-a", JobID: "job-1", Priority: 1})
	require.False(t, res.Success)
	require.Equal(t, http.StatusInternalServerError, res.HTTPStatus)

	stats := collector.StatsFor(metrics.OpPush)
	require.EqualValues(t, 1, stats.TotalRequests)
	require.EqualValues(t, 0, stats.SuccessCount)
	require.EqualValues(t, 1, collector.Breakdown().HTTP5xx)

	// Push recorded but never confirmed: a later claim would be unknown.
	rec, ok := o.Lookup("job-1")
	require.True(t, ok)
	require.False(t, rec.Confirmed)
}

func TestNetworkErrorHasNoHTTPStatus(t *testing.T) {
	t.Parallel()

	collector := metrics.NewCollector(10)
	client := New(Config{
		BaseURL: "http://127.0.0.1:1", // nothing listens here
		Timeout: 200 * time.Millisecond,
	}, collector, nil, zap.NewNop())

	res := client.Push(context.Background(), PushParams{TeamID: "t", JobID: "j", Priority: 1})
	require.False(t, res.Success)
	require.Zero(t, res.HTTPStatus)
	require.EqualValues(t, 1, collector.TotalErrors())

	recent := collector.RecentErrors(1)
	require.Len(t, recent, 1)
	require.Zero(t, recent[0].HTTPStatus)
}

func TestHealth(t *testing.T) {
	t.Parallel()

	srv := servicetest.New()
	client, collector, _ := newTestClient(t, srv, nil)

	require.NoError(t, client.Health(context.Background()))

	srv.SetHealthy(false)
	require.Error(t, client.Health(context.Background()))

	// Health probes are not metered.
	require.Empty(t, collector.Operations())
}

func TestActiveTracking(t *testing.T) {
	t.Parallel()

	srv := servicetest.New()
	client, _, _ := newTestClient(t, srv, nil)
	ctx := context.Background()

	require.True(t, client.ActivePush(ctx, "team-a", "job-1").Success)
	require.True(t, client.ActivePush(ctx, "team-a", "job-2").Success)

	res, count := client.ActiveCount(ctx, "team-a")
	require.True(t, res.Success)
	require.Equal(t, 2, count)

	require.True(t, client.ActiveRemove(ctx, "team-a", "job-1").Success)
	res, count = client.ActiveCount(ctx, "team-a")
	require.True(t, res.Success)
	require.Equal(t, 1, count)
}

func TestTeamQueueCount(t *testing.T) {
	t.Parallel()

	srv := servicetest.New()
	client, _, _ := newTestClient(t, srv, nil)

	srv.Preload("team-a", "j1", 1, "")
	srv.Preload("team-a", "j2", 2, "")

	res, count := client.TeamQueueCount(context.Background(), "team-a")
	require.True(t, res.Success)
	require.Equal(t, 2, count)
}

func TestFlushDrainsQueueAndActiveWithoutMetrics(t *testing.T) {
	t.Parallel()

	srv := servicetest.New()
	o := oracle.New()
	client, collector, _ := newTestClient(t, srv, o)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		srv.Preload("team-a", "stale-"+string(rune('a'+i)), i+1, "")
	}
	require.True(t, client.ActivePush(ctx, "team-a", "stale-active").Success)
	activePushRequests := collector.StatsFor(metrics.OpActivePush).TotalRequests

	limiter := rate.NewLimiter(rate.Inf, 1)
	result, err := client.FlushTeam(ctx, "team-a", "flush-worker-test", limiter)
	require.NoError(t, err)
	require.Equal(t, 5, result.QueueDrained)
	require.Equal(t, 1, result.ActiveRemoved)
	require.Zero(t, srv.QueueLen("team-a"))
	require.Zero(t, srv.ActiveLen("team-a"))

	// Flush recorded nothing: pop never metered, active ops unchanged, and
	// the oracle saw no claims.
	require.Zero(t, collector.StatsFor(metrics.OpPop).TotalRequests)
	require.Equal(t, activePushRequests, collector.StatsFor(metrics.OpActivePush).TotalRequests)
	require.Zero(t, o.Verify().Claims)

	// A second flush on the quiesced tenant removes nothing.
	result, err = client.FlushTeam(ctx, "team-a", "flush-worker-test", limiter)
	require.NoError(t, err)
	require.Zero(t, result.QueueDrained)
	require.Zero(t, result.ActiveRemoved)
}

func TestFlushStopsWhenLimiterContextCanceled(t *testing.T) {
	t.Parallel()

	srv := servicetest.New()
	client, _, _ := newTestClient(t, srv, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	limiter := rate.NewLimiter(rate.Limit(0.001), 1)
	limiter.AllowN(time.Now(), 1) // burn the burst so Wait must block

	_, err := client.FlushTeam(ctx, "team-empty", "flush-w", limiter)
	require.Error(t, err)
}
