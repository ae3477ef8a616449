package queueservice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/scrapeloop/schedbench/internal/metrics"
)

// Observer receives push and claim callbacks. The client records pushes
// before the request goes out and confirms them only on a 2xx, so the
// observer's view matches where ground truth first becomes known.
type Observer interface {
	RecordPush(jobID, teamID string, priority int, timestamp int64, crawlID string)
	ConfirmPush(jobID string)
	RecordClaim(jobID, teamID string, priority int)
}

// Config controls the Client.
type Config struct {
	// BaseURL is the queue service root, e.g. http://localhost:8090.
	BaseURL string
	// Timeout applies to every scheduler-path call.
	Timeout time.Duration
	// JobTimeout is the per-job timeout forwarded in push and active-push
	// bodies, in milliseconds.
	JobTimeout int64
	// WorkerID identifies this process's pops.
	WorkerID string
	Verbose  bool
}

// Client is the typed queue-service wrapper. Every scheduler-path call
// records exactly one metrics sample.
type Client struct {
	cfg       Config
	http      *http.Client
	collector *metrics.Collector
	observer  Observer
	log       *zap.Logger
}

// New creates a Client. The observer may be nil when correctness checking is
// disabled.
func New(cfg Config, collector *metrics.Collector, observer Observer, log *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 60_000
	}
	return &Client{
		cfg:       cfg,
		http:      &http.Client{Timeout: cfg.Timeout},
		collector: collector,
		observer:  observer,
		log:       log,
	}
}

// Push queues a job in the tenant's remote concurrency queue.
func (c *Client) Push(ctx context.Context, p PushParams) Result {
	if c.observer != nil {
		c.observer.RecordPush(p.JobID, p.TeamID, p.Priority, p.CreatedAt, p.CrawlID)
	}
	data := p.Data
	if data == nil {
		data = map[string]any{"teamId": p.TeamID, "createdAt": p.CreatedAt}
	}
	body := pushRequest{
		TeamID: p.TeamID,
		Job: pushJob{
			ID:       p.JobID,
			Data:     data,
			Priority: p.Priority,
		},
		Timeout: c.cfg.JobTimeout,
		CrawlID: p.CrawlID,
	}
	res := c.call(ctx, metrics.OpPush, http.MethodPost, "/queue/push", body, nil)
	if res.Success && c.observer != nil {
		c.observer.ConfirmPush(p.JobID)
	}
	return res
}

// Pop claims the highest-priority job for the tenant, or returns a nil claim
// when the queue is empty.
func (c *Client) Pop(ctx context.Context, teamID string, blockedCrawlIDs []string) (Result, *ClaimedJob) {
	if blockedCrawlIDs == nil {
		blockedCrawlIDs = []string{}
	}
	body := popRequest{WorkerID: c.cfg.WorkerID, BlockedCrawlIDs: blockedCrawlIDs}

	var claim *ClaimedJob
	res := c.call(ctx, metrics.OpPop, http.MethodPost, "/queue/pop/"+teamID, body, &claim)
	if res.Failed() || claim == nil {
		return res, nil
	}
	if c.observer != nil {
		c.observer.RecordClaim(claim.Job.ID, teamID, claim.Job.Priority)
	}
	return res, claim
}

// Complete acknowledges a claimed job by its queue key.
func (c *Client) Complete(ctx context.Context, queueKey string) Result {
	var out completeResponse
	res := c.call(ctx, metrics.OpComplete, http.MethodPost, "/queue/complete", completeRequest{QueueKey: queueKey}, &out)
	if res.Success && !out.Success {
		res.Success = false
		res.Err = "service reported unsuccessful complete"
	}
	return res
}

// Release returns a job to the queue without completing it.
func (c *Client) Release(ctx context.Context, jobID string) Result {
	return c.call(ctx, metrics.OpRelease, http.MethodPost, "/queue/release", releaseRequest{JobID: jobID}, nil)
}

// ActivePush registers a started job in the service's active-job tracking.
func (c *Client) ActivePush(ctx context.Context, teamID, jobID string) Result {
	body := activePushRequest{TeamID: teamID, JobID: jobID, Timeout: c.cfg.JobTimeout}
	return c.call(ctx, metrics.OpActivePush, http.MethodPost, "/active/push", body, nil)
}

// ActiveRemove drops a job from active-job tracking.
func (c *Client) ActiveRemove(ctx context.Context, teamID, jobID string) Result {
	body := activeRemoveRequest{TeamID: teamID, JobID: jobID}
	return c.call(ctx, metrics.OpActiveRemove, http.MethodDelete, "/active/remove", body, nil)
}

// ActiveCount returns the service-side count of active jobs for the tenant.
// The count is advisory monitoring; it is never reconciled back into local
// state.
func (c *Client) ActiveCount(ctx context.Context, teamID string) (Result, int) {
	var out countResponse
	res := c.call(ctx, metrics.OpActiveCount, http.MethodGet, "/active/count/"+teamID, nil, &out)
	return res, out.Count
}

// TeamQueueCount returns how many jobs the tenant has queued remotely.
func (c *Client) TeamQueueCount(ctx context.Context, teamID string) (Result, int) {
	var out countResponse
	res := c.call(ctx, metrics.OpTeamQueueCount, http.MethodGet, "/queue/count/team/"+teamID, nil, &out)
	return res, out.Count
}

// Health probes the service. It is not metered.
func (c *Client) Health(ctx context.Context) error {
	status, _, err := c.roundTrip(ctx, c.http, http.MethodGet, "/health", nil)
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("health check: service returned %d", status)
	}
	return nil
}

// call performs one metered request. Exactly one metrics record is written
// per invocation: network and parse errors record success=false with no HTTP
// status, non-2xx records carry the truncated response body.
func (c *Client) call(ctx context.Context, op metrics.Operation, method, path string, body, out any) Result {
	start := time.Now()
	status, raw, err := c.roundTrip(ctx, c.http, method, path, body)
	latency := time.Since(start)

	res := Result{HTTPStatus: status}
	switch {
	case err != nil:
		res.Err = err.Error()
		res.HTTPStatus = 0
	case status < 200 || status >= 300:
		res.Err = fmt.Sprintf("unexpected status %d", status)
	default:
		if out != nil && len(raw) > 0 {
			if jsonErr := json.Unmarshal(raw, out); jsonErr != nil {
				res.Err = fmt.Sprintf("decode response: %v", jsonErr)
				res.HTTPStatus = 0
				break
			}
		}
		res.Success = true
	}

	bodyText := ""
	if !res.Success && res.HTTPStatus != 0 {
		bodyText = string(raw)
	}
	c.collector.Record(op, float64(latency.Microseconds())/1000, res.Success, res.HTTPStatus, res.Err, bodyText)
	metrics.ObserveQueueOperation(op, res.Success, latency)

	if !res.Success && c.cfg.Verbose && c.log != nil {
		c.log.Warn("queue service call failed",
			zap.String("operation", string(op)),
			zap.String("path", path),
			zap.Int("status", res.HTTPStatus),
			zap.String("error", res.Err),
		)
	}
	return res
}

func (c *Client) roundTrip(ctx context.Context, hc *http.Client, method, path string, body any) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, raw, nil
}
