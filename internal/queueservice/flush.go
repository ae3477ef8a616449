package queueservice

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// Flush timeouts are deliberately separate from the scheduler path: pops get
// a long window, list/delete calls a short one.
const (
	flushPopTimeout    = 10 * time.Second
	flushDeleteTimeout = 5 * time.Second

	// emptyPopsToStop is how many consecutive empty pops declare the queue
	// drained.
	emptyPopsToStop = 3
)

// FlushResult reports what a flush removed.
type FlushResult struct {
	QueueDrained  int
	ActiveRemoved int
}

// FlushTeam drains the tenant's remote queue by popping until three
// consecutive empty results, then clears active-job tracking by listing and
// deleting each id. Flush calls record no metrics and never touch the
// observer; pops use the distinct flush worker id and are paced by the
// limiter so drains stay polite.
func (c *Client) FlushTeam(ctx context.Context, teamID, flushWorkerID string, limiter *rate.Limiter) (FlushResult, error) {
	var result FlushResult

	popClient := &http.Client{Timeout: flushPopTimeout}
	empties := 0
	for empties < emptyPopsToStop {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return result, fmt.Errorf("flush pop wait: %w", err)
			}
		}
		body := popRequest{WorkerID: flushWorkerID, BlockedCrawlIDs: []string{}}
		status, raw, err := c.roundTrip(ctx, popClient, http.MethodPost, "/queue/pop/"+teamID, body)
		if err != nil {
			return result, fmt.Errorf("flush pop: %w", err)
		}
		if status < 200 || status >= 300 {
			return result, fmt.Errorf("flush pop: service returned %d", status)
		}

		var claim *ClaimedJob
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &claim); err != nil {
				return result, fmt.Errorf("flush pop decode: %w", err)
			}
		}
		if claim == nil {
			empties++
			continue
		}
		empties = 0
		result.QueueDrained++

		if claim.QueueKey != "" {
			if err := c.flushComplete(ctx, claim.QueueKey); err != nil {
				return result, err
			}
		}
	}

	removed, err := c.flushActive(ctx, teamID)
	result.ActiveRemoved = removed
	if err != nil {
		return result, err
	}
	return result, nil
}

func (c *Client) flushComplete(ctx context.Context, queueKey string) error {
	hc := &http.Client{Timeout: flushDeleteTimeout}
	status, _, err := c.roundTrip(ctx, hc, http.MethodPost, "/queue/complete", completeRequest{QueueKey: queueKey})
	if err != nil {
		return fmt.Errorf("flush complete: %w", err)
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("flush complete: service returned %d", status)
	}
	return nil
}

func (c *Client) flushActive(ctx context.Context, teamID string) (int, error) {
	hc := &http.Client{Timeout: flushDeleteTimeout}

	status, raw, err := c.roundTrip(ctx, hc, http.MethodGet, "/active/jobs/"+teamID, nil)
	if err != nil {
		return 0, fmt.Errorf("flush list active: %w", err)
	}
	if status < 200 || status >= 300 {
		return 0, fmt.Errorf("flush list active: service returned %d", status)
	}

	var jobIDs []string
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &jobIDs); err != nil {
			return 0, fmt.Errorf("flush list active decode: %w", err)
		}
	}

	removed := 0
	for _, jobID := range jobIDs {
		body := activeRemoveRequest{TeamID: teamID, JobID: jobID}
		status, _, err := c.roundTrip(ctx, hc, http.MethodDelete, "/active/remove", body)
		if err != nil {
			return removed, fmt.Errorf("flush remove active %s: %w", jobID, err)
		}
		if status < 200 || status >= 300 {
			return removed, fmt.Errorf("flush remove active %s: service returned %d", jobID, status)
		}
		removed++
	}
	return removed, nil
}
