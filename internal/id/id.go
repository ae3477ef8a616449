// Package id provides run, job, and crawl identifier generation.
package id

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// FlushWorkerPrefix marks worker ids used by queue flushing so their pops are
// distinguishable from scheduler pops.
const FlushWorkerPrefix = "flush-"

// Generator mints identifiers scoped to a single run. A run id is eight
// random characters plus the start timestamp, so ids from overlapping runs
// never collide.
type Generator struct {
	runID string
}

// NewGenerator creates a Generator with a fresh run id.
func NewGenerator() (*Generator, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("generate run entropy: %w", err)
	}
	raw := strings.ReplaceAll(u.String(), "-", "")
	return &Generator{
		runID: fmt.Sprintf("%s%d", raw[:8], time.Now().UnixMilli()),
	}, nil
}

// RunID returns the run identifier.
func (g *Generator) RunID() string {
	return g.runID
}

// JobID builds a job id from the run id, team id, and the tenant's counter.
func (g *Generator) JobID(teamID string, counter int) string {
	return fmt.Sprintf("%s-%s-%d", g.runID, teamID, counter)
}

// CrawlID derives a crawl id deterministically from the tenant's counter:
// every ten jobs share one crawl.
func (g *Generator) CrawlID(teamID string, counter int) string {
	return fmt.Sprintf("crawl-%s-%s-%d", g.runID, teamID, counter/10)
}

// WorkerID returns the pop worker id for this run.
func (g *Generator) WorkerID() string {
	return fmt.Sprintf("worker-%s", g.runID)
}

// FlushWorkerID returns the distinct worker id used for flush pops.
func (g *Generator) FlushWorkerID() string {
	return FlushWorkerPrefix + g.WorkerID()
}
