// Package scheduler implements the priority-ordered, per-tenant
// concurrency-governed job scheduler with overflow to the remote concurrency
// queue and promotion-on-completion.
package scheduler

import "fmt"

// Tier describes a class of tenants: how many teams it contains, how many
// jobs each may run at once, and how fast each generates synthetic jobs.
type Tier struct {
	Name             string  `mapstructure:"name"`
	TeamCount        int     `mapstructure:"team_count"`
	ConcurrencyLimit int     `mapstructure:"concurrency_limit"`
	JobsPerSecond    float64 `mapstructure:"jobs_per_second"`
}

// TeamID names the nth tenant of a tier. Flush and the scheduler must agree
// on this naming.
func TeamID(tierName string, n int) string {
	return fmt.Sprintf("%s-team-%d", tierName, n)
}

// MainQueueJob is one entry in the process-local main queue. Lower priority
// values are more urgent.
type MainQueueJob struct {
	JobID     string
	TeamID    string
	Priority  int
	CreatedAt int64
	CrawlID   string

	seq uint64
}

// ActiveJob tracks one running job. QueueKey is non-empty only when the job
// was claimed from the remote queue; Promoted marks jobs obtained via
// promotion rather than directly from the main queue.
type ActiveJob struct {
	JobID     string
	QueueKey  string
	StartTime int64
	Promoted  bool
}

// Tenant holds one simulated team's scheduling state. All fields are guarded
// by the scheduler's mutex.
type Tenant struct {
	TeamID string
	Tier   *Tier

	Active        map[string]*ActiveJob
	QueuedJobs    int
	CompletedJobs int
	JobCounter    int
	LastPushTime  int64

	// reserved counts capacity slots held for in-flight promotion pops so a
	// dispatched job cannot steal the slot a claim is about to occupy.
	reserved int
}

func (t *Tenant) atCapacity() bool {
	return len(t.Active)+t.reserved >= t.Tier.ConcurrencyLimit
}
