// Package oracle passively observes job pushes, claims, and completions and
// checks that every job is claimed at most once, by the tenant that pushed
// it, and completed only after being claimed.
package oracle

import (
	"fmt"
	"sync"
)

// ViolationKind categorizes a recorded rule violation.
type ViolationKind string

// Violation categories.
const (
	ViolationDoubleClaim     ViolationKind = "double_claim"
	ViolationDoubleComplete  ViolationKind = "double_complete"
	ViolationUnknownClaim    ViolationKind = "unknown_claim"
	ViolationCompleteNoClaim ViolationKind = "complete_before_claim"
	ViolationCrossTenant     ViolationKind = "cross_tenant_claim"
	WarningPriorityInversion ViolationKind = "priority_inversion"
)

// Violation is one recorded rule breach.
type Violation struct {
	Kind   ViolationKind
	JobID  string
	TeamID string
	Detail string
}

// Record tracks the observed lifecycle of a single job.
type Record struct {
	JobID     string
	TeamID    string
	CrawlID   string
	Priority  int
	PushedAt  int64
	Confirmed bool
	Claimed   bool
	Completed bool
}

// Report is the end-of-test verification result. Building it does not
// mutate oracle state.
type Report struct {
	Pushes           int
	ConfirmedPushes  int
	Claims           int
	Completions      int
	UnclaimedPushes  []string
	IncompleteClaims []string
	ViolationCounts  map[ViolationKind]int
	Violations       []Violation
	Warnings         []Violation
}

// Clean reports whether no violations were observed. Warnings do not count.
func (r Report) Clean() bool {
	return len(r.Violations) == 0
}

// Oracle records push, claim, and completion callbacks. All methods are safe
// for concurrent use and never panic on rule violations; breaches surface
// only through Verify.
type Oracle struct {
	mu           sync.Mutex
	records      map[string]*Record
	claims       map[string]struct{}
	lastPriority map[string]int
	violations   []Violation
	warnings     []Violation
}

// New creates an empty Oracle.
func New() *Oracle {
	return &Oracle{
		records:      make(map[string]*Record),
		claims:       make(map[string]struct{}),
		lastPriority: make(map[string]int),
	}
}

// RecordPush registers an intent to push before the request is issued.
func (o *Oracle) RecordPush(jobID, teamID string, priority int, timestamp int64, crawlID string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if rec, ok := o.records[jobID]; ok {
		// A retried push keeps the original record; refresh the payload.
		rec.Priority = priority
		rec.PushedAt = timestamp
		return
	}
	o.records[jobID] = &Record{
		JobID:    jobID,
		TeamID:   teamID,
		CrawlID:  crawlID,
		Priority: priority,
		PushedAt: timestamp,
	}
}

// ConfirmPush marks a push as accepted by the queue service.
func (o *Oracle) ConfirmPush(jobID string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if rec, ok := o.records[jobID]; ok {
		rec.Confirmed = true
	}
}

// RecordClaim registers a successful pop of jobID for teamID with the
// priority the service reported.
func (o *Oracle) RecordClaim(jobID, teamID string, priority int) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, dup := o.claims[jobID]; dup {
		o.violations = append(o.violations, Violation{
			Kind:   ViolationDoubleClaim,
			JobID:  jobID,
			TeamID: teamID,
			Detail: "job claimed more than once",
		})
		return
	}
	o.claims[jobID] = struct{}{}

	rec, known := o.records[jobID]
	switch {
	case !known || !rec.Confirmed:
		o.violations = append(o.violations, Violation{
			Kind:   ViolationUnknownClaim,
			JobID:  jobID,
			TeamID: teamID,
			Detail: "claim for a job that was never push-confirmed",
		})
	case rec.TeamID != teamID:
		o.violations = append(o.violations, Violation{
			Kind:   ViolationCrossTenant,
			JobID:  jobID,
			TeamID: teamID,
			Detail: fmt.Sprintf("pushed for %s but claimed by %s", rec.TeamID, teamID),
		})
	}
	if known {
		rec.Claimed = true
	}

	if last, ok := o.lastPriority[teamID]; ok && priority < last {
		o.warnings = append(o.warnings, Violation{
			Kind:   WarningPriorityInversion,
			JobID:  jobID,
			TeamID: teamID,
			Detail: fmt.Sprintf("claimed priority %d after priority %d", priority, last),
		})
	}
	o.lastPriority[teamID] = priority
}

// RecordComplete registers completion of a promoted job.
func (o *Oracle) RecordComplete(jobID, teamID string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, claimed := o.claims[jobID]; !claimed {
		o.violations = append(o.violations, Violation{
			Kind:   ViolationCompleteNoClaim,
			JobID:  jobID,
			TeamID: teamID,
			Detail: "promoted job completed without an observed claim",
		})
		return
	}
	if rec, ok := o.records[jobID]; ok {
		if rec.Completed {
			o.violations = append(o.violations, Violation{
				Kind:   ViolationDoubleComplete,
				JobID:  jobID,
				TeamID: teamID,
				Detail: "job completed more than once",
			})
			return
		}
		rec.Completed = true
	}
}

// Lookup returns a copy of the record for jobID, if any.
func (o *Oracle) Lookup(jobID string) (Record, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	rec, ok := o.records[jobID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Verify builds the end-of-test report.
func (o *Oracle) Verify() Report {
	o.mu.Lock()
	defer o.mu.Unlock()

	report := Report{
		Pushes:          len(o.records),
		Claims:          len(o.claims),
		ViolationCounts: make(map[ViolationKind]int),
		Violations:      append([]Violation(nil), o.violations...),
		Warnings:        append([]Violation(nil), o.warnings...),
	}
	for _, rec := range o.records {
		if rec.Confirmed {
			report.ConfirmedPushes++
		}
		if rec.Confirmed && !rec.Claimed {
			report.UnclaimedPushes = append(report.UnclaimedPushes, rec.JobID)
		}
		if rec.Claimed && !rec.Completed {
			report.IncompleteClaims = append(report.IncompleteClaims, rec.JobID)
		}
		if rec.Completed {
			report.Completions++
		}
	}
	for _, v := range o.violations {
		report.ViolationCounts[v.Kind]++
	}
	for _, w := range o.warnings {
		report.ViolationCounts[w.Kind]++
	}
	return report
}
