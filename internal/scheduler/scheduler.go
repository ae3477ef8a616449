package scheduler

import (
	"context"
	"fmt"
	"math/rand/v2"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/scrapeloop/schedbench/internal/clock/system"
	"github.com/scrapeloop/schedbench/internal/id"
	"github.com/scrapeloop/schedbench/internal/metrics"
	"github.com/scrapeloop/schedbench/internal/queueservice"
)

// QueueClient is the slice of the queue-service client the scheduler drives.
type QueueClient interface {
	Push(ctx context.Context, p queueservice.PushParams) queueservice.Result
	Pop(ctx context.Context, teamID string, blockedCrawlIDs []string) (queueservice.Result, *queueservice.ClaimedJob)
	Complete(ctx context.Context, queueKey string) queueservice.Result
	Release(ctx context.Context, jobID string) queueservice.Result
	ActivePush(ctx context.Context, teamID, jobID string) queueservice.Result
	ActiveRemove(ctx context.Context, teamID, jobID string) queueservice.Result
}

// CompletionObserver receives completion callbacks for promoted jobs. Claim
// and push callbacks live in the client, where those events first become
// known; completion ground truth lives here.
type CompletionObserver interface {
	RecordComplete(jobID, teamID string)
}

// Config controls a scheduler run.
type Config struct {
	Duration           time.Duration
	WorkerConcurrency  int64
	JobProcessingDelay time.Duration
	ReportInterval     time.Duration
	Tiers              []Tier

	// DispatchBatch caps PickMin calls per tick.
	DispatchBatch int
	// OnProgress, when set, receives a snapshot at every report interval and
	// during the drain phase.
	OnProgress func(Snapshot)
}

// Snapshot is a point-in-time view of scheduler state.
type Snapshot struct {
	RunID        string
	ElapsedMs    int64
	Generated    int64
	Completed    int64
	Overflowed   int64
	Promoted     int64
	Active       int
	MainQueueLen int
	OverflowLen  int
	QueuedRemote int
	InFlight     int64
	Draining     bool
	Stalled      bool
}

// Saturation guard: when the semaphore has no permits and this many tasks
// are waiting, the tick loop backs off to avoid runaway accumulation.
const maxSemaphoreWaiters = 1000

// poisonPushLimit is how many consecutive 4xx push failures mark a job as
// poison and route it to release.
const poisonPushLimit = 3

// Scheduler owns per-tenant state, the main queue, the overflow buffer, the
// worker semaphore, and the promotion logic. All state mutations happen
// under one mutex; semaphore-bounded tasks own only HTTP I/O and the
// client-side observer callbacks.
type Scheduler struct {
	cfg    Config
	clock  *system.Clock
	ids    *id.Generator
	client QueueClient
	oracle CompletionObserver
	log    *zap.Logger

	mu        sync.Mutex
	tenants   []*Tenant
	byTeam    map[string]*Tenant
	queue     *mainQueue
	overflow  []MainQueueJob
	pushFails map[string]int

	generated  atomic.Int64
	completed  atomic.Int64
	overflowed atomic.Int64
	promoted   atomic.Int64

	sem        *semaphore.Weighted
	semInUse   atomic.Int64
	semWaiters atomic.Int64
	inFlight   atomic.Int64

	rng      *rand.Rand
	shutdown atomic.Bool
	draining atomic.Bool
	stalled  atomic.Bool

	fatalOnce sync.Once
	fatalErr  atomic.Pointer[error]
}

// New builds a Scheduler and its tenants from the configured tiers.
func New(cfg Config, clk *system.Clock, ids *id.Generator, client QueueClient, obs CompletionObserver, log *zap.Logger) *Scheduler {
	if cfg.DispatchBatch <= 0 {
		cfg.DispatchBatch = 100
	}
	if cfg.WorkerConcurrency <= 0 {
		cfg.WorkerConcurrency = 64
	}
	if cfg.ReportInterval <= 0 {
		cfg.ReportInterval = 5 * time.Second
	}

	s := &Scheduler{
		cfg:       cfg,
		clock:     clk,
		ids:       ids,
		client:    client,
		oracle:    obs,
		log:       log,
		byTeam:    make(map[string]*Tenant),
		queue:     newMainQueue(),
		pushFails: make(map[string]int),
		sem:       semaphore.NewWeighted(cfg.WorkerConcurrency),
		rng:       rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}

	for i := range cfg.Tiers {
		tier := &cfg.Tiers[i]
		for n := 0; n < tier.TeamCount; n++ {
			t := &Tenant{
				TeamID:       TeamID(tier.Name, n),
				Tier:         tier,
				Active:       make(map[string]*ActiveJob),
				LastPushTime: -1,
			}
			s.tenants = append(s.tenants, t)
			s.byTeam[t.TeamID] = t
		}
	}
	return s
}

// Tenants returns the tenant list. Callers must not mutate tenant state.
func (s *Scheduler) Tenants() []*Tenant {
	return s.tenants
}

// Shutdown asks the run loop to stop generating and move to the drain phase.
func (s *Scheduler) Shutdown() {
	s.shutdown.Store(true)
}

// Run drives the phase loop until the configured duration elapses, the
// context is canceled, or Shutdown is called, then drains. It returns an
// error only for fatal conditions (invariant violations).
func (s *Scheduler) Run(ctx context.Context) error {
	start := s.clock.Millis()
	deadline := start + s.cfg.Duration.Milliseconds()
	lastReport := start

	for {
		if err := s.fatal(); err != nil {
			return err
		}
		now := s.clock.Millis()
		if now >= deadline || s.shutdown.Load() || ctx.Err() != nil {
			break
		}

		s.generate(now)
		s.drainOverflow(ctx)
		s.dispatch(ctx)
		s.processCompletions(ctx)

		if s.cfg.OnProgress != nil && s.clock.Millis()-lastReport >= s.cfg.ReportInterval.Milliseconds() {
			lastReport = s.clock.Millis()
			s.cfg.OnProgress(s.SnapshotNow(start))
		}

		// The tail-of-tick yield is the point where HTTP tasks make progress.
		runtime.Gosched()
		if s.semInUse.Load() >= s.cfg.WorkerConcurrency && s.semWaiters.Load() > maxSemaphoreWaiters {
			time.Sleep(10 * time.Millisecond)
		} else {
			time.Sleep(time.Millisecond)
		}
	}

	if err := s.fatal(); err != nil {
		return err
	}
	return s.drain(start)
}

// generate appends a synthetic job for every tenant whose jittered
// per-tenant interval has elapsed. No remote calls.
func (s *Scheduler) generate(now int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.tenants {
		if t.Tier.JobsPerSecond <= 0 {
			continue
		}
		base := 1000.0 / t.Tier.JobsPerSecond
		interval := base * (0.8 + 0.4*s.rng.Float64())
		if t.LastPushTime >= 0 && float64(now-t.LastPushTime) < interval {
			continue
		}

		job := MainQueueJob{
			JobID:     s.ids.JobID(t.TeamID, t.JobCounter),
			TeamID:    t.TeamID,
			Priority:  1 + s.rng.IntN(100),
			CreatedAt: s.clock.NowMillis(),
		}
		if s.rng.Float64() < 0.2 {
			job.CrawlID = s.ids.CrawlID(t.TeamID, t.JobCounter)
		}
		t.JobCounter++
		t.LastPushTime = now
		s.queue.Push(job)
		s.generated.Add(1)
		metrics.ObserveGenerated()
	}
}

// PickFromMainQueue removes and returns the globally highest-priority job.
// Capacity is the caller's concern.
func (s *Scheduler) PickFromMainQueue() *MainQueueJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.PickMin()
}

// IsAtCapacity reports whether the tenant has no free concurrency slots.
func (s *Scheduler) IsAtCapacity(teamID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byTeam[teamID]
	return ok && t.atCapacity()
}

// StartJob inserts the job into the tenant's active set. Calling it while
// the tenant is at capacity is a programming error and aborts the run.
func (s *Scheduler) StartJob(job MainQueueJob, now int64, promoted bool, queueKey string) (*ActiveJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byTeam[job.TeamID]
	if !ok {
		return nil, fmt.Errorf("start job %s: unknown tenant %s", job.JobID, job.TeamID)
	}
	active, err := s.startJobLocked(t, job, now, promoted, queueKey)
	if err != nil {
		s.fail(err)
	}
	return active, err
}

func (s *Scheduler) startJobLocked(t *Tenant, job MainQueueJob, now int64, promoted bool, queueKey string) (*ActiveJob, error) {
	if len(t.Active) >= t.Tier.ConcurrencyLimit {
		return nil, fmt.Errorf(
			"start job %s: tenant %s at capacity (%d active, limit %d)",
			job.JobID, t.TeamID, len(t.Active), t.Tier.ConcurrencyLimit,
		)
	}
	active := &ActiveJob{
		JobID:     job.JobID,
		QueueKey:  queueKey,
		StartTime: now,
		Promoted:  promoted,
	}
	t.Active[job.JobID] = active
	metrics.SetActiveJobs(s.activeCountLocked())
	return active, nil
}

// dispatch picks up to DispatchBatch jobs from the main queue while the
// semaphore has capacity, starting each or routing it to overflow.
func (s *Scheduler) dispatch(ctx context.Context) {
	for i := 0; i < s.cfg.DispatchBatch; i++ {
		if s.semInUse.Load() >= s.cfg.WorkerConcurrency {
			return
		}

		s.mu.Lock()
		job := s.queue.PickMin()
		if job == nil {
			s.mu.Unlock()
			return
		}
		t := s.byTeam[job.TeamID]
		if t.atCapacity() {
			s.overflow = append(s.overflow, *job)
			s.mu.Unlock()
			continue
		}
		_, err := s.startJobLocked(t, *job, s.clock.Millis(), false, "")
		s.mu.Unlock()
		if err != nil {
			s.fail(err)
			return
		}

		// Fire-and-forget registration in the service's active tracking. The
		// remote active count is advisory monitoring only.
		teamID, jobID := job.TeamID, job.JobID
		s.spawn(ctx, func(ctx context.Context) {
			s.client.ActivePush(ctx, teamID, jobID)
		})
	}
}

// drainOverflow pushes buffered overflow jobs into the remote concurrency
// queue, one semaphore-bounded task per job. A failed push requeues the job;
// its state is the retry mechanism. Repeated 4xx failures poison the job and
// release it.
func (s *Scheduler) drainOverflow(ctx context.Context) {
	s.mu.Lock()
	pending := s.overflow
	s.overflow = nil
	s.mu.Unlock()

	for i := range pending {
		job := pending[i]
		s.spawn(ctx, func(ctx context.Context) {
			res := s.client.Push(ctx, queueservice.PushParams{
				TeamID:    job.TeamID,
				JobID:     job.JobID,
				Priority:  job.Priority,
				CreatedAt: job.CreatedAt,
				CrawlID:   job.CrawlID,
			})

			s.mu.Lock()
			t := s.byTeam[job.TeamID]
			switch {
			case res.Success:
				t.QueuedJobs++
				s.overflowed.Add(1)
				delete(s.pushFails, job.JobID)
				s.mu.Unlock()
				metrics.ObserveOverflow()
			case res.HTTPStatus >= 400 && res.HTTPStatus < 500:
				s.pushFails[job.JobID]++
				poisoned := s.pushFails[job.JobID] >= poisonPushLimit
				if !poisoned {
					s.overflow = append(s.overflow, job)
				} else {
					delete(s.pushFails, job.JobID)
				}
				s.mu.Unlock()
				if poisoned {
					if s.log != nil {
						s.log.Warn("releasing poison job after repeated rejects",
							zap.String("job_id", job.JobID),
							zap.Int("status", res.HTTPStatus),
						)
					}
					s.client.Release(ctx, job.JobID)
				}
			default:
				// Transient failure: unchanged source state drives the retry
				// on a later tick. It also ends any run of consecutive 4xx.
				delete(s.pushFails, job.JobID)
				s.overflow = append(s.overflow, job)
				s.mu.Unlock()
			}
		})
	}
}

// PushToConcurrencyQueue pushes one job synchronously, incrementing the
// tenant's queued count on success.
func (s *Scheduler) PushToConcurrencyQueue(ctx context.Context, job MainQueueJob) bool {
	res := s.client.Push(ctx, queueservice.PushParams{
		TeamID:    job.TeamID,
		JobID:     job.JobID,
		Priority:  job.Priority,
		CreatedAt: job.CreatedAt,
		CrawlID:   job.CrawlID,
	})
	if res.Failed() {
		return false
	}
	s.mu.Lock()
	s.byTeam[job.TeamID].QueuedJobs++
	s.mu.Unlock()
	s.overflowed.Add(1)
	metrics.ObserveOverflow()
	return true
}

// Completable returns the tenant's active jobs whose processing delay has
// elapsed at now.
func (s *Scheduler) Completable(teamID string, now int64) []*ActiveJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byTeam[teamID]
	if !ok {
		return nil
	}
	return s.completableLocked(t, now)
}

func (s *Scheduler) completableLocked(t *Tenant, now int64) []*ActiveJob {
	delayMs := s.cfg.JobProcessingDelay.Milliseconds()
	var done []*ActiveJob
	for _, a := range t.Active {
		if now-a.StartTime >= delayMs {
			done = append(done, a)
		}
	}
	return done
}

// CompleteJob finishes one active job: removes it from the active set,
// notifies the observer for promoted jobs, acknowledges the remote claim,
// and — when the tenant has jobs queued remotely — pops the next one. A
// successful claim is returned for the caller to start with promoted=true;
// once popped it must be started or released, never dropped.
func (s *Scheduler) CompleteJob(ctx context.Context, teamID string, active *ActiveJob) *MainQueueJob {
	s.mu.Lock()
	t, ok := s.byTeam[teamID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	if _, present := t.Active[active.JobID]; !present {
		s.mu.Unlock()
		return nil
	}
	delete(t.Active, active.JobID)
	t.CompletedJobs++
	shouldPop := t.QueuedJobs > 0
	metrics.SetActiveJobs(s.activeCountLocked())
	s.mu.Unlock()

	s.completed.Add(1)
	metrics.ObserveCompleted()

	if active.Promoted && s.oracle != nil {
		s.oracle.RecordComplete(active.JobID, teamID)
	}
	if active.QueueKey != "" {
		s.client.Complete(ctx, active.QueueKey)
	}
	if !shouldPop {
		return nil
	}

	res, claim := s.client.Pop(ctx, teamID, nil)
	if res.Failed() || claim == nil {
		return nil
	}
	s.mu.Lock()
	t.QueuedJobs--
	s.mu.Unlock()

	return &MainQueueJob{
		JobID:     claim.Job.ID,
		TeamID:    teamID,
		Priority:  claim.Job.Priority,
		CreatedAt: claim.Job.CreatedAt,
		CrawlID:   claim.Job.CrawlID,
	}
}

type completion struct {
	tenant   *Tenant
	active   *ActiveJob
	queueKey string
	reserved bool
}

// processCompletions finds every completable job, removes the remote
// active-tracking entry, completes the claim, and starts promoted
// replacements. Each completion runs as one semaphore-bounded task; the
// capacity slot a promotion will occupy is reserved up front so dispatch
// cannot steal it while the pop is in flight.
func (s *Scheduler) processCompletions(ctx context.Context) {
	now := s.clock.Millis()

	s.mu.Lock()
	var done []completion
	for _, t := range s.tenants {
		for _, a := range s.completableLocked(t, now) {
			delete(t.Active, a.JobID)
			t.CompletedJobs++
			s.completed.Add(1)
			metrics.ObserveCompleted()
			if a.Promoted && s.oracle != nil {
				s.oracle.RecordComplete(a.JobID, t.TeamID)
			}
			c := completion{tenant: t, active: a, queueKey: a.QueueKey}
			if t.QueuedJobs > 0 {
				t.reserved++
				c.reserved = true
			}
			done = append(done, c)
		}
	}
	metrics.SetActiveJobs(s.activeCountLocked())
	s.mu.Unlock()

	for i := range done {
		c := done[i]
		s.spawn(ctx, func(ctx context.Context) {
			s.finishCompletion(ctx, c)
		})
	}
}

func (s *Scheduler) finishCompletion(ctx context.Context, c completion) {
	s.client.ActiveRemove(ctx, c.tenant.TeamID, c.active.JobID)
	if c.queueKey != "" {
		s.client.Complete(ctx, c.queueKey)
	}
	if !c.reserved {
		return
	}

	res, claim := s.client.Pop(ctx, c.tenant.TeamID, nil)

	s.mu.Lock()
	c.tenant.reserved--
	if res.Failed() || claim == nil {
		s.mu.Unlock()
		return
	}
	c.tenant.QueuedJobs--
	job := MainQueueJob{
		JobID:     claim.Job.ID,
		TeamID:    c.tenant.TeamID,
		Priority:  claim.Job.Priority,
		CreatedAt: claim.Job.CreatedAt,
		CrawlID:   claim.Job.CrawlID,
	}
	_, err := s.startJobLocked(c.tenant, job, s.clock.Millis(), true, claim.QueueKey)
	s.mu.Unlock()
	if err != nil {
		s.fail(err)
		return
	}
	s.promoted.Add(1)
	metrics.ObservePromoted()
	s.client.ActivePush(ctx, c.tenant.TeamID, claim.Job.ID)
}

// drain runs completion passes until no jobs remain active, reporting
// progress every report interval, declaring a stall after 10 s without
// movement, and giving up at 3× the processing delay plus 30 s.
func (s *Scheduler) drain(start int64) error {
	s.draining.Store(true)
	hardCap := 3*s.cfg.JobProcessingDelay + 30*time.Second
	drainCtx, cancel := context.WithTimeout(context.Background(), hardCap)
	defer cancel()

	capDeadline := s.clock.Millis() + hardCap.Milliseconds()
	lastReport := s.clock.Millis()
	lastChange := s.clock.Millis()
	lastActive := s.activeCount()

	for {
		now := s.clock.Millis()
		active := s.activeCount()
		if active == 0 && s.inFlight.Load() == 0 {
			return nil
		}
		if now >= capDeadline {
			if s.log != nil {
				s.log.Warn("drain hard cap reached with jobs still active",
					zap.Int("active", active),
					zap.Int64("in_flight", s.inFlight.Load()),
				)
			}
			return nil
		}

		s.processCompletions(drainCtx)

		if active != lastActive {
			lastActive = active
			lastChange = now
			s.stalled.Store(false)
		} else if now-lastChange >= 10_000 && !s.stalled.Load() {
			s.stalled.Store(true)
			if s.log != nil {
				s.log.Warn("drain stalled: active count unchanged for 10s",
					zap.Int("active", active),
				)
			}
		}

		if s.cfg.OnProgress != nil && now-lastReport >= s.cfg.ReportInterval.Milliseconds() {
			lastReport = now
			s.cfg.OnProgress(s.SnapshotNow(start))
		}

		time.Sleep(20 * time.Millisecond)
	}
}

// spawn schedules fn as a semaphore-bounded task and tracks it in the
// in-flight counter the drain phase polls to zero.
func (s *Scheduler) spawn(ctx context.Context, fn func(context.Context)) {
	s.inFlight.Add(1)
	go func() {
		defer s.inFlight.Add(-1)

		s.semWaiters.Add(1)
		err := s.sem.Acquire(ctx, 1)
		s.semWaiters.Add(-1)
		if err != nil {
			return
		}
		s.semInUse.Add(1)
		defer func() {
			s.semInUse.Add(-1)
			s.sem.Release(1)
		}()

		fn(ctx)
	}()
}

func (s *Scheduler) fail(err error) {
	s.fatalOnce.Do(func() {
		s.fatalErr.Store(&err)
		if s.log != nil {
			s.log.Error("scheduler invariant violation", zap.Error(err))
		}
	})
}

func (s *Scheduler) fatal() error {
	if p := s.fatalErr.Load(); p != nil {
		return *p
	}
	return nil
}

func (s *Scheduler) activeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeCountLocked()
}

func (s *Scheduler) activeCountLocked() int {
	n := 0
	for _, t := range s.tenants {
		n += len(t.Active)
	}
	return n
}

// SnapshotNow captures current counters relative to the run start.
func (s *Scheduler) SnapshotNow(start int64) Snapshot {
	s.mu.Lock()
	active := s.activeCountLocked()
	mainLen := s.queue.Len()
	overflowLen := len(s.overflow)
	queued := 0
	for _, t := range s.tenants {
		queued += t.QueuedJobs
	}
	s.mu.Unlock()

	return Snapshot{
		RunID:        s.ids.RunID(),
		ElapsedMs:    s.clock.Millis() - start,
		Generated:    s.generated.Load(),
		Completed:    s.completed.Load(),
		Overflowed:   s.overflowed.Load(),
		Promoted:     s.promoted.Load(),
		Active:       active,
		MainQueueLen: mainLen,
		OverflowLen:  overflowLen,
		QueuedRemote: queued,
		InFlight:     s.inFlight.Load(),
		Draining:     s.draining.Load(),
		Stalled:      s.stalled.Load(),
	}
}
