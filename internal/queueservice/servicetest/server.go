// Package servicetest provides an in-memory queue-service fake for tests.
// It implements the full REST surface: priority-ordered per-team queues,
// queue-key claims, active-job tracking, counts, and health, plus fault
// injection for resilience tests.
package servicetest

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type queuedJob struct {
	ID        string
	Priority  int
	CreatedAt int64
	CrawlID   string
	seq       int64
}

type claimRecord struct {
	teamID string
	job    queuedJob
}

// Server is an in-memory queue service.
type Server struct {
	mu      sync.Mutex
	queues  map[string][]queuedJob
	claims  map[string]claimRecord
	active  map[string]map[string]bool
	seq     int64
	healthy bool

	// FailPush, when non-nil, returns an HTTP status to respond with
	// instead of accepting the push. Return 0 to accept.
	FailPush func() int

	router chi.Router
}

// New creates a healthy Server.
func New() *Server {
	s := &Server{
		queues:  make(map[string][]queuedJob),
		claims:  make(map[string]claimRecord),
		active:  make(map[string]map[string]bool),
		healthy: true,
	}

	r := chi.NewRouter()
	r.Post("/queue/push", s.handlePush)
	r.Post("/queue/pop/{teamID}", s.handlePop)
	r.Post("/queue/complete", s.handleComplete)
	r.Post("/queue/release", s.handleRelease)
	r.Post("/active/push", s.handleActivePush)
	r.Delete("/active/remove", s.handleActiveRemove)
	r.Get("/active/count/{teamID}", s.handleActiveCount)
	r.Get("/active/jobs/{teamID}", s.handleActiveJobs)
	r.Get("/queue/count/team/{teamID}", s.handleTeamQueueCount)
	r.Get("/health", s.handleHealth)
	s.router = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetHealthy flips the health endpoint.
func (s *Server) SetHealthy(healthy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthy = healthy
}

// QueueLen returns the queued-job count for a team.
func (s *Server) QueueLen(teamID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues[teamID])
}

// ActiveLen returns the tracked active-job count for a team.
func (s *Server) ActiveLen(teamID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active[teamID])
}

// Preload inserts a job directly into a team's queue.
func (s *Server) Preload(teamID, jobID string, priority int, crawlID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.queues[teamID] = append(s.queues[teamID], queuedJob{
		ID:        jobID,
		Priority:  priority,
		CreatedAt: time.Now().UnixMilli(),
		CrawlID:   crawlID,
		seq:       s.seq,
	})
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	if s.FailPush != nil {
		if status := s.FailPush(); status != 0 {
			http.Error(w, "injected failure", status)
			return
		}
	}

	var req struct {
		TeamID string `json:"teamId"`
		Job    struct {
			ID       string         `json:"id"`
			Data     map[string]any `json:"data"`
			Priority int            `json:"priority"`
		} `json:"job"`
		CrawlID string `json:"crawlId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.seq++
	s.queues[req.TeamID] = append(s.queues[req.TeamID], queuedJob{
		ID:        req.Job.ID,
		Priority:  req.Job.Priority,
		CreatedAt: time.Now().UnixMilli(),
		CrawlID:   req.CrawlID,
		seq:       s.seq,
	})
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handlePop(w http.ResponseWriter, r *http.Request) {
	teamID := chi.URLParam(r, "teamID")

	s.mu.Lock()
	defer s.mu.Unlock()

	queue := s.queues[teamID]
	if len(queue) == 0 {
		writeJSON(w, http.StatusOK, nil)
		return
	}

	// Lowest priority first, insertion order on ties.
	sort.SliceStable(queue, func(i, j int) bool {
		if queue[i].Priority != queue[j].Priority {
			return queue[i].Priority < queue[j].Priority
		}
		return queue[i].seq < queue[j].seq
	})
	job := queue[0]
	s.queues[teamID] = queue[1:]

	queueKey := uuid.NewString()
	s.claims[queueKey] = claimRecord{teamID: teamID, job: job}

	writeJSON(w, http.StatusOK, map[string]any{
		"job": map[string]any{
			"id":         job.ID,
			"priority":   job.Priority,
			"created_at": job.CreatedAt,
			"crawl_id":   job.CrawlID,
		},
		"queueKey": queueKey,
	})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		QueueKey string `json:"queueKey"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	_, ok := s.claims[req.QueueKey]
	delete(s.claims, req.QueueKey)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]bool{"success": ok})
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req struct {
		JobID string `json:"jobId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	for key, claim := range s.claims {
		if claim.job.ID == req.JobID {
			s.queues[claim.teamID] = append(s.queues[claim.teamID], claim.job)
			delete(s.claims, key)
			break
		}
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleActivePush(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TeamID string `json:"teamId"`
		JobID  string `json:"jobId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	if s.active[req.TeamID] == nil {
		s.active[req.TeamID] = make(map[string]bool)
	}
	s.active[req.TeamID][req.JobID] = true
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleActiveRemove(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TeamID string `json:"teamId"`
		JobID  string `json:"jobId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	delete(s.active[req.TeamID], req.JobID)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleActiveCount(w http.ResponseWriter, r *http.Request) {
	teamID := chi.URLParam(r, "teamID")
	s.mu.Lock()
	count := len(s.active[teamID])
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]int{"count": count})
}

func (s *Server) handleActiveJobs(w http.ResponseWriter, r *http.Request) {
	teamID := chi.URLParam(r, "teamID")
	s.mu.Lock()
	ids := make([]string, 0, len(s.active[teamID]))
	for id := range s.active[teamID] {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)
	writeJSON(w, http.StatusOK, ids)
}

func (s *Server) handleTeamQueueCount(w http.ResponseWriter, r *http.Request) {
	teamID := chi.URLParam(r, "teamID")
	s.mu.Lock()
	count := len(s.queues[teamID])
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]int{"count": count})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	healthy := s.healthy
	s.mu.Unlock()
	if !healthy {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
