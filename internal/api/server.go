// Package api exposes the read-only status HTTP interface for a running
// stress session.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/scrapeloop/schedbench/internal/metrics"
	"github.com/scrapeloop/schedbench/internal/middleware"
	"github.com/scrapeloop/schedbench/internal/scheduler"
)

// Server wires the status routes to a snapshot source.
type Server struct {
	router   chi.Router
	snapshot func() scheduler.Snapshot
	log      *zap.Logger
}

// NewServer constructs a Server around a snapshot function.
func NewServer(snapshot func() scheduler.Snapshot, log *zap.Logger) *Server {
	s := &Server{
		snapshot: snapshot,
		log:      log,
	}
	r := chi.NewRouter()
	r.Use(middleware.Metrics)
	r.Get("/healthz", s.healthz)
	r.Get("/metrics", metrics.Handler().ServeHTTP)
	r.Get("/status", s.status)
	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.snapshot())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil && s.log != nil {
		s.log.Error("write response failed", zap.Error(err))
	}
}
