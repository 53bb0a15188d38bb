// Package server exposes the operational endpoints of a running archivist:
// health, prometheus metrics, the job schedule and store statistics.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dukerupert/archivist/internal/middleware"
	"github.com/dukerupert/archivist/internal/model"
	"github.com/dukerupert/archivist/internal/scheduler"
)

// Stats reports store statistics.
type Stats interface {
	Statistics(ctx context.Context) (*model.Statistics, error)
}

// Schedule lists scheduled jobs.
type Schedule interface {
	Entries() []scheduler.Entry
}

type Server struct {
	stats    Stats
	schedule Schedule
	logger   *zap.Logger
}

// New returns a Server. schedule may be nil when scheduling is disabled.
func New(stats Stats, schedule Schedule, logger *zap.Logger) *Server {
	return &Server{
		stats:    stats,
		schedule: schedule,
		logger:   logger.With(zap.String("component", "http")),
	}
}

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.healthHandler)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /schedule", s.scheduleHandler)
	mux.HandleFunc("GET /stats", s.statsHandler)
	return middleware.RequestLogger(s.logger)(mux)
}

// healthHandler reports ok when the metadata store answers.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if _, err := s.stats.Statistics(ctx); err != nil {
		s.logger.Warn("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type scheduleEntry struct {
	Job  string    `json:"job"`
	Spec string    `json:"spec"`
	Next time.Time `json:"next"`
}

func (s *Server) scheduleHandler(w http.ResponseWriter, r *http.Request) {
	out := []scheduleEntry{}
	if s.schedule != nil {
		for _, e := range s.schedule.Entries() {
			out = append(out, scheduleEntry{Job: e.Job, Spec: e.Spec, Next: e.Next})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	st, err := s.stats.Statistics(r.Context())
	if err != nil {
		s.logger.Error("statistics failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "statistics unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
