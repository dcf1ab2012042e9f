// Package api exposes the operator surface: Prometheus metrics, health
// and status probes, the recent audit trail and manual admission for the
// holding policy. It is an internal port, never player-facing.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/crosslink-mc/crosslink/internal/audit"
	"github.com/crosslink-mc/crosslink/internal/events"
	"github.com/crosslink-mc/crosslink/internal/session"
)

// Admitter performs out-of-band session transitions: manual-policy
// admissions and moderation unlinks.
type Admitter interface {
	Admit(ctx context.Context, sessionID string) error
	Unlink(ctx context.Context, sessionID string) error
}

// StatusSource aggregates the live numbers /status reports.
type StatusSource struct {
	Bus      *events.Bus
	Sessions *session.Store
	Backlog  func() int
	Breaker  func() string
}

// Server is the admin HTTP server.
type Server struct {
	status   StatusSource
	admitter Admitter
	trail    *audit.Log
	started  time.Time

	http *http.Server
}

// NewServer wires the admin routes.
func NewServer(addr string, status StatusSource, admitter Admitter, trail *audit.Log) *Server {
	s := &Server{
		status:   status,
		admitter: admitter,
		trail:    trail,
		started:  time.Now(),
	}

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/audit/recent", s.handleAuditRecent).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}/admit", s.handleAdmit).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}/unlink", s.handleUnlink).Methods(http.MethodPost)

	s.http = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Run serves until ctx ends, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("[Admin] listening", "addr", s.http.Addr)
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := map[string]any{
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	}
	if s.status.Bus != nil {
		status["bus_subscribers"] = s.status.Bus.SubscriberCount()
	}
	if s.status.Sessions != nil {
		status["sessions_active"] = s.status.Sessions.ActiveCount()
	}
	if s.status.Backlog != nil {
		status["persist_backlog"] = s.status.Backlog()
	}
	if s.status.Breaker != nil {
		status["persist_breaker"] = s.status.Breaker()
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleAuditRecent(w http.ResponseWriter, r *http.Request) {
	if s.trail == nil {
		writeJSON(w, http.StatusOK, []audit.Entry{})
		return
	}
	n := 50
	if raw := r.URL.Query().Get("n"); raw != "" {
		if _, err := fmt.Sscanf(raw, "%d", &n); err != nil || n <= 0 || n > 1000 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "n must be in 1..1000"})
			return
		}
	}
	writeJSON(w, http.StatusOK, s.trail.Recent(n))
}

func (s *Server) handleAdmit(w http.ResponseWriter, r *http.Request) {
	if s.admitter == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "admission gate not wired"})
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.admitter.Admit(r.Context(), id); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	slog.Info("[Admin] manual admission", "session", id)
	writeJSON(w, http.StatusOK, map[string]string{"session": id, "state": "admitted"})
}

func (s *Server) handleUnlink(w http.ResponseWriter, r *http.Request) {
	if s.admitter == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "admission gate not wired"})
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.admitter.Unlink(r.Context(), id); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	slog.Info("[Admin] binding unlinked", "session", id)
	writeJSON(w, http.StatusOK, map[string]string{"session": id, "state": "unlinked"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("[Admin] response encode failed", "error", err)
	}
}
