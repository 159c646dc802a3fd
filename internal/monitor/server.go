// Package monitor is an optional HTTP server that exposes a running
// conversion's health, Prometheus metrics, and a live progress feed, so
// a dashboard can watch a multi-hour run without touching the session
// file on disk. It is off by default; the CLI driver works unchanged
// with it disabled.
package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/aarons-labs/gena-coordinator/internal/observability"
	"github.com/aarons-labs/gena-coordinator/internal/scheduler"
)

// ProgressSource is the read-only view the server polls for progress
// snapshots. *scheduler.Scheduler satisfies this.
type ProgressSource interface {
	Progress() scheduler.Progress
}

// Server serves health, metrics, and live progress for one conversion run.
type Server struct {
	sessionID  string
	source     ProgressSource
	metrics    *observability.Metrics
	allowAny   bool
	upgrader   websocket.Upgrader
	pollPeriod time.Duration
}

// New builds a Server. allowAnyOrigin should stay false unless the
// dashboard is intentionally exposed beyond localhost.
func New(sessionID string, source ProgressSource, metrics *observability.Metrics, allowAnyOrigin bool) *Server {
	s := &Server{
		sessionID:  sessionID,
		source:     source,
		metrics:    metrics,
		allowAny:   allowAnyOrigin,
		pollPeriod: time.Second,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if s.allowAny {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// Router builds the HTTP handler: /healthz, /metrics, /ws/progress,
// /latency.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/ws/progress", s.handleProgressWS)
	r.Get("/latency", s.handleLatency)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"session_id": s.sessionID,
	})
}

// handleLatency reports the rolling per-worker synthesis-latency
// window as a point-in-time snapshot.
func (s *Server) handleLatency(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.SnapshotWorkerLatency())
}

// handleProgressWS streams a scheduler.Progress snapshot every
// pollPeriod until the client disconnects or the request context ends.
func (s *Server) handleProgressWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.pollPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(s.source.Progress()); err != nil {
				return
			}
		}
	}
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
