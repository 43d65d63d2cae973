package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lucasnoah/stagehand/internal/events"
	"github.com/lucasnoah/stagehand/internal/metrics"
	"github.com/lucasnoah/stagehand/internal/notify"
	"github.com/lucasnoah/stagehand/internal/worker"
)

// BreakerStatus is one stage's breaker in the status response.
type BreakerStatus struct {
	Stage    string `json:"stage"`
	State    string `json:"state"`
	Failures int    `json:"failures"`
}

// StatusResponse is the /api/status body.
type StatusResponse struct {
	Version     string                        `json:"version"`
	UptimeSecs  int64                         `json:"uptime_seconds"`
	QueueDepth  int                           `json:"queue_depth"`
	Breakers    []BreakerStatus               `json:"breakers"`
	RateLimiter map[string]notify.WindowState `json:"rate_limiter,omitempty"`
}

// IngestResponse is the /api/events accepted body.
type IngestResponse struct {
	EventID    string `json:"event_id"`
	Queued     bool   `json:"queued"`
	QueueDepth int    `json:"queue_depth"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Envelopes may carry payload fields beyond the ones correlation
	// reads; unknown fields are ignored, not rejected.
	var env events.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid envelope: "+err.Error())
		return
	}
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.ReceivedAt.IsZero() {
		env.ReceivedAt = s.now()
	}

	if err := s.queue.Enqueue(&env); err != nil {
		if errors.Is(err, worker.ErrQueueFull) {
			s.writeError(w, http.StatusServiceUnavailable, "event queue is full")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.logger.Debug("event accepted",
		zap.String("event_id", env.ID),
		zap.String("event", env.Event),
		zap.String("action", env.Action))
	s.writeJSON(w, http.StatusAccepted, IngestResponse{
		EventID:    env.ID,
		Queued:     true,
		QueueDepth: s.queue.Depth(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := StatusResponse{
		Version:    s.version,
		UptimeSecs: int64(s.now().Sub(s.started).Seconds()),
		QueueDepth: s.queue.Depth(),
		Breakers:   s.breakerStatuses(),
	}
	if s.limiter != nil {
		resp.RateLimiter = s.limiter.LimiterState()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) breakerStatuses() []BreakerStatus {
	stages := s.breakers.Stages()
	sort.Strings(stages)
	out := make([]BreakerStatus, 0, len(stages))
	for _, stage := range stages {
		br, ok := s.breakers.Breaker(stage)
		if !ok {
			continue
		}
		out = append(out, BreakerStatus{
			Stage:    stage,
			State:    string(br.State()),
			Failures: br.Failures(),
		})
	}
	return out
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w, r) {
		return
	}
	limit := queryInt(r, "limit", 50)
	if task := queryInt(r, "task", 0); task > 0 {
		records, err := s.store.ListResumesForTask(task, limit)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, records)
		return
	}

	records, err := s.store.ListRecentResumes(limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleFailures(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w, r) {
		return
	}
	records, err := s.store.ListUnresolvedAnalyses(queryInt(r, "limit", 50))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w, r) {
		return
	}
	records, err := s.store.ListRecentNotifications(queryInt(r, "limit", 50))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w, r) {
		return
	}
	stats, err := queryStats(s.store, r.URL.Query().Get("since"))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	// Breaker gauges are refreshed at scrape time so stages that haven't
	// run since startup still report their state.
	for _, bs := range s.breakerStatuses() {
		br, ok := s.breakers.Breaker(bs.Stage)
		if !ok {
			continue
		}
		s.metrics.Set(metrics.CircuitBreakerState, map[string]string{"stage": bs.Stage}, br.State().Value())
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_, _ = w.Write([]byte(s.metrics.RenderPrometheus()))
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// requireStore rejects the request when history endpoints have no store or
// the method isn't GET.
func (s *Server) requireStore(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	if s.store == nil {
		s.writeError(w, http.StatusServiceUnavailable, "event store is not configured")
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
