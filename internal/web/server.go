// Package web serves the stagehand JSON API: event ingestion for the worker
// pool, status and history surfaces over the event store, and the Prometheus
// text endpoint.
package web

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/lucasnoah/stagehand/internal/breaker"
	"github.com/lucasnoah/stagehand/internal/db"
	"github.com/lucasnoah/stagehand/internal/events"
	"github.com/lucasnoah/stagehand/internal/metrics"
	"github.com/lucasnoah/stagehand/internal/notify"
)

// Queue accepts envelopes for asynchronous processing. Interface for
// testing.
type Queue interface {
	Enqueue(env *events.Envelope) error
	Depth() int
}

// Breakers exposes circuit breaker state per stage. Interface for testing.
type Breakers interface {
	Stages() []string
	Breaker(stage string) (*breaker.Breaker, bool)
}

// Limiter exposes notification rate limiter state. Interface for testing.
type Limiter interface {
	LimiterState() map[string]notify.WindowState
}

// Store is the slice of the event store the API reads. Interface for
// testing.
type Store interface {
	Conn() *sql.DB
	Rebind(string) string
	ListRecentResumes(limit int) ([]db.ResumeRecord, error)
	ListResumesForTask(taskID, limit int) ([]db.ResumeRecord, error)
	ListUnresolvedAnalyses(limit int) ([]db.AnalysisRecord, error)
	ListRecentNotifications(limit int) ([]db.NotificationRecord, error)
}

// Server is the stagehand API server.
type Server struct {
	queue    Queue
	breakers Breakers
	limiter  Limiter
	store    Store
	metrics  *metrics.Registry
	logger   *zap.Logger
	port     int
	version  string
	started  time.Time
	now      func() time.Time
}

// NewServer wires the API server. Limiter and store may be nil; the
// endpoints that need them degrade instead of failing.
func NewServer(queue Queue, breakers Breakers, limiter Limiter, store Store, reg *metrics.Registry, port int, version string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = metrics.NewRegistry()
	}
	return &Server{
		queue:    queue,
		breakers: breakers,
		limiter:  limiter,
		store:    store,
		metrics:  reg,
		logger:   logger,
		port:     port,
		version:  version,
		started:  time.Now(),
		now:      time.Now,
	}
}

// Handler returns the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/history", s.handleHistory)
	mux.HandleFunc("/api/failures", s.handleFailures)
	mux.HandleFunc("/api/notifications", s.handleNotifications)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/healthz", s.handleHealthz)
	return mux
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info("api server listening", zap.Int("port", s.port))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("api server shutdown", zap.Error(err))
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}
