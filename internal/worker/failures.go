package worker

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lucasnoah/stagehand/internal/analyze"
	"github.com/lucasnoah/stagehand/internal/notify"
	"github.com/lucasnoah/stagehand/internal/orchestrator"
	"github.com/lucasnoah/stagehand/internal/resume"
	"github.com/lucasnoah/stagehand/internal/retry"
	"github.com/lucasnoah/stagehand/internal/workflow"
)

// Analyzer classifies a terminal failure. Interface for testing.
type Analyzer interface {
	Analyze(ctx context.Context, f analyze.Failure) *analyze.FailureAnalysis
}

// Notifier dispatches notifications for an analysis. Interface for testing.
type Notifier interface {
	Notify(ctx context.Context, ev notify.Event) []notify.Delivery
}

// FailureHandler is the coordinator's failure reporter: classify, persist
// (inside the analyzer), then notify. ReportFailure returns immediately;
// the pipeline runs detached so a slow notification channel never blocks
// event handling.
type FailureHandler struct {
	analyzer Analyzer
	notifier Notifier
	logger   *zap.Logger
	timeout  time.Duration
	wg       sync.WaitGroup
}

// NewFailureHandler builds the pipeline glue. Notifier may be nil when
// notifications are disabled.
func NewFailureHandler(analyzer Analyzer, notifier Notifier, logger *zap.Logger) *FailureHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FailureHandler{
		analyzer: analyzer,
		notifier: notifier,
		logger:   logger,
		timeout:  30 * time.Second,
	}
}

// ReportFailure starts the pipeline for one failure and returns. The event's
// own context is already settled at this point, so the pipeline gets a fresh
// deadline instead.
func (h *FailureHandler) ReportFailure(ctx context.Context, f resume.Failure) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		runCtx, cancel := context.WithTimeout(context.Background(), h.timeout)
		defer cancel()
		h.run(runCtx, f)
	}()
}

// Wait blocks until every in-flight pipeline finishes. Used on shutdown and
// in tests.
func (h *FailureHandler) Wait() {
	h.wg.Wait()
}

func (h *FailureHandler) run(ctx context.Context, f resume.Failure) {
	message := ""
	if f.Err != nil {
		message = f.Err.Error()
	}
	an := h.analyzer.Analyze(ctx, analyze.Failure{
		Workflow: f.Workflow,
		Stage:    workflow.Stage(f.Stage),
		Type:     errorClass(f.Err),
		Message:  message,
		Context: map[string]string{
			"event_id": f.EventID,
			"task_id":  strconv.Itoa(f.TaskID),
			"attempts": strconv.Itoa(f.Attempts),
		},
	})
	if h.notifier == nil {
		return
	}
	ev := notify.Event{
		AnalysisID:   an.ID,
		Workflow:     an.Workflow,
		Stage:        an.Stage,
		Severity:     an.Impact.Severity,
		ErrorMessage: an.ErrorMessage,
		Timestamp:    an.Timestamp,
	}
	if an.RootCause != nil {
		ev.RootCause = an.RootCause.Description
	}
	deliveries := h.notifier.Notify(ctx, ev)
	h.logger.Info("failure pipeline finished",
		zap.String("analysis_id", an.ID),
		zap.String("workflow", f.Workflow),
		zap.String("severity", an.Impact.Severity),
		zap.Int("deliveries", len(deliveries)))
}

// errorClass maps the terminal error to a coarse class for pattern
// matching. The full chain stays available in the message.
func errorClass(err error) string {
	var open *retry.BreakerOpenError
	var exhausted *retry.ExhaustedError
	var timeout *retry.AttemptTimeoutError
	var apiErr *orchestrator.APIError
	switch {
	case errors.As(err, &open):
		return "circuit_breaker_open"
	case errors.As(err, &exhausted):
		return "exhausted_retries"
	case errors.As(err, &timeout):
		return "attempt_timeout"
	case errors.As(err, &apiErr):
		return "api_error"
	default:
		return "error"
	}
}
