// Package resume coordinates the handling of one webhook event end to end:
// validate the envelope, correlate it to a waiting workflow, and resume that
// workflow under the stage's retry strategy.
package resume

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lucasnoah/stagehand/internal/correlate"
	"github.com/lucasnoah/stagehand/internal/db"
	"github.com/lucasnoah/stagehand/internal/events"
	"github.com/lucasnoah/stagehand/internal/metrics"
	"github.com/lucasnoah/stagehand/internal/orchestrator"
	"github.com/lucasnoah/stagehand/internal/retry"
)

// Orchestrator is the slice of the API client the coordinator needs.
// Interface for testing.
type Orchestrator interface {
	ResumeWorkflow(ctx context.Context, name string, params map[string]string) (*orchestrator.Workflow, error)
}

// Resolver correlates a resume target to a waiting workflow. Interface for
// testing.
type Resolver interface {
	Resolve(ctx context.Context, t correlate.Target) (*correlate.Match, error)
}

// Store persists resume outcomes. Interface for testing.
type Store interface {
	RecordResume(db.ResumeRecord) error
	MarkResolved(workflow, stage, resolvedAt string) (int, error)
}

// Failure describes a resume that gave up after exhausting its strategy or
// hitting an open breaker.
type Failure struct {
	EventID  string
	TaskID   int
	Workflow string
	Stage    string
	Attempts int
	Err      error
}

// Reporter receives failures for analysis and notification. Implementations
// may process asynchronously.
type Reporter interface {
	ReportFailure(ctx context.Context, f Failure)
}

// Result is the outcome of handling one event.
type Result struct {
	Success          bool     `json:"success"`
	EventID          string   `json:"event_id,omitempty"`
	TaskID           int      `json:"task_id,omitempty"`
	Stage            string   `json:"stage,omitempty"`
	Workflow         string   `json:"workflow,omitempty"`
	Attempts         int      `json:"attempts"`
	DelaysMs         []int64  `json:"delays_ms,omitempty"`
	DurationMs       int64    `json:"duration_ms"`
	Cancelled        []string `json:"cancelled_duplicates,omitempty"`
	ValidationErrors []string `json:"validation_errors,omitempty"`
	Note             string   `json:"note,omitempty"`
	Error            string   `json:"error,omitempty"`
}

// Coordinator drives event handling. All dependencies are injected.
type Coordinator struct {
	orch     Orchestrator
	resolver Resolver
	exec     *retry.Executor
	store    Store
	metrics  *metrics.Registry
	logger   *zap.Logger
	reporter Reporter
	now      func() time.Time
}

// New builds a Coordinator. Store may be nil when persistence is disabled;
// logger and registry fall back to no-ops.
func New(orch Orchestrator, resolver Resolver, exec *retry.Executor, store Store, reg *metrics.Registry, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = metrics.NewRegistry()
	}
	return &Coordinator{
		orch:     orch,
		resolver: resolver,
		exec:     exec,
		store:    store,
		metrics:  reg,
		logger:   logger,
		now:      time.Now,
	}
}

// SetReporter installs the failure pipeline hook.
func (c *Coordinator) SetReporter(r Reporter) {
	c.reporter = r
}

// SetNow overrides the clock in tests.
func (c *Coordinator) SetNow(f func() time.Time) {
	c.now = f
}

// HandleEvent validates the envelope, resolves the waiting workflow, and
// resumes it under the stage's retry strategy.
//
// Correlation validation failures (wrong stage, already resumed) return
// immediately with success=false and zero attempts. A workflow that already
// finished makes the event a success no-op. Retryable correlation states
// (not yet created, still running) and operational errors go through the
// retry loop; exhausted retries and open breakers are recorded and handed to
// the failure reporter.
func (c *Coordinator) HandleEvent(ctx context.Context, env *events.Envelope) Result {
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.ReceivedAt.IsZero() {
		env.ReceivedAt = c.now()
	}
	start := c.now()
	res := Result{EventID: env.ID}

	if err := env.Validate(); err != nil {
		res.ValidationErrors = append(res.ValidationErrors, err.Error())
		res.Error = err.Error()
		res.Note = "rejected before correlation"
		res.DurationMs = c.now().Sub(start).Milliseconds()
		c.logger.Warn("event rejected",
			zap.String("event_id", env.ID),
			zap.Error(err))
		return res
	}
	target, err := correlate.TargetFromEnvelope(env)
	if err != nil {
		res.ValidationErrors = append(res.ValidationErrors, err.Error())
		res.Error = err.Error()
		res.Note = "rejected before correlation"
		res.DurationMs = c.now().Sub(start).Milliseconds()
		c.logger.Info("event not actionable",
			zap.String("event_id", env.ID),
			zap.String("event", env.Event),
			zap.String("action", env.Action),
			zap.Error(err))
		return res
	}
	res.TaskID = target.TaskID
	res.Stage = string(target.Stage)

	labels := map[string]string{"stage": string(target.Stage)}
	c.metrics.Inc(metrics.ResumeTotalAttempts, labels, 1)

	// First correlation pass, outside the retry loop. Validation failures
	// stop here with zero attempts; retryable misses fall through to the
	// loop, which re-resolves on every attempt.
	if _, rerr := c.resolver.Resolve(ctx, target); rerr != nil {
		if done, out := c.settleCorrelation(rerr, start, labels, &res); done {
			return out
		}
	}

	params := resumeParams(env, target)
	var match *correlate.Match
	outcome, err := c.exec.Do(ctx, string(target.Stage), func(ctx context.Context) error {
		// Re-resolving re-fetches the workflow and re-checks suspension
		// right before the mutation, so exactly one of N concurrent
		// resumes can win.
		m, rerr := c.resolver.Resolve(ctx, target)
		if rerr != nil {
			return rerr
		}
		match = m
		_, rerr = c.orch.ResumeWorkflow(ctx, m.Workflow.Name, params)
		return rerr
	})
	if outcome != nil {
		res.Attempts = outcome.Attempts
		res.DelaysMs = delaysMs(outcome.Delays)
	}
	if match != nil {
		res.Workflow = match.Workflow.Name
		res.Cancelled = match.Duplicates
	}

	if err != nil {
		if done, out := c.settleCorrelation(err, start, labels, &res); done {
			return out
		}
		res.Error = err.Error()
		res.DurationMs = c.now().Sub(start).Milliseconds()
		c.metrics.Inc(metrics.ResumeFailed, labels, 1)
		c.metrics.Observe(metrics.ResumeLatencySeconds, labels, c.now().Sub(start).Seconds())
		c.logger.Warn("resume failed",
			zap.String("event_id", env.ID),
			zap.Int("task_id", target.TaskID),
			zap.String("stage", string(target.Stage)),
			zap.Int("attempts", res.Attempts),
			zap.Error(err))
		c.record(res)
		if c.reporter != nil {
			c.reporter.ReportFailure(ctx, Failure{
				EventID:  env.ID,
				TaskID:   target.TaskID,
				Workflow: res.Workflow,
				Stage:    string(target.Stage),
				Attempts: res.Attempts,
				Err:      err,
			})
		}
		return res
	}

	res.Success = true
	res.DurationMs = c.now().Sub(start).Milliseconds()
	c.metrics.Inc(metrics.ResumeSuccessful, labels, 1)
	c.metrics.Observe(metrics.ResumeLatencySeconds, labels, c.now().Sub(start).Seconds())
	c.logger.Info("workflow resumed",
		zap.String("event_id", env.ID),
		zap.Int("task_id", target.TaskID),
		zap.String("workflow", res.Workflow),
		zap.String("stage", string(target.Stage)),
		zap.Int("attempts", res.Attempts))
	c.record(res)
	c.resolveOpenAnalyses(res)
	return res
}

// settleCorrelation maps correlation outcomes that end the event without a
// resume: a finished workflow is a success no-op, while already-resumed and
// stage-mismatch are validation failures that never reach the failure
// pipeline. Returns false when the error should keep flowing.
func (c *Coordinator) settleCorrelation(err error, start time.Time, labels map[string]string, res *Result) (bool, Result) {
	var completed *correlate.CompletedError
	var already *correlate.AlreadyResumedError
	var mismatch *correlate.StageMismatchError

	switch {
	case errors.As(err, &completed):
		res.Success = true
		res.Workflow = completed.Workflow
		res.Note = "workflow already completed"
		res.DurationMs = c.now().Sub(start).Milliseconds()
		c.metrics.Inc(metrics.ResumeSuccessful, labels, 1)
		c.metrics.Observe(metrics.ResumeLatencySeconds, labels, c.now().Sub(start).Seconds())
		c.logger.Info("late event ignored",
			zap.String("event_id", res.EventID),
			zap.String("workflow", completed.Workflow),
			zap.String("phase", completed.Phase))
		c.record(*res)
		c.resolveOpenAnalyses(*res)
		return true, *res
	case errors.As(err, &already):
		res.Workflow = already.Workflow
		res.ValidationErrors = append(res.ValidationErrors, already.Error())
	case errors.As(err, &mismatch):
		res.Workflow = mismatch.Workflow
		res.ValidationErrors = append(res.ValidationErrors, mismatch.Error())
	default:
		return false, Result{}
	}

	res.Error = res.ValidationErrors[len(res.ValidationErrors)-1]
	res.DurationMs = c.now().Sub(start).Milliseconds()
	c.metrics.Inc(metrics.ResumeFailed, labels, 1)
	c.metrics.Observe(metrics.ResumeLatencySeconds, labels, c.now().Sub(start).Seconds())
	c.logger.Warn("resume blocked by validation",
		zap.String("event_id", res.EventID),
		zap.Int("task_id", res.TaskID),
		zap.String("stage", res.Stage),
		zap.String("reason", res.Error))
	c.record(*res)
	return true, *res
}

// record persists the outcome; storage errors are logged, never fatal.
func (c *Coordinator) record(r Result) {
	if c.store == nil {
		return
	}
	delays := ""
	if len(r.DelaysMs) > 0 {
		b, _ := json.Marshal(r.DelaysMs)
		delays = string(b)
	}
	err := c.store.RecordResume(db.ResumeRecord{
		EventID:    r.EventID,
		TaskID:     r.TaskID,
		Workflow:   r.Workflow,
		Stage:      r.Stage,
		Success:    r.Success,
		Attempts:   r.Attempts,
		DelaysMs:   delays,
		Error:      r.Error,
		DurationMs: int(r.DurationMs),
		CreatedAt:  db.FormatTime(c.now()),
	})
	if err != nil {
		c.logger.Warn("record resume outcome", zap.Error(err))
	}
}

// resolveOpenAnalyses closes failure analyses once the workflow moves on.
func (c *Coordinator) resolveOpenAnalyses(r Result) {
	if c.store == nil || r.Workflow == "" {
		return
	}
	n, err := c.store.MarkResolved(r.Workflow, r.Stage, db.FormatTime(c.now()))
	if err != nil {
		c.logger.Warn("mark analyses resolved", zap.Error(err))
		return
	}
	if n > 0 {
		c.logger.Info("closed failure analyses after resume",
			zap.String("workflow", r.Workflow),
			zap.String("stage", r.Stage),
			zap.Int("count", n))
	}
}

func resumeParams(env *events.Envelope, t correlate.Target) map[string]string {
	p := map[string]string{
		"task-id":      strconv.Itoa(t.TaskID),
		"event-type":   env.Event + "/" + env.Action,
		"resume-stage": string(t.Stage),
	}
	if env.Payload.PR.Number > 0 {
		p["pr-number"] = strconv.Itoa(env.Payload.PR.Number)
	}
	if env.Payload.PR.HTMLURL != "" {
		p["pr-url"] = env.Payload.PR.HTMLURL
	}
	return p
}

func delaysMs(delays []time.Duration) []int64 {
	if len(delays) == 0 {
		return nil
	}
	out := make([]int64, len(delays))
	for i, d := range delays {
		out[i] = d.Milliseconds()
	}
	return out
}
