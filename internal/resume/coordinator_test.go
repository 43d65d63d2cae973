package resume

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lucasnoah/stagehand/internal/config"
	"github.com/lucasnoah/stagehand/internal/correlate"
	"github.com/lucasnoah/stagehand/internal/db"
	"github.com/lucasnoah/stagehand/internal/events"
	"github.com/lucasnoah/stagehand/internal/metrics"
	"github.com/lucasnoah/stagehand/internal/orchestrator"
	"github.com/lucasnoah/stagehand/internal/retry"
	"github.com/lucasnoah/stagehand/internal/workflow"
)

type fakeResolver struct {
	errs  []error // consumed one per call; nil entry means return the match
	match *correlate.Match
	calls int
}

func (f *fakeResolver) Resolve(ctx context.Context, t correlate.Target) (*correlate.Match, error) {
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return f.match, nil
}

type fakeOrch struct {
	names  []string
	params map[string]string
	errs   []error
}

func (f *fakeOrch) ResumeWorkflow(ctx context.Context, name string, params map[string]string) (*orchestrator.Workflow, error) {
	f.names = append(f.names, name)
	f.params = params
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &orchestrator.Workflow{Name: name, Suspended: false}, nil
}

type fakeStore struct {
	resumes  []db.ResumeRecord
	resolved []string
}

func (f *fakeStore) RecordResume(r db.ResumeRecord) error {
	f.resumes = append(f.resumes, r)
	return nil
}

func (f *fakeStore) MarkResolved(wf, stage, at string) (int, error) {
	f.resolved = append(f.resolved, wf+"|"+stage)
	return 1, nil
}

type fakeReporter struct {
	failures []Failure
}

func (f *fakeReporter) ReportFailure(ctx context.Context, fl Failure) {
	f.failures = append(f.failures, fl)
}

func newTestCoordinator(t *testing.T, orch Orchestrator, resolver Resolver) (*Coordinator, *fakeStore, *fakeReporter) {
	t.Helper()
	exec, err := retry.NewExecutor(config.Default(), nil, zap.NewNop())
	if err != nil {
		t.Fatalf("build executor: %v", err)
	}
	exec.SetSleep(func(ctx context.Context, d time.Duration) error { return nil })
	store := &fakeStore{}
	rep := &fakeReporter{}
	c := New(orch, resolver, exec, store, metrics.NewRegistry(), zap.NewNop())
	c.SetReporter(rep)
	return c, store, rep
}

func labeledEnvelope() *events.Envelope {
	return &events.Envelope{
		Event:  "pull_request",
		Action: "labeled",
		Payload: events.Payload{
			Label: &events.Label{Name: "ready-for-qa"},
			PR: events.PullRequest{
				Number:  88,
				Title:   "Add exporter",
				HTMLURL: "https://github.com/acme/app/pull/88",
				Head:    events.Ref{Ref: "task-12-exporter"},
			},
		},
	}
}

func suspendedMatch(name string) *correlate.Match {
	return &correlate.Match{Workflow: &orchestrator.Workflow{
		Name:      name,
		Suspended: true,
		Phase:     "Running",
		Labels: map[string]string{
			workflow.LabelCurrentStage: string(workflow.StageWaitingReadyForQa),
		},
	}}
}

func TestHandleEventResumesWorkflow(t *testing.T) {
	orch := &fakeOrch{}
	resolver := &fakeResolver{match: suspendedMatch("play-orchestration-12")}
	c, store, rep := newTestCoordinator(t, orch, resolver)

	res := c.HandleEvent(context.Background(), labeledEnvelope())

	if !res.Success {
		t.Fatalf("expected success, got error %q", res.Error)
	}
	if res.Workflow != "play-orchestration-12" {
		t.Errorf("workflow = %q, want play-orchestration-12", res.Workflow)
	}
	if res.TaskID != 12 || res.Stage != "waiting-ready-for-qa" {
		t.Errorf("target = task %d stage %s, want task 12 waiting-ready-for-qa", res.TaskID, res.Stage)
	}
	if res.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", res.Attempts)
	}
	if res.EventID == "" {
		t.Error("envelope without id should get one assigned")
	}
	// One correlation pass up front, then the closure re-resolves.
	if resolver.calls != 2 {
		t.Errorf("resolver called %d times, want 2", resolver.calls)
	}
	if len(orch.names) != 1 || orch.names[0] != "play-orchestration-12" {
		t.Errorf("resume calls = %v", orch.names)
	}
	if len(store.resumes) != 1 || !store.resumes[0].Success {
		t.Errorf("store should hold one successful record, got %+v", store.resumes)
	}
	if len(store.resolved) != 1 || store.resolved[0] != "play-orchestration-12|waiting-ready-for-qa" {
		t.Errorf("open analyses not resolved: %v", store.resolved)
	}
	if len(rep.failures) != 0 {
		t.Errorf("reporter should not fire on success: %+v", rep.failures)
	}
}

func TestHandleEventRetriesUntilWorkflowAppears(t *testing.T) {
	orch := &fakeOrch{}
	notYet := &correlate.NotYetCreatedError{TaskID: 12}
	resolver := &fakeResolver{
		// Pre-pass miss, then two misses inside the loop before success.
		errs:  []error{notYet, notYet, notYet, nil},
		match: suspendedMatch("play-orchestration-12"),
	}
	c, store, _ := newTestCoordinator(t, orch, resolver)

	res := c.HandleEvent(context.Background(), labeledEnvelope())

	if !res.Success {
		t.Fatalf("expected success after retries, got %q", res.Error)
	}
	if res.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", res.Attempts)
	}
	if len(res.DelaysMs) != 2 {
		t.Errorf("delays = %v, want two backoff delays", res.DelaysMs)
	}
	if resolver.calls != 4 {
		t.Errorf("resolver called %d times, want 4", resolver.calls)
	}
	if len(store.resumes) != 1 || store.resumes[0].Attempts != 3 {
		t.Errorf("stored record = %+v", store.resumes)
	}
}

func TestHandleEventRetriesConflict(t *testing.T) {
	orch := &fakeOrch{errs: []error{&orchestrator.APIError{Status: 409, Message: "conflict"}, nil}}
	resolver := &fakeResolver{match: suspendedMatch("play-orchestration-12")}
	c, _, rep := newTestCoordinator(t, orch, resolver)

	res := c.HandleEvent(context.Background(), labeledEnvelope())

	if !res.Success {
		t.Fatalf("conflict should be retried, got %q", res.Error)
	}
	if res.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", res.Attempts)
	}
	if len(rep.failures) != 0 {
		t.Errorf("reporter fired on retried success: %+v", rep.failures)
	}
}

func TestHandleEventCompletedWorkflowIsNoOp(t *testing.T) {
	orch := &fakeOrch{}
	resolver := &fakeResolver{errs: []error{
		&correlate.CompletedError{Workflow: "play-orchestration-12", Phase: "Succeeded"},
	}}
	c, store, rep := newTestCoordinator(t, orch, resolver)

	res := c.HandleEvent(context.Background(), labeledEnvelope())

	if !res.Success {
		t.Fatalf("late event for a finished workflow should be a success no-op, got %q", res.Error)
	}
	if res.Note != "workflow already completed" {
		t.Errorf("note = %q", res.Note)
	}
	if res.Attempts != 0 {
		t.Errorf("attempts = %d, want 0", res.Attempts)
	}
	if len(orch.names) != 0 {
		t.Errorf("no resume call expected, got %v", orch.names)
	}
	if len(store.resumes) != 1 || !store.resumes[0].Success {
		t.Errorf("no-op should still be recorded as success, got %+v", store.resumes)
	}
	if len(rep.failures) != 0 {
		t.Errorf("reporter should not fire: %+v", rep.failures)
	}
}

func TestHandleEventAlreadyResumedIsValidationFailure(t *testing.T) {
	orch := &fakeOrch{}
	resolver := &fakeResolver{errs: []error{
		&correlate.AlreadyResumedError{Workflow: "play-orchestration-12", Stage: workflow.StageWaitingReadyForQa},
	}}
	c, store, rep := newTestCoordinator(t, orch, resolver)

	res := c.HandleEvent(context.Background(), labeledEnvelope())

	if res.Success {
		t.Fatal("a second resume of the same workflow must not report success")
	}
	if res.Attempts != 0 {
		t.Errorf("attempts = %d, want 0 (validation failure short-circuits)", res.Attempts)
	}
	if len(res.ValidationErrors) != 1 || !strings.Contains(res.ValidationErrors[0], "already resumed") {
		t.Errorf("validation errors = %v", res.ValidationErrors)
	}
	if len(orch.names) != 0 {
		t.Errorf("no resume call expected, got %v", orch.names)
	}
	if len(store.resumes) != 1 || store.resumes[0].Success {
		t.Errorf("validation failure should be recorded, got %+v", store.resumes)
	}
	if len(rep.failures) != 0 {
		t.Errorf("validation failures do not reach the failure pipeline: %+v", rep.failures)
	}
}

func TestHandleEventStageMismatchZeroAttempts(t *testing.T) {
	orch := &fakeOrch{}
	resolver := &fakeResolver{errs: []error{
		&correlate.StageMismatchError{Workflow: "play-orchestration-12", Want: workflow.StageWaitingReadyForQa, Got: "waiting-pr-approved"},
	}}
	c, store, rep := newTestCoordinator(t, orch, resolver)

	res := c.HandleEvent(context.Background(), labeledEnvelope())

	if res.Success {
		t.Fatal("stage mismatch must fail")
	}
	if res.Attempts != 0 {
		t.Errorf("attempts = %d, want 0", res.Attempts)
	}
	if len(res.ValidationErrors) != 1 || !strings.Contains(res.ValidationErrors[0], "validation failed") {
		t.Errorf("validation errors = %v", res.ValidationErrors)
	}
	if resolver.calls != 1 {
		t.Errorf("resolver called %d times, want 1 (no retry loop)", resolver.calls)
	}
	if len(store.resumes) != 1 || store.resumes[0].Success {
		t.Errorf("failure should be recorded, got %+v", store.resumes)
	}
	if len(rep.failures) != 0 {
		t.Errorf("validation failures do not reach the failure pipeline: %+v", rep.failures)
	}
}

func TestHandleEventExhaustedRetriesReachReporter(t *testing.T) {
	orch := &fakeOrch{}
	notYet := &correlate.NotYetCreatedError{TaskID: 12}
	resolver := &fakeResolver{errs: []error{notYet, notYet, notYet, notYet}}
	c, store, rep := newTestCoordinator(t, orch, resolver)

	res := c.HandleEvent(context.Background(), labeledEnvelope())

	if res.Success {
		t.Fatal("exhausted retries must fail")
	}
	if res.Attempts != 3 {
		t.Errorf("attempts = %d, want 3 (default budget)", res.Attempts)
	}
	var exhausted *retry.ExhaustedError
	if len(rep.failures) != 1 {
		t.Fatalf("reporter should receive the failure, got %d", len(rep.failures))
	}
	f := rep.failures[0]
	if !errors.As(f.Err, &exhausted) {
		t.Errorf("reported error = %v, want ExhaustedError", f.Err)
	}
	if f.TaskID != 12 || f.Stage != "waiting-ready-for-qa" || f.Attempts != 3 {
		t.Errorf("failure = %+v", f)
	}
	if len(store.resumes) != 1 || store.resumes[0].Success {
		t.Errorf("failure should be recorded, got %+v", store.resumes)
	}
}

func TestHandleEventValidationRejected(t *testing.T) {
	env := labeledEnvelope()
	env.Action = ""
	c, store, rep := newTestCoordinator(t, &fakeOrch{}, &fakeResolver{})

	res := c.HandleEvent(context.Background(), env)

	if res.Success {
		t.Fatal("invalid envelope must be rejected")
	}
	if res.Note != "rejected before correlation" {
		t.Errorf("note = %q", res.Note)
	}
	if len(res.ValidationErrors) != 1 {
		t.Errorf("validation errors = %v", res.ValidationErrors)
	}
	if len(store.resumes) != 0 {
		t.Errorf("rejected events are not persisted, got %+v", store.resumes)
	}
	if len(rep.failures) != 0 {
		t.Errorf("rejected events do not reach the failure pipeline")
	}
}

func TestHandleEventUnmappedEvent(t *testing.T) {
	env := labeledEnvelope()
	env.Event = "push"
	env.Action = "created"
	env.Payload.Label = nil
	c, store, _ := newTestCoordinator(t, &fakeOrch{}, &fakeResolver{})

	res := c.HandleEvent(context.Background(), env)

	if res.Success {
		t.Fatal("unmapped event must not succeed")
	}
	if !strings.Contains(res.Error, "push") {
		t.Errorf("error should name the event, got %q", res.Error)
	}
	if len(store.resumes) != 0 {
		t.Errorf("unmapped events are not persisted, got %+v", store.resumes)
	}
}

func TestResumeParams(t *testing.T) {
	orch := &fakeOrch{}
	resolver := &fakeResolver{match: suspendedMatch("play-orchestration-12")}
	c, _, _ := newTestCoordinator(t, orch, resolver)

	c.HandleEvent(context.Background(), labeledEnvelope())

	want := map[string]string{
		"task-id":      "12",
		"event-type":   "pull_request/labeled",
		"resume-stage": "waiting-ready-for-qa",
		"pr-number":    "88",
		"pr-url":       "https://github.com/acme/app/pull/88",
	}
	for k, v := range want {
		if orch.params[k] != v {
			t.Errorf("param %s = %q, want %q", k, orch.params[k], v)
		}
	}
}

func TestHandleEventLabelOnlyEnvelopeResumes(t *testing.T) {
	orch := &fakeOrch{}
	resolver := &fakeResolver{match: &correlate.Match{Workflow: &orchestrator.Workflow{
		Name:      "play-orchestration-5",
		Suspended: true,
		Phase:     "Running",
		Labels: map[string]string{
			workflow.LabelCurrentStage: string(workflow.StageWaitingPrCreated),
		},
	}}}
	c, store, _ := newTestCoordinator(t, orch, resolver)

	// No PR number anywhere; the task label alone identifies the target.
	env := &events.Envelope{
		Event:  "pull_request",
		Action: "opened",
		Payload: events.Payload{
			PR: events.PullRequest{Labels: []events.Label{{Name: "task-5"}}},
		},
	}
	res := c.HandleEvent(context.Background(), env)

	if !res.Success {
		t.Fatalf("label-only envelope should resume, got error %q (validation: %v)",
			res.Error, res.ValidationErrors)
	}
	if res.TaskID != 5 || res.Stage != "waiting-pr-created" {
		t.Errorf("target = task %d stage %s, want task 5 waiting-pr-created", res.TaskID, res.Stage)
	}
	if len(orch.names) != 1 || orch.names[0] != "play-orchestration-5" {
		t.Errorf("resume calls = %v", orch.names)
	}
	if len(store.resumes) != 1 || !store.resumes[0].Success {
		t.Errorf("store should hold one successful record, got %+v", store.resumes)
	}
}

// racingBackend simulates the orchestrator-side race: the workflow is
// suspended until the first resume lands, after which further resolves see
// it already resumed and further resume calls conflict.
type racingBackend struct {
	mu        sync.Mutex
	suspended bool
	resumes   int
}

func (b *racingBackend) Resolve(ctx context.Context, t correlate.Target) (*correlate.Match, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.suspended {
		return nil, &correlate.AlreadyResumedError{Workflow: "play-orchestration-12", Stage: t.Stage}
	}
	return suspendedMatch("play-orchestration-12"), nil
}

func (b *racingBackend) ResumeWorkflow(ctx context.Context, name string, params map[string]string) (*orchestrator.Workflow, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.suspended {
		return nil, &orchestrator.APIError{Status: 409, Message: "workflow is not suspended"}
	}
	b.suspended = false
	b.resumes++
	return &orchestrator.Workflow{Name: name}, nil
}

type syncStore struct {
	mu      sync.Mutex
	resumes []db.ResumeRecord
}

func (s *syncStore) RecordResume(r db.ResumeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resumes = append(s.resumes, r)
	return nil
}

func (s *syncStore) MarkResolved(wf, stage, at string) (int, error) { return 0, nil }

func TestHandleEventConcurrentResumesExactlyOneWins(t *testing.T) {
	backend := &racingBackend{suspended: true}
	// A high breaker threshold keeps the losers' failure accounting from
	// opening the breaker mid-test; the property under test is the
	// resolve-before-mutate idempotency check, not breaker behavior.
	cfg := config.Default()
	for name, sc := range cfg.Stages {
		sc.Breaker.FailureThreshold = 1000
		cfg.Stages[name] = sc
	}
	exec, err := retry.NewExecutor(cfg, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("build executor: %v", err)
	}
	exec.SetSleep(func(ctx context.Context, d time.Duration) error { return nil })
	store := &syncStore{}
	c := New(backend, backend, exec, store, metrics.NewRegistry(), zap.NewNop())

	const n = 8
	results := make(chan Result, n)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			results <- c.HandleEvent(context.Background(), labeledEnvelope())
		}()
	}
	close(start)
	wg.Wait()
	close(results)

	wins, losses := 0, 0
	for res := range results {
		if res.Success {
			wins++
			continue
		}
		losses++
		found := false
		for _, v := range res.ValidationErrors {
			if strings.Contains(v, "already resumed") {
				found = true
			}
		}
		if !found {
			t.Errorf("loser should carry an already-resumed validation error, got %+v", res)
		}
	}
	if wins != 1 {
		t.Errorf("wins = %d, want exactly 1", wins)
	}
	if losses != n-1 {
		t.Errorf("losses = %d, want %d", losses, n-1)
	}
	if backend.resumes != 1 {
		t.Errorf("orchestrator resumed %d times, want 1", backend.resumes)
	}
}
