package correlate

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/lucasnoah/stagehand/internal/events"
	"github.com/lucasnoah/stagehand/internal/orchestrator"
	"github.com/lucasnoah/stagehand/internal/workflow"
)

// fakeOrch serves canned list results keyed by selector and records cancels.
type fakeOrch struct {
	bySelector map[string][]orchestrator.Workflow
	byName     map[string]*orchestrator.Workflow
	cancelErr  map[string]error
	cancelled  []string
}

func (f *fakeOrch) ListWorkflows(ctx context.Context, selector string) ([]orchestrator.Workflow, error) {
	return f.bySelector[selector], nil
}

func (f *fakeOrch) GetWorkflow(ctx context.Context, name string) (*orchestrator.Workflow, error) {
	if wf := f.byName[name]; wf != nil {
		return wf, nil
	}
	return nil, &orchestrator.APIError{Status: 404, Message: "workflow not found"}
}

func (f *fakeOrch) CancelWorkflow(ctx context.Context, name string) error {
	if err := f.cancelErr[name]; err != nil {
		return err
	}
	f.cancelled = append(f.cancelled, name)
	return nil
}

func suspendedWorkflow(name string, taskID int, stage workflow.Stage, created time.Time) orchestrator.Workflow {
	return orchestrator.Workflow{
		Name: name,
		Labels: map[string]string{
			workflow.LabelWorkflowType: "play-orchestration",
			workflow.LabelTaskID:       fmt.Sprintf("%d", taskID),
			workflow.LabelCurrentStage: stage.String(),
		},
		Suspended: true,
		Phase:     "Running",
		CreatedAt: created,
	}
}

func TestSelectorFormat(t *testing.T) {
	c := New(&fakeOrch{}, "play-orchestration", nil)
	sel := c.Selector(Target{TaskID: 5, Stage: workflow.StageWaitingPrCreated})
	want := "workflow-type=play-orchestration,task-id=5,current-stage=waiting-pr-created"
	if sel != want {
		t.Errorf("Selector() = %q, want %q", sel, want)
	}
}

func TestResolveSingleMatch(t *testing.T) {
	target := Target{TaskID: 5, Stage: workflow.StageWaitingPrCreated}
	wf := suspendedWorkflow("play-task-5-workflow-abc", 5, workflow.StageWaitingPrCreated, time.Now())
	orch := &fakeOrch{bySelector: map[string][]orchestrator.Workflow{
		"workflow-type=play-orchestration,task-id=5,current-stage=waiting-pr-created": {wf},
	}}

	m, err := New(orch, "play-orchestration", nil).Resolve(context.Background(), target)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if m.Workflow.Name != "play-task-5-workflow-abc" {
		t.Errorf("matched %q", m.Workflow.Name)
	}
	if len(m.Duplicates) != 0 {
		t.Errorf("Duplicates = %v, want none", m.Duplicates)
	}
}

func TestResolveExplicitName(t *testing.T) {
	wf := suspendedWorkflow("pinned-wf", 5, workflow.StageWaitingPrCreated, time.Now())
	orch := &fakeOrch{byName: map[string]*orchestrator.Workflow{"pinned-wf": &wf}}

	target := Target{TaskID: 5, Stage: workflow.StageWaitingPrCreated, Name: "pinned-wf"}
	m, err := New(orch, "play-orchestration", nil).Resolve(context.Background(), target)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if m.Workflow.Name != "pinned-wf" {
		t.Errorf("matched %q, want pinned-wf", m.Workflow.Name)
	}

	// A missing explicit name surfaces the API error untouched.
	target.Name = "ghost"
	_, err = New(orch, "play-orchestration", nil).Resolve(context.Background(), target)
	if status, ok := orchestrator.StatusOf(err); !ok || status != 404 {
		t.Errorf("err = %v, want a 404 APIError", err)
	}
}

func TestResolveExplicitSelector(t *testing.T) {
	wf := suspendedWorkflow("custom-wf", 5, workflow.StageWaitingPrCreated, time.Now())
	orch := &fakeOrch{bySelector: map[string][]orchestrator.Workflow{
		"team=payments,task-id=5": {wf},
	}}

	target := Target{TaskID: 5, Stage: workflow.StageWaitingPrCreated, Selector: "team=payments,task-id=5"}
	m, err := New(orch, "play-orchestration", nil).Resolve(context.Background(), target)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if m.Workflow.Name != "custom-wf" {
		t.Errorf("matched %q, want custom-wf", m.Workflow.Name)
	}
}

func TestResolveStageMismatch(t *testing.T) {
	// The list can return a workflow whose labels have drifted since the
	// selector was evaluated; validation catches it.
	target := Target{TaskID: 5, Stage: workflow.StageWaitingPrCreated}
	wf := suspendedWorkflow("wf", 5, workflow.StageWaitingReadyForQa, time.Now())
	orch := &fakeOrch{bySelector: map[string][]orchestrator.Workflow{
		"workflow-type=play-orchestration,task-id=5,current-stage=waiting-pr-created": {wf},
	}}

	_, err := New(orch, "play-orchestration", nil).Resolve(context.Background(), target)
	var mismatch *StageMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("err = %v, want StageMismatchError", err)
	}
	if mismatch.Got != "waiting-ready-for-qa" {
		t.Errorf("Got = %q", mismatch.Got)
	}
}

func TestResolveNotSuspended(t *testing.T) {
	target := Target{TaskID: 5, Stage: workflow.StageWaitingPrCreated}
	wf := suspendedWorkflow("wf", 5, workflow.StageWaitingPrCreated, time.Now())
	wf.Suspended = false
	orch := &fakeOrch{bySelector: map[string][]orchestrator.Workflow{
		"workflow-type=play-orchestration,task-id=5,current-stage=waiting-pr-created": {wf},
	}}

	_, err := New(orch, "play-orchestration", nil).Resolve(context.Background(), target)
	var already *AlreadyResumedError
	if !errors.As(err, &already) {
		t.Fatalf("err = %v, want AlreadyResumedError", err)
	}
}

func TestResolveZeroMatches(t *testing.T) {
	cases := []struct {
		name      string
		target    Target
		secondary []orchestrator.Workflow
		check     func(error) bool
	}{
		{
			name:   "not yet created",
			target: Target{TaskID: 5, Stage: workflow.StageWaitingPrCreated},
			check: func(err error) bool {
				var e *NotYetCreatedError
				return errors.As(err, &e)
			},
		},
		{
			name:   "workflow finished",
			target: Target{TaskID: 5, Stage: workflow.StageWaitingReadyForQa},
			secondary: func() []orchestrator.Workflow {
				wf := suspendedWorkflow("wf", 5, workflow.StageWaitingPrApproved, time.Now())
				wf.Suspended = false
				wf.Phase = "Succeeded"
				return []orchestrator.Workflow{wf}
			}(),
			check: func(err error) bool {
				var e *CompletedError
				return errors.As(err, &e)
			},
		},
		{
			name:   "suspended at another stage",
			target: Target{TaskID: 5, Stage: workflow.StageWaitingReadyForQa},
			secondary: []orchestrator.Workflow{
				suspendedWorkflow("wf", 5, workflow.StageWaitingPrApproved, time.Now()),
			},
			check: func(err error) bool {
				var e *StageMismatchError
				return errors.As(err, &e)
			},
		},
		{
			name:   "still running",
			target: Target{TaskID: 5, Stage: workflow.StageWaitingPrCreated},
			secondary: func() []orchestrator.Workflow {
				wf := suspendedWorkflow("wf", 5, workflow.StageTestExecution, time.Now())
				wf.Suspended = false
				return []orchestrator.Workflow{wf}
			}(),
			check: func(err error) bool {
				var e *NotReachedError
				return errors.As(err, &e)
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			orch := &fakeOrch{bySelector: map[string][]orchestrator.Workflow{
				"workflow-type=play-orchestration,task-id=5": tc.secondary,
			}}
			_, err := New(orch, "play-orchestration", nil).Resolve(context.Background(), tc.target)
			if err == nil {
				t.Fatal("expected an error")
			}
			if !tc.check(err) {
				t.Errorf("err = %v, wrong error type", err)
			}
		})
	}
}

func TestResolveZeroMatchesNewestDecides(t *testing.T) {
	// Two instances for the task: an old finished one and a fresh one still
	// running. The newest decides the classification.
	target := Target{TaskID: 5, Stage: workflow.StageWaitingPrCreated}
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	done := suspendedWorkflow("wf-old", 5, workflow.StageWaitingPrApproved, base)
	done.Suspended = false
	done.Phase = "Succeeded"
	running := suspendedWorkflow("wf-new", 5, workflow.StageCodeAnalysis, base.Add(time.Hour))
	running.Suspended = false

	orch := &fakeOrch{bySelector: map[string][]orchestrator.Workflow{
		"workflow-type=play-orchestration,task-id=5": {done, running},
	}}

	_, err := New(orch, "play-orchestration", nil).Resolve(context.Background(), target)
	var notReached *NotReachedError
	if !errors.As(err, &notReached) {
		t.Fatalf("err = %v, want NotReachedError from the newest instance", err)
	}
	if notReached.Workflow != "wf-new" {
		t.Errorf("classified from %q, want wf-new", notReached.Workflow)
	}
}

func TestResolveDuplicatesPicksNewestAndCancelsRest(t *testing.T) {
	target := Target{TaskID: 5, Stage: workflow.StageWaitingPrCreated}
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	oldest := suspendedWorkflow("wf-oldest", 5, workflow.StageWaitingPrCreated, base)
	middle := suspendedWorkflow("wf-middle", 5, workflow.StageWaitingPrCreated, base.Add(time.Hour))
	newest := suspendedWorkflow("wf-newest", 5, workflow.StageWaitingPrCreated, base.Add(2*time.Hour))

	orch := &fakeOrch{
		bySelector: map[string][]orchestrator.Workflow{
			"workflow-type=play-orchestration,task-id=5,current-stage=waiting-pr-created": {oldest, newest, middle},
		},
		cancelErr: map[string]error{"wf-middle": errors.New("stop failed: conflict")},
	}

	m, err := New(orch, "play-orchestration", nil).Resolve(context.Background(), target)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if m.Workflow.Name != "wf-newest" {
		t.Errorf("winner = %q, want wf-newest", m.Workflow.Name)
	}
	// Cancellation is best-effort: the failed cancel doesn't fail the
	// resolve and doesn't appear in Duplicates.
	if len(m.Duplicates) != 1 || m.Duplicates[0] != "wf-oldest" {
		t.Errorf("Duplicates = %v, want [wf-oldest]", m.Duplicates)
	}
	if len(orch.cancelled) != 1 {
		t.Errorf("cancelled = %v, want one successful cancel", orch.cancelled)
	}
}

func TestResolveDuplicatesSkipsResumedNewest(t *testing.T) {
	// The newer duplicate was already resumed; the older one is still
	// suspended and must win. The resumed copy is the one cancelled.
	target := Target{TaskID: 5, Stage: workflow.StageWaitingPrCreated}
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	older := suspendedWorkflow("wf-old", 5, workflow.StageWaitingPrCreated, base)
	newer := suspendedWorkflow("wf-new", 5, workflow.StageWaitingPrCreated, base.Add(time.Hour))
	newer.Suspended = false

	orch := &fakeOrch{bySelector: map[string][]orchestrator.Workflow{
		"workflow-type=play-orchestration,task-id=5,current-stage=waiting-pr-created": {older, newer},
	}}

	m, err := New(orch, "play-orchestration", nil).Resolve(context.Background(), target)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if m.Workflow.Name != "wf-old" {
		t.Errorf("winner = %q, want wf-old (newest suspended)", m.Workflow.Name)
	}
	if len(m.Duplicates) != 1 || m.Duplicates[0] != "wf-new" {
		t.Errorf("Duplicates = %v, want [wf-new]", m.Duplicates)
	}
	if len(orch.cancelled) != 1 || orch.cancelled[0] != "wf-new" {
		t.Errorf("cancelled = %v, want [wf-new]", orch.cancelled)
	}
}

func TestResolveDuplicatesNoneSuspendedCancelsNothing(t *testing.T) {
	target := Target{TaskID: 5, Stage: workflow.StageWaitingPrCreated}
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := suspendedWorkflow("wf-a", 5, workflow.StageWaitingPrCreated, base)
	a.Suspended = false
	b := suspendedWorkflow("wf-b", 5, workflow.StageWaitingPrCreated, base.Add(time.Hour))
	b.Suspended = false

	orch := &fakeOrch{bySelector: map[string][]orchestrator.Workflow{
		"workflow-type=play-orchestration,task-id=5,current-stage=waiting-pr-created": {a, b},
	}}

	_, err := New(orch, "play-orchestration", nil).Resolve(context.Background(), target)
	var already *AlreadyResumedError
	if !errors.As(err, &already) {
		t.Fatalf("err = %v, want AlreadyResumedError", err)
	}
	if already.Workflow != "wf-b" {
		t.Errorf("classified from %q, want wf-b (newest)", already.Workflow)
	}
	if len(orch.cancelled) != 0 {
		t.Errorf("cancelled = %v, want none when nothing is resumable", orch.cancelled)
	}
}

func TestCountAtStage(t *testing.T) {
	orch := &fakeOrch{bySelector: map[string][]orchestrator.Workflow{
		"workflow-type=play-orchestration,current-stage=waiting-pr-created": {
			suspendedWorkflow("a", 1, workflow.StageWaitingPrCreated, time.Now()),
			suspendedWorkflow("b", 2, workflow.StageWaitingPrCreated, time.Now()),
			suspendedWorkflow("c", 3, workflow.StageWaitingPrCreated, time.Now()),
		},
	}}

	n, err := New(orch, "play-orchestration", nil).CountAtStage(context.Background(), workflow.StageWaitingPrCreated)
	if err != nil {
		t.Fatalf("CountAtStage() error: %v", err)
	}
	if n != 3 {
		t.Errorf("CountAtStage() = %d, want 3", n)
	}
}

func TestTargetFromEnvelope(t *testing.T) {
	e := &events.Envelope{
		Event:  "pull_request",
		Action: "opened",
		Payload: events.Payload{PR: events.PullRequest{
			Number: 42,
			Title:  "Implement login flow",
			Head:   events.Ref{Ref: "task-5-login-flow"},
		}},
		WorkflowName: "pinned-wf",
	}
	target, err := TargetFromEnvelope(e)
	if err != nil {
		t.Fatalf("TargetFromEnvelope() error: %v", err)
	}
	if target.TaskID != 5 {
		t.Errorf("TaskID = %d, want 5", target.TaskID)
	}
	if target.Stage != workflow.StageWaitingPrCreated {
		t.Errorf("Stage = %q, want waiting-pr-created", target.Stage)
	}
	if target.Name != "pinned-wf" {
		t.Errorf("Name = %q, want pinned-wf", target.Name)
	}
}

func TestTargetFromEnvelopeUnmapped(t *testing.T) {
	e := &events.Envelope{
		Event:   "pull_request",
		Action:  "closed",
		Payload: events.Payload{PR: events.PullRequest{Number: 42, Head: events.Ref{Ref: "task-5-x"}}},
	}
	_, err := TargetFromEnvelope(e)
	var unmapped *events.UnmappedEventError
	if !errors.As(err, &unmapped) {
		t.Fatalf("err = %v, want UnmappedEventError", err)
	}
}
