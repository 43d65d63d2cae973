// Package correlate resolves an inbound task event to the one suspended
// workflow it should resume. Resolution is by label selector; the awkward
// cases are zero matches (completed, not yet created, running, or parked at
// another stage) and multiple matches (duplicates from workflow re-creation).
package correlate

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"go.uber.org/zap"

	"github.com/lucasnoah/stagehand/internal/events"
	"github.com/lucasnoah/stagehand/internal/orchestrator"
	"github.com/lucasnoah/stagehand/internal/workflow"
)

// Orchestrator is the slice of the workflow API correlation needs.
type Orchestrator interface {
	ListWorkflows(ctx context.Context, labelSelector string) ([]orchestrator.Workflow, error)
	GetWorkflow(ctx context.Context, name string) (*orchestrator.Workflow, error)
	CancelWorkflow(ctx context.Context, name string) error
}

// Target identifies what an event wants to resume: a task at a specific
// waiting stage. Name and Selector, when set, override the label lookup.
type Target struct {
	TaskID   int
	Stage    workflow.Stage
	Name     string
	Selector string
}

// TargetFromEnvelope extracts the resume target from an event envelope.
func TargetFromEnvelope(e *events.Envelope) (Target, error) {
	stage, err := e.TargetStage()
	if err != nil {
		return Target{}, err
	}
	id, err := e.TaskID()
	if err != nil {
		return Target{}, err
	}
	return Target{
		TaskID:   id,
		Stage:    stage,
		Name:     e.WorkflowName,
		Selector: e.LabelSelector,
	}, nil
}

// Match is a successfully correlated workflow ready to resume. Duplicates
// lists stale copies that were cancelled in its favor.
type Match struct {
	Workflow   *orchestrator.Workflow
	Duplicates []string
}

// CompletedError reports an event that arrived after its workflow finished.
// The coordinator treats it as a success no-op.
type CompletedError struct {
	Workflow string
	Phase    string
}

func (e *CompletedError) Error() string {
	return fmt.Sprintf("workflow %s already completed (phase %s)", e.Workflow, e.Phase)
}

// AlreadyResumedError reports a workflow at the target stage that is no
// longer suspended: someone else resumed it first. Validation failure, no
// retries.
type AlreadyResumedError struct {
	Workflow string
	Stage    workflow.Stage
}

func (e *AlreadyResumedError) Error() string {
	return fmt.Sprintf("workflow %s already resumed at stage %s", e.Workflow, e.Stage)
}

// NotYetCreatedError reports a task with no workflow at all. The event beat
// workflow creation, so the resume is retryable.
type NotYetCreatedError struct {
	TaskID int
}

func (e *NotYetCreatedError) Error() string {
	return fmt.Sprintf("no workflow for task %d (not yet created)", e.TaskID)
}

// NotReachedError reports a running workflow that has not suspended at the
// target stage yet. Retryable.
type NotReachedError struct {
	Workflow string
	Current  string
	Target   workflow.Stage
}

func (e *NotReachedError) Error() string {
	return fmt.Sprintf("workflow %s not yet waiting at stage %s (currently %s)", e.Workflow, e.Target, e.Current)
}

// StageMismatchError reports a workflow suspended at a different stage than
// the event targets. Validation failure, no retries.
type StageMismatchError struct {
	Workflow string
	Want     workflow.Stage
	Got      string
}

func (e *StageMismatchError) Error() string {
	return fmt.Sprintf("workflow %s validation failed: suspended at stage %q, want %q", e.Workflow, e.Got, e.Want)
}

// Correlator resolves targets against the orchestrator.
type Correlator struct {
	orch         Orchestrator
	workflowType string
	logger       *zap.Logger
}

// New creates a Correlator scoped to one workflow-type label value.
func New(orch Orchestrator, workflowType string, logger *zap.Logger) *Correlator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Correlator{orch: orch, workflowType: workflowType, logger: logger}
}

// Selector builds the label selector for a target. Key order is fixed so
// selectors are stable in logs and tests.
func (c *Correlator) Selector(t Target) string {
	return fmt.Sprintf("%s=%s,%s=%s,%s=%s",
		workflow.LabelWorkflowType, c.workflowType,
		workflow.LabelTaskID, strconv.Itoa(t.TaskID),
		workflow.LabelCurrentStage, t.Stage)
}

// taskSelector matches every workflow of the task regardless of stage.
func (c *Correlator) taskSelector(t Target) string {
	return fmt.Sprintf("%s=%s,%s=%s",
		workflow.LabelWorkflowType, c.workflowType,
		workflow.LabelTaskID, strconv.Itoa(t.TaskID))
}

// Resolve finds the workflow a target should resume. Exactly one suspended
// workflow at the target stage is the happy path; everything else maps to
// one of the package's typed errors. An explicit workflow name skips the
// selector lookup entirely.
func (c *Correlator) Resolve(ctx context.Context, t Target) (*Match, error) {
	if t.Name != "" {
		wf, err := c.orch.GetWorkflow(ctx, t.Name)
		if err != nil {
			return nil, fmt.Errorf("fetching workflow %s: %w", t.Name, err)
		}
		return c.validate(wf, t)
	}

	sel := t.Selector
	if sel == "" {
		sel = c.Selector(t)
	}
	matches, err := c.orch.ListWorkflows(ctx, sel)
	if err != nil {
		return nil, fmt.Errorf("looking up workflows for task %d: %w", t.TaskID, err)
	}

	switch len(matches) {
	case 0:
		return nil, c.classifyMiss(ctx, t)
	case 1:
		return c.validate(&matches[0], t)
	default:
		return c.pickWinner(ctx, matches, t)
	}
}

// CountAtStage reports how many workflows of the configured type currently
// sit at a stage. The failure analyzer uses it to size a failure's blast
// radius.
func (c *Correlator) CountAtStage(ctx context.Context, stage workflow.Stage) (int, error) {
	sel := fmt.Sprintf("%s=%s,%s=%s",
		workflow.LabelWorkflowType, c.workflowType,
		workflow.LabelCurrentStage, stage)
	wfs, err := c.orch.ListWorkflows(ctx, sel)
	if err != nil {
		return 0, fmt.Errorf("counting workflows at stage %s: %w", stage, err)
	}
	return len(wfs), nil
}

// classifyMiss distinguishes the zero-match cases with a secondary lookup
// that drops the stage constraint. The newest instance for the task decides:
// finished workflows make the event a harmless straggler, a suspension at
// some other stage is a validation problem, and a still-running workflow
// just needs more time.
func (c *Correlator) classifyMiss(ctx context.Context, t Target) error {
	all, err := c.orch.ListWorkflows(ctx, c.taskSelector(t))
	if err != nil {
		return fmt.Errorf("secondary lookup for task %d: %w", t.TaskID, err)
	}
	if len(all) == 0 {
		return &NotYetCreatedError{TaskID: t.TaskID}
	}

	sort.Slice(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	newest := &all[0]
	current := newest.Labels[workflow.LabelCurrentStage]

	if isTerminal(newest.Phase) {
		return &CompletedError{Workflow: newest.Name, Phase: newest.Phase}
	}
	if newest.Suspended {
		return &StageMismatchError{Workflow: newest.Name, Want: t.Stage, Got: current}
	}
	return &NotReachedError{Workflow: newest.Name, Current: current, Target: t.Stage}
}

// validate checks a single match is actually resumable.
func (c *Correlator) validate(wf *orchestrator.Workflow, t Target) (*Match, error) {
	if isTerminal(wf.Phase) {
		return nil, &CompletedError{Workflow: wf.Name, Phase: wf.Phase}
	}
	got := wf.Labels[workflow.LabelCurrentStage]
	if got != t.Stage.String() {
		return nil, &StageMismatchError{Workflow: wf.Name, Want: t.Stage, Got: got}
	}
	if !wf.Suspended {
		return nil, &AlreadyResumedError{Workflow: wf.Name, Stage: t.Stage}
	}
	return &Match{Workflow: wf}, nil
}

// pickWinner resolves duplicate workflows for one task: the most recently
// created suspended instance wins and the rest are cancelled best-effort.
// Losers are only cancelled once the winner has passed validation, so a bad
// batch never loses a still-resumable workflow.
func (c *Correlator) pickWinner(ctx context.Context, matches []orchestrator.Workflow, t Target) (*Match, error) {
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].CreatedAt.After(matches[j].CreatedAt)
	})

	var winner *orchestrator.Workflow
	for i := range matches {
		if matches[i].Suspended && !isTerminal(matches[i].Phase) {
			winner = &matches[i]
			break
		}
	}
	if winner == nil {
		// No resumable instance among the duplicates. Classify off the
		// newest and leave everything alone.
		return c.validate(&matches[0], t)
	}

	m, err := c.validate(winner, t)
	if err != nil {
		return nil, err
	}

	c.logger.Warn("multiple workflows match task, picking newest suspended",
		zap.Int("task_id", t.TaskID),
		zap.String("stage", t.Stage.String()),
		zap.Int("matches", len(matches)),
		zap.String("winner", winner.Name))

	var cancelled []string
	for i := range matches {
		if matches[i].Name == winner.Name {
			continue
		}
		stale := matches[i].Name
		if err := c.orch.CancelWorkflow(ctx, stale); err != nil {
			c.logger.Warn("failed to cancel duplicate workflow",
				zap.String("workflow", stale),
				zap.Error(err))
			continue
		}
		cancelled = append(cancelled, stale)
	}
	m.Duplicates = cancelled
	return m, nil
}

// isTerminal reports whether a workflow phase is final.
func isTerminal(phase string) bool {
	switch phase {
	case "Succeeded", "Failed", "Error":
		return true
	}
	return false
}
