package events

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/lucasnoah/stagehand/internal/workflow"
)

func prEnvelope(pr PullRequest) *Envelope {
	return &Envelope{Event: "pull_request", Action: "opened", Payload: Payload{PR: pr}}
}

func TestTaskIDLabelBeatsBranch(t *testing.T) {
	e := prEnvelope(PullRequest{
		Number: 10,
		Labels: []Label{{Name: "enhancement"}, {Name: "task-7"}},
		Head:   Ref{Ref: "task-99-some-branch"},
		Title:  "task 42 in the title",
	})

	id, err := e.TaskID()
	if err != nil {
		t.Fatalf("TaskID() error: %v", err)
	}
	if id != 7 {
		t.Errorf("TaskID() = %d, want 7 (label wins)", id)
	}
}

func TestTaskIDBranchBeatsTitle(t *testing.T) {
	e := prEnvelope(PullRequest{
		Number: 10,
		Head:   Ref{Ref: "task-99-fix-login"},
		Title:  "task 42 in the title",
	})

	id, err := e.TaskID()
	if err != nil {
		t.Fatalf("TaskID() error: %v", err)
	}
	if id != 99 {
		t.Errorf("TaskID() = %d, want 99 (branch wins)", id)
	}
}

func TestTaskIDFromTitleAndBody(t *testing.T) {
	cases := []struct {
		name string
		pr   PullRequest
		want int
	}{
		{"title dash", PullRequest{Number: 1, Title: "Fixes Task-12"}, 12},
		{"title space", PullRequest{Number: 1, Title: "fixes task 12 properly"}, 12},
		{"title compact", PullRequest{Number: 1, Title: "task12"}, 12},
		{"body fallback", PullRequest{Number: 1, Title: "no ref here", Body: "Closes task-3."}, 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			id, err := prEnvelope(tc.pr).TaskID()
			if err != nil {
				t.Fatalf("TaskID() error: %v", err)
			}
			if id != tc.want {
				t.Errorf("TaskID() = %d, want %d", id, tc.want)
			}
		})
	}
}

func TestTaskIDRejectsOutOfRange(t *testing.T) {
	// A zero candidate in the label falls through to the branch.
	e := prEnvelope(PullRequest{
		Number: 4,
		Labels: []Label{{Name: "task-0"}},
		Head:   Ref{Ref: "task-8-cleanup"},
	})
	id, err := e.TaskID()
	if err != nil {
		t.Fatalf("TaskID() error: %v", err)
	}
	if id != 8 {
		t.Errorf("TaskID() = %d, want 8 (zero label skipped)", id)
	}

	// Candidates above the bound are noise.
	e = prEnvelope(PullRequest{Number: 4, Title: "task-1000001"})
	_, err = e.TaskID()
	var missing *NoTaskIDError
	if !errors.As(err, &missing) {
		t.Fatalf("err = %v, want NoTaskIDError", err)
	}
	if missing.PR != 4 {
		t.Errorf("NoTaskIDError.PR = %d, want 4", missing.PR)
	}
}

func TestTaskIDMissing(t *testing.T) {
	e := prEnvelope(PullRequest{Number: 2, Title: "just a refactor", Body: "no references"})
	_, err := e.TaskID()
	var missing *NoTaskIDError
	if !errors.As(err, &missing) {
		t.Fatalf("err = %v, want NoTaskIDError", err)
	}
}

func TestTargetStageMapping(t *testing.T) {
	cases := []struct {
		name string
		e    Envelope
		want workflow.Stage
	}{
		{
			"pr opened",
			Envelope{Event: "pull_request", Action: "opened", Payload: Payload{PR: PullRequest{Number: 1}}},
			workflow.StageWaitingPrCreated,
		},
		{
			"ready-for-qa label",
			Envelope{Event: "pull_request", Action: "labeled", Payload: Payload{Label: &Label{Name: "ready-for-qa"}, PR: PullRequest{Number: 1}}},
			workflow.StageWaitingReadyForQa,
		},
		{
			"review approved",
			Envelope{Event: "pull_request_review", Action: "submitted", Payload: Payload{Review: &Review{State: "APPROVED"}, PR: PullRequest{Number: 1}}},
			workflow.StageWaitingPrApproved,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.e.TargetStage()
			if err != nil {
				t.Fatalf("TargetStage() error: %v", err)
			}
			if got != tc.want {
				t.Errorf("TargetStage() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestTargetStageUnmapped(t *testing.T) {
	cases := []struct {
		name string
		e    Envelope
	}{
		{"other label", Envelope{Event: "pull_request", Action: "labeled", Payload: Payload{Label: &Label{Name: "documentation"}}}},
		{"changes requested", Envelope{Event: "pull_request_review", Action: "submitted", Payload: Payload{Review: &Review{State: "changes_requested"}}}},
		{"pr closed", Envelope{Event: "pull_request", Action: "closed"}},
		{"unknown event", Envelope{Event: "issues", Action: "opened"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.e.TargetStage()
			var unmapped *UnmappedEventError
			if !errors.As(err, &unmapped) {
				t.Fatalf("err = %v, want UnmappedEventError", err)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	good := []Envelope{
		{Event: "pull_request", Action: "opened", Payload: Payload{PR: PullRequest{Number: 3}}},
		// A PR number is not required; a task label alone is enough to correlate.
		{Event: "pull_request", Action: "opened", Payload: Payload{PR: PullRequest{Labels: []Label{{Name: "task-5"}}}}},
	}
	for i, e := range good {
		if err := e.Validate(); err != nil {
			t.Errorf("Validate() error for valid envelope %d: %v", i, err)
		}
	}

	bad := []Envelope{
		{Action: "opened", Payload: Payload{PR: PullRequest{Number: 3}}},
		{Event: "pull_request", Payload: Payload{PR: PullRequest{Number: 3}}},
		{Event: "pull_request", Action: "labeled", Payload: Payload{PR: PullRequest{Number: 3}}},
		{Event: "pull_request_review", Action: "submitted", Payload: Payload{PR: PullRequest{Number: 3}}},
	}
	for i, e := range bad {
		if err := e.Validate(); err == nil {
			t.Errorf("Validate() accepted invalid envelope %d: %+v", i, e)
		}
	}
}

func TestEnvelopeWireFormat(t *testing.T) {
	raw := `{
		"event_type": "pull_request",
		"action": "labeled",
		"payload": {
			"pull_request": {
				"number": 88,
				"title": "Add exporter",
				"head": {"ref": "task-12-exporter"},
				"html_url": "https://github.com/acme/app/pull/88",
				"labels": [{"name": "task-12"}]
			},
			"label": {"name": "ready-for-qa"}
		},
		"workflow_name": "play-orchestration-12"
	}`
	var e Envelope
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if e.Event != "pull_request" || e.Action != "labeled" {
		t.Errorf("event = %s/%s", e.Event, e.Action)
	}
	if e.Payload.PR.Number != 88 {
		t.Errorf("pr number = %d, want 88", e.Payload.PR.Number)
	}
	if e.Payload.Label == nil || e.Payload.Label.Name != "ready-for-qa" {
		t.Errorf("label = %+v", e.Payload.Label)
	}
	if e.WorkflowName != "play-orchestration-12" {
		t.Errorf("workflow_name = %q", e.WorkflowName)
	}
	id, err := e.TaskID()
	if err != nil || id != 12 {
		t.Errorf("TaskID() = %d, %v, want 12", id, err)
	}
}
