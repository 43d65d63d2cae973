// Package events defines the inbound workflow event envelope and the rules
// for turning an event into a resume target: which task it belongs to and
// which waiting stage it should release.
package events

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/lucasnoah/stagehand/internal/workflow"
)

// MaxTaskID is the upper bound for extracted task IDs. Anything above it is
// treated as noise rather than a real task reference.
const MaxTaskID = 1_000_000

// Envelope is one inbound workflow event, shaped like a pull request webhook
// delivery. WorkflowName and LabelSelector optionally pin correlation to a
// specific workflow instead of the label lookup.
type Envelope struct {
	ID            string    `json:"id,omitempty"`
	Event         string    `json:"event_type"` // pull_request | pull_request_review
	Action        string    `json:"action"`     // opened | labeled | submitted
	Payload       Payload   `json:"payload"`
	WorkflowName  string    `json:"workflow_name,omitempty"`
	LabelSelector string    `json:"label_selector,omitempty"`
	ReceivedAt    time.Time `json:"received_at,omitempty"`
}

// Payload carries the webhook fields correlation reads.
type Payload struct {
	PR     PullRequest `json:"pull_request"`
	Label  *Label      `json:"label,omitempty"`
	Review *Review     `json:"review,omitempty"`
}

// PullRequest carries the fields task correlation reads.
type PullRequest struct {
	Number  int     `json:"number"`
	Title   string  `json:"title"`
	Body    string  `json:"body"`
	HTMLURL string  `json:"html_url"`
	Head    Ref     `json:"head"`
	Labels  []Label `json:"labels"`
}

// Ref is a branch reference.
type Ref struct {
	Ref string `json:"ref"`
}

// Label is a pull request label.
type Label struct {
	Name string `json:"name"`
}

// Review is a pull request review.
type Review struct {
	State string `json:"state"`
}

// NoTaskIDError reports an event whose pull request carries no usable task
// reference in any of its labels, branch name, title, or body.
type NoTaskIDError struct {
	PR int
}

func (e *NoTaskIDError) Error() string {
	return fmt.Sprintf("no task id found on pull request #%d", e.PR)
}

// UnmappedEventError reports an event that doesn't release any waiting
// stage. These are expected and dropped without a resume.
type UnmappedEventError struct {
	Event  string
	Action string
	Detail string
}

func (e *UnmappedEventError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("event %s/%s does not map to a stage (%s)", e.Event, e.Action, e.Detail)
	}
	return fmt.Sprintf("event %s/%s does not map to a stage", e.Event, e.Action)
}

// taskLabelPattern matches the exact task label form, e.g. "task-42".
var taskLabelPattern = regexp.MustCompile(`^task-(\d+)$`)

// taskRefPattern matches looser task references in branch names, titles, and
// bodies, e.g. "task-42", "task42", "Task 42".
var taskRefPattern = regexp.MustCompile(`(?i)task[- ]?(\d+)`)

// Validate checks the envelope has the fields its event type needs. The
// pull request number is optional: correlation keys off the task
// reference, which a label alone can supply.
func (e *Envelope) Validate() error {
	if e.Event == "" {
		return fmt.Errorf("event_type is required")
	}
	if e.Action == "" {
		return fmt.Errorf("action is required")
	}
	if e.Event == "pull_request" && e.Action == "labeled" && e.Payload.Label == nil {
		return fmt.Errorf("payload.label is required for labeled events")
	}
	if e.Event == "pull_request_review" && e.Payload.Review == nil {
		return fmt.Errorf("payload.review is required for review events")
	}
	return nil
}

// TaskID extracts the task this event belongs to. Sources are checked in
// precedence order: an exact task label, then the branch name, then the
// title, then the body. A source with a malformed or out-of-range candidate
// falls through to the next.
func (e *Envelope) TaskID() (int, error) {
	pr := &e.Payload.PR
	for _, l := range pr.Labels {
		if m := taskLabelPattern.FindStringSubmatch(l.Name); m != nil {
			if id, ok := parseTaskID(m[1]); ok {
				return id, nil
			}
		}
	}
	for _, text := range []string{pr.Head.Ref, pr.Title, pr.Body} {
		if m := taskRefPattern.FindStringSubmatch(text); m != nil {
			if id, ok := parseTaskID(m[1]); ok {
				return id, nil
			}
		}
	}
	return 0, &NoTaskIDError{PR: pr.Number}
}

// TargetStage maps the event to the waiting stage it releases.
func (e *Envelope) TargetStage() (workflow.Stage, error) {
	switch e.Event {
	case "pull_request":
		switch e.Action {
		case "opened":
			return workflow.StageWaitingPrCreated, nil
		case "labeled":
			if e.Payload.Label != nil && e.Payload.Label.Name == "ready-for-qa" {
				return workflow.StageWaitingReadyForQa, nil
			}
			detail := "no label"
			if e.Payload.Label != nil {
				detail = fmt.Sprintf("label %q", e.Payload.Label.Name)
			}
			return "", &UnmappedEventError{Event: e.Event, Action: e.Action, Detail: detail}
		}
	case "pull_request_review":
		if e.Action == "submitted" && e.Payload.Review != nil && strings.EqualFold(e.Payload.Review.State, "approved") {
			return workflow.StageWaitingPrApproved, nil
		}
		detail := "no review"
		if e.Payload.Review != nil {
			detail = fmt.Sprintf("review state %q", e.Payload.Review.State)
		}
		return "", &UnmappedEventError{Event: e.Event, Action: e.Action, Detail: detail}
	}
	return "", &UnmappedEventError{Event: e.Event, Action: e.Action}
}

func parseTaskID(digits string) (int, bool) {
	id, err := strconv.Atoi(digits)
	if err != nil || id <= 0 || id > MaxTaskID {
		return 0, false
	}
	return id, true
}
