package workflow

import "fmt"

// Stage identifies a pipeline checkpoint where a workflow may suspend
// awaiting an external event. The set is fixed at compile time; the string
// values double as the orchestrator's current-stage label values.
type Stage string

const (
	StageRepositoryClone   Stage = "repository-clone"
	StageCodeAnalysis      Stage = "code-analysis"
	StageTestExecution     Stage = "test-execution"
	StageWaitingPrCreated  Stage = "waiting-pr-created"
	StageWaitingReadyForQa Stage = "waiting-ready-for-qa"
	StageWaitingPrApproved Stage = "waiting-pr-approved"
)

// Label keys used on orchestrator workflow resources.
const (
	LabelTaskID       = "task-id"
	LabelCurrentStage = "current-stage"
	LabelWorkflowType = "workflow-type"
)

// Stages lists every stage in pipeline order.
func Stages() []Stage {
	return []Stage{
		StageRepositoryClone,
		StageCodeAnalysis,
		StageTestExecution,
		StageWaitingPrCreated,
		StageWaitingReadyForQa,
		StageWaitingPrApproved,
	}
}

var validStages = map[Stage]bool{
	StageRepositoryClone:   true,
	StageCodeAnalysis:      true,
	StageTestExecution:     true,
	StageWaitingPrCreated:  true,
	StageWaitingReadyForQa: true,
	StageWaitingPrApproved: true,
}

// Valid reports whether s is one of the defined stages.
func (s Stage) Valid() bool {
	return validStages[s]
}

// Order returns the stage's position in pipeline order, or -1 for an
// unknown stage. Later stages compare greater.
func (s Stage) Order() int {
	for i, stage := range Stages() {
		if stage == s {
			return i
		}
	}
	return -1
}

func (s Stage) String() string {
	return string(s)
}

// ParseStage converts a stage label value into a Stage.
func ParseStage(value string) (Stage, error) {
	s := Stage(value)
	if !s.Valid() {
		return "", fmt.Errorf("unknown stage %q", value)
	}
	return s, nil
}
