package engine

import (
	"github.com/steadyline/proactor/pkg/schema"
)

// ValidWorkflowTransitions defines the allowed lifecycle moves for workflows.
// The driver consults this table before every persisted transition; the store's
// compare-and-set then enforces it against concurrent writers.
var ValidWorkflowTransitions = map[schema.WorkflowStatus][]schema.WorkflowStatus{
	schema.WorkflowPending:   {schema.WorkflowRunning, schema.WorkflowCancelled},
	schema.WorkflowRunning:   {schema.WorkflowWaiting, schema.WorkflowCompleted, schema.WorkflowFailed, schema.WorkflowCancelled},
	schema.WorkflowWaiting:   {schema.WorkflowRunning, schema.WorkflowFailed, schema.WorkflowCancelled},
	schema.WorkflowCompleted: {},
	schema.WorkflowFailed:    {},
	schema.WorkflowCancelled: {},
}

// ValidStepTransitions defines the allowed lifecycle moves for steps. skipped
// is reachable from pending (condition false) and from running only through
// the cancellation cascade.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepPending:   {schema.StepRunning, schema.StepSkipped},
	schema.StepRunning:   {schema.StepCompleted, schema.StepFailed, schema.StepSkipped},
	schema.StepCompleted: {},
	schema.StepFailed:    {},
	schema.StepSkipped:   {},
}

func isValidWorkflowTransition(from, to schema.WorkflowStatus) bool {
	for _, a := range ValidWorkflowTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

func isValidStepTransition(from, to schema.StepStatus) bool {
	for _, a := range ValidStepTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

// validateWorkflowTransition returns INVALID_TRANSITION when the move is not
// in the table.
func validateWorkflowTransition(workflowID string, from, to schema.WorkflowStatus) error {
	if isValidWorkflowTransition(from, to) {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid workflow transition: %s -> %s", from, to).
		WithWorkflow(workflowID)
}

// validateStepTransition returns INVALID_TRANSITION when the move is not in
// the table.
func validateStepTransition(stepID string, from, to schema.StepStatus) error {
	if isValidStepTransition(from, to) {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid step transition: %s -> %s", from, to).
		WithStep(stepID)
}
