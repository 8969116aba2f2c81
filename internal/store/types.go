package store

import (
	"encoding/json"
	"time"

	"github.com/steadyline/proactor/pkg/schema"
)

// Workflow is the persisted representation of one workflow instance.
// InputData is the immutable snapshot of the caller's request; Context is the
// mutable accumulator that grows as steps execute.
type Workflow struct {
	ID           string                `json:"id"`
	UserID       string                `json:"user_id"`
	Name         string                `json:"name"`
	Description  string                `json:"description,omitempty"`
	Type         string                `json:"workflow_type"`
	Status       schema.WorkflowStatus `json:"status"`
	InputData    json.RawMessage       `json:"input_data"`
	Context      json.RawMessage       `json:"context"`
	TimeoutAt    *time.Time            `json:"timeout_at,omitempty"`
	RetryCount   int                   `json:"retry_count"`
	MaxRetries   int                   `json:"max_retries"`
	ErrorMessage string                `json:"error_message,omitempty"`
	CreatedAt    time.Time             `json:"created_at"`
	UpdatedAt    time.Time             `json:"updated_at"`
	CompletedAt  *time.Time            `json:"completed_at,omitempty"`
}

// WorkflowStep is one ordered unit of work within a workflow. Config is fixed
// at template-generation time and never mutated afterwards.
type WorkflowStep struct {
	ID           string            `json:"id"`
	WorkflowID   string            `json:"workflow_id"`
	StepNumber   int               `json:"step_number"`
	Name         string            `json:"name"`
	Type         schema.StepType   `json:"step_type"`
	Config       json.RawMessage   `json:"config"`
	Condition    json.RawMessage   `json:"condition,omitempty"`
	Status       schema.StepStatus `json:"status"`
	OutputData   json.RawMessage   `json:"output_data,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
}

// WorkflowFilter specifies criteria for listing workflows.
type WorkflowFilter struct {
	UserID string                 `json:"user_id,omitempty"`
	Status *schema.WorkflowStatus `json:"status,omitempty"`
	Since  *time.Time             `json:"since,omitempty"`
	Limit  int                    `json:"limit,omitempty"`
	Offset int                    `json:"offset,omitempty"`
}

// WorkflowUpdate specifies the mutable fields of a workflow row. Nil pointers
// leave the column untouched; ClearTimeoutAt nulls timeout_at so the
// "timeout_at set iff waiting" invariant can be maintained on transitions out
// of waiting.
type WorkflowUpdate struct {
	Status         *schema.WorkflowStatus `json:"status,omitempty"`
	Context        json.RawMessage        `json:"context,omitempty"`
	TimeoutAt      *time.Time             `json:"timeout_at,omitempty"`
	ClearTimeoutAt bool                   `json:"clear_timeout_at,omitempty"`
	RetryCount     *int                   `json:"retry_count,omitempty"`
	ErrorMessage   *string                `json:"error_message,omitempty"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty"`
}

// StepUpdate specifies the mutable fields of a step row.
type StepUpdate struct {
	Status       *schema.StepStatus `json:"status,omitempty"`
	OutputData   json.RawMessage    `json:"output_data,omitempty"`
	ErrorMessage *string            `json:"error_message,omitempty"`
	StartedAt    *time.Time         `json:"started_at,omitempty"`
	CompletedAt  *time.Time         `json:"completed_at,omitempty"`
}
