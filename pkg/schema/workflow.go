package schema

import (
	"encoding/json"
	"time"
)

// WorkflowStatus enumerates the lifecycle states of a workflow instance.
type WorkflowStatus string

const (
	WorkflowPending   WorkflowStatus = "pending"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowWaiting   WorkflowStatus = "waiting"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowCancelled WorkflowStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s WorkflowStatus) IsTerminal() bool {
	switch s {
	case WorkflowCompleted, WorkflowFailed, WorkflowCancelled:
		return true
	}
	return false
}

// StepStatus enumerates the lifecycle states of a single step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Consumed reports whether the driver is done with a step and will never
// revisit it.
func (s StepStatus) Consumed() bool {
	return s == StepCompleted || s == StepSkipped
}

// StepType enumerates the kinds of steps a template can emit. The set is
// closed: the driver dispatches through a single exhaustive switch.
type StepType string

const (
	StepToolCall        StepType = "tool_call"
	StepAIDecision      StepType = "ai_decision"
	StepWaitForResponse StepType = "wait_for_response"
	StepSendEmail       StepType = "send_email"
	StepScheduleMeeting StepType = "schedule_meeting"
)

// Known workflow template types. Unknown types fall back to a single
// open-ended decision step.
const (
	WorkflowTypeScheduleAppointment = "schedule_appointment"
	WorkflowTypeFollowUpEmail       = "follow_up_email"
	WorkflowTypeGeneric             = "generic"
)

// Reserved context keys written by the engine itself.
const (
	ContextKeyResponse   = "response"
	ContextKeyResponseAt = "response_received_at"
	ContextKeyWaiting    = "waiting"
)

// ToolCallConfig is the config record for tool_call steps. Argument string
// values may contain ${{path}} interpolation tokens resolved against the
// execution scope.
type ToolCallConfig struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// DecisionConfig is the config record for ai_decision steps.
type DecisionConfig struct {
	Instruction  string   `json:"instruction"`
	Options      []string `json:"options,omitempty"`
	UseRetrieval bool     `json:"use_retrieval,omitempty"`
}

// WaitConfig is the config record for wait_for_response steps.
type WaitConfig struct {
	TimeoutHours float64       `json:"timeout_hours"`
	Expect       []string      `json:"expect,omitempty"`
	Match        string        `json:"match,omitempty"`
	Reminder     *ReminderSpec `json:"reminder,omitempty"`
}

// ReminderSpec describes the nudge sent while a workflow waits past its
// deadline with retry budget remaining. Fields are interpolatable templates,
// frozen to literal strings when the owning step suspends.
type ReminderSpec struct {
	Kind    string `json:"kind,omitempty"` // email | calendar
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// EmailConfig is the config record for send_email steps.
type EmailConfig struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// MeetingConfig is the config record for schedule_meeting steps.
type MeetingConfig struct {
	Title           string `json:"title"`
	AttendeeEmail   string `json:"attendee_email"`
	StartTime       string `json:"start_time"`
	DurationMinutes int    `json:"duration_minutes,omitempty"`
	Description     string `json:"description,omitempty"`
}

// ConditionType enumerates the supported step guard comparisons.
type ConditionType string

const (
	ConditionEquals      ConditionType = "equals"
	ConditionNotEquals   ConditionType = "not_equals"
	ConditionContains    ConditionType = "contains"
	ConditionExists      ConditionType = "exists"
	ConditionGreaterThan ConditionType = "greater_than"
	ConditionLessThan    ConditionType = "less_than"
)

// Condition guards a step. Field is a dot path into the execution scope
// (e.g. "steps.confirm_or_negotiate.selected_option"). A false condition
// marks the step skipped instead of running it.
type Condition struct {
	Type  ConditionType `json:"type"`
	Field string        `json:"field"`
	Value any           `json:"value,omitempty"`
}

// StepDescriptor is the template generator's output: one planned step.
// Config is the serialized, schema-validated config record for the step type.
type StepDescriptor struct {
	StepNumber int             `json:"step_number"`
	Name       string          `json:"name"`
	Type       StepType        `json:"type"`
	Config     json.RawMessage `json:"config"`
	Condition  *Condition      `json:"condition,omitempty"`
}

// StartResult is returned when a workflow is accepted.
type StartResult struct {
	WorkflowID string         `json:"workflow_id"`
	Status     WorkflowStatus `json:"status"`
	Message    string         `json:"message"`
}

// ContinueResult is returned by the resume entry point.
type ContinueResult struct {
	Status  WorkflowStatus `json:"status"`
	Message string         `json:"message"`
	Result  any            `json:"result,omitempty"`
}

// StepView is the per-step summary exposed by status queries.
type StepView struct {
	StepNumber  int        `json:"step_number"`
	Name        string     `json:"name"`
	Type        StepType   `json:"type"`
	Status      StepStatus `json:"status"`
	Error       string     `json:"error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// WorkflowView is the workflow summary exposed by status and list queries.
type WorkflowView struct {
	WorkflowID  string         `json:"workflow_id"`
	UserID      string         `json:"user_id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Type        string         `json:"workflow_type"`
	Status      WorkflowStatus `json:"status"`
	Error       string         `json:"error,omitempty"`
	RetryCount  int            `json:"retry_count"`
	MaxRetries  int            `json:"max_retries"`
	TimeoutAt   *time.Time     `json:"timeout_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Steps       []StepView     `json:"steps,omitempty"`
}

// Metrics aggregates instance counts for operational visibility.
type Metrics struct {
	Total            int                    `json:"total"`
	ByStatus         map[WorkflowStatus]int `json:"by_status"`
	Active           int                    `json:"active"`
	CreatedLast24h   int                    `json:"created_last_24h"`
	CompletedLast24h int                    `json:"completed_last_24h"`
}
