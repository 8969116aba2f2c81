// Package dispatch routes units of deferred work to workers that invoke the
// execution driver. The Redis dispatcher gives multi-process deployments a
// shared queue with retries; the inline dispatcher runs everything
// synchronously for tests and single-process setups.
package dispatch

import (
	"context"

	"github.com/steadyline/proactor/internal/store"
)

// Task kinds.
const (
	TaskRun      = "run"
	TaskResume   = "resume"
	TaskReminder = "reminder"
)

// Task is one dispatcher unit, serialized as JSON on the queue. Attempt
// counts deliveries so transient failures re-enqueue a bounded number of
// times; completed steps are never re-run, so replaying a whole driver pass
// is safe.
type Task struct {
	ID         string         `json:"id"`
	Kind       string         `json:"kind"`
	WorkflowID string         `json:"workflow_id"`
	UserID     string         `json:"user_id,omitempty"`
	Response   map[string]any `json:"response,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
	Attempt    int            `json:"attempt"`
}

// Runner is the driver-side handler for run and resume tasks. Satisfied by
// *engine.Engine.
type Runner interface {
	RunWorkflow(ctx context.Context, workflowID string) error
	ResumeWorkflow(ctx context.Context, workflowID string, response map[string]any) (*store.Workflow, error)
}

// Reminder handles reminder tasks. Satisfied by *reminder.EmailDispatcher.
type Reminder interface {
	Remind(ctx context.Context, workflowID, userID string, wfContext map[string]any) error
}

// Dispatcher is the queueing boundary. EnqueueRun and EnqueueReminder also
// satisfy engine.Enqueuer.
type Dispatcher interface {
	EnqueueRun(ctx context.Context, workflowID string) error
	EnqueueResume(ctx context.Context, workflowID string, response map[string]any) error
	EnqueueReminder(ctx context.Context, workflowID, userID string, wfContext map[string]any) error
	Close() error
}
