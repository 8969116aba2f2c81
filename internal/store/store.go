package store

import (
	"context"
	"time"

	"github.com/steadyline/proactor/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflows
	CreateWorkflow(ctx context.Context, wf *Workflow, steps []*WorkflowStep) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	GetUserWorkflow(ctx context.Context, id, userID string) (*Workflow, error)
	UpdateWorkflow(ctx context.Context, id string, update WorkflowUpdate) error
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error)
	DeleteWorkflow(ctx context.Context, id string) error

	// TransitionWorkflow atomically moves a workflow from one of the given
	// statuses to the target status, applying the update in the same write.
	// It reports false when the row was not in any of the expected statuses,
	// which is how concurrent triggers for the same workflow lose the claim
	// race and no-op.
	TransitionWorkflow(ctx context.Context, id string, from []schema.WorkflowStatus, to schema.WorkflowStatus, update WorkflowUpdate) (bool, error)

	// ExtendTimeout consumes one unit of reminder budget: guarded on the row
	// still being waiting with the observed deadline, it increments
	// retry_count and pushes timeout_at to next. Reports false when a
	// concurrent resume (or a prior monitor pass) won the race.
	ExtendTimeout(ctx context.Context, id string, observed, next time.Time) (bool, error)

	// Steps
	ListSteps(ctx context.Context, workflowID string) ([]*WorkflowStep, error)
	NextPendingStep(ctx context.Context, workflowID string) (*WorkflowStep, error)
	UpdateStep(ctx context.Context, id string, update StepUpdate) error

	// Maintenance scans
	ExpiredWaiting(ctx context.Context, now time.Time, limit int) ([]*Workflow, error)
	TerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
	CountByStatus(ctx context.Context) (map[schema.WorkflowStatus]int, error)
	CountCreatedSince(ctx context.Context, since time.Time) (int, error)
	CountCompletedSince(ctx context.Context, since time.Time) (int, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
