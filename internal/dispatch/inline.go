package dispatch

import (
	"context"
	"log/slog"
)

// Inline executes every task synchronously in the caller's goroutine. No
// retries: the caller sees the error directly.
type Inline struct {
	runner   Runner
	reminder Reminder
	logger   *slog.Logger
}

// NewInline creates a synchronous dispatcher. reminder may be nil; reminder
// tasks are then logged and dropped.
func NewInline(runner Runner, reminder Reminder, logger *slog.Logger) *Inline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Inline{runner: runner, reminder: reminder, logger: logger}
}

func (d *Inline) EnqueueRun(ctx context.Context, workflowID string) error {
	return d.runner.RunWorkflow(ctx, workflowID)
}

func (d *Inline) EnqueueResume(ctx context.Context, workflowID string, response map[string]any) error {
	_, err := d.runner.ResumeWorkflow(ctx, workflowID, response)
	return err
}

func (d *Inline) EnqueueReminder(ctx context.Context, workflowID, userID string, wfContext map[string]any) error {
	if d.reminder == nil {
		d.logger.WarnContext(ctx, "no reminder handler wired, dropping reminder",
			slog.String("workflow_id", workflowID))
		return nil
	}
	return d.reminder.Remind(ctx, workflowID, userID, wfContext)
}

func (d *Inline) Close() error { return nil }

var _ Dispatcher = (*Inline)(nil)
