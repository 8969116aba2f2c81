// Package reminder delivers the out-of-band nudge sent while a workflow
// waits past its deadline with retry budget remaining. Delivery is
// fire-and-forget: a failed reminder never alters workflow state.
package reminder

import (
	"context"
	"log/slog"

	"github.com/steadyline/proactor/internal/expressions"
	"github.com/steadyline/proactor/internal/logging"
	"github.com/steadyline/proactor/internal/tools"
)

// Dispatcher accepts (workflow_id, context) and performs the notification.
type Dispatcher interface {
	Remind(ctx context.Context, workflowID, userID string, wfContext map[string]any) error
}

// EmailDispatcher sends reminders through the email tool. The reminder spec
// is read from the context the wait step froze at suspension time
// (context.waiting.reminder); absence of a spec is a logged no-op.
type EmailDispatcher struct {
	tools  tools.Executor
	jq     *expressions.GoJQEngine
	logger *slog.Logger
}

// NewEmailDispatcher creates an EmailDispatcher.
func NewEmailDispatcher(exec tools.Executor, jq *expressions.GoJQEngine, logger *slog.Logger) *EmailDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &EmailDispatcher{tools: exec, jq: jq, logger: logger}
}

// Remind extracts the frozen reminder spec from the workflow context and
// sends it with a "Reminder: " subject prefix.
func (d *EmailDispatcher) Remind(ctx context.Context, workflowID, userID string, wfContext map[string]any) error {
	ctx = logging.WithWorkflowID(ctx, workflowID)
	log := logging.LogWith(ctx, d.logger)

	root := map[string]any{"context": wfContext}
	to := d.pathString(ctx, "context.waiting.reminder.to", root)
	subject := d.pathString(ctx, "context.waiting.reminder.subject", root)
	body := d.pathString(ctx, "context.waiting.reminder.body", root)

	if to == "" {
		log.Info("no reminder spec in workflow context, skipping reminder")
		return nil
	}
	if subject == "" {
		subject = "your response is pending"
	}

	res, err := d.tools.Execute(ctx, tools.ToolSendEmail, map[string]any{
		"to":      to,
		"subject": "Reminder: " + subject,
		"body":    body,
	}, userID)
	if err != nil {
		log.Warn("reminder delivery failed", slog.String("error", err.Error()))
		return err
	}
	if !res.Success {
		log.Warn("reminder rejected by email tool", slog.String("error", res.Error))
		return nil
	}

	log.Info("reminder sent", slog.String("to", to))
	return nil
}

func (d *EmailDispatcher) pathString(ctx context.Context, path string, data map[string]any) string {
	v, err := d.jq.Path(ctx, path, data)
	if err != nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

var _ Dispatcher = (*EmailDispatcher)(nil)
