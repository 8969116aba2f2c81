package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/steadyline/proactor/internal/logging"
	"github.com/steadyline/proactor/internal/store"
	"github.com/steadyline/proactor/pkg/schema"
)

// MonitorTimeouts is one periodic pass over waiting workflows whose deadline
// has passed. With reminder budget left, the deadline is pushed forward and a
// reminder task is enqueued; with the budget spent, the workflow fails. Both
// actions are guarded compare-and-sets so a concurrent resume always wins.
// No step rows change in either branch.
func (e *Engine) MonitorTimeouts(ctx context.Context) error {
	now := e.now().UTC()
	expired, err := e.store.ExpiredWaiting(ctx, now, e.cfg.MonitorBatch)
	if err != nil {
		return err
	}
	if len(expired) == 0 {
		return nil
	}

	var errs []error
	for _, wf := range expired {
		if err := e.handleExpired(ctx, wf, now); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) handleExpired(ctx context.Context, wf *store.Workflow, now time.Time) error {
	ctx = logging.WithWorkflowID(ctx, wf.ID)
	log := logging.LogWith(ctx, e.logger)

	if wf.TimeoutAt == nil {
		// timeout_at is non-null iff waiting; a nil here means the row moved
		// on between the scan and this read.
		return nil
	}

	if wf.RetryCount < wf.MaxRetries {
		next := now.Add(time.Duration(e.cfg.ExtensionHours * float64(time.Hour)))
		extended, err := e.store.ExtendTimeout(ctx, wf.ID, *wf.TimeoutAt, next)
		if err != nil {
			return err
		}
		if !extended {
			log.InfoContext(ctx, "timeout extension lost to a concurrent resume")
			return nil
		}
		log.InfoContext(ctx, "reminder budget spent, deadline extended",
			slog.Int("retry_count", wf.RetryCount+1),
			slog.Int("max_retries", wf.MaxRetries),
			slog.Time("timeout_at", next))

		if err := e.enqueuer.EnqueueReminder(ctx, wf.ID, wf.UserID, decodeJSONObject(wf.Context)); err != nil {
			// Reminders are fire-and-forget; the extension already happened.
			log.WarnContext(ctx, "enqueue reminder failed",
				slog.String("error", err.Error()))
		}
		return nil
	}

	message := "timed out waiting for response"
	failed, err := e.store.TransitionWorkflow(ctx, wf.ID,
		[]schema.WorkflowStatus{schema.WorkflowWaiting},
		schema.WorkflowFailed,
		store.WorkflowUpdate{
			ErrorMessage:   &message,
			CompletedAt:    &now,
			ClearTimeoutAt: true,
		},
	)
	if err != nil {
		return err
	}
	if failed {
		log.WarnContext(ctx, "workflow failed on exhausted reminder budget",
			slog.Int("retry_count", wf.RetryCount))
	}
	return nil
}
