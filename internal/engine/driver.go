package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"dario.cat/mergo"

	"github.com/steadyline/proactor/internal/expressions"
	"github.com/steadyline/proactor/internal/logging"
	"github.com/steadyline/proactor/internal/store"
	"github.com/steadyline/proactor/pkg/schema"
)

// RunWorkflow claims a pending workflow and drives its chain. Losing the
// claim race means another runner owns the chain; that is a logged no-op, not
// an error, so the dispatcher never retries a duplicate trigger.
func (e *Engine) RunWorkflow(ctx context.Context, workflowID string) error {
	ctx = logging.WithWorkflowID(ctx, workflowID)
	log := logging.LogWith(ctx, e.logger)

	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if wf.Status != schema.WorkflowPending {
		log.InfoContext(ctx, "run trigger skipped",
			slog.String("status", string(wf.Status)))
		return nil
	}

	claimed, err := e.store.TransitionWorkflow(ctx, workflowID,
		[]schema.WorkflowStatus{schema.WorkflowPending},
		schema.WorkflowRunning, store.WorkflowUpdate{})
	if err != nil {
		return err
	}
	if !claimed {
		log.InfoContext(ctx, "run claim lost, another runner owns the chain")
		return nil
	}

	_, err = e.runChain(ctx, workflowID)
	return err
}

// ResumeWorkflow delivers response data to a waiting workflow: the response
// is merged into the context under the reserved keys atomically with the
// waiting -> running claim, then the chain runs. A second concurrent trigger
// observes the row no longer waiting and no-ops, returning the current row.
func (e *Engine) ResumeWorkflow(ctx context.Context, workflowID string, response map[string]any) (*store.Workflow, error) {
	ctx = logging.WithWorkflowID(ctx, workflowID)
	log := logging.LogWith(ctx, e.logger)

	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if wf.Status != schema.WorkflowWaiting {
		log.InfoContext(ctx, "resume trigger skipped",
			slog.String("status", string(wf.Status)))
		return wf, nil
	}

	merged, err := mergeContext(wf.Context, map[string]any{
		schema.ContextKeyResponse:   response,
		schema.ContextKeyResponseAt: e.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, err
	}

	claimed, err := e.store.TransitionWorkflow(ctx, workflowID,
		[]schema.WorkflowStatus{schema.WorkflowWaiting},
		schema.WorkflowRunning,
		store.WorkflowUpdate{Context: merged, ClearTimeoutAt: true},
	)
	if err != nil {
		return nil, err
	}
	if !claimed {
		log.InfoContext(ctx, "resume claim lost, another trigger already resumed")
		return e.store.GetWorkflow(ctx, workflowID)
	}

	log.InfoContext(ctx, "workflow resumed")
	return e.runChain(ctx, workflowID)
}

// runChain is the driver loop: it re-reads the workflow each iteration (the
// store is authoritative, a concurrent cancel must win), executes the lowest
// pending step, and keeps going until completion, failure, or suspension.
// The caller must hold the running claim.
func (e *Engine) runChain(ctx context.Context, workflowID string) (*store.Workflow, error) {
	log := logging.LogWith(ctx, e.logger)

	for i := 0; i < e.cfg.MaxChainIterations; i++ {
		wf, err := e.store.GetWorkflow(ctx, workflowID)
		if err != nil {
			return nil, err
		}
		if wf.Status != schema.WorkflowRunning {
			// Terminal (a concurrent cancel won) or otherwise out of our
			// hands; stop between steps, roll nothing back.
			return wf, nil
		}

		step, err := e.store.NextPendingStep(ctx, workflowID)
		if err != nil {
			return nil, err
		}
		if step == nil {
			return e.finishChain(ctx, wf)
		}

		stepCtx := logging.WithStepNumber(ctx, step.StepNumber)
		scope, priorSteps, err := e.buildScope(stepCtx, wf)
		if err != nil {
			return e.failChain(ctx, wf, step, err.Error())
		}

		if len(step.Condition) > 0 {
			pass, err := e.evaluateStepCondition(stepCtx, step, scope)
			if err != nil {
				return e.failChain(ctx, wf, step, err.Error())
			}
			if !pass {
				if err := e.skipStep(stepCtx, step); err != nil {
					return nil, err
				}
				logging.LogWith(stepCtx, e.logger).InfoContext(stepCtx, "step skipped, condition false",
					slog.String("step", step.Name))
				continue
			}
		}

		if err := e.claimStep(stepCtx, step); err != nil {
			return nil, err
		}
		logging.LogWith(stepCtx, e.logger).InfoContext(stepCtx, "step started",
			slog.String("step", step.Name),
			slog.String("step_type", string(step.Type)))

		out := e.executeStep(stepCtx, wf, step, scope, priorSteps)

		if !out.success {
			return e.failChain(ctx, wf, step, out.errMessage)
		}

		if err := e.completeStep(stepCtx, step, out.output); err != nil {
			return nil, err
		}

		newContext := wf.Context
		if len(out.contextDelta) > 0 {
			newContext, err = mergeContext(wf.Context, out.contextDelta)
			if err != nil {
				return nil, err
			}
		}

		if out.suspend {
			return e.suspendChain(stepCtx, wf, newContext, out.timeoutAt)
		}

		if len(out.contextDelta) > 0 {
			if err := e.store.UpdateWorkflow(ctx, workflowID, store.WorkflowUpdate{Context: newContext}); err != nil {
				return nil, err
			}
		}
	}

	log.ErrorContext(ctx, "chain iteration limit reached",
		slog.Int("limit", e.cfg.MaxChainIterations))
	return e.failWorkflow(ctx, workflowID, "chain iteration limit reached, aborting run")
}

// finishChain moves a running workflow with no pending step left to
// completed. Losing the compare-and-set means a concurrent cancel won.
func (e *Engine) finishChain(ctx context.Context, wf *store.Workflow) (*store.Workflow, error) {
	now := e.now().UTC()
	claimed, err := e.store.TransitionWorkflow(ctx, wf.ID,
		[]schema.WorkflowStatus{schema.WorkflowRunning},
		schema.WorkflowCompleted,
		store.WorkflowUpdate{CompletedAt: &now, ClearTimeoutAt: true},
	)
	if err != nil {
		return nil, err
	}
	if claimed {
		logging.LogWith(ctx, e.logger).InfoContext(ctx, "workflow completed")
	}
	return e.store.GetWorkflow(ctx, wf.ID)
}

// suspendChain parks the workflow in waiting with its timeout stamped, in the
// same write as the accumulated context.
func (e *Engine) suspendChain(ctx context.Context, wf *store.Workflow, newContext json.RawMessage, timeoutAt time.Time) (*store.Workflow, error) {
	claimed, err := e.store.TransitionWorkflow(ctx, wf.ID,
		[]schema.WorkflowStatus{schema.WorkflowRunning},
		schema.WorkflowWaiting,
		store.WorkflowUpdate{Context: newContext, TimeoutAt: &timeoutAt},
	)
	if err != nil {
		return nil, err
	}
	if claimed {
		logging.LogWith(ctx, e.logger).InfoContext(ctx, "workflow waiting",
			slog.Time("timeout_at", timeoutAt))
	}
	return e.store.GetWorkflow(ctx, wf.ID)
}

// failChain records the step failure and moves the workflow to failed with
// the same message.
func (e *Engine) failChain(ctx context.Context, wf *store.Workflow, step *store.WorkflowStep, message string) (*store.Workflow, error) {
	now := e.now().UTC()
	failed := schema.StepFailed
	if isValidStepTransition(step.Status, schema.StepFailed) {
		if err := e.store.UpdateStep(ctx, step.ID, store.StepUpdate{
			Status:       &failed,
			ErrorMessage: &message,
			CompletedAt:  &now,
		}); err != nil {
			return nil, err
		}
	}
	logging.LogWith(ctx, e.logger).ErrorContext(ctx, "step failed",
		slog.String("step", step.Name),
		slog.String("error", message))
	return e.failWorkflow(ctx, wf.ID, message)
}

func (e *Engine) failWorkflow(ctx context.Context, workflowID, message string) (*store.Workflow, error) {
	now := e.now().UTC()
	_, err := e.store.TransitionWorkflow(ctx, workflowID,
		[]schema.WorkflowStatus{schema.WorkflowRunning},
		schema.WorkflowFailed,
		store.WorkflowUpdate{ErrorMessage: &message, CompletedAt: &now, ClearTimeoutAt: true},
	)
	if err != nil {
		return nil, err
	}
	return e.store.GetWorkflow(ctx, workflowID)
}

func (e *Engine) claimStep(ctx context.Context, step *store.WorkflowStep) error {
	if err := validateStepTransition(step.ID, step.Status, schema.StepRunning); err != nil {
		return err
	}
	now := e.now().UTC()
	running := schema.StepRunning
	if err := e.store.UpdateStep(ctx, step.ID, store.StepUpdate{
		Status:    &running,
		StartedAt: &now,
	}); err != nil {
		return err
	}
	step.Status = schema.StepRunning
	return nil
}

func (e *Engine) completeStep(ctx context.Context, step *store.WorkflowStep, output map[string]any) error {
	now := e.now().UTC()
	completed := schema.StepCompleted
	update := store.StepUpdate{Status: &completed, CompletedAt: &now}
	if output != nil {
		raw, err := json.Marshal(output)
		if err != nil {
			return schema.NewError(schema.ErrCodeInternal, "encode step output").WithStep(step.ID).WithCause(err)
		}
		update.OutputData = raw
	}
	return e.store.UpdateStep(ctx, step.ID, update)
}

func (e *Engine) skipStep(ctx context.Context, step *store.WorkflowStep) error {
	now := e.now().UTC()
	skipped := schema.StepSkipped
	return e.store.UpdateStep(ctx, step.ID, store.StepUpdate{
		Status:      &skipped,
		CompletedAt: &now,
	})
}

func (e *Engine) evaluateStepCondition(ctx context.Context, step *store.WorkflowStep, scope map[string]any) (bool, error) {
	var cond schema.Condition
	if err := json.Unmarshal(step.Condition, &cond); err != nil {
		return false, schema.NewError(schema.ErrCodeValidation, "malformed step condition").
			WithStep(step.ID).WithCause(err)
	}
	return expressions.EvaluateCondition(ctx, e.cel, &cond, scope)
}

// buildScope assembles the read-only evaluation environment for one driver
// iteration: inputs, accumulated context, consumed step outputs by name, and
// workflow identity. It also returns the consumed steps in order for prompt
// assembly.
func (e *Engine) buildScope(ctx context.Context, wf *store.Workflow) (map[string]any, []*store.WorkflowStep, error) {
	steps, err := e.store.ListSteps(ctx, wf.ID)
	if err != nil {
		return nil, nil, err
	}

	sb := expressions.NewScopeBuilder(wf.InputData, wf.Context, map[string]any{
		"id":      wf.ID,
		"user_id": wf.UserID,
		"name":    wf.Name,
		"status":  string(wf.Status),
	})

	consumed := make([]*store.WorkflowStep, 0, len(steps))
	for _, s := range steps {
		if !s.Status.Consumed() {
			continue
		}
		consumed = append(consumed, s)
		if s.Status != schema.StepCompleted || len(s.OutputData) == 0 {
			continue
		}
		if err := sb.AddStepOutput(s.Name, s.OutputData); err != nil {
			return nil, nil, err
		}
	}
	return sb.Build(), consumed, nil
}

// mergeContext merges a delta into the accumulated context with override and
// append-slice semantics, returning the re-encoded blob.
func mergeContext(existing json.RawMessage, delta map[string]any) (json.RawMessage, error) {
	dst := decodeJSONObject(existing)
	if err := mergo.Merge(&dst, delta, mergo.WithOverride, mergo.WithAppendSlice); err != nil {
		return nil, schema.NewError(schema.ErrCodeInternal, "merge workflow context").WithCause(err)
	}
	raw, err := json.Marshal(dst)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeInternal, "encode workflow context").WithCause(err)
	}
	return raw, nil
}
