package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/steadyline/proactor/internal/decision"
	"github.com/steadyline/proactor/internal/logging"
	"github.com/steadyline/proactor/internal/store"
	"github.com/steadyline/proactor/internal/tools"
	"github.com/steadyline/proactor/pkg/schema"
)

// outcome is what a step executor hands back to the driver. Expected domain
// failures are reported through success/errMessage, never a Go error or a
// panic, so the driver's handling is uniform across step types.
type outcome struct {
	success      bool
	errMessage   string
	output       map[string]any
	suspend      bool
	timeoutAt    time.Time
	contextDelta map[string]any
}

func failure(message string) outcome {
	return outcome{errMessage: message}
}

// executeStep dispatches on the step type through a single closed switch.
// A type outside the set is a template bug and fails the step.
func (e *Engine) executeStep(ctx context.Context, wf *store.Workflow, step *store.WorkflowStep, scope map[string]any, priorSteps []*store.WorkflowStep) outcome {
	switch step.Type {
	case schema.StepToolCall:
		return e.executeToolCall(ctx, wf, step, scope)
	case schema.StepAIDecision:
		return e.executeDecision(ctx, wf, step, scope, priorSteps)
	case schema.StepWaitForResponse:
		return e.executeWait(ctx, step, scope)
	case schema.StepSendEmail:
		return e.executeSendEmail(ctx, wf, step, scope)
	case schema.StepScheduleMeeting:
		return e.executeScheduleMeeting(ctx, wf, step, scope)
	default:
		return failure("unsupported step type: " + string(step.Type))
	}
}

func (e *Engine) executeToolCall(ctx context.Context, wf *store.Workflow, step *store.WorkflowStep, scope map[string]any) outcome {
	var cfg schema.ToolCallConfig
	if err := json.Unmarshal(step.Config, &cfg); err != nil {
		return failure("malformed tool_call config: " + err.Error())
	}
	return e.invokeTool(ctx, wf, cfg.Tool, cfg.Arguments, scope)
}

func (e *Engine) executeSendEmail(ctx context.Context, wf *store.Workflow, step *store.WorkflowStep, scope map[string]any) outcome {
	var cfg schema.EmailConfig
	if err := json.Unmarshal(step.Config, &cfg); err != nil {
		return failure("malformed send_email config: " + err.Error())
	}
	return e.invokeTool(ctx, wf, tools.ToolSendEmail, map[string]any{
		"to":      cfg.To,
		"subject": cfg.Subject,
		"body":    cfg.Body,
	}, scope)
}

func (e *Engine) executeScheduleMeeting(ctx context.Context, wf *store.Workflow, step *store.WorkflowStep, scope map[string]any) outcome {
	var cfg schema.MeetingConfig
	if err := json.Unmarshal(step.Config, &cfg); err != nil {
		return failure("malformed schedule_meeting config: " + err.Error())
	}
	args := map[string]any{
		"title":          cfg.Title,
		"attendee_email": cfg.AttendeeEmail,
		"start_time":     cfg.StartTime,
	}
	if cfg.DurationMinutes > 0 {
		args["duration_minutes"] = cfg.DurationMinutes
	}
	if cfg.Description != "" {
		args["description"] = cfg.Description
	}
	return e.invokeTool(ctx, wf, tools.ToolCreateCalendarEvent, args, scope)
}

// invokeTool interpolates ${{...}} tokens in the configured arguments against
// the scope and dispatches through the tool executor. Tool calls are never
// retried here; the dispatcher retries whole driver passes instead.
func (e *Engine) invokeTool(ctx context.Context, wf *store.Workflow, tool string, args map[string]any, scope map[string]any) outcome {
	if tool == "" {
		return failure("tool_call step names no tool")
	}
	resolved := e.interp.ResolveMap(ctx, args, scope)

	res, err := e.tools.Execute(ctx, tool, resolved, wf.UserID)
	if err != nil {
		return failure("tool " + tool + ": " + err.Error())
	}
	if !res.Success {
		msg := res.Error
		if msg == "" {
			msg = "tool reported failure"
		}
		return failure("tool " + tool + ": " + msg)
	}

	return outcome{
		success: true,
		output:  map[string]any{"tool": tool, "result": res.Result},
	}
}

func (e *Engine) executeDecision(ctx context.Context, wf *store.Workflow, step *store.WorkflowStep, scope map[string]any, priorSteps []*store.WorkflowStep) outcome {
	var cfg schema.DecisionConfig
	if err := json.Unmarshal(step.Config, &cfg); err != nil {
		return failure("malformed ai_decision config: " + err.Error())
	}

	prior := make([]decision.PriorStep, 0, len(priorSteps))
	for _, s := range priorSteps {
		if s.Status != schema.StepCompleted {
			continue
		}
		prior = append(prior, decision.PriorStep{Name: s.Name, Output: s.OutputData})
	}

	prompt := decision.BuildPrompt(decision.PromptParams{
		Instruction: e.interp.ResolveString(ctx, cfg.Instruction, scope),
		UserRequest: userRequest(wf),
		PriorSteps:  prior,
		Options:     cfg.Options,
	})

	retrieved := ""
	if cfg.UseRetrieval {
		text, _, err := e.retriever.ContextFor(ctx, userRequest(wf), wf.UserID)
		if err != nil {
			// Retrieval enriches the prompt but is not load-bearing.
			logging.LogWith(ctx, e.logger).WarnContext(ctx, "context retrieval failed",
				slog.String("error", err.Error()))
		} else {
			retrieved = text
		}
	}

	catalogue := e.tools.Catalogue()
	dec, err := e.decider.Decide(ctx, decision.DecideRequest{
		Prompt:  prompt,
		Context: retrieved,
		Tools:   catalogue,
	})
	if err != nil {
		return failure("decision: " + err.Error())
	}

	narrative := dec.Narrative
	toolResults := make([]decision.ToolResult, 0, len(dec.ToolCalls))
	for _, call := range dec.ToolCalls {
		res, err := e.tools.Execute(ctx, call.Tool, call.Arguments, wf.UserID)
		if err != nil {
			// Surface the fault to the engine instead of aborting the step;
			// it decides whether the failure is fatal to its goal.
			res = &tools.Result{Success: false, Error: err.Error()}
		}
		toolResults = append(toolResults, decision.ToolResult{Call: call, Result: res})
	}
	if len(toolResults) > 0 {
		final, err := e.decider.Continue(ctx, decision.ContinueRequest{
			History:     prompt + "\n\n" + dec.Narrative,
			ToolResults: toolResults,
			Context:     retrieved,
			Tools:       catalogue,
		})
		if err != nil {
			return failure("decision: " + err.Error())
		}
		narrative = final.Narrative
	}

	output := map[string]any{
		"narrative":       narrative,
		"selected_option": decision.SelectedOption(narrative, cfg.Options),
	}
	if len(toolResults) > 0 {
		output["tool_results"] = toolResults
	}
	return outcome{success: true, output: output}
}

func (e *Engine) executeWait(ctx context.Context, step *store.WorkflowStep, scope map[string]any) outcome {
	var cfg schema.WaitConfig
	if err := json.Unmarshal(step.Config, &cfg); err != nil {
		return failure("malformed wait_for_response config: " + err.Error())
	}

	hours := cfg.TimeoutHours
	if hours <= 0 {
		hours = e.cfg.DefaultTimeoutHours
	}
	now := e.now().UTC()
	deadline := now.Add(time.Duration(hours * float64(time.Hour)))

	// Freeze the waiting record into the context so the monitor and reminder
	// dispatcher need no template knowledge later.
	waiting := map[string]any{
		"step":  step.Name,
		"since": now.Format(time.RFC3339),
	}
	if len(cfg.Expect) > 0 {
		// Store as []any to match JSON-decoded context values, so mergo can
		// merge this delta with a previously persisted waiting record.
		kinds := make([]any, len(cfg.Expect))
		for i, k := range cfg.Expect {
			kinds[i] = k
		}
		waiting["kinds"] = kinds
	}
	if cfg.Match != "" {
		waiting["match"] = cfg.Match
	}
	if cfg.Reminder != nil {
		waiting["reminder"] = map[string]any{
			"kind":    cfg.Reminder.Kind,
			"to":      e.interp.ResolveString(ctx, cfg.Reminder.To, scope),
			"subject": e.interp.ResolveString(ctx, cfg.Reminder.Subject, scope),
			"body":    e.interp.ResolveString(ctx, cfg.Reminder.Body, scope),
		}
	}

	output := map[string]any{
		"deadline": deadline.Format(time.RFC3339),
	}
	if len(cfg.Expect) > 0 {
		output["expect"] = cfg.Expect
	}

	return outcome{
		success:      true,
		suspend:      true,
		timeoutAt:    deadline,
		output:       output,
		contextDelta: map[string]any{schema.ContextKeyWaiting: waiting},
	}
}

// userRequest is the caller's original ask, used for prompts and retrieval.
// Falls back to the serialized input when the request field is absent.
func userRequest(wf *store.Workflow) string {
	inputs := decodeJSONObject(wf.InputData)
	if req, ok := inputs["user_request"].(string); ok && req != "" {
		return req
	}
	if len(wf.InputData) > 0 && string(wf.InputData) != "{}" && string(wf.InputData) != "null" {
		return string(wf.InputData)
	}
	return ""
}
