package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steadyline/proactor/internal/decision"
	"github.com/steadyline/proactor/internal/store"
	"github.com/steadyline/proactor/internal/tools"
	"github.com/steadyline/proactor/pkg/schema"
)

func testWorkflow() *store.Workflow {
	return &store.Workflow{
		ID:        "wf-1",
		UserID:    "u1",
		Name:      "test",
		Type:      schema.WorkflowTypeGeneric,
		Status:    schema.WorkflowRunning,
		InputData: json.RawMessage(`{"user_request":"book a slot"}`),
		Context:   json.RawMessage(`{}`),
	}
}

func testStep(stepType schema.StepType, config any) *store.WorkflowStep {
	raw, _ := json.Marshal(config)
	return &store.WorkflowStep{
		ID:         "s-1",
		WorkflowID: "wf-1",
		StepNumber: 1,
		Name:       "step_under_test",
		Type:       stepType,
		Config:     raw,
		Status:     schema.StepRunning,
	}
}

func TestExecuteToolCallInterpolatesArguments(t *testing.T) {
	exec := newScriptedExecutor()
	exec.on("search_contacts", &tools.Result{Success: true, Result: map[string]any{"email": "dana@example.com"}})
	eng := newTestEngine(t, newMemStore(), exec, newScriptedDecider(), &recordingEnqueuer{}, Config{})

	step := testStep(schema.StepToolCall, schema.ToolCallConfig{
		Tool:      "search_contacts",
		Arguments: map[string]any{"query": "${{inputs.contact_name}}"},
	})
	scope := map[string]any{
		"inputs":  map[string]any{"contact_name": "Dana Reyes"},
		"context": map[string]any{},
		"steps":   map[string]any{},
	}

	out := eng.executeStep(context.Background(), testWorkflow(), step, scope, nil)
	require.True(t, out.success)
	assert.False(t, out.suspend)
	assert.Equal(t, "search_contacts", out.output["tool"])

	calls := exec.callsFor("search_contacts")
	require.Len(t, calls, 1)
	assert.Equal(t, "Dana Reyes", calls[0].Args["query"])
	assert.Equal(t, "u1", calls[0].UserID)
}

func TestExecuteToolCallFailure(t *testing.T) {
	exec := newScriptedExecutor()
	exec.on("search_contacts", &tools.Result{Success: false, Error: "upstream 503"})
	eng := newTestEngine(t, newMemStore(), exec, newScriptedDecider(), &recordingEnqueuer{}, Config{})

	step := testStep(schema.StepToolCall, schema.ToolCallConfig{Tool: "search_contacts"})
	out := eng.executeStep(context.Background(), testWorkflow(), step, map[string]any{}, nil)
	assert.False(t, out.success)
	assert.Contains(t, out.errMessage, "upstream 503")
}

func TestExecuteSendEmailDelegatesToTool(t *testing.T) {
	exec := newScriptedExecutor()
	eng := newTestEngine(t, newMemStore(), exec, newScriptedDecider(), &recordingEnqueuer{}, Config{})

	step := testStep(schema.StepSendEmail, schema.EmailConfig{
		To:      "dana@example.com",
		Subject: "Following up",
		Body:    "${{steps.draft.narrative}}",
	})
	scope := map[string]any{
		"steps": map[string]any{"draft": map[string]any{"narrative": "hello there"}},
	}

	out := eng.executeStep(context.Background(), testWorkflow(), step, scope, nil)
	require.True(t, out.success)

	calls := exec.callsFor(tools.ToolSendEmail)
	require.Len(t, calls, 1)
	assert.Equal(t, "dana@example.com", calls[0].Args["to"])
	assert.Equal(t, "hello there", calls[0].Args["body"])
}

func TestExecuteScheduleMeetingDelegatesToTool(t *testing.T) {
	exec := newScriptedExecutor()
	eng := newTestEngine(t, newMemStore(), exec, newScriptedDecider(), &recordingEnqueuer{}, Config{})

	step := testStep(schema.StepScheduleMeeting, schema.MeetingConfig{
		Title:           "Planning sync",
		AttendeeEmail:   "dana@example.com",
		StartTime:       "2026-09-01T10:00:00Z",
		DurationMinutes: 30,
	})

	out := eng.executeStep(context.Background(), testWorkflow(), step, map[string]any{}, nil)
	require.True(t, out.success)

	calls := exec.callsFor(tools.ToolCreateCalendarEvent)
	require.Len(t, calls, 1)
	assert.Equal(t, "Planning sync", calls[0].Args["title"])
	assert.Equal(t, 30, calls[0].Args["duration_minutes"])
}

func TestExecuteDecisionRunsRequestedTools(t *testing.T) {
	exec := newScriptedExecutor()
	exec.on("get_calendar_availability", &tools.Result{Success: true, Result: []any{"10:00", "14:00"}})
	dec := newScriptedDecider()
	dec.on("pick a slot", "checking the calendar",
		decision.ToolCall{Tool: "get_calendar_availability", Arguments: map[string]any{"window_hours": 24}})
	eng := newTestEngine(t, newMemStore(), exec, dec, &recordingEnqueuer{}, Config{})

	step := testStep(schema.StepAIDecision, schema.DecisionConfig{
		Instruction: "pick a slot for the meeting",
		Options:     []string{"confirmed", "conflict"},
	})

	out := eng.executeStep(context.Background(), testWorkflow(), step, map[string]any{}, nil)
	require.True(t, out.success)
	require.Len(t, exec.callsFor("get_calendar_availability"), 1)

	// The second pass produced the final narrative; no option word in it.
	assert.Equal(t, "checking the calendar", out.output["narrative"])
	assert.Equal(t, "", out.output["selected_option"])
	assert.NotNil(t, out.output["tool_results"])
}

func TestExecuteDecisionSelectsOption(t *testing.T) {
	dec := newScriptedDecider()
	dec.on("confirm the slot", "Everything checks out: CONFIRMED for Tuesday.")
	eng := newTestEngine(t, newMemStore(), newScriptedExecutor(), dec, &recordingEnqueuer{}, Config{})

	step := testStep(schema.StepAIDecision, schema.DecisionConfig{
		Instruction: "confirm the slot",
		Options:     []string{"confirmed", "conflict"},
	})

	out := eng.executeStep(context.Background(), testWorkflow(), step, map[string]any{}, nil)
	require.True(t, out.success)
	assert.Equal(t, "confirmed", out.output["selected_option"])
}

func TestExecuteDecisionEngineFailure(t *testing.T) {
	eng := newTestEngine(t, newMemStore(), newScriptedExecutor(), nil, &recordingEnqueuer{}, Config{})

	step := testStep(schema.StepAIDecision, schema.DecisionConfig{Instruction: "do a thing"})
	out := eng.executeStep(context.Background(), testWorkflow(), step, map[string]any{}, nil)
	assert.False(t, out.success)
	assert.Contains(t, out.errMessage, "no decision engine configured")
}

func TestExecuteWaitSuspendsWithFrozenReminder(t *testing.T) {
	eng := newTestEngine(t, newMemStore(), newScriptedExecutor(), newScriptedDecider(), &recordingEnqueuer{}, Config{})

	step := testStep(schema.StepWaitForResponse, schema.WaitConfig{
		TimeoutHours: 2,
		Expect:       []string{"email_reply"},
		Match:        `response.kind == "email_reply"`,
		Reminder: &schema.ReminderSpec{
			To:      "${{inputs.contact_email}}",
			Subject: "pending",
			Body:    "still waiting",
		},
	})
	scope := map[string]any{
		"inputs": map[string]any{"contact_email": "dana@example.com"},
	}

	before := time.Now().UTC()
	out := eng.executeStep(context.Background(), testWorkflow(), step, scope, nil)
	require.True(t, out.success)
	require.True(t, out.suspend)
	assert.WithinDuration(t, before.Add(2*time.Hour), out.timeoutAt, time.Minute)

	waiting, ok := out.contextDelta[schema.ContextKeyWaiting].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, `response.kind == "email_reply"`, waiting["match"])
	reminder, ok := waiting["reminder"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "dana@example.com", reminder["to"], "reminder fields freeze to literals at suspension")
}

func TestExecuteWaitDefaultsTimeout(t *testing.T) {
	eng := newTestEngine(t, newMemStore(), newScriptedExecutor(), newScriptedDecider(), &recordingEnqueuer{}, Config{DefaultTimeoutHours: 8})

	step := testStep(schema.StepWaitForResponse, schema.WaitConfig{})
	before := time.Now().UTC()
	out := eng.executeStep(context.Background(), testWorkflow(), step, map[string]any{}, nil)
	require.True(t, out.suspend)
	assert.WithinDuration(t, before.Add(8*time.Hour), out.timeoutAt, time.Minute)
}

func TestExecuteUnknownStepType(t *testing.T) {
	eng := newTestEngine(t, newMemStore(), newScriptedExecutor(), newScriptedDecider(), &recordingEnqueuer{}, Config{})

	step := testStep(schema.StepType("teleport"), map[string]any{})
	out := eng.executeStep(context.Background(), testWorkflow(), step, map[string]any{}, nil)
	assert.False(t, out.success)
	assert.Contains(t, out.errMessage, "unsupported step type")
}

func TestExecuteMalformedConfig(t *testing.T) {
	eng := newTestEngine(t, newMemStore(), newScriptedExecutor(), newScriptedDecider(), &recordingEnqueuer{}, Config{})

	step := testStep(schema.StepToolCall, nil)
	step.Config = json.RawMessage(`{not json`)
	out := eng.executeStep(context.Background(), testWorkflow(), step, map[string]any{}, nil)
	assert.False(t, out.success)
	assert.Contains(t, out.errMessage, "malformed tool_call config")
}
