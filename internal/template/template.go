// Package template maps a requested workflow type plus caller-supplied input
// into a concrete, ordered list of step descriptors. Generation is
// deterministic and side-effect-free; all dynamic values are either baked in
// from the input or deferred to ${{...}} interpolation at execution time.
package template

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/steadyline/proactor/pkg/schema"
)

// Meta carries the default human-readable labels for a generated workflow,
// used when the caller supplies no name.
type Meta struct {
	Name        string
	Description string
}

// Generate validates the input against the workflow type's schema and
// produces the ordered step descriptors. Unknown workflow types resolve to
// the generic fallback rather than erroring, so every request is actionable.
func Generate(workflowType string, input map[string]any) (Meta, []schema.StepDescriptor, error) {
	if input == nil {
		input = map[string]any{}
	}
	if err := validateInput(workflowType, input); err != nil {
		return Meta{}, nil, err
	}

	switch workflowType {
	case schema.WorkflowTypeScheduleAppointment:
		return scheduleAppointment(input)
	case schema.WorkflowTypeFollowUpEmail:
		return followUpEmail(input)
	default:
		return generic(input)
	}
}

// Known reports whether a workflow type has a dedicated template.
func Known(workflowType string) bool {
	switch workflowType {
	case schema.WorkflowTypeScheduleAppointment, schema.WorkflowTypeFollowUpEmail:
		return true
	}
	return false
}

func scheduleAppointment(input map[string]any) (Meta, []schema.StepDescriptor, error) {
	contactName := stringInput(input, "contact_name")
	contactEmail := stringInput(input, "contact_email")
	preferredDate := stringInput(input, "preferred_date")
	message := stringInput(input, "message")
	duration := intInput(input, "duration_minutes", 60)
	timeoutHours := floatInput(input, "timeout_hours", 24)

	meta := Meta{
		Name:        "Schedule appointment with " + contactName,
		Description: "Negotiate and book a meeting time over email",
	}

	reminderTo := contactEmail
	if reminderTo == "" {
		// Resolved at suspension time from the contact the early steps found.
		reminderTo = "${{context.contact_email}}"
	}

	steps := []schema.StepDescriptor{
		step(1, "find_contact", schema.StepToolCall, schema.ToolCallConfig{
			Tool:      "search_contacts",
			Arguments: map[string]any{"query": contactName},
		}),
		step(2, "select_contact", schema.StepAIDecision, schema.DecisionConfig{
			Instruction: fmt.Sprintf(
				"Review the contact search results and pick the best match for %q. "+
					"Record the chosen contact's name and email address. "+
					"If several contacts are equally plausible, say so.", contactName),
			Options: []string{"selected", "ambiguous"},
		}),
		step(3, "check_calendar", schema.StepToolCall, schema.ToolCallConfig{
			Tool: "get_calendar_availability",
			Arguments: map[string]any{
				"start_time":       preferredDate,
				"window_hours":     24,
				"duration_minutes": duration,
			},
		}),
		step(4, "send_availability_email", schema.StepAIDecision, schema.DecisionConfig{
			Instruction: fmt.Sprintf(
				"Draft a short, friendly email to the selected contact proposing two or "+
					"three of the free slots from the calendar check, each %d minutes long. %s"+
					"Send it with the send_email tool.", duration, optionalNote(message)),
			UseRetrieval: true,
		}),
		step(5, "wait_for_reply", schema.StepWaitForResponse, schema.WaitConfig{
			TimeoutHours: timeoutHours,
			Expect:       []string{"email_reply", "time_selection"},
			Reminder: &schema.ReminderSpec{
				Kind:    "email",
				To:      reminderTo,
				Subject: "proposed meeting times with " + contactName,
				Body: "Just checking in - I had proposed a few meeting times and " +
					"haven't heard back yet. Any of them work for you?",
			},
		}),
		step(6, "confirm_or_negotiate", schema.StepAIDecision, schema.DecisionConfig{
			Instruction: "The contact replied; their response is in the accumulated context " +
				"under \"response\". Parse the time they selected or proposed, then re-check " +
				"that slot with the get_calendar_availability tool. If the slot is free, state " +
				"CONFIRMED together with the agreed time. If it conflicts, pick alternative " +
				"free slots and send a polite counter-proposal email with the send_email tool, " +
				"then state CONFLICT.",
			Options: []string{"confirmed", "conflict"},
		}),
		stepWithCondition(7, "await_negotiation", schema.StepWaitForResponse, schema.WaitConfig{
			TimeoutHours: timeoutHours,
			Expect:       []string{"email_reply", "time_selection"},
			Reminder: &schema.ReminderSpec{
				Kind:    "email",
				To:      reminderTo,
				Subject: "alternative meeting times with " + contactName,
				Body: "Following up on the alternative times I sent over - " +
					"does one of them suit you?",
			},
		}, &schema.Condition{
			Type:  schema.ConditionEquals,
			Field: "steps.confirm_or_negotiate.selected_option",
			Value: "conflict",
		}),
		step(8, "finalize_booking", schema.StepAIDecision, schema.DecisionConfig{
			Instruction: "Finish the scheduling. If a time was agreed (either confirmed " +
				"directly or accepted after the counter-proposal), create the calendar event " +
				"with create_calendar_event, log the outcome with add_crm_note, and send a " +
				"confirmation email with send_email. If no time could be agreed after the " +
				"counter-proposal round, do not create any event: send a brief email handing " +
				"scheduling back to the user and log that with add_crm_note.",
		}),
	}

	return meta, steps, nil
}

func followUpEmail(input map[string]any) (Meta, []schema.StepDescriptor, error) {
	contactEmail := stringInput(input, "contact_email")
	contextNote := stringInput(input, "context")
	customMessage := stringInput(input, "custom_message")

	meta := Meta{
		Name:        "Follow up with " + contactEmail,
		Description: "Draft and send a context-aware follow-up email",
	}

	instruction := "Draft a concise follow-up email to " + contactEmail +
		" based on the prior communication history. Return only the email body " +
		"as your answer; it will be sent verbatim."
	if contextNote != "" {
		instruction += " Additional context: " + contextNote + "."
	}
	if customMessage != "" {
		instruction += " Work this message in: " + customMessage
	}

	steps := []schema.StepDescriptor{
		step(1, "gather_history", schema.StepToolCall, schema.ToolCallConfig{
			Tool:      "search_email_history",
			Arguments: map[string]any{"contact_email": contactEmail, "limit": 10},
		}),
		step(2, "draft_follow_up", schema.StepAIDecision, schema.DecisionConfig{
			Instruction:  instruction,
			UseRetrieval: true,
		}),
		step(3, "send_follow_up", schema.StepSendEmail, schema.EmailConfig{
			To:      "${{inputs.contact_email}}",
			Subject: "Following up",
			Body:    "${{steps.draft_follow_up.narrative}}",
		}),
		step(4, "log_follow_up", schema.StepToolCall, schema.ToolCallConfig{
			Tool: "add_crm_note",
			Arguments: map[string]any{
				"contact": "${{inputs.contact_email}}",
				"note":    "Sent follow-up email: ${{steps.draft_follow_up.narrative}}",
			},
		}),
	}

	return meta, steps, nil
}

func generic(input map[string]any) (Meta, []schema.StepDescriptor, error) {
	request := stringInput(input, "user_request")
	if request == "" {
		// Keep unknown requests actionable: hand the serialized input over.
		b, err := json.Marshal(input)
		if err != nil {
			return Meta{}, nil, schema.NewError(schema.ErrCodeValidation, "input is not JSON-encodable").WithCause(err)
		}
		request = string(b)
	}

	meta := Meta{
		Name:        "Assistant task: " + truncate(request, 60),
		Description: "Open-ended request handled by the decision engine",
	}

	steps := []schema.StepDescriptor{
		step(1, "handle_request", schema.StepAIDecision, schema.DecisionConfig{
			Instruction: "Handle this request on the user's behalf, using whichever tools " +
				"are needed: " + request,
			UseRetrieval: true,
		}),
	}

	return meta, steps, nil
}

// --- Descriptor construction ---

func step(n int, name string, t schema.StepType, config any) schema.StepDescriptor {
	return stepWithCondition(n, name, t, config, nil)
}

func stepWithCondition(n int, name string, t schema.StepType, config any, cond *schema.Condition) schema.StepDescriptor {
	raw, err := json.Marshal(config)
	if err != nil {
		// Config records are plain structs; this cannot fail for the types above.
		raw = json.RawMessage(`{}`)
	}
	return schema.StepDescriptor{
		StepNumber: n,
		Name:       name,
		Type:       t,
		Config:     raw,
		Condition:  cond,
	}
}

// --- Input helpers ---

func stringInput(input map[string]any, key string) string {
	v, _ := input[key].(string)
	return v
}

func intInput(input map[string]any, key string, def int) int {
	switch v := input[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return def
}

func floatInput(input map[string]any, key string, def float64) float64 {
	switch v := input[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	}
	return def
}

func optionalNote(message string) string {
	if message == "" {
		return ""
	}
	return "Mention: " + message + ". "
}

// truncate cuts s to at most n runes, never splitting a multi-byte rune.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "..."
}
