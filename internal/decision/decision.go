// Package decision defines the boundary to the reasoning engine that turns a
// natural-language goal plus tool results into either a final narrative or
// further tool requests. The engine itself is an external collaborator;
// deployments plug in their own implementation.
package decision

import (
	"context"

	"github.com/steadyline/proactor/internal/tools"
	"github.com/steadyline/proactor/pkg/schema"
)

// ToolCall is one tool invocation requested by the decision engine.
type ToolCall struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Decision is the engine's answer: a narrative, possibly accompanied by tool
// calls that must be executed before a final answer can be produced.
type Decision struct {
	Narrative string     `json:"narrative"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// DecideRequest is the first-pass input: the assembled prompt plus retrieved
// context and the catalogue of tools the engine may request.
type DecideRequest struct {
	Prompt  string       `json:"prompt"`
	Context string       `json:"context,omitempty"`
	Tools   []tools.Spec `json:"tools,omitempty"`
}

// ToolResult pairs a requested call with its outcome for the second pass.
type ToolResult struct {
	Call   ToolCall      `json:"call"`
	Result *tools.Result `json:"result"`
}

// ContinueRequest is the second-pass input: the first-pass exchange plus the
// results of the tool calls the engine requested.
type ContinueRequest struct {
	History     string       `json:"history"`
	ToolResults []ToolResult `json:"tool_results"`
	Context     string       `json:"context,omitempty"`
	Tools       []tools.Spec `json:"tools,omitempty"`
}

// Engine is the decision engine boundary.
type Engine interface {
	Decide(ctx context.Context, req DecideRequest) (*Decision, error)
	Continue(ctx context.Context, req ContinueRequest) (*Decision, error)
}

// Unconfigured is the Engine wired when no deployment-specific engine is
// configured. Every call fails with DECISION_ERROR so ai_decision steps fail
// loudly instead of producing fabricated answers.
type Unconfigured struct{}

func (Unconfigured) Decide(ctx context.Context, req DecideRequest) (*Decision, error) {
	return nil, schema.NewError(schema.ErrCodeDecision, "no decision engine configured")
}

func (Unconfigured) Continue(ctx context.Context, req ContinueRequest) (*Decision, error) {
	return nil, schema.NewError(schema.ErrCodeDecision, "no decision engine configured")
}

var _ Engine = Unconfigured{}
