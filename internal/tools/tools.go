package tools

import (
	"context"
	"encoding/json"
)

// Result is the structured outcome of a tool invocation. Tool-level failures
// (rejected arguments, upstream API errors) are reported through Success and
// Error rather than a Go error, which is reserved for infrastructure faults.
type Result struct {
	Success bool   `json:"success"`
	Result  any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Spec describes a tool for the decision engine's catalogue.
type Spec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// Tool is one executable capability exposed to workflow steps and the
// decision engine.
type Tool interface {
	Name() string
	Description() string
	InputSchema() json.RawMessage
	Execute(ctx context.Context, args map[string]any) (*Result, error)
}

// Executor is the engine's boundary to tool execution. The caller's identity
// is injected into the argument map before dispatch so tools can scope their
// side effects. The engine never retries tool calls.
type Executor interface {
	Execute(ctx context.Context, name string, args map[string]any, userID string) (*Result, error)
	Catalogue() []Spec
}

// Func adapts a plain function into a Tool. Used for test fakes and for
// wiring in-process implementations.
type Func struct {
	name        string
	description string
	inputSchema json.RawMessage
	fn          func(ctx context.Context, args map[string]any) (*Result, error)
}

// NewFunc creates a function-backed Tool.
func NewFunc(name, description string, inputSchema json.RawMessage, fn func(ctx context.Context, args map[string]any) (*Result, error)) *Func {
	return &Func{name: name, description: description, inputSchema: inputSchema, fn: fn}
}

func (f *Func) Name() string                 { return f.name }
func (f *Func) Description() string          { return f.description }
func (f *Func) InputSchema() json.RawMessage { return f.inputSchema }

func (f *Func) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	return f.fn(ctx, args)
}
