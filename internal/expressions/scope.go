package expressions

import (
	"encoding/json"

	"github.com/steadyline/proactor/pkg/schema"
)

// ScopeBuilder constructs the read-only evaluation environment handed to
// conditions, interpolation and match predicates. It enforces:
//   - Step outputs are frozen on insert (deep-copied) and immutable after.
//   - inputs/context/workflow are deep-copied at init so executors cannot
//     mutate audit state through the scope.
//
// The built scope has four namespaces: inputs, context, steps, workflow.
type ScopeBuilder struct {
	inputs   map[string]any
	context  map[string]any
	workflow map[string]any
	steps    map[string]any // step name -> decoded output_data
}

// NewScopeBuilder creates a ScopeBuilder initialized with workflow-level
// data. Raw JSON blobs that fail to decode contribute an empty namespace.
func NewScopeBuilder(inputData, contextData json.RawMessage, workflow map[string]any) *ScopeBuilder {
	return &ScopeBuilder{
		inputs:   decodeObject(inputData),
		context:  decodeObject(contextData),
		workflow: deepCopyMap(workflow),
		steps:    make(map[string]any),
	}
}

// AddStepOutput registers a consumed step's output under its name. The output
// is frozen at insertion time. Re-registering a name is rejected: step
// outputs are immutable once the driver has consumed the step.
func (sb *ScopeBuilder) AddStepOutput(name string, output json.RawMessage) error {
	if _, exists := sb.steps[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"step %q output already registered; step outputs are immutable", name)
	}
	if len(output) == 0 {
		sb.steps[name] = nil
		return nil
	}
	var parsed any
	if err := json.Unmarshal(output, &parsed); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"cannot parse step %q output: %s", name, err.Error())
	}
	sb.steps[name] = deepCopyAny(parsed)
	return nil
}

// StepOutputs returns the registered step outputs keyed by step name.
func (sb *ScopeBuilder) StepOutputs() map[string]any {
	return deepCopyMap(sb.steps)
}

// Build creates a scope snapshot. The returned map is safe to hand to
// executors: all data is copied.
func (sb *ScopeBuilder) Build() map[string]any {
	return map[string]any{
		"inputs":   deepCopyMap(sb.inputs),
		"context":  deepCopyMap(sb.context),
		"steps":    deepCopyMap(sb.steps),
		"workflow": deepCopyMap(sb.workflow),
	}
}

func decodeObject(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil || m == nil {
		return map[string]any{}
	}
	return m
}

// --- Deep copy utilities ---

// deepCopyMap creates a deep copy of a map[string]any.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

// deepCopyAny recursively deep-copies a value.
// Handles maps, slices, and primitives (which are inherently immutable).
func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		// Primitives (string, float64, bool, nil, int, int64) are value types.
		return v
	}
}
