package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steadyline/proactor/pkg/schema"
)

func TestNewCELEngine(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	assert.NotNil(t, e)
	assert.Equal(t, "cel", e.Name())
}

func TestCELEngine_ImplementsEngine(t *testing.T) {
	var _ Engine = (*CELEngine)(nil)
}

func TestCEL_BooleanLiteral(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	out, err := e.Evaluate(context.Background(), "true", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCEL_ScopeAccess(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	data := map[string]any{
		"inputs": map[string]any{"contact_name": "Ada Lovelace"},
		"steps": map[string]any{
			"confirm_or_negotiate": map[string]any{"selected_option": "conflict"},
		},
	}

	t.Run("inputs field", func(t *testing.T) {
		out, err := e.Evaluate(context.Background(), `inputs.contact_name == "Ada Lovelace"`, data)
		require.NoError(t, err)
		assert.Equal(t, true, out)
	})

	t.Run("step output field", func(t *testing.T) {
		out, err := e.Evaluate(context.Background(), `steps.confirm_or_negotiate.selected_option == "conflict"`, data)
		require.NoError(t, err)
		assert.Equal(t, true, out)
	})

	t.Run("missing namespace defaults to empty map", func(t *testing.T) {
		out, err := e.Evaluate(context.Background(), `has(context.response)`, data)
		require.NoError(t, err)
		assert.Equal(t, false, out)
	})
}

func TestCEL_EmptyExpression(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), "", nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrCode(err))
}

func TestCEL_CompileError(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), "inputs.(", nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrCode(err))
}

func TestCEL_CacheIsConcurrencySafe(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	data := map[string]any{"inputs": map[string]any{"n": int64(1)}}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := e.Evaluate(context.Background(), "inputs.n + 1", data)
			assert.NoError(t, err)
			assert.Equal(t, int64(2), out)
		}()
	}
	wg.Wait()
}

// --- Typed conditions ---

func TestEvaluateCondition(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	ctx := context.Background()

	scope := map[string]any{
		"steps": map[string]any{
			"confirm_or_negotiate": map[string]any{"selected_option": "conflict"},
		},
		"context": map[string]any{"attempts": int64(2)},
	}

	tests := []struct {
		name string
		cond *schema.Condition
		want bool
	}{
		{"nil condition is true", nil, true},
		{"equals true", &schema.Condition{Type: schema.ConditionEquals, Field: "steps.confirm_or_negotiate.selected_option", Value: "conflict"}, true},
		{"equals false", &schema.Condition{Type: schema.ConditionEquals, Field: "steps.confirm_or_negotiate.selected_option", Value: "confirmed"}, false},
		{"equals on missing leaf is false", &schema.Condition{Type: schema.ConditionEquals, Field: "steps.confirm_or_negotiate.missing", Value: "x"}, false},
		{"equals on missing intermediate is false", &schema.Condition{Type: schema.ConditionEquals, Field: "steps.missing.selected_option", Value: "x"}, false},
		{"equals on deep missing intermediate is false", &schema.Condition{Type: schema.ConditionEquals, Field: "context.nope.really.nope", Value: "x"}, false},
		{"not_equals on missing leaf is true", &schema.Condition{Type: schema.ConditionNotEquals, Field: "steps.confirm_or_negotiate.missing", Value: "x"}, true},
		{"not_equals on missing intermediate is true", &schema.Condition{Type: schema.ConditionNotEquals, Field: "steps.missing.selected_option", Value: "x"}, true},
		{"exists on missing intermediate is false", &schema.Condition{Type: schema.ConditionExists, Field: "steps.missing.selected_option"}, false},
		{"contains on missing intermediate is false", &schema.Condition{Type: schema.ConditionContains, Field: "steps.missing.selected_option", Value: "x"}, false},
		{"greater_than on missing intermediate is false", &schema.Condition{Type: schema.ConditionGreaterThan, Field: "context.nope.attempts", Value: 1}, false},
		{"exists true", &schema.Condition{Type: schema.ConditionExists, Field: "context.attempts"}, true},
		{"exists false", &schema.Condition{Type: schema.ConditionExists, Field: "context.nope"}, false},
		{"contains", &schema.Condition{Type: schema.ConditionContains, Field: "steps.confirm_or_negotiate.selected_option", Value: "flic"}, true},
		{"greater_than", &schema.Condition{Type: schema.ConditionGreaterThan, Field: "context.attempts", Value: 1}, true},
		{"less_than", &schema.Condition{Type: schema.ConditionLessThan, Field: "context.attempts", Value: 1}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EvaluateCondition(ctx, e, tt.cond, scope)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluateCondition_InvalidField(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = EvaluateCondition(context.Background(), e,
		&schema.Condition{Type: schema.ConditionExists, Field: "secrets.key"}, nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrCode(err))

	_, err = EvaluateCondition(context.Background(), e,
		&schema.Condition{Type: schema.ConditionExists, Field: "toplevel"}, nil)
	require.Error(t, err)

	_, err = EvaluateCondition(context.Background(), e,
		&schema.Condition{Type: schema.ConditionEquals, Field: "context.a-b", Value: 1}, nil)
	require.Error(t, err)
}

func TestEvaluateCondition_UnknownType(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = EvaluateCondition(context.Background(), e,
		&schema.Condition{Type: "matches", Field: "context.a", Value: 1}, nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrCode(err))
}
