package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steadyline/proactor/pkg/schema"
)

func TestExprEngine_ImplementsEngine(t *testing.T) {
	var _ Engine = (*ExprEngine)(nil)
	assert.Equal(t, "expr", NewExprEngine().Name())
}

func TestExpr_Evaluate(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()

	out, err := e.Evaluate(ctx, `response.time_selection != nil`, map[string]any{
		"response": map[string]any{"time_selection": "2024-07-08T10:00:00Z"},
	})
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestExpr_UndefinedVariablesAllowed(t *testing.T) {
	e := NewExprEngine()

	out, err := e.Evaluate(context.Background(), `response == nil`, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestExpr_EmptyExpression(t *testing.T) {
	e := NewExprEngine()

	_, err := e.Evaluate(context.Background(), "", nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrCode(err))
}

func TestExpr_CompileError(t *testing.T) {
	e := NewExprEngine()

	_, err := e.Evaluate(context.Background(), "1 +", nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrCode(err))
}

func TestExpr_Match(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()

	t.Run("empty predicate matches all", func(t *testing.T) {
		ok, err := e.Match(ctx, "", map[string]any{})
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("predicate over response", func(t *testing.T) {
		data := map[string]any{
			"response": map[string]any{"kind": "email_reply"},
			"context":  map[string]any{},
		}
		ok, err := e.Match(ctx, `response.kind in ["email_reply", "time_selection"]`, data)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("predicate rejects", func(t *testing.T) {
		data := map[string]any{"response": map[string]any{"kind": "webhook"}}
		ok, err := e.Match(ctx, `response.kind in ["email_reply"]`, data)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("non-boolean result is a validation error", func(t *testing.T) {
		_, err := e.Match(ctx, `1 + 1`, nil)
		require.Error(t, err)
		assert.Equal(t, schema.ErrCodeValidation, schema.ErrCode(err))
	})
}
