package expressions

import "context"

// Engine evaluates expressions against the execution scope.
// Three implementations: CEL (step conditions), GoJQ (path extraction),
// Expr (wait-step match predicates).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
