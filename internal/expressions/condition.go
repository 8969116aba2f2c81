package expressions

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/steadyline/proactor/pkg/schema"
)

// scopeRoots are the namespaces a condition field path may start with.
var scopeRoots = map[string]bool{
	"inputs":   true,
	"context":  true,
	"steps":    true,
	"workflow": true,
}

// EvaluateCondition compiles a typed step guard into a CEL program and
// evaluates it against the scope. A missing field path makes every comparison
// false except not_equals, which is vacuously true when the field is absent.
func EvaluateCondition(ctx context.Context, eng *CELEngine, cond *schema.Condition, scope map[string]any) (bool, error) {
	if cond == nil {
		return true, nil
	}

	expr, err := conditionToCEL(cond)
	if err != nil {
		return false, err
	}

	out, err := eng.Evaluate(ctx, expr, scope)
	if err != nil {
		return false, err
	}

	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"condition on %q did not evaluate to a boolean (got %T)", cond.Field, out)
	}
	return b, nil
}

// conditionToCEL renders a typed condition record as CEL source. The field
// path is validated so conditions can only read the execution scope.
func conditionToCEL(cond *schema.Condition) (string, error) {
	path, err := conditionPath(cond.Field)
	if err != nil {
		return "", err
	}
	guard := pathGuard(path)

	switch cond.Type {
	case schema.ConditionExists:
		return guard, nil
	case schema.ConditionEquals:
		lit, err := celLiteral(cond.Value)
		if err != nil {
			return "", err
		}
		return guard + " && " + path + " == " + lit, nil
	case schema.ConditionNotEquals:
		lit, err := celLiteral(cond.Value)
		if err != nil {
			return "", err
		}
		return "!(" + guard + ") || " + path + " != " + lit, nil
	case schema.ConditionContains:
		s, ok := cond.Value.(string)
		if !ok {
			return "", schema.NewErrorf(schema.ErrCodeValidation,
				"contains condition on %q requires a string value", cond.Field)
		}
		lit, _ := celLiteral(s)
		return guard + " && string(" + path + ").contains(" + lit + ")", nil
	case schema.ConditionGreaterThan:
		lit, err := celLiteral(cond.Value)
		if err != nil {
			return "", err
		}
		return guard + " && " + path + " > " + lit, nil
	case schema.ConditionLessThan:
		lit, err := celLiteral(cond.Value)
		if err != nil {
			return "", err
		}
		return guard + " && " + path + " < " + lit, nil
	}
	return "", schema.NewErrorf(schema.ErrCodeValidation,
		"unknown condition type %q", cond.Type)
}

// pathGuard emits a has() check for every select along the path, so an
// absent intermediate segment short-circuits to false instead of raising a
// no-such-key error at evaluation time.
func pathGuard(path string) string {
	segments := strings.Split(path, ".")
	guards := make([]string, 0, len(segments)-1)
	for i := 2; i <= len(segments); i++ {
		guards = append(guards, "has("+strings.Join(segments[:i], ".")+")")
	}
	return strings.Join(guards, " && ")
}

// conditionPath validates a dot path and ensures it starts at a scope root.
// Segments must be bare identifiers so they compose into valid CEL selects.
func conditionPath(field string) (string, error) {
	segments := strings.Split(field, ".")
	if len(segments) < 2 {
		return "", schema.NewErrorf(schema.ErrCodeValidation,
			"condition field %q must be a dot path into inputs, context, steps or workflow", field)
	}
	if !scopeRoots[segments[0]] {
		return "", schema.NewErrorf(schema.ErrCodeValidation,
			"condition field %q must start with inputs, context, steps or workflow", field)
	}
	for _, seg := range segments {
		if !isIdentifier(seg) {
			return "", schema.NewErrorf(schema.ErrCodeValidation,
				"condition field %q contains invalid segment %q", field, seg)
		}
	}
	return field, nil
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// celLiteral renders a condition value as a CEL literal. JSON encoding is
// valid CEL for strings, numbers, booleans and null.
func celLiteral(v any) (string, error) {
	switch v.(type) {
	case nil, string, bool, float64, float32, int, int32, int64, uint, uint32, uint64, json.Number:
	default:
		return "", schema.NewErrorf(schema.ErrCodeValidation,
			"condition value %v (%T) is not a scalar", v, v)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeValidation,
			"condition value is not encodable: %s", err.Error())
	}
	return string(b), nil
}
