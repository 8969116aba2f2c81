package expressions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

// Interpolator resolves ${{path.to.value}} tokens inside configured string
// values against the execution scope. A token that is the entire string
// preserves the resolved value's type; tokens embedded in a longer string
// render into it. Unresolved tokens resolve to empty and are logged.
type Interpolator struct {
	jq     *GoJQEngine
	logger *slog.Logger
}

// NewInterpolator creates an Interpolator backed by the given jq engine.
func NewInterpolator(jq *GoJQEngine, logger *slog.Logger) *Interpolator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Interpolator{jq: jq, logger: logger}
}

// ResolveString interpolates all tokens in a single string.
func (in *Interpolator) ResolveString(ctx context.Context, s string, scope map[string]any) string {
	v := in.resolveStringValue(ctx, s, scope)
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	default:
		return renderInline(val)
	}
}

// ResolveMap interpolates all string values in a map, recursing into nested
// maps and slices. The input is not mutated.
func (in *Interpolator) ResolveMap(ctx context.Context, m map[string]any, scope map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = in.resolveAny(ctx, v, scope)
	}
	return out
}

func (in *Interpolator) resolveAny(ctx context.Context, v any, scope map[string]any) any {
	switch val := v.(type) {
	case string:
		return in.resolveStringValue(ctx, val, scope)
	case map[string]any:
		return in.ResolveMap(ctx, val, scope)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = in.resolveAny(ctx, item, scope)
		}
		return out
	default:
		return v
	}
}

// resolveStringValue resolves tokens in one string. When the whole string is
// a single token the typed value is returned; otherwise the string with
// rendered values.
func (in *Interpolator) resolveStringValue(ctx context.Context, s string, scope map[string]any) any {
	if !strings.Contains(s, "${{") {
		return s
	}

	// Whole-string token keeps the value's type.
	if strings.HasPrefix(s, "${{") && strings.HasSuffix(s, "}}") {
		inner := s[3 : len(s)-2]
		if !strings.Contains(inner, "${{") && !strings.Contains(inner, "}}") {
			return in.lookup(ctx, strings.TrimSpace(inner), scope)
		}
	}

	var result strings.Builder
	result.Grow(len(s))

	i := 0
	for i < len(s) {
		idx := strings.Index(s[i:], "${{")
		if idx == -1 {
			result.WriteString(s[i:])
			break
		}
		result.WriteString(s[i : i+idx])
		start := i + idx + 3

		end := strings.Index(s[start:], "}}")
		if end == -1 {
			// Unclosed token: emit the rest verbatim.
			result.WriteString(s[i+idx:])
			break
		}
		end += start

		path := strings.TrimSpace(s[start:end])
		val := in.lookup(ctx, path, scope)
		if val != nil {
			result.WriteString(renderInline(val))
		}
		i = end + 2
	}

	return result.String()
}

func (in *Interpolator) lookup(ctx context.Context, path string, scope map[string]any) any {
	if path == "" {
		in.logger.WarnContext(ctx, "empty interpolation token")
		return nil
	}
	val, err := in.jq.Path(ctx, path, scope)
	if err != nil {
		in.logger.WarnContext(ctx, "interpolation token failed to resolve",
			slog.String("path", path), slog.String("error", err.Error()))
		return nil
	}
	if val == nil {
		in.logger.WarnContext(ctx, "interpolation token resolved to nothing",
			slog.String("path", path))
	}
	return val
}

// renderInline converts a resolved value into its in-string representation.
// Complex types are JSON-encoded.
func renderInline(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return ""
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return fmt.Sprintf("%v", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// HasToken reports whether a string contains any ${{...}} references.
func HasToken(s string) bool {
	return strings.Contains(s, "${{")
}
