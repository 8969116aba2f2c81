package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/steadyline/proactor/pkg/schema"
)

// Registry is the concrete thread-safe Executor implementation.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]Tool),
	}
}

// Register adds a tool to the registry. Returns error on duplicate name.
func (r *Registry) Register(tool Tool) error {
	if tool == nil {
		return schema.NewError(schema.ErrCodeValidation, "tool is nil")
	}
	name := tool.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "tool name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "tool %q already registered", name)
	}

	r.tools[name] = tool
	return nil
}

// RegisterPrefixed bulk-registers tools under a prefixed namespace. Each tool
// name becomes "prefix.originalName" (e.g. "crm.create_record").
func (r *Registry) RegisterPrefixed(prefix string, ts []Tool) (int, error) {
	if prefix == "" {
		return 0, schema.NewError(schema.ErrCodeValidation, "tool prefix is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	registered := 0
	for _, t := range ts {
		prefixed := fmt.Sprintf("%s.%s", prefix, t.Name())
		if _, exists := r.tools[prefixed]; exists {
			return registered, schema.NewErrorf(schema.ErrCodeConflict, "tool %q already registered", prefixed)
		}
		r.tools[prefixed] = &prefixedTool{inner: t, name: prefixed}
		registered++
	}
	return registered, nil
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, ok := r.tools[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeTool, "tool %q not registered", name)
	}
	return tool, nil
}

// Execute looks up a tool and invokes it with the caller's identity injected
// into a copy of the argument map under "user_id".
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any, userID string) (*Result, error) {
	tool, err := r.Get(name)
	if err != nil {
		return nil, err
	}

	scoped := make(map[string]any, len(args)+1)
	for k, v := range args {
		scoped[k] = v
	}
	if userID != "" {
		scoped["user_id"] = userID
	}

	return tool.Execute(ctx, scoped)
}

// Catalogue returns specs for all registered tools, sorted by name.
func (r *Registry) Catalogue() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	specs := make([]Spec, 0, len(r.tools))
	for _, t := range r.tools {
		specs = append(specs, Spec{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.InputSchema(),
		})
	}
	sort.Slice(specs, func(i, j int) bool {
		return specs[i].Name < specs[j].Name
	})
	return specs
}

// Has checks if a tool is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// prefixedTool wraps a provider tool with a prefixed name.
type prefixedTool struct {
	inner Tool
	name  string
}

func (p *prefixedTool) Name() string                 { return p.name }
func (p *prefixedTool) Description() string          { return p.inner.Description() }
func (p *prefixedTool) InputSchema() json.RawMessage { return p.inner.InputSchema() }

func (p *prefixedTool) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	return p.inner.Execute(ctx, args)
}

var _ Executor = (*Registry)(nil)
