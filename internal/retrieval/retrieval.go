// Package retrieval defines the boundary to the retrieval-augmented context
// builder. The builder itself is an external collaborator.
package retrieval

import "context"

// SourceItem identifies one document that contributed to the retrieved
// context, for audit trails.
type SourceItem struct {
	ID     string `json:"id"`
	Kind   string `json:"kind,omitempty"`
	Title  string `json:"title,omitempty"`
	Source string `json:"source,omitempty"`
}

// Provider retrieves context relevant to a query, scoped to one user.
type Provider interface {
	ContextFor(ctx context.Context, query, userID string) (string, []SourceItem, error)
}

// Noop is the Provider wired for deployments without a retrieval backend.
// ai_decision steps then run on step outputs alone.
type Noop struct{}

func (Noop) ContextFor(ctx context.Context, query, userID string) (string, []SourceItem, error) {
	return "", nil, nil
}

var _ Provider = Noop{}
