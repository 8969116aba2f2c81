package decision

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// PriorStep is one consumed step's contribution to the prompt, in execution
// order.
type PriorStep struct {
	Name   string          `json:"name"`
	Output json.RawMessage `json:"output,omitempty"`
}

// PromptParams holds the inputs needed to assemble an ai_decision prompt.
type PromptParams struct {
	Instruction string
	UserRequest string
	PriorSteps  []PriorStep
	Options     []string
}

// BuildPrompt assembles the decision prompt from the step's configured
// instruction, the workflow's original request, and the structured outputs of
// all prior consumed steps in order.
func BuildPrompt(p PromptParams) string {
	var b strings.Builder

	b.WriteString(strings.TrimSpace(p.Instruction))

	if p.UserRequest != "" {
		b.WriteString("\n\n## Original request\n")
		b.WriteString(p.UserRequest)
	}

	if len(p.PriorSteps) > 0 {
		b.WriteString("\n\n## Results so far\n")
		for _, s := range p.PriorSteps {
			out := "(no output)"
			if len(s.Output) > 0 {
				out = compactJSON(s.Output)
			}
			fmt.Fprintf(&b, "\n### %s\n%s\n", s.Name, out)
		}
	}

	if len(p.Options) > 0 {
		b.WriteString("\n\n## Outcome\n")
		fmt.Fprintf(&b, "State your conclusion using exactly one of these words: %s.",
			strings.Join(p.Options, ", "))
	}

	return b.String()
}

// SelectedOption returns the first configured option whose text appears
// (case-insensitively) in the narrative, or "" when none does.
func SelectedOption(narrative string, options []string) string {
	lower := strings.ToLower(narrative)
	for _, opt := range options {
		if strings.Contains(lower, strings.ToLower(opt)) {
			return opt
		}
	}
	return ""
}

func compactJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}
