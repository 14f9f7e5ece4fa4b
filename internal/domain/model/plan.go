package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// CodeSnippet is a piece of code the planner wants executed in the sandbox.
type CodeSnippet struct {
	Language string `json:"language"`
	Source   string `json:"source"`
}

// Plan is the investigate stage's output: the model's reading of the task and
// which tools the run needs, optionally with code for the sandbox.
type Plan struct {
	Understanding string        `json:"understanding,omitempty"`
	RequiredTools []string      `json:"required_tools"`
	Reasoning     string        `json:"reasoning,omitempty"`
	Code          []CodeSnippet `json:"code,omitempty"`
}

func (p Plan) Needs(tool string) bool {
	for _, t := range p.RequiredTools {
		if t == tool {
			return true
		}
	}
	return false
}

// ErrNoPlan reports that a model reply contained no usable plan object.
var ErrNoPlan = errors.New("no plan object in model reply")

// DefaultPlan is the fallback when the model's reply yields no usable plan:
// search the knowledge base and synthesize from whatever comes back.
func DefaultPlan() Plan {
	return Plan{RequiredTools: []string{"rag"}}
}

// ParsePlan extracts a Plan from a model reply. Replies are rarely clean
// JSON; fenced blocks and surrounding prose are tolerated by cutting the
// outermost braces out of the text. Callers are expected to substitute
// DefaultPlan() on error; a parse failure is advisory, never fatal.
func ParsePlan(raw string) (Plan, error) {
	text := stripFences(raw)
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return Plan{}, ErrNoPlan
	}
	var p Plan
	if err := json.Unmarshal([]byte(text[start:end+1]), &p); err != nil {
		return Plan{}, fmt.Errorf("parse plan: %w", err)
	}
	p.RequiredTools = normalizeTools(p.RequiredTools)
	if len(p.RequiredTools) == 0 {
		return Plan{}, fmt.Errorf("parse plan: %w: empty required_tools", ErrNoPlan)
	}
	return p, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.Index(s, "\n"); i >= 0 {
		s = s[i+1:] // drop the language tag line
	}
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

func normalizeTools(tools []string) []string {
	out := make([]string, 0, len(tools))
	seen := make(map[string]struct{}, len(tools))
	for _, t := range tools {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
