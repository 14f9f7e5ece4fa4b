package adapter

import (
	"context"

	"kb-research-agent/internal/domain/model"
)

// SearchHit is one result from a retrieval tool.
type SearchHit struct {
	Title   string  `json:"title"`
	URL     string  `json:"url,omitempty"`
	Content string  `json:"content"`
	Score   float64 `json:"score,omitempty"`
}

// KnowledgeSearcher queries a named knowledge base (the "rag" tool).
type KnowledgeSearcher interface {
	Search(ctx context.Context, kbName, query string, topK int) ([]SearchHit, error)
}

// WebSearcher queries the open web (the "web" tool).
type WebSearcher interface {
	Search(ctx context.Context, query string, topK int) ([]SearchHit, error)
}

// CodeResult is the outcome of one sandbox execution.
type CodeResult struct {
	Stdout   string          `json:"stdout"`
	Stderr   string          `json:"stderr,omitempty"`
	ExitCode int             `json:"exit_code"`
	Files    []model.FileRef `json:"files,omitempty"`
}

// CodeRunner executes planner-supplied snippets in an isolated sandbox
// (the "code" tool).
type CodeRunner interface {
	Run(ctx context.Context, snippet model.CodeSnippet) (CodeResult, error)
}
