package tools

import (
	"context"
	"errors"
	"fmt"

	"kb-research-agent/internal/domain/model"
	"kb-research-agent/internal/domain/ports/adapter"
)

var (
	_ adapter.KnowledgeSearcher = (*NoopKnowledgeSearcher)(nil)
	_ adapter.WebSearcher       = (*NoopWebSearcher)(nil)
	_ adapter.CodeRunner        = (*NoopCodeRunner)(nil)
	_ adapter.KnowledgeSearcher = (*DisabledKnowledgeSearcher)(nil)
	_ adapter.WebSearcher       = (*DisabledWebSearcher)(nil)
	_ adapter.CodeRunner        = (*DisabledCodeRunner)(nil)
)

// Noop tool adapters for local/dev runs without the external services.
// They return one synthetic hit so a full workflow pass produces output.

type NoopKnowledgeSearcher struct{}

func (NoopKnowledgeSearcher) Search(ctx context.Context, kbName, query string, topK int) ([]adapter.SearchHit, error) {
	return []adapter.SearchHit{{
		Title:   fmt.Sprintf("Stub document from %s", kbName),
		URL:     "kb://" + kbName + "/stub",
		Content: "No retrieval backend is configured; this is placeholder content for: " + query,
		Score:   1.0,
	}}, nil
}

type NoopWebSearcher struct{}

func (NoopWebSearcher) Search(ctx context.Context, query string, topK int) ([]adapter.SearchHit, error) {
	return []adapter.SearchHit{{
		Title:   "Stub web result",
		URL:     "https://example.com/stub",
		Content: "No web search backend is configured; placeholder content for: " + query,
		Score:   1.0,
	}}, nil
}

type NoopCodeRunner struct{}

func (NoopCodeRunner) Run(ctx context.Context, snippet model.CodeSnippet) (adapter.CodeResult, error) {
	return adapter.CodeResult{
		Stdout:   "(sandbox disabled)",
		ExitCode: 0,
	}, nil
}

// ErrToolDisabled is returned by the Disabled* adapters, which stand in for
// endpoints left out of the config outside dev mode. The workflow records the
// tool as failed and moves on.
var ErrToolDisabled = errors.New("tool endpoint not configured")

type DisabledKnowledgeSearcher struct{}

func (DisabledKnowledgeSearcher) Search(context.Context, string, string, int) ([]adapter.SearchHit, error) {
	return nil, ErrToolDisabled
}

type DisabledWebSearcher struct{}

func (DisabledWebSearcher) Search(context.Context, string, int) ([]adapter.SearchHit, error) {
	return nil, ErrToolDisabled
}

type DisabledCodeRunner struct{}

func (DisabledCodeRunner) Run(context.Context, model.CodeSnippet) (adapter.CodeResult, error) {
	return adapter.CodeResult{}, ErrToolDisabled
}
