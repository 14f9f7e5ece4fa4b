// File: internal/infra/adapters/ai/multi_adapter.go
package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"kb-research-agent/internal/domain/ports/adapter"
)

var _ adapter.AIServiceAdapter = (*MultiAIAdapter)(nil)

// ErrNoProvider reports that no configured provider can serve the requested
// model. Callers fail the run rather than continue with an empty reply.
var ErrNoProvider = errors.New("no ai provider for model")

// MultiAIAdapter routes each call to one of the configured provider adapters
// by model name. Explicit config mappings win, then name prefixes, then the
// default provider. Routing never silently degrades: an unroutable model is
// an error, because a planner or synthesis call that returns an empty string
// would be persisted as a real (blank) answer downstream.
type MultiAIAdapter struct {
	defaultProvider string
	byProvider      map[string]adapter.AIServiceAdapter
	modelToProvider map[string]string
}

// NewMultiAIAdapter wires the provider set. Each provider adapter carries its
// own default model; the router only decides which adapter answers.
func NewMultiAIAdapter(
	defaultProvider string,
	byProvider map[string]adapter.AIServiceAdapter,
	modelToProvider map[string]string,
) *MultiAIAdapter {
	return &MultiAIAdapter{
		defaultProvider: strings.ToLower(defaultProvider),
		byProvider:      byProvider,
		modelToProvider: modelToProvider,
	}
}

// route picks the adapter for a model. The explicit model map takes priority
// over prefix heuristics so operators can pin gateway-specific model names.
func (m *MultiAIAdapter) route(model string) (adapter.AIServiceAdapter, error) {
	prov := strings.ToLower(m.modelToProvider[model])
	if prov == "" {
		switch l := strings.ToLower(model); {
		case strings.HasPrefix(l, "gemini"):
			prov = "gemini"
		case strings.HasPrefix(l, "gpt"):
			prov = "openai"
		default:
			prov = m.defaultProvider
		}
	}
	if a := m.byProvider[prov]; a != nil {
		return a, nil
	}
	// The resolved provider is not wired (e.g. a gemini-* model with only an
	// OpenAI key configured). Any single remaining provider is an acceptable
	// stand-in; with none or several there is no defensible choice.
	var only adapter.AIServiceAdapter
	n := 0
	for _, a := range m.byProvider {
		if a != nil {
			only = a
			n++
		}
	}
	if n == 1 {
		return only, nil
	}
	return nil, fmt.Errorf("%w: %q (provider %q not configured)", ErrNoProvider, model, prov)
}

// ListModels unions the explicitly mapped model names with whatever each
// provider reports. Provider listing failures are skipped; the configured
// mappings alone are still a usable answer.
func (m *MultiAIAdapter) ListModels(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	add := func(name string) {
		if name == "" {
			return
		}
		if _, dup := seen[name]; dup {
			return
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	for model := range m.modelToProvider {
		add(model)
	}
	for _, a := range m.byProvider {
		if a == nil {
			continue
		}
		names, err := a.ListModels(ctx)
		if err != nil {
			continue
		}
		for _, name := range names {
			add(name)
		}
	}
	return out, nil
}

func (m *MultiAIAdapter) GetModelInfo(model string) (adapter.ModelInfo, error) {
	a, err := m.route(model)
	if err != nil {
		return adapter.ModelInfo{}, err
	}
	return a.GetModelInfo(model)
}

func (m *MultiAIAdapter) CountTokens(ctx context.Context, model string, messages []adapter.Message) (int, error) {
	a, err := m.route(model)
	if err != nil {
		return 0, err
	}
	return a.CountTokens(ctx, model, messages)
}

func (m *MultiAIAdapter) Chat(ctx context.Context, model string, messages []adapter.Message) (string, error) {
	a, err := m.route(model)
	if err != nil {
		return "", err
	}
	return a.Chat(ctx, model, messages)
}

func (m *MultiAIAdapter) ChatWithUsage(ctx context.Context, model string, messages []adapter.Message) (string, adapter.Usage, error) {
	a, err := m.route(model)
	if err != nil {
		return "", adapter.Usage{}, err
	}
	return a.ChatWithUsage(ctx, model, messages)
}
