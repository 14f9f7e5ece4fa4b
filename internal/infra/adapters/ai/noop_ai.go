package ai

import (
	"context"
	"time"

	"kb-research-agent/internal/domain/ports/adapter"
)

var _ adapter.AIServiceAdapter = (*NoopAIAdapter)(nil)

// NoopAIAdapter implements adapter.AIServiceAdapter for local/dev runs with
// no API keys. It answers every chat with a fixed reply after a short delay,
// which also exercises the planner's fallback path downstream.
type NoopAIAdapter struct {
	Reply string
}

func NewNoopAIAdapter() *NoopAIAdapter {
	return &NoopAIAdapter{Reply: "This is a noop AI response."}
}

func (a *NoopAIAdapter) ListModels(ctx context.Context) ([]string, error) {
	return []string{"noop-ai-model"}, nil
}

func (a *NoopAIAdapter) GetModelInfo(model string) (adapter.ModelInfo, error) {
	return adapter.ModelInfo{
		Name:        "noop-ai-model",
		Description: "Noop AI model for testing",
		MaxTokens:   1024,
		Supports:    []string{"chat", "completion"},
	}, nil
}

func (a *NoopAIAdapter) CountTokens(ctx context.Context, model string, messages []adapter.Message) (int, error) {
	n := 0
	for _, m := range messages {
		n += len(m.Content) / 4 // rough chars-per-token estimate
	}
	return n, nil
}

func (a *NoopAIAdapter) Chat(ctx context.Context, model string, messages []adapter.Message) (string, error) {
	select {
	case <-time.After(100 * time.Millisecond):
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return a.Reply, nil
}

func (a *NoopAIAdapter) ChatWithUsage(ctx context.Context, model string, messages []adapter.Message) (string, adapter.Usage, error) {
	text, err := a.Chat(ctx, model, messages)
	if err != nil {
		return "", adapter.Usage{}, err
	}
	in, _ := a.CountTokens(ctx, model, messages)
	out := len(text) / 4
	return text, adapter.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out}, nil
}
