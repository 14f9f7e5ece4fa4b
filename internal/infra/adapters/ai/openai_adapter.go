package ai

import (
	"context"
	"errors"
	"strings"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"kb-research-agent/internal/domain/ports/adapter"
)

// Compile-time assurance this adapter satisfies the port
var _ adapter.AIServiceAdapter = (*OpenAIAdapter)(nil)

// OpenAIAdapter implements adapter.AIServiceAdapter on the official SDK.
// A custom base URL points it at any OpenAI-compatible gateway.
type OpenAIAdapter struct {
	client openai.Client
	model  string
}

func NewOpenAIAdapter(apiKey, baseURL, model string) (*OpenAIAdapter, error) {
	if apiKey == "" {
		return nil, errors.New("openai api key empty")
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimRight(baseURL, "/")))
	}
	return &OpenAIAdapter{
		client: openai.NewClient(opts...),
		model:  model,
	}, nil
}

func (o *OpenAIAdapter) ListModels(ctx context.Context) ([]string, error) {
	page, err := o.client.Models.List(ctx)
	if err != nil {
		// Gateways often do not expose /models; fall back to the configured one.
		return []string{o.model}, nil
	}
	out := make([]string, 0, len(page.Data))
	for _, m := range page.Data {
		if m.ID != "" {
			out = append(out, m.ID)
		}
	}
	if len(out) == 0 {
		out = []string{o.model}
	}
	return out, nil
}

func (o *OpenAIAdapter) GetModelInfo(model string) (adapter.ModelInfo, error) {
	if model == "" {
		model = o.model
	}
	return adapter.ModelInfo{
		Name:        model,
		Description: "OpenAI Chat Completions model",
		MaxTokens:   0,
		Supports:    []string{"text"},
	}, nil
}

// CountTokens counts locally with tiktoken; the API has no counting endpoint.
func (o *OpenAIAdapter) CountTokens(ctx context.Context, model string, messages []adapter.Message) (int, error) {
	if model == "" {
		model = o.model
	}
	return CountTokensLocal(model, messages)
}

func (o *OpenAIAdapter) Chat(ctx context.Context, model string, messages []adapter.Message) (string, error) {
	text, _, err := o.chatCore(ctx, model, messages)
	return text, err
}

func (o *OpenAIAdapter) ChatWithUsage(ctx context.Context, model string, messages []adapter.Message) (string, adapter.Usage, error) {
	return o.chatCore(ctx, model, messages)
}

func (o *OpenAIAdapter) chatCore(ctx context.Context, model string, messages []adapter.Message) (string, adapter.Usage, error) {
	if model == "" {
		model = o.model
	}
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: toOpenAIMessages(messages),
	}
	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", adapter.Usage{}, err
	}
	if len(resp.Choices) == 0 {
		return "", adapter.Usage{}, errors.New("no choice content")
	}
	u := adapter.Usage{
		PromptTokens:     int(resp.Usage.PromptTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
		TotalTokens:      int(resp.Usage.TotalTokens),
	}
	return resp.Choices[0].Message.Content, u, nil
}

func toOpenAIMessages(messages []adapter.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch strings.ToLower(m.Role) {
		case "system":
			out = append(out, openai.SystemMessage(m.Content))
		case "assistant":
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}
