// File: internal/infra/adapters/ai/gemini_adapter.go
package ai

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/genai"

	"kb-research-agent/internal/domain/ports/adapter"
)

var _ adapter.AIServiceAdapter = (*GeminiAdapter)(nil)

type GeminiAdapter struct {
	client       *genai.Client
	defaultModel string
	maxOut       int
}

// NewGeminiAdapter creates a Gemini adapter on the official SDK. A base URL
// points it at a proxy or regional endpoint; empty uses the public API.
func NewGeminiAdapter(ctx context.Context, apiKey, baseURL, defaultModel string, maxOut int) (*GeminiAdapter, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: empty api key")
	}
	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{
			BaseURL: baseURL,
		},
	})
	if err != nil {
		return nil, err
	}
	return &GeminiAdapter{client: c, defaultModel: defaultModel, maxOut: maxOut}, nil
}

func (g *GeminiAdapter) ListModels(ctx context.Context) ([]string, error) {
	var out []string
	for m := range g.client.Models.All(ctx) {
		if m.Name != "" {
			out = append(out, m.Name)
		}
	}
	if len(out) == 0 && g.defaultModel != "" {
		out = []string{g.defaultModel}
	}
	return out, nil
}

func (g *GeminiAdapter) GetModelInfo(model string) (adapter.ModelInfo, error) {
	m, err := g.client.Models.Get(context.Background(), model, nil)
	if err != nil {
		// Minimal info on error so callers are not blocked.
		return adapter.ModelInfo{Name: model}, nil
	}
	return adapter.ModelInfo{
		Name:        m.Name,
		Description: m.Description,
		MaxTokens:   int(m.InputTokenLimit),
		Supports:    m.SupportedActions,
	}, nil
}

func (g *GeminiAdapter) CountTokens(ctx context.Context, model string, messages []adapter.Message) (int, error) {
	// System text counts as user content here; close enough for budgeting.
	contents := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		role := genai.RoleUser
		if r := strings.ToLower(m.Role); r == "assistant" || r == "model" {
			role = genai.RoleModel
		}
		contents = append(contents, &genai.Content{Role: role, Parts: []*genai.Part{{Text: m.Content}}})
	}
	resp, err := g.client.Models.CountTokens(ctx, modelOrDefault(model, g.defaultModel), contents, nil)
	if err != nil {
		return 0, err
	}
	return int(resp.TotalTokens), nil
}

func (g *GeminiAdapter) Chat(ctx context.Context, model string, messages []adapter.Message) (string, error) {
	reply, _, err := g.chatCore(ctx, model, messages)
	return reply, err
}

func (g *GeminiAdapter) ChatWithUsage(ctx context.Context, model string, messages []adapter.Message) (string, adapter.Usage, error) {
	return g.chatCore(ctx, model, messages)
}

// --- internal ---

func (g *GeminiAdapter) chatCore(ctx context.Context, model string, messages []adapter.Message) (string, adapter.Usage, error) {
	if len(messages) == 0 {
		return "", adapter.Usage{}, errors.New("gemini: no messages")
	}
	system, turns := splitPrompt(messages)
	if len(turns) == 0 {
		return "", adapter.Usage{}, errors.New("gemini: prompt has no user turn")
	}
	last := turns[len(turns)-1]
	if last.Role != genai.RoleUser {
		return "", adapter.Usage{}, errors.New("gemini: last message must be from user")
	}

	cfg := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(g.maxOut),
	}
	if system != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}

	chat, err := g.client.Chats.Create(ctx, modelOrDefault(model, g.defaultModel), cfg, turns[:len(turns)-1])
	if err != nil {
		return "", adapter.Usage{}, err
	}
	resp, err := chat.SendMessage(ctx, *last.Parts[0])
	if err != nil {
		return "", adapter.Usage{}, err
	}

	text := ""
	if resp != nil && len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil && len(resp.Candidates[0].Content.Parts) > 0 {
		text = resp.Candidates[0].Content.Parts[0].Text
	}
	u := adapter.Usage{}
	if resp != nil && resp.UsageMetadata != nil {
		u.PromptTokens = int(resp.UsageMetadata.PromptTokenCount)
		u.CompletionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
		u.TotalTokens = int(resp.UsageMetadata.TotalTokenCount)
	}
	return text, u, nil
}

// splitPrompt separates system instructions from the conversational turns.
// Gemini takes instructions through config, not as a chat role; every system
// message regardless of position joins the instruction block so a mid-history
// one is not misattributed to the user.
func splitPrompt(msgs []adapter.Message) (string, []*genai.Content) {
	var sys []string
	turns := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		role := genai.RoleUser
		switch strings.ToLower(m.Role) {
		case "system":
			sys = append(sys, m.Content)
			continue
		case "assistant", "model":
			role = genai.RoleModel
		}
		turns = append(turns, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: m.Content}},
		})
	}
	return strings.Join(sys, "\n\n"), turns
}

func modelOrDefault(model, def string) string {
	if strings.TrimSpace(model) != "" {
		return model
	}
	return def
}
