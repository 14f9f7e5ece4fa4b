// File: internal/infra/adapters/tools/web_search.go
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"kb-research-agent/internal/config"
	"kb-research-agent/internal/domain/ports/adapter"
)

// Compile-time assurance this adapter satisfies the port
var _ adapter.WebSearcher = (*WebSearchAdapter)(nil)

// WebSearchAdapter calls an external web search gateway.
type WebSearchAdapter struct {
	apiKey string
	base   string
	topK   int
	client *http.Client
}

func NewWebSearchAdapter(cfg config.ToolEndpoint) (*WebSearchAdapter, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("web search base url empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &WebSearchAdapter{
		apiKey: cfg.APIKey,
		base:   strings.TrimRight(cfg.BaseURL, "/"),
		topK:   cfg.TopK,
		client: &http.Client{Timeout: timeout},
	}, nil
}

func (w *WebSearchAdapter) Search(ctx context.Context, query string, topK int) ([]adapter.SearchHit, error) {
	if topK <= 0 {
		topK = w.topK
	}
	reqBody := struct {
		Query string `json:"query"`
		TopK  int    `json:"top_k"`
	}{Query: query, TopK: topK}

	b, _ := json.Marshal(reqBody)
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, w.base+"/v1/search", bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	if w.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+w.apiKey)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("web search http %d", resp.StatusCode)
	}

	var payload struct {
		Hits []adapter.SearchHit `json:"hits"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, err
	}
	return payload.Hits, nil
}
