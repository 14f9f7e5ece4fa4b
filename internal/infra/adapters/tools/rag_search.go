// File: internal/infra/adapters/tools/rag_search.go
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
var _ adapter.KnowledgeSearcher = (*RAGSearchAdapter)(nil)

// RAGSearchAdapter queries the retrieval service over its HTTP API.
type RAGSearchAdapter struct {
	apiKey string
	base   string
	topK   int
	client *http.Client
}

func NewRAGSearchAdapter(cfg config.ToolEndpoint) (*RAGSearchAdapter, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("rag base url empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &RAGSearchAdapter{
		apiKey: cfg.APIKey,
		base:   strings.TrimRight(cfg.BaseURL, "/"),
		topK:   cfg.TopK,
		client: &http.Client{Timeout: timeout},
	}, nil
}

func (r *RAGSearchAdapter) Search(ctx context.Context, kbName, query string, topK int) ([]adapter.SearchHit, error) {
	if topK <= 0 {
		topK = r.topK
	}
	reqBody := struct {
		KBName string `json:"kb_name"`
		Query  string `json:"query"`
		TopK   int    `json:"top_k"`
	}{KBName: kbName, Query: query, TopK: topK}

	b, _ := json.Marshal(reqBody)
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, r.base+"/v1/search", bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("rag http %d", resp.StatusCode)
	}

	var payload struct {
		Hits []adapter.SearchHit `json:"hits"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, err
	}
	return payload.Hits, nil
}
