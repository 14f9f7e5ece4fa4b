// File: internal/infra/adapters/tools/code_sandbox.go
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
	"kb-research-agent/internal/domain/model"
	"kb-research-agent/internal/domain/ports/adapter"
)

// Compile-time assurance this adapter satisfies the port
var _ adapter.CodeRunner = (*CodeSandboxAdapter)(nil)

// CodeSandboxAdapter submits planner-supplied snippets to an isolated
// execution service and returns its captured output and artifacts.
type CodeSandboxAdapter struct {
	apiKey string
	base   string
	client *http.Client
}

func NewCodeSandboxAdapter(cfg config.ToolEndpoint) (*CodeSandboxAdapter, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("code sandbox base url empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &CodeSandboxAdapter{
		apiKey: cfg.APIKey,
		base:   strings.TrimRight(cfg.BaseURL, "/"),
		client: &http.Client{Timeout: timeout},
	}, nil
}

func (c *CodeSandboxAdapter) Run(ctx context.Context, snippet model.CodeSnippet) (adapter.CodeResult, error) {
	b, _ := json.Marshal(snippet)
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/v1/execute", bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return adapter.CodeResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return adapter.CodeResult{}, fmt.Errorf("code sandbox http %d", resp.StatusCode)
	}

	var result adapter.CodeResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return adapter.CodeResult{}, err
	}
	return result, nil
}
