// Package ollama embeds text with a local Ollama server's /api/embed
// endpoint, for deployments that keep recall vectors off third-party APIs.
// Works with any Ollama embedding model (nomic-embed-text, mxbai-embed-large,
// all-minilm); the configured model's dimensionality must match the store's
// vector column.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/marketvox/marketvox/pkg/provider/embeddings"
)

// DefaultBaseURL is a locally running Ollama instance.
const DefaultBaseURL = "http://localhost:11434"

var _ embeddings.Provider = (*Provider)(nil)

// Provider calls one Ollama server. Safe for concurrent use.
type Provider struct {
	baseURL string
	model   string
	client  *http.Client
}

// Option configures the provider.
type Option func(*Provider)

// WithTimeout bounds each embedding request. Zero means no timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.client.Timeout = d
		}
	}
}

// New builds a provider against baseURL (DefaultBaseURL when empty) using
// the given embedding model.
func New(baseURL string, model string, opts ...Option) (*Provider, error) {
	if model == "" {
		return nil, fmt.Errorf("ollama embeddings: model must not be empty")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	p := &Provider{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Model      string      `json:"model"`
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed implements embeddings.Provider. The text is forwarded verbatim;
// model-specific prompt prefixes are the caller's concern.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Model: p.model, Input: []string{text}})
	if err != nil {
		return nil, fmt.Errorf("ollama embeddings: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ollama embeddings: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama embeddings: http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama embeddings: unexpected status %d", resp.StatusCode)
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("ollama embeddings: decode response: %w", err)
	}
	if len(out.Embeddings) == 0 || len(out.Embeddings[0]) == 0 {
		return nil, fmt.Errorf("ollama embeddings: empty embedding in response")
	}
	return out.Embeddings[0], nil
}
