// Package openai embeds text with the OpenAI embeddings API.
package openai

import (
	"context"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/marketvox/marketvox/pkg/provider/embeddings"
)

// DefaultModel is used when no model is configured. Its 1536 dimensions
// match the store's default vector column.
const DefaultModel = oai.EmbeddingModelTextEmbedding3Small

var _ embeddings.Provider = (*Provider)(nil)

// Provider calls the OpenAI embeddings endpoint.
type Provider struct {
	client oai.Client
	model  string
}

type config struct {
	baseURL string
	timeout time.Duration
}

// Option configures the provider.
type Option func(*config)

// WithBaseURL points the client at a compatible non-default endpoint, such
// as an Azure deployment or a local proxy.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithTimeout bounds each embedding request.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// New builds a provider for the given model, defaulting to DefaultModel.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai embeddings: api key must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}

	var cfg config
	for _, o := range opts {
		o(&cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	return &Provider{client: oai.NewClient(reqOpts...), model: model}, nil
}

// Embed implements embeddings.Provider.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := p.client.Embeddings.New(ctx, oai.EmbeddingNewParams{
		Model: p.model,
		Input: oai.EmbeddingNewParamsInputUnion{OfString: param.NewOpt(text)},
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: embed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("openai embeddings: empty response")
	}
	raw := resp.Data[0].Embedding
	vec := make([]float32, len(raw))
	for i, v := range raw {
		vec[i] = float32(v)
	}
	return vec, nil
}
