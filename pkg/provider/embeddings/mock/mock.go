// Package mock is a scriptable embeddings.Provider for tests: it returns a
// canned vector (or error) and records every text submitted for embedding.
package mock

import (
	"context"
	"sync"

	"github.com/marketvox/marketvox/pkg/provider/embeddings"
)

var _ embeddings.Provider = (*Provider)(nil)

// EmbedCall records one Embed invocation.
type EmbedCall struct {
	Ctx  context.Context
	Text string
}

// Provider is safe for concurrent use; configure its fields before handing
// it to the code under test.
type Provider struct {
	mu sync.Mutex

	// EmbedResult is returned from every Embed call.
	EmbedResult []float32

	// EmbedErr, when non-nil, makes Embed fail.
	EmbedErr error

	// EmbedCalls records every call in order.
	EmbedCalls []EmbedCall
}

func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EmbedCalls = append(p.EmbedCalls, EmbedCall{Ctx: ctx, Text: text})
	if p.EmbedErr != nil {
		return nil, p.EmbedErr
	}
	return p.EmbedResult, nil
}

// Reset clears the recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EmbedCalls = nil
}
