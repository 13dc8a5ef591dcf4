package resilience

import (
	"context"

	"github.com/marketvox/marketvox/pkg/provider/llm"
	"github.com/marketvox/marketvox/pkg/types"
)

// LLMFallback implements [llm.Provider] with automatic failover across multiple
// LLM backends. Each backend has its own circuit breaker; when the primary fails
// or its breaker is open, the next healthy fallback is tried.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

// Compile-time interface assertion.
var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional LLM provider as a fallback.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// Complete sends the request to the first healthy provider and returns its
// response. If the primary fails, subsequent fallbacks are tried.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// StreamCompletion sends the request to the first healthy provider and returns a
// streaming chunk channel. Note: only the initial connection attempt is covered
// by failover; once a stream is established, mid-stream errors are the caller's
// responsibility.
func (f *LLMFallback) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (<-chan llm.Chunk, error) {
		return p.StreamCompletion(ctx, req)
	})
}

// CountTokens delegates to the first healthy provider's token counter.
func (f *LLMFallback) CountTokens(messages []types.Message) (int, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (int, error) {
		return p.CountTokens(messages)
	})
}

// Capabilities returns the primary's capabilities. Static metadata does not
// participate in failover.
func (f *LLMFallback) Capabilities() types.ModelCapabilities {
	return f.group.Primary().Capabilities()
}

// Model returns the primary's model identifier. Transcripts record the model
// requests were intended for even when a fallback served them.
func (f *LLMFallback) Model() string {
	return f.group.Primary().Model()
}
