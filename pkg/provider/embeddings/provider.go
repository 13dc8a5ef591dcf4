// Package embeddings abstracts the text-embedding backend used for semantic
// recall. The conversation store keeps one vector per finished turn; recall
// embeds the incoming utterance with the same model and ranks past turns by
// cosine distance, so every vector a deployment stores must come from a
// single model whose dimensionality matches the store's vector column.
package embeddings

import "context"

// Provider maps text to a dense vector.
//
// Text is passed through verbatim; any model-specific formatting (such as a
// "query: " prefix for retrieval models) is the caller's concern.
// Implementations must be safe for concurrent use.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
