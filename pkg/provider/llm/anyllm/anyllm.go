// Package anyllm provides a universal LLM provider backed by
// github.com/mozilla-ai/any-llm-go, a unified multi-provider interface that
// supports OpenAI, Anthropic, Gemini, Ollama, DeepSeek, Mistral, Groq, and
// local llama.cpp deployments.
//
// Usage:
//
//	p, err := anyllm.New("anthropic", "claude-3-5-haiku-latest", anyllmlib.WithAPIKey("sk-ant-..."))
//	p, err := anyllm.New("ollama", "llama3.1", anyllmlib.WithBaseURL("http://gpu-box:11434"))
package anyllm

import (
	"context"
	"fmt"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/marketvox/marketvox/pkg/provider/llm"
	"github.com/marketvox/marketvox/pkg/types"
)

// Provider implements llm.Provider by wrapping github.com/mozilla-ai/any-llm-go.
type Provider struct {
	backend anyllmlib.Provider
	model   string
}

// New creates a new Provider backed by the given LLM backend name.
//
// backendName is one of: "openai", "anthropic", "gemini", "ollama",
// "deepseek", "mistral", "groq", "llamacpp", "llamafile".
//
// model is the specific model to use (e.g., "gpt-4o-mini",
// "claude-3-5-haiku-latest").
//
// opts are any-llm-go configuration options (e.g., anyllmlib.WithAPIKey,
// anyllmlib.WithBaseURL). If no API key option is provided, the backend falls
// back to its conventional environment variable (OPENAI_API_KEY,
// ANTHROPIC_API_KEY, ...).
func New(backendName string, model string, opts ...anyllmlib.Option) (*Provider, error) {
	if backendName == "" {
		return nil, fmt.Errorf("anyllm: backendName must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("anyllm: model must not be empty")
	}

	backend, err := createBackend(backendName, opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", backendName, err)
	}

	return &Provider{backend: backend, model: model}, nil
}

// createBackend creates the underlying any-llm-go provider for the given name.
func createBackend(backendName string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(backendName) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	case "llamafile":
		return llamafile.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported backend %q; supported: openai, anthropic, gemini, ollama, deepseek, mistral, groq, llamacpp, llamafile", backendName)
	}
}

// StreamCompletion implements llm.Provider.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	params := p.buildParams(req)

	backendChunks, backendErrs := p.backend.CompletionStream(ctx, params)

	ch := make(chan llm.Chunk, 32)
	go func() {
		defer close(ch)

		// Accumulated tool calls keyed by index.
		toolCallAccum := map[int]*types.ToolCall{}

		for chunk := range backendChunks {
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			delta := choice.Delta

			out := llm.Chunk{
				Text:         delta.Content,
				FinishReason: choice.FinishReason,
			}

			for i, tc := range delta.ToolCalls {
				if _, ok := toolCallAccum[i]; !ok {
					toolCallAccum[i] = &types.ToolCall{
						ID:   tc.ID,
						Name: tc.Function.Name,
					}
				}
				existing := toolCallAccum[i]
				if tc.ID != "" {
					existing.ID = tc.ID
				}
				if tc.Function.Name != "" {
					existing.Name = tc.Function.Name
				}
				existing.Arguments += tc.Function.Arguments
			}

			// On the final chunk, emit accumulated tool calls.
			if choice.FinishReason == anyllmlib.FinishReasonToolCalls ||
				(choice.FinishReason != "" && len(toolCallAccum) > 0) {
				for i := 0; i < len(toolCallAccum); i++ {
					if tc, ok := toolCallAccum[i]; ok {
						out.ToolCalls = append(out.ToolCalls, *tc)
					}
				}
			}

			select {
			case ch <- out:
			case <-ctx.Done():
				return
			}
		}

		// Check for backend errors after the chunk channel is drained.
		if err := <-backendErrs; err != nil {
			select {
			case ch <- llm.Chunk{FinishReason: "error", Text: err.Error()}:
			case <-ctx.Done():
			}
		}
	}()

	return ch, nil
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	params := p.buildParams(req)

	resp, err := p.backend.Completion(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anyllm: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("anyllm: empty choices in response")
	}

	choice := resp.Choices[0]
	result := &llm.CompletionResponse{
		Content: choice.Message.ContentString(),
	}
	if resp.Usage != nil {
		result.Usage = llm.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	for _, tc := range choice.Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, types.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return result, nil
}

// CountTokens implements llm.Provider.
func (p *Provider) CountTokens(messages []types.Message) (int, error) {
	total := 0
	for _, m := range messages {
		// ~4 chars per token is a rough approximation for most models.
		total += (len(m.Content) + 3) / 4
		// Per-message overhead (role + formatting tokens).
		total += 4
	}
	return total, nil
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() types.ModelCapabilities {
	return modelCapabilities(p.model)
}

// Model implements llm.Provider.
func (p *Provider) Model() string {
	return p.model
}

// buildParams converts our CompletionRequest into anyllm CompletionParams.
func (p *Provider) buildParams(req llm.CompletionRequest) anyllmlib.CompletionParams {
	var messages []anyllmlib.Message

	if req.SystemPrompt != "" {
		messages = append(messages, anyllmlib.Message{
			Role:    anyllmlib.RoleSystem,
			Content: req.SystemPrompt,
		})
	}

	for _, m := range req.Messages {
		messages = append(messages, convertMessage(m))
	}

	params := anyllmlib.CompletionParams{
		Model:    p.model,
		Messages: messages,
	}

	if req.Temperature != 0 {
		t := req.Temperature
		params.Temperature = &t
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		params.MaxTokens = &mt
	}

	for _, td := range req.Tools {
		params.Tools = append(params.Tools, anyllmlib.Tool{
			Type: "function",
			Function: anyllmlib.Function{
				Name:        td.Name,
				Description: td.Description,
				Parameters:  td.Parameters,
			},
		})
	}

	return params
}

// convertMessage converts our types.Message to anyllm.Message.
func convertMessage(m types.Message) anyllmlib.Message {
	msg := anyllmlib.Message{
		Role:       m.Role,
		Content:    m.Content,
		Name:       m.Name,
		ToolCallID: m.ToolCallID,
	}

	for _, tc := range m.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, anyllmlib.ToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: anyllmlib.FunctionCall{
				Name:      tc.Name,
				Arguments: tc.Arguments,
			},
		})
	}

	return msg
}

// modelCapabilities returns ModelCapabilities based on known model names.
// Unknown models receive sensible defaults.
func modelCapabilities(model string) types.ModelCapabilities {
	caps := types.ModelCapabilities{
		SupportsToolCalling: true,
		SupportsStreaming:   true,
		ContextWindow:       128_000,
		MaxOutputTokens:     4_096,
	}

	lower := strings.ToLower(model)

	switch {
	// ── OpenAI families ─────────────────────────────────────────────────────
	case strings.HasPrefix(lower, "gpt-4o-mini"), strings.HasPrefix(lower, "gpt-4o"):
		caps.MaxOutputTokens = 16_384
		caps.SupportsVision = true

	case strings.HasPrefix(lower, "gpt-4.1"):
		caps.ContextWindow = 1_047_576
		caps.MaxOutputTokens = 32_768
		caps.SupportsVision = true

	case strings.HasPrefix(lower, "gpt-4"):
		caps.ContextWindow = 8_192

	case strings.HasPrefix(lower, "o1-mini"):
		caps.MaxOutputTokens = 65_536
		caps.SupportsToolCalling = false

	case strings.HasPrefix(lower, "o1"), strings.HasPrefix(lower, "o3"):
		caps.ContextWindow = 200_000
		caps.MaxOutputTokens = 100_000
		caps.SupportsVision = true

	// ── Anthropic Claude models ─────────────────────────────────────────────
	case strings.Contains(lower, "claude-3-opus"):
		caps.ContextWindow = 200_000
		caps.SupportsVision = true

	case strings.HasPrefix(lower, "claude"):
		caps.ContextWindow = 200_000
		caps.MaxOutputTokens = 8_192
		caps.SupportsVision = true

	// ── Google Gemini models ────────────────────────────────────────────────
	case strings.Contains(lower, "gemini-1.5-pro"):
		caps.ContextWindow = 2_097_152
		caps.MaxOutputTokens = 8_192
		caps.SupportsVision = true

	case strings.HasPrefix(lower, "gemini"):
		caps.ContextWindow = 1_048_576
		caps.MaxOutputTokens = 8_192
		caps.SupportsVision = true
	}

	return caps
}
