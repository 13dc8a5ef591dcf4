package anyllm

import (
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/marketvox/marketvox/pkg/types"
)

// ── convertMessage ────────────────────────────────────────────────────────────

// TestConvertMessage_Roles checks role and content conversion for all roles.
func TestConvertMessage_Roles(t *testing.T) {
	tests := []struct {
		name string
		in   types.Message
	}{
		{"system", types.Message{Role: "system", Content: "You are a market analyst."}},
		{"user", types.Message{Role: "user", Content: "What's the price of META?"}},
		{"assistant", types.Message{Role: "assistant", Content: "META is at $512."}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := convertMessage(tt.in)
			if got.Role != tt.in.Role {
				t.Errorf("expected role %q, got %q", tt.in.Role, got.Role)
			}
			if got.ContentString() != tt.in.Content {
				t.Errorf("expected content %q, got %q", tt.in.Content, got.ContentString())
			}
		})
	}
}

// TestConvertMessage_AssistantWithToolCalls checks tool call conversion.
func TestConvertMessage_AssistantWithToolCalls(t *testing.T) {
	m := types.Message{
		Role: "assistant",
		ToolCalls: []types.ToolCall{
			{ID: "call_1", Name: "news_lookup", Arguments: `{"symbols":["META"],"limit":5}`},
		},
	}
	got := convertMessage(m)
	if len(got.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(got.ToolCalls))
	}
	tc := got.ToolCalls[0]
	if tc.ID != "call_1" {
		t.Errorf("expected ID call_1, got %q", tc.ID)
	}
	if tc.Function.Name != "news_lookup" {
		t.Errorf("expected function name news_lookup, got %q", tc.Function.Name)
	}
	if tc.Type != "function" {
		t.Errorf("expected type function, got %q", tc.Type)
	}
}

// TestConvertMessage_Tool checks tool-result message conversion.
func TestConvertMessage_Tool(t *testing.T) {
	m := types.Message{Role: "tool", Content: `{"articles":[]}`, ToolCallID: "call_1"}
	got := convertMessage(m)
	if got.Role != "tool" {
		t.Errorf("expected role tool, got %q", got.Role)
	}
	if got.ToolCallID != "call_1" {
		t.Errorf("expected ToolCallID call_1, got %q", got.ToolCallID)
	}
}

// TestConvertMessage_WithName checks that the Name field is preserved.
func TestConvertMessage_WithName(t *testing.T) {
	m := types.Message{Role: "user", Content: "Hi", Name: "u-1042"}
	got := convertMessage(m)
	if got.Name != "u-1042" {
		t.Errorf("expected name u-1042, got %q", got.Name)
	}
}

// ── modelCapabilities ─────────────────────────────────────────────────────────

// TestModelCapabilities covers the main model families and the default.
func TestModelCapabilities(t *testing.T) {
	tests := []struct {
		model      string
		wantWindow int
		wantTools  bool
	}{
		{"gpt-4o-mini", 128_000, true},
		{"gpt-4o", 128_000, true},
		{"gpt-4", 8_192, true},
		{"o1-mini", 128_000, false},
		{"o1", 200_000, true},
		{"claude-3-5-haiku-latest", 200_000, true},
		{"claude-3-opus-20240229", 200_000, true},
		{"claude-future-model", 200_000, true},
		{"gemini-1.5-pro", 2_097_152, true},
		{"gemini-2.0-flash", 1_048_576, true},
		{"my-custom-model", 128_000, true},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			caps := modelCapabilities(tt.model)
			if caps.ContextWindow != tt.wantWindow {
				t.Errorf("context window: got %d, want %d", caps.ContextWindow, tt.wantWindow)
			}
			if caps.SupportsToolCalling != tt.wantTools {
				t.Errorf("tool calling: got %v, want %v", caps.SupportsToolCalling, tt.wantTools)
			}
			if !caps.SupportsStreaming {
				t.Error("expected SupportsStreaming=true")
			}
			if caps.MaxOutputTokens <= 0 {
				t.Error("expected MaxOutputTokens > 0")
			}
		})
	}
}

// TestModelCapabilities_CaseInsensitive checks that model matching ignores case.
func TestModelCapabilities_CaseInsensitive(t *testing.T) {
	lower := modelCapabilities("gpt-4o")
	upper := modelCapabilities("GPT-4O")
	if lower.ContextWindow != upper.ContextWindow {
		t.Errorf("case should not matter: got %d vs %d", lower.ContextWindow, upper.ContextWindow)
	}
}

// ── Constructor ───────────────────────────────────────────────────────────────

// TestNew_EmptyBackendName checks that an empty backend name returns an error.
func TestNew_EmptyBackendName(t *testing.T) {
	_, err := New("", "gpt-4o")
	if err == nil {
		t.Fatal("expected error for empty backendName")
	}
}

// TestNew_EmptyModel checks that an empty model name returns an error.
func TestNew_EmptyModel(t *testing.T) {
	_, err := New("openai", "")
	if err == nil {
		t.Fatal("expected error for empty model")
	}
}

// TestNew_UnsupportedBackend checks that an unsupported backend returns an error.
func TestNew_UnsupportedBackend(t *testing.T) {
	_, err := New("fakecloud", "some-model", anyllmlib.WithAPIKey("dummy"))
	if err == nil {
		t.Fatal("expected error for unsupported backend")
	}
}

// TestNew_OpenAI_WithAPIKey checks that the openai backend constructs with a key.
func TestNew_OpenAI_WithAPIKey(t *testing.T) {
	p, err := New("openai", "gpt-4o", anyllmlib.WithAPIKey("sk-test"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p == nil {
		t.Fatal("expected non-nil provider")
	}
	if p.Model() != "gpt-4o" {
		t.Errorf("expected model gpt-4o, got %q", p.Model())
	}
}

// TestNew_OpenAI_MissingAPIKey checks that openai errors when no key is available.
func TestNew_OpenAI_MissingAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "") // Ensure env var is clear.
	_, err := New("openai", "gpt-4o")
	if err == nil {
		t.Fatal("expected error for missing API key")
	}
}

// TestNew_Ollama_NoAPIKey checks that ollama works without an API key.
func TestNew_Ollama_NoAPIKey(t *testing.T) {
	p, err := New("ollama", "llama3.1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p == nil {
		t.Fatal("expected non-nil provider")
	}
}

// ── CountTokens ───────────────────────────────────────────────────────────────

// TestCountTokens_Empty checks that an empty message list returns zero tokens.
func TestCountTokens_Empty(t *testing.T) {
	p := &Provider{model: "gpt-4o"}
	count, err := p.CountTokens(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 0 {
		t.Errorf("expected 0 tokens for empty messages, got %d", count)
	}
}

// TestCountTokens_MultipleMessages checks that multiple messages accumulate.
func TestCountTokens_MultipleMessages(t *testing.T) {
	p := &Provider{model: "gpt-4o"}
	msgs := []types.Message{
		{Role: "user", Content: "Add META to my watchlist"},
		{Role: "assistant", Content: "Done. Your watchlist now holds META."},
	}
	count, err := p.CountTokens(msgs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	singleCount, _ := p.CountTokens(msgs[:1])
	if count <= singleCount {
		t.Errorf("expected more tokens for two messages than one: %d <= %d", count, singleCount)
	}
}
