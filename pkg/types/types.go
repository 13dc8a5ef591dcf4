// Package types defines the shared types used across all MarketVox packages.
//
// These types form the lingua franca between providers, the agent graph, the
// session layer, and the stores. They are intentionally minimal — each package
// defines its own domain types, but cross-cutting data structures live here to
// avoid circular imports.
package types

import "time"

// AudioFrame represents a single frame of audio data flowing through the
// session. Frames are the atomic unit of audio transport — decoded from client
// chunks, inspected by VAD, and fed to speech recognition.
type AudioFrame struct {
	// PCM audio data, 16-bit little-endian signed samples.
	Data []byte

	// SampleRate in Hz (e.g., 16000 for STT input, 24000 for TTS output).
	SampleRate int

	// Channels: 1 for mono (the session default), 2 for stereo.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Transcript represents a speech-to-text result from an STT provider.
// Both partial (interim) and final transcripts use this type.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is a final (authoritative) or partial
	// (interim) transcript.
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0). May be zero if
	// the provider does not report confidence.
	Confidence float64

	// Words contains per-word detail when available. May be nil for
	// providers that don't support word-level output.
	Words []WordDetail

	// Timestamp marks when the transcript was produced.
	Timestamp time.Time

	// Duration is the length of the utterance.
	Duration time.Duration
}

// WordDetail holds per-word metadata from STT providers that support it.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// Message represents a single message in an LLM conversation history.
type Message struct {
	// Role is one of "system", "user", "assistant", or "tool".
	Role string

	// Content is the text content of the message.
	Content string

	// Name is an optional participant name.
	Name string

	// ToolCalls contains any tool invocations requested by the assistant.
	ToolCalls []ToolCall

	// ToolCallID is set when Role is "tool", identifying which tool call
	// this responds to.
	ToolCallID string
}

// ToolCall represents a tool/function invocation requested by the LLM.
type ToolCall struct {
	// ID is the unique identifier for this tool call (provider-assigned).
	ID string

	// Name is the tool/function name.
	Name string

	// Arguments is the JSON-encoded arguments string.
	Arguments string
}

// ToolDefinition describes a tool that can be offered to an LLM.
type ToolDefinition struct {
	// Name is the tool's unique identifier.
	Name string

	// Description explains what the tool does (included in LLM prompts).
	Description string

	// Parameters is the JSON Schema describing the tool's input parameters.
	Parameters map[string]any

	// Idempotent indicates whether the tool can be safely retried.
	Idempotent bool
}

// ModelCapabilities describes what an LLM model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one
	// completion.
	MaxOutputTokens int

	// SupportsToolCalling indicates native function/tool calling support.
	SupportsToolCalling bool

	// SupportsVision indicates the model can process image inputs.
	SupportsVision bool

	// SupportsStreaming indicates the model supports streaming completions.
	SupportsStreaming bool
}

// VoiceProfile describes a TTS voice configuration resolved from session
// settings.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name (e.g., "professional").
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// SpeedFactor adjusts speaking rate (0.5–2.0, 1.0 = default).
	SpeedFactor float64

	// Metadata holds provider-specific voice attributes.
	Metadata map[string]string
}

// KeywordBoost represents a keyword to boost in STT recognition.
// Used to improve recognition of ticker symbols and company names that
// general-purpose models frequently mishear.
type KeywordBoost struct {
	// Keyword is the text to boost (e.g., "NVDA").
	Keyword string

	// Boost is the intensity of the boost (provider-specific scale).
	Boost float64
}

// VADEvent represents a voice activity detection result for a single audio
// frame.
type VADEvent struct {
	// Type is the detection result.
	Type VADEventType

	// Probability is the speech probability score (0.0–1.0).
	Probability float64
}

// VADEventType enumerates VAD detection states.
type VADEventType int

const (
	// VADSpeechStart indicates speech has just begun.
	VADSpeechStart VADEventType = iota

	// VADSpeechContinue indicates ongoing speech.
	VADSpeechContinue

	// VADSpeechEnd indicates speech has just ended.
	VADSpeechEnd

	// VADSilence indicates no speech detected.
	VADSilence
)

// String returns the human-readable name of the VAD event type.
func (t VADEventType) String() string {
	switch t {
	case VADSpeechStart:
		return "speech_start"
	case VADSpeechContinue:
		return "speech_continue"
	case VADSpeechEnd:
		return "speech_end"
	case VADSilence:
		return "silence"
	default:
		return "unknown"
	}
}

// SessionSettings holds the per-session voice and interaction preferences a
// client can adjust mid-session. The zero value is not valid; use
// DefaultSessionSettings.
type SessionSettings struct {
	// VoiceType selects the speaking style: "calm", "casual", "professional",
	// or "energetic".
	VoiceType string `json:"voice_type"`

	// SpeechRate is the playback rate factor in [0.5, 2.0].
	SpeechRate float64 `json:"speech_rate"`

	// VADSensitivity tunes barge-in detection: "low", "balanced", or "high".
	VADSensitivity string `json:"vad_sensitivity"`

	// InterruptionEnabled controls whether user speech interrupts playback.
	InterruptionEnabled bool `json:"interruption_enabled"`

	// UseAudioCompression selects Opus-encoded tts_chunk payloads when true,
	// WAV otherwise.
	UseAudioCompression bool `json:"use_audio_compression"`
}

// DefaultSessionSettings returns the settings applied to a session before the
// client sends any settings frame.
func DefaultSessionSettings() SessionSettings {
	return SessionSettings{
		VoiceType:           "professional",
		SpeechRate:          1.0,
		VADSensitivity:      "balanced",
		InterruptionEnabled: true,
		UseAudioCompression: false,
	}
}
