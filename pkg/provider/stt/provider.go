// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a transcription service (e.g., Deepgram, or a local
// whisper-server) behind two recognition modes. Batch mode takes one complete
// PCM utterance and returns one authoritative Transcript; the session layer
// uses it when a client marks an audio turn final. Streaming mode opens a
// SessionHandle that accepts raw PCM frames as they arrive and emits partial
// and final Transcript values, trading a live connection for lower latency.
//
// Implementations must be safe for concurrent use. Audio input and transcript
// output channels are goroutine-safe by construction.
package stt

import (
	"context"

	"github.com/marketvox/marketvox/pkg/types"
)

// StreamConfig describes the audio format and recognition hints for a
// transcription request or session. All fields must be compatible with what
// the underlying provider supports.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. Common values: 16000
	// (STT-optimised mono), 48000 (Opus decode output).
	SampleRate int

	// Channels is the number of audio channels. 1 = mono (required by most
	// STT providers). Implementors may downmix stereo internally.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en-US").
	// An empty string lets the provider auto-detect, if supported.
	Language string

	// Keywords is a list of vocabulary hints that increase recognition
	// probability for uncommon words such as ticker symbols and company
	// names. See types.KeywordBoost for the boost intensity semantics.
	Keywords []types.KeywordBoost
}

// SessionHandle represents an open STT streaming session. It is an interface
// so that test code can provide mock implementations without a live provider
// connection.
//
// Callers must call Close when the session is no longer needed. Failing to do
// so may leak goroutines and network connections inside the provider
// implementation. All methods must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw PCM audio bytes to the provider for
	// transcription. The chunk should match the SampleRate, Channels, and
	// bit-depth agreed in StreamConfig. Calling SendAudio after Close returns
	// an error.
	SendAudio(chunk []byte) error

	// Partials returns a read-only channel that emits low-latency interim
	// Transcript values as the provider makes preliminary guesses. Suitable
	// for driving activity indicators; never authoritative.
	// The channel is closed when the session ends.
	Partials() <-chan types.Transcript

	// Finals returns a read-only channel that emits authoritative Transcript
	// values once the provider has committed to a recognition result. These
	// are the values that drive agent turns.
	// The channel is closed when the session ends.
	Finals() <-chan types.Transcript

	// Close terminates the session, flushes any pending audio, and releases
	// all associated resources. After Close returns, the Partials and Finals
	// channels will be closed. Calling Close more than once is safe and
	// returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend.
//
// Implementations must be safe for concurrent use. Multiple sessions may be
// open simultaneously (one per connected client).
type Provider interface {
	// Transcribe performs batch recognition of one complete utterance. pcm is
	// 16-bit signed little-endian audio matching cfg. Returns the final
	// transcript; an empty Text with a nil error means the provider heard
	// silence.
	Transcribe(ctx context.Context, pcm []byte, cfg StreamConfig) (types.Transcript, error)

	// StartStream opens a new streaming transcription session with the given
	// audio format and recognition configuration. The returned SessionHandle
	// is ready to accept audio immediately.
	//
	// Returns an error if the provider cannot establish the session. The
	// caller owns the SessionHandle and must call Close when done.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
