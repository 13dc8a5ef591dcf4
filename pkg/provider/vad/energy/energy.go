// Package energy provides a VAD engine based on short-term RMS energy.
//
// Each incoming PCM frame is reduced to a normalised energy score in [0.0, 1.0]
// which is smoothed with an exponential moving average and compared against the
// configured speech/silence thresholds. A hangover counter prevents brief pauses
// between words from prematurely ending a speech segment.
//
// The engine needs no external service and no model weights, which makes it the
// default detector for barge-in gating where a few hundred milliseconds of
// latency matter more than phoneme-level accuracy.
package energy

import (
	"errors"
	"fmt"
	"math"

	"github.com/marketvox/marketvox/pkg/provider/vad"
	"github.com/marketvox/marketvox/pkg/types"
)

// Compile-time interface assertions.
var (
	_ vad.Engine        = (*Engine)(nil)
	_ vad.SessionHandle = (*session)(nil)
)

const (
	// smoothingAlpha is the EMA weight of the newest frame's energy.
	smoothingAlpha = 0.3

	// hangoverFrames is the number of consecutive sub-threshold frames required
	// before an active speech segment is considered ended. At 20 ms frames this
	// is 300 ms of silence.
	hangoverFrames = 15

	// referenceAmplitude maps RMS amplitude onto the [0,1] probability scale.
	// Speech at a normal conversational level peaks well below full scale, so
	// a quarter of int16 range counts as probability 1.0.
	referenceAmplitude = 8192.0
)

// ErrSessionClosed is returned by ProcessFrame after Close has been called.
var ErrSessionClosed = errors.New("energy: session is closed")

// Engine implements vad.Engine using RMS energy detection.
type Engine struct{}

// New creates a new energy-based VAD engine.
func New() *Engine {
	return &Engine{}
}

// NewSession creates a new detection session with the given configuration.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("energy: invalid sample rate %d", cfg.SampleRate)
	}
	if cfg.FrameSizeMs <= 0 {
		return nil, fmt.Errorf("energy: invalid frame size %d ms", cfg.FrameSizeMs)
	}
	if cfg.SpeechThreshold < 0 || cfg.SpeechThreshold > 1 {
		return nil, fmt.Errorf("energy: speech threshold %v out of range [0,1]", cfg.SpeechThreshold)
	}
	if cfg.SilenceThreshold < 0 || cfg.SilenceThreshold > cfg.SpeechThreshold {
		return nil, fmt.Errorf("energy: silence threshold %v must be in [0, %v]", cfg.SilenceThreshold, cfg.SpeechThreshold)
	}
	// 16-bit mono PCM: 2 bytes per sample.
	frameBytes := cfg.SampleRate * cfg.FrameSizeMs / 1000 * 2
	return &session{cfg: cfg, frameBytes: frameBytes}, nil
}

// session holds the per-stream detection state.
type session struct {
	cfg        vad.Config
	frameBytes int

	smoothed  float64
	inSpeech  bool
	silentRun int
	closed    bool
}

// ProcessFrame computes the frame's energy score and classifies it against the
// session thresholds, emitting start/continue/end transitions.
func (s *session) ProcessFrame(frame []byte) (types.VADEvent, error) {
	if s.closed {
		return types.VADEvent{}, ErrSessionClosed
	}
	if len(frame) != s.frameBytes {
		return types.VADEvent{}, fmt.Errorf("energy: frame size %d bytes, want %d", len(frame), s.frameBytes)
	}

	score := frameScore(frame)
	s.smoothed = smoothingAlpha*score + (1-smoothingAlpha)*s.smoothed

	ev := types.VADEvent{Probability: s.smoothed}

	switch {
	case !s.inSpeech && s.smoothed >= s.cfg.SpeechThreshold:
		s.inSpeech = true
		s.silentRun = 0
		ev.Type = types.VADSpeechStart

	case s.inSpeech && s.smoothed <= s.cfg.SilenceThreshold:
		s.silentRun++
		if s.silentRun >= hangoverFrames {
			s.inSpeech = false
			s.silentRun = 0
			ev.Type = types.VADSpeechEnd
		} else {
			// Inside the hangover window the segment is still considered speech.
			ev.Type = types.VADSpeechContinue
		}

	case s.inSpeech:
		s.silentRun = 0
		ev.Type = types.VADSpeechContinue

	default:
		ev.Type = types.VADSilence
	}

	return ev, nil
}

// Reset clears the smoothing history and any active speech segment.
func (s *session) Reset() {
	if s.closed {
		return
	}
	s.smoothed = 0
	s.inSpeech = false
	s.silentRun = 0
}

// Close marks the session closed. Safe to call more than once.
func (s *session) Close() error {
	s.closed = true
	return nil
}

// frameScore converts a little-endian 16-bit PCM frame into a normalised
// energy score in [0.0, 1.0].
func frameScore(frame []byte) float64 {
	samples := len(frame) / 2
	if samples == 0 {
		return 0
	}
	var sumSquares float64
	for i := 0; i < samples; i++ {
		s := int16(frame[i*2]) | int16(frame[i*2+1])<<8
		f := float64(s)
		sumSquares += f * f
	}
	rms := math.Sqrt(sumSquares / float64(samples))
	score := rms / referenceAmplitude
	if score > 1 {
		score = 1
	}
	return score
}
