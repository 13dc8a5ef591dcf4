package energy

import (
	"encoding/binary"
	"testing"

	"github.com/marketvox/marketvox/pkg/provider/vad"
	"github.com/marketvox/marketvox/pkg/types"
)

// testConfig returns a session config for 16 kHz mono audio with 20 ms frames.
func testConfig() vad.Config {
	return vad.Config{
		SampleRate:       16000,
		FrameSizeMs:      20,
		SpeechThreshold:  0.5,
		SilenceThreshold: 0.35,
	}
}

// pcmFrame builds a 20 ms frame at 16 kHz where every sample has the given
// amplitude.
func pcmFrame(amplitude int16) []byte {
	samples := 16000 * 20 / 1000
	frame := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		binary.LittleEndian.PutUint16(frame[i*2:], uint16(amplitude))
	}
	return frame
}

func TestNewSession_ValidationErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*vad.Config)
	}{
		{name: "zero sample rate", mutate: func(c *vad.Config) { c.SampleRate = 0 }},
		{name: "zero frame size", mutate: func(c *vad.Config) { c.FrameSizeMs = 0 }},
		{name: "speech threshold above one", mutate: func(c *vad.Config) { c.SpeechThreshold = 1.5 }},
		{name: "silence above speech", mutate: func(c *vad.Config) { c.SilenceThreshold = 0.9 }},
		{name: "negative silence threshold", mutate: func(c *vad.Config) { c.SilenceThreshold = -0.1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := testConfig()
			tt.mutate(&cfg)
			if _, err := New().NewSession(cfg); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestProcessFrame_WrongSize(t *testing.T) {
	t.Parallel()

	sess, err := New().NewSession(testConfig())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if _, err := sess.ProcessFrame(make([]byte, 10)); err == nil {
		t.Fatal("expected error for wrong frame size, got nil")
	}
}

func TestProcessFrame_SpeechLifecycle(t *testing.T) {
	t.Parallel()

	sess, err := New().NewSession(testConfig())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	loud := pcmFrame(12000)
	quiet := pcmFrame(0)

	// Silence before any speech.
	ev, err := sess.ProcessFrame(quiet)
	if err != nil {
		t.Fatalf("ProcessFrame: %v", err)
	}
	if ev.Type != types.VADSilence {
		t.Fatalf("expected silence, got %v", ev.Type)
	}

	// Loud frames must eventually produce a speech start. The EMA needs a few
	// frames to cross the threshold.
	var started bool
	for i := 0; i < 10; i++ {
		ev, err = sess.ProcessFrame(loud)
		if err != nil {
			t.Fatalf("ProcessFrame: %v", err)
		}
		if ev.Type == types.VADSpeechStart {
			started = true
			break
		}
	}
	if !started {
		t.Fatal("expected a speech start event within 10 loud frames")
	}

	// Continued speech.
	ev, err = sess.ProcessFrame(loud)
	if err != nil {
		t.Fatalf("ProcessFrame: %v", err)
	}
	if ev.Type != types.VADSpeechContinue {
		t.Fatalf("expected speech continue, got %v", ev.Type)
	}

	// A short pause must not end the segment (hangover).
	ev, err = sess.ProcessFrame(quiet)
	if err != nil {
		t.Fatalf("ProcessFrame: %v", err)
	}
	// Depending on EMA decay the first quiet frame may still score above the
	// silence threshold; either way it must not end the segment yet.
	if ev.Type == types.VADSpeechEnd {
		t.Fatal("single quiet frame ended the segment")
	}

	// Sustained silence eventually ends the segment.
	var ended bool
	for i := 0; i < hangoverFrames+5; i++ {
		ev, err = sess.ProcessFrame(quiet)
		if err != nil {
			t.Fatalf("ProcessFrame: %v", err)
		}
		if ev.Type == types.VADSpeechEnd {
			ended = true
			break
		}
	}
	if !ended {
		t.Fatal("expected a speech end event after sustained silence")
	}
}

func TestReset_ClearsSegmentState(t *testing.T) {
	t.Parallel()

	sess, err := New().NewSession(testConfig())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	loud := pcmFrame(12000)
	for i := 0; i < 10; i++ {
		if _, err := sess.ProcessFrame(loud); err != nil {
			t.Fatalf("ProcessFrame: %v", err)
		}
	}

	sess.Reset()

	// After reset the first quiet frame is plain silence, not a speech end.
	ev, err := sess.ProcessFrame(pcmFrame(0))
	if err != nil {
		t.Fatalf("ProcessFrame: %v", err)
	}
	if ev.Type != types.VADSilence {
		t.Fatalf("expected silence after reset, got %v", ev.Type)
	}
}

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()

	sess, err := New().NewSession(testConfig())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := sess.ProcessFrame(pcmFrame(0)); err == nil {
		t.Fatal("expected error from ProcessFrame after Close")
	}
}

func TestFrameScore_Bounds(t *testing.T) {
	t.Parallel()

	if got := frameScore(nil); got != 0 {
		t.Errorf("frameScore(nil) = %v, want 0", got)
	}
	if got := frameScore(pcmFrame(0)); got != 0 {
		t.Errorf("frameScore(silence) = %v, want 0", got)
	}
	// Full-scale input clamps to 1.0.
	if got := frameScore(pcmFrame(32000)); got != 1 {
		t.Errorf("frameScore(full scale) = %v, want 1", got)
	}
}
