package session

import (
	"github.com/marketvox/marketvox/pkg/provider/vad"
	"github.com/marketvox/marketvox/pkg/types"
)

// Speech rate bounds. Values outside the range clamp rather than reject.
const (
	minSpeechRate = 0.5
	maxSpeechRate = 2.0
)

// vadFrameMs is the analysis frame the detector consumes.
const vadFrameMs = 20

// voiceTypes are the recognized speaking styles.
var voiceTypes = map[string]struct{}{
	"calm":         {},
	"casual":       {},
	"professional": {},
	"energetic":    {},
}

// speechThresholds maps vad_sensitivity to the detector's speech onset
// threshold. Higher sensitivity fires on quieter audio.
var speechThresholds = map[string]float64{
	"low":      0.75,
	"balanced": 0.5,
	"high":     0.3,
}

// normalizeSettings merges a raw client settings map into base. Keys absent
// from the map keep their current value; recognized keys are validated and
// clamped, and invalid values fall back to the documented default.
func normalizeSettings(base types.SessionSettings, raw map[string]any) types.SessionSettings {
	out := base
	def := types.DefaultSessionSettings()

	if v, ok := raw["voice_type"]; ok {
		s, _ := v.(string)
		if _, known := voiceTypes[s]; known {
			out.VoiceType = s
		} else {
			out.VoiceType = def.VoiceType
		}
	}
	if v, ok := raw["speech_rate"]; ok {
		switch r := v.(type) {
		case float64:
			out.SpeechRate = clampRate(r)
		case int:
			out.SpeechRate = clampRate(float64(r))
		default:
			out.SpeechRate = def.SpeechRate
		}
	}
	if v, ok := raw["vad_sensitivity"]; ok {
		s, _ := v.(string)
		if _, known := speechThresholds[s]; known {
			out.VADSensitivity = s
		} else {
			out.VADSensitivity = def.VADSensitivity
		}
	}
	if v, ok := raw["interruption_enabled"]; ok {
		if b, isBool := v.(bool); isBool {
			out.InterruptionEnabled = b
		} else {
			out.InterruptionEnabled = def.InterruptionEnabled
		}
	}
	if v, ok := raw["use_audio_compression"]; ok {
		if b, isBool := v.(bool); isBool {
			out.UseAudioCompression = b
		} else {
			out.UseAudioCompression = def.UseAudioCompression
		}
	}
	return out
}

func clampRate(r float64) float64 {
	if r < minSpeechRate {
		return minSpeechRate
	}
	if r > maxSpeechRate {
		return maxSpeechRate
	}
	return r
}

// vadConfig builds the detector configuration for one audio rate and the
// session's sensitivity setting.
func vadConfig(sampleRate int, sensitivity string) vad.Config {
	th, ok := speechThresholds[sensitivity]
	if !ok {
		th = speechThresholds["balanced"]
	}
	return vad.Config{
		SampleRate:       sampleRate,
		FrameSizeMs:      vadFrameMs,
		SpeechThreshold:  th,
		SilenceThreshold: th / 2,
	}
}
