package edge

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/marketvox/marketvox/internal/session"
)

// Client frame event names. These are the wire-level discriminators clients
// put in the `event` field.
const (
	eventHello      = "hello"
	eventAudioChunk = "audio_chunk"
	eventText       = "text"
	eventHeartbeat  = "heartbeat"
	eventInterrupt  = "interrupt"
	eventSettings   = "settings"
)

// clientFrame is the JSON shape of every inbound frame. Only the fields for
// its Event are set.
type clientFrame struct {
	Event string `json:"event"`

	// hello fields.
	UserID string `json:"user_id,omitempty"`
	Source string `json:"source,omitempty"`

	// All post-hello frames carry the session id.
	SessionID string `json:"session_id,omitempty"`

	// audio_chunk fields. Data is base64-encoded.
	Data       string `json:"data,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Format     string `json:"format,omitempty"`
	IsFinal    bool   `json:"is_final,omitempty"`

	// text fields.
	Text string `json:"text,omitempty"`

	// interrupt fields.
	Reason string `json:"reason,omitempty"`

	// settings fields.
	Settings map[string]any `json:"settings,omitempty"`
}

// serverFrame is the JSON shape of every outbound frame.
type serverFrame struct {
	Event     string   `json:"event"`
	SessionID string   `json:"session_id,omitempty"`
	Text      string   `json:"text,omitempty"`
	Sentiment string   `json:"sentiment,omitempty"`
	Insights  []string `json:"insights,omitempty"`
	Seq       int      `json:"seq,omitempty"`
	Data      string   `json:"data,omitempty"`
	IsFinal   bool     `json:"is_final,omitempty"`
	Code      string   `json:"code,omitempty"`
	Message   string   `json:"message,omitempty"`
}

// decodeFrame parses raw JSON into a clientFrame. The event field must be
// present; everything else is validated by the session layer.
func decodeFrame(data []byte) (clientFrame, error) {
	var cf clientFrame
	if err := json.Unmarshal(data, &cf); err != nil {
		return clientFrame{}, fmt.Errorf("edge: decode frame: %w", err)
	}
	if cf.Event == "" {
		return clientFrame{}, fmt.Errorf("edge: frame missing event field")
	}
	return cf, nil
}

// toSessionFrame converts a decoded post-hello client frame into the session
// layer's representation, decoding the base64 audio payload.
func toSessionFrame(cf clientFrame) (session.Frame, error) {
	switch cf.Event {
	case eventAudioChunk:
		audio, err := base64.StdEncoding.DecodeString(cf.Data)
		if err != nil {
			return session.Frame{}, fmt.Errorf("edge: decode audio payload: %w", err)
		}
		return session.Frame{
			Kind:       session.FrameAudio,
			Audio:      audio,
			SampleRate: cf.SampleRate,
			Format:     cf.Format,
			Final:      cf.IsFinal,
		}, nil
	case eventText:
		return session.Frame{Kind: session.FrameText, Text: cf.Text}, nil
	case eventHeartbeat:
		return session.Frame{Kind: session.FrameHeartbeat}, nil
	case eventInterrupt:
		return session.Frame{Kind: session.FrameInterrupt, Reason: cf.Reason}, nil
	case eventSettings:
		return session.Frame{Kind: session.FrameSettings, Settings: cf.Settings}, nil
	default:
		return session.Frame{}, fmt.Errorf("edge: unknown event %q", cf.Event)
	}
}

// encodeOutbound converts a session outbound frame to its wire JSON.
func encodeOutbound(out session.Outbound) ([]byte, error) {
	sf := serverFrame{
		Event:     out.Event,
		SessionID: out.SessionID,
		Text:      out.Text,
		Sentiment: out.Sentiment,
		Insights:  out.Insights,
		Seq:       out.Seq,
		IsFinal:   out.Final,
		Code:      out.Code,
		Message:   out.Message,
	}
	if len(out.Audio) > 0 {
		sf.Data = base64.StdEncoding.EncodeToString(out.Audio)
	}
	data, err := json.Marshal(sf)
	if err != nil {
		return nil, fmt.Errorf("edge: encode frame: %w", err)
	}
	return data, nil
}
