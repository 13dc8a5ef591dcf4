// Package deepgram provides a Deepgram-backed STT provider. Batch recognition
// uses the pre-recorded REST API; streaming recognition uses the Deepgram
// streaming WebSocket API. It implements the stt.Provider interface.
package deepgram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/marketvox/marketvox/pkg/audio"
	"github.com/marketvox/marketvox/pkg/provider/stt"
	"github.com/marketvox/marketvox/pkg/types"
)

const (
	streamEndpoint = "wss://api.deepgram.com/v1/listen"
	listenEndpoint = "https://api.deepgram.com/v1/listen"

	defaultModel      = "nova-3"
	defaultLanguage   = "en"
	defaultSampleRate = 16000
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the BCP-47 language code for recognition (e.g., "en", "de-DE").
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithSampleRate sets the audio sample rate in Hz for the provider-level default.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.sampleRate = rate
	}
}

// Provider implements stt.Provider backed by the Deepgram API.
type Provider struct {
	apiKey     string
	model      string
	language   string
	sampleRate int

	// listenURL and streamURL exist so tests can point the provider at a
	// local server.
	listenURL  string
	streamURL  string
	httpClient *http.Client
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
		listenURL:  listenEndpoint,
		streamURL:  streamEndpoint,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Transcribe performs batch recognition of one complete utterance via the
// pre-recorded endpoint. pcm is wrapped in a WAV container so that Deepgram
// can detect the audio format without extra encoding parameters.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte, cfg stt.StreamConfig) (types.Transcript, error) {
	sr := cfg.SampleRate
	if sr == 0 {
		sr = p.sampleRate
	}
	ch := cfg.Channels
	if ch <= 0 {
		ch = 1
	}

	reqURL, err := p.buildListenURL(cfg)
	if err != nil {
		return types.Transcript{}, fmt.Errorf("deepgram: build URL: %w", err)
	}

	wav := audio.EncodeWAV(pcm, sr, ch)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(wav))
	if err != nil {
		return types.Transcript{}, fmt.Errorf("deepgram: create request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+p.apiKey)
	req.Header.Set("Content-Type", "audio/wav")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return types.Transcript{}, fmt.Errorf("deepgram: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return types.Transcript{}, fmt.Errorf("deepgram: server returned HTTP %d: %s", resp.StatusCode, body)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return types.Transcript{}, fmt.Errorf("deepgram: read response body: %w", err)
	}

	tr, err := parseListenResponse(data)
	if err != nil {
		return types.Transcript{}, fmt.Errorf("deepgram: %w", err)
	}
	return tr, nil
}

// StartStream opens a streaming transcription session with Deepgram.
// It respects cfg.SampleRate, cfg.Language, and cfg.Keywords.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	// Build the WebSocket URL with query parameters.
	wsURL, err := p.buildStreamURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	sess := &session{
		conn:     conn,
		partials: make(chan types.Transcript, 64),
		finals:   make(chan types.Transcript, 64),
		audio:    make(chan []byte, 256),
		done:     make(chan struct{}),
	}

	sess.wg.Add(2)
	go sess.readLoop(ctx)
	go sess.writeLoop(ctx)

	return sess, nil
}

// baseQuery constructs the query parameters shared by the streaming and
// pre-recorded endpoints.
func (p *Provider) baseQuery(cfg stt.StreamConfig) url.Values {
	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = p.sampleRate
	}

	q := url.Values{}
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("punctuate", "true")
	q.Set("sample_rate", strconv.Itoa(sr))
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}

	for _, kw := range cfg.Keywords {
		// Deepgram keyword format: word:boost (e.g., "NVDA:5")
		val := fmt.Sprintf("%s:%g", kw.Keyword, kw.Boost)
		q.Add("keywords", val)
	}
	return q
}

// buildStreamURL constructs the Deepgram streaming endpoint URL for the given config.
func (p *Provider) buildStreamURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.streamURL)
	if err != nil {
		return "", err
	}
	q := p.baseQuery(cfg)
	q.Set("interim_results", "true")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// buildListenURL constructs the pre-recorded endpoint URL for the given config.
func (p *Provider) buildListenURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.listenURL)
	if err != nil {
		return "", err
	}
	u.RawQuery = p.baseQuery(cfg).Encode()
	return u.String(), nil
}

// ---- pre-recorded response ----

// listenResponse is the JSON structure returned by the pre-recorded endpoint.
type listenResponse struct {
	Metadata struct {
		Duration float64 `json:"duration"`
	} `json:"metadata"`
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
				Words      []struct {
					Word       string  `json:"word"`
					Start      float64 `json:"start"`
					End        float64 `json:"end"`
					Confidence float64 `json:"confidence"`
				} `json:"words"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

// parseListenResponse parses a pre-recorded API response into a Transcript.
// An utterance Deepgram heard as silence yields an empty Text with nil error.
func parseListenResponse(data []byte) (types.Transcript, error) {
	var resp listenResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return types.Transcript{}, fmt.Errorf("parse JSON response: %w", err)
	}
	if len(resp.Results.Channels) == 0 || len(resp.Results.Channels[0].Alternatives) == 0 {
		return types.Transcript{IsFinal: true}, nil
	}

	alt := resp.Results.Channels[0].Alternatives[0]
	words := make([]types.WordDetail, 0, len(alt.Words))
	for _, w := range alt.Words {
		words = append(words, types.WordDetail{
			Word:       w.Word,
			Start:      time.Duration(w.Start * float64(time.Second)),
			End:        time.Duration(w.End * float64(time.Second)),
			Confidence: w.Confidence,
		})
	}

	return types.Transcript{
		Text:       alt.Transcript,
		IsFinal:    true,
		Confidence: alt.Confidence,
		Words:      words,
		Timestamp:  time.Now(),
		Duration:   time.Duration(resp.Metadata.Duration * float64(time.Second)),
	}, nil
}

// ---- session ----

// deepgramResponse is the JSON structure returned by Deepgram for a streaming
// Results event.
type deepgramResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
			Words      []struct {
				Word       string  `json:"word"`
				Start      float64 `json:"start"`
				End        float64 `json:"end"`
				Confidence float64 `json:"confidence"`
			} `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// session is a live Deepgram streaming session. It implements stt.SessionHandle.
type session struct {
	conn     *websocket.Conn
	partials chan types.Transcript
	finals   chan types.Transcript
	audio    chan []byte

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// SendAudio queues a PCM audio chunk for delivery to Deepgram.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errors.New("deepgram: session is closed")
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return errors.New("deepgram: session is closed")
	}
}

// Partials returns the channel of interim transcripts.
func (s *session) Partials() <-chan types.Transcript { return s.partials }

// Finals returns the channel of final transcripts.
func (s *session) Finals() <-chan types.Transcript { return s.finals }

// Close terminates the session cleanly.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		// Send a close message to Deepgram to flush pending audio.
		_ = s.conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"CloseStream"}`))
		s.wg.Wait()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

// writeLoop reads from the audio channel and sends binary messages to Deepgram.
func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case chunk, ok := <-s.audio:
			if !ok {
				return
			}
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		case <-s.done:
			// Drain the audio channel before exiting.
			for {
				select {
				case chunk, ok := <-s.audio:
					if !ok {
						return
					}
					_ = s.conn.Write(ctx, websocket.MessageBinary, chunk)
				default:
					return
				}
			}
		}
	}
}

// readLoop receives JSON messages from Deepgram and dispatches them to the
// partials and finals channels.
func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			// Normal close or context cancellation — exit gracefully.
			return
		}

		t, ok := parseDeepgramResponse(msg)
		if !ok {
			continue
		}

		if t.IsFinal {
			select {
			case s.finals <- t:
			case <-s.done:
			}
		} else {
			select {
			case s.partials <- t:
			case <-s.done:
			}
		}
	}
}

// parseDeepgramResponse parses a raw Deepgram WebSocket message into a Transcript.
// Returns (Transcript, true) on success, or (zero, false) if the message should be ignored.
func parseDeepgramResponse(data []byte) (types.Transcript, bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return types.Transcript{}, false
	}
	if resp.Type != "Results" {
		return types.Transcript{}, false
	}
	if len(resp.Channel.Alternatives) == 0 {
		return types.Transcript{}, false
	}

	alt := resp.Channel.Alternatives[0]
	words := make([]types.WordDetail, 0, len(alt.Words))
	for _, w := range alt.Words {
		words = append(words, types.WordDetail{
			Word:       w.Word,
			Start:      time.Duration(w.Start * float64(time.Second)),
			End:        time.Duration(w.End * float64(time.Second)),
			Confidence: w.Confidence,
		})
	}

	return types.Transcript{
		Text:       alt.Transcript,
		IsFinal:    resp.IsFinal,
		Confidence: alt.Confidence,
		Words:      words,
	}, true
}
