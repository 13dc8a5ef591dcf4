// Package whisperhttp provides an STT provider backed by a self-hosted
// whisper-server binary, which exposes a REST API at POST /inference.
//
// Batch mode submits one complete utterance per request. Streaming mode is
// simulated: incoming PCM audio is buffered, an energy-based silence detector
// segments utterances, and each completed utterance is submitted as a batch
// inference request.
//
// Because the server is a batch (non-streaming) transcription engine the
// provider cannot emit true low-latency partials. Instead it emits a partial
// and a final for the same text as soon as each utterance is committed. This
// is still useful for driving client activity indicators while the primary
// Finals channel drives agent turns.
//
// Usage:
//
//	p, err := whisperhttp.New("http://localhost:8080",
//	    whisperhttp.WithLanguage("en"),
//	    whisperhttp.WithSilenceThresholdMs(500),
//	)
//	handle, err := p.StartStream(ctx, cfg)
//	handle.SendAudio(pcmChunk)
//	transcript := <-handle.Finals()
//	handle.Close()
package whisperhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/marketvox/marketvox/pkg/audio"
	"github.com/marketvox/marketvox/pkg/provider/stt"
	"github.com/marketvox/marketvox/pkg/types"
)

const (
	// defaultRMSThreshold is the root-mean-square energy level (in 16-bit PCM
	// units) below which audio is considered silent. The maximum possible value
	// for 16-bit audio is 32 767; 300 corresponds to near-silence.
	defaultRMSThreshold = 300.0

	defaultLanguage            = "en"
	defaultSampleRate          = 16000
	defaultSilenceThresholdMs  = 500
	defaultMaxBufferDurationMs = 10_000
)

// Compile-time assertion that Provider implements stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model identifier forwarded to the whisper-server
// (e.g., "base.en", "small"). When empty the server uses whichever model it
// was started with — this is the default.
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the BCP-47 language code sent to the whisper-server
// (e.g., "en", "de", "fr"). Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithSampleRate sets the audio sample rate in Hz. This must match the actual
// sample rate of PCM data delivered via SendAudio and is used to calculate
// buffer durations and silence windows. Defaults to 16000.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.sampleRate = rate
	}
}

// WithSilenceThresholdMs sets the consecutive-silence duration (in
// milliseconds) that triggers a flush of the accumulated speech buffer to the
// server. Shorter values produce more responsive transcription at the cost of
// potentially splitting utterances. Defaults to 500 ms.
func WithSilenceThresholdMs(ms int) Option {
	return func(p *Provider) {
		p.silenceThresholdMs = ms
	}
}

// WithMaxBufferDurationMs sets the maximum duration of audio (in milliseconds)
// that may accumulate before a flush is forced regardless of silence. This
// prevents unbounded memory growth during continuous speech. Defaults to
// 10 000 ms (10 s).
func WithMaxBufferDurationMs(ms int) Option {
	return func(p *Provider) {
		p.maxBufferDurationMs = ms
	}
}

// WithHTTPClient replaces the HTTP client used for inference requests. Useful
// for tests and for callers that need custom timeouts or transports.
func WithHTTPClient(client *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = client
	}
}

// Provider implements stt.Provider backed by a whisper-server HTTP endpoint.
// Multiple sessions may be open simultaneously; each session maintains its own
// audio buffer and goroutine.
type Provider struct {
	serverURL           string
	model               string
	language            string
	sampleRate          int
	silenceThresholdMs  int
	maxBufferDurationMs int
	httpClient          *http.Client
}

// New creates a new Provider that connects to the whisper-server at serverURL
// (e.g., "http://localhost:8080"). serverURL must be non-empty. Functional
// options may be provided to override defaults.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisperhttp: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:           strings.TrimRight(serverURL, "/"),
		model:               "",
		language:            defaultLanguage,
		sampleRate:          defaultSampleRate,
		silenceThresholdMs:  defaultSilenceThresholdMs,
		maxBufferDurationMs: defaultMaxBufferDurationMs,
		httpClient:          &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Transcribe performs batch recognition of one complete utterance via a
// single inference request. Silence (RMS below the speech threshold) returns
// an empty Transcript without contacting the server.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte, cfg stt.StreamConfig) (types.Transcript, error) {
	sr := cfg.SampleRate
	if sr <= 0 {
		sr = p.sampleRate
	}
	ch := cfg.Channels
	if ch <= 0 {
		ch = 1
	}
	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}

	if audio.RMS(pcm) < defaultRMSThreshold {
		return types.Transcript{IsFinal: true}, nil
	}

	text, err := p.infer(ctx, pcm, sr, ch, lang)
	if err != nil {
		return types.Transcript{}, err
	}
	return types.Transcript{
		Text:      strings.TrimSpace(text),
		IsFinal:   true,
		Timestamp: time.Now(),
		Duration:  time.Duration(audio.DurationMs(pcm, sr, ch)) * time.Millisecond,
	}, nil
}

// StartStream opens a new transcription session. The returned SessionHandle is
// ready to accept audio immediately. It respects cfg.SampleRate, cfg.Channels,
// and cfg.Language; if those are zero/empty the provider-level defaults apply.
//
// Returns an error only if the context is already cancelled; no network
// connection is established until the first flush.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisperhttp: context already cancelled: %w", err)
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr <= 0 {
		sr = p.sampleRate
	}
	ch := cfg.Channels
	if ch <= 0 {
		ch = 1
	}

	s := &session{
		provider:   p,
		language:   lang,
		sampleRate: sr,
		channels:   ch,

		audioCh:  make(chan []byte, 256),
		partials: make(chan types.Transcript, 64),
		finals:   make(chan types.Transcript, 64),
		done:     make(chan struct{}),
	}

	s.wg.Add(1)
	go s.processLoop(ctx)

	return s, nil
}

// infer encodes pcm as a WAV file and POSTs it to the /inference endpoint as
// multipart/form-data. It returns the transcribed text or an error.
func (p *Provider) infer(ctx context.Context, pcm []byte, sampleRate, channels int, language string) (string, error) {
	wav := audio.EncodeWAV(pcm, sampleRate, channels)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	// Primary audio field.
	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("whisperhttp: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return "", fmt.Errorf("whisperhttp: write wav data: %w", err)
	}

	// Optional hint fields.
	if language != "" {
		if err := mw.WriteField("language", language); err != nil {
			return "", fmt.Errorf("whisperhttp: write language field: %w", err)
		}
	}
	if p.model != "" {
		if err := mw.WriteField("model", p.model); err != nil {
			return "", fmt.Errorf("whisperhttp: write model field: %w", err)
		}
	}

	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("whisperhttp: close multipart writer: %w", err)
	}

	endpoint := p.serverURL + "/inference"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return "", fmt.Errorf("whisperhttp: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisperhttp: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("whisperhttp: server returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("whisperhttp: read response body: %w", err)
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("whisperhttp: parse JSON response: %w", err)
	}

	return result.Text, nil
}

// ---- session ----------------------------------------------------------------

// session is a live streaming transcription session. It implements
// stt.SessionHandle. All mutable state that drives silence detection and
// buffering is confined to the processLoop goroutine to avoid data races.
type session struct {
	// immutable configuration (set once in StartStream)
	provider   *Provider
	language   string
	sampleRate int
	channels   int

	// channels for audio input and transcript output
	audioCh  chan []byte
	partials chan types.Transcript
	finals   chan types.Transcript

	// lifecycle
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// SendAudio queues a chunk of raw 16-bit little-endian signed PCM audio for
// silence analysis and buffering. The chunk's sample rate and channel count
// must match the values agreed in StreamConfig (or the provider defaults).
//
// Calling SendAudio after Close returns an error.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errors.New("whisperhttp: session is closed")
	default:
	}
	select {
	case s.audioCh <- chunk:
		return nil
	case <-s.done:
		return errors.New("whisperhttp: session is closed")
	}
}

// Partials returns a read-only channel that emits interim Transcript values.
// Each partial is emitted simultaneously with its corresponding final (they
// carry identical text). The channel is closed when the session ends.
func (s *session) Partials() <-chan types.Transcript { return s.partials }

// Finals returns a read-only channel that emits authoritative Transcript values.
// The channel is closed when the session ends.
func (s *session) Finals() <-chan types.Transcript { return s.finals }

// Close terminates the session, flushes any pending speech audio for a final
// transcription, closes the Partials and Finals channels, and releases all
// associated resources. Calling Close more than once is safe and returns nil.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
	return nil
}

// processLoop is the single goroutine responsible for silence detection,
// audio buffering, and inference dispatch. Confining all mutable buffer state
// here avoids the need for additional synchronisation.
func (s *session) processLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)

	var (
		buffer    []byte // accumulated PCM for the current utterance
		hadSpeech bool   // true once any high-energy chunk has been buffered
		silenceMs int    // consecutive silence accumulated after speech (ms)
	)

	// bytesPerMs: PCM bytes corresponding to 1 ms of audio.
	bytesPerMs := s.sampleRate * s.channels * 2 / 1000
	if bytesPerMs <= 0 {
		bytesPerMs = 32 // safe fallback (16 kHz, mono, 16-bit → 32 B/ms)
	}
	maxBufferBytes := s.provider.maxBufferDurationMs * bytesPerMs

	// doFlush submits the current buffer to the inference endpoint. It resets
	// the buffer state regardless of outcome.
	doFlush := func(flushCtx context.Context) {
		if len(buffer) == 0 || !hadSpeech {
			buffer = nil
			hadSpeech = false
			silenceMs = 0
			return
		}

		pcm := buffer
		buffer = nil
		hadSpeech = false
		silenceMs = 0

		text, err := s.provider.infer(flushCtx, pcm, s.sampleRate, s.channels, s.language)
		if err != nil || strings.TrimSpace(text) == "" {
			return
		}
		text = strings.TrimSpace(text)

		// Non-blocking sends: channels are buffered (64 elements). If they are
		// somehow full we skip rather than deadlock during shutdown.
		select {
		case s.partials <- types.Transcript{Text: text, IsFinal: false, Timestamp: time.Now()}:
		default:
		}
		select {
		case s.finals <- types.Transcript{Text: text, IsFinal: true, Timestamp: time.Now()}:
		default:
		}
	}

	// flushWithTimeout performs a final flush using a fresh background context
	// with a generous timeout, independent of the caller-supplied ctx which may
	// already be cancelled.
	flushWithTimeout := func() {
		fc, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		doFlush(fc)
	}

	for {
		select {
		case <-ctx.Done():
			flushWithTimeout()
			return

		case <-s.done:
			flushWithTimeout()
			return

		case chunk, ok := <-s.audioCh:
			if !ok {
				// Channel closed externally (unusual but handled).
				flushWithTimeout()
				return
			}

			rms := audio.RMS(chunk)
			chunkMs := audio.DurationMs(chunk, s.sampleRate, s.channels)

			if rms < defaultRMSThreshold {
				// Silent chunk: only relevant once speech has started.
				if hadSpeech {
					silenceMs += chunkMs
					buffer = append(buffer, chunk...)
					if silenceMs >= s.provider.silenceThresholdMs {
						doFlush(ctx)
					}
				}
				// Leading silence before any speech is discarded.
			} else {
				// Speech chunk.
				hadSpeech = true
				silenceMs = 0
				buffer = append(buffer, chunk...)
				// Force flush if the buffer has grown past the size limit.
				if maxBufferBytes > 0 && len(buffer) >= maxBufferBytes {
					doFlush(ctx)
				}
			}
		}
	}
}
