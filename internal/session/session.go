// Package session owns the lifecycle of one voice conversation: admission,
// frame dispatch, turn serialization, barge-in, idle detection and orderly
// close. It sits between the transport layer (internal/edge) and the agent
// graph, and is the only component that writes session rows.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/marketvox/marketvox/internal/agent"
	"github.com/marketvox/marketvox/internal/memory"
	"github.com/marketvox/marketvox/internal/sessionlog"
	"github.com/marketvox/marketvox/internal/store"
	"github.com/marketvox/marketvox/pkg/audio"
	"github.com/marketvox/marketvox/pkg/provider/stt"
	"github.com/marketvox/marketvox/pkg/provider/vad"
	"github.com/marketvox/marketvox/pkg/types"
)

// Sentinel errors returned by the manager and session operations.
var (
	// ErrUserUnknown means admission was denied because the user does not
	// exist and the deployment does not auto-create users.
	ErrUserUnknown = errors.New("session: user unknown")

	// ErrAlreadyAttached means a second transport tried to attach to a
	// session that already has one.
	ErrAlreadyAttached = errors.New("session: transport already attached")

	// ErrNotFound means the session id is not in the registry.
	ErrNotFound = errors.New("session: not found")

	// ErrClosed means the session is closing or closed and accepts no
	// further frames.
	ErrClosed = errors.New("session: closed")

	// ErrManagerClosed means the manager has shut down and admits no new
	// sessions.
	ErrManagerClosed = errors.New("session: manager closed")
)

// State is the lifecycle phase of a session. Transitions only move forward:
// IDLE → OPEN → STREAMING ⇄ OPEN → CLOSING → CLOSED, with STREAMING entered
// once per spoken response. CLOSED is terminal.
type State int

const (
	// StateIdle is a session that has been admitted but has no transport yet.
	StateIdle State = iota

	// StateOpen is an attached session that is accepting frames.
	StateOpen

	// StateStreaming is a session currently delivering TTS chunks.
	StateStreaming

	// StateClosing is a session whose close sequence has started.
	StateClosing

	// StateClosed is terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpen:
		return "open"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// FrameKind discriminates inbound client frames after wire decoding.
type FrameKind int

const (
	// FrameAudio carries one audio chunk of the current utterance.
	FrameAudio FrameKind = iota

	// FrameText carries a typed utterance that starts a turn directly.
	FrameText

	// FrameHeartbeat carries no payload; it only refreshes liveness.
	FrameHeartbeat

	// FrameInterrupt asks the server to stop the in-flight response.
	FrameInterrupt

	// FrameSettings updates the session's voice and interaction settings.
	FrameSettings
)

func (k FrameKind) String() string {
	switch k {
	case FrameAudio:
		return "audio"
	case FrameText:
		return "text"
	case FrameHeartbeat:
		return "heartbeat"
	case FrameInterrupt:
		return "interrupt"
	case FrameSettings:
		return "settings"
	default:
		return fmt.Sprintf("frame(%d)", int(k))
	}
}

// Frame is one inbound client frame, already decoded from the wire format.
// Only the fields for its Kind are set.
type Frame struct {
	Kind FrameKind

	// Audio fields. Audio holds the encoded payload: a WAV container or a
	// single Opus packet depending on Format. Final marks the end of the
	// utterance.
	Audio      []byte
	SampleRate int
	Format     string
	Final      bool

	// Text holds the typed utterance for FrameText.
	Text string

	// Reason is the optional client-supplied interrupt reason.
	Reason string

	// Settings holds the raw settings map for FrameSettings.
	Settings map[string]any
}

// Outbound event names. These are the wire-level discriminators the edge
// layer serializes into the `event` field.
const (
	EventConnected            = "connected"
	EventTranscription        = "transcription"
	EventVoiceResponse        = "voice_response"
	EventTTSChunk             = "tts_chunk"
	EventStreamingComplete    = "streaming_complete"
	EventStreamingInterrupted = "streaming_interrupted"
	EventError                = "error"
)

// Outbound is one server-to-client frame. Only the fields for its Event are
// set; Audio carries encoded TTS payloads for tts_chunk frames.
type Outbound struct {
	Event     string
	SessionID string

	// voice_response / transcription fields.
	Text      string
	Sentiment string
	Insights  []string

	// tts_chunk fields. Seq increases monotonically for the whole session,
	// never resetting between responses.
	Seq   int
	Audio []byte
	Final bool

	// error fields.
	Code    string
	Message string
}

// Transport delivers outbound frames to one connected client. Send must be
// safe for concurrent use; implementations are expected to bound how long a
// slow client can block a write.
type Transport interface {
	Send(out Outbound) error
	Close() error
}

// TurnRunner executes one agent turn over final utterance text.
// *agent.Graph implements it.
type TurnRunner interface {
	RunTurn(ctx context.Context, text string) (*agent.TurnResult, error)
}

var _ TurnRunner = (*agent.Graph)(nil)

// Finalizer persists long-term memory when the session closes.
// *memory.SessionMemory implements it.
type Finalizer interface {
	Finalize(ctx context.Context) (memory.Outcome, error)
}

var _ Finalizer = (*memory.SessionMemory)(nil)

// TranscriptLog receives the human-readable session transcript.
// *sessionlog.SessionLog implements it.
type TranscriptLog interface {
	UserQuery(text, via string)
	Response(text, sentiment string, insights []string, total time.Duration)
	Close(cause string)
}

var _ TranscriptLog = (*sessionlog.SessionLog)(nil)

// Store is the persistence surface the session layer needs. *store.Store
// implements it.
type Store interface {
	EnsureUser(ctx context.Context, userID, displayName string) error
	UserExists(ctx context.Context, userID string) (bool, error)
	CreateSession(ctx context.Context, sessionID, userID, source string) error
	TouchHeartbeat(ctx context.Context, sessionID string) error
	CloseSession(ctx context.Context, sessionID string) error
	AppendMessage(ctx context.Context, msg store.StoredMessage, embedding []float32) error
	SaveSettings(ctx context.Context, userID string, settings types.SessionSettings) error
}

var _ Store = (*store.Store)(nil)

// Embedder computes utterance embeddings for semantic recall. Optional; a
// nil Embedder leaves persisted turns invisible to similarity search.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Runtime bundles the per-session collaborators built at admission time.
// Memory and Log may be nil in reduced deployments; Graph is required.
type Runtime struct {
	Graph  TurnRunner
	Memory Finalizer
	Log    TranscriptLog
}

// RuntimeFactory builds the Runtime for a newly admitted session.
type RuntimeFactory func(sessionID, userID, source string, startedAt time.Time) (Runtime, error)

// turnRequest is one queued utterance waiting for the turn loop. Voice
// requests carry accumulated PCM to transcribe; text requests carry the
// utterance directly.
type turnRequest struct {
	text string
	pcm  []byte
	rate int
	via  string
}

// Session is one live conversation. All exported methods are safe for
// concurrent use; the internal frame loop owns audio accumulation and turn
// scheduling so inbound frames never race each other.
type Session struct {
	id        string
	userID    string
	source    string
	startedAt time.Time

	cfg     ManagerConfig
	runtime Runtime
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	frames   chan Frame
	turnDone chan struct{}
	loopDone chan struct{}

	// mu guards state, transport, settings, the chunk sequence, the active
	// stream and the active turn's cancel func.
	mu         sync.Mutex
	state      State
	transport  Transport
	settings   types.SessionSettings
	chunkSeq   int
	msgSeq     int
	stream     *outStream
	turnCancel context.CancelFunc

	// Loop-owned state: only the frame loop touches these.
	pending    []turnRequest
	turnActive bool
	pcm        []byte
	pcmRate    int
	opusDec    *audio.OpusDecoder
	opusRate   int
	vadSess    vad.SessionHandle
	vadRate    int
	vadBuf     []byte
	utterFull  bool
	lastTouch  time.Time

	// turns tracks turn goroutines; bg tracks fire-and-forget storage writes
	// and channel drains. Close waits for both.
	turns sync.WaitGroup
	bg    sync.WaitGroup

	closeOnce sync.Once
}

func newSession(id, userID, source string, startedAt time.Time, cfg ManagerConfig, rt Runtime) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:        id,
		userID:    userID,
		source:    source,
		startedAt: startedAt,
		cfg:       cfg,
		runtime:   rt,
		log:       cfg.Logger.With("component", "session", "session_id", id, "user_id", userID),
		ctx:       ctx,
		cancel:    cancel,
		frames:    make(chan Frame, cfg.FrameBuffer),
		turnDone:  make(chan struct{}, 1),
		loopDone:  make(chan struct{}),
		state:     StateIdle,
		settings:  types.DefaultSessionSettings(),
	}
}

// ID returns the server-issued session identifier.
func (s *Session) ID() string { return s.id }

// UserID returns the owning user.
func (s *Session) UserID() string { return s.userID }

// State returns the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Settings returns a copy of the current session settings.
func (s *Session) Settings() types.SessionSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// attach binds the transport and moves the session to OPEN. A session accepts
// exactly one transport for its lifetime.
func (s *Session) attach(t Transport) error {
	s.mu.Lock()
	switch {
	case s.state == StateClosing || s.state == StateClosed:
		s.mu.Unlock()
		return ErrClosed
	case s.transport != nil:
		s.mu.Unlock()
		return fmt.Errorf("session: attach %s: %w", s.id, ErrAlreadyAttached)
	}
	s.transport = t
	if s.state == StateIdle {
		s.state = StateOpen
	}
	s.mu.Unlock()

	s.send(Outbound{Event: EventConnected})
	return nil
}

// dispatch queues one frame for the loop, preserving arrival order.
func (s *Session) dispatch(f Frame) error {
	select {
	case s.frames <- f:
		return nil
	case <-s.ctx.Done():
		return ErrClosed
	}
}

// run is the frame loop. It owns audio accumulation, VAD, heartbeat touches
// and turn scheduling, and must never block on a turn: turns execute in their
// own goroutine so interrupt frames stay responsive mid-response.
func (s *Session) run() {
	defer close(s.loopDone)
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.turnDone:
			s.turnActive = false
			s.startNextTurn()
		case f := <-s.frames:
			s.handleFrame(f)
		}
	}
}

func (s *Session) handleFrame(f Frame) {
	s.touchHeartbeat()

	switch f.Kind {
	case FrameHeartbeat:
		// Liveness only.

	case FrameText:
		text := f.Text
		if text == "" {
			return
		}
		s.enqueueTurn(turnRequest{text: text, via: "text"})

	case FrameAudio:
		s.handleAudio(f)

	case FrameInterrupt:
		s.log.Debug("interrupt frame", "reason", f.Reason)
		s.bargeIn()

	case FrameSettings:
		s.handleSettings(f.Settings)
	}
}

// handleAudio decodes one chunk into the utterance buffer, runs barge-in
// detection while a response is streaming, and hands the utterance to the
// turn queue once the client marks it final.
func (s *Session) handleAudio(f Frame) {
	// A bare is_final marker without payload is legal.
	if len(f.Audio) > 0 {
		pcm, rate, err := s.decodeChunk(f)
		if err != nil {
			s.log.Warn("audio chunk rejected", "format", f.Format, "error", err)
			s.send(Outbound{Event: EventError, Code: "validation", Message: err.Error()})
			return
		}
		if len(pcm) > 0 {
			s.appendPCM(pcm, rate)
			s.detectBargeIn(pcm, rate)
		}
	}
	if !f.Final {
		return
	}

	utterance := s.pcm
	utterRate := s.pcmRate
	s.resetUtterance()
	if len(utterance) == 0 {
		return
	}
	s.enqueueTurn(turnRequest{pcm: utterance, rate: utterRate, via: "voice"})
}

// decodeChunk converts one wire chunk to 16-bit mono PCM and its sample rate.
func (s *Session) decodeChunk(f Frame) ([]byte, int, error) {
	switch f.Format {
	case "wav":
		pcm, rate, channels, err := audio.DecodeWAV(f.Audio)
		if err != nil {
			return nil, 0, fmt.Errorf("session: decode wav: %w", err)
		}
		if channels == 2 {
			pcm = audio.StereoToMono(pcm)
		}
		return pcm, rate, nil

	case "opus":
		rate := f.SampleRate
		if rate <= 0 {
			rate = defaultOpusRate
		}
		if s.opusDec == nil || s.opusRate != rate {
			dec, err := audio.NewOpusDecoder(rate, 1)
			if err != nil {
				return nil, 0, fmt.Errorf("session: opus decoder: %w", err)
			}
			s.opusDec = dec
			s.opusRate = rate
		}
		pcm, err := s.opusDec.Decode(f.Audio)
		if err != nil {
			return nil, 0, fmt.Errorf("session: decode opus: %w", err)
		}
		return pcm, rate, nil

	default:
		return nil, 0, fmt.Errorf("session: unsupported audio format %q", f.Format)
	}
}

// appendPCM grows the utterance buffer, resampling chunks whose rate differs
// from the first chunk's. The buffer is capped so a client that never sends
// is_final cannot grow memory without bound.
func (s *Session) appendPCM(pcm []byte, rate int) {
	if len(s.pcm) == 0 {
		s.pcmRate = rate
		s.utterFull = false
	} else if rate != s.pcmRate {
		pcm = audio.ResampleMono16(pcm, rate, s.pcmRate)
	}
	if len(s.pcm)+len(pcm) > maxUtteranceBytes {
		if !s.utterFull {
			s.utterFull = true
			s.log.Warn("utterance buffer full, dropping audio",
				"buffered_bytes", len(s.pcm))
		}
		return
	}
	s.pcm = append(s.pcm, pcm...)
}

func (s *Session) resetUtterance() {
	s.pcm = nil
	s.pcmRate = 0
	s.utterFull = false
	if s.vadSess != nil {
		s.vadSess.Reset()
	}
	s.vadBuf = nil
}

// detectBargeIn feeds fresh audio to the VAD while a response is streaming
// and interruption is enabled. Qualified speech cancels the in-flight turn.
func (s *Session) detectBargeIn(pcm []byte, rate int) {
	s.mu.Lock()
	streaming := s.state == StateStreaming
	enabled := s.settings.InterruptionEnabled
	s.mu.Unlock()
	if !streaming || !enabled {
		return
	}
	if s.speechStarted(pcm, rate) {
		s.log.Debug("speech detected during playback")
		s.bargeIn()
	}
}

// speechStarted reports whether the chunk contains the onset of speech.
// Without a VAD engine any audible chunk counts, which keeps barge-in
// functional in minimal deployments at the cost of false positives.
func (s *Session) speechStarted(pcm []byte, rate int) bool {
	if s.cfg.VAD == nil {
		return len(pcm) > 0
	}
	if s.vadSess == nil || s.vadRate != rate {
		if s.vadSess != nil {
			_ = s.vadSess.Close()
		}
		sensitivity := s.Settings().VADSensitivity
		sess, err := s.cfg.VAD.NewSession(vadConfig(rate, sensitivity))
		if err != nil {
			s.log.Warn("vad session unavailable", "error", err)
			return len(pcm) > 0
		}
		s.vadSess = sess
		s.vadRate = rate
		s.vadBuf = nil
	}

	s.vadBuf = append(s.vadBuf, pcm...)
	frameBytes := rate * vadFrameMs / 1000 * 2
	started := false
	for len(s.vadBuf) >= frameBytes {
		frame := s.vadBuf[:frameBytes]
		s.vadBuf = s.vadBuf[frameBytes:]
		ev, err := s.vadSess.ProcessFrame(frame)
		if err != nil {
			s.log.Debug("vad frame error", "error", err)
			continue
		}
		if ev.Type == types.VADSpeechStart {
			started = true
		}
	}
	return started
}

// bargeIn cancels the in-flight turn and kills the active outbound stream.
// Safe to call when nothing is running.
func (s *Session) bargeIn() {
	s.mu.Lock()
	cancel := s.turnCancel
	st := s.stream
	s.mu.Unlock()

	if cancel == nil && st == nil {
		return
	}
	if cancel != nil {
		cancel()
	}
	if st != nil {
		st.interrupt()
	}
	s.cfg.Metrics.RecordBargeIn(s.ctx)
}

// handleSettings merges a client settings map into the session settings,
// persists them and rebuilds the VAD session when sensitivity changed.
func (s *Session) handleSettings(raw map[string]any) {
	s.mu.Lock()
	old := s.settings
	next := normalizeSettings(old, raw)
	s.settings = next
	s.mu.Unlock()

	if next.VADSensitivity != old.VADSensitivity && s.vadSess != nil {
		_ = s.vadSess.Close()
		s.vadSess = nil
		s.vadBuf = nil
	}
	s.log.Debug("settings updated",
		"voice_type", next.VoiceType,
		"speech_rate", next.SpeechRate,
		"vad_sensitivity", next.VADSensitivity,
		"interruption_enabled", next.InterruptionEnabled,
		"use_audio_compression", next.UseAudioCompression)

	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		ctx, cancelSave := context.WithTimeout(s.ctx, settingsSaveTimeout)
		defer cancelSave()
		if err := s.cfg.Store.SaveSettings(ctx, s.userID, next); err != nil {
			s.log.Warn("settings not persisted", "error", err)
		}
	}()
}

// enqueueTurn appends a request to the FIFO turn queue and starts it if no
// turn is running. A new turn never starts before the previous one finished
// or was interrupted.
func (s *Session) enqueueTurn(req turnRequest) {
	s.pending = append(s.pending, req)
	s.startNextTurn()
}

func (s *Session) startNextTurn() {
	if s.turnActive || len(s.pending) == 0 {
		return
	}
	req := s.pending[0]
	s.pending = s.pending[1:]
	s.turnActive = true

	turnCtx, cancel := context.WithTimeout(s.ctx, s.cfg.TurnDeadline)
	s.mu.Lock()
	s.turnCancel = cancel
	s.mu.Unlock()

	s.turns.Add(1)
	go func() {
		defer s.turns.Done()
		defer func() {
			s.mu.Lock()
			s.turnCancel = nil
			s.mu.Unlock()
			cancel()
			select {
			case s.turnDone <- struct{}{}:
			default:
			}
		}()
		s.runTurn(turnCtx, req)
	}()
}

// runTurn executes one utterance end to end: transcription for voice input,
// the agent graph, persistence, the voice_response frame and TTS streaming.
func (s *Session) runTurn(ctx context.Context, req turnRequest) {
	start := time.Now()
	text := req.text

	if req.via == "voice" {
		transcript, err := s.transcribe(ctx, req.pcm, req.rate)
		if err != nil {
			if ctx.Err() == nil {
				s.log.Warn("transcription failed", "error", err)
				s.cfg.Metrics.RecordProviderError(ctx, "stt", "transcribe")
				s.send(Outbound{Event: EventError, Code: "transcription_failed",
					Message: "could not transcribe audio"})
				s.cfg.Metrics.RecordTurn(s.ctx, "aborted", time.Since(start))
			}
			return
		}
		if transcript == "" {
			// Silence. No turn, no frames.
			s.log.Debug("empty transcription, skipping turn",
				"pcm_bytes", len(req.pcm))
			return
		}
		text = transcript
		s.send(Outbound{Event: EventTranscription, Text: text})
	}

	if s.runtime.Log != nil {
		s.runtime.Log.UserQuery(text, req.via)
	}

	res, err := s.runtime.Graph.RunTurn(ctx, text)
	if err != nil {
		switch {
		case errors.Is(err, context.Canceled):
			// Barge-in or session close. The interrupting party already
			// told the client; nothing partial goes out.
			s.cfg.Metrics.RecordTurn(s.ctx, "aborted", time.Since(start))
		case errors.Is(err, context.DeadlineExceeded):
			s.log.Warn("turn deadline exceeded", "elapsed", time.Since(start))
			s.send(Outbound{Event: EventError, Code: "turn_timeout",
				Message: "the request took too long"})
			s.cfg.Metrics.RecordTurn(s.ctx, "aborted", time.Since(start))
		default:
			s.log.Debug("turn rejected", "error", err)
		}
		return
	}

	s.persistTurn(ctx, text, res)

	s.send(Outbound{
		Event:     EventVoiceResponse,
		Text:      res.Response,
		Sentiment: res.Sentiment,
		Insights:  res.KeyInsights,
	})
	if s.runtime.Log != nil {
		s.runtime.Log.Response(res.Response, res.Sentiment, res.KeyInsights, time.Since(start))
	}

	s.speak(ctx, res.Response)

	s.cfg.Metrics.RecordTurn(s.ctx, turnStatus(res), time.Since(start))
}

func (s *Session) transcribe(ctx context.Context, pcm []byte, rate int) (string, error) {
	cfg := stt.StreamConfig{
		SampleRate: rate,
		Channels:   1,
		Language:   s.cfg.Language,
	}
	t, err := s.cfg.STT.Transcribe(ctx, pcm, cfg)
	if err != nil {
		return "", err
	}
	return t.Text, nil
}

// turnStatus classifies a finished turn for metrics: degraded when evidence
// was partial or the analyzer could not classify the utterance.
func turnStatus(res *agent.TurnResult) string {
	if res.Evidence.Partial {
		return "degraded"
	}
	for _, in := range res.Intents {
		if in.Tag == agent.IntentUnknown {
			return "degraded"
		}
	}
	return "ok"
}

// persistTurn writes the user and assistant rows for one turn. Best-effort:
// storage failures degrade recall, never the response.
func (s *Session) persistTurn(ctx context.Context, text string, res *agent.TurnResult) {
	if ctx.Err() != nil {
		return
	}

	s.mu.Lock()
	seq := s.msgSeq
	s.msgSeq += 2
	s.mu.Unlock()

	var emb []float32
	if s.cfg.Embedder != nil {
		e, err := s.cfg.Embedder.Embed(ctx, text)
		if err != nil {
			s.log.Debug("utterance embedding failed", "error", err)
			s.cfg.Metrics.RecordProviderError(ctx, "embeddings", "embed")
		} else {
			emb = e
		}
	}

	intents := make([]string, 0, len(res.Intents))
	for _, in := range res.Intents {
		intents = append(intents, in.Tag)
	}
	summary := ""
	if len(res.KeyInsights) > 0 {
		summary = res.KeyInsights[0]
	}

	userMsg := store.StoredMessage{
		SessionID: s.id,
		Sequence:  seq,
		Role:      "user",
		Content:   text,
		Intents:   intents,
		Symbols:   res.Symbols,
	}
	if err := s.cfg.Store.AppendMessage(ctx, userMsg, emb); err != nil {
		s.log.Warn("user message not persisted", "error", err)
		return
	}

	asstMsg := store.StoredMessage{
		SessionID:    s.id,
		Sequence:     seq + 1,
		Role:         "assistant",
		Content:      res.Response,
		Summary:      summary,
		ProcessingMS: res.ProcessingTime.Milliseconds(),
	}
	if err := s.cfg.Store.AppendMessage(ctx, asstMsg, nil); err != nil {
		s.log.Warn("assistant message not persisted", "error", err)
	}
}

// speak streams the spoken response: sentence-aware text chunks feed the TTS
// provider and every synthesized chunk goes out as an ordered tts_chunk
// frame. The last chunk is flagged is_final and a streaming_complete frame
// follows unless the stream was interrupted.
func (s *Session) speak(ctx context.Context, text string) {
	chunks := agent.SplitSpeech(text, agent.DefaultSpeechChunkChars)
	if len(chunks) == 0 {
		return
	}

	st := s.beginStream()
	if st == nil {
		return
	}
	defer s.endStream(st)

	s.mu.Lock()
	voice := types.VoiceProfile{
		Name:        s.settings.VoiceType,
		SpeedFactor: s.settings.SpeechRate,
	}
	compress := s.settings.UseAudioCompression
	s.mu.Unlock()

	feedDone := make(chan struct{})
	defer close(feedDone)
	textCh := make(chan string)
	go func() {
		defer close(textCh)
		for _, c := range chunks {
			select {
			case textCh <- c:
			case <-ctx.Done():
				return
			case <-feedDone:
				return
			}
		}
	}()

	audioCh, err := s.cfg.TTS.SynthesizeStream(ctx, textCh, voice)
	if err != nil {
		if ctx.Err() != nil {
			// Barge-in or close cancelled the turn before synthesis started.
			return
		}
		s.log.Warn("tts stream failed", "error", err)
		s.cfg.Metrics.RecordProviderError(ctx, "tts", "synthesize")
		s.send(Outbound{Event: EventError, Code: "tts_failed",
			Message: "speech synthesis unavailable"})
		return
	}

	var enc *audio.OpusEncoder
	if compress {
		enc, err = audio.NewOpusEncoder(s.cfg.TTSSampleRate, 1)
		if err != nil {
			s.log.Warn("opus encoder unavailable, falling back to wav", "error", err)
			enc = nil
		}
	}

	// One-chunk lookahead so the last chunk can carry is_final.
	var held []byte
	sent := 0
	emit := func(wire []byte) error {
		if held != nil {
			if err := st.send(held, false); err != nil {
				return err
			}
			sent++
		}
		held = wire
		return nil
	}

	interrupted := false
synth:
	for pcm := range audioCh {
		if len(pcm) == 0 {
			continue
		}
		wires, err := encodeChunk(pcm, enc, s.cfg.TTSSampleRate)
		if err != nil {
			s.log.Warn("chunk encode failed", "error", err)
			continue
		}
		for _, wire := range wires {
			if err := emit(wire); err != nil {
				interrupted = true
				break synth
			}
		}
	}
	if interrupted {
		s.bg.Add(1)
		go func() {
			defer s.bg.Done()
			audio.Drain(audioCh)
		}()
	} else {
		if enc != nil {
			if tail, err := enc.Flush(); err == nil && len(tail) > 0 {
				if err := emit(tail); err != nil {
					interrupted = true
				}
			}
		}
		if !interrupted && held != nil && ctx.Err() == nil {
			if err := st.send(held, true); err == nil {
				sent++
			} else {
				interrupted = true
			}
		}
	}

	if sent > 0 {
		s.cfg.Metrics.RecordTTSChunks(s.ctx, int64(sent))
	}
	if !interrupted && ctx.Err() == nil {
		st.complete()
	}
}

// encodeChunk wraps one PCM chunk for the wire: a standalone WAV container,
// or zero or more Opus packets when compression is on (the encoder buffers
// partial frames across calls).
func encodeChunk(pcm []byte, enc *audio.OpusEncoder, rate int) ([][]byte, error) {
	if enc == nil {
		return [][]byte{audio.EncodeWAV(pcm, rate, 1)}, nil
	}
	return enc.EncodeAll(pcm)
}

// beginStream moves the session to STREAMING and registers the outbound
// stream barge-in will target. Returns nil when the session is closing.
func (s *Session) beginStream() *outStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOpen {
		return nil
	}
	s.state = StateStreaming
	st := &outStream{session: s}
	s.stream = st
	return st
}

func (s *Session) endStream(st *outStream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == st {
		s.stream = nil
	}
	if s.state == StateStreaming {
		s.state = StateOpen
	}
}

// touchHeartbeat refreshes last_heartbeat_at, rate-limited so chatty clients
// do not turn every audio chunk into a row update.
func (s *Session) touchHeartbeat() {
	now := time.Now()
	if now.Sub(s.lastTouch) < s.cfg.TouchInterval {
		return
	}
	s.lastTouch = now
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		ctx, cancelTouch := context.WithTimeout(s.ctx, touchTimeout)
		defer cancelTouch()
		if err := s.cfg.Store.TouchHeartbeat(ctx, s.id); err != nil && s.ctx.Err() == nil {
			s.log.Debug("heartbeat touch failed", "error", err)
		}
	}()
}

// send delivers one outbound frame, dropping it when no transport is
// attached. Delivery failures are logged, never escalated: the disconnect
// path will close the session.
func (s *Session) send(out Outbound) {
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()
	if t == nil {
		return
	}
	out.SessionID = s.id
	if err := t.Send(out); err != nil {
		s.log.Debug("outbound send failed", "event", out.Event, "error", err)
	}
}

// emitChunk allocates the next session-wide sequence number and sends one
// tts_chunk frame. Sequence numbers never reset, so a client can always
// order chunks even across interrupted responses.
func (s *Session) emitChunk(data []byte, final bool) error {
	s.mu.Lock()
	seq := s.chunkSeq
	s.chunkSeq++
	t := s.transport
	s.mu.Unlock()

	if t == nil {
		return ErrClosed
	}
	return t.Send(Outbound{
		Event:     EventTTSChunk,
		SessionID: s.id,
		Seq:       seq,
		Audio:     data,
		Final:     final,
	})
}

// Close runs the close sequence exactly once and blocks until it finished,
// whoever the caller. Later calls return immediately.
func (s *Session) Close(cause string) {
	s.closeOnce.Do(func() { s.close(cause) })
}

func (s *Session) close(cause string) {
	s.mu.Lock()
	s.state = StateClosing
	st := s.stream
	s.mu.Unlock()

	// Kill the outbound stream first so no chunk outlives the close
	// decision, then cancel all in-flight work.
	if st != nil {
		st.interrupt()
	}
	s.cancel()
	s.turns.Wait()
	<-s.loopDone
	s.bg.Wait()

	if s.vadSess != nil {
		_ = s.vadSess.Close()
		s.vadSess = nil
	}

	s.mu.Lock()
	t := s.transport
	s.transport = nil
	s.mu.Unlock()
	if t != nil {
		if err := t.Close(); err != nil {
			s.log.Debug("transport close failed", "error", err)
		}
	}

	// The session context is gone; finalization gets its own budget and the
	// memory manager bounds the LLM work internally.
	if s.runtime.Memory != nil {
		outcome, err := s.runtime.Memory.Finalize(context.Background())
		if err != nil {
			s.log.Warn("memory finalize failed", "outcome", string(outcome), "error", err)
		}
		s.cfg.Metrics.RecordFinalizer(context.Background(), string(outcome))
	}
	if s.runtime.Log != nil {
		s.runtime.Log.Close(cause)
	}

	persisted := s.persistClose()

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()

	s.cfg.Metrics.SessionEnded(context.Background())
	s.log.Info("session closed",
		"cause", cause,
		"duration", time.Since(s.startedAt).Round(time.Millisecond),
		"close_persisted", persisted)
}

// persistClose marks the row inactive, retrying transient storage failures.
// When every attempt fails the row stays active and the orphan sweep will
// reconcile it.
func (s *Session) persistClose() bool {
	ctx, cancelPersist := context.WithTimeout(context.Background(), closePersistBudget)
	defer cancelPersist()

	err := retry(ctx, s.cfg.CloseRetries, closeRetryBackoff, func() error {
		return s.cfg.Store.CloseSession(ctx, s.id)
	})
	if err != nil {
		s.log.Error("session close not persisted",
			"close_persisted", false, "error", err)
		return false
	}
	return true
}

// Wire and timing constants.
const (
	// defaultOpusRate is assumed when an opus chunk omits its sample rate.
	defaultOpusRate = 48000

	// maxUtteranceBytes caps the accumulation buffer for one utterance.
	// At 16 kHz mono that is over five minutes of speech.
	maxUtteranceBytes = 10 << 20

	touchTimeout        = 5 * time.Second
	settingsSaveTimeout = 5 * time.Second
	closePersistBudget  = 15 * time.Second
	closeRetryBackoff   = 250 * time.Millisecond
)
