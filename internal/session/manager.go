package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marketvox/marketvox/internal/observe"
	"github.com/marketvox/marketvox/pkg/provider/stt"
	"github.com/marketvox/marketvox/pkg/provider/tts"
	"github.com/marketvox/marketvox/pkg/provider/vad"
)

// Defaults applied by NewManager when the corresponding config field is
// unset.
const (
	// DefaultTurnDeadline bounds one utterance end to end, transcription
	// through the last TTS chunk.
	DefaultTurnDeadline = 2 * time.Minute

	// DefaultTouchInterval rate-limits heartbeat row updates. Any frame
	// refreshes liveness, but the row is touched at most this often.
	DefaultTouchInterval = 15 * time.Second

	// DefaultTTSSampleRate is the PCM rate synthesized speech arrives at.
	DefaultTTSSampleRate = 16000

	// DefaultCloseRetries is how often a failed close persist is retried.
	DefaultCloseRetries = 3

	// DefaultFrameBuffer is the inbound frame queue depth per session.
	DefaultFrameBuffer = 64
)

// maxRetryBackoff caps the doubling backoff used for storage retries.
const maxRetryBackoff = 2 * time.Second

// ManagerConfig wires the manager's collaborators. Store, Factory, STT and
// TTS are required; everything else has a working default.
type ManagerConfig struct {
	// Store persists session rows, conversation messages and settings.
	Store Store

	// Factory builds the per-session agent graph, memory and transcript log.
	Factory RuntimeFactory

	// STT transcribes finished utterances.
	STT stt.Provider

	// TTS synthesizes spoken responses.
	TTS tts.Provider

	// VAD gates barge-in on detected speech. Without one, any audio during
	// playback interrupts.
	VAD vad.Engine

	// Embedder computes utterance embeddings for semantic recall. Optional.
	Embedder Embedder

	// Metrics receives session, turn and stream instrumentation. Defaults
	// to the process-wide instruments.
	Metrics *observe.Metrics

	// Logger is the parent logger. Defaults to slog.Default.
	Logger *slog.Logger

	// AllowUnknownUsers creates a user row on first contact instead of
	// denying admission.
	AllowUnknownUsers bool

	// Language hints the recognizer. Defaults to "en".
	Language string

	TurnDeadline  time.Duration
	TouchInterval time.Duration
	TTSSampleRate int
	CloseRetries  int
	FrameBuffer   int
}

// Manager owns the session registry. It is the only way sessions are
// created, found and closed; the heartbeat monitor and the transport layer
// both drive it. All methods are safe for concurrent use.
type Manager struct {
	cfg ManagerConfig
	log *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewManager validates cfg, fills defaults and returns a ready manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	var errs []error
	if cfg.Store == nil {
		errs = append(errs, errors.New("store is required"))
	}
	if cfg.Factory == nil {
		errs = append(errs, errors.New("runtime factory is required"))
	}
	if cfg.STT == nil {
		errs = append(errs, errors.New("stt provider is required"))
	}
	if cfg.TTS == nil {
		errs = append(errs, errors.New("tts provider is required"))
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("session: invalid manager config: %w", errors.Join(errs...))
	}

	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	if cfg.TurnDeadline <= 0 {
		cfg.TurnDeadline = DefaultTurnDeadline
	}
	if cfg.TouchInterval <= 0 {
		cfg.TouchInterval = DefaultTouchInterval
	}
	if cfg.TTSSampleRate <= 0 {
		cfg.TTSSampleRate = DefaultTTSSampleRate
	}
	if cfg.CloseRetries <= 0 {
		cfg.CloseRetries = DefaultCloseRetries
	}
	if cfg.FrameBuffer <= 0 {
		cfg.FrameBuffer = DefaultFrameBuffer
	}

	return &Manager{
		cfg:      cfg,
		log:      cfg.Logger.With("component", "session_manager"),
		sessions: make(map[string]*Session),
	}, nil
}

// Admit checks the user, creates the session row and registers a live
// session. The returned id is what the client uses on every later frame.
func (m *Manager) Admit(ctx context.Context, userID, source string) (string, error) {
	if userID == "" {
		return "", errors.New("session: admit: user id is required")
	}

	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return "", ErrManagerClosed
	}

	if m.cfg.AllowUnknownUsers {
		if err := m.cfg.Store.EnsureUser(ctx, userID, userID); err != nil {
			return "", fmt.Errorf("session: admit: %w", err)
		}
	} else {
		known, err := m.cfg.Store.UserExists(ctx, userID)
		if err != nil {
			return "", fmt.Errorf("session: admit: %w", err)
		}
		if !known {
			return "", fmt.Errorf("session: admit %q: %w", userID, ErrUserUnknown)
		}
	}

	id := uuid.NewString()
	startedAt := time.Now().UTC()
	if err := m.cfg.Store.CreateSession(ctx, id, userID, source); err != nil {
		return "", fmt.Errorf("session: admit: create session: %w", err)
	}

	rt, err := m.cfg.Factory(id, userID, source, startedAt)
	if err != nil {
		// Do not leave the fresh row active; the sweep would only catch it
		// after the idle limit.
		if cerr := m.cfg.Store.CloseSession(ctx, id); cerr != nil {
			m.log.Warn("admit rollback failed", "session_id", id, "error", cerr)
		}
		return "", fmt.Errorf("session: admit: build runtime: %w", err)
	}

	s := newSession(id, userID, source, startedAt, m.cfg, rt)
	go s.run()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		s.Close("shutdown")
		return "", ErrManagerClosed
	}
	m.sessions[id] = s
	m.mu.Unlock()

	m.cfg.Metrics.SessionStarted(ctx)
	m.log.Info("session admitted",
		"session_id", id, "user_id", userID, "source", source)
	return id, nil
}

// Attach binds a transport to an admitted session. Exactly one transport
// per session; a second attach fails with ErrAlreadyAttached.
func (m *Manager) Attach(sessionID string, t Transport) error {
	s, err := m.get(sessionID)
	if err != nil {
		return err
	}
	return s.attach(t)
}

// OnFrame dispatches one inbound frame into the session's FIFO queue.
func (m *Manager) OnFrame(sessionID string, f Frame) error {
	s, err := m.get(sessionID)
	if err != nil {
		return err
	}
	return s.dispatch(f)
}

// Close runs the full close sequence for one session and removes it from
// the registry. Blocks until the close finished; concurrent calls for the
// same session serialize on the session's close guard.
func (m *Manager) Close(sessionID, cause string) error {
	s, err := m.get(sessionID)
	if err != nil {
		return err
	}
	s.Close(cause)

	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	return nil
}

// CloseAll shuts down every session concurrently and stops admitting new
// ones. Returns when all closes finished or ctx expired; late closes keep
// running in the background either way.
func (m *Manager) CloseAll(ctx context.Context, cause string) error {
	m.mu.Lock()
	m.closed = true
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	if len(list) == 0 {
		return nil
	}

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, s := range list {
			wg.Add(1)
			go func(s *Session) {
				defer wg.Done()
				s.Close(cause)
			}(s)
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.log.Info("all sessions closed", "count", len(list), "cause", cause)
		return nil
	case <-ctx.Done():
		m.log.Warn("close all timed out, sessions still closing",
			"count", len(list), "cause", cause)
		return fmt.Errorf("session: close all: %w", ctx.Err())
	}
}

// Len reports how many sessions are registered.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) get(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session: %s: %w", sessionID, ErrNotFound)
	}
	return s, nil
}

// retry runs fn up to attempts times with doubling backoff, stopping early
// when ctx ends. Returns nil on the first success, otherwise the last error.
func retry(ctx context.Context, attempts int, backoff time.Duration, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxRetryBackoff {
			backoff = maxRetryBackoff
		}
	}
	return err
}
