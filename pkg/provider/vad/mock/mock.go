// Package mock is a scriptable VAD for tests: the engine hands out sessions
// that replay a scripted event sequence per processed frame, so tests can
// decide exactly which audio chunk counts as speech.
package mock

import (
	"sync"

	"github.com/marketvox/marketvox/pkg/provider/vad"
	"github.com/marketvox/marketvox/pkg/types"
)

var (
	_ vad.Engine        = (*Engine)(nil)
	_ vad.SessionHandle = (*Session)(nil)
)

// Engine hands out its configured Session. Safe for concurrent use.
type Engine struct {
	mu sync.Mutex

	// Handle is returned from NewSession; a fresh silent Session when nil.
	Handle vad.SessionHandle

	// NewSessionErr, when non-nil, makes NewSession fail.
	NewSessionErr error

	// Configs records the vad.Config of every NewSession call.
	Configs []vad.Config
}

func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Configs = append(e.Configs, cfg)
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	if e.Handle != nil {
		return e.Handle, nil
	}
	return &Session{}, nil
}

// Session replays Events one per ProcessFrame call, then keeps reporting
// silence. Safe for concurrent use.
type Session struct {
	mu sync.Mutex

	// Events is consumed front to back, one event per frame.
	Events []types.VADEvent

	// ProcessFrameErr, when non-nil, makes every ProcessFrame fail.
	ProcessFrameErr error

	// CloseErr is returned from Close.
	CloseErr error

	frames int
	resets int
	closes int
}

func (s *Session) ProcessFrame(frame []byte) (types.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames++
	if s.ProcessFrameErr != nil {
		return types.VADEvent{}, s.ProcessFrameErr
	}
	if len(s.Events) == 0 {
		return types.VADEvent{Type: types.VADSilence}, nil
	}
	ev := s.Events[0]
	s.Events = s.Events[1:]
	return ev, nil
}

func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return s.CloseErr
}

// FrameCount reports how many frames the session has seen.
func (s *Session) FrameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}
