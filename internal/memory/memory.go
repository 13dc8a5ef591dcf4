// Package memory maintains per-user long-term key notes synthesized from
// conversation sessions.
//
// Notes are a small category → prose map persisted in user_notes. Each
// session accumulates memory-relevant turns in a bounded buffer; Finalize
// folds the buffer into the existing notes with one gated LLM call and
// upserts the result. Nothing writes user_notes mid-session, and same-user
// finalizations serialize on a per-user mutex.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marketvox/marketvox/internal/gate"
	"github.com/marketvox/marketvox/internal/sessionlog"
	"github.com/marketvox/marketvox/pkg/provider/llm"
	"github.com/marketvox/marketvox/pkg/types"
)

// DefaultBufferCap bounds how many turns a session buffer holds. Beyond the
// cap the oldest turns are dropped.
const DefaultBufferCap = 100

// DefaultFinalizeDeadline bounds how long Finalize may hold up the session
// close path.
const DefaultFinalizeDeadline = 30 * time.Second

// Categories lists the note categories the synthesizer may emit, in prompt
// order. Categories outside this set are dropped from LLM output.
var Categories = []string{"stocks", "investment", "trading", "research", "watchlist", "news"}

// synthesisPrompt is the system prompt for the notes-revision call.
const synthesisPrompt = `You maintain long-term notes about a user of a voice market-research assistant.
You are given the existing notes as a JSON object and the turns of the session that just ended.
Reply with ONLY a JSON object mapping categories to one short prose note each.
Allowed categories: stocks, investment, trading, research, watchlist, news.
Include only categories with something new to record; omitted categories keep their existing note.
Fold new observations into the existing note for every category you return.`

// Outcome classifies how a finalization ended. The value is recorded in the
// post-run log and in metrics.
type Outcome string

const (
	// OutcomeSaved means synthesized notes were written to the store.
	OutcomeSaved Outcome = "saved"

	// OutcomeSkippedEmpty means the session tracked no turns, so no LLM call
	// was made and nothing was written.
	OutcomeSkippedEmpty Outcome = "skipped_empty_buffer"

	// OutcomeLLMFailed means the synthesis call failed, timed out, or
	// returned an unparseable response; the write was skipped.
	OutcomeLLMFailed Outcome = "llm_failed"

	// OutcomeFailed means the store read or write failed.
	OutcomeFailed Outcome = "failed"
)

// TrackedTurn is one memory-relevant turn appended to a session buffer.
type TrackedTurn struct {
	// Query is the user's text for the turn.
	Query string

	// Intent is the classified intent name.
	Intent string

	// Symbols are the normalized ticker symbols of the turn.
	Symbols []string

	// Summary is a short description of what the turn produced.
	Summary string
}

// NotesStore is the slice of the persistence layer the manager needs.
type NotesStore interface {
	GetNotes(ctx context.Context, userID string) (map[string]string, error)
	SaveNotes(ctx context.Context, userID string, notes map[string]string) error
}

// ManagerConfig configures a [Manager].
type ManagerConfig struct {
	// Store reads and writes user_notes rows. Must not be nil.
	Store NotesStore

	// LLM produces the revised notes map. Must not be nil.
	LLM llm.Provider

	// Gate serializes the synthesis call with all other LLM traffic.
	// Must not be nil.
	Gate *gate.Gate

	// Logs writes the per-session post-run entries. Must not be nil.
	Logs *sessionlog.Logger

	// Logger receives operational events. Defaults to slog.Default().
	Logger *slog.Logger

	// BufferCap overrides DefaultBufferCap when positive.
	BufferCap int

	// FinalizeDeadline overrides DefaultFinalizeDeadline when positive.
	FinalizeDeadline time.Duration
}

// Manager creates session buffers and serializes same-user finalizations.
//
// All methods are safe for concurrent use.
type Manager struct {
	store NotesStore
	llm   llm.Provider
	gate  *gate.Gate
	logs  *sessionlog.Logger
	log   *slog.Logger

	// bufferCap and finalizeDeadline (nanoseconds) are atomics so SetTuning
	// can adjust them while sessions are live.
	bufferCap        atomic.Int64
	finalizeDeadline atomic.Int64

	mu    sync.Mutex
	users map[string]*sync.Mutex
}

// NewManager creates a new [Manager] with the given configuration.
func NewManager(cfg ManagerConfig) *Manager {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	bufferCap := cfg.BufferCap
	if bufferCap <= 0 {
		bufferCap = DefaultBufferCap
	}
	deadline := cfg.FinalizeDeadline
	if deadline <= 0 {
		deadline = DefaultFinalizeDeadline
	}
	m := &Manager{
		store: cfg.Store,
		llm:   cfg.LLM,
		gate:  cfg.Gate,
		logs:  cfg.Logs,
		log:   log,
		users: make(map[string]*sync.Mutex),
	}
	m.bufferCap.Store(int64(bufferCap))
	m.finalizeDeadline.Store(int64(deadline))
	return m
}

// SetTuning adjusts the buffer cap and finalize deadline at runtime. Values
// <= 0 leave the current setting unchanged.
func (m *Manager) SetTuning(bufferCap int, finalizeDeadline time.Duration) {
	if bufferCap > 0 {
		m.bufferCap.Store(int64(bufferCap))
	}
	if finalizeDeadline > 0 {
		m.finalizeDeadline.Store(int64(finalizeDeadline))
	}
}

// Session returns the memory buffer for one session.
func (m *Manager) Session(sessionID, userID string) *SessionMemory {
	return &SessionMemory{
		mgr:       m,
		sessionID: sessionID,
		userID:    userID,
	}
}

// userLock returns the finalization mutex for a user, creating it on first
// use. Locks are never removed; the per-user footprint is one mutex.
func (m *Manager) userLock(userID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.users[userID]
	if !ok {
		l = &sync.Mutex{}
		m.users[userID] = l
	}
	return l
}

// SessionMemory buffers one session's memory-relevant turns.
//
// All methods are safe for concurrent use.
type SessionMemory struct {
	mgr       *Manager
	sessionID string
	userID    string

	mu        sync.Mutex
	loaded    bool
	prior     map[string]string
	buffer    []TrackedTurn
	dropped   int
	finalized bool
	outcome   Outcome
}

// Load reads the user's notes row once and caches it. Idempotent; later
// calls return immediately. Track performs the same load lazily, so calling
// Load first is optional.
func (s *SessionMemory) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(ctx)
}

func (s *SessionMemory) loadLocked(ctx context.Context) error {
	if s.loaded {
		return nil
	}
	notes, err := s.mgr.store.GetNotes(ctx, s.userID)
	if err != nil {
		return fmt.Errorf("memory: load notes: %w", err)
	}
	s.prior = notes
	s.loaded = true
	return nil
}

// Notes returns a copy of the cached notes. Empty until Load succeeds.
func (s *SessionMemory) Notes() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.prior))
	for cat, note := range s.prior {
		out[cat] = note
	}
	return out
}

// Track appends one turn to the session buffer. The first call loads the
// user's notes row; a load failure is logged and retried on the next call,
// never losing the turn. Once the buffer is full the oldest turn is dropped.
func (s *SessionMemory) Track(ctx context.Context, turn TrackedTurn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finalized {
		s.mgr.log.Debug("turn tracked after finalize, dropping",
			"session_id", s.sessionID)
		return
	}

	if err := s.loadLocked(ctx); err != nil {
		s.mgr.log.Warn("notes load failed, buffering anyway",
			"session_id", s.sessionID,
			"user_id", s.userID,
			"error", err,
		)
	}

	s.buffer = append(s.buffer, turn)
	if len(s.buffer) > int(s.mgr.bufferCap.Load()) {
		copy(s.buffer, s.buffer[1:])
		s.buffer = s.buffer[:len(s.buffer)-1]
		s.dropped++
	}
}

// Len returns the number of buffered turns.
func (s *SessionMemory) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

// Finalize folds the buffered turns into the user's notes: one gated LLM
// call over the existing notes and the buffer, merge, upsert, post-run log
// entry. An empty buffer skips the call and the write. LLM failure or
// timeout skips the write. The whole path is bounded by the finalize
// deadline. Finalize runs at most once; repeat calls return the first
// outcome.
func (s *SessionMemory) Finalize(ctx context.Context) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finalized {
		return s.outcome, nil
	}
	s.finalized = true

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, time.Duration(s.mgr.finalizeDeadline.Load()))
	defer cancel()

	if len(s.buffer) == 0 {
		s.outcome = OutcomeSkippedEmpty
		s.postRun(s.prior, nil, start)
		s.mgr.log.Info("memory finalize skipped",
			"session_id", s.sessionID,
			"user_id", s.userID,
			"reason", "empty buffer",
		)
		return s.outcome, nil
	}

	userLock := s.mgr.userLock(s.userID)
	userLock.Lock()
	defer userLock.Unlock()

	// Re-read under the user lock so concurrent sessions of the same user
	// merge against each other's output instead of a stale snapshot.
	prior, err := s.mgr.store.GetNotes(ctx, s.userID)
	if err != nil {
		s.outcome = OutcomeFailed
		s.postRun(s.prior, nil, start)
		return s.outcome, fmt.Errorf("memory: finalize read: %w", err)
	}

	revised, err := s.synthesize(ctx, prior)
	if err != nil {
		s.outcome = OutcomeLLMFailed
		s.postRun(prior, nil, start)
		s.mgr.log.Warn("notes synthesis failed, skipping write",
			"session_id", s.sessionID,
			"user_id", s.userID,
			"error", err,
		)
		return s.outcome, err
	}

	merged, skipped := mergeNotes(prior, revised)
	if len(skipped) > 0 {
		s.mgr.log.Warn("synthesis returned unknown categories",
			"session_id", s.sessionID,
			"categories", skipped,
		)
	}

	if err := s.mgr.store.SaveNotes(ctx, s.userID, merged); err != nil {
		s.outcome = OutcomeFailed
		s.postRun(prior, merged, start)
		return s.outcome, fmt.Errorf("memory: finalize write: %w", err)
	}

	s.outcome = OutcomeSaved
	s.prior = merged
	s.postRun(prior, merged, start)
	s.mgr.log.Info("memory finalized",
		"session_id", s.sessionID,
		"user_id", s.userID,
		"turns", len(s.buffer),
		"dropped", s.dropped,
		"categories", len(merged),
	)
	return s.outcome, nil
}

// synthesize runs the gated LLM call and parses the revised notes map.
// Callers hold s.mu and the user lock.
func (s *SessionMemory) synthesize(ctx context.Context, prior map[string]string) (map[string]string, error) {
	input := buildSynthesisInput(prior, s.buffer)

	resp, err := gate.Do(ctx, s.mgr.gate, func(ctx context.Context) (*llm.CompletionResponse, error) {
		return s.mgr.llm.Complete(ctx, llm.CompletionRequest{
			SystemPrompt: synthesisPrompt,
			Messages: []types.Message{
				{Role: "user", Content: input},
			},
			Temperature: 0.3,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("memory: synthesis call: %w", err)
	}

	var content string
	if resp != nil {
		content = resp.Content
	}
	revised, err := parseNotes(content)
	if err != nil {
		return nil, fmt.Errorf("memory: synthesis response: %w", err)
	}
	return revised, nil
}

// postRun writes the post-run log entry. Callers hold s.mu.
func (s *SessionMemory) postRun(prior, merged map[string]string, start time.Time) {
	s.mgr.logs.PostRun(sessionlog.PostRunRecord{
		SessionID:  s.sessionID,
		UserID:     s.userID,
		PriorNotes: prior,
		NewNotes:   merged,
		Status:     string(s.outcome),
		Duration:   time.Since(start),
	})
}

// buildSynthesisInput formats the existing notes and the session buffer into
// the user message for the synthesis call.
func buildSynthesisInput(existing map[string]string, buffer []TrackedTurn) string {
	existingJSON, err := json.Marshal(existing)
	if err != nil {
		existingJSON = []byte("{}")
	}

	var sb strings.Builder
	sb.WriteString("Existing notes:\n")
	sb.Write(existingJSON)
	sb.WriteString("\n\nSession turns:\n")
	for i, turn := range buffer {
		fmt.Fprintf(&sb, "%d. [%s] %q", i+1, turn.Intent, turn.Query)
		if len(turn.Symbols) > 0 {
			fmt.Fprintf(&sb, " symbols=%s", strings.Join(turn.Symbols, ","))
		}
		if turn.Summary != "" {
			fmt.Fprintf(&sb, " result=%s", turn.Summary)
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

// parseNotes unmarshals the LLM output into a category map. It strips
// markdown code fences before parsing.
func parseNotes(content string) (map[string]string, error) {
	cleaned := stripMarkdown(content)

	var notes map[string]string
	if err := json.Unmarshal([]byte(cleaned), &notes); err != nil {
		return nil, fmt.Errorf("parse notes: %w", err)
	}
	return notes, nil
}

// stripMarkdown removes optional markdown code fences (```json ... ```) that
// some models prepend and append to JSON output.
func stripMarkdown(s string) string {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{"```json", "```"} {
		if after, ok := strings.CutPrefix(s, prefix); ok {
			s = after
			break
		}
	}
	if before, ok := strings.CutSuffix(s, "```"); ok {
		s = before
	}
	return strings.TrimSpace(s)
}

// mergeNotes overlays the revised categories onto the prior map. Unknown
// categories and empty notes are skipped, so an update never deletes a
// category it did not touch.
func mergeNotes(prior, revised map[string]string) (map[string]string, []string) {
	merged := make(map[string]string, len(prior)+len(revised))
	for cat, note := range prior {
		merged[cat] = note
	}

	var skipped []string
	for cat, note := range revised {
		note = strings.TrimSpace(note)
		if !knownCategory(cat) {
			skipped = append(skipped, cat)
			continue
		}
		if note == "" {
			continue
		}
		merged[cat] = note
	}
	return merged, skipped
}

func knownCategory(cat string) bool {
	for _, c := range Categories {
		if c == cat {
			return true
		}
	}
	return false
}
