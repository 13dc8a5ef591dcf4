// Package sessionlog writes the per-session audit trail.
//
// Every session gets a {session_id}.log transcript under the configured root
// directory: a header, one record per user query, LLM call, tool call, and
// agent response, and a footer on close. A separate {session_id}_post-run.log
// captures the memory-finalization attempt. Records are separated by a line
// of '=' and appended with an open-write-close per record, so everything
// written so far survives a crash.
//
// Logging is best-effort: write failures are reported to the component
// logger and never propagate to the turn that produced the record.
package sessionlog

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// DefaultToolOutputLimit caps how many bytes of a tool's output land in the
// transcript.
const DefaultToolOutputLimit = 8 * 1024

const separator = "================================================================================"

const timeLayout = time.RFC3339

// Option configures a Logger.
type Option func(*Logger)

// WithToolOutputLimit overrides the tool-output truncation limit.
func WithToolOutputLimit(n int) Option {
	return func(l *Logger) {
		if n > 0 {
			l.toolOutputLimit = n
		}
	}
}

// WithLogger sets the component logger used to report write failures.
func WithLogger(log *slog.Logger) Option {
	return func(l *Logger) { l.log = log }
}

// Logger creates per-session transcript writers under a root directory.
type Logger struct {
	root            string
	toolOutputLimit int
	log             *slog.Logger
}

// New creates the root directory if needed and returns a Logger.
func New(root string, opts ...Option) (*Logger, error) {
	l := &Logger{
		root:            root,
		toolOutputLimit: DefaultToolOutputLimit,
		log:             slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("sessionlog: create root: %w", err)
	}
	return l, nil
}

// Session returns the transcript writer for one session. The log file is
// created lazily on the first record so the header can carry the session's
// initial query.
func (l *Logger) Session(sessionID, userID, source string, startedAt time.Time) *SessionLog {
	return &SessionLog{
		logger:    l,
		path:      filepath.Join(l.root, sessionID+".log"),
		sessionID: sessionID,
		userID:    userID,
		source:    source,
		startedAt: startedAt,
	}
}

// SessionLog writes one session's transcript. All methods are safe for
// concurrent use; the mutex keeps a single writer per file.
type SessionLog struct {
	logger    *Logger
	path      string
	sessionID string
	userID    string
	source    string
	startedAt time.Time

	mu     sync.Mutex
	opened bool
	closed bool
}

// UserQuery records one user query. via tags how the query arrived
// ("voice" or "text").
func (s *SessionLog) UserQuery(text, via string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureHeader(text)

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] USER QUERY via=%s\n", now(), via)
	b.WriteString(text)
	b.WriteString("\n")
	s.appendRecord(b.String())
}

// LLMCall records one gated language-model call.
func (s *SessionLog) LLMCall(stage, model, prompt, response string, d time.Duration, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureHeader("")

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] LLM CALL stage=%s model=%s duration=%s status=%s\n", now(), stage, model, d.Round(time.Millisecond), status)
	b.WriteString("--- prompt ---\n")
	b.WriteString(prompt)
	b.WriteString("\n--- response ---\n")
	b.WriteString(response)
	b.WriteString("\n")
	s.appendRecord(b.String())
}

// ToolCall records one tool invocation. Output beyond the configured limit
// is truncated.
func (s *SessionLog) ToolCall(toolID, input, output string, d time.Duration, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureHeader("")

	trimmed, dropped := truncateUTF8(output, s.logger.toolOutputLimit)

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] TOOL CALL id=%s duration=%s status=%s\n", now(), toolID, d.Round(time.Millisecond), status)
	b.WriteString("--- input ---\n")
	b.WriteString(input)
	b.WriteString("\n--- output ---\n")
	b.WriteString(trimmed)
	if dropped > 0 {
		fmt.Fprintf(&b, "\n[truncated %d bytes]", dropped)
	}
	b.WriteString("\n")
	s.appendRecord(b.String())
}

// Response records one agent response.
func (s *SessionLog) Response(text, sentiment string, insights []string, total time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureHeader("")

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] RESPONSE sentiment=%s processing=%s\n", now(), sentiment, total.Round(time.Millisecond))
	b.WriteString(text)
	b.WriteString("\n")
	if len(insights) > 0 {
		b.WriteString("insights:\n")
		for _, in := range insights {
			fmt.Fprintf(&b, "  - %s\n", in)
		}
	}
	s.appendRecord(b.String())
}

// Close writes the footer. Further records are dropped.
func (s *SessionLog) Close(cause string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.ensureHeader("")

	ended := time.Now().UTC()
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] SESSION END cause=%s duration=%s\n",
		ended.Format(timeLayout), cause, ended.Sub(s.startedAt).Round(time.Millisecond))
	s.appendRecord(b.String())
	s.closed = true
}

// ensureHeader writes the session header once, on the first record.
// initialQuery is non-empty only when the first record is a user query.
// Callers hold s.mu.
func (s *SessionLog) ensureHeader(initialQuery string) {
	if s.opened || s.closed {
		return
	}
	s.opened = true

	if initialQuery == "" {
		initialQuery = "-"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "SESSION %s\n", s.sessionID)
	fmt.Fprintf(&b, "user:    %s\n", s.userID)
	fmt.Fprintf(&b, "source:  %s\n", s.source)
	fmt.Fprintf(&b, "started: %s\n", s.startedAt.UTC().Format(timeLayout))
	fmt.Fprintf(&b, "query:   %s\n", initialQuery)
	s.appendRecord(b.String())
}

// appendRecord appends one record plus the separator line and closes the
// file again. Callers hold s.mu.
func (s *SessionLog) appendRecord(record string) {
	if s.closed {
		return
	}
	if err := appendFile(s.path, record+separator+"\n"); err != nil {
		s.logger.log.Warn("session log write failed", "session_id", s.sessionID, "err", err)
	}
}

// PostRunRecord describes one memory-finalization attempt.
type PostRunRecord struct {
	SessionID  string
	UserID     string
	PriorNotes map[string]string
	NewNotes   map[string]string
	Status     string
	Duration   time.Duration
}

// PostRun writes {session_id}_post-run.log in one shot.
func (l *Logger) PostRun(rec PostRunRecord) {
	var b strings.Builder
	fmt.Fprintf(&b, "POST-RUN %s\n", rec.SessionID)
	fmt.Fprintf(&b, "user:     %s\n", rec.UserID)
	fmt.Fprintf(&b, "when:     %s\n", now())
	fmt.Fprintf(&b, "status:   %s\n", rec.Status)
	fmt.Fprintf(&b, "duration: %s\n", rec.Duration.Round(time.Millisecond))
	b.WriteString(separator + "\n")

	b.WriteString("prior notes:\n")
	writeNotes(&b, rec.PriorNotes)
	b.WriteString(separator + "\n")

	b.WriteString("new notes:\n")
	writeNotes(&b, rec.NewNotes)
	b.WriteString(separator + "\n")

	b.WriteString("diff:\n")
	writeNotesDiff(&b, rec.PriorNotes, rec.NewNotes)
	b.WriteString(separator + "\n")

	path := filepath.Join(l.root, rec.SessionID+"_post-run.log")
	if err := appendFile(path, b.String()); err != nil {
		l.log.Warn("post-run log write failed", "session_id", rec.SessionID, "err", err)
	}
}

// writeNotes renders a category map with sorted categories.
func writeNotes(b *strings.Builder, notes map[string]string) {
	if len(notes) == 0 {
		b.WriteString("  (none)\n")
		return
	}
	for _, cat := range sortedKeys(notes) {
		fmt.Fprintf(b, "  %s: %s\n", cat, notes[cat])
	}
}

// writeNotesDiff renders per-category changes: + added, ~ revised, = kept.
func writeNotesDiff(b *strings.Builder, prior, next map[string]string) {
	categories := map[string]bool{}
	for cat := range prior {
		categories[cat] = true
	}
	for cat := range next {
		categories[cat] = true
	}
	if len(categories) == 0 {
		b.WriteString("  (none)\n")
		return
	}
	for _, cat := range sortedKeys(categories) {
		before, hadBefore := prior[cat]
		after, hasAfter := next[cat]
		switch {
		case !hadBefore && hasAfter:
			fmt.Fprintf(b, "  + %s\n", cat)
		case hadBefore && !hasAfter:
			fmt.Fprintf(b, "  - %s\n", cat)
		case before == after:
			fmt.Fprintf(b, "  = %s\n", cat)
		default:
			fmt.Fprintf(b, "  ~ %s\n", cat)
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// truncateUTF8 cuts s to at most limit bytes without splitting a rune,
// returning the kept prefix and the number of bytes dropped.
func truncateUTF8(s string, limit int) (string, int) {
	if len(s) <= limit {
		return s, 0
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut], len(s) - cut
}

// appendFile appends data with an open-write-close so each record reaches
// the file system before the caller moves on.
func appendFile(path, data string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("sessionlog: open: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(data); err != nil {
		return fmt.Errorf("sessionlog: write: %w", err)
	}
	return nil
}

func now() string {
	return time.Now().UTC().Format(timeLayout)
}
