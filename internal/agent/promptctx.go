package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/marketvox/marketvox/internal/store"
	"github.com/marketvox/marketvox/pkg/provider/embeddings"
)

const (
	// defaultRecentTurns bounds how much short-term history enters prompts.
	defaultRecentTurns = 10

	// defaultRecallTopK bounds the semantic-recall matches fetched per turn.
	defaultRecallTopK = 3

	// recallSnippetChars caps each recalled message inside a prompt.
	recallSnippetChars = 200
)

// HistoryStore is the slice of the persistence layer the assembler reads.
type HistoryStore interface {
	RecentMessages(ctx context.Context, sessionID string, limit int) ([]store.StoredMessage, error)
	SimilarMessages(ctx context.Context, userID string, embedding []float32, topK int) ([]store.MessageMatch, error)
}

// PromptContext is everything a turn's LLM calls know beyond the current
// query: short-term history, semantically recalled past exchanges, and the
// user's long-term notes.
type PromptContext struct {
	Recent           []store.StoredMessage
	Recall           []store.MessageMatch
	Notes            map[string]string
	AssemblyDuration time.Duration
}

// AssemblerOption configures an Assembler.
type AssemblerOption func(*Assembler)

// WithEmbedder enables semantic recall. Without one, assembly skips recall
// entirely.
func WithEmbedder(p embeddings.Provider) AssemblerOption {
	return func(a *Assembler) { a.embedder = p }
}

// WithRecentTurns overrides how many recent messages are fetched.
func WithRecentTurns(n int) AssemblerOption {
	return func(a *Assembler) {
		if n > 0 {
			a.recentTurns = n
		}
	}
}

// WithRecallTopK overrides how many similar past messages are fetched.
func WithRecallTopK(n int) AssemblerOption {
	return func(a *Assembler) {
		if n > 0 {
			a.recallTopK = n
		}
	}
}

// WithLogger sets the assembler's logger.
func WithLogger(log *slog.Logger) AssemblerOption {
	return func(a *Assembler) { a.log = log }
}

// Assembler gathers prompt context concurrently. Every component is
// best-effort: a failed read is logged and its slot left empty, so a storage
// or embedding blip degrades the prompt instead of killing the turn.
type Assembler struct {
	history     HistoryStore
	embedder    embeddings.Provider
	log         *slog.Logger
	recentTurns int
	recallTopK  int
}

// NewAssembler creates an Assembler over the given history store.
func NewAssembler(history HistoryStore, opts ...AssemblerOption) *Assembler {
	a := &Assembler{
		history:     history,
		log:         slog.Default(),
		recentTurns: defaultRecentTurns,
		recallTopK:  defaultRecallTopK,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Assemble fetches recent history and semantic recall in parallel and pairs
// them with the caller's notes snapshot. Recall matches that are already in
// the recent window are dropped.
func (a *Assembler) Assemble(ctx context.Context, sessionID, userID, query string, notes map[string]string) *PromptContext {
	start := time.Now()
	pc := &PromptContext{Notes: notes}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		recent, err := a.history.RecentMessages(gctx, sessionID, a.recentTurns)
		if err != nil {
			a.log.Warn("recent history unavailable",
				"session_id", sessionID, "error", err)
			return nil
		}
		pc.Recent = recent
		return nil
	})

	if a.embedder != nil && strings.TrimSpace(query) != "" {
		g.Go(func() error {
			vec, err := a.embedder.Embed(gctx, query)
			if err != nil {
				a.log.Warn("recall embedding failed",
					"session_id", sessionID, "error", err)
				return nil
			}
			matches, err := a.history.SimilarMessages(gctx, userID, vec, a.recallTopK)
			if err != nil {
				a.log.Warn("recall lookup failed",
					"session_id", sessionID, "error", err)
				return nil
			}
			pc.Recall = matches
			return nil
		})
	}

	_ = g.Wait()

	pc.Recall = dropRecentMatches(pc.Recall, pc.Recent)
	pc.AssemblyDuration = time.Since(start)
	return pc
}

// dropRecentMatches removes recall matches already present in the recent
// window, keyed by (session, sequence).
func dropRecentMatches(matches []store.MessageMatch, recent []store.StoredMessage) []store.MessageMatch {
	if len(matches) == 0 || len(recent) == 0 {
		return matches
	}
	seen := make(map[string]struct{}, len(recent))
	for _, m := range recent {
		seen[fmt.Sprintf("%s/%d", m.SessionID, m.Sequence)] = struct{}{}
	}
	kept := matches[:0]
	for _, match := range matches {
		key := fmt.Sprintf("%s/%d", match.Message.SessionID, match.Message.Sequence)
		if _, ok := seen[key]; ok {
			continue
		}
		kept = append(kept, match)
	}
	return kept
}

// promptBlock renders the context as prompt text. Empty components are
// omitted so a cold session contributes nothing but the query.
func (pc *PromptContext) promptBlock() string {
	var b strings.Builder

	if len(pc.Notes) > 0 {
		b.WriteString("Long-term notes about this user:\n")
		cats := make([]string, 0, len(pc.Notes))
		for cat := range pc.Notes {
			cats = append(cats, cat)
		}
		sort.Strings(cats)
		for _, cat := range cats {
			fmt.Fprintf(&b, "- %s: %s\n", cat, pc.Notes[cat])
		}
		b.WriteString("\n")
	}

	if len(pc.Recent) > 0 {
		b.WriteString("Recent conversation:\n")
		for _, m := range pc.Recent {
			fmt.Fprintf(&b, "%s: %s\n", m.Role, trimTo(m.Content, recallSnippetChars))
		}
		b.WriteString("\n")
	}

	if len(pc.Recall) > 0 {
		b.WriteString("Related past exchanges:\n")
		for _, match := range pc.Recall {
			fmt.Fprintf(&b, "- %s\n", trimTo(match.Message.Content, recallSnippetChars))
		}
		b.WriteString("\n")
	}

	return b.String()
}

// trimTo truncates s to at most n runes, marking the cut with an ellipsis.
func trimTo(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
