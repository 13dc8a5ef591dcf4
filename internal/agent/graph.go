// Package agent runs the per-turn pipeline of the assistant: intent
// analysis, checklist planning, parallel evidence fetch, join, response
// generation, and memory tracking.
//
// A Graph is bound to one session. Turns are serialized; the session layer
// owns transcription, persistence and speech emission, the graph owns
// everything between the transcript text and the answer payload. Every LLM
// call goes through the process-wide gate. Failures degrade by stage: a
// failed intent call yields a canned reply, failed tools are recorded as
// evidence failures, and a failed response call falls back to the best
// snippet fetched. Only context cancellation aborts a turn outright.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/marketvox/marketvox/internal/gate"
	"github.com/marketvox/marketvox/internal/memory"
	"github.com/marketvox/marketvox/internal/sessionlog"
	"github.com/marketvox/marketvox/internal/tools"
	"github.com/marketvox/marketvox/pkg/provider/llm"
	"github.com/marketvox/marketvox/pkg/types"
)

// Stage budgets. The turn deadline covers the whole pipeline; every tool
// call shares the tool deadline; the join deadline bounds how long the turn
// waits for checklist stragglers.
const (
	DefaultTurnDeadline = 120 * time.Second
	DefaultToolDeadline = 90 * time.Second
	DefaultJoinDeadline = 120 * time.Second
)

const (
	intentTemperature = 0.1
	intentMaxTokens   = 512

	responseTemperature = 0.4
	responseMaxTokens   = 800
)

// ErrEmptyUtterance rejects turns with no text.
var ErrEmptyUtterance = errors.New("agent: empty utterance")

// ToolInvoker dispatches one tool call. Implemented by the tool registry.
type ToolInvoker interface {
	Invoke(ctx context.Context, toolID string, input json.RawMessage) tools.Result
}

// SessionMemory is the slice of the memory layer a turn touches.
type SessionMemory interface {
	Load(ctx context.Context) error
	Notes() map[string]string
	Track(ctx context.Context, turn memory.TrackedTurn)
}

// TurnLog receives the per-call transcript records a turn produces.
type TurnLog interface {
	LLMCall(stage, model, prompt, response string, d time.Duration, status string)
	ToolCall(toolID, input, output string, d time.Duration, status string)
}

var (
	_ ToolInvoker   = (*tools.Registry)(nil)
	_ SessionMemory = (*memory.SessionMemory)(nil)
	_ TurnLog       = (*sessionlog.SessionLog)(nil)
)

// GraphConfig binds a Graph to one session.
type GraphConfig struct {
	// SessionID and UserID identify the session the graph serves.
	SessionID string
	UserID    string

	// LLM answers the gated intent and response calls. Must not be nil.
	LLM llm.Provider

	// Gate serializes LLM calls process-wide. Must not be nil.
	Gate *gate.Gate

	// Tools dispatches tool calls. Must not be nil.
	Tools ToolInvoker

	// Tickers resolves spoken company names to symbols. Must not be nil.
	Tickers *TickerMap

	// Assembler gathers prompt context. Must not be nil.
	Assembler *Assembler

	// Memory buffers memory-relevant turns. Optional; nil disables tracking.
	Memory SessionMemory

	// Log receives transcript records. Optional.
	Log TurnLog

	// Logger receives operational events. Defaults to slog.Default().
	Logger *slog.Logger

	// MinResults overrides the per-item research minimum when positive.
	MinResults int

	// TurnDeadline, ToolDeadline and JoinDeadline override the stage budgets
	// when positive.
	TurnDeadline time.Duration
	ToolDeadline time.Duration
	JoinDeadline time.Duration
}

// Graph executes turns for one session.
//
// RunTurn is safe for concurrent use; concurrent turns serialize in arrival
// order.
type Graph struct {
	sessionID string
	userID    string

	llm       llm.Provider
	gate      *gate.Gate
	tools     ToolInvoker
	tickers   *TickerMap
	assembler *Assembler
	memory    SessionMemory
	turnLog   TurnLog
	log       *slog.Logger

	minResults   int
	turnDeadline time.Duration
	toolDeadline time.Duration
	joinDeadline time.Duration

	mu sync.Mutex
}

// NewGraph validates the configuration and builds a session graph.
func NewGraph(cfg GraphConfig) (*Graph, error) {
	var errs []error
	if cfg.SessionID == "" {
		errs = append(errs, errors.New("session id is required"))
	}
	if cfg.UserID == "" {
		errs = append(errs, errors.New("user id is required"))
	}
	if cfg.LLM == nil {
		errs = append(errs, errors.New("llm provider is required"))
	}
	if cfg.Gate == nil {
		errs = append(errs, errors.New("gate is required"))
	}
	if cfg.Tools == nil {
		errs = append(errs, errors.New("tool invoker is required"))
	}
	if cfg.Tickers == nil {
		errs = append(errs, errors.New("ticker map is required"))
	}
	if cfg.Assembler == nil {
		errs = append(errs, errors.New("assembler is required"))
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("agent: invalid config: %w", errors.Join(errs...))
	}

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	g := &Graph{
		sessionID:    cfg.SessionID,
		userID:       cfg.UserID,
		llm:          cfg.LLM,
		gate:         cfg.Gate,
		tools:        cfg.Tools,
		tickers:      cfg.Tickers,
		assembler:    cfg.Assembler,
		memory:       cfg.Memory,
		turnLog:      cfg.Log,
		log:          log.With("component", "agent", "session_id", cfg.SessionID),
		minResults:   tools.DefaultMinResults,
		turnDeadline: DefaultTurnDeadline,
		toolDeadline: DefaultToolDeadline,
		joinDeadline: DefaultJoinDeadline,
	}
	if cfg.MinResults > 0 {
		g.minResults = cfg.MinResults
	}
	if cfg.TurnDeadline > 0 {
		g.turnDeadline = cfg.TurnDeadline
	}
	if cfg.ToolDeadline > 0 {
		g.toolDeadline = cfg.ToolDeadline
	}
	if cfg.JoinDeadline > 0 {
		g.joinDeadline = cfg.JoinDeadline
	}
	return g, nil
}

// TurnResult is everything one turn produced.
type TurnResult struct {
	// Response is the spoken answer text.
	Response string

	// Sentiment is positive, neutral or negative.
	Sentiment string

	// KeyInsights are at most five short evidence-backed statements.
	KeyInsights []string

	// Intents and Symbols are the normalized turn classification.
	Intents []Intent
	Symbols []string

	// Checklist is the planned sub-queries with their final status.
	Checklist []ChecklistItem

	// Evidence is the joined bundle the response was generated from.
	Evidence Bundle

	// Watchlist is the post-operation snapshot when the turn ran a watchlist
	// action; HadWatchlist distinguishes an empty list from no action.
	Watchlist    []string
	HadWatchlist bool

	// ProcessingTime is the wall time of the whole turn.
	ProcessingTime time.Duration
}

// RunTurn executes one turn over the transcribed text. The only error cases
// are an empty utterance and context cancellation; every other failure
// degrades into a speakable result.
func (g *Graph) RunTurn(ctx context.Context, text string) (*TurnResult, error) {
	start := time.Now()

	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyUtterance
	}

	ctx, cancel := context.WithTimeout(ctx, g.turnDeadline)
	defer cancel()

	g.mu.Lock()
	defer g.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("agent: turn aborted: %w", err)
	}

	var notes map[string]string
	if g.memory != nil {
		if err := g.memory.Load(ctx); err != nil {
			g.log.Warn("notes unavailable for this turn", "error", err)
		}
		notes = g.memory.Notes()
	}

	pctx := g.assembler.Assemble(ctx, g.sessionID, g.userID, text, notes)
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("agent: turn aborted: %w", err)
	}

	intents, err := g.analyzeIntents(ctx, text, pctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("agent: turn aborted: %w", ctx.Err())
		}
		g.log.Warn("intent analysis failed, answering with canned response", "error", err)
		return &TurnResult{
			Response:       cannedUnknownResponse,
			Sentiment:      "neutral",
			Intents:        []Intent{{Tag: IntentUnknown}},
			ProcessingTime: time.Since(start),
		}, nil
	}
	symbols := collectSymbols(intents)

	items := buildChecklist(intents, text, g.minResults)

	out := g.fetchEvidence(ctx, intents, items)
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("agent: turn aborted: %w", err)
	}

	payload, err := g.generateResponse(ctx, text, intents, out, pctx)
	if err != nil {
		return nil, fmt.Errorf("agent: turn aborted: %w", err)
	}

	g.trackTurn(ctx, text, intents, symbols, payload.Response)

	res := &TurnResult{
		Response:       payload.Response,
		Sentiment:      payload.Sentiment,
		KeyInsights:    payload.KeyInsights,
		Intents:        intents,
		Symbols:        symbols,
		Checklist:      out.checklist,
		Evidence:       out.bundle,
		Watchlist:      out.watchlist,
		HadWatchlist:   out.hadWatchlist,
		ProcessingTime: time.Since(start),
	}

	g.log.Info("turn complete",
		"intents", intentTags(intents),
		"symbols", len(symbols),
		"checklist", len(res.Checklist),
		"citations", len(res.Evidence.Citations),
		"partial", res.Evidence.Partial,
		"duration", res.ProcessingTime.Round(time.Millisecond),
	)
	return res, nil
}

// completeGated runs one LLM call under the gate and records it in the
// session transcript. The gate applies the per-call timeout.
func (g *Graph) completeGated(ctx context.Context, stage, system, user string, temperature float64, maxTokens int) (string, error) {
	start := time.Now()

	resp, err := gate.Do(ctx, g.gate, func(ctx context.Context) (*llm.CompletionResponse, error) {
		return g.llm.Complete(ctx, llm.CompletionRequest{
			SystemPrompt: system,
			Messages:     []types.Message{{Role: "user", Content: user}},
			Temperature:  temperature,
			MaxTokens:    maxTokens,
		})
	})
	d := time.Since(start)

	var content string
	if resp != nil {
		content = resp.Content
	}
	if g.turnLog != nil {
		status := tools.StatusOK
		record := content
		if err != nil {
			status = tools.StatusError
			record = err.Error()
		}
		g.turnLog.LLMCall(stage, g.llm.Model(), user, record, d, status)
	}
	if err != nil {
		return "", fmt.Errorf("agent: %s call: %w", stage, err)
	}
	return content, nil
}

// invokeTool dispatches one tool call and records it in the transcript.
func (g *Graph) invokeTool(ctx context.Context, toolID string, input json.RawMessage) tools.Result {
	res := g.tools.Invoke(ctx, toolID, input)

	if g.turnLog != nil {
		output := string(res.Output)
		if output == "" && res.Err != nil {
			output = res.Err.Error()
		}
		g.turnLog.ToolCall(toolID, string(input), output, res.Duration, res.Status)
	}
	if res.Status != tools.StatusOK {
		g.log.Warn("tool call failed",
			"tool", toolID, "status", res.Status, "error", res.Err)
	}
	return res
}

// trackTurn buffers the turn for memory finalization. Chat and unknown-only
// turns are not memory-relevant.
func (g *Graph) trackTurn(ctx context.Context, text string, intents []Intent, symbols []string, response string) {
	if g.memory == nil {
		return
	}
	primary := ""
	for _, in := range intents {
		if in.Tag != IntentChat && in.Tag != IntentUnknown {
			primary = in.Tag
			break
		}
	}
	if primary == "" {
		return
	}
	g.memory.Track(ctx, memory.TrackedTurn{
		Query:   text,
		Intent:  primary,
		Symbols: symbols,
		Summary: firstSentence(response),
	})
}

// firstSentence trims a response to a short buffer summary.
func firstSentence(text string) string {
	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return trimTo(strings.TrimSpace(text), 160)
	}
	return trimTo(sentences[0], 160)
}

func intentTags(intents []Intent) []string {
	tags := make([]string, len(intents))
	for i, in := range intents {
		tags[i] = in.Tag
	}
	return tags
}
