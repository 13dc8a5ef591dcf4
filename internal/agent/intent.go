package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// Intent tags the analyzer may emit. A turn can carry several.
const (
	IntentPriceCheck = "price_check"
	IntentNewsSearch = "news_search"
	IntentResearch   = "research"
	IntentComparison = "comparison"
	IntentWatchlist  = "watchlist"
	IntentChat       = "chat"
	IntentUnknown    = "unknown"
)

// MaxSymbolsPerTurn caps the distinct tickers one turn may target. Extra
// symbols are dropped with a warning rather than failing the turn.
const MaxSymbolsPerTurn = 10

// errNoIntents reports that the analyzer output contained nothing usable.
var errNoIntents = errors.New("agent: no usable intents")

var validIntents = map[string]struct{}{
	IntentPriceCheck: {},
	IntentNewsSearch: {},
	IntentResearch:   {},
	IntentComparison: {},
	IntentWatchlist:  {},
	IntentChat:       {},
	IntentUnknown:    {},
}

var validWatchlistActions = map[string]struct{}{
	"add":    {},
	"remove": {},
	"view":   {},
}

// Intent is one classified request within a turn.
type Intent struct {
	// Tag is one of the Intent* constants.
	Tag string `json:"intent"`

	// Symbols are canonical tickers, resolved and capped per turn.
	Symbols []string `json:"symbols,omitempty"`

	// Keywords are search terms for news and research intents.
	Keywords []string `json:"keywords,omitempty"`

	// Action is set for watchlist intents: add, remove or view.
	Action string `json:"action,omitempty"`
}

const intentPrompt = `You are the intent analyzer of a voice market-research assistant.
Classify the user's request into one or more intents.

Valid intents: price_check, news_search, research, comparison, watchlist, chat.

Reply with ONLY a JSON array. Each element:
{"intent": "<tag>", "symbols": ["<TICKER>", ...], "keywords": ["<term>", ...], "action": "<add|remove|view>"}

Rules:
- symbols: the stock tickers the request refers to, uppercase. Map company names to tickers ("apple" -> "AAPL").
- keywords: search terms, only for news_search and research intents.
- action: only for watchlist intents.
- Use comparison when the user asks to weigh two or more symbols against each other.
- Use chat for greetings, small talk, and anything that needs no market data.`

// analyzeIntents runs the gated intent call and normalizes its output.
// Errors mean the turn degrades to unknown: LLM failure, unparseable output,
// or output with no usable intents.
func (g *Graph) analyzeIntents(ctx context.Context, text string, pctx *PromptContext) ([]Intent, error) {
	input := buildIntentInput(text, pctx)

	content, err := g.completeGated(ctx, "intent", intentPrompt, input, intentTemperature, intentMaxTokens)
	if err != nil {
		return nil, err
	}

	raw, err := parseIntents(content)
	if err != nil {
		return nil, err
	}

	intents := g.normalizeIntents(raw)
	if len(intents) == 0 {
		return nil, errNoIntents
	}
	return intents, nil
}

// buildIntentInput pairs the prompt context with the query.
func buildIntentInput(text string, pctx *PromptContext) string {
	var b strings.Builder
	if pctx != nil {
		b.WriteString(pctx.promptBlock())
	}
	fmt.Fprintf(&b, "User request: %q", text)
	return b.String()
}

// parseIntents reads the analyzer's JSON. Models drift, so parsing is
// deliberately tolerant: markdown fences, stray control characters and
// trailing commas are stripped, and both a bare array and an {"intents":
// [...]} wrapper are accepted.
func parseIntents(content string) ([]Intent, error) {
	cleaned := sanitizeJSON(content)
	if cleaned == "" {
		return nil, fmt.Errorf("agent: empty intent response")
	}

	var intents []Intent
	if err := json.Unmarshal([]byte(cleaned), &intents); err == nil {
		return intents, nil
	}

	var wrapped struct {
		Intents []Intent `json:"intents"`
	}
	if err := json.Unmarshal([]byte(cleaned), &wrapped); err == nil && wrapped.Intents != nil {
		return wrapped.Intents, nil
	}

	var single Intent
	if err := json.Unmarshal([]byte(cleaned), &single); err == nil && single.Tag != "" {
		return []Intent{single}, nil
	}

	return nil, fmt.Errorf("agent: intent response is not JSON")
}

// sanitizeJSON prepares model output for json.Unmarshal: markdown fences and
// non-printable characters go, and commas dangling before a closing brace or
// bracket are dropped. String contents are left alone.
func sanitizeJSON(s string) string {
	s = stripFences(s)
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(removeTrailingCommas(s))
}

// stripFences removes a leading ```json or ``` fence and a trailing ```.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{"```json", "```"} {
		if after, ok := strings.CutPrefix(s, prefix); ok {
			s = after
			break
		}
	}
	if before, ok := strings.CutSuffix(strings.TrimSpace(s), "```"); ok {
		s = before
	}
	return strings.TrimSpace(s)
}

// removeTrailingCommas drops commas whose next non-space character closes an
// object or array. It tracks string state so commas inside values survive.
func removeTrailingCommas(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			b.WriteByte(c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
			b.WriteByte(c)
		case ',':
			j := i + 1
			for j < len(s) && (s[j] == ' ' || s[j] == '\n' || s[j] == '\t' || s[j] == '\r') {
				j++
			}
			if j < len(s) && (s[j] == '}' || s[j] == ']') {
				continue
			}
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// normalizeIntents validates tags, resolves symbols via the ticker map, and
// enforces the per-turn symbol cap. Unresolvable symbols and unknown tags are
// dropped with a warning; the turn keeps going with what remains.
func (g *Graph) normalizeIntents(raw []Intent) []Intent {
	turnSymbols := make(map[string]struct{})
	droppedSymbols := 0

	var out []Intent
	for _, in := range raw {
		tag := strings.ToLower(strings.TrimSpace(in.Tag))
		if _, ok := validIntents[tag]; !ok {
			g.log.Warn("dropping intent with unknown tag", "tag", in.Tag)
			continue
		}

		norm := Intent{Tag: tag}

		seen := make(map[string]struct{}, len(in.Symbols))
		for _, rawSym := range in.Symbols {
			sym, ok := g.tickers.Resolve(rawSym)
			if !ok {
				g.log.Warn("dropping unresolvable symbol", "symbol", rawSym)
				continue
			}
			if _, dup := seen[sym]; dup {
				continue
			}
			if _, counted := turnSymbols[sym]; !counted {
				if len(turnSymbols) >= MaxSymbolsPerTurn {
					droppedSymbols++
					continue
				}
				turnSymbols[sym] = struct{}{}
			}
			seen[sym] = struct{}{}
			norm.Symbols = append(norm.Symbols, sym)
		}

		for _, kw := range in.Keywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw != "" {
				norm.Keywords = append(norm.Keywords, kw)
			}
		}

		if tag == IntentWatchlist {
			action := strings.ToLower(strings.TrimSpace(in.Action))
			if _, ok := validWatchlistActions[action]; !ok {
				g.log.Warn("watchlist intent with unknown action, treating as view",
					"action", in.Action)
				action = "view"
			}
			norm.Action = action
		}

		out = append(out, norm)
	}

	if droppedSymbols > 0 {
		g.log.Warn("turn symbol cap reached, extra symbols dropped",
			"cap", MaxSymbolsPerTurn, "dropped", droppedSymbols)
	}
	return out
}

// collectSymbols flattens the distinct symbols of a turn, preserving
// first-seen order.
func collectSymbols(intents []Intent) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, in := range intents {
		for _, sym := range in.Symbols {
			if _, ok := seen[sym]; ok {
				continue
			}
			seen[sym] = struct{}{}
			out = append(out, sym)
		}
	}
	return out
}
