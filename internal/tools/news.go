package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"golang.org/x/sync/errgroup"

	"github.com/marketvox/marketvox/pkg/provider/marketdata"
	"github.com/marketvox/marketvox/pkg/types"
)

// NewsToolName identifies the market news tool.
const NewsToolName = "get_market_news"

const (
	defaultNewsTTL     = 10 * time.Minute
	defaultNewsTimeout = 15 * time.Second

	defaultNewsLimit = 10
	maxNewsLimit     = 50
)

// NewsInput selects headlines by symbol, topic or both. Empty symbols means
// general market news.
type NewsInput struct {
	Symbols []string `json:"symbols,omitempty"`
	Topics  []string `json:"topics,omitempty"`
	Limit   int      `json:"limit,omitempty"`
}

// NewsArticle is one headline in the tool output.
type NewsArticle struct {
	Headline    string    `json:"headline"`
	Summary     string    `json:"summary,omitempty"`
	Source      string    `json:"source"`
	URL         string    `json:"url,omitempty"`
	Symbol      string    `json:"symbol,omitempty"`
	PublishedAt time.Time `json:"published_at"`
	Sentiment   string    `json:"sentiment"`
}

// NewsOutput carries the matched headlines, newest first.
type NewsOutput struct {
	Articles []NewsArticle `json:"articles"`
}

// NewsTool fetches recent headlines and tags each with a coarse sentiment.
// Topic filtering happens client side since the backend only filters by
// symbol.
type NewsTool struct {
	provider marketdata.Provider
	settings toolSettings
}

var _ Tool = (*NewsTool)(nil)

// NewNewsTool wraps a market data provider as a registry tool.
func NewNewsTool(provider marketdata.Provider, opts ...Option) *NewsTool {
	t := &NewsTool{
		provider: provider,
		settings: toolSettings{ttl: defaultNewsTTL, timeout: defaultNewsTimeout},
	}
	for _, opt := range opts {
		opt(&t.settings)
	}
	return t
}

func (t *NewsTool) Definition() types.ToolDefinition {
	return types.ToolDefinition{
		Name:        NewsToolName,
		Description: "Get recent market news headlines, optionally filtered by ticker symbols and topics. Each article is tagged positive, negative or neutral.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"symbols": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Ticker symbols to fetch news for. Omit for general market news.",
				},
				"topics": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Keywords an article must mention, e.g. [\"earnings\", \"ai\"].",
				},
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum articles to return. Defaults to 10.",
				},
			},
		},
		Idempotent: true,
	}
}

func (t *NewsTool) TTL() time.Duration     { return t.settings.ttl }
func (t *NewsTool) Timeout() time.Duration { return t.settings.timeout }

func (t *NewsTool) Invoke(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	var in NewsInput
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	if err := t.validate(&in); err != nil {
		return nil, err
	}
	symbols := normalizeSymbols(in.Symbols)
	if len(symbols) == 0 {
		// General market news is a single query with the empty symbol.
		symbols = []string{""}
	}

	perSymbol := make([][]marketdata.NewsItem, len(symbols))
	g, gctx := errgroup.WithContext(ctx)
	for i, sym := range symbols {
		g.Go(func() error {
			items, err := t.provider.News(gctx, sym, in.Limit)
			if err != nil {
				return Transient(fmt.Errorf("news %q: %w", sym, err))
			}
			perSymbol[i] = items
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var merged []marketdata.NewsItem
	seen := make(map[string]struct{})
	for _, items := range perSymbol {
		for _, item := range items {
			key := item.ID
			if key == "" {
				key = item.URL
			}
			if key == "" {
				key = item.Headline
			}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			merged = append(merged, item)
		}
	}
	merged = filterByTopics(merged, in.Topics)
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].PublishedAt.After(merged[j].PublishedAt)
	})
	if len(merged) > in.Limit {
		merged = merged[:in.Limit]
	}

	out := NewsOutput{Articles: make([]NewsArticle, 0, len(merged))}
	for _, item := range merged {
		out.Articles = append(out.Articles, NewsArticle{
			Headline:    item.Headline,
			Summary:     item.Summary,
			Source:      item.Source,
			URL:         item.URL,
			Symbol:      item.Symbol,
			PublishedAt: item.PublishedAt,
			Sentiment:   scoreSentiment(item.Headline + " " + item.Summary),
		})
	}
	return json.Marshal(out)
}

func (t *NewsTool) validate(in *NewsInput) error {
	var errs []error
	if in.Limit < 0 {
		errs = append(errs, fmt.Errorf("limit must not be negative, got %d", in.Limit))
	}
	if in.Limit > maxNewsLimit {
		errs = append(errs, fmt.Errorf("limit must be at most %d, got %d", maxNewsLimit, in.Limit))
	}
	if len(in.Symbols) > maxSymbolsPerCall {
		errs = append(errs, fmt.Errorf("at most %d symbols per call, got %d", maxSymbolsPerCall, len(in.Symbols)))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrValidation, errors.Join(errs...))
	}
	if in.Limit == 0 {
		in.Limit = defaultNewsLimit
	}
	return nil
}

// filterByTopics keeps articles that mention at least one topic in their
// headline or summary. No topics keeps everything.
func filterByTopics(items []marketdata.NewsItem, topics []string) []marketdata.NewsItem {
	if len(topics) == 0 {
		return items
	}
	lowered := make([]string, 0, len(topics))
	for _, topic := range topics {
		topic = strings.ToLower(strings.TrimSpace(topic))
		if topic != "" {
			lowered = append(lowered, topic)
		}
	}
	if len(lowered) == 0 {
		return items
	}
	out := items[:0]
	for _, item := range items {
		text := strings.ToLower(item.Headline + " " + item.Summary)
		for _, topic := range lowered {
			if strings.Contains(text, topic) {
				out = append(out, item)
				break
			}
		}
	}
	return out
}

// Sentiment classification is a plain word count over small lexicons. It is
// deliberately crude: headlines are short and the label only has to steer
// the spoken summary, not a trading decision.
var positiveWords = map[string]struct{}{
	"beat": {}, "beats": {}, "surge": {}, "surges": {}, "surged": {},
	"rally": {}, "rallies": {}, "record": {}, "gain": {}, "gains": {},
	"upgrade": {}, "upgraded": {}, "strong": {}, "growth": {}, "profit": {},
	"profits": {}, "soar": {}, "soars": {}, "soared": {}, "jump": {},
	"jumps": {}, "bullish": {}, "outperform": {}, "buy": {}, "wins": {},
}

var negativeWords = map[string]struct{}{
	"miss": {}, "misses": {}, "missed": {}, "fall": {}, "falls": {},
	"fell": {}, "drop": {}, "drops": {}, "plunge": {}, "plunges": {},
	"cut": {}, "cuts": {}, "downgrade": {}, "downgraded": {}, "weak": {},
	"loss": {}, "losses": {}, "lawsuit": {}, "recall": {}, "bearish": {},
	"slump": {}, "slumps": {}, "decline": {}, "declines": {}, "layoff": {},
	"layoffs": {}, "sell": {}, "warns": {}, "warning": {},
}

func scoreSentiment(text string) string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	var pos, neg int
	for _, w := range words {
		if _, ok := positiveWords[w]; ok {
			pos++
		}
		if _, ok := negativeWords[w]; ok {
			neg++
		}
	}
	switch {
	case pos > neg:
		return "positive"
	case neg > pos:
		return "negative"
	default:
		return "neutral"
	}
}
