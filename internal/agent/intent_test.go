package agent

import (
	"log/slog"
	"reflect"
	"testing"
)

func TestParseIntents(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    int
		wantErr bool
	}{
		{
			name:    "bare array",
			content: `[{"intent":"price_check","symbols":["AAPL"]}]`,
			want:    1,
		},
		{
			name:    "fenced json",
			content: "```json\n[{\"intent\":\"chat\"}]\n```",
			want:    1,
		},
		{
			name:    "trailing commas",
			content: `[{"intent":"price_check","symbols":["AAPL",],},]`,
			want:    1,
		},
		{
			name:    "control characters stripped",
			content: "[{\"intent\":\x00\"chat\"}]",
			want:    1,
		},
		{
			name:    "object wrapper",
			content: `{"intents":[{"intent":"news_search"},{"intent":"chat"}]}`,
			want:    2,
		},
		{
			name:    "single object",
			content: `{"intent":"research","keywords":["chips"]}`,
			want:    1,
		},
		{
			name:    "comma inside string survives",
			content: `[{"intent":"research","keywords":["supply, demand"]}]`,
			want:    1,
		},
		{
			name:    "prose is rejected",
			content: "The user wants a stock price.",
			wantErr: true,
		},
		{
			name:    "empty is rejected",
			content: "",
			wantErr: true,
		},
		{
			name:    "fence only is rejected",
			content: "```json\n```",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseIntents(tt.content)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parsed %q into %+v, want error", tt.content, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseIntents: %v", err)
			}
			if len(got) != tt.want {
				t.Fatalf("got %d intents, want %d", len(got), tt.want)
			}
		})
	}
}

func TestParseIntentsKeepsFields(t *testing.T) {
	got, err := parseIntents(`[{"intent":"watchlist","action":"add","symbols":["AAPL"],"keywords":["tech"]}]`)
	if err != nil {
		t.Fatalf("parseIntents: %v", err)
	}
	want := Intent{Tag: "watchlist", Action: "add", Symbols: []string{"AAPL"}, Keywords: []string{"tech"}}
	if !reflect.DeepEqual(got[0], want) {
		t.Fatalf("intent = %+v, want %+v", got[0], want)
	}
}

func newNormalizeGraph() *Graph {
	return &Graph{tickers: NewTickerMap(), log: slog.Default()}
}

func TestNormalizeIntentsResolvesSymbols(t *testing.T) {
	g := newNormalizeGraph()

	got := g.normalizeIntents([]Intent{
		{Tag: "PRICE_CHECK", Symbols: []string{"apple", "TSLA", "AAPL", "!!!"}},
	})
	if len(got) != 1 {
		t.Fatalf("got %d intents, want 1", len(got))
	}
	if got[0].Tag != IntentPriceCheck {
		t.Fatalf("tag = %q", got[0].Tag)
	}
	// "apple" resolves to AAPL, the duplicate literal AAPL is dropped, and the
	// unresolvable token disappears.
	if !reflect.DeepEqual(got[0].Symbols, []string{"AAPL", "TSLA"}) {
		t.Fatalf("symbols = %v", got[0].Symbols)
	}
}

func TestNormalizeIntentsDropsUnknownTags(t *testing.T) {
	g := newNormalizeGraph()

	got := g.normalizeIntents([]Intent{
		{Tag: "purchase_stock"},
		{Tag: "chat"},
	})
	if len(got) != 1 || got[0].Tag != IntentChat {
		t.Fatalf("intents = %+v", got)
	}
}

func TestNormalizeIntentsCapsTurnSymbols(t *testing.T) {
	g := newNormalizeGraph()

	eleven := []string{"AAPL", "MSFT", "GOOGL", "AMZN", "META", "TSLA", "NVDA", "NFLX", "INTC", "IBM", "ORCL"}
	got := g.normalizeIntents([]Intent{{Tag: IntentPriceCheck, Symbols: eleven}})

	if len(got[0].Symbols) != MaxSymbolsPerTurn {
		t.Fatalf("kept %d symbols, want %d", len(got[0].Symbols), MaxSymbolsPerTurn)
	}
	if !reflect.DeepEqual(got[0].Symbols, eleven[:MaxSymbolsPerTurn]) {
		t.Fatalf("symbols = %v", got[0].Symbols)
	}
}

func TestNormalizeIntentsCapSpansIntents(t *testing.T) {
	g := newNormalizeGraph()

	first := []string{"AAPL", "MSFT", "GOOGL", "AMZN", "META", "TSLA"}
	second := []string{"NVDA", "NFLX", "INTC", "IBM", "ORCL", "CRM"}
	got := g.normalizeIntents([]Intent{
		{Tag: IntentPriceCheck, Symbols: first},
		{Tag: IntentNewsSearch, Symbols: second},
	})

	if len(got[0].Symbols) != 6 {
		t.Fatalf("first intent kept %d symbols", len(got[0].Symbols))
	}
	if len(got[1].Symbols) != 4 {
		t.Fatalf("second intent kept %d symbols, want 4", len(got[1].Symbols))
	}
	if total := len(collectSymbols(got)); total != MaxSymbolsPerTurn {
		t.Fatalf("turn symbols = %d, want %d", total, MaxSymbolsPerTurn)
	}
}

func TestNormalizeIntentsRepeatedSymbolDoesNotConsumeCap(t *testing.T) {
	g := newNormalizeGraph()

	ten := []string{"AAPL", "MSFT", "GOOGL", "AMZN", "META", "TSLA", "NVDA", "NFLX", "INTC", "IBM"}
	got := g.normalizeIntents([]Intent{
		{Tag: IntentPriceCheck, Symbols: ten},
		{Tag: IntentNewsSearch, Symbols: []string{"AAPL", "IBM"}},
	})

	// The second intent repeats already-counted symbols, so it keeps them all.
	if !reflect.DeepEqual(got[1].Symbols, []string{"AAPL", "IBM"}) {
		t.Fatalf("second intent symbols = %v", got[1].Symbols)
	}
}

func TestNormalizeIntentsWatchlistAction(t *testing.T) {
	g := newNormalizeGraph()

	got := g.normalizeIntents([]Intent{
		{Tag: IntentWatchlist, Action: "ADD", Symbols: []string{"AAPL"}},
		{Tag: IntentWatchlist, Action: "purge"},
		{Tag: IntentWatchlist},
	})

	if got[0].Action != "add" {
		t.Fatalf("action = %q, want add", got[0].Action)
	}
	// Unknown and missing actions downgrade to the read-only view.
	if got[1].Action != "view" || got[2].Action != "view" {
		t.Fatalf("actions = %q, %q, want view", got[1].Action, got[2].Action)
	}
}

func TestNormalizeIntentsCleansKeywords(t *testing.T) {
	g := newNormalizeGraph()

	got := g.normalizeIntents([]Intent{
		{Tag: IntentResearch, Keywords: []string{" Earnings ", "", "GROWTH"}},
	})
	if !reflect.DeepEqual(got[0].Keywords, []string{"earnings", "growth"}) {
		t.Fatalf("keywords = %v", got[0].Keywords)
	}
}
