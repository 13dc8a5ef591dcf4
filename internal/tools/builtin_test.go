package tools

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/marketvox/marketvox/internal/store"
	"github.com/marketvox/marketvox/pkg/provider/marketdata"
	marketdatamock "github.com/marketvox/marketvox/pkg/provider/marketdata/mock"
	"github.com/marketvox/marketvox/pkg/provider/websearch"
	websearchmock "github.com/marketvox/marketvox/pkg/provider/websearch/mock"
)

func mustInvoke(t *testing.T, tool Tool, input string) json.RawMessage {
	t.Helper()
	out, err := tool.Invoke(context.Background(), json.RawMessage(input))
	if err != nil {
		t.Fatalf("Invoke(%s): %v", input, err)
	}
	return out
}

func decodeOutput[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("unmarshal output %s: %v", raw, err)
	}
	return v
}

// --- price ---

func TestPriceToolQuotesAndMissing(t *testing.T) {
	provider := &marketdatamock.Provider{
		Quotes: map[string]marketdata.Quote{
			"AAPL": {Symbol: "AAPL", Current: 189.43, Change: 1.2, PercentChange: 0.64, Volume: 52_000_000},
			"TSLA": {Symbol: "TSLA", Current: 244.10, Change: -3.5, PercentChange: -1.41},
		},
	}
	tool := NewPriceTool(provider)

	raw := mustInvoke(t, tool, `{"symbols":["aapl","TSLA","FAKE"]}`)
	out := decodeOutput[PriceOutput](t, raw)

	if len(out.Quotes) != 2 {
		t.Fatalf("quotes = %d, want 2", len(out.Quotes))
	}
	if out.Quotes[0].Symbol != "AAPL" || out.Quotes[0].Price != 189.43 {
		t.Errorf("first quote = %+v", out.Quotes[0])
	}
	if out.Quotes[0].Volume != 52_000_000 {
		t.Errorf("volume = %d, want 52000000", out.Quotes[0].Volume)
	}
	if !slices.Equal(out.Missing, []string{"FAKE"}) {
		t.Errorf("missing = %v, want [FAKE]", out.Missing)
	}
}

func TestPriceToolDedupesSymbols(t *testing.T) {
	provider := &marketdatamock.Provider{
		Quotes: map[string]marketdata.Quote{"AAPL": {Symbol: "AAPL", Current: 1}},
	}
	tool := NewPriceTool(provider)

	raw := mustInvoke(t, tool, `{"symbols":["AAPL"," aapl ","AAPL"]}`)
	out := decodeOutput[PriceOutput](t, raw)

	if len(out.Quotes) != 1 {
		t.Fatalf("quotes = %d, want 1", len(out.Quotes))
	}
	if len(provider.QuoteCalls) != 1 {
		t.Errorf("provider calls = %d, want 1", len(provider.QuoteCalls))
	}
}

func TestPriceToolValidation(t *testing.T) {
	tool := NewPriceTool(&marketdatamock.Provider{})

	cases := []struct {
		name  string
		input string
	}{
		{"empty symbols", `{"symbols":[]}`},
		{"too many symbols", `{"symbols":["A","B","C","D","E","F","G","H","I","J","K"]}`},
		{"blank symbol", `{"symbols":["AAPL",""]}`},
		{"unknown field", `{"symbols":["AAPL"],"bogus":true}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tool.Invoke(context.Background(), json.RawMessage(tc.input))
			if !errors.Is(err, ErrValidation) {
				t.Errorf("err = %v, want ErrValidation", err)
			}
		})
	}
}

func TestPriceToolProviderErrorIsTransient(t *testing.T) {
	provider := &marketdatamock.Provider{QuoteErr: errors.New("rate limited")}
	tool := NewPriceTool(provider)

	_, err := tool.Invoke(context.Background(), json.RawMessage(`{"symbols":["AAPL"]}`))
	if !errors.Is(err, ErrTransient) {
		t.Errorf("err = %v, want ErrTransient", err)
	}
}

// --- news ---

func newsFixture(now time.Time) []marketdata.NewsItem {
	return []marketdata.NewsItem{
		{ID: "n1", Headline: "Apple beats earnings expectations", Source: "wire", PublishedAt: now.Add(-2 * time.Hour)},
		{ID: "n2", Headline: "Chip sector update", Summary: "semiconductor supply improves", Source: "wire", PublishedAt: now.Add(-1 * time.Hour)},
		{ID: "n3", Headline: "Tesla recalls vehicles over software flaw", Source: "wire", PublishedAt: now.Add(-30 * time.Minute)},
	}
}

func TestNewsToolSortsNewestFirst(t *testing.T) {
	now := time.Now()
	provider := &marketdatamock.Provider{NewsResult: newsFixture(now)}
	tool := NewNewsTool(provider)

	raw := mustInvoke(t, tool, `{"symbols":["AAPL"]}`)
	out := decodeOutput[NewsOutput](t, raw)

	if len(out.Articles) != 3 {
		t.Fatalf("articles = %d, want 3", len(out.Articles))
	}
	for i := 1; i < len(out.Articles); i++ {
		if out.Articles[i].PublishedAt.After(out.Articles[i-1].PublishedAt) {
			t.Errorf("articles not sorted newest first at %d", i)
		}
	}
}

func TestNewsToolDedupesAcrossSymbols(t *testing.T) {
	provider := &marketdatamock.Provider{NewsResult: newsFixture(time.Now())}
	tool := NewNewsTool(provider)

	raw := mustInvoke(t, tool, `{"symbols":["AAPL","TSLA"]}`)
	out := decodeOutput[NewsOutput](t, raw)

	if len(out.Articles) != 3 {
		t.Fatalf("articles = %d, want 3 after dedupe (got duplicates across symbols)", len(out.Articles))
	}
	if len(provider.NewsCalls) != 2 {
		t.Errorf("provider calls = %d, want 2", len(provider.NewsCalls))
	}
}

func TestNewsToolTopicFilter(t *testing.T) {
	provider := &marketdatamock.Provider{NewsResult: newsFixture(time.Now())}
	tool := NewNewsTool(provider)

	raw := mustInvoke(t, tool, `{"topics":["semiconductor"]}`)
	out := decodeOutput[NewsOutput](t, raw)

	if len(out.Articles) != 1 {
		t.Fatalf("articles = %d, want 1", len(out.Articles))
	}
	if !strings.Contains(out.Articles[0].Summary, "semiconductor") {
		t.Errorf("wrong article kept: %+v", out.Articles[0])
	}
}

func TestNewsToolSentimentLabels(t *testing.T) {
	now := time.Now()
	provider := &marketdatamock.Provider{NewsResult: newsFixture(now)}
	tool := NewNewsTool(provider)

	raw := mustInvoke(t, tool, `{}`)
	out := decodeOutput[NewsOutput](t, raw)

	byID := map[string]string{}
	for _, a := range out.Articles {
		byID[a.Headline] = a.Sentiment
	}
	if byID["Apple beats earnings expectations"] != "positive" {
		t.Errorf("beats headline sentiment = %q, want positive", byID["Apple beats earnings expectations"])
	}
	if byID["Tesla recalls vehicles over software flaw"] != "negative" {
		t.Errorf("recall headline sentiment = %q, want negative", byID["Tesla recalls vehicles over software flaw"])
	}
	if byID["Chip sector update"] != "neutral" {
		t.Errorf("plain headline sentiment = %q, want neutral", byID["Chip sector update"])
	}
}

func TestScoreSentiment(t *testing.T) {
	cases := []struct {
		text string
		want string
	}{
		{"Shares surge after record profit", "positive"},
		{"Stock plunges as lawsuit widens losses", "negative"},
		{"Company announces annual meeting date", "neutral"},
		{"Weak guidance cuts outlook despite growth", "negative"},
	}
	for _, tc := range cases {
		if got := scoreSentiment(tc.text); got != tc.want {
			t.Errorf("scoreSentiment(%q) = %q, want %q", tc.text, got, tc.want)
		}
	}
}

func TestNewsToolLimitValidation(t *testing.T) {
	tool := NewNewsTool(&marketdatamock.Provider{})

	_, err := tool.Invoke(context.Background(), json.RawMessage(`{"limit":51}`))
	if !errors.Is(err, ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
}

// --- research ---

func searchFixture(n int) []websearch.Result {
	out := make([]websearch.Result, n)
	for i := range n {
		out[i] = websearch.Result{
			Title:   "result " + string(rune('a'+i)),
			URL:     "https://example.com/" + string(rune('a'+i)),
			Snippet: "snippet",
			Score:   float64(n - i),
		}
	}
	return out
}

func TestResearchToolCompleteBundle(t *testing.T) {
	provider := &websearchmock.Provider{
		SearchResult: searchFixture(5),
		Pages: map[string]websearch.Page{
			"https://example.com/a": {URL: "https://example.com/a", Title: "A", Text: "lead text  with   spaces"},
		},
	}
	tool := NewResearchTool(provider)

	raw := mustInvoke(t, tool, `{"query":"nvidia earnings","max_pages":1}`)
	out := decodeOutput[ResearchOutput](t, raw)

	if !out.Complete {
		t.Error("bundle must be complete with 5 results and no failures")
	}
	if len(out.Results) != 5 {
		t.Errorf("results = %d, want 5", len(out.Results))
	}
	if len(out.Pages) != 1 || out.Pages[0].Snippet != "lead text with spaces" {
		t.Errorf("pages = %+v", out.Pages)
	}
	if !tool.CacheableOutput(raw) {
		t.Error("complete bundle must be cacheable")
	}
}

func TestResearchToolPartialBundleNotCacheable(t *testing.T) {
	provider := &websearchmock.Provider{SearchResult: searchFixture(3)}
	tool := NewResearchTool(provider)

	raw := mustInvoke(t, tool, `{"query":"obscure microcap","max_pages":0}`)
	out := decodeOutput[ResearchOutput](t, raw)

	if out.Complete {
		t.Error("3 results under a minimum of 5 must be incomplete")
	}
	if tool.CacheableOutput(raw) {
		t.Error("partial bundle must not be cacheable")
	}
}

func TestResearchToolDedupesAcrossQueries(t *testing.T) {
	provider := &websearchmock.Provider{SearchResult: searchFixture(5)}
	tool := NewResearchTool(provider)

	raw := mustInvoke(t, tool, `{"query":"main","checklist_queries":["refine one","refine two"]}`)
	out := decodeOutput[ResearchOutput](t, raw)

	if len(provider.SearchCalls) != 3 {
		t.Fatalf("search calls = %d, want 3", len(provider.SearchCalls))
	}
	if len(out.Results) != 5 {
		t.Errorf("results = %d, want 5 unique URLs", len(out.Results))
	}
	for i := 1; i < len(out.Results); i++ {
		if out.Results[i].Score > out.Results[i-1].Score {
			t.Errorf("results not sorted by score at %d", i)
		}
	}
}

func TestResearchToolAllQueriesFailedIsTransient(t *testing.T) {
	provider := &websearchmock.Provider{SearchErr: errors.New("engine down")}
	tool := NewResearchTool(provider)

	_, err := tool.Invoke(context.Background(), json.RawMessage(`{"query":"anything"}`))
	if !errors.Is(err, ErrTransient) {
		t.Errorf("err = %v, want ErrTransient", err)
	}
}

func TestResearchToolFetchFailureKeepsResults(t *testing.T) {
	provider := &websearchmock.Provider{
		SearchResult: searchFixture(5),
		FetchErr:     errors.New("page unreachable"),
	}
	tool := NewResearchTool(provider)

	raw := mustInvoke(t, tool, `{"query":"nvidia earnings"}`)
	out := decodeOutput[ResearchOutput](t, raw)

	if len(out.Pages) != 0 {
		t.Errorf("pages = %d, want 0 when fetches fail", len(out.Pages))
	}
	if !out.Complete {
		t.Error("fetch failures must not mark the bundle incomplete")
	}
}

func TestResearchToolValidation(t *testing.T) {
	tool := NewResearchTool(&websearchmock.Provider{})

	for name, input := range map[string]string{
		"empty query":    `{"query":"  "}`,
		"min too high":   `{"query":"x","min_results":21}`,
		"pages too high": `{"query":"x","max_pages":6}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := tool.Invoke(context.Background(), json.RawMessage(input))
			if !errors.Is(err, ErrValidation) {
				t.Errorf("err = %v, want ErrValidation", err)
			}
		})
	}
}

// --- watchlist ---

type fakeWatchlistStore struct {
	lists   map[string][]string
	err     error
	fullErr bool
}

func newFakeWatchlistStore() *fakeWatchlistStore {
	return &fakeWatchlistStore{lists: make(map[string][]string)}
}

func (f *fakeWatchlistStore) AddSymbols(_ context.Context, userID string, symbols []string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.fullErr {
		return nil, store.ErrWatchlistFull
	}
	current := f.lists[userID]
	for _, s := range symbols {
		if !slices.Contains(current, s) {
			current = append(current, s)
		}
	}
	f.lists[userID] = current
	return slices.Clone(current), nil
}

func (f *fakeWatchlistStore) RemoveSymbols(_ context.Context, userID string, symbols []string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	current := f.lists[userID]
	kept := current[:0]
	for _, s := range current {
		if !slices.Contains(symbols, s) {
			kept = append(kept, s)
		}
	}
	f.lists[userID] = kept
	return slices.Clone(kept), nil
}

func (f *fakeWatchlistStore) Watchlist(_ context.Context, userID string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return slices.Clone(f.lists[userID]), nil
}

func TestWatchlistToolAddRemoveView(t *testing.T) {
	st := newFakeWatchlistStore()
	tool := NewWatchlistTool(st)

	raw := mustInvoke(t, tool, `{"user_id":"u1","action":"add","symbols":["aapl","TSLA"]}`)
	out := decodeOutput[WatchlistOutput](t, raw)
	if !slices.Equal(out.Watchlist, []string{"AAPL", "TSLA"}) || out.Count != 2 {
		t.Fatalf("after add: %+v", out)
	}

	raw = mustInvoke(t, tool, `{"user_id":"u1","action":"remove","symbols":["AAPL"]}`)
	out = decodeOutput[WatchlistOutput](t, raw)
	if !slices.Equal(out.Watchlist, []string{"TSLA"}) {
		t.Fatalf("after remove: %+v", out)
	}

	raw = mustInvoke(t, tool, `{"user_id":"u1","action":"view"}`)
	out = decodeOutput[WatchlistOutput](t, raw)
	if !slices.Equal(out.Watchlist, []string{"TSLA"}) || out.Action != "view" {
		t.Fatalf("view: %+v", out)
	}
}

func TestWatchlistToolFullListNotTransient(t *testing.T) {
	st := newFakeWatchlistStore()
	st.fullErr = true
	tool := NewWatchlistTool(st)

	_, err := tool.Invoke(context.Background(), json.RawMessage(`{"user_id":"u1","action":"add","symbols":["AAPL"]}`))
	if !errors.Is(err, store.ErrWatchlistFull) {
		t.Fatalf("err = %v, want ErrWatchlistFull", err)
	}
	if errors.Is(err, ErrTransient) {
		t.Error("a full watchlist must not be retried")
	}
}

func TestWatchlistToolStoreErrorIsTransient(t *testing.T) {
	st := newFakeWatchlistStore()
	st.err = errors.New("connection reset")
	tool := NewWatchlistTool(st)

	_, err := tool.Invoke(context.Background(), json.RawMessage(`{"user_id":"u1","action":"view"}`))
	if !errors.Is(err, ErrTransient) {
		t.Errorf("err = %v, want ErrTransient", err)
	}
}

func TestWatchlistToolValidation(t *testing.T) {
	tool := NewWatchlistTool(newFakeWatchlistStore())

	for name, input := range map[string]string{
		"missing user":   `{"action":"view"}`,
		"unknown action": `{"user_id":"u1","action":"drop"}`,
		"add no symbols": `{"user_id":"u1","action":"add"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := tool.Invoke(context.Background(), json.RawMessage(input))
			if !errors.Is(err, ErrValidation) {
				t.Errorf("err = %v, want ErrValidation", err)
			}
		})
	}
}

// --- preferences ---

type fakePreferencesStore struct {
	prefs     map[string]store.Preferences
	lists     map[string][]string
	prefCalls int
}

func (f *fakePreferencesStore) GetPreferences(_ context.Context, userID string) (store.Preferences, error) {
	f.prefCalls++
	return f.prefs[userID], nil
}

func (f *fakePreferencesStore) Watchlist(_ context.Context, userID string) ([]string, error) {
	return slices.Clone(f.lists[userID]), nil
}

func TestPreferencesToolCachesReads(t *testing.T) {
	st := &fakePreferencesStore{
		prefs: map[string]store.Preferences{"u1": {Topics: []string{"tech", "energy"}}},
		lists: map[string][]string{"u1": {"AAPL"}},
	}
	tool := NewPreferencesTool(st)

	raw := mustInvoke(t, tool, `{"user_id":"u1"}`)
	out := decodeOutput[PreferencesOutput](t, raw)
	if !slices.Equal(out.Topics, []string{"tech", "energy"}) || !slices.Equal(out.Watchlist, []string{"AAPL"}) {
		t.Fatalf("output: %+v", out)
	}

	mustInvoke(t, tool, `{"user_id":"u1"}`)
	if st.prefCalls != 1 {
		t.Errorf("store reads = %d, want 1 (second read must hit the local cache)", st.prefCalls)
	}

	tool.Forget("u1")
	mustInvoke(t, tool, `{"user_id":"u1"}`)
	if st.prefCalls != 2 {
		t.Errorf("store reads = %d, want 2 after Forget", st.prefCalls)
	}
}

func TestPreferencesToolRegistryNeverCaches(t *testing.T) {
	tool := NewPreferencesTool(&fakePreferencesStore{
		prefs: map[string]store.Preferences{},
		lists: map[string][]string{},
	})
	if tool.TTL() != 0 {
		t.Errorf("TTL = %v, want 0", tool.TTL())
	}
}

func TestPreferencesToolEmptyUserRejected(t *testing.T) {
	tool := NewPreferencesTool(&fakePreferencesStore{})

	_, err := tool.Invoke(context.Background(), json.RawMessage(`{"user_id":""}`))
	if !errors.Is(err, ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
}
