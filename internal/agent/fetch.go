package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/marketvox/marketvox/internal/tools"
)

// Relevance defaults for sources that report no score of their own. Search
// hits carry the engine score; these keep direct facts ahead of page scrape
// filler when the bundle is ranked.
const (
	quoteRelevance     = 1.0
	watchlistRelevance = 1.0
	newsRelevance      = 0.9
	pageRelevance      = 0.6
)

var errNoSymbols = errors.New("intent carries no symbols")

// fetchOutcome is what the fetch stage hands to response generation.
type fetchOutcome struct {
	bundle    Bundle
	checklist []ChecklistItem

	// watchlist holds the post-operation snapshot when the turn ran a
	// watchlist action. hadWatchlist distinguishes an empty list from no
	// operation at all.
	watchlist    []string
	hadWatchlist bool
}

// fetchEvidence runs every tool call the turn needs in parallel and joins on
// the checklist. Each call is bounded by the tool deadline; the join itself
// by the join deadline. Stragglers past the join are abandoned: their items
// stay incomplete and the bundle is marked partial.
func (g *Graph) fetchEvidence(ctx context.Context, intents []Intent, items []*ChecklistItem) fetchOutcome {
	toolCtx, cancel := context.WithTimeout(ctx, g.toolDeadline)
	defer cancel()

	b := newEvidenceBuilder()

	itemsByIntent := make(map[int][]*ChecklistItem)
	for _, it := range items {
		itemsByIntent[it.IntentIndex] = append(itemsByIntent[it.IntentIndex], it)
	}

	var (
		wg     sync.WaitGroup
		wlMu   sync.Mutex
		wlList []string
		wlSeen bool
	)

	for idx := range intents {
		in := intents[idx]
		its := itemsByIntent[idx]

		switch in.Tag {
		case IntentPriceCheck:
			wg.Add(1)
			go func() {
				defer wg.Done()
				g.fetchPrices(toolCtx, in, its, b)
			}()

		case IntentNewsSearch:
			wg.Add(1)
			go func() {
				defer wg.Done()
				g.fetchNews(toolCtx, in, its, b)
			}()

		case IntentWatchlist:
			wg.Add(1)
			go func() {
				defer wg.Done()
				snapshot, ok := g.execWatchlist(toolCtx, in, b)
				if !ok {
					return
				}
				wlMu.Lock()
				wlList, wlSeen = snapshot, true
				wlMu.Unlock()
			}()

		case IntentResearch, IntentComparison:
			for _, it := range its {
				wg.Add(1)
				go func(it *ChecklistItem) {
					defer wg.Done()
					g.fetchResearch(toolCtx, it, b)
				}(it)
			}
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	joinTimedOut := false
	timer := time.NewTimer(g.joinDeadline)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		joinTimedOut = true
		g.log.Warn("checklist join deadline reached with calls in flight",
			"session_id", g.sessionID, "deadline", g.joinDeadline)
	case <-ctx.Done():
	}

	bundle, checklist := b.bundle(items, joinTimedOut)

	wlMu.Lock()
	defer wlMu.Unlock()
	return fetchOutcome{
		bundle:       bundle,
		checklist:    checklist,
		watchlist:    wlList,
		hadWatchlist: wlSeen,
	}
}

// fetchPrices invokes the price tool for one intent and cites every quote.
func (g *Graph) fetchPrices(ctx context.Context, in Intent, its []*ChecklistItem, b *evidenceBuilder) {
	if len(in.Symbols) == 0 {
		b.fail(tools.PriceToolName, errNoSymbols)
		return
	}

	input, err := json.Marshal(tools.PriceInput{Symbols: in.Symbols})
	if err != nil {
		b.fail(tools.PriceToolName, err)
		return
	}

	res := g.invokeTool(ctx, tools.PriceToolName, input)
	if res.Status != tools.StatusOK {
		b.fail(tools.PriceToolName, res.Err)
		g.finishItems(b, its, 0, false)
		return
	}

	var out tools.PriceOutput
	if err := json.Unmarshal(res.Output, &out); err != nil {
		b.fail(tools.PriceToolName, fmt.Errorf("decode output: %w", err))
		g.finishItems(b, its, 0, false)
		return
	}

	for _, q := range out.Quotes {
		b.add(Citation{
			Source:      tools.PriceToolName,
			Title:       q.Symbol + " quote",
			Snippet:     formatQuote(q),
			Relevance:   quoteRelevance,
			PublishedAt: q.Timestamp,
		})
	}
	if len(out.Missing) > 0 {
		b.fail(tools.PriceToolName,
			fmt.Errorf("no data for %s", strings.Join(out.Missing, ", ")))
	}
	g.finishItems(b, its, len(out.Quotes), len(out.Quotes) > 0)
}

// fetchNews invokes the news tool for one intent. A news intent with neither
// symbols nor keywords is steered by the user's preferred topics.
func (g *Graph) fetchNews(ctx context.Context, in Intent, its []*ChecklistItem, b *evidenceBuilder) {
	topics := in.Keywords
	if len(in.Symbols) == 0 && len(topics) == 0 {
		topics = g.preferredTopics(ctx)
	}

	input, err := json.Marshal(tools.NewsInput{Symbols: in.Symbols, Topics: topics})
	if err != nil {
		b.fail(tools.NewsToolName, err)
		return
	}

	res := g.invokeTool(ctx, tools.NewsToolName, input)
	if res.Status != tools.StatusOK {
		b.fail(tools.NewsToolName, res.Err)
		g.finishItems(b, its, 0, false)
		return
	}

	var out tools.NewsOutput
	if err := json.Unmarshal(res.Output, &out); err != nil {
		b.fail(tools.NewsToolName, fmt.Errorf("decode output: %w", err))
		g.finishItems(b, its, 0, false)
		return
	}

	for _, article := range out.Articles {
		snippet := article.Summary
		if snippet == "" {
			snippet = article.Headline
		}
		b.add(Citation{
			Source:      tools.NewsToolName,
			Title:       article.Headline,
			URL:         article.URL,
			Snippet:     fmt.Sprintf("%s (%s, %s)", snippet, article.Source, article.Sentiment),
			Relevance:   newsRelevance,
			PublishedAt: article.PublishedAt,
		})
	}
	g.finishItems(b, its, len(out.Articles), len(out.Articles) > 0)
}

// fetchResearch invokes the research tool for one checklist item. The item
// completes only when the tool reports the bundle complete: enough results
// and no failed sub-queries.
func (g *Graph) fetchResearch(ctx context.Context, it *ChecklistItem, b *evidenceBuilder) {
	input, err := json.Marshal(tools.ResearchInput{
		Query:      it.Query,
		MinResults: it.MinResults,
	})
	if err != nil {
		b.fail(tools.ResearchToolName, err)
		b.finishItem(it, 0, false)
		return
	}

	res := g.invokeTool(ctx, tools.ResearchToolName, input)
	if res.Status != tools.StatusOK {
		b.fail(tools.ResearchToolName, fmt.Errorf("%q: %w", it.Query, res.Err))
		b.finishItem(it, 0, false)
		return
	}

	var out tools.ResearchOutput
	if err := json.Unmarshal(res.Output, &out); err != nil {
		b.fail(tools.ResearchToolName, fmt.Errorf("decode output: %w", err))
		b.finishItem(it, 0, false)
		return
	}

	for _, r := range out.Results {
		b.add(Citation{
			Source:    tools.ResearchToolName,
			Title:     r.Title,
			URL:       r.URL,
			Snippet:   r.Snippet,
			Relevance: r.Score,
		})
	}
	for _, p := range out.Pages {
		b.add(Citation{
			Source:    tools.ResearchToolName,
			Title:     p.Title,
			URL:       p.URL,
			Snippet:   p.Snippet,
			Relevance: pageRelevance,
		})
	}
	b.finishItem(it, len(out.Results), out.Complete)
}

// execWatchlist runs one watchlist action and cites the resulting snapshot.
func (g *Graph) execWatchlist(ctx context.Context, in Intent, b *evidenceBuilder) ([]string, bool) {
	input, err := json.Marshal(tools.WatchlistInput{
		UserID:  g.userID,
		Action:  in.Action,
		Symbols: in.Symbols,
	})
	if err != nil {
		b.fail(tools.WatchlistToolName, err)
		return nil, false
	}

	res := g.invokeTool(ctx, tools.WatchlistToolName, input)
	if res.Status != tools.StatusOK {
		b.fail(tools.WatchlistToolName, res.Err)
		return nil, false
	}

	var out tools.WatchlistOutput
	if err := json.Unmarshal(res.Output, &out); err != nil {
		b.fail(tools.WatchlistToolName, fmt.Errorf("decode output: %w", err))
		return nil, false
	}

	snippet := "watchlist is empty"
	if out.Count > 0 {
		snippet = fmt.Sprintf("%d symbols tracked: %s", out.Count, strings.Join(out.Watchlist, ", "))
	}
	b.add(Citation{
		Source:    tools.WatchlistToolName,
		Title:     "watchlist after " + out.Action,
		Snippet:   snippet,
		Relevance: watchlistRelevance,
	})
	return out.Watchlist, true
}

// preferredTopics reads the user's preferences to steer an unscoped news
// lookup. Failure just means no steering.
func (g *Graph) preferredTopics(ctx context.Context) []string {
	input, err := json.Marshal(tools.PreferencesInput{UserID: g.userID})
	if err != nil {
		return nil
	}
	res := g.invokeTool(ctx, tools.PreferencesToolName, input)
	if res.Status != tools.StatusOK {
		g.log.Debug("preferences unavailable, news unsteered",
			"session_id", g.sessionID, "error", res.Err)
		return nil
	}
	var out tools.PreferencesOutput
	if err := json.Unmarshal(res.Output, &out); err != nil {
		return nil
	}
	return out.Topics
}

// finishItems marks every item of a fact-lookup intent with the same outcome.
func (g *Graph) finishItems(b *evidenceBuilder, its []*ChecklistItem, count int, completed bool) {
	for _, it := range its {
		b.finishItem(it, count, completed)
	}
}

// formatQuote renders one quote as prompt text.
func formatQuote(q tools.PriceQuote) string {
	return fmt.Sprintf("%s $%.2f %+.2f (%+.2f%%), high %.2f, low %.2f, volume %d",
		q.Symbol, q.Price, q.Change, q.PercentChange, q.High, q.Low, q.Volume)
}
