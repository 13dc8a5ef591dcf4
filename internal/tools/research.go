package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/marketvox/marketvox/pkg/provider/websearch"
	"github.com/marketvox/marketvox/pkg/types"
)

// ResearchToolName identifies the web research tool.
const ResearchToolName = "web_research"

const (
	defaultResearchTTL     = time.Hour
	defaultResearchTimeout = 30 * time.Second

	// DefaultMinResults is the result count below which a research bundle
	// counts as incomplete.
	DefaultMinResults = 5

	maxMinResults   = 20
	defaultMaxPages = 3
	maxMaxPages     = 5

	searchConcurrency = 4
	pageSnippetRunes  = 500
)

// ResearchInput is one research request: a main query plus optional
// checklist refinements that are searched alongside it.
type ResearchInput struct {
	Query            string   `json:"query"`
	ChecklistQueries []string `json:"checklist_queries,omitempty"`
	MinResults       int      `json:"min_results,omitempty"`
	MaxPages         int      `json:"max_pages,omitempty"`
}

// ResearchResult is one deduplicated search hit.
type ResearchResult struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Snippet string  `json:"snippet,omitempty"`
	Engine  string  `json:"engine,omitempty"`
	Score   float64 `json:"score"`
}

// PageSnippet is the lead text of one fetched page.
type PageSnippet struct {
	URL     string `json:"url"`
	Title   string `json:"title,omitempty"`
	Snippet string `json:"snippet"`
}

// ResearchOutput bundles search hits and fetched page snippets. Complete is
// false when results fell short of the requested minimum or some queries
// failed; incomplete bundles are returned but never cached.
type ResearchOutput struct {
	Results  []ResearchResult `json:"results"`
	Pages    []PageSnippet    `json:"pages,omitempty"`
	Complete bool             `json:"complete"`
}

// ResearchTool fans the query and its checklist refinements out to the search
// provider, merges and dedupes the hits by URL, and pulls lead snippets from
// the top pages. Individual query or fetch failures degrade the bundle
// instead of failing it; only a fully failed search run errors.
type ResearchTool struct {
	provider websearch.Provider
	settings toolSettings
}

var (
	_ Tool         = (*ResearchTool)(nil)
	_ OutputCacher = (*ResearchTool)(nil)
)

// NewResearchTool wraps a web search provider as a registry tool.
func NewResearchTool(provider websearch.Provider, opts ...Option) *ResearchTool {
	t := &ResearchTool{
		provider: provider,
		settings: toolSettings{ttl: defaultResearchTTL, timeout: defaultResearchTimeout},
	}
	for _, opt := range opts {
		opt(&t.settings)
	}
	return t
}

func (t *ResearchTool) Definition() types.ToolDefinition {
	return types.ToolDefinition{
		Name:        ResearchToolName,
		Description: "Run a web research pass: search the query (and optional refinements), merge and rank the results, and extract lead text from the top pages.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "The main research question.",
				},
				"checklist_queries": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Optional refinement queries searched alongside the main one.",
				},
				"min_results": map[string]any{
					"type":        "integer",
					"description": "Results needed for the bundle to count as complete. Defaults to 5.",
				},
				"max_pages": map[string]any{
					"type":        "integer",
					"description": "Top result pages to fetch lead text from. Defaults to 3.",
				},
			},
			"required": []string{"query"},
		},
		Idempotent: true,
	}
}

func (t *ResearchTool) TTL() time.Duration     { return t.settings.ttl }
func (t *ResearchTool) Timeout() time.Duration { return t.settings.timeout }

// CacheableOutput keeps partial bundles out of the cache so a degraded run
// does not mask fresh results for the next hour.
func (t *ResearchTool) CacheableOutput(output json.RawMessage) bool {
	var probe struct {
		Complete bool `json:"complete"`
	}
	if err := json.Unmarshal(output, &probe); err != nil {
		return false
	}
	return probe.Complete
}

func (t *ResearchTool) Invoke(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	var in ResearchInput
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	if err := t.validate(&in); err != nil {
		return nil, err
	}

	queries := make([]string, 0, 1+len(in.ChecklistQueries))
	queries = append(queries, in.Query)
	for _, q := range in.ChecklistQueries {
		if q = strings.TrimSpace(q); q != "" {
			queries = append(queries, q)
		}
	}

	perQuery := make([][]websearch.Result, len(queries))
	failed := make([]bool, len(queries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(searchConcurrency)
	for i, query := range queries {
		g.Go(func() error {
			hits, err := t.provider.Search(gctx, query, in.MinResults)
			if err != nil {
				failed[i] = true
				return nil
			}
			perQuery[i] = hits
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var anyFailed, allFailed bool
	allFailed = true
	for _, f := range failed {
		anyFailed = anyFailed || f
		allFailed = allFailed && f
	}
	if allFailed {
		return nil, Transient(fmt.Errorf("search %q: all %d queries failed", in.Query, len(queries)))
	}

	results := mergeResults(perQuery)
	pages := t.fetchPages(ctx, results, in.MaxPages)

	out := ResearchOutput{
		Results:  results,
		Pages:    pages,
		Complete: len(results) >= in.MinResults && !anyFailed,
	}
	return json.Marshal(out)
}

func (t *ResearchTool) validate(in *ResearchInput) error {
	var errs []error
	if strings.TrimSpace(in.Query) == "" {
		errs = append(errs, errors.New("query must not be empty"))
	}
	if in.MinResults < 0 {
		errs = append(errs, fmt.Errorf("min_results must not be negative, got %d", in.MinResults))
	}
	if in.MinResults > maxMinResults {
		errs = append(errs, fmt.Errorf("min_results must be at most %d, got %d", maxMinResults, in.MinResults))
	}
	if in.MaxPages < 0 {
		errs = append(errs, fmt.Errorf("max_pages must not be negative, got %d", in.MaxPages))
	}
	if in.MaxPages > maxMaxPages {
		errs = append(errs, fmt.Errorf("max_pages must be at most %d, got %d", maxMaxPages, in.MaxPages))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrValidation, errors.Join(errs...))
	}
	if in.MinResults == 0 {
		in.MinResults = DefaultMinResults
	}
	if in.MaxPages == 0 {
		in.MaxPages = defaultMaxPages
	}
	return nil
}

// mergeResults flattens the per-query hits, keeps the best-scoring entry per
// URL and orders the survivors by score descending.
func mergeResults(perQuery [][]websearch.Result) []ResearchResult {
	best := make(map[string]websearch.Result)
	order := make([]string, 0)
	for _, hits := range perQuery {
		for _, hit := range hits {
			if hit.URL == "" {
				continue
			}
			prev, seen := best[hit.URL]
			if !seen {
				order = append(order, hit.URL)
				best[hit.URL] = hit
				continue
			}
			if hit.Score > prev.Score {
				best[hit.URL] = hit
			}
		}
	}
	out := make([]ResearchResult, 0, len(order))
	for _, url := range order {
		hit := best[url]
		out = append(out, ResearchResult{
			Title:   hit.Title,
			URL:     hit.URL,
			Snippet: hit.Snippet,
			Engine:  hit.Engine,
			Score:   hit.Score,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// fetchPages pulls lead text from the top results. Fetch failures drop the
// page silently; the search hits still carry the URL.
func (t *ResearchTool) fetchPages(ctx context.Context, results []ResearchResult, maxPages int) []PageSnippet {
	n := min(maxPages, len(results))
	if n == 0 {
		return nil
	}
	pages := make([]*PageSnippet, n)
	g, gctx := errgroup.WithContext(ctx)
	for i := range n {
		url := results[i].URL
		g.Go(func() error {
			page, err := t.provider.Fetch(gctx, url)
			if err != nil {
				return nil
			}
			pages[i] = &PageSnippet{
				URL:     page.URL,
				Title:   page.Title,
				Snippet: leadSnippet(page.Text, pageSnippetRunes),
			}
			return nil
		})
	}
	_ = g.Wait()
	out := make([]PageSnippet, 0, n)
	for _, p := range pages {
		if p != nil {
			out = append(out, *p)
		}
	}
	return out
}

// leadSnippet returns the first maxRunes runes of text with whitespace
// collapsed.
func leadSnippet(text string, maxRunes int) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= maxRunes {
		return text
	}
	return string(runes[:maxRunes])
}
