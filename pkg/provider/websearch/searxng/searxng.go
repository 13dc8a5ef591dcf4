// Package searxng provides a web search provider backed by a self-hosted
// SearXNG instance (https://docs.searxng.org). It implements the
// websearch.Provider interface.
//
// SearXNG aggregates many upstream engines behind one JSON API, which keeps
// the assistant independent of any single commercial search vendor. Page
// fetching extracts readable text with goquery, dropping navigation, scripts,
// and styles.
package searxng

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/marketvox/marketvox/pkg/provider/websearch"
)

// Compile-time interface assertion.
var _ websearch.Provider = (*Provider)(nil)

const (
	defaultTimeout = 15 * time.Second

	// defaultLimit is the result count used when the caller passes limit ≤ 0.
	defaultLimit = 10

	// maxPageTextLen caps the readable text extracted from a fetched page.
	// Pages longer than this add latency and token cost without improving
	// summaries.
	maxPageTextLen = 8192

	// fetchUserAgent identifies page fetches. Some sites reject requests
	// without a browser-like agent.
	fetchUserAgent = "Mozilla/5.0 (compatible; marketvox/1.0)"
)

// Option is a functional option for configuring the SearXNG Provider.
type Option func(*Provider)

// WithTimeout sets the per-request HTTP timeout. Defaults to 15 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// WithCategories restricts searches to the given SearXNG categories
// (e.g., "general", "news"). Defaults to the instance's own default set.
func WithCategories(categories ...string) Option {
	return func(p *Provider) {
		p.categories = strings.Join(categories, ",")
	}
}

// WithLanguage sets the search language code (e.g., "en"). Defaults to the
// instance's own default.
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// Provider implements websearch.Provider backed by a SearXNG instance.
type Provider struct {
	baseURL    string
	categories string
	language   string
	httpClient *http.Client
}

// New creates a new SearXNG Provider targeting the instance at baseURL
// (e.g., "http://localhost:8888"). baseURL must be non-empty.
func New(baseURL string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, errors.New("searxng: baseURL must not be empty")
	}
	p := &Provider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ---- wire types ----

// searchResponse mirrors the SearXNG JSON API response.
type searchResponse struct {
	Results []searchEntry `json:"results"`
}

// searchEntry is a single result from the SearXNG JSON API.
type searchEntry struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Engine  string  `json:"engine"`
	Score   float64 `json:"score"`
}

// ---- Provider methods ----

// Search queries GET /search?format=json and maps the hits onto Result values.
func (p *Provider) Search(ctx context.Context, query string, limit int) ([]websearch.Result, error) {
	if query == "" {
		return nil, errors.New("searxng: query must not be empty")
	}
	if limit <= 0 {
		limit = defaultLimit
	}

	params := url.Values{}
	params.Set("q", query)
	params.Set("format", "json")
	if p.categories != "" {
		params.Set("categories", p.categories)
	}
	if p.language != "" {
		params.Set("language", p.language)
	}

	reqURL := p.baseURL + "/search?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("searxng: create search request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("searxng: GET /search: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("searxng: GET /search returned status %d", resp.StatusCode)
	}

	var sr searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("searxng: decode search response: %w", err)
	}

	results := make([]websearch.Result, 0, min(limit, len(sr.Results)))
	for _, e := range sr.Results {
		if e.URL == "" {
			continue
		}
		results = append(results, websearch.Result{
			Title:   e.Title,
			URL:     e.URL,
			Snippet: e.Content,
			Engine:  e.Engine,
			Score:   e.Score,
		})
		if len(results) == limit {
			break
		}
	}
	return results, nil
}

// Fetch retrieves pageURL and extracts its readable text.
func (p *Provider) Fetch(ctx context.Context, pageURL string) (websearch.Page, error) {
	if pageURL == "" {
		return websearch.Page{}, errors.New("searxng: pageURL must not be empty")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return websearch.Page{}, fmt.Errorf("searxng: create fetch request: %w", err)
	}
	req.Header.Set("User-Agent", fetchUserAgent)
	req.Header.Set("Accept", "text/html")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return websearch.Page{}, fmt.Errorf("searxng: fetch %s: %w", pageURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return websearch.Page{}, fmt.Errorf("searxng: fetch %s returned status %d", pageURL, resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "text/html") {
		return websearch.Page{}, fmt.Errorf("searxng: fetch %s: unsupported content type %q", pageURL, ct)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return websearch.Page{}, fmt.Errorf("searxng: parse %s: %w", pageURL, err)
	}

	title, text := extractReadable(doc)
	return websearch.Page{
		URL:   pageURL,
		Title: title,
		Text:  text,
	}, nil
}

// ---- extraction helpers ----

// extractReadable reduces a parsed HTML document to its title and readable
// body text. Script, style, and navigation elements are removed; paragraph and
// heading text is joined with single newlines; the result is truncated to
// maxPageTextLen runes on a word boundary.
func extractReadable(doc *goquery.Document) (title, text string) {
	title = strings.TrimSpace(doc.Find("title").First().Text())

	doc.Find("script, style, nav, header, footer, aside, noscript").Remove()

	var parts []string
	doc.Find("h1, h2, h3, p, li").Each(func(_ int, s *goquery.Selection) {
		t := normalizeSpace(s.Text())
		if t != "" {
			parts = append(parts, t)
		}
	})

	joined := strings.Join(parts, "\n")
	if joined == "" {
		// Fall back to the whole body when the page has no structural elements.
		joined = normalizeSpace(doc.Find("body").Text())
	}
	return title, truncateOnWord(joined, maxPageTextLen)
}

// normalizeSpace collapses all runs of whitespace into single spaces.
func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// truncateOnWord cuts s to at most limit runes, backing up to the last space
// so words are not split mid-way.
func truncateOnWord(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	cut := string(runes[:limit])
	if idx := strings.LastIndexByte(cut, ' '); idx > 0 {
		cut = cut[:idx]
	}
	return cut
}
