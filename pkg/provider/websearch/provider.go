// Package websearch defines the Provider interface for web search backends.
//
// A web search provider answers free-text research queries with ranked result
// links and can fetch an individual page as readable text. The research tool
// combines both: it searches, fetches the most promising pages, and hands the
// extracted text to the language model for summarisation.
//
// Implementations must be safe for concurrent use.
package websearch

import "context"

// Result is a single ranked search hit.
type Result struct {
	// Title is the page title as reported by the search backend.
	Title string

	// URL is the canonical link to the page.
	URL string

	// Snippet is the backend's short content excerpt. May be empty.
	Snippet string

	// Engine names the upstream engine that produced the hit (for aggregating
	// backends such as SearXNG). May be empty.
	Engine string

	// Score is the backend's relevance score. Higher is better; 0 when the
	// backend does not score results.
	Score float64
}

// Page is the readable text of a fetched web page.
type Page struct {
	// URL is the address the page was fetched from.
	URL string

	// Title is the page's <title> content. May be empty.
	Title string

	// Text is the extracted readable body text, whitespace-normalised and
	// truncated to the provider's configured maximum.
	Text string
}

// Provider is the abstraction over any web search backend.
//
// Implementations must be safe for concurrent use; the research tool fetches
// several pages in parallel.
type Provider interface {
	// Search returns up to limit ranked results for the query. A limit ≤ 0
	// applies the backend's default page size. An empty result slice (not an
	// error) means the query genuinely matched nothing.
	Search(ctx context.Context, query string, limit int) ([]Result, error)

	// Fetch retrieves a single page and reduces it to readable text. Returns an
	// error if the page cannot be fetched or is not HTML.
	Fetch(ctx context.Context, pageURL string) (Page, error)
}
