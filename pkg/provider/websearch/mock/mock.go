// Package mock provides a test double for the websearch.Provider interface.
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/marketvox/marketvox/pkg/provider/websearch"
)

// SearchCall records a single invocation of Search.
type SearchCall struct {
	// Query is the query passed to Search.
	Query string
	// Limit is the limit passed to Search.
	Limit int
}

// FetchCall records a single invocation of Fetch.
type FetchCall struct {
	// URL is the page URL passed to Fetch.
	URL string
}

// Provider is a mock implementation of websearch.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// SearchResult is returned by Search, truncated to the requested limit when
	// the limit is positive.
	SearchResult []websearch.Result

	// SearchErr, if non-nil, is returned by every Search call instead.
	SearchErr error

	// Pages maps URLs to the Page returned for them. URLs not present produce
	// an error.
	Pages map[string]websearch.Page

	// FetchErr, if non-nil, is returned by every Fetch call instead.
	FetchErr error

	// --- Call records ---

	// SearchCalls records every call to Search in order.
	SearchCalls []SearchCall

	// FetchCalls records every call to Fetch in order.
	FetchCalls []FetchCall
}

// Search records the call and returns SearchResult, SearchErr.
func (p *Provider) Search(_ context.Context, query string, limit int) ([]websearch.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SearchCalls = append(p.SearchCalls, SearchCall{Query: query, Limit: limit})
	if p.SearchErr != nil {
		return nil, p.SearchErr
	}
	results := p.SearchResult
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	out := make([]websearch.Result, len(results))
	copy(out, results)
	return out, nil
}

// Fetch records the call and returns the configured page for pageURL.
func (p *Provider) Fetch(_ context.Context, pageURL string) (websearch.Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.FetchCalls = append(p.FetchCalls, FetchCall{URL: pageURL})
	if p.FetchErr != nil {
		return websearch.Page{}, p.FetchErr
	}
	page, ok := p.Pages[pageURL]
	if !ok {
		return websearch.Page{}, errors.New("mock: no page configured for " + pageURL)
	}
	return page, nil
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SearchCalls = nil
	p.FetchCalls = nil
}

// Ensure Provider implements websearch.Provider at compile time.
var _ websearch.Provider = (*Provider)(nil)
