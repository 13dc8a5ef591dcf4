// Package mock provides a test double for the marketdata.Provider interface.
//
// Use Provider to serve canned quotes and news from tests and to verify which
// symbols were requested.
//
// Example:
//
//	p := &mock.Provider{
//	    Quotes: map[string]marketdata.Quote{
//	        "AAPL": {Symbol: "AAPL", Current: 189.43},
//	    },
//	}
//	q, _ := p.Quote(ctx, "AAPL")
package mock

import (
	"context"
	"sync"

	"github.com/marketvox/marketvox/pkg/provider/marketdata"
)

// QuoteCall records a single invocation of Quote.
type QuoteCall struct {
	// Symbol is the ticker passed to Quote.
	Symbol string
}

// NewsCall records a single invocation of News.
type NewsCall struct {
	// Symbol is the ticker passed to News. Empty for market news.
	Symbol string
	// Limit is the limit passed to News.
	Limit int
}

// Provider is a mock implementation of marketdata.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Quotes maps symbols to the Quote returned for them. Symbols not present
	// produce marketdata.ErrUnknownSymbol.
	Quotes map[string]marketdata.Quote

	// QuoteErr, if non-nil, is returned by every Quote call instead.
	QuoteErr error

	// NewsResult is returned by News, truncated to the requested limit when the
	// limit is positive.
	NewsResult []marketdata.NewsItem

	// NewsErr, if non-nil, is returned by every News call instead.
	NewsErr error

	// QuoteDelay, if non-zero, makes Quote block until the delay elapses or ctx
	// is cancelled. Useful for deadline tests.
	QuoteDelay func(ctx context.Context) error

	// --- Call records ---

	// QuoteCalls records every call to Quote in order.
	QuoteCalls []QuoteCall

	// NewsCalls records every call to News in order.
	NewsCalls []NewsCall
}

// Quote records the call and returns the configured quote for symbol.
func (p *Provider) Quote(ctx context.Context, symbol string) (marketdata.Quote, error) {
	p.mu.Lock()
	p.QuoteCalls = append(p.QuoteCalls, QuoteCall{Symbol: symbol})
	delay := p.QuoteDelay
	err := p.QuoteErr
	q, ok := p.Quotes[symbol]
	p.mu.Unlock()

	if delay != nil {
		if derr := delay(ctx); derr != nil {
			return marketdata.Quote{}, derr
		}
	}
	if err != nil {
		return marketdata.Quote{}, err
	}
	if !ok {
		return marketdata.Quote{}, marketdata.ErrUnknownSymbol
	}
	return q, nil
}

// News records the call and returns NewsResult, NewsErr.
func (p *Provider) News(_ context.Context, symbol string, limit int) ([]marketdata.NewsItem, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.NewsCalls = append(p.NewsCalls, NewsCall{Symbol: symbol, Limit: limit})
	if p.NewsErr != nil {
		return nil, p.NewsErr
	}
	items := p.NewsResult
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	out := make([]marketdata.NewsItem, len(items))
	copy(out, items)
	return out, nil
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.QuoteCalls = nil
	p.NewsCalls = nil
}

// Ensure Provider implements marketdata.Provider at compile time.
var _ marketdata.Provider = (*Provider)(nil)
