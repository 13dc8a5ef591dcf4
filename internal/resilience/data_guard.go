package resilience

import (
	"context"
	"errors"

	"github.com/marketvox/marketvox/pkg/provider/marketdata"
	"github.com/marketvox/marketvox/pkg/provider/websearch"
)

// MarketDataGuard implements [marketdata.Provider] with a circuit breaker
// around a single backend. Unlike the fallback chains there is no second
// vendor to fail over to; a tripped breaker fails the call fast with
// [ErrCircuitOpen] so the tool layer can report a clean error instead of
// stacking timeouts against a dead backend.
type MarketDataGuard struct {
	inner   marketdata.Provider
	breaker *CircuitBreaker
}

var _ marketdata.Provider = (*MarketDataGuard)(nil)

// NewMarketDataGuard wraps inner with a named circuit breaker.
func NewMarketDataGuard(inner marketdata.Provider, name string, cfg CircuitBreakerConfig) *MarketDataGuard {
	cfg.Name = name
	return &MarketDataGuard{
		inner:   inner,
		breaker: NewCircuitBreaker(cfg),
	}
}

// Quote forwards to the backend under the breaker. ErrUnknownSymbol is a
// caller error and does not count as a backend failure.
func (g *MarketDataGuard) Quote(ctx context.Context, symbol string) (marketdata.Quote, error) {
	var (
		q       marketdata.Quote
		callErr error
	)
	err := g.breaker.Execute(func() error {
		q, callErr = g.inner.Quote(ctx, symbol)
		if errors.Is(callErr, marketdata.ErrUnknownSymbol) {
			return nil
		}
		return callErr
	})
	if err != nil {
		return q, err
	}
	return q, callErr
}

// News forwards to the backend under the breaker.
func (g *MarketDataGuard) News(ctx context.Context, symbol string, limit int) ([]marketdata.NewsItem, error) {
	var items []marketdata.NewsItem
	err := g.breaker.Execute(func() error {
		var callErr error
		items, callErr = g.inner.News(ctx, symbol, limit)
		return callErr
	})
	return items, err
}

// WebSearchGuard implements [websearch.Provider] with a circuit breaker
// around a single backend, mirroring [MarketDataGuard].
type WebSearchGuard struct {
	inner   websearch.Provider
	breaker *CircuitBreaker
}

var _ websearch.Provider = (*WebSearchGuard)(nil)

// NewWebSearchGuard wraps inner with a named circuit breaker.
func NewWebSearchGuard(inner websearch.Provider, name string, cfg CircuitBreakerConfig) *WebSearchGuard {
	cfg.Name = name
	return &WebSearchGuard{
		inner:   inner,
		breaker: NewCircuitBreaker(cfg),
	}
}

// Search forwards to the backend under the breaker.
func (g *WebSearchGuard) Search(ctx context.Context, query string, limit int) ([]websearch.Result, error) {
	var results []websearch.Result
	err := g.breaker.Execute(func() error {
		var callErr error
		results, callErr = g.inner.Search(ctx, query, limit)
		return callErr
	})
	return results, err
}

// Fetch forwards to the backend under the breaker.
func (g *WebSearchGuard) Fetch(ctx context.Context, pageURL string) (websearch.Page, error) {
	var page websearch.Page
	err := g.breaker.Execute(func() error {
		var callErr error
		page, callErr = g.inner.Fetch(ctx, pageURL)
		return callErr
	})
	return page, err
}
