// Package marketdata defines the Provider interface for market data backends.
//
// A market data provider wraps a quote/news service (e.g., Finnhub) and
// presents a uniform interface for the two data shapes the assistant needs:
// real-time price quotes and recent news headlines. Quotes are keyed by
// canonical upper-case ticker symbols; news may be requested per symbol or
// for the market as a whole.
//
// Implementations must be safe for concurrent use.
package marketdata

import (
	"context"
	"errors"
	"time"
)

// ErrUnknownSymbol is returned when the backend has no data for the requested
// ticker symbol. Callers should treat this as a caller error, not a provider
// outage.
var ErrUnknownSymbol = errors.New("marketdata: unknown symbol")

// Quote is a point-in-time price snapshot for a single symbol.
type Quote struct {
	// Symbol is the canonical upper-case ticker the quote belongs to.
	Symbol string

	// Current is the latest trade price.
	Current float64

	// Change is the absolute change versus the previous close.
	Change float64

	// PercentChange is the relative change versus the previous close.
	PercentChange float64

	// Volume is the cumulative trading volume of the current session. Zero
	// when the backend does not report volume.
	Volume int64

	// High is the highest price of the current trading day.
	High float64

	// Low is the lowest price of the current trading day.
	Low float64

	// Open is the opening price of the current trading day.
	Open float64

	// PrevClose is the previous trading day's closing price.
	PrevClose float64

	// Timestamp is the time the quote was generated by the backend.
	Timestamp time.Time
}

// NewsItem is a single news headline with optional summary.
type NewsItem struct {
	// ID is the backend-assigned article identifier.
	ID string

	// Headline is the article title.
	Headline string

	// Summary is a short article abstract. May be empty.
	Summary string

	// Source names the publisher.
	Source string

	// URL points at the full article.
	URL string

	// Symbol is the ticker the article relates to. Empty for general market
	// news.
	Symbol string

	// PublishedAt is the article's publication time.
	PublishedAt time.Time
}

// Provider is the abstraction over any market data backend.
//
// Implementations must be safe for concurrent use; the tool registry may issue
// several requests in parallel within a single conversation turn.
type Provider interface {
	// Quote returns the latest price snapshot for symbol. The symbol must be a
	// canonical upper-case ticker. Returns ErrUnknownSymbol (possibly wrapped)
	// when the backend has no data for it.
	Quote(ctx context.Context, symbol string) (Quote, error)

	// News returns up to limit recent news items. When symbol is non-empty the
	// items relate to that ticker; when empty, general market news is returned.
	// The result is ordered newest first. A limit ≤ 0 applies the backend's
	// default page size.
	News(ctx context.Context, symbol string, limit int) ([]NewsItem, error)
}
