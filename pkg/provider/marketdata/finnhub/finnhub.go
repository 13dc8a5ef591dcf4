// Package finnhub provides a market data provider backed by the Finnhub REST
// API (https://finnhub.io). It implements the marketdata.Provider interface.
//
// Finnhub's free tier allows 60 calls per minute; the provider enforces a
// client-side token bucket so that parallel tool fetches within a turn cannot
// trip the server-side limit. The bucket is shared across all methods of a
// single Provider instance.
package finnhub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/marketvox/marketvox/pkg/provider/marketdata"
)

// Compile-time interface assertion.
var _ marketdata.Provider = (*Provider)(nil)

const (
	defaultBaseURL = "https://finnhub.io/api/v1"
	defaultTimeout = 10 * time.Second

	// defaultNewsLimit is the page size used when the caller passes limit ≤ 0.
	defaultNewsLimit = 10

	// newsWindowDays is how far back company news queries reach.
	newsWindowDays = 7

	// freeTierPerMinute is Finnhub's documented free-tier request budget.
	freeTierPerMinute = 60
)

// ErrRateLimited is returned when Finnhub answers 429. The request may be
// retried after a backoff.
var ErrRateLimited = errors.New("finnhub: rate limited")

// Option is a functional option for configuring the Finnhub Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL. Useful for tests and proxies.
func WithBaseURL(u string) Option {
	return func(p *Provider) {
		p.baseURL = u
	}
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 10 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// WithRequestsPerMinute overrides the client-side rate limit. Defaults to the
// free-tier budget of 60 requests per minute.
func WithRequestsPerMinute(n int) Option {
	return func(p *Provider) {
		if n > 0 {
			p.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(n)), n)
		}
	}
}

// Provider implements marketdata.Provider backed by the Finnhub REST API.
type Provider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter

	// now is overridable in tests to pin the news date window.
	now func() time.Time
}

// New creates a new Finnhub Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("finnhub: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
		limiter:    rate.NewLimiter(rate.Every(time.Minute/freeTierPerMinute), freeTierPerMinute),
		now:        time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ---- wire types ----

// quoteResponse mirrors GET /quote.
type quoteResponse struct {
	Current       float64 `json:"c"`
	Change        float64 `json:"d"`
	PercentChange float64 `json:"dp"`
	High          float64 `json:"h"`
	Low           float64 `json:"l"`
	Open          float64 `json:"o"`
	PrevClose     float64 `json:"pc"`
	Timestamp     int64   `json:"t"`
}

// newsEntry mirrors one element of GET /company-news and GET /news.
type newsEntry struct {
	ID       int64  `json:"id"`
	Datetime int64  `json:"datetime"`
	Headline string `json:"headline"`
	Related  string `json:"related"`
	Source   string `json:"source"`
	Summary  string `json:"summary"`
	URL      string `json:"url"`
}

// ---- Provider methods ----

// Quote fetches the latest price snapshot for symbol via GET /quote.
func (p *Provider) Quote(ctx context.Context, symbol string) (marketdata.Quote, error) {
	if symbol == "" {
		return marketdata.Quote{}, errors.New("finnhub: symbol must not be empty")
	}

	params := url.Values{}
	params.Set("symbol", symbol)

	body, err := p.get(ctx, "/quote", params)
	if err != nil {
		return marketdata.Quote{}, err
	}
	return parseQuote(body, symbol)
}

// News fetches recent news via GET /company-news (symbol set) or GET /news
// (symbol empty). Results are truncated to limit.
func (p *Provider) News(ctx context.Context, symbol string, limit int) ([]marketdata.NewsItem, error) {
	if limit <= 0 {
		limit = defaultNewsLimit
	}

	var (
		path   string
		params = url.Values{}
	)
	if symbol == "" {
		path = "/news"
		params.Set("category", "general")
	} else {
		path = "/company-news"
		params.Set("symbol", symbol)
		to := p.now().UTC()
		from := to.AddDate(0, 0, -newsWindowDays)
		params.Set("from", from.Format("2006-01-02"))
		params.Set("to", to.Format("2006-01-02"))
	}

	body, err := p.get(ctx, path, params)
	if err != nil {
		return nil, err
	}
	items, err := parseNews(body)
	if err != nil {
		return nil, err
	}
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// get performs a rate-limited GET against the Finnhub API and returns the raw
// response body.
func (p *Provider) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("finnhub: rate limiter: %w", err)
	}

	params.Set("token", p.apiKey)
	reqURL := p.baseURL + path + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("finnhub: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("finnhub: GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("finnhub: GET %s: %w", path, ErrRateLimited)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("finnhub: GET %s returned status %d", path, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("finnhub: read response: %w", err)
	}
	return body, nil
}

// ---- parse helpers ----

// parseQuote decodes a /quote response body. Finnhub answers 200 with an
// all-zero payload for symbols it does not know; that case is mapped onto
// marketdata.ErrUnknownSymbol.
func parseQuote(body []byte, symbol string) (marketdata.Quote, error) {
	var qr quoteResponse
	if err := json.Unmarshal(body, &qr); err != nil {
		return marketdata.Quote{}, fmt.Errorf("finnhub: decode quote: %w", err)
	}
	if qr.Current == 0 && qr.PrevClose == 0 && qr.Timestamp == 0 {
		return marketdata.Quote{}, fmt.Errorf("finnhub: %q: %w", symbol, marketdata.ErrUnknownSymbol)
	}
	return marketdata.Quote{
		Symbol:        symbol,
		Current:       qr.Current,
		Change:        qr.Change,
		PercentChange: qr.PercentChange,
		High:          qr.High,
		Low:           qr.Low,
		Open:          qr.Open,
		PrevClose:     qr.PrevClose,
		Timestamp:     time.Unix(qr.Timestamp, 0).UTC(),
	}, nil
}

// parseNews decodes a /company-news or /news response body into NewsItem
// values, preserving the backend's newest-first ordering.
func parseNews(body []byte) ([]marketdata.NewsItem, error) {
	var entries []newsEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("finnhub: decode news: %w", err)
	}

	items := make([]marketdata.NewsItem, 0, len(entries))
	for _, e := range entries {
		if e.Headline == "" {
			continue
		}
		items = append(items, marketdata.NewsItem{
			ID:          strconv.FormatInt(e.ID, 10),
			Headline:    e.Headline,
			Summary:     e.Summary,
			Source:      e.Source,
			URL:         e.URL,
			Symbol:      e.Related,
			PublishedAt: time.Unix(e.Datetime, 0).UTC(),
		})
	}
	return items, nil
}
