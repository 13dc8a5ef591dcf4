package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/marketvox/marketvox/pkg/provider/marketdata"
	"github.com/marketvox/marketvox/pkg/types"
)

// PriceToolName identifies the quote lookup tool.
const PriceToolName = "get_stock_price"

const (
	defaultPriceTTL     = 45 * time.Second
	defaultPriceTimeout = 10 * time.Second
)

// PriceInput names the symbols to quote.
type PriceInput struct {
	Symbols []string `json:"symbols"`
}

// PriceQuote is one symbol's snapshot in the tool output.
type PriceQuote struct {
	Symbol        string    `json:"symbol"`
	Price         float64   `json:"price"`
	Change        float64   `json:"change"`
	PercentChange float64   `json:"percent_change"`
	Volume        int64     `json:"volume"`
	High          float64   `json:"high"`
	Low           float64   `json:"low"`
	PrevClose     float64   `json:"prev_close"`
	Timestamp     time.Time `json:"timestamp"`
}

// PriceOutput carries the quotes that resolved plus the symbols that did not.
type PriceOutput struct {
	Quotes  []PriceQuote `json:"quotes"`
	Missing []string     `json:"missing,omitempty"`
}

// PriceTool answers current price, change and volume for up to ten symbols
// per call. Unknown symbols are reported in the output rather than failing
// the whole call.
type PriceTool struct {
	provider marketdata.Provider
	settings toolSettings
}

var _ Tool = (*PriceTool)(nil)

// NewPriceTool wraps a market data provider as a registry tool.
func NewPriceTool(provider marketdata.Provider, opts ...Option) *PriceTool {
	t := &PriceTool{
		provider: provider,
		settings: toolSettings{ttl: defaultPriceTTL, timeout: defaultPriceTimeout},
	}
	for _, opt := range opts {
		opt(&t.settings)
	}
	return t
}

func (t *PriceTool) Definition() types.ToolDefinition {
	return types.ToolDefinition{
		Name:        PriceToolName,
		Description: "Get the current price, change, percent change and volume for one or more stock ticker symbols.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"symbols": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Ticker symbols to quote, e.g. [\"AAPL\", \"TSLA\"]. At most 10.",
				},
			},
			"required": []string{"symbols"},
		},
		Idempotent: true,
	}
}

func (t *PriceTool) TTL() time.Duration     { return t.settings.ttl }
func (t *PriceTool) Timeout() time.Duration { return t.settings.timeout }

func (t *PriceTool) Invoke(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	var in PriceInput
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	if err := validateSymbols(in.Symbols); err != nil {
		return nil, err
	}
	symbols := normalizeSymbols(in.Symbols)

	quotes := make([]marketdata.Quote, len(symbols))
	missing := make([]bool, len(symbols))
	g, gctx := errgroup.WithContext(ctx)
	for i, sym := range symbols {
		g.Go(func() error {
			q, err := t.provider.Quote(gctx, sym)
			if errors.Is(err, marketdata.ErrUnknownSymbol) {
				missing[i] = true
				return nil
			}
			if err != nil {
				return Transient(fmt.Errorf("quote %s: %w", sym, err))
			}
			quotes[i] = q
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := PriceOutput{Quotes: make([]PriceQuote, 0, len(symbols))}
	for i, sym := range symbols {
		if missing[i] {
			out.Missing = append(out.Missing, sym)
			continue
		}
		q := quotes[i]
		out.Quotes = append(out.Quotes, PriceQuote{
			Symbol:        q.Symbol,
			Price:         q.Current,
			Change:        q.Change,
			PercentChange: q.PercentChange,
			Volume:        q.Volume,
			High:          q.High,
			Low:           q.Low,
			PrevClose:     q.PrevClose,
			Timestamp:     q.Timestamp,
		})
	}
	return json.Marshal(out)
}
