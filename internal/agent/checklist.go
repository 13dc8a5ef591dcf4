package agent

import (
	"fmt"
	"strings"
	"time"
)

// ChecklistItem is one planned sub-query of a turn. Research and comparison
// intents expand to one item per symbol; a fact lookup (price, news) plans a
// single item covering the whole intent. Chat, watchlist and unknown intents
// plan nothing.
type ChecklistItem struct {
	// Index is the item's position in the turn's checklist.
	Index int

	// IntentIndex points at the intent that planned the item.
	IntentIndex int

	// Intent is that intent's tag.
	Intent string

	// Query is the natural-language sub-query.
	Query string

	// Symbols are the tickers the item targets. Empty for topic-only
	// research.
	Symbols []string

	// Keywords carry the intent's search terms.
	Keywords []string

	// MinResults is how many results the item needs to count as complete.
	// Research items default to the turn's minimum; fact lookups need one.
	MinResults int

	// Completed, ResultCount and CompletedAt are filled by the fetch stage.
	Completed   bool
	ResultCount int
	CompletedAt time.Time
}

// buildChecklist plans the turn's sub-queries from its intents. userText is
// the fallback query for research intents that carry neither symbols nor
// keywords. minResults applies to research and comparison items.
func buildChecklist(intents []Intent, userText string, minResults int) []*ChecklistItem {
	var items []*ChecklistItem

	appendItem := func(it ChecklistItem) {
		it.Index = len(items)
		items = append(items, &it)
	}

	for idx, in := range intents {
		switch in.Tag {
		case IntentResearch, IntentComparison:
			topic := strings.Join(in.Keywords, " ")
			if len(in.Symbols) == 0 {
				query := topic
				if query == "" {
					query = userText
				}
				appendItem(ChecklistItem{
					IntentIndex: idx,
					Intent:      in.Tag,
					Query:       query,
					Keywords:    in.Keywords,
					MinResults:  minResults,
				})
				continue
			}
			for _, sym := range in.Symbols {
				query := sym + " stock analysis"
				if topic != "" {
					query = sym + " " + topic
				}
				appendItem(ChecklistItem{
					IntentIndex: idx,
					Intent:      in.Tag,
					Query:       query,
					Symbols:     []string{sym},
					Keywords:    in.Keywords,
					MinResults:  minResults,
				})
			}

		case IntentPriceCheck:
			if len(in.Symbols) == 0 {
				continue
			}
			appendItem(ChecklistItem{
				IntentIndex: idx,
				Intent:      in.Tag,
				Query:       fmt.Sprintf("current price: %s", strings.Join(in.Symbols, ", ")),
				Symbols:     in.Symbols,
				MinResults:  1,
			})

		case IntentNewsSearch:
			query := "latest market news"
			if len(in.Symbols) > 0 {
				query = fmt.Sprintf("latest news: %s", strings.Join(in.Symbols, ", "))
			} else if len(in.Keywords) > 0 {
				query = fmt.Sprintf("latest news: %s", strings.Join(in.Keywords, ", "))
			}
			appendItem(ChecklistItem{
				IntentIndex: idx,
				Intent:      in.Tag,
				Query:       query,
				Symbols:     in.Symbols,
				Keywords:    in.Keywords,
				MinResults:  1,
			})
		}
	}
	return items
}
