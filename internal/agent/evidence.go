package agent

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Citation is one piece of evidence a tool contributed to the turn.
type Citation struct {
	// Source is the tool that produced the citation.
	Source string

	// Title is a short label: a headline, a page title, or "AAPL quote".
	Title string

	// URL is empty for facts that have no page behind them (quotes,
	// watchlist snapshots).
	URL string

	// Snippet is the text handed to the response generator.
	Snippet string

	// Relevance ranks citations within the bundle. Search hits carry the
	// engine's score; tools without one use a per-source default.
	Relevance float64

	// PublishedAt orders equally relevant citations newest first. Zero when
	// the source has no timestamp.
	PublishedAt time.Time
}

// Bundle is the joined evidence of one turn, ranked and deduplicated.
type Bundle struct {
	Citations []Citation

	// Failures lists tool calls that errored, as "tool: cause" strings. A
	// failed call never aborts the turn; it is recorded here and surfaced in
	// the response when nothing better exists.
	Failures []string

	// Partial is set when the checklist join deadline passed with stragglers
	// still running, or when any checklist item finished incomplete.
	Partial bool

	// Confidence is the fraction of checklist items that completed. Zero when
	// no item completed or the turn planned none.
	Confidence float64
}

// HasSource reports whether any citation came from the named tool.
func (b Bundle) HasSource(toolID string) bool {
	for _, c := range b.Citations {
		if c.Source == toolID {
			return true
		}
	}
	return false
}

// evidenceBuilder collects citations and checklist progress from the fetch
// goroutines. All mutation goes through the builder so a join that fires
// while calls are still in flight reads a consistent snapshot.
type evidenceBuilder struct {
	mu        sync.Mutex
	citations []Citation
	failures  []string
}

func newEvidenceBuilder() *evidenceBuilder {
	return &evidenceBuilder{}
}

func (b *evidenceBuilder) add(cs ...Citation) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.citations = append(b.citations, cs...)
}

func (b *evidenceBuilder) fail(toolID string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = append(b.failures, fmt.Sprintf("%s: %v", toolID, err))
}

// finishItem records a checklist item's outcome. Item fields are only ever
// written here, under the builder lock.
func (b *evidenceBuilder) finishItem(it *ChecklistItem, resultCount int, completed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	it.ResultCount = resultCount
	it.Completed = completed
	it.CompletedAt = time.Now()
}

// bundle snapshots the evidence collected so far. Citations are deduplicated
// by URL keeping the higher relevance, then ranked by relevance descending
// and recency descending. Late writes from stragglers that lose the join race
// are simply not in the snapshot.
func (b *evidenceBuilder) bundle(items []*ChecklistItem, joinTimedOut bool) (Bundle, []ChecklistItem) {
	b.mu.Lock()
	defer b.mu.Unlock()

	deduped := make([]Citation, 0, len(b.citations))
	byURL := make(map[string]int)
	for _, c := range b.citations {
		if c.URL == "" {
			deduped = append(deduped, c)
			continue
		}
		if i, ok := byURL[c.URL]; ok {
			if c.Relevance > deduped[i].Relevance {
				deduped[i] = c
			}
			continue
		}
		byURL[c.URL] = len(deduped)
		deduped = append(deduped, c)
	}

	sort.SliceStable(deduped, func(i, j int) bool {
		if deduped[i].Relevance != deduped[j].Relevance {
			return deduped[i].Relevance > deduped[j].Relevance
		}
		return deduped[i].PublishedAt.After(deduped[j].PublishedAt)
	})

	completed := 0
	partial := joinTimedOut
	snapshot := make([]ChecklistItem, len(items))
	for i, it := range items {
		snapshot[i] = *it
		if it.Completed {
			completed++
		} else {
			partial = true
		}
	}

	confidence := 0.0
	if len(items) > 0 {
		confidence = float64(completed) / float64(len(items))
	}

	return Bundle{
		Citations:  deduped,
		Failures:   append([]string(nil), b.failures...),
		Partial:    partial,
		Confidence: confidence,
	}, snapshot
}
