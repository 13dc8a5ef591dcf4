package agent

import "testing"

func TestBuildChecklist(t *testing.T) {
	tests := []struct {
		name       string
		intents    []Intent
		wantCount  int
		wantQuery  []string
		wantMinRes []int
	}{
		{
			name:       "price lookup plans one item",
			intents:    []Intent{{Tag: IntentPriceCheck, Symbols: []string{"AAPL", "TSLA"}}},
			wantCount:  1,
			wantQuery:  []string{"current price: AAPL, TSLA"},
			wantMinRes: []int{1},
		},
		{
			name:      "price without symbols plans nothing",
			intents:   []Intent{{Tag: IntentPriceCheck}},
			wantCount: 0,
		},
		{
			name:       "news without scope plans a general item",
			intents:    []Intent{{Tag: IntentNewsSearch}},
			wantCount:  1,
			wantQuery:  []string{"latest market news"},
			wantMinRes: []int{1},
		},
		{
			name:       "research expands per symbol",
			intents:    []Intent{{Tag: IntentResearch, Symbols: []string{"NVDA", "AMD"}, Keywords: []string{"earnings", "growth"}}},
			wantCount:  2,
			wantQuery:  []string{"NVDA earnings growth", "AMD earnings growth"},
			wantMinRes: []int{5, 5},
		},
		{
			name:       "comparison without keywords gets default queries",
			intents:    []Intent{{Tag: IntentComparison, Symbols: []string{"NVDA", "AMD"}}},
			wantCount:  2,
			wantQuery:  []string{"NVDA stock analysis", "AMD stock analysis"},
			wantMinRes: []int{5, 5},
		},
		{
			name:       "topic research without symbols",
			intents:    []Intent{{Tag: IntentResearch, Keywords: []string{"semiconductor", "supply"}}},
			wantCount:  1,
			wantQuery:  []string{"semiconductor supply"},
			wantMinRes: []int{5},
		},
		{
			name:       "bare research falls back to the utterance",
			intents:    []Intent{{Tag: IntentResearch}},
			wantCount:  1,
			wantQuery:  []string{"tell me about the market"},
			wantMinRes: []int{5},
		},
		{
			name: "chat watchlist and unknown plan nothing",
			intents: []Intent{
				{Tag: IntentChat},
				{Tag: IntentWatchlist, Action: "view"},
				{Tag: IntentUnknown},
			},
			wantCount: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items := buildChecklist(tt.intents, "tell me about the market", 5)
			if len(items) != tt.wantCount {
				t.Fatalf("got %d items, want %d", len(items), tt.wantCount)
			}
			for i, it := range items {
				if it.Index != i {
					t.Errorf("item %d has Index %d", i, it.Index)
				}
				if it.Query != tt.wantQuery[i] {
					t.Errorf("item %d query = %q, want %q", i, it.Query, tt.wantQuery[i])
				}
				if it.MinResults != tt.wantMinRes[i] {
					t.Errorf("item %d min results = %d, want %d", i, it.MinResults, tt.wantMinRes[i])
				}
			}
		})
	}
}

func TestBuildChecklistTracksIntentIndex(t *testing.T) {
	intents := []Intent{
		{Tag: IntentPriceCheck, Symbols: []string{"AAPL"}},
		{Tag: IntentChat},
		{Tag: IntentResearch, Symbols: []string{"NVDA", "AMD"}},
	}
	items := buildChecklist(intents, "", 5)

	if len(items) != 3 {
		t.Fatalf("got %d items, want 3", len(items))
	}
	wantIntentIdx := []int{0, 2, 2}
	wantTags := []string{IntentPriceCheck, IntentResearch, IntentResearch}
	for i, it := range items {
		if it.IntentIndex != wantIntentIdx[i] {
			t.Errorf("item %d IntentIndex = %d, want %d", i, it.IntentIndex, wantIntentIdx[i])
		}
		if it.Intent != wantTags[i] {
			t.Errorf("item %d Intent = %q, want %q", i, it.Intent, wantTags[i])
		}
	}
}
