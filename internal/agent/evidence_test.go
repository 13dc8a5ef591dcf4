package agent

import (
	"errors"
	"testing"
	"time"
)

func TestBundleDedupesByURLKeepingBestScore(t *testing.T) {
	b := newEvidenceBuilder()
	b.add(
		Citation{Source: "web_research", Title: "weak copy", URL: "https://x.test/a", Relevance: 0.3},
		Citation{Source: "web_research", Title: "strong copy", URL: "https://x.test/a", Relevance: 0.9},
		Citation{Source: "web_research", Title: "other", URL: "https://x.test/b", Relevance: 0.5},
		Citation{Source: "get_stock_price", Title: "AAPL quote", Relevance: 1.0},
		Citation{Source: "get_stock_price", Title: "TSLA quote", Relevance: 1.0},
	)

	bundle, _ := b.bundle(nil, false)
	if len(bundle.Citations) != 4 {
		t.Fatalf("got %d citations, want 4", len(bundle.Citations))
	}
	for _, c := range bundle.Citations {
		if c.URL == "https://x.test/a" && c.Title != "strong copy" {
			t.Fatalf("dedupe kept %q, want the higher relevance copy", c.Title)
		}
	}
}

func TestBundleRanksByRelevanceThenRecency(t *testing.T) {
	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fresh := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	b := newEvidenceBuilder()
	b.add(
		Citation{Title: "old news", URL: "https://n.test/1", Relevance: 0.9, PublishedAt: old},
		Citation{Title: "fresh news", URL: "https://n.test/2", Relevance: 0.9, PublishedAt: fresh},
		Citation{Title: "top hit", URL: "https://n.test/3", Relevance: 2.4},
		Citation{Title: "weak hit", URL: "https://n.test/4", Relevance: 0.1},
	)

	bundle, _ := b.bundle(nil, false)
	want := []string{"top hit", "fresh news", "old news", "weak hit"}
	for i, title := range want {
		if bundle.Citations[i].Title != title {
			t.Fatalf("rank %d = %q, want %q", i, bundle.Citations[i].Title, title)
		}
	}
}

func TestBundleConfidenceIsCompletedFraction(t *testing.T) {
	items := []*ChecklistItem{
		{Index: 0, MinResults: 5},
		{Index: 1, MinResults: 5},
	}

	b := newEvidenceBuilder()
	b.finishItem(items[0], 6, true)
	b.finishItem(items[1], 2, false)

	bundle, snapshot := b.bundle(items, false)
	if bundle.Confidence != 0.5 {
		t.Fatalf("confidence = %v, want 0.5", bundle.Confidence)
	}
	if !bundle.Partial {
		t.Fatal("bundle with an incomplete item must be partial")
	}
	if !snapshot[0].Completed || snapshot[0].ResultCount != 6 {
		t.Fatalf("snapshot[0] = %+v", snapshot[0])
	}
	if snapshot[1].Completed || snapshot[1].ResultCount != 2 {
		t.Fatalf("snapshot[1] = %+v", snapshot[1])
	}
}

func TestBundleAllCompleted(t *testing.T) {
	items := []*ChecklistItem{{Index: 0, MinResults: 1}}
	b := newEvidenceBuilder()
	b.finishItem(items[0], 1, true)

	bundle, _ := b.bundle(items, false)
	if bundle.Partial {
		t.Fatal("fully completed checklist must not be partial")
	}
	if bundle.Confidence != 1.0 {
		t.Fatalf("confidence = %v, want 1.0", bundle.Confidence)
	}
}

func TestBundleNoItemsHasZeroConfidence(t *testing.T) {
	b := newEvidenceBuilder()
	bundle, _ := b.bundle(nil, false)
	if bundle.Confidence != 0 {
		t.Fatalf("confidence = %v, want 0", bundle.Confidence)
	}
	if bundle.Partial {
		t.Fatal("a turn with no checklist is not partial")
	}
}

func TestBundleJoinTimeoutForcesPartial(t *testing.T) {
	items := []*ChecklistItem{{Index: 0, MinResults: 1}}
	b := newEvidenceBuilder()
	b.finishItem(items[0], 1, true)

	bundle, _ := b.bundle(items, true)
	if !bundle.Partial {
		t.Fatal("join timeout must mark the bundle partial")
	}
	if bundle.Confidence != 1.0 {
		t.Fatalf("confidence = %v, want 1.0", bundle.Confidence)
	}
}

func TestBundleRecordsFailures(t *testing.T) {
	b := newEvidenceBuilder()
	b.fail("get_market_news", errors.New("backend down"))

	bundle, _ := b.bundle(nil, false)
	if len(bundle.Failures) != 1 {
		t.Fatalf("failures = %v", bundle.Failures)
	}
	if bundle.Failures[0] != "get_market_news: backend down" {
		t.Fatalf("failure = %q", bundle.Failures[0])
	}
}

func TestBundleHasSource(t *testing.T) {
	bundle := Bundle{Citations: []Citation{{Source: "get_stock_price"}}}
	if !bundle.HasSource("get_stock_price") {
		t.Fatal("HasSource missed an existing source")
	}
	if bundle.HasSource("web_research") {
		t.Fatal("HasSource invented a source")
	}
}
