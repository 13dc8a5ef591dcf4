package searxng

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
)

func TestNew_EmptyBaseURL(t *testing.T) {
	t.Parallel()

	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty base URL")
	}
}

func TestSearch_MockServer(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search" {
			http.NotFound(w, r)
			return
		}
		if got := r.URL.Query().Get("format"); got != "json" {
			t.Errorf("format param = %q, want json", got)
		}
		if got := r.URL.Query().Get("q"); got != "nvidia earnings" {
			t.Errorf("q param = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results":[
			{"title":"NVIDIA Q3","url":"https://example.com/1","content":"Earnings beat.","engine":"duckduckgo","score":4.2},
			{"title":"","url":"","content":"dropped: no url"},
			{"title":"NVIDIA analysis","url":"https://example.com/2","content":"Deep dive.","engine":"bing","score":2.1},
			{"title":"Third","url":"https://example.com/3","content":"More.","engine":"brave","score":1.0}
		]}`))
	}))
	defer srv.Close()

	p, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	results, err := p.Search(context.Background(), "nvidia earnings", 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results (limit), got %d", len(results))
	}
	if results[0].Title != "NVIDIA Q3" || results[0].URL != "https://example.com/1" {
		t.Errorf("unexpected first result: %+v", results[0])
	}
	if results[1].Engine != "bing" {
		t.Errorf("second result engine = %q, want bing", results[1].Engine)
	}
}

func TestSearch_EmptyQuery(t *testing.T) {
	t.Parallel()

	p, err := New("http://localhost:8888")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Search(context.Background(), "", 5); err == nil {
		t.Fatal("expected error for empty query")
	}
}

func TestSearch_ServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	p, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Search(context.Background(), "anything", 5); err == nil {
		t.Fatal("expected error for status 502")
	}
}

func TestFetch_ExtractsReadableText(t *testing.T) {
	t.Parallel()

	page := `<!DOCTYPE html><html><head><title>Quarterly Report</title>
		<script>var skip = "me";</script><style>.x{color:red}</style></head>
		<body>
			<nav>Home | About</nav>
			<h1>Results</h1>
			<p>Revenue grew   12% year over year.</p>
			<p>Margins expanded.</p>
			<footer>Copyright</footer>
		</body></html>`

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(page))
	}))
	defer srv.Close()

	p, err := New("http://localhost:8888")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	got, err := p.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got.Title != "Quarterly Report" {
		t.Errorf("Title = %q, want 'Quarterly Report'", got.Title)
	}
	if strings.Contains(got.Text, "skip") || strings.Contains(got.Text, "color:red") {
		t.Errorf("text contains script/style content: %q", got.Text)
	}
	if strings.Contains(got.Text, "Home | About") || strings.Contains(got.Text, "Copyright") {
		t.Errorf("text contains nav/footer content: %q", got.Text)
	}
	if !strings.Contains(got.Text, "Revenue grew 12% year over year.") {
		t.Errorf("text missing normalised paragraph: %q", got.Text)
	}
	if !strings.Contains(got.Text, "Results") {
		t.Errorf("text missing heading: %q", got.Text)
	}
}

func TestFetch_RejectsNonHTML(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write([]byte("%PDF-1.4"))
	}))
	defer srv.Close()

	p, err := New("http://localhost:8888")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Fetch(context.Background(), srv.URL); err == nil {
		t.Fatal("expected error for non-HTML content type")
	}
}

func TestTruncateOnWord(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		in    string
		limit int
		want  string
	}{
		{name: "short passes through", in: "hello world", limit: 50, want: "hello world"},
		{name: "cuts at word boundary", in: "alpha beta gamma", limit: 12, want: "alpha beta"},
		{name: "single long word hard cut", in: "abcdefghij", limit: 5, want: "abcde"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := truncateOnWord(tt.in, tt.limit); got != tt.want {
				t.Errorf("truncateOnWord(%q, %d) = %q, want %q", tt.in, tt.limit, got, tt.want)
			}
		})
	}
}

func TestExtractReadable_BodyFallback(t *testing.T) {
	t.Parallel()

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(
		`<html><head><title>Bare</title></head><body>just   raw text</body></html>`))
	if err != nil {
		t.Fatalf("NewDocumentFromReader: %v", err)
	}
	title, text := extractReadable(doc)
	if title != "Bare" {
		t.Errorf("title = %q, want Bare", title)
	}
	if text != "just raw text" {
		t.Errorf("text = %q, want 'just raw text'", text)
	}
}
