package sessionlog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func newTestLogger(t *testing.T, opts ...Option) (*Logger, string) {
	t.Helper()
	root := filepath.Join(t.TempDir(), "sessions")
	logger, err := New(root, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return logger, root
}

func readLog(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	return string(b)
}

func TestSessionLogTranscript(t *testing.T) {
	logger, root := newTestLogger(t)

	sl := logger.Session("sess-1", "user-1", "websocket", time.Now())
	sl.UserQuery("how is apple doing", "voice")
	sl.LLMCall("intent", "gpt-4o-mini", "classify this", `{"intents":["stock_query"]}`, 320*time.Millisecond, "ok")
	sl.ToolCall("get_stock_price", `{"symbols":["AAPL"]}`, `{"AAPL":189.12}`, 45*time.Millisecond, "ok")
	sl.Response("Apple is trading at $189.12.", "neutral", []string{"up 2% today"}, 1200*time.Millisecond)
	sl.Close("user_request")

	content := readLog(t, filepath.Join(root, "sess-1.log"))

	for _, want := range []string{
		"SESSION sess-1",
		"user:    user-1",
		"source:  websocket",
		"query:   how is apple doing",
		"USER QUERY via=voice",
		"LLM CALL stage=intent model=gpt-4o-mini",
		"--- prompt ---\nclassify this",
		"TOOL CALL id=get_stock_price",
		`{"AAPL":189.12}`,
		"RESPONSE sentiment=neutral",
		"insights:\n  - up 2% today",
		"SESSION END cause=user_request",
	} {
		if !strings.Contains(content, want) {
			t.Errorf("transcript missing %q:\n%s", want, content)
		}
	}

	// Header, four records, footer.
	if got := strings.Count(content, separator); got != 6 {
		t.Errorf("separator count = %d, want 6", got)
	}
}

func TestSessionLogCloseWithoutQueries(t *testing.T) {
	logger, root := newTestLogger(t)

	sl := logger.Session("sess-2", "user-1", "websocket", time.Now())
	sl.Close("idle_timeout")

	content := readLog(t, filepath.Join(root, "sess-2.log"))
	if !strings.Contains(content, "query:   -") {
		t.Errorf("header should carry placeholder query:\n%s", content)
	}
	if !strings.Contains(content, "SESSION END cause=idle_timeout") {
		t.Errorf("footer missing:\n%s", content)
	}
	if got := strings.Count(content, separator); got != 2 {
		t.Errorf("separator count = %d, want 2", got)
	}
}

func TestSessionLogToolOutputTruncated(t *testing.T) {
	logger, root := newTestLogger(t, WithToolOutputLimit(15))

	// Multibyte runes so the limit lands inside one.
	output := strings.Repeat("é", 40)
	sl := logger.Session("sess-3", "user-1", "websocket", time.Now())
	sl.ToolCall("web_search", `{"query":"x"}`, output, time.Millisecond, "ok")

	content := readLog(t, filepath.Join(root, "sess-3.log"))
	if strings.Contains(content, output) {
		t.Error("full tool output should have been truncated")
	}
	if !strings.Contains(content, "[truncated 66 bytes]") {
		t.Errorf("truncation marker missing or wrong:\n%s", content)
	}
	if !utf8.ValidString(content) {
		t.Error("truncation split a rune")
	}
}

func TestSessionLogDropsRecordsAfterClose(t *testing.T) {
	logger, root := newTestLogger(t)

	sl := logger.Session("sess-4", "user-1", "websocket", time.Now())
	sl.UserQuery("first", "text")
	sl.Close("user_request")

	path := filepath.Join(root, "sess-4.log")
	before := readLog(t, path)

	sl.UserQuery("after close", "text")
	sl.Close("user_request")

	if after := readLog(t, path); after != before {
		t.Errorf("log grew after close:\n%s", after)
	}
}

func TestSessionLogConcurrentRecords(t *testing.T) {
	logger, root := newTestLogger(t)
	sl := logger.Session("sess-5", "user-1", "websocket", time.Now())

	done := make(chan struct{})
	for i := 0; i < 4; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 5; j++ {
				sl.ToolCall("get_stock_price", "{}", "{}", time.Millisecond, "ok")
			}
		}()
	}
	for i := 0; i < 4; i++ {
		<-done
	}
	sl.Close("user_request")

	content := readLog(t, filepath.Join(root, "sess-5.log"))
	// Header, twenty tool records, footer.
	if got := strings.Count(content, separator); got != 22 {
		t.Errorf("separator count = %d, want 22", got)
	}
}

func TestPostRunDiff(t *testing.T) {
	logger, root := newTestLogger(t)

	logger.PostRun(PostRunRecord{
		SessionID: "sess-6",
		UserID:    "user-1",
		PriorNotes: map[string]string{
			"stocks":   "holds AAPL",
			"trading":  "prefers limit orders",
			"research": "reads filings",
		},
		NewNotes: map[string]string{
			"stocks":    "holds AAPL",
			"trading":   "prefers limit orders, asked about stop losses",
			"watchlist": "tracking NVDA",
		},
		Status:   "ok",
		Duration: 900 * time.Millisecond,
	})

	content := readLog(t, filepath.Join(root, "sess-6_post-run.log"))
	for _, want := range []string{
		"POST-RUN sess-6",
		"status:   ok",
		"= stocks",
		"~ trading",
		"+ watchlist",
		"- research",
	} {
		if !strings.Contains(content, want) {
			t.Errorf("post-run log missing %q:\n%s", want, content)
		}
	}
}

func TestPostRunEmptyNotes(t *testing.T) {
	logger, root := newTestLogger(t)

	logger.PostRun(PostRunRecord{
		SessionID: "sess-7",
		UserID:    "user-1",
		Status:    "skipped_empty_buffer",
		Duration:  0,
	})

	content := readLog(t, filepath.Join(root, "sess-7_post-run.log"))
	if !strings.Contains(content, "status:   skipped_empty_buffer") {
		t.Errorf("status missing:\n%s", content)
	}
	if got := strings.Count(content, "(none)"); got != 3 {
		t.Errorf("(none) count = %d, want 3 (prior, new, diff)", got)
	}
}

func TestTruncateUTF8(t *testing.T) {
	got, dropped := truncateUTF8("héllo", 2)
	if got != "h" || dropped != 5 {
		t.Errorf("truncateUTF8 = (%q, %d), want (%q, 5)", got, dropped, "h")
	}
	got, dropped = truncateUTF8("abc", 10)
	if got != "abc" || dropped != 0 {
		t.Errorf("truncateUTF8 = (%q, %d), want (%q, 0)", got, dropped, "abc")
	}
}
