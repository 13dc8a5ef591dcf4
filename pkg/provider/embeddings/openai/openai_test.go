package openai

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNewRequiresAPIKey(t *testing.T) {
	if _, err := New("", "text-embedding-3-small"); err == nil {
		t.Fatal("expected error for empty api key")
	}
}

func TestNewDefaultsModel(t *testing.T) {
	p, err := New("sk-test", "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.model != DefaultModel {
		t.Errorf("model = %q, want %q", p.model, DefaultModel)
	}
}

func TestEmbedDecodesVector(t *testing.T) {
	var gotAuth, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.Header().Set("Content-Type", "application/json")
		if _, err := w.Write([]byte(`{
			"object": "list",
			"data": [{"object": "embedding", "index": 0, "embedding": [0.25, -0.5, 1.0]}],
			"model": "text-embedding-3-small",
			"usage": {"prompt_tokens": 4, "total_tokens": 4}
		}`)); err != nil {
			t.Errorf("write response: %v", err)
		}
	}))
	defer srv.Close()

	p, err := New("sk-test", "text-embedding-3-small",
		WithBaseURL(srv.URL), WithTimeout(5*time.Second))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	vec, err := p.Embed(context.Background(), "how is apple doing")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	want := []float32{0.25, -0.5, 1.0}
	if len(vec) != len(want) {
		t.Fatalf("len(vec) = %d, want %d", len(vec), len(want))
	}
	for i := range want {
		if vec[i] != want[i] {
			t.Errorf("vec[%d] = %v, want %v", i, vec[i], want[i])
		}
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("authorization = %q", gotAuth)
	}
	if !strings.Contains(gotBody, "how is apple doing") {
		t.Errorf("request body did not carry the text: %s", gotBody)
	}
}

func TestEmbedEmptyResponseIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if _, err := w.Write([]byte(`{"object": "list", "data": [], "model": "text-embedding-3-small", "usage": {"prompt_tokens": 0, "total_tokens": 0}}`)); err != nil {
			t.Errorf("write response: %v", err)
		}
	}))
	defer srv.Close()

	p, err := New("sk-test", "", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Embed(context.Background(), "anything"); err == nil {
		t.Fatal("expected error for an empty data array")
	}
}
