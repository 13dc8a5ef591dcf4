package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func decodeReport(t *testing.T, rec *httptest.ResponseRecorder) report {
	t.Helper()
	var body report
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return body
}

func okProbe(name string) Probe {
	return Probe{Name: name, Check: func(context.Context) error { return nil }}
}

func failProbe(name, msg string) Probe {
	return Probe{Name: name, Check: func(context.Context) error { return errors.New(msg) }}
}

func TestHealthzAlwaysOK(t *testing.T) {
	h := New(failProbe("postgres", "connection refused"))

	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := decodeReport(t, rec); got.Status != StatusOK {
		t.Errorf("body status = %q, want %q", got.Status, StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestReadyzAllProbesPass(t *testing.T) {
	h := New(okProbe("postgres"), okProbe("llm"), Probe{
		Name: "cache",
		Soft: true,
		Check: func(context.Context) error { return nil },
	})

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	body := decodeReport(t, rec)
	if body.Status != StatusOK {
		t.Errorf("body status = %q, want %q", body.Status, StatusOK)
	}
	for _, name := range []string{"postgres", "llm", "cache"} {
		if body.Probes[name] != StatusOK {
			t.Errorf("probe %s = %q, want ok", name, body.Probes[name])
		}
	}
}

func TestReadyzHardFailureFailsReadiness(t *testing.T) {
	h := New(failProbe("postgres", "connection refused"), okProbe("llm"))

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	body := decodeReport(t, rec)
	if body.Status != StatusFail {
		t.Errorf("body status = %q, want %q", body.Status, StatusFail)
	}
	if body.Probes["postgres"] != "fail: connection refused" {
		t.Errorf("postgres probe = %q", body.Probes["postgres"])
	}
	if body.Probes["llm"] != StatusOK {
		t.Errorf("llm probe = %q, want ok", body.Probes["llm"])
	}
}

func TestReadyzSoftFailureOnlyDegrades(t *testing.T) {
	h := New(okProbe("postgres"), okProbe("llm"), Probe{
		Name: "cache",
		Soft: true,
		Check: func(context.Context) error {
			return errors.New("redis: connection pool timeout")
		},
	})

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

	// A dead cache slows turns down; it must not pull the process out of
	// the load balancer.
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	body := decodeReport(t, rec)
	if body.Status != StatusDegraded {
		t.Errorf("body status = %q, want %q", body.Status, StatusDegraded)
	}
	if body.Probes["cache"] != "fail: redis: connection pool timeout" {
		t.Errorf("cache probe = %q", body.Probes["cache"])
	}
}

func TestReadyzHardFailureWinsOverSoft(t *testing.T) {
	h := New(
		Probe{Name: "cache", Soft: true, Check: func(context.Context) error {
			return errors.New("down")
		}},
		failProbe("postgres", "down"),
	)

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	if body := decodeReport(t, rec); body.Status != StatusFail {
		t.Errorf("body status = %q, want %q", body.Status, StatusFail)
	}
}

func TestReadyzNoProbes(t *testing.T) {
	h := New()

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if body := decodeReport(t, rec); body.Status != StatusOK {
		t.Errorf("body status = %q, want %q", body.Status, StatusOK)
	}
}

func TestReadyzProbesRunConcurrently(t *testing.T) {
	started := make(chan string, 2)
	release := make(chan struct{})
	slow := func(name string) Probe {
		return Probe{Name: name, Check: func(ctx context.Context) error {
			started <- name
			select {
			case <-release:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}}
	}
	h := New(slow("postgres"), slow("llm"))

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		rec := httptest.NewRecorder()
		h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))
		done <- rec
	}()

	// Both probes start before either finishes.
	<-started
	<-started
	close(release)

	rec := <-done
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestRegisterMountsBothRoutes(t *testing.T) {
	h := New(okProbe("postgres"))
	mux := http.NewServeMux()
	h.Register(mux)

	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s status = %d, want %d", path, rec.Code, http.StatusOK)
		}
	}
}

func TestReadyzHonorsRequestCancellation(t *testing.T) {
	h := New(Probe{Name: "postgres", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}
