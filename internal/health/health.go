// Package health serves the liveness and readiness probes of the voice
// backend. /healthz only proves the process answers HTTP. /readyz runs the
// registered dependency probes and distinguishes hard dependencies, which the
// assistant cannot answer a single turn without (Postgres, the configured LLM
// vendor), from soft ones like the tool-output cache, whose loss degrades
// latency but not correctness.
//
// The response body is a JSON object with a top-level "status" of "ok",
// "degraded" or "fail" and a "probes" map carrying each probe's outcome.
// A failed hard probe answers 503; a degraded process still answers 200 so
// orchestrators keep routing traffic to it.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// probeTimeout bounds one dependency probe. Slower than this counts as down.
const probeTimeout = 5 * time.Second

// Probe is one named readiness dependency.
type Probe struct {
	// Name keys the probe's outcome in the JSON body, e.g. "postgres".
	Name string

	// Soft marks a dependency the process can serve turns without. A failed
	// soft probe degrades readiness instead of failing it.
	Soft bool

	// Check pings the dependency. It must honor ctx cancellation and return
	// nil when the dependency is reachable.
	Check func(ctx context.Context) error
}

// Reported status values.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusFail     = "fail"
)

// report is the wire shape of both endpoints.
type report struct {
	Status string            `json:"status"`
	Probes map[string]string `json:"probes,omitempty"`
}

// Handler answers /healthz and /readyz. The probe set is fixed at
// construction; Readyz is safe for concurrent use.
type Handler struct {
	probes []Probe
}

// New builds a Handler over the given probes.
func New(probes ...Probe) *Handler {
	return &Handler{probes: append([]Probe(nil), probes...)}
}

// Healthz is the liveness endpoint. Always 200: a process that got this far
// can serve HTTP.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, report{Status: StatusOK})
}

// Readyz runs every probe concurrently, each under its own timeout, and
// folds the outcomes: any hard failure answers 503 "fail", soft-only
// failures answer 200 "degraded", otherwise 200 "ok".
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	outcomes := make([]error, len(h.probes))
	var wg sync.WaitGroup
	for i, p := range h.probes {
		wg.Add(1)
		go func(i int, p Probe) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
			defer cancel()
			outcomes[i] = p.Check(ctx)
		}(i, p)
	}
	wg.Wait()

	res := report{Status: StatusOK, Probes: make(map[string]string, len(h.probes))}
	httpStatus := http.StatusOK
	for i, p := range h.probes {
		if err := outcomes[i]; err != nil {
			res.Probes[p.Name] = "fail: " + err.Error()
			if p.Soft {
				if res.Status == StatusOK {
					res.Status = StatusDegraded
				}
			} else {
				res.Status = StatusFail
				httpStatus = http.StatusServiceUnavailable
			}
		} else {
			res.Probes[p.Name] = StatusOK
		}
	}

	writeJSON(w, httpStatus, res)
}

// Register mounts both endpoints on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
