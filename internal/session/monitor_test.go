package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeCloser records Close calls and can fail per session id.
type fakeCloser struct {
	mu     sync.Mutex
	closed []string
	errs   map[string]error
}

func (f *fakeCloser) Close(sessionID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errs[sessionID]; ok {
		return err
	}
	f.closed = append(f.closed, sessionID)
	return nil
}

func (f *fakeCloser) closedSessions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.closed...)
}

func TestNewMonitorValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := NewMonitor(MonitorConfig{})
	if err == nil {
		t.Fatal("NewMonitor with empty config succeeded, want error")
	}

	// Interval above a quarter of the idle limit must be rejected.
	_, err = NewMonitor(MonitorConfig{
		Store:     &fakeStore{},
		Closer:    &fakeCloser{},
		IdleLimit: time.Minute,
		Interval:  30 * time.Second,
	})
	if err == nil {
		t.Fatal("NewMonitor accepted interval > idle_limit/4")
	}
}

func TestSweepOnceClosesIdleSessions(t *testing.T) {
	t.Parallel()

	st := &fakeStore{idleIDs: []string{"s1", "s2"}}
	closer := &fakeCloser{}
	mon, err := NewMonitor(MonitorConfig{Store: st, Closer: closer, IdleLimit: time.Minute})
	if err != nil {
		t.Fatalf("NewMonitor: %v", err)
	}

	n, err := mon.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if n != 2 {
		t.Errorf("closed = %d, want 2", n)
	}
	got := closer.closedSessions()
	if len(got) != 2 || got[0] != "s1" || got[1] != "s2" {
		t.Errorf("closed sessions = %v, want [s1 s2]", got)
	}
}

func TestSweepOnceReconcilesUnregisteredRows(t *testing.T) {
	t.Parallel()

	// s2 is in the table but not in the registry: Close returns ErrNotFound
	// and the row must be reconciled directly in storage.
	st := &fakeStore{idleIDs: []string{"s1", "s2"}}
	closer := &fakeCloser{errs: map[string]error{"s2": ErrNotFound}}
	mon, err := NewMonitor(MonitorConfig{Store: st, Closer: closer, IdleLimit: time.Minute})
	if err != nil {
		t.Fatalf("NewMonitor: %v", err)
	}

	n, err := mon.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if n != 2 {
		t.Errorf("closed = %d, want 2", n)
	}
	if rows := st.closedSessions(); len(rows) != 1 || rows[0] != "s2" {
		t.Errorf("store-closed rows = %v, want [s2]", rows)
	}
}

func TestSweepOnceRetriesScanFailures(t *testing.T) {
	t.Parallel()

	st := &fakeStore{
		idleIDs:  []string{"s1"},
		idleErrs: []error{errors.New("timeout"), errors.New("timeout")},
	}
	closer := &fakeCloser{}
	mon, err := NewMonitor(MonitorConfig{Store: st, Closer: closer, IdleLimit: time.Minute})
	if err != nil {
		t.Fatalf("NewMonitor: %v", err)
	}

	n, err := mon.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("SweepOnce after transient failures: %v", err)
	}
	if n != 1 {
		t.Errorf("closed = %d, want 1", n)
	}
}

func TestSetIdleLimitMovesThreshold(t *testing.T) {
	t.Parallel()

	st := &fakeStore{}
	mon, err := NewMonitor(MonitorConfig{Store: st, Closer: &fakeCloser{}, IdleLimit: time.Minute})
	if err != nil {
		t.Fatalf("NewMonitor: %v", err)
	}

	if _, err := mon.SweepOnce(context.Background()); err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	mon.SetIdleLimit(10 * time.Minute)
	if _, err := mon.SweepOnce(context.Background()); err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}

	thresholds := st.scanThresholds()
	if len(thresholds) != 2 {
		t.Fatalf("scan count = %d, want 2", len(thresholds))
	}
	// A longer idle limit means an earlier threshold.
	if !thresholds[1].Before(thresholds[0]) {
		t.Errorf("threshold did not move back after SetIdleLimit: %v then %v",
			thresholds[0], thresholds[1])
	}

	// Non-positive values are ignored.
	mon.SetIdleLimit(0)
	if _, err := mon.SweepOnce(context.Background()); err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
}

func TestReconcileOrphans(t *testing.T) {
	t.Parallel()

	st := &fakeStore{sweepN: 3}
	mon, err := NewMonitor(MonitorConfig{Store: st, Closer: &fakeCloser{}, IdleLimit: 10 * time.Minute})
	if err != nil {
		t.Fatalf("NewMonitor: %v", err)
	}

	n, err := mon.ReconcileOrphans(context.Background())
	if err != nil {
		t.Fatalf("ReconcileOrphans: %v", err)
	}
	if n != 3 {
		t.Errorf("reconciled = %d, want 3", n)
	}

	// The sweep must not touch rows with a live heartbeat: the threshold
	// lags now by the idle limit.
	st.mu.Lock()
	before := st.sweepBefore[0]
	st.mu.Unlock()
	if lag := time.Since(before); lag < 9*time.Minute {
		t.Errorf("sweep threshold lags now by %v, want about the idle limit", lag)
	}
}

func TestMonitorRunStops(t *testing.T) {
	t.Parallel()

	mon, err := NewMonitor(MonitorConfig{
		Store:     &fakeStore{},
		Closer:    &fakeCloser{},
		IdleLimit: time.Minute,
	})
	if err != nil {
		t.Fatalf("NewMonitor: %v", err)
	}

	done := make(chan struct{})
	go func() {
		mon.Run(context.Background())
		close(done)
	}()

	mon.Stop()
	mon.Stop() // idempotent

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop within 2s")
	}
}
