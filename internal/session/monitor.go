package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marketvox/marketvox/internal/store"
)

// DefaultIdleLimit is the heartbeat lapse after which a session counts as
// abandoned. A lapse exactly equal to the limit does not close.
const DefaultIdleLimit = 2 * time.Minute

// monitorRetryBackoff seeds the scan retry backoff.
const monitorRetryBackoff = 200 * time.Millisecond

// MonitorStore is the storage subset the heartbeat monitor scans and
// reconciles. *store.Store implements it.
type MonitorStore interface {
	IdleSessions(ctx context.Context, threshold time.Time) ([]string, error)
	CloseSession(ctx context.Context, sessionID string) error
	SweepOrphans(ctx context.Context, before time.Time) (int64, error)
}

var _ MonitorStore = (*store.Store)(nil)

// SessionCloser closes one registered session with a cause. *Manager
// implements it.
type SessionCloser interface {
	Close(sessionID, cause string) error
}

var _ SessionCloser = (*Manager)(nil)

// MonitorConfig configures the heartbeat monitor. Store and Closer are
// required.
type MonitorConfig struct {
	Store  MonitorStore
	Closer SessionCloser

	// IdleLimit overrides DefaultIdleLimit when positive.
	IdleLimit time.Duration

	// Interval is the scan period. Defaults to a quarter of IdleLimit and
	// may not exceed it, so an abandoned session is caught well before it
	// doubles the limit.
	Interval time.Duration

	Logger *slog.Logger
}

// Monitor closes sessions whose heartbeat went stale and reconciles rows
// left active by a crashed process. Run it in its own goroutine; Stop or
// context cancellation ends it.
type Monitor struct {
	cfg MonitorConfig
	log *slog.Logger

	// idleLimit is nanoseconds, updatable at runtime via SetIdleLimit.
	idleLimit atomic.Int64

	done     chan struct{}
	stopOnce sync.Once
}

// NewMonitor validates cfg, fills defaults and returns a ready monitor.
func NewMonitor(cfg MonitorConfig) (*Monitor, error) {
	var errs []error
	if cfg.Store == nil {
		errs = append(errs, errors.New("store is required"))
	}
	if cfg.Closer == nil {
		errs = append(errs, errors.New("session closer is required"))
	}
	if cfg.IdleLimit <= 0 {
		cfg.IdleLimit = DefaultIdleLimit
	}
	if cfg.Interval <= 0 {
		cfg.Interval = cfg.IdleLimit / 4
	}
	if cfg.Interval > cfg.IdleLimit/4 {
		errs = append(errs, fmt.Errorf("interval %v exceeds a quarter of the idle limit %v", cfg.Interval, cfg.IdleLimit))
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("session: invalid monitor config: %w", errors.Join(errs...))
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	mo := &Monitor{
		cfg:  cfg,
		log:  cfg.Logger.With("component", "heartbeat_monitor"),
		done: make(chan struct{}),
	}
	mo.idleLimit.Store(int64(cfg.IdleLimit))
	return mo, nil
}

// SetIdleLimit changes the idle limit for subsequent sweeps. Values <= 0 are
// ignored. The scan interval keeps its construction-time value.
func (mo *Monitor) SetIdleLimit(d time.Duration) {
	if d <= 0 {
		return
	}
	mo.idleLimit.Store(int64(d))
}

// Run scans on a ticker until ctx ends or Stop is called.
func (mo *Monitor) Run(ctx context.Context) {
	mo.log.Info("heartbeat monitor started",
		"interval", mo.cfg.Interval, "idle_limit", mo.cfg.IdleLimit)
	ticker := time.NewTicker(mo.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			mo.log.Info("heartbeat monitor stopped", "reason", "context")
			return
		case <-mo.done:
			mo.log.Info("heartbeat monitor stopped", "reason", "stop")
			return
		case <-ticker.C:
			if _, err := mo.SweepOnce(ctx); err != nil {
				mo.log.Warn("idle sweep failed", "error", err)
			}
		}
	}
}

// Stop ends the Run loop. Safe to call more than once.
func (mo *Monitor) Stop() {
	mo.stopOnce.Do(func() { close(mo.done) })
}

// SweepOnce performs one idle scan: every session whose heartbeat lapsed
// strictly beyond the idle limit is closed with cause "idle". Rows that are
// not in the registry, left behind by a failed close persist or another
// process, are reconciled directly in storage. Returns how many sessions
// were closed.
func (mo *Monitor) SweepOnce(ctx context.Context) (int, error) {
	threshold := time.Now().UTC().Add(-time.Duration(mo.idleLimit.Load()))

	var ids []string
	err := retry(ctx, 3, monitorRetryBackoff, func() error {
		var scanErr error
		ids, scanErr = mo.cfg.Store.IdleSessions(ctx, threshold)
		return scanErr
	})
	if err != nil {
		return 0, fmt.Errorf("session: idle scan: %w", err)
	}

	closed := 0
	for _, id := range ids {
		switch err := mo.cfg.Closer.Close(id, "idle"); {
		case err == nil:
			closed++
		case errors.Is(err, ErrNotFound):
			if err := mo.cfg.Store.CloseSession(ctx, id); err != nil {
				mo.log.Warn("orphan row not reconciled", "session_id", id, "error", err)
				continue
			}
			mo.log.Info("orphan row reconciled", "session_id", id)
			closed++
		default:
			mo.log.Warn("idle close failed", "session_id", id, "error", err)
		}
	}
	if closed > 0 {
		mo.log.Info("idle sessions closed", "count", closed)
	}
	return closed, nil
}

// ReconcileOrphans closes every active row whose heartbeat lapsed beyond the
// idle limit. Run it once at startup, before traffic, so rows left by a
// previous crash cannot shadow new sessions. The threshold keeps rows owned
// by other live instances untouched.
func (mo *Monitor) ReconcileOrphans(ctx context.Context) (int64, error) {
	before := time.Now().UTC().Add(-time.Duration(mo.idleLimit.Load()))
	n, err := mo.cfg.Store.SweepOrphans(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("session: reconcile orphans: %w", err)
	}
	if n > 0 {
		mo.log.Info("orphaned sessions reconciled", "count", n)
	}
	return n, nil
}
