// Package gate serializes language-model calls process-wide.
//
// Every LLM call in the system (intent analysis, response generation, memory
// finalization) passes through a single [Gate]. The gate admits exactly one
// call at a time in strict FIFO order and bounds each admitted call with a
// per-call timeout. Queue wait does not count against the timeout; the clock
// starts at admission.
//
// Callers that are canceled while queued are removed from the queue and
// receive [ErrCanceled]. Admitted calls that exceed the per-call budget
// receive [ErrTimeout]. Provider failures pass through wrapped so callers can
// pick the right degradation.
package gate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// DefaultTimeout is the per-call budget applied when no other timeout is
// configured.
const DefaultTimeout = 30 * time.Second

var (
	// ErrTimeout reports that an admitted call exceeded the per-call budget.
	ErrTimeout = errors.New("gate: call timed out")

	// ErrCanceled reports that the caller's context ended while the call was
	// still queued.
	ErrCanceled = errors.New("gate: canceled while queued")
)

// Option configures a Gate.
type Option func(*Gate)

// WithTimeout overrides the per-call budget.
func WithTimeout(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithWaitHook registers a callback invoked at each admission with the time
// the call spent queued. Used for metrics.
func WithWaitHook(fn func(wait time.Duration)) Option {
	return func(g *Gate) { g.onAdmit = fn }
}

// waiter represents one queued caller. Its ready channel is closed when the
// gate admits it; closing transfers ownership of the in-flight slot.
type waiter struct {
	ready chan struct{}
}

// Gate is a FIFO admission gate with concurrency 1.
// The zero value is not usable; construct with [New].
type Gate struct {
	timeout time.Duration
	onAdmit func(wait time.Duration)

	mu       sync.Mutex
	queue    []*waiter
	inFlight bool
}

// New constructs a Gate with [DefaultTimeout] unless overridden.
func New(opts ...Option) *Gate {
	g := &Gate{timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Depth returns the number of callers currently queued (excluding the
// in-flight call). Exposed for observable gauges.
func (g *Gate) Depth() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.queue)
}

// InFlight reports whether a call is currently admitted.
func (g *Gate) InFlight() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inFlight
}

// Do runs fn under the gate. It blocks until the call is admitted or ctx
// ends. fn receives a context bounded by the per-call timeout and derived
// from ctx, so caller cancellation still reaches a dispatched call.
func (g *Gate) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	enqueued := time.Now()

	w := &waiter{ready: make(chan struct{})}
	g.mu.Lock()
	if g.inFlight {
		g.queue = append(g.queue, w)
	} else {
		g.inFlight = true
		close(w.ready)
	}
	g.mu.Unlock()

	select {
	case <-w.ready:
	case <-ctx.Done():
		if !g.abandon(w) {
			// Admission raced the cancellation; the slot is ours to give back.
			g.release()
		}
		return fmt.Errorf("%w: %w", ErrCanceled, ctx.Err())
	}
	defer g.release()

	if g.onAdmit != nil {
		g.onAdmit(time.Since(enqueued))
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrCanceled, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	err := fn(callCtx)
	if err == nil {
		return nil
	}
	// The per-call budget expired while the caller itself is still live.
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}

// Do runs fn under gate g and returns its result. It is the generic
// companion to [Gate.Do] for calls that produce a value.
func Do[T any](ctx context.Context, g *Gate, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := g.Do(ctx, func(ctx context.Context) error {
		var err error
		result, err = fn(ctx)
		return err
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

// abandon removes w from the queue. It reports false when w is no longer
// queued, which means admission already transferred the slot to w.
func (g *Gate) abandon(w *waiter) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, queued := range g.queue {
		if queued == w {
			g.queue = append(g.queue[:i], g.queue[i+1:]...)
			return true
		}
	}
	return false
}

// release hands the slot to the oldest waiter, or parks the gate when the
// queue is empty.
func (g *Gate) release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.queue) > 0 {
		next := g.queue[0]
		g.queue = g.queue[1:]
		close(next.ready)
		return
	}
	g.inFlight = false
}
