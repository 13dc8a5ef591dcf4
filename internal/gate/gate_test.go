package gate_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/marketvox/marketvox/internal/gate"
)

// waitForDepth polls until the gate queue reaches want.
func waitForDepth(t *testing.T, g *gate.Gate, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if g.Depth() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("gate depth never reached %d (now %d)", want, g.Depth())
}

func TestDo_AdmitsImmediatelyWhenIdle(t *testing.T) {
	g := gate.New()

	got, err := gate.Do(context.Background(), g, func(ctx context.Context) (string, error) {
		if _, ok := ctx.Deadline(); !ok {
			t.Error("admitted call should carry the per-call deadline")
		}
		return "answer", nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if got != "answer" {
		t.Errorf("result: want answer, got %q", got)
	}
	if g.Depth() != 0 || g.InFlight() {
		t.Errorf("gate must be idle after completion: depth=%d inFlight=%v", g.Depth(), g.InFlight())
	}
}

func TestDo_FIFOOrder(t *testing.T) {
	g := gate.New()
	ctx := context.Background()

	holding := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = g.Do(ctx, func(context.Context) error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding

	var (
		mu    sync.Mutex
		order []int
	)
	for i := 0; i < 3; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = g.Do(ctx, func(context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}()
		// Admit waiters into the queue one at a time so the arrival
		// order is known.
		waitForDepth(t, g, i+1)
	}

	close(release)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != 0 || order[1] != 1 || order[2] != 2 {
		t.Errorf("execution order: want [0 1 2], got %v", order)
	}
}

func TestDo_TimeoutTyped(t *testing.T) {
	g := gate.New(gate.WithTimeout(30 * time.Millisecond))

	err := g.Do(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, gate.ErrTimeout) {
		t.Errorf("want ErrTimeout, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("timeout must keep the underlying cause, got %v", err)
	}
	if g.InFlight() {
		t.Error("slot must be released after a timeout")
	}
}

func TestDo_CanceledWhileQueued(t *testing.T) {
	g := gate.New()

	holding := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = g.Do(context.Background(), func(context.Context) error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding

	queuedCtx, cancel := context.WithCancel(context.Background())
	var ran atomic.Bool
	errCh := make(chan error, 1)
	go func() {
		errCh <- g.Do(queuedCtx, func(context.Context) error {
			ran.Store(true)
			return nil
		})
	}()
	waitForDepth(t, g, 1)

	cancel()
	err := <-errCh
	if !errors.Is(err, gate.ErrCanceled) {
		t.Errorf("want ErrCanceled, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("cancellation must keep the underlying cause, got %v", err)
	}
	if ran.Load() {
		t.Error("canceled waiter must never run")
	}
	waitForDepth(t, g, 0)

	close(release)
	wg.Wait()

	// The gate stays usable after a queue removal.
	if err := g.Do(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Errorf("Do after removal: %v", err)
	}
}

func TestDo_CallerCancelMidCall(t *testing.T) {
	g := gate.New()
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{})
	go func() {
		<-started
		cancel()
	}()

	err := g.Do(ctx, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("want context.Canceled, got %v", err)
	}
	if errors.Is(err, gate.ErrTimeout) {
		t.Errorf("caller cancellation must not classify as timeout, got %v", err)
	}
}

func TestDo_ProviderErrorPassesThrough(t *testing.T) {
	g := gate.New()
	errProvider := errors.New("model unavailable")

	err := g.Do(context.Background(), func(context.Context) error {
		return errProvider
	})
	if !errors.Is(err, errProvider) {
		t.Errorf("want provider error, got %v", err)
	}
	if errors.Is(err, gate.ErrTimeout) || errors.Is(err, gate.ErrCanceled) {
		t.Errorf("provider error must not classify as gate error, got %v", err)
	}
}

func TestDo_WaitHook(t *testing.T) {
	var (
		mu    sync.Mutex
		waits []time.Duration
	)
	g := gate.New(gate.WithWaitHook(func(wait time.Duration) {
		mu.Lock()
		waits = append(waits, wait)
		mu.Unlock()
	}))

	holding := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = g.Do(context.Background(), func(context.Context) error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding

	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = g.Do(context.Background(), func(context.Context) error { return nil })
	}()
	waitForDepth(t, g, 1)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(waits) != 2 {
		t.Fatalf("want 2 hook calls, got %d", len(waits))
	}
	if waits[1] < 10*time.Millisecond {
		t.Errorf("queued call should report its wait, got %v", waits[1])
	}
}

func TestGateSerializes(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("at most one call in flight for any burst size", prop.ForAll(
		func(calls int) bool {
			g := gate.New()
			var (
				active    atomic.Int32
				maxActive atomic.Int32
				completed atomic.Int32
				wg        sync.WaitGroup
			)

			for i := 0; i < calls; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_ = g.Do(context.Background(), func(context.Context) error {
						now := active.Add(1)
						for {
							seen := maxActive.Load()
							if now <= seen || maxActive.CompareAndSwap(seen, now) {
								break
							}
						}
						time.Sleep(time.Millisecond)
						active.Add(-1)
						completed.Add(1)
						return nil
					})
				}()
			}
			wg.Wait()

			return maxActive.Load() == 1 && completed.Load() == int32(calls)
		},
		gen.IntRange(2, 8),
	))

	properties.TestingRun(t)
}
