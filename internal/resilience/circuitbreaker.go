// Package resilience keeps one flaky vendor from dragging every turn down.
// Two primitives cover the provider surface: CircuitBreaker guards a single
// backend and fails fast while it cools down, and FallbackGroup chains
// interchangeable backends of one provider kind behind per-backend breakers
// so a dead primary is bypassed instead of retried on every call.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen rejects a call while the breaker cools down after tripping.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// Breaker defaults, tuned for HTTP market-data vendors: a burst of turns
// against a dead backend trips within seconds, and recovery probes start
// after half a minute.
const (
	defaultMaxFailures  = 5
	defaultResetTimeout = 30 * time.Second
	defaultHalfOpenMax  = 3
)

// State is the breaker's operating mode.
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects every call with ErrCircuitOpen until the cooldown
	// elapses.
	StateOpen

	// StateHalfOpen lets a bounded number of probe calls through to decide
	// between closing and re-opening.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig tunes one breaker. The zero value gets defaults.
type CircuitBreakerConfig struct {
	// Name labels the guarded backend in logs, e.g. "finnhub".
	Name string

	// MaxFailures is how many consecutive failures trip the breaker.
	MaxFailures int

	// ResetTimeout is the cooldown after the last failure before probing
	// resumes.
	ResetTimeout time.Duration

	// HalfOpenMax bounds the probe calls per half-open episode; that many
	// successes close the breaker again.
	HalfOpenMax int

	Logger *slog.Logger
}

// CircuitBreaker is a three-state breaker around one backend.
type CircuitBreaker struct {
	vendor   string
	tripAt   int
	cooldown time.Duration
	budget   int
	log      *slog.Logger

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	probes      int
	probeFails  int
}

// NewCircuitBreaker builds a closed breaker from cfg, defaulting every
// non-positive knob.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = defaultMaxFailures
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = defaultResetTimeout
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = defaultHalfOpenMax
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &CircuitBreaker{
		vendor:   cfg.Name,
		tripAt:   cfg.MaxFailures,
		cooldown: cfg.ResetTimeout,
		budget:   cfg.HalfOpenMax,
		log:      cfg.Logger.With("component", "circuit_breaker", "vendor", cfg.Name),
		state:    StateClosed,
	}
}

// Execute runs fn unless the breaker rejects the call, and feeds fn's
// outcome back into the state machine. The error is fn's own except for
// ErrCircuitOpen.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probing, err := cb.admit()
	if err != nil {
		return err
	}
	callErr := fn()
	cb.settle(callErr, probing)
	return callErr
}

// admit decides whether the next call may proceed and whether it counts as a
// half-open probe.
func (cb *CircuitBreaker) admit() (probing bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.lastFailure) < cb.cooldown {
			return false, ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.probes = 0
		cb.probeFails = 0
		cb.log.Info("circuit half-open, probing backend")

	case StateHalfOpen:
		if cb.probes >= cb.budget {
			// Probe budget spent; stay put until the episode settles.
			return false, ErrCircuitOpen
		}
	}

	if cb.state == StateHalfOpen {
		cb.probes++
		return true, nil
	}
	return false, nil
}

// settle folds one call outcome into the state machine.
func (cb *CircuitBreaker) settle(callErr error, probing bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if callErr == nil {
		if !probing {
			cb.failures = 0
			return
		}
		if cb.probes-cb.probeFails >= cb.budget {
			cb.state = StateClosed
			cb.failures = 0
			cb.probes = 0
			cb.probeFails = 0
			cb.log.Info("circuit closed, backend recovered")
		}
		return
	}

	cb.lastFailure = time.Now()
	if probing {
		// One bad probe ends the episode.
		cb.probeFails++
		cb.state = StateOpen
		cb.failures = cb.tripAt
		cb.log.Warn("probe failed, circuit re-opened", "error", callErr)
		return
	}
	cb.failures++
	if cb.failures >= cb.tripAt {
		cb.state = StateOpen
		cb.log.Warn("circuit opened",
			"consecutive_failures", cb.failures, "cooldown", cb.cooldown)
	}
}

// State reports the breaker's mode. An open breaker whose cooldown has
// elapsed reports half-open; the transition itself happens on the next
// Execute.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && time.Since(cb.lastFailure) >= cb.cooldown {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed with clean counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = 0
	cb.probes = 0
	cb.probeFails = 0
	cb.log.Info("circuit reset")
}
