package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed means every backend in the chain failed or sat behind an open
// breaker. The wrapped error is the last backend's.
var ErrAllFailed = errors.New("resilience: every backend failed")

// FallbackConfig configures a chain. The breaker config is cloned per
// backend so each one trips and recovers on its own.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig

	Logger *slog.Logger
}

// link is one backend in the chain with its dedicated breaker.
type link[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup chains interchangeable backends of one provider kind: the
// primary, then fallbacks in registration order. A call walks the chain
// until a backend answers; open breakers are skipped without a network
// round-trip.
//
// Build the chain before serving traffic; Execute is safe for concurrent
// use, AddFallback is not.
type FallbackGroup[T any] struct {
	chain []link[T]
	cfg   FallbackConfig
	log   *slog.Logger
}

// NewFallbackGroup starts a chain with primary as its head.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	fg := &FallbackGroup[T]{
		cfg: cfg,
		log: cfg.Logger.With("component", "fallback_chain"),
	}
	fg.append(primaryName, primary)
	return fg
}

// AddFallback appends one more backend to the end of the chain.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	fg.append(name, fallback)
}

func (fg *FallbackGroup[T]) append(name string, value T) {
	bc := fg.cfg.CircuitBreaker
	bc.Name = name
	if bc.Logger == nil {
		bc.Logger = fg.cfg.Logger
	}
	fg.chain = append(fg.chain, link[T]{
		name:    name,
		value:   value,
		breaker: NewCircuitBreaker(bc),
	})
}

// Primary returns the head of the chain. Static provider metadata (model
// name, capabilities) is read from here even when fallbacks serve traffic.
func (fg *FallbackGroup[T]) Primary() T {
	return fg.chain[0].value
}

// Execute walks the chain until fn succeeds against some backend.
func (fg *FallbackGroup[T]) Execute(fn func(T) error) error {
	_, err := ExecuteWithResult(fg, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult walks the chain until fn returns a value. A package
// function because methods cannot add type parameters.
func ExecuteWithResult[T, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var lastErr error
	for i := range fg.chain {
		ln := &fg.chain[i]
		var out R
		err := ln.breaker.Execute(func() error {
			var callErr error
			out, callErr = fn(ln.value)
			return callErr
		})
		if err == nil {
			return out, nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			fg.log.Debug("backend skipped, circuit open", "backend", ln.name)
		} else {
			fg.log.Warn("backend failed, trying next in chain",
				"backend", ln.name, "error", err)
		}
	}
	var zero R
	return zero, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}
