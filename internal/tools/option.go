package tools

import "time"

// toolSettings holds the knobs every built-in tool shares.
type toolSettings struct {
	ttl     time.Duration
	timeout time.Duration
}

// Option adjusts a built-in tool's cache TTL or timeout.
type Option func(*toolSettings)

// WithTTL overrides the tool's cache TTL. Zero disables caching.
func WithTTL(d time.Duration) Option {
	return func(s *toolSettings) {
		if d >= 0 {
			s.ttl = d
		}
	}
}

// WithInvokeTimeout overrides the tool's per-invocation deadline.
func WithInvokeTimeout(d time.Duration) Option {
	return func(s *toolSettings) {
		if d > 0 {
			s.timeout = d
		}
	}
}
