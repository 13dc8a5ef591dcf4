// Package tools implements the tool registry and the built-in tools the
// agent graph invokes during a turn.
//
// Every invocation runs the same pipeline: input validation (malformed input
// is a validation error and is never retried), cache lookup for cacheable
// tools, execution under the tool's own timeout, and up to three attempts
// when the failure is transient. Results carry a status and duration so the
// agent can record failures as evidence instead of aborting the turn.
//
// Built-in tools cover price lookups, news, general web research, the user
// watchlist, and user preferences. External MCP servers declared in config
// are bridged into the same registry at startup.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/marketvox/marketvox/pkg/types"
)

// Invocation statuses reported in Result.Status.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusTimeout = "timeout"
)

var (
	// ErrUnknownTool is returned when the requested tool id is not registered.
	ErrUnknownTool = errors.New("tools: unknown tool")

	// ErrValidation marks malformed tool input. Validation failures are never
	// retried.
	ErrValidation = errors.New("tools: validation")

	// ErrTransient marks a failure worth retrying, such as a network error or
	// an upstream 5xx. Tools wrap provider errors with Transient to opt into
	// the registry's retry loop.
	ErrTransient = errors.New("tools: transient")
)

// Transient marks err as retryable. Returns nil when err is nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// Tool is a single invocable capability.
//
// Implementations must be safe for concurrent use; the agent graph invokes
// all tools of a turn in parallel.
type Tool interface {
	// Definition returns the tool's schema as offered to the LLM and the
	// registry. Name must be unique within a registry.
	Definition() types.ToolDefinition

	// TTL returns how long successful outputs may be cached. Zero means the
	// output is never cached.
	TTL() time.Duration

	// Timeout returns the per-invocation deadline. Zero means no per-tool
	// deadline beyond the caller's context.
	Timeout() time.Duration

	// Invoke executes the tool. input and the returned output are JSON.
	// Malformed input must be reported as an ErrValidation-wrapped error;
	// retryable failures as ErrTransient-wrapped errors.
	Invoke(ctx context.Context, input json.RawMessage) (json.RawMessage, error)
}

// OutputCacher is an optional interface a Tool can implement to veto caching
// of individual outputs, such as partial result sets.
type OutputCacher interface {
	CacheableOutput(output json.RawMessage) bool
}

// Result is the outcome of one registry invocation. Err is non-nil exactly
// when Status is not StatusOK.
type Result struct {
	// ToolID names the invoked tool.
	ToolID string

	// Output is the tool's JSON output. Nil on failure.
	Output json.RawMessage

	// Status is StatusOK, StatusError, or StatusTimeout.
	Status string

	// Err carries the failure. Callers can test errors.Is against
	// ErrValidation, ErrUnknownTool, and context.DeadlineExceeded.
	Err error

	// Duration is the wall time of the invocation, including retries. For
	// cache hits it is the lookup time.
	Duration time.Duration

	// Cached reports whether Output was served from the cache.
	Cached bool
}

// decodeInput unmarshals raw into v, rejecting unknown fields. Failures are
// validation errors. Empty input is treated as an empty object so tools with
// only optional parameters accept it.
func decodeInput(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: decode input: %v", ErrValidation, err)
	}
	return nil
}
