package tools

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/marketvox/marketvox/internal/cache"
	"github.com/marketvox/marketvox/pkg/types"
)

const (
	// defaultMaxAttempts is the attempt budget for transient failures.
	defaultMaxAttempts = 3

	// defaultRetryBackoff is the base delay between attempts; attempt n waits
	// n times this value.
	defaultRetryBackoff = 150 * time.Millisecond
)

// RegistryConfig configures a [Registry].
type RegistryConfig struct {
	// Cache stores cacheable tool outputs keyed by tool id + input hash.
	// Nil disables caching.
	Cache cache.Cache

	// Logger receives operational events. Defaults to slog.Default().
	Logger *slog.Logger

	// MaxAttempts overrides the transient retry budget when positive.
	MaxAttempts int

	// RetryBackoff overrides the base retry delay when positive.
	RetryBackoff time.Duration
}

// Registry holds the tool catalogue and runs the invocation pipeline.
//
// All methods are safe for concurrent use.
type Registry struct {
	cache       cache.Cache
	log         *slog.Logger
	maxAttempts int
	backoff     time.Duration

	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}
	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = defaultRetryBackoff
	}
	return &Registry{
		cache:       cfg.Cache,
		log:         log,
		maxAttempts: attempts,
		backoff:     backoff,
		tools:       make(map[string]Tool),
	}
}

// Register adds a tool to the catalogue. Tool names must be unique.
func (r *Registry) Register(tool Tool) error {
	name := tool.Definition().Name
	if name == "" {
		return errors.New("tools: register: tool has no name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tools: register: duplicate tool %q", name)
	}
	r.tools[name] = tool
	return nil
}

// Definitions returns the catalogue sorted by tool name.
func (r *Registry) Definitions() []types.ToolDefinition {
	r.mu.RLock()
	defs := make([]types.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, t.Definition())
	}
	r.mu.RUnlock()

	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Invoke runs one tool through the validate → cache → execute → retry
// pipeline and always returns a Result, never panics on unknown tools.
func (r *Registry) Invoke(ctx context.Context, toolID string, input json.RawMessage) Result {
	start := time.Now()

	r.mu.RLock()
	tool, ok := r.tools[toolID]
	r.mu.RUnlock()
	if !ok {
		return Result{
			ToolID:   toolID,
			Status:   StatusError,
			Err:      fmt.Errorf("%w: %q", ErrUnknownTool, toolID),
			Duration: time.Since(start),
		}
	}

	ttl := tool.TTL()
	var key string
	if ttl > 0 && r.cache != nil {
		key = cacheKey(toolID, input)
		if v, hit := r.cache.Get(key); hit {
			if out, isRaw := v.(json.RawMessage); isRaw {
				return Result{
					ToolID:   toolID,
					Output:   out,
					Status:   StatusOK,
					Duration: time.Since(start),
					Cached:   true,
				}
			}
		}
	}

	out, err := r.invokeWithRetry(ctx, toolID, tool, input)
	dur := time.Since(start)

	switch {
	case err == nil:
		if key != "" && cacheable(tool, out) {
			r.cache.Set(key, out, ttl)
		}
		return Result{ToolID: toolID, Output: out, Status: StatusOK, Duration: dur}

	case errors.Is(err, context.DeadlineExceeded):
		return Result{
			ToolID:   toolID,
			Status:   StatusTimeout,
			Err:      fmt.Errorf("tools: %s: %w", toolID, err),
			Duration: dur,
		}

	default:
		return Result{
			ToolID:   toolID,
			Status:   StatusError,
			Err:      fmt.Errorf("tools: %s: %w", toolID, err),
			Duration: dur,
		}
	}
}

// invokeWithRetry executes the tool, retrying transient failures while the
// attempt budget and the caller's context allow. Validation failures and
// timeouts are returned on the first occurrence.
func (r *Registry) invokeWithRetry(ctx context.Context, toolID string, tool Tool, input json.RawMessage) (json.RawMessage, error) {
	attempts := r.maxAttempts
	if !tool.Definition().Idempotent {
		attempts = 1
	}

	var (
		out json.RawMessage
		err error
	)
	for attempt := 1; ; attempt++ {
		out, err = r.invokeOnce(ctx, tool, input)
		if err == nil {
			return out, nil
		}
		if !errors.Is(err, ErrTransient) || attempt >= attempts {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * r.backoff):
		}
		r.log.Debug("retrying tool after transient failure",
			"tool_id", toolID,
			"attempt", attempt+1,
			"error", err,
		)
	}
}

// invokeOnce runs a single attempt under the tool's own deadline.
func (r *Registry) invokeOnce(ctx context.Context, tool Tool, input json.RawMessage) (json.RawMessage, error) {
	if timeout := tool.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return tool.Invoke(ctx, input)
}

// cacheable consults the tool's OutputCacher veto when it has one.
func cacheable(tool Tool, output json.RawMessage) bool {
	if oc, ok := tool.(OutputCacher); ok {
		return oc.CacheableOutput(output)
	}
	return true
}

// cacheKey derives the cache key from the tool id and the input hash.
func cacheKey(toolID string, input json.RawMessage) string {
	sum := sha256.Sum256(input)
	return toolID + ":" + hex.EncodeToString(sum[:])
}
