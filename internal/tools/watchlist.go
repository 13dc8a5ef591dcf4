package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/marketvox/marketvox/internal/store"
	"github.com/marketvox/marketvox/pkg/types"
)

// WatchlistToolName identifies the watchlist management tool.
const WatchlistToolName = "manage_watchlist"

const defaultWatchlistTimeout = 5 * time.Second

// Watchlist actions.
const (
	WatchlistActionAdd    = "add"
	WatchlistActionRemove = "remove"
	WatchlistActionView   = "view"
)

// WatchlistStore is the persistence the watchlist tool needs.
type WatchlistStore interface {
	AddSymbols(ctx context.Context, userID string, symbols []string) ([]string, error)
	RemoveSymbols(ctx context.Context, userID string, symbols []string) ([]string, error)
	Watchlist(ctx context.Context, userID string) ([]string, error)
}

// WatchlistInput is one watchlist mutation or view.
type WatchlistInput struct {
	UserID  string   `json:"user_id"`
	Action  string   `json:"action"`
	Symbols []string `json:"symbols,omitempty"`
}

// WatchlistOutput echoes the action and the watchlist snapshot after it.
type WatchlistOutput struct {
	Action    string   `json:"action"`
	Watchlist []string `json:"watchlist"`
	Count     int      `json:"count"`
}

// WatchlistTool adds, removes and lists tracked symbols. It writes user
// state, so the registry never caches it (TTL 0), but repeating the same
// mutation is safe and may be retried.
type WatchlistTool struct {
	store    WatchlistStore
	settings toolSettings
}

var _ Tool = (*WatchlistTool)(nil)

// NewWatchlistTool wraps the watchlist store as a registry tool.
func NewWatchlistTool(store WatchlistStore, opts ...Option) *WatchlistTool {
	t := &WatchlistTool{
		store:    store,
		settings: toolSettings{timeout: defaultWatchlistTimeout},
	}
	for _, opt := range opts {
		opt(&t.settings)
	}
	return t
}

func (t *WatchlistTool) Definition() types.ToolDefinition {
	return types.ToolDefinition{
		Name:        WatchlistToolName,
		Description: "Add symbols to the user's watchlist, remove symbols from it, or view it. Always returns the watchlist after the action.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"user_id": map[string]any{
					"type":        "string",
					"description": "The user whose watchlist to touch.",
				},
				"action": map[string]any{
					"type":        "string",
					"enum":        []string{WatchlistActionAdd, WatchlistActionRemove, WatchlistActionView},
					"description": "What to do with the watchlist.",
				},
				"symbols": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Symbols to add or remove. Ignored for view.",
				},
			},
			"required": []string{"user_id", "action"},
		},
		Idempotent: true,
	}
}

func (t *WatchlistTool) TTL() time.Duration     { return t.settings.ttl }
func (t *WatchlistTool) Timeout() time.Duration { return t.settings.timeout }

func (t *WatchlistTool) Invoke(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	var in WatchlistInput
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	if err := t.validate(&in); err != nil {
		return nil, err
	}

	var (
		snapshot []string
		err      error
	)
	switch in.Action {
	case WatchlistActionAdd:
		snapshot, err = t.store.AddSymbols(ctx, in.UserID, normalizeSymbols(in.Symbols))
	case WatchlistActionRemove:
		snapshot, err = t.store.RemoveSymbols(ctx, in.UserID, normalizeSymbols(in.Symbols))
	case WatchlistActionView:
		snapshot, err = t.store.Watchlist(ctx, in.UserID)
	}
	if errors.Is(err, store.ErrWatchlistFull) {
		return nil, fmt.Errorf("watchlist %s: %w", in.Action, err)
	}
	if err != nil {
		return nil, Transient(fmt.Errorf("watchlist %s: %w", in.Action, err))
	}

	out := WatchlistOutput{
		Action:    in.Action,
		Watchlist: snapshot,
		Count:     len(snapshot),
	}
	return json.Marshal(out)
}

func (t *WatchlistTool) validate(in *WatchlistInput) error {
	var errs []error
	if in.UserID == "" {
		errs = append(errs, errors.New("user_id must not be empty"))
	}
	switch in.Action {
	case WatchlistActionAdd, WatchlistActionRemove:
		if len(in.Symbols) == 0 {
			errs = append(errs, fmt.Errorf("action %q needs at least one symbol", in.Action))
		}
		if len(in.Symbols) > maxSymbolsPerCall {
			errs = append(errs, fmt.Errorf("at most %d symbols per call, got %d", maxSymbolsPerCall, len(in.Symbols)))
		}
	case WatchlistActionView:
	default:
		errs = append(errs, fmt.Errorf("unknown action %q", in.Action))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrValidation, errors.Join(errs...))
	}
	return nil
}
