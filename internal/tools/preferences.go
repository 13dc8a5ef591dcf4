package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/marketvox/marketvox/internal/cache"
	"github.com/marketvox/marketvox/internal/store"
	"github.com/marketvox/marketvox/pkg/types"
)

// PreferencesToolName identifies the user preferences tool.
const PreferencesToolName = "get_user_preferences"

const (
	defaultPreferencesTimeout = 5 * time.Second

	// prefsCacheTTL bounds how stale a preference read may be. The tool keeps
	// its own small cache instead of the registry's so a watchlist write in
	// the same turn shows up within a minute regardless of registry config.
	prefsCacheTTL = time.Minute
)

// PreferencesStore is the persistence the preferences tool needs.
type PreferencesStore interface {
	GetPreferences(ctx context.Context, userID string) (store.Preferences, error)
	Watchlist(ctx context.Context, userID string) ([]string, error)
}

// PreferencesInput names the user to look up.
type PreferencesInput struct {
	UserID string `json:"user_id"`
}

// PreferencesOutput is the user's standing interests.
type PreferencesOutput struct {
	Topics    []string `json:"topics"`
	Watchlist []string `json:"watchlist"`
}

// PreferencesTool reports a user's preferred topics and watchlist. Reads go
// through an in-process per-user cache; the registry sees TTL 0 and never
// caches it itself.
type PreferencesTool struct {
	store    PreferencesStore
	local    cache.Cache
	settings toolSettings
}

var _ Tool = (*PreferencesTool)(nil)

// NewPreferencesTool wraps the preferences store as a registry tool.
func NewPreferencesTool(store PreferencesStore, opts ...Option) *PreferencesTool {
	t := &PreferencesTool{
		store:    store,
		local:    cache.NewMemory(0),
		settings: toolSettings{timeout: defaultPreferencesTimeout},
	}
	for _, opt := range opts {
		opt(&t.settings)
	}
	return t
}

func (t *PreferencesTool) Definition() types.ToolDefinition {
	return types.ToolDefinition{
		Name:        PreferencesToolName,
		Description: "Get the user's preferred market topics and current watchlist.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"user_id": map[string]any{
					"type":        "string",
					"description": "The user to look up.",
				},
			},
			"required": []string{"user_id"},
		},
		Idempotent: true,
	}
}

func (t *PreferencesTool) TTL() time.Duration     { return 0 }
func (t *PreferencesTool) Timeout() time.Duration { return t.settings.timeout }

func (t *PreferencesTool) Invoke(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	var in PreferencesInput
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	if in.UserID == "" {
		return nil, fmt.Errorf("%w: user_id must not be empty", ErrValidation)
	}

	if cached, ok := t.local.Get(in.UserID); ok {
		if raw, ok := cached.(json.RawMessage); ok {
			return raw, nil
		}
	}

	prefs, err := t.store.GetPreferences(ctx, in.UserID)
	if err != nil {
		return nil, Transient(fmt.Errorf("preferences %s: %w", in.UserID, err))
	}
	watchlist, err := t.store.Watchlist(ctx, in.UserID)
	if err != nil {
		return nil, Transient(fmt.Errorf("watchlist %s: %w", in.UserID, err))
	}

	out := PreferencesOutput{Topics: prefs.Topics, Watchlist: watchlist}
	if out.Topics == nil {
		out.Topics = []string{}
	}
	if out.Watchlist == nil {
		out.Watchlist = []string{}
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	t.local.Set(in.UserID, raw, prefsCacheTTL)
	return raw, nil
}

// Forget drops a user's cached preferences, used after watchlist writes so
// the next read sees them immediately.
func (t *PreferencesTool) Forget(userID string) {
	t.local.Delete(userID)
}
