package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/marketvox/marketvox/pkg/types"
)

// Preferences is one row of the user_preferences table: the topics a user
// cares about plus their saved session settings.
type Preferences struct {
	Topics   []string
	Settings types.SessionSettings
}

// GetPreferences returns the saved preferences of a user. Users without a
// row get empty topics and default settings.
func (s *Store) GetPreferences(ctx context.Context, userID string) (Preferences, error) {
	const q = `
		SELECT preferred_topics, settings
		FROM   user_preferences
		WHERE  user_id = $1`

	p := Preferences{Settings: types.DefaultSessionSettings()}
	err := s.pool.QueryRow(ctx, q, userID).Scan(&p.Topics, &p.Settings)
	if errors.Is(err, pgx.ErrNoRows) {
		return Preferences{Topics: []string{}, Settings: types.DefaultSessionSettings()}, nil
	}
	if err != nil {
		return Preferences{}, fmt.Errorf("store: get preferences: %w", err)
	}
	if p.Topics == nil {
		p.Topics = []string{}
	}
	return p, nil
}

// SavePreferences upserts both halves of a user's preferences row.
func (s *Store) SavePreferences(ctx context.Context, userID string, p Preferences) error {
	const q = `
		INSERT INTO user_preferences (user_id, preferred_topics, settings, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (user_id) DO UPDATE SET
		    preferred_topics = EXCLUDED.preferred_topics,
		    settings         = EXCLUDED.settings,
		    updated_at       = EXCLUDED.updated_at`

	if _, err := s.pool.Exec(ctx, q, userID, jsonStrings(p.Topics), p.Settings); err != nil {
		return fmt.Errorf("store: save preferences: %w", err)
	}
	return nil
}

// SaveSettings upserts only the settings half of a user's preferences row,
// leaving preferred_topics untouched. Used when a session applies a settings
// frame.
func (s *Store) SaveSettings(ctx context.Context, userID string, settings types.SessionSettings) error {
	const q = `
		INSERT INTO user_preferences (user_id, settings, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (user_id) DO UPDATE SET
		    settings   = EXCLUDED.settings,
		    updated_at = EXCLUDED.updated_at`

	if _, err := s.pool.Exec(ctx, q, userID, settings); err != nil {
		return fmt.Errorf("store: save settings: %w", err)
	}
	return nil
}
