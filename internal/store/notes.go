package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// GetNotes returns the key notes of a user as a category → prose map.
// A user with no saved notes yields an empty (non-nil) map.
func (s *Store) GetNotes(ctx context.Context, userID string) (map[string]string, error) {
	const q = `
		SELECT key_notes
		FROM   user_notes
		WHERE  user_id = $1`

	notes := map[string]string{}
	err := s.pool.QueryRow(ctx, q, userID).Scan(&notes)
	if errors.Is(err, pgx.ErrNoRows) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get notes: %w", err)
	}
	if notes == nil {
		notes = map[string]string{}
	}
	return notes, nil
}

// SaveNotes replaces the key notes of a user with the supplied map. Each user
// owns exactly one notes row; concurrent saves for the same user serialize on
// that row, so the last writer wins and no duplicate rows can appear.
func (s *Store) SaveNotes(ctx context.Context, userID string, notes map[string]string) error {
	const q = `
		INSERT INTO user_notes (user_id, key_notes, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (user_id) DO UPDATE SET
		    key_notes  = EXCLUDED.key_notes,
		    updated_at = EXCLUDED.updated_at`

	if notes == nil {
		notes = map[string]string{}
	}
	if _, err := s.pool.Exec(ctx, q, userID, notes); err != nil {
		return fmt.Errorf("store: save notes: %w", err)
	}
	return nil
}
