package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

// MaxWatchlistSymbols caps how many symbols a single user may track.
const MaxWatchlistSymbols = 50

// watchlistRetries bounds the optimistic-update loop. Contention on a single
// user's row is rare (one voice session per user in practice), so a handful
// of attempts is plenty.
const watchlistRetries = 5

// ErrWatchlistFull is returned by AddSymbols when the add would push the
// user's watchlist past MaxWatchlistSymbols. Nothing is added in that case.
var ErrWatchlistFull = errors.New("store: watchlist full")

// errWatchlistConflict signals a lost optimistic-update race.
var errWatchlistConflict = errors.New("store: watchlist row changed")

// AddSymbols adds symbols to the user's ordered watchlist and returns the
// resulting snapshot. Symbols are uppercased; symbols already present keep
// their position and are not duplicated. When adding the missing symbols
// would exceed MaxWatchlistSymbols the list is left untouched and
// ErrWatchlistFull is returned.
func (s *Store) AddSymbols(ctx context.Context, userID string, symbols []string) ([]string, error) {
	var snapshot []string
	err := s.updateWatchlist(ctx, userID, func(current []string) ([]string, error) {
		next := current
		for _, raw := range symbols {
			sym := strings.ToUpper(strings.TrimSpace(raw))
			if sym == "" || containsSymbol(next, sym) {
				continue
			}
			next = append(next, sym)
		}
		if len(next) > MaxWatchlistSymbols {
			return nil, ErrWatchlistFull
		}
		snapshot = next
		return next, nil
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

// RemoveSymbols removes symbols from the user's watchlist and returns the
// resulting snapshot. Symbols not on the list are ignored.
func (s *Store) RemoveSymbols(ctx context.Context, userID string, symbols []string) ([]string, error) {
	drop := make(map[string]bool, len(symbols))
	for _, raw := range symbols {
		drop[strings.ToUpper(strings.TrimSpace(raw))] = true
	}

	var snapshot []string
	err := s.updateWatchlist(ctx, userID, func(current []string) ([]string, error) {
		next := make([]string, 0, len(current))
		for _, sym := range current {
			if !drop[sym] {
				next = append(next, sym)
			}
		}
		snapshot = next
		return next, nil
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

// Watchlist returns the user's ordered watchlist. Users without a row get an
// empty (non-nil) slice.
func (s *Store) Watchlist(ctx context.Context, userID string) ([]string, error) {
	symbols, _, err := s.watchlistRow(ctx, userID)
	if err != nil {
		return nil, err
	}
	return symbols, nil
}

// updateWatchlist applies mutate to the user's symbol list under optimistic
// concurrency: the row is re-read and mutate re-applied when a concurrent
// writer got there first.
func (s *Store) updateWatchlist(ctx context.Context, userID string, mutate func(current []string) ([]string, error)) error {
	for attempt := 0; attempt < watchlistRetries; attempt++ {
		current, updatedAt, err := s.watchlistRow(ctx, userID)
		if err != nil {
			return err
		}

		next, err := mutate(current)
		if err != nil {
			return err
		}

		if updatedAt.IsZero() {
			err = s.insertWatchlist(ctx, userID, next)
		} else {
			err = s.replaceWatchlist(ctx, userID, next, updatedAt)
		}
		if errors.Is(err, errWatchlistConflict) {
			continue
		}
		return err
	}
	return fmt.Errorf("store: update watchlist: %w", errWatchlistConflict)
}

// watchlistRow reads the user's watchlist row. A missing row yields an empty
// slice and a zero updated_at.
func (s *Store) watchlistRow(ctx context.Context, userID string) ([]string, time.Time, error) {
	const q = `
		SELECT symbols, updated_at
		FROM   user_watchlist
		WHERE  user_id = $1`

	var (
		symbols   []string
		updatedAt time.Time
	)
	err := s.pool.QueryRow(ctx, q, userID).Scan(&symbols, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return []string{}, time.Time{}, nil
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("store: get watchlist: %w", err)
	}
	if symbols == nil {
		symbols = []string{}
	}
	return symbols, updatedAt, nil
}

func (s *Store) insertWatchlist(ctx context.Context, userID string, symbols []string) error {
	const q = `
		INSERT INTO user_watchlist (user_id, symbols, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (user_id) DO NOTHING`

	tag, err := s.pool.Exec(ctx, q, userID, jsonStrings(symbols))
	if err != nil {
		return fmt.Errorf("store: insert watchlist: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errWatchlistConflict
	}
	return nil
}

func (s *Store) replaceWatchlist(ctx context.Context, userID string, symbols []string, seenAt time.Time) error {
	const q = `
		UPDATE user_watchlist
		SET    symbols    = $2,
		       updated_at = now()
		WHERE  user_id    = $1
		  AND  updated_at = $3`

	tag, err := s.pool.Exec(ctx, q, userID, jsonStrings(symbols), seenAt)
	if err != nil {
		return fmt.Errorf("store: replace watchlist: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errWatchlistConflict
	}
	return nil
}

func containsSymbol(symbols []string, sym string) bool {
	for _, s := range symbols {
		if s == sym {
			return true
		}
	}
	return false
}
