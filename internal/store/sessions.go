package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"
)

// SessionRecord is one row of the conversation_sessions table.
type SessionRecord struct {
	SessionID       string
	UserID          string
	StartedAt       time.Time
	EndedAt         time.Time // zero while the session is open
	LastHeartbeatAt time.Time
	IsActive        bool
	DurationSeconds float64 // 0 while the session is open
	Source          string
}

// StoredMessage is one persisted conversation turn, keyed by
// (session_id, sequence).
type StoredMessage struct {
	SessionID    string
	Sequence     int
	Role         string
	Content      string
	Intents      []string
	Symbols      []string
	Summary      string
	ProcessingMS int64
	CreatedAt    time.Time
}

// MessageMatch pairs a stored message with its cosine distance to a query
// embedding. Lower distance means more similar.
type MessageMatch struct {
	Message  StoredMessage
	Distance float64
}

// EnsureUser upserts a user row. Production deployments create users
// externally; this exists for dev setups where admission may create the row
// on first contact.
func (s *Store) EnsureUser(ctx context.Context, userID, displayName string) error {
	const q = `
		INSERT INTO users (user_id, display_name)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO NOTHING`

	if _, err := s.pool.Exec(ctx, q, userID, displayName); err != nil {
		return fmt.Errorf("store: ensure user: %w", err)
	}
	return nil
}

// UserExists reports whether a user row exists.
func (s *Store) UserExists(ctx context.Context, userID string) (bool, error) {
	const q = `SELECT EXISTS (SELECT 1 FROM users WHERE user_id = $1)`

	var exists bool
	if err := s.pool.QueryRow(ctx, q, userID).Scan(&exists); err != nil {
		return false, fmt.Errorf("store: user exists: %w", err)
	}
	return exists, nil
}

// CreateSession opens a new active session row. The user row must already
// exist (admission checks or creates it first).
func (s *Store) CreateSession(ctx context.Context, sessionID, userID, source string) error {
	const q = `
		INSERT INTO conversation_sessions (session_id, user_id, source)
		VALUES ($1, $2, $3)`

	if _, err := s.pool.Exec(ctx, q, sessionID, userID, source); err != nil {
		return fmt.Errorf("store: create session: %w", err)
	}
	return nil
}

// TouchHeartbeat refreshes last_heartbeat_at on an active session.
func (s *Store) TouchHeartbeat(ctx context.Context, sessionID string) error {
	const q = `
		UPDATE conversation_sessions
		SET    last_heartbeat_at = now()
		WHERE  session_id = $1
		  AND  is_active`

	if _, err := s.pool.Exec(ctx, q, sessionID); err != nil {
		return fmt.Errorf("store: touch heartbeat: %w", err)
	}
	return nil
}

// CloseSession marks a session inactive, stamping ended_at and the total
// duration. Closing an already-closed session is a no-op, so the first close
// wins and retries are safe.
func (s *Store) CloseSession(ctx context.Context, sessionID string) error {
	const q = `
		UPDATE conversation_sessions
		SET    is_active        = FALSE,
		       ended_at         = now(),
		       duration_seconds = EXTRACT(EPOCH FROM (now() - started_at))
		WHERE  session_id = $1
		  AND  is_active`

	if _, err := s.pool.Exec(ctx, q, sessionID); err != nil {
		return fmt.Errorf("store: close session: %w", err)
	}
	return nil
}

// IdleSessions returns the IDs of active sessions whose last heartbeat is
// strictly older than threshold. A heartbeat exactly at the threshold does
// not qualify.
func (s *Store) IdleSessions(ctx context.Context, threshold time.Time) ([]string, error) {
	const q = `
		SELECT session_id
		FROM   conversation_sessions
		WHERE  is_active
		  AND  last_heartbeat_at < $1
		ORDER  BY last_heartbeat_at`

	rows, err := s.pool.Query(ctx, q, threshold)
	if err != nil {
		return nil, fmt.Errorf("store: idle sessions: %w", err)
	}

	ids, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (string, error) {
		var id string
		err := row.Scan(&id)
		return id, err
	})
	if err != nil {
		return nil, fmt.Errorf("store: scan rows: %w", err)
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

// SweepOrphans bulk-closes every active session whose last heartbeat is older
// than before, returning the number of rows closed. Run at startup with a
// current timestamp to reconcile rows left active by a previous crash.
func (s *Store) SweepOrphans(ctx context.Context, before time.Time) (int64, error) {
	const q = `
		UPDATE conversation_sessions
		SET    is_active        = FALSE,
		       ended_at         = now(),
		       duration_seconds = EXTRACT(EPOCH FROM (now() - started_at))
		WHERE  is_active
		  AND  last_heartbeat_at < $1`

	tag, err := s.pool.Exec(ctx, q, before)
	if err != nil {
		return 0, fmt.Errorf("store: sweep orphans: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Session fetches a single session row. The returned error wraps
// [pgx.ErrNoRows] when no such session exists.
func (s *Store) Session(ctx context.Context, sessionID string) (SessionRecord, error) {
	const q = `
		SELECT session_id, user_id, started_at, ended_at, last_heartbeat_at,
		       is_active, duration_seconds, source
		FROM   conversation_sessions
		WHERE  session_id = $1`

	var (
		r        SessionRecord
		endedAt  *time.Time
		duration *float64
	)
	err := s.pool.QueryRow(ctx, q, sessionID).Scan(
		&r.SessionID,
		&r.UserID,
		&r.StartedAt,
		&endedAt,
		&r.LastHeartbeatAt,
		&r.IsActive,
		&duration,
		&r.Source,
	)
	if err != nil {
		return SessionRecord{}, fmt.Errorf("store: get session: %w", err)
	}
	if endedAt != nil {
		r.EndedAt = *endedAt
	}
	if duration != nil {
		r.DurationSeconds = *duration
	}
	return r, nil
}

// AppendMessage persists one conversation turn under its (session, sequence)
// key. embedding may be nil for turns that were not embedded; such turns are
// invisible to semantic recall but remain part of history.
func (s *Store) AppendMessage(ctx context.Context, msg StoredMessage, embedding []float32) error {
	const q = `
		INSERT INTO conversation_messages
		    (session_id, sequence, role, content, intents, symbols, summary, processing_ms, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	var vec any
	if len(embedding) > 0 {
		vec = pgvector.NewVector(embedding)
	}

	_, err := s.pool.Exec(ctx, q,
		msg.SessionID,
		msg.Sequence,
		msg.Role,
		msg.Content,
		jsonStrings(msg.Intents),
		jsonStrings(msg.Symbols),
		msg.Summary,
		msg.ProcessingMS,
		vec,
	)
	if err != nil {
		return fmt.Errorf("store: append message: %w", err)
	}
	return nil
}

// RecentMessages returns the newest limit messages of a session in
// chronological order (oldest first).
func (s *Store) RecentMessages(ctx context.Context, sessionID string, limit int) ([]StoredMessage, error) {
	const q = `
		SELECT session_id, sequence, role, content, intents, symbols, summary, processing_ms, created_at
		FROM (
		    SELECT session_id, sequence, role, content, intents, symbols, summary, processing_ms, created_at
		    FROM   conversation_messages
		    WHERE  session_id = $1
		    ORDER  BY sequence DESC
		    LIMIT  $2
		) recent
		ORDER BY sequence`

	rows, err := s.pool.Query(ctx, q, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent messages: %w", err)
	}
	return collectMessages(rows)
}

// SimilarMessages finds the topK past messages of a user whose embeddings are
// closest (cosine distance) to the supplied query embedding, across all of
// the user's sessions. Results are ordered by ascending distance (most
// similar first). Messages stored without an embedding are skipped.
func (s *Store) SimilarMessages(ctx context.Context, userID string, embedding []float32, topK int) ([]MessageMatch, error) {
	const q = `
		SELECT m.session_id, m.sequence, m.role, m.content, m.intents, m.symbols,
		       m.summary, m.processing_ms, m.created_at,
		       m.embedding <=> $1 AS distance
		FROM   conversation_messages m
		JOIN   conversation_sessions s ON s.session_id = m.session_id
		WHERE  s.user_id = $2
		  AND  m.embedding IS NOT NULL
		ORDER  BY distance
		LIMIT  $3`

	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(embedding), userID, topK)
	if err != nil {
		return nil, fmt.Errorf("store: similar messages: %w", err)
	}

	matches, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (MessageMatch, error) {
		var m MessageMatch
		if err := scanMessage(row, &m.Message, &m.Distance); err != nil {
			return MessageMatch{}, err
		}
		return m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: scan rows: %w", err)
	}
	if matches == nil {
		matches = []MessageMatch{}
	}
	return matches, nil
}

// collectMessages scans pgx rows into a slice of StoredMessage values.
func collectMessages(rows pgx.Rows) ([]StoredMessage, error) {
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (StoredMessage, error) {
		var m StoredMessage
		if err := scanMessage(row, &m, nil); err != nil {
			return StoredMessage{}, err
		}
		return m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: scan rows: %w", err)
	}
	if msgs == nil {
		msgs = []StoredMessage{}
	}
	return msgs, nil
}

// scanMessage scans one message row. distance is non-nil only for similarity
// queries, which select an extra trailing distance column.
func scanMessage(row pgx.CollectableRow, m *StoredMessage, distance *float64) error {
	dest := []any{
		&m.SessionID,
		&m.Sequence,
		&m.Role,
		&m.Content,
		&m.Intents,
		&m.Symbols,
		&m.Summary,
		&m.ProcessingMS,
		&m.CreatedAt,
	}
	if distance != nil {
		dest = append(dest, distance)
	}
	if err := row.Scan(dest...); err != nil {
		return err
	}
	if m.Intents == nil {
		m.Intents = []string{}
	}
	if m.Symbols == nil {
		m.Symbols = []string{}
	}
	return nil
}

// jsonStrings normalizes a nil slice to an empty one so JSONB columns store
// [] rather than null.
func jsonStrings(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}
