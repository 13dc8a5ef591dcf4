package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// DDL — users and sessions
// ─────────────────────────────────────────────────────────────────────────────

const ddlUsers = `
CREATE TABLE IF NOT EXISTS users (
    user_id      TEXT         PRIMARY KEY,
    display_name TEXT         NOT NULL DEFAULT '',
    created_at   TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

const ddlSessions = `
CREATE TABLE IF NOT EXISTS conversation_sessions (
    session_id        TEXT         PRIMARY KEY,
    user_id           TEXT         NOT NULL REFERENCES users (user_id),
    started_at        TIMESTAMPTZ  NOT NULL DEFAULT now(),
    ended_at          TIMESTAMPTZ,
    last_heartbeat_at TIMESTAMPTZ  NOT NULL DEFAULT now(),
    is_active         BOOLEAN      NOT NULL DEFAULT TRUE,
    duration_seconds  DOUBLE PRECISION,
    source            TEXT         NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_sessions_user_id
    ON conversation_sessions (user_id);

CREATE INDEX IF NOT EXISTS idx_sessions_active_heartbeat
    ON conversation_sessions (last_heartbeat_at)
    WHERE is_active;
`

// ddlMessages returns the conversation_messages DDL with the embedding
// dimension substituted. The vector dimension is baked into the column type
// at schema creation time.
func ddlMessages(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS conversation_messages (
    session_id    TEXT         NOT NULL REFERENCES conversation_sessions (session_id),
    sequence      INT          NOT NULL,
    role          TEXT         NOT NULL,
    content       TEXT         NOT NULL,
    intents       JSONB        NOT NULL DEFAULT '[]',
    symbols       JSONB        NOT NULL DEFAULT '[]',
    summary       TEXT         NOT NULL DEFAULT '',
    processing_ms BIGINT       NOT NULL DEFAULT 0,
    embedding     vector(%d),
    created_at    TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (session_id, sequence)
);

CREATE INDEX IF NOT EXISTS idx_messages_created_at
    ON conversation_messages (created_at);

CREATE INDEX IF NOT EXISTS idx_messages_embedding
    ON conversation_messages USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// ─────────────────────────────────────────────────────────────────────────────
// DDL — per-user state (notes, watchlist, preferences)
// ─────────────────────────────────────────────────────────────────────────────

const ddlUserState = `
CREATE TABLE IF NOT EXISTS user_notes (
    user_id     TEXT         NOT NULL UNIQUE REFERENCES users (user_id),
    key_notes   JSONB        NOT NULL DEFAULT '{}',
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS user_watchlist (
    user_id     TEXT         PRIMARY KEY REFERENCES users (user_id),
    symbols     JSONB        NOT NULL DEFAULT '[]',
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS user_preferences (
    user_id          TEXT         PRIMARY KEY REFERENCES users (user_id),
    preferred_topics JSONB        NOT NULL DEFAULT '[]',
    settings         JSONB        NOT NULL DEFAULT '{}',
    updated_at       TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// Migrate creates or ensures all required database tables and extensions
// exist. It is idempotent (CREATE TABLE IF NOT EXISTS / CREATE INDEX IF NOT
// EXISTS) and safe to call on every application start.
//
// embeddingDimensions must match the vector model configured for your
// deployment (e.g., 1536 for OpenAI text-embedding-3-small, 768 for
// nomic-embed-text). Changing this value after the first migration requires
// a manual schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	statements := []string{
		ddlUsers,
		ddlSessions,
		ddlMessages(embeddingDimensions),
		ddlUserState,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("store migrate: %w", err)
		}
	}
	return nil
}
