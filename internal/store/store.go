// Package store provides the PostgreSQL persistence layer for users,
// sessions, conversation messages, key notes, watchlists, and preferences.
//
// All tables share a single [pgxpool.Pool] opened with the privileged DSN;
// clients never reach the database directly. The pgvector extension must be
// available in the target database; [Migrate] installs it automatically via
// CREATE EXTENSION IF NOT EXISTS and backs the semantic recall index on
// conversation messages.
//
// Usage:
//
//	st, err := store.New(ctx, dsn, 1536)
//	if err != nil { … }
//	defer st.Close()
//
//	_ = st.CreateSession(ctx, sessionID, userID)
//	_ = st.AppendMessage(ctx, msg)
//	notes, _ := st.GetNotes(ctx, userID)
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// Store is the central PostgreSQL-backed persistence layer. All operations
// are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a new Store, establishes a connection pool to the PostgreSQL
// database at dsn, registers pgvector types on every connection, and runs
// [Migrate] to ensure all required tables and extensions exist.
//
// embeddingDimensions must match the output dimension of the embedding model
// used for semantic recall (e.g., 1536 for OpenAI text-embedding-3-small).
// Changing this value after the first migration requires a manual schema
// change.
func New(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}

	// Register pgvector types on every new connection so that vector columns
	// can be scanned into and inserted from pgvector.Vector values.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Ping verifies database connectivity. Used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("store: ping: %w", err)
	}
	return nil
}

// Close releases all connections held by the underlying connection pool.
// It should be called when the Store is no longer needed, typically via defer.
func (s *Store) Close() {
	s.pool.Close()
}
