// Package store provides the data access layer for the job queue tables.
// All locking paths (SKIP LOCKED pickup, advisory-locked admission, the
// atomic lease, guarded completion) use *pgxpool.Pool directly for pgx
// native transactions; dynamic filter queries are built with squirrel.
package store

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// psql is the shared squirrel statement builder using Postgres placeholders.
var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Store is the central data access object for the three queue tables.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store backed by pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool returns the underlying pgxpool for callers that need pgx native
// operations outside the store's own methods.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// WithTx runs fn inside a pgx transaction. The transaction is committed if
// fn returns nil, rolled back otherwise. Rollback after Commit is a no-op,
// so the deferred rollback is always safe.
func (s *Store) WithTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback on panic or fn error
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
