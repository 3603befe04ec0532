// Package controllerdb is the controller's authoritative relational state:
// node registration, backend lifecycle, fencing keys, the drone action
// outbox, bearer tokens, and the leased ACME TXT record, all backed by
// Postgres. Mutation is serialized by Postgres itself; the package adds
// LISTEN/NOTIFY fanout so other controller goroutines (the status stream,
// the outbox deliverer) learn about a change without polling.
package controllerdb

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx, so every query
// method below works whether it runs standalone or inside a caller's
// transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store wraps the controller's connection pool and every domain query
// over it.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an already-connected pool (constructed by
// internal/platform.NewPostgresPool in cmd/controller).
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// WithTx runs fn inside a transaction, committing iff fn returns nil.
func (s *Store) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, fn)
}

func notify(ctx context.Context, db DBTX, channel, payload string) error {
	if _, err := db.Exec(ctx, `select pg_notify($1, $2)`, channel, payload); err != nil {
		return fmt.Errorf("notifying %s: %w", channel, err)
	}
	return nil
}
