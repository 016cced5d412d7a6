// Package db provides the transaction-aware database access abstraction
// shared by every store in this module. Stores accept a DBTX rather than a
// concrete pool so the same store code runs against a bare pool, a single
// connection, or an open transaction.
package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX is the minimal pgx surface every store depends on. It is satisfied by
// *pgxpool.Pool, pgx.Tx, and *pgxpool.Conn, letting callers pass either a
// pool for one-off queries or a transaction for multi-step operations.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var (
	_ DBTX = (*pgxpool.Pool)(nil)
	_ DBTX = (pgx.Tx)(nil)
	_ DBTX = (*pgxpool.Conn)(nil)
)

// WithTx runs fn inside a transaction acquired from pool, committing on
// success and rolling back on error or panic. Row-locked reads inside fn
// (SELECT ... FOR UPDATE) are what give the state machine, slot manager, and
// worktree manager their atomicity guarantees.
func WithTx(ctx context.Context, pool *pgxpool.Pool, fn func(ctx context.Context, tx pgx.Tx) error) (err error) {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		err = tx.Commit(ctx)
	}()

	err = fn(ctx, tx)
	return err
}
