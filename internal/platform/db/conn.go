package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier is what repositories need from a pool, a connection or a
// transaction.
type Querier interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type contextKey string

const querierKey contextKey = "db_querier"

// WithQuerier attaches q to ctx so repositories use it instead of the pool.
func WithQuerier(ctx context.Context, q Querier) context.Context {
	return context.WithValue(ctx, querierKey, q)
}

// QuerierFromContext returns the querier attached by WithQuerier, or nil.
func QuerierFromContext(ctx context.Context) Querier {
	q, _ := ctx.Value(querierKey).(Querier)
	return q
}

// Snapshots runs reads that must observe one consistent database state.
type Snapshots struct {
	pool *pgxpool.Pool
}

func NewSnapshots(pool *pgxpool.Pool) *Snapshots {
	return &Snapshots{pool: pool}
}

// ReadOnly runs fn inside a read-only repeatable-read transaction. The
// transaction is attached to the context handed to fn.
func (s *Snapshots) ReadOnly(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return fmt.Errorf("begin read-only transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(WithQuerier(ctx, tx)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
