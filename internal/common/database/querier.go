package database

import (
	"context"
	"database/sql"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// Querier is the subset of database access shared by the sqlite and postgres backends.
type Querier interface {
	Exec(ctx context.Context, query string, args ...interface{}) error
	QueryInt(ctx context.Context, query string, args ...interface{}) (int64, error)
	// WithTx runs fn inside a transaction, committing if it returns nil.
	WithTx(ctx context.Context, fn func(Querier) error) error
}

type sqlQuerier struct {
	db *sql.DB
}

func NewSqlQuerier(db *sql.DB) Querier {
	return &sqlQuerier{db: db}
}

func (q *sqlQuerier) Exec(ctx context.Context, query string, args ...interface{}) error {
	_, err := q.db.ExecContext(ctx, query, args...)
	return errors.WithStack(err)
}

func (q *sqlQuerier) QueryInt(ctx context.Context, query string, args ...interface{}) (int64, error) {
	var n int64
	err := q.db.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, errors.WithStack(err)
}

func (q *sqlQuerier) WithTx(ctx context.Context, fn func(Querier) error) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.WithStack(err)
	}
	if err := fn(&sqlTxQuerier{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return errors.WithStack(tx.Commit())
}

type sqlTxQuerier struct {
	tx *sql.Tx
}

func (q *sqlTxQuerier) Exec(ctx context.Context, query string, args ...interface{}) error {
	_, err := q.tx.ExecContext(ctx, query, args...)
	return errors.WithStack(err)
}

func (q *sqlTxQuerier) QueryInt(ctx context.Context, query string, args ...interface{}) (int64, error) {
	var n int64
	err := q.tx.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, errors.WithStack(err)
}

func (q *sqlTxQuerier) WithTx(ctx context.Context, fn func(Querier) error) error {
	return fn(q)
}

func NewPgxQuerier(pool *pgxpool.Pool) Querier {
	return &pgxPoolQuerier{pool: pool}
}

type pgxPoolQuerier struct {
	pool *pgxpool.Pool
}

func (q *pgxPoolQuerier) Exec(ctx context.Context, query string, args ...interface{}) error {
	_, err := q.pool.Exec(ctx, query, args...)
	return errors.WithStack(err)
}

func (q *pgxPoolQuerier) QueryInt(ctx context.Context, query string, args ...interface{}) (int64, error) {
	var n int64
	err := q.pool.QueryRow(ctx, query, args...).Scan(&n)
	return n, errors.WithStack(err)
}

func (q *pgxPoolQuerier) WithTx(ctx context.Context, fn func(Querier) error) error {
	return pgx.BeginTxFunc(ctx, q.pool, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	}, func(tx pgx.Tx) error {
		return fn(&pgxTxQuerier{tx: tx})
	})
}

type pgxTxQuerier struct {
	tx pgx.Tx
}

func (q *pgxTxQuerier) Exec(ctx context.Context, query string, args ...interface{}) error {
	_, err := q.tx.Exec(ctx, query, args...)
	return errors.WithStack(err)
}

func (q *pgxTxQuerier) QueryInt(ctx context.Context, query string, args ...interface{}) (int64, error) {
	var n int64
	err := q.tx.QueryRow(ctx, query, args...).Scan(&n)
	return n, errors.WithStack(err)
}

func (q *pgxTxQuerier) WithTx(ctx context.Context, fn func(Querier) error) error {
	return fn(q)
}
