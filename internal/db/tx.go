package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"drawclub/internal/types"
)

// TxRunner executes a function inside a database transaction. The function
// receives a DBTX bound to the transaction, so repositories constructed over
// it participate in the same commit.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(q DBTX) error) error
}

// PoolTxRunner implements TxRunner over a pgx connection pool.
type PoolTxRunner struct {
	pool *pgxpool.Pool
}

// NewPoolTxRunner creates a TxRunner backed by the given pool.
func NewPoolTxRunner(pool *pgxpool.Pool) *PoolTxRunner {
	return &PoolTxRunner{pool: pool}
}

// WithTx runs fn inside a transaction, committing on nil and rolling back on
// error or panic.
func (r *PoolTxRunner) WithTx(ctx context.Context, fn func(q DBTX) error) error {
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(tx)
	})
	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) {
			return err
		}
		return types.NewAppError(types.ErrCodeInternalDB, "transaction failed", err)
	}
	return nil
}
