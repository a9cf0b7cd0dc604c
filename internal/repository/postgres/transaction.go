package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"cohort/internal/domain/repositories"
)

type txManager struct {
	pool *pgxpool.Pool
}

// NewTransactionManager returns a TransactionManager backed by the pool.
func NewTransactionManager(pool *pgxpool.Pool) repositories.TransactionManager {
	return &txManager{pool: pool}
}

// ExecTx runs fn inside a single transaction. The pgx.Tx is stashed in the
// context so the repositories fn touches all write through it; any error from
// fn rolls everything back and comes back to the caller unchanged.
func (m *txManager) ExecTx(ctx context.Context, fn repositories.TxFn) error {
	tx, err := m.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(repositories.SetTx(ctx, tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
