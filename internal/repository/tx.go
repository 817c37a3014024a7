package repository

import (
	"context"
	"fmt"

	"todo-pipeline/pkg/logger"

	"github.com/jmoiron/sqlx"
)

// TxFn runs inside a transaction; returning an error rolls it back.
type TxFn func(ctx context.Context, tx *sqlx.Tx) error

// RunInTransaction executes fn in a transaction, committing on success and
// rolling back on error or panic.
func RunInTransaction(ctx context.Context, db *sqlx.DB, fn TxFn) (err error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				logger.Error(ctx, "Rollback after panic failed", "error", rbErr, "panic", p)
			}
			panic(p)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logger.Error(ctx, "Rollback failed", "error", rbErr, "original_error", err)
			return fmt.Errorf("rollback: %v (original error: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
