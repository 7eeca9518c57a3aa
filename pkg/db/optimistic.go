package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// ErrOptimisticLock is returned when a row's version column no longer
// matches the caller's expected value: someone else committed a change to
// the row first.
var ErrOptimisticLock = errors.New("db: OPTIMISTIC_LOCK")

// WithOptimisticLock implements spec.md §4.6's
// withOptimisticLock(table, id, expectedVersion, body): it loads table's id
// row FOR UPDATE inside a transaction, fails with ErrOptimisticLock if the
// stored version no longer equals expectedVersion, otherwise runs body
// against the transaction, increments version, and commits. Pessimistic
// locking is scoped to this one row-read; callers never hold a transaction
// across stage-level work.
func WithOptimisticLock(ctx context.Context, db *sqlx.DB, table, id string, expectedVersion int, body func(tx *sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("db: begin optimistic lock on %s %s: %w", table, id, err)
	}
	defer tx.Rollback()

	var actual int
	lockQuery := fmt.Sprintf(`SELECT version FROM %s WHERE id = $1 FOR UPDATE`, table)
	if err := tx.GetContext(ctx, &actual, lockQuery, id); err != nil {
		return fmt.Errorf("db: lock %s %s: %w", table, id, err)
	}
	if actual != expectedVersion {
		return fmt.Errorf("db: %s %s at version %d, expected %d: %w", table, id, actual, expectedVersion, ErrOptimisticLock)
	}

	if err := body(tx); err != nil {
		return err
	}

	bumpQuery := fmt.Sprintf(`UPDATE %s SET version = version + 1 WHERE id = $1`, table)
	if _, err := tx.ExecContext(ctx, bumpQuery, id); err != nil {
		return fmt.Errorf("db: bump version on %s %s: %w", table, id, err)
	}

	return tx.Commit()
}
