package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"loan-cob-scheduler/internal/models"
)

// FindLocks returns the locks held on any of ids. Callers bound len(ids)
// by the configured in-clause limit.
func (s *Store) FindLocks(ctx context.Context, ids []int64) ([]models.AccountLock, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT account_id, lock_owner, as_of_date, created_at
		FROM loan_account_locks WHERE account_id = ANY($1) ORDER BY account_id
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("query locks: %w", err)
	}
	locks, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.AccountLock, error) {
		var l models.AccountLock
		var owner string
		if err := row.Scan(&l.AccountID, &owner, &l.AsOfDate, &l.CreatedAt); err != nil {
			return l, err
		}
		o, err := models.ParseLockOwner(owner)
		if err != nil {
			return l, err
		}
		l.Owner = o
		return l, nil
	})
	if err != nil {
		return nil, fmt.Errorf("collect locks: %w", err)
	}
	return locks, nil
}

// CreateLocks locks every id for owner in one transaction. A lock created
// concurrently by another run fails the whole batch with ErrLockConflict.
func (s *Store) CreateLocks(ctx context.Context, ids []int64, owner models.LockOwner, asOf time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, id := range ids {
			batch.Queue(`
				INSERT INTO loan_account_locks (account_id, lock_owner, as_of_date, created_at)
				VALUES ($1, $2, $3, NOW())
			`, id, string(owner), models.DateOf(asOf))
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("create locks for %s: %w", owner, ErrLockConflict)
			}
			return fmt.Errorf("create locks for %s: %w", owner, err)
		}
		return nil
	})
}

// ReleaseLock deletes the lock on id if owner holds it.
func (s *Store) ReleaseLock(ctx context.Context, id int64, owner models.LockOwner) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM loan_account_locks WHERE account_id = $1 AND lock_owner = $2
	`, id, string(owner))
	if err != nil {
		return fmt.Errorf("release lock %d: %w", id, err)
	}
	return nil
}

// ReleaseLocks deletes the locks owner holds on ids.
func (s *Store) ReleaseLocks(ctx context.Context, ids []int64, owner models.LockOwner) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		DELETE FROM loan_account_locks WHERE account_id = ANY($1) AND lock_owner = $2
	`, ids, string(owner))
	if err != nil {
		return fmt.Errorf("release locks: %w", err)
	}
	return nil
}
