// Package storage - advisory operation locks
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"operator-autopilot/internal/models"
)

// LockStore manages named, time-bounded leases shared by all processes
// using the same database file.
type LockStore struct {
	db *Database
}

// NewLockStore creates a new LockStore
func NewLockStore(db *Database) *LockStore {
	return &LockStore{db: db}
}

// TryAcquire takes the lease for operation if it is free or expired.
// It never blocks and is not reentrant: an unexpired lease held by the same
// owner also fails.
func (s *LockStore) TryAcquire(ctx context.Context, operation, owner string, ttl time.Duration) (bool, error) {
	now := s.db.now()

	// The WHERE clause on the upsert makes acquisition a single compare-and-set.
	res, err := s.db.db.ExecContext(ctx, `
		INSERT INTO operation_locks (operation, owner, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(operation) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
		WHERE operation_locks.expires_at <= ?
	`, operation, owner, toMillis(now.Add(ttl)), toMillis(now))
	if err != nil {
		return false, fmt.Errorf("failed to acquire %s lock: %w", operation, classify(err))
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to acquire %s lock: %w", operation, err)
	}
	return n == 1, nil
}

// Renew extends a lease this owner still holds. It reports false when the
// lease was lost (expired and taken, or released).
func (s *LockStore) Renew(ctx context.Context, operation, owner string, ttl time.Duration) (bool, error) {
	now := s.db.now()
	res, err := s.db.db.ExecContext(ctx, `
		UPDATE operation_locks SET expires_at = ?
		WHERE operation = ? AND owner = ? AND expires_at > ?
	`, toMillis(now.Add(ttl)), operation, owner, toMillis(now))
	if err != nil {
		return false, fmt.Errorf("failed to renew %s lock: %w", operation, classify(err))
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// Release drops the lease if owner holds it
func (s *LockStore) Release(ctx context.Context, operation, owner string) error {
	_, err := s.db.db.ExecContext(ctx, `
		DELETE FROM operation_locks WHERE operation = ? AND owner = ?
	`, operation, owner)
	if err != nil {
		return fmt.Errorf("failed to release %s lock: %w", operation, classify(err))
	}
	return nil
}

// Get returns the current lease record, or nil when none exists
func (s *LockStore) Get(ctx context.Context, operation string) (*models.OperationLock, error) {
	var (
		lock    models.OperationLock
		expires int64
	)
	err := s.db.db.QueryRowContext(ctx, `
		SELECT operation, owner, expires_at FROM operation_locks WHERE operation = ?
	`, operation).Scan(&lock.Operation, &lock.Owner, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s lock: %w", operation, classify(err))
	}
	lock.ExpiresAt = fromMillis(expires)
	return &lock, nil
}

// IsHeld reports whether anyone holds an unexpired lease on operation
func (s *LockStore) IsHeld(ctx context.Context, operation string) (bool, error) {
	lock, err := s.Get(ctx, operation)
	if err != nil || lock == nil {
		return false, err
	}
	return lock.HeldAt(s.db.now()), nil
}
