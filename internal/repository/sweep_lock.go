package repository

import (
	"context"
	"fmt"
	"payout-engine/internal/lock"
	"time"
)

// SweepLocker is a lock.Locker on the sweep_locks table. Every process
// sharing the ledger database sees the same holds, so it stands in for Redis
// when none is configured. Expiry times are unix milliseconds.
type SweepLocker struct {
	repo *SQLRepository
	now  func() time.Time
}

// NewSweepLocker creates a locker backed by the repository's database
func NewSweepLocker(repo *SQLRepository) *SweepLocker {
	return &SweepLocker{repo: repo, now: time.Now}
}

// Acquire inserts the hold, or takes it over when the previous one expired
func (l *SweepLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (lock.Lease, error) {
	if ttl <= 0 {
		ttl = time.Hour
	}
	tok, err := lock.Token()
	if err != nil {
		return nil, err
	}

	now := l.now()
	query := `
		INSERT INTO sweep_locks (lock_key, token, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (lock_key) DO UPDATE SET token = excluded.token, expires_at = excluded.expires_at
		WHERE sweep_locks.expires_at <= ?
	`
	res, err := l.repo.db.ExecContext(ctx, l.repo.rebind(query), key, tok, now.Add(ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to acquire sweep lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire sweep lock: %w", err)
	}
	if n == 0 {
		return nil, lock.ErrNotAcquired
	}
	return &sweepLease{locker: l, key: key, token: tok, ttl: ttl}, nil
}

type sweepLease struct {
	locker *SweepLocker
	key    string
	token  string
	ttl    time.Duration
}

func (l *sweepLease) Refresh(ctx context.Context) (bool, error) {
	query := `UPDATE sweep_locks SET expires_at = ? WHERE lock_key = ? AND token = ?`
	res, err := l.locker.repo.db.ExecContext(ctx, l.locker.repo.rebind(query),
		l.locker.now().Add(l.ttl).UnixMilli(), l.key, l.token)
	if err != nil {
		return false, fmt.Errorf("failed to refresh sweep lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to refresh sweep lock: %w", err)
	}
	return n == 1, nil
}

func (l *sweepLease) Release(ctx context.Context) error {
	query := `DELETE FROM sweep_locks WHERE lock_key = ? AND token = ?`
	if _, err := l.locker.repo.db.ExecContext(ctx, l.locker.repo.rebind(query), l.key, l.token); err != nil {
		return fmt.Errorf("failed to release sweep lock: %w", err)
	}
	return nil
}
