package services

import (
	"context"
	"time"

	"github.com/mescon/contentguardian/internal/clock"
	"github.com/mescon/contentguardian/internal/domain"
)

// DefaultLockTTL is how long a lock stays live without a heartbeat.
const DefaultLockTTL = 10 * time.Minute

// LockManager provides cooperative mutual exclusion between scan triggers.
// A lock older than the TTL is considered abandoned and may be taken over.
type LockManager struct {
	store LockStore
	clock clock.Clock
	ttl   time.Duration
}

func NewLockManager(store LockStore, clk clock.Clock, ttl time.Duration) *LockManager {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &LockManager{store: store, clock: clk, ttl: ttl}
}

// TTL returns the configured lock lifetime.
func (l *LockManager) TTL() time.Duration {
	return l.ttl
}

// Acquire takes the lock for mode if it is free or expired. It reports false
// without writing when a live lock is held.
func (l *LockManager) Acquire(ctx context.Context, mode domain.ScanMode) (bool, error) {
	return l.store.TryAcquireScanLock(ctx, domain.ScanLock{Timestamp: l.clock.Now(), Mode: mode}, l.ttl)
}

// Heartbeat refreshes the lock timestamp unconditionally.
func (l *LockManager) Heartbeat(ctx context.Context, mode domain.ScanMode) error {
	return l.store.WriteScanLock(ctx, domain.ScanLock{Timestamp: l.clock.Now(), Mode: mode})
}

// Release deletes the lock. Only the acquirer may call it.
func (l *LockManager) Release(ctx context.Context) error {
	return l.store.DeleteScanLock(ctx)
}

// Live returns the current lock if one exists and has not expired.
func (l *LockManager) Live(ctx context.Context) (*domain.ScanLock, error) {
	lock, err := l.store.GetScanLock(ctx)
	if err != nil || lock == nil {
		return nil, err
	}
	if lock.Expired(l.clock.Now(), l.ttl) {
		return nil, nil
	}
	return lock, nil
}
