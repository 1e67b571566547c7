package locking

import "context"

// NoopLocker always grants the lock. It is meant for a single instance deployment.
type NoopLocker struct{}

func (NoopLocker) AcquireLock(ctx context.Context, lockName string) (string, error) {
	return lockName, nil
}

func (NoopLocker) ReleaseLock(ctx context.Context, lockName string, leaseID string) error {
	return nil
}

func (NoopLocker) RenewLock(ctx context.Context, lockName string) error { return nil }

func (NoopLocker) StartLockRenewal(ctx context.Context, lockName string) {}
