// distributed_locker.go
package locking

import (
	"context"
)

// DistributedLocker ensures at most one orchestrator instance processes an entity at a time.
type DistributedLocker interface {
	// AcquireLock tries to acquire a lock for the given lockName and returns a lease ID if successful.
	// An empty lease ID with a nil error means the lock is held elsewhere.
	AcquireLock(ctx context.Context, lockName string) (string, error)

	// ReleaseLock releases the lock associated with the provided lease ID for the given lockName.
	ReleaseLock(ctx context.Context, lockName string, leaseID string) error

	// RenewLock extends the lease of a held lock.
	RenewLock(ctx context.Context, lockName string) error

	// StartLockRenewal renews the lock periodically until ctx is done.
	StartLockRenewal(ctx context.Context, lockName string)
}
