// distributed_locker.go
package locking

import (
	"context"
)

// DistributedLocker defines an interface for a distributed locking mechanism.
type DistributedLocker interface {
	// AcquireLock tries to acquire a lock for the given lockName and returns a lease ID if successful.
	// An empty lease ID with a nil error means another owner holds the lock.
	AcquireLock(ctx context.Context, lockName string) (string, error)

	// ReleaseLock releases the lock associated with the provided lease ID for the given lockName.
	ReleaseLock(ctx context.Context, lockName string, leaseID string) error

	// RenewLock extends the lease held on lockName.
	RenewLock(ctx context.Context, lockName string) error

	// StartLockRenewal starts a background process to renew the lock periodically.
	// The returned channel receives an error if the lock is lost and is closed when renewal stops.
	StartLockRenewal(ctx context.Context, lockName string) <-chan error
}
