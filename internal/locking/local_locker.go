package locking

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// LocalRegistry tracks locks held inside this process
type LocalRegistry struct {
	mu     sync.Mutex
	leases map[string]string
}

func NewLocalRegistry() *LocalRegistry {
	return &LocalRegistry{leases: make(map[string]string)}
}

// LocalLocker is a DistributedLocker scoped to one process. It keeps two workers in
// the same process from owning one partition.
type LocalLocker struct {
	registry *LocalRegistry
}

func NewLocalLocker(registry *LocalRegistry) *LocalLocker {
	return &LocalLocker{registry: registry}
}

func (l *LocalLocker) AcquireLock(_ context.Context, lockName string) (string, error) {
	l.registry.mu.Lock()
	defer l.registry.mu.Unlock()
	if _, held := l.registry.leases[lockName]; held {
		return "", nil
	}
	leaseID := uuid.NewString()
	l.registry.leases[lockName] = leaseID
	return leaseID, nil
}

func (l *LocalLocker) ReleaseLock(_ context.Context, lockName string, leaseID string) error {
	l.registry.mu.Lock()
	defer l.registry.mu.Unlock()
	if cur, held := l.registry.leases[lockName]; !held || cur != leaseID {
		return fmt.Errorf("lock %s is not held by lease %s", lockName, leaseID)
	}
	delete(l.registry.leases, lockName)
	return nil
}

func (l *LocalLocker) RenewLock(_ context.Context, lockName string) error {
	l.registry.mu.Lock()
	defer l.registry.mu.Unlock()
	if _, held := l.registry.leases[lockName]; !held {
		return fmt.Errorf("lock %s is not held", lockName)
	}
	return nil
}

func (l *LocalLocker) StartLockRenewal(ctx context.Context, _ string) <-chan error {
	lost := make(chan error)
	go func() {
		<-ctx.Done()
		close(lost)
	}()
	return lost
}
