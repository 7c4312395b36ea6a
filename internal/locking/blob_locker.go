package locking

import (
	"context"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/lease"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
)

// Blob leases are 15 to 60 seconds or infinite. A finite lease frees the partition
// on its own when the owner dies without releasing.
const defaultLockTTL = 60 * time.Second

type BlobLocker struct {
	containerName string
	lockTTL       time.Duration
	lockName      string

	azblobClient    *azblob.Client
	blobLeaseClient *lease.BlobClient
	log             hclog.Logger
}

func NewBlobLocker(ctx context.Context, connectionString, containerName, lockName string, log hclog.Logger) (*BlobLocker, error) {

	// Create azblobClient and create container
	azblobClient, err := azblob.NewClientFromConnectionString(connectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure Blob client: %w", err)
	}
	_, err = azblobClient.CreateContainer(ctx, containerName, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return nil, fmt.Errorf("failed to create or check container: %w", err)
	}

	// Create block blob client and upload empty blob
	blockblobClient, err := blockblob.NewClientFromConnectionString(connectionString, containerName, lockName, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create block blob client: %w", err)
	}
	_, err = blockblobClient.UploadBuffer(ctx, []byte{}, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.BlobAlreadyExists, bloberror.LeaseIDMissing) {
		return nil, fmt.Errorf("failed to ensure blob exists: %w", err)
	}

	blobLeaseClient, err := lease.NewBlobClient(blockblobClient, &lease.BlobClientOptions{
		LeaseID: to.Ptr(uuid.NewString()),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create blob lease client: %w", err)
	}

	return &BlobLocker{
		containerName: containerName,
		lockTTL:       defaultLockTTL,
		lockName:      lockName,

		azblobClient:    azblobClient,
		blobLeaseClient: blobLeaseClient,
		log:             log,
	}, nil
}

// AcquireLock tries to acquire a lease on the blob and returns its ID
func (bl *BlobLocker) AcquireLock(ctx context.Context, lockName string) (string, error) {
	bl.log.Debug("Attempting to acquire lock", "blob", bl.lockName)

	resp, err := bl.blobLeaseClient.AcquireLease(ctx, int32(bl.lockTTL.Seconds()), nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.LeaseAlreadyPresent) {
			bl.log.Info("Partition is locked by another owner", "blob", bl.lockName)
			return "", nil
		}
		return "", fmt.Errorf("failed to acquire lock for blob %s: %w", bl.lockName, err)
	}

	bl.log.Info("Lock acquired", "blob", bl.lockName, "lease", *resp.LeaseID)
	return *resp.LeaseID, nil
}

func (bl *BlobLocker) RenewLock(ctx context.Context, lockName string) error {
	_, err := bl.blobLeaseClient.RenewLease(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to renew lock for blob %s: %w", lockName, err)
	}

	bl.log.Trace("Lock renewed", "blob", lockName)
	return nil
}

// ReleaseLock releases the lease so another owner can take the partition at once
func (bl *BlobLocker) ReleaseLock(ctx context.Context, lockName string, leaseID string) error {
	if got := bl.blobLeaseClient.LeaseID(); got == nil || *got != leaseID {
		return fmt.Errorf("lock %s is not held by lease %s", lockName, leaseID)
	}
	_, err := bl.blobLeaseClient.ReleaseLease(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to release lock for blob %s: %w", bl.lockName, err)
	}
	bl.log.Info("Lock released", "blob", bl.lockName)
	return nil
}

// StartLockRenewal renews the lease at half its TTL. Two consecutive failures mean the
// lease may already have expired, and the loss is reported on the returned channel.
func (bl *BlobLocker) StartLockRenewal(ctx context.Context, lockName string) <-chan error {
	lost := make(chan error, 1)
	bl.log.Debug("Starting lock renewal", "blob", lockName)
	go func() {
		defer close(lost)
		ticker := time.NewTicker(bl.lockTTL / 2)
		defer ticker.Stop()

		failures := 0
		for {
			select {
			case <-ticker.C:
				if err := bl.RenewLock(ctx, bl.lockName); err != nil {
					failures++
					bl.log.Warn("Failed to renew lock", "blob", lockName, "error", err)
					if failures >= 2 {
						lost <- err
						return
					}
					continue
				}
				failures = 0
			case <-ctx.Done():
				bl.log.Debug("Stopping lock renewal", "blob", lockName)
				return
			}
		}
	}()
	return lost
}

// GetBlobLockName returns the lock name for a given partition key using the blob locker naming convention
func GetBlobLockName(name string) string {
	return name + ".lock"
}
