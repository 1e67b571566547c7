package locking

import (
	"context"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/lease"

	"github.com/katasec/dstream-orchestrator/internal/logging"
)

// DefaultLeaseDuration is the blob lease length; Azure accepts 15 to 60 seconds.
const DefaultLeaseDuration = 60 * time.Second

// BlobLocker holds an Azure blob lease on one lock blob
type BlobLocker struct {
	containerName string
	lockTTL       time.Duration
	lockName      string

	azblobClient    *azblob.Client
	blobLeaseClient *lease.BlobClient
}

// NewBlobLocker creates the container and the empty lock blob if needed
func NewBlobLocker(ctx context.Context, connectionString, containerName, lockName string) (*BlobLocker, error) {
	azblobClient, err := azblob.NewClientFromConnectionString(connectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure Blob client: %w", err)
	}
	_, err = azblobClient.CreateContainer(ctx, containerName, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return nil, fmt.Errorf("failed to create or check container: %w", err)
	}

	blockblobClient, err := blockblob.NewClientFromConnectionString(connectionString, containerName, lockName, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create block blob client: %w", err)
	}
	_, err = blockblobClient.UploadBuffer(ctx, []byte{}, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.BlobAlreadyExists, bloberror.LeaseIDMissing, bloberror.LeaseAlreadyPresent) {
		return nil, fmt.Errorf("failed to ensure blob exists: %w", err)
	}

	blobLeaseClient, err := lease.NewBlobClient(blockblobClient, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create blob lease client: %w", err)
	}

	return &BlobLocker{
		containerName:   containerName,
		lockTTL:         DefaultLeaseDuration,
		lockName:        lockName,
		azblobClient:    azblobClient,
		blobLeaseClient: blobLeaseClient,
	}, nil
}

// AcquireLock tries to acquire a lease on the blob and returns its ID
func (bl *BlobLocker) AcquireLock(ctx context.Context, lockName string) (string, error) {
	logger := logging.GetLogger()
	logger.Debug("Attempting to acquire lock", "blob", bl.lockName)

	resp, err := bl.blobLeaseClient.AcquireLease(ctx, int32(bl.lockTTL.Seconds()), nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.LeaseAlreadyPresent) {
			props, perr := bl.azblobClient.ServiceClient().NewContainerClient(bl.containerName).NewBlobClient(bl.lockName).GetProperties(ctx, nil)
			if perr == nil && props.LastModified != nil {
				logger.Info("Lock is held by another instance", "blob", bl.lockName, "lastModified", props.LastModified.Format(time.RFC3339))
			} else {
				logger.Info("Lock is held by another instance", "blob", bl.lockName)
			}
			return "", nil
		}
		return "", fmt.Errorf("failed to acquire lock for blob %s: %w", bl.lockName, err)
	}

	logger.Info("Lock acquired", "blob", bl.lockName, "leaseId", *resp.LeaseID)
	return *resp.LeaseID, nil
}

// RenewLock renews the held lease
func (bl *BlobLocker) RenewLock(ctx context.Context, lockName string) error {
	if _, err := bl.blobLeaseClient.RenewLease(ctx, nil); err != nil {
		return fmt.Errorf("failed to renew lock for blob %s: %w", lockName, err)
	}
	logging.GetLogger().Trace("Lock renewed", "blob", lockName)
	return nil
}

// ReleaseLock releases the held lease
func (bl *BlobLocker) ReleaseLock(ctx context.Context, lockName string, leaseID string) error {
	if _, err := bl.blobLeaseClient.ReleaseLease(ctx, &lease.BlobReleaseOptions{}); err != nil {
		return fmt.Errorf("failed to release lock for blob %s: %w", bl.lockName, err)
	}
	logging.GetLogger().Info("Lock released", "blob", bl.lockName)
	return nil
}

// StartLockRenewal renews the lease at half its duration until ctx is done
func (bl *BlobLocker) StartLockRenewal(ctx context.Context, lockName string) {
	logger := logging.GetLogger()
	logger.Debug("Starting lock renewal", "blob", lockName)
	go func() {
		ticker := time.NewTicker(bl.lockTTL / 2)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := bl.RenewLock(ctx, bl.lockName); err != nil {
					logger.Error("Failed to renew lock", "blob", lockName, "error", err)
				}
			case <-ctx.Done():
				logger.Debug("Stopping lock renewal", "blob", lockName)
				return
			}
		}
	}()
}

// GetBlobLockName returns the lock blob name of an entity
func GetBlobLockName(entityName string) string {
	return entityName + ".lock"
}
