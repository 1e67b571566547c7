package locking

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/katasec/dstream-orchestrator/internal/locking"
	"github.com/katasec/dstream-orchestrator/internal/utils"
)

// Lock provider types
const (
	TypeAzureBlob = "azure_blob"
	TypeMutex     = "mutex"
	TypeNone      = "none"
)

// LockerFactory creates instances of DistributedLocker based on the configuration
type LockerFactory struct {
	connectionString   string
	containerName      string
	configType         string
	dbConnectionString string // Database connection string for server name extraction
	mutexTimeout       time.Duration
}

// NewLockerFactory initializes a new LockerFactory
func NewLockerFactory(configType string, connectionString string, containerName string, dbConnectionString string) *LockerFactory {
	if configType == "" {
		configType = TypeNone
	}
	return &LockerFactory{
		containerName:      containerName,
		connectionString:   connectionString,
		configType:         configType,
		dbConnectionString: dbConnectionString,
		mutexTimeout:       time.Second,
	}
}

// CreateLocker creates a DistributedLocker for the specified lock name
func (f *LockerFactory) CreateLocker(ctx context.Context, lockName string) (locking.DistributedLocker, error) {
	switch f.configType {
	case TypeAzureBlob:
		return locking.NewBlobLocker(ctx, f.connectionString, f.containerName, lockName)
	case TypeMutex:
		return locking.NewMutexLocker(f.mutexTimeout), nil
	case TypeNone:
		return locking.NoopLocker{}, nil
	default:
		return nil, fmt.Errorf("unsupported lock type: %s", f.configType)
	}
}

// GetLockName returns the lock name of an entity. Lock names are scoped by database server so
// orchestrators of different servers sharing a lock store do not exclude each other.
func (f *LockerFactory) GetLockName(entityName string) string {
	server := ""
	if f.dbConnectionString != "" {
		if name, err := utils.GetServerName(f.dbConnectionString); err == nil {
			server = strings.ToLower(name)
		}
	}

	switch f.configType {
	case TypeAzureBlob:
		if server != "" {
			return server + "/" + locking.GetBlobLockName(entityName)
		}
		return locking.GetBlobLockName(entityName)
	case TypeMutex:
		if server != "" {
			return server + "-" + entityName
		}
		return entityName
	default:
		return entityName
	}
}
