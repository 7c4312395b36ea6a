package locking

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/go-hclog"

	"github.com/katasec/dstream-ingester-lake/internal/utils"
)

// LockerFactory creates instances of DistributedLocker based on the configuration
type LockerFactory struct {
	connectionString string
	containerName    string
	configType       string
	sourceHost       string // Source database host, used to namespace lock names
	local            *LocalRegistry
	log              hclog.Logger
}

// NewLockerFactory initializes a new LockerFactory
func NewLockerFactory(configType, connectionString, containerName, sourceHost string, log hclog.Logger) *LockerFactory {
	return &LockerFactory{
		containerName:    containerName,
		connectionString: connectionString,
		configType:       configType,
		sourceHost:       sourceHost,
		local:            NewLocalRegistry(),
		log:              log.Named("lock"),
	}
}

// CreateLocker creates a DistributedLocker for the specified lock name
func (f *LockerFactory) CreateLocker(ctx context.Context, lockName string) (DistributedLocker, error) {
	switch f.configType {
	case "azure_blob":
		bl, err := NewBlobLocker(ctx, f.connectionString, f.containerName, lockName, f.log)
		if err != nil {
			return nil, err
		}
		return bl, nil
	case "local", "":
		return NewLocalLocker(f.local), nil
	default:
		return nil, fmt.Errorf("unsupported lock type: %s", f.configType)
	}
}

// GetLockName returns the lock name for a change log partition based on the locker type
func (f *LockerFactory) GetLockName(partitionKey string) string {
	switch f.configType {
	case "azure_blob":
		// Blob locks live in a subfolder named after the source server
		if f.sourceHost != "" {
			serverName, err := utils.ExtractServerName(f.sourceHost)
			if err == nil && serverName != "" {
				return strings.ToLower(serverName) + "/" + GetBlobLockName(partitionKey)
			}
		}
		return GetBlobLockName(partitionKey)
	default:
		return partitionKey
	}
}
