package mssql

import (
	"fmt"
	"strings"

	"github.com/katasec/dstream-orchestrator/internal/cdc"
	"github.com/katasec/dstream-orchestrator/internal/cdc/locking"
	"github.com/katasec/dstream-orchestrator/internal/config"
	"github.com/katasec/dstream-orchestrator/internal/publisher"
)

// entitySettings holds the strongly-typed configuration of one hosted entity
type entitySettings struct {
	Options  cdc.Options
	LockName string
}

// buildEntitySettings converts the configured entities into orchestrator options. When the
// publisher limits the message size each entity gets a batch sizer bounded by its query size.
// Service Bus defaults to the standard tier limit.
func buildEntitySettings(cfg *config.Config, lockerFactory *locking.LockerFactory) ([]entitySettings, error) {
	maxMessageBytes := cfg.Publisher.MaxMessageBytes
	if maxMessageBytes <= 0 && strings.EqualFold(cfg.Publisher.Type, publisher.TypeServiceBus) {
		maxMessageBytes = cdc.StandardSKULimit
	}

	settings := make([]entitySettings, 0, len(cfg.Entities))
	for i, e := range cfg.Entities {
		opts, err := e.Options()
		if err != nil {
			return nil, fmt.Errorf("entities[%d]: %w", i, err)
		}
		if maxMessageBytes > 0 {
			opts.BatchSizer = cdc.NewBatchSizer(int(maxMessageBytes), opts.MaxQuerySize)
		}
		settings = append(settings, entitySettings{
			Options:  opts,
			LockName: lockerFactory.GetLockName(opts.Mapping.Name),
		})
	}
	return settings, nil
}
