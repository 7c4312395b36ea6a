// Package checkpoint persists the last materialized position of every change log partition.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/katasec/dstream-ingester-lake/internal/config"
	"github.com/katasec/dstream-ingester-lake/pkg/cdc"
)

// ErrPositionRegressed is returned by Advance when cp is behind the stored position.
var ErrPositionRegressed = errors.New("checkpoint position regressed")

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// Open builds the configured checkpoint store.
func Open(ctx context.Context, cfg config.CheckpointConfig, log hclog.Logger) (cdc.CheckpointStore, error) {
	log = log.Named("checkpoint")
	switch cfg.Backend {
	case "postgres", "sqlserver":
		if !tableNamePattern.MatchString(cfg.Table) {
			return nil, fmt.Errorf("invalid checkpoint table name %q", cfg.Table)
		}
		if cfg.Backend == "postgres" {
			s, err := NewPostgresStore(ctx, cfg.DSN, cfg.Table, log)
			if err != nil {
				return nil, err
			}
			return s, nil
		}
		s, err := NewSQLServerStore(ctx, cfg.DSN, cfg.Table, log)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "file":
		s, err := NewFileStore(cfg.Dir)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported checkpoint backend: %s", cfg.Backend)
	}
}

// keyedMutex serializes writers per partition
type keyedMutex struct {
	mu    sync.Mutex
	locks map[cdc.Partition]*sync.Mutex
}

func (k *keyedMutex) lock(p cdc.Partition) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[cdc.Partition]*sync.Mutex)
	}
	l, ok := k.locks[p]
	if !ok {
		l = &sync.Mutex{}
		k.locks[p] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func regressed(p cdc.Partition, stored, next int64) error {
	return fmt.Errorf("%w: %s at %d, refused %d", ErrPositionRegressed, p, stored, next)
}
