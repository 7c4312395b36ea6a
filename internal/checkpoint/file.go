package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/katasec/dstream-ingester-lake/internal/objectstore"
	"github.com/katasec/dstream-ingester-lake/pkg/cdc"
)

// FileStore writes one JSON document per partition under a directory. Writes go
// through a temp file, fsync and rename, so a crash leaves the previous checkpoint.
type FileStore struct {
	files *objectstore.Local
	locks keyedMutex
}

func NewFileStore(dir string) (*FileStore, error) {
	files, err := objectstore.NewLocal(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint dir: %w", err)
	}
	return &FileStore{files: files}, nil
}

func fileKey(p cdc.Partition) string {
	return p.Key() + ".json"
}

func (s *FileStore) Load(ctx context.Context, p cdc.Partition) (*cdc.Checkpoint, error) {
	data, err := s.files.Get(ctx, fileKey(p))
	if errors.Is(err, objectstore.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint for %s: %w", p, err)
	}
	var cp cdc.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("corrupt checkpoint for %s: %w", p, err)
	}
	return &cp, nil
}

func (s *FileStore) Advance(ctx context.Context, p cdc.Partition, cp cdc.Checkpoint) error {
	unlock := s.locks.lock(p)
	defer unlock()

	cur, err := s.Load(ctx, p)
	if err != nil {
		return err
	}
	if cur != nil && cp.Position < cur.Position {
		return regressed(p, cur.Position, cp.Position)
	}

	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	if err := s.files.Put(ctx, fileKey(p), data); err != nil {
		return fmt.Errorf("failed to write checkpoint for %s: %w", p, err)
	}
	return nil
}

func (s *FileStore) Close() error { return nil }
