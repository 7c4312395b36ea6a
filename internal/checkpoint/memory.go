package checkpoint

import (
	"context"
	"sync"

	"github.com/katasec/dstream-ingester-lake/pkg/cdc"
)

// MemoryStore keeps checkpoints in process memory
type MemoryStore struct {
	mu  sync.Mutex
	cps map[cdc.Partition]cdc.Checkpoint

	// Fail, when set, is returned by every Advance.
	Fail error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cps: make(map[cdc.Partition]cdc.Checkpoint)}
}

func (s *MemoryStore) Load(_ context.Context, p cdc.Partition) (*cdc.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.cps[p]
	if !ok {
		return nil, nil
	}
	return &cp, nil
}

func (s *MemoryStore) Advance(_ context.Context, p cdc.Partition, cp cdc.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return s.Fail
	}
	if cur, ok := s.cps[p]; ok && cp.Position < cur.Position {
		return regressed(p, cur.Position, cp.Position)
	}
	s.cps[p] = cp
	return nil
}

func (s *MemoryStore) Close() error { return nil }
