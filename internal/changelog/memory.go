package changelog

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/katasec/dstream-ingester-lake/pkg/cdc"
)

// Memory is an in-process change log. Positions start at zero in every partition.
type Memory struct {
	mu     sync.Mutex
	logs   map[cdc.Partition][]cdc.Message
	notify chan struct{}
}

func NewMemory() *Memory {
	return &Memory{
		logs:   make(map[cdc.Partition][]cdc.Message),
		notify: make(chan struct{}),
	}
}

// CreatePartitions makes empty partitions visible to Partitions.
func (m *Memory) CreatePartitions(topic string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < n; i++ {
		p := cdc.Partition{Topic: topic, ID: int32(i)}
		if _, ok := m.logs[p]; !ok {
			m.logs[p] = nil
		}
	}
}

// Append adds a record to p and returns its position.
func (m *Memory) Append(p cdc.Partition, key, value []byte, ts time.Time) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos := int64(len(m.logs[p]))
	m.logs[p] = append(m.logs[p], cdc.Message{
		Partition: p,
		Position:  pos,
		Key:       key,
		Value:     value,
		Timestamp: ts,
	})
	close(m.notify)
	m.notify = make(chan struct{})
	return pos
}

// Len returns the number of records in p.
func (m *Memory) Len(p cdc.Partition) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.logs[p])
}

func (m *Memory) Partitions(_ context.Context, topics []string) ([]cdc.Partition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	byTopic := make(map[string][]cdc.Partition)
	for p := range m.logs {
		byTopic[p.Topic] = append(byTopic[p.Topic], p)
	}
	var parts []cdc.Partition
	for _, t := range topics {
		if len(byTopic[t]) == 0 {
			return nil, fmt.Errorf("%s: %w", t, cdc.ErrTopicNotFound)
		}
		parts = append(parts, byTopic[t]...)
	}
	sort.Slice(parts, func(i, j int) bool {
		if parts[i].Topic != parts[j].Topic {
			return parts[i].Topic < parts[j].Topic
		}
		return parts[i].ID < parts[j].ID
	})
	return parts, nil
}

func (m *Memory) Open(_ context.Context, p cdc.Partition, from int64) (cdc.LogReader, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.logs[p]; !ok {
		return nil, fmt.Errorf("unknown partition %s", p)
	}
	if from < 0 {
		from = 0
	}
	return &memoryReader{m: m, p: p, next: from}, nil
}

type memoryReader struct {
	m    *Memory
	p    cdc.Partition
	next int64
}

func (r *memoryReader) Poll(ctx context.Context, timeout time.Duration) (*cdc.Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		r.m.mu.Lock()
		log := r.m.logs[r.p]
		notify := r.m.notify
		if r.next < int64(len(log)) {
			msg := log[r.next]
			r.next++
			r.m.mu.Unlock()
			return &msg, nil
		}
		r.m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-notify:
		}
	}
}

func (r *memoryReader) Close() error { return nil }
