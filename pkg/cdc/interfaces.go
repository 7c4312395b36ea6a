package cdc

import (
	"context"
	"errors"
	"time"
)

// ErrTopicNotFound is returned by ChangeLog.Partitions for a topic that does not
// exist yet. The connector only creates a table's topic with its first change.
var ErrTopicNotFound = errors.New("topic not found")

// ChangeLog gives access to the partitions of the replicated change log
type ChangeLog interface {
	// Partitions lists every partition of the given topics. A missing topic yields
	// an error wrapping ErrTopicNotFound.
	Partitions(ctx context.Context, topics []string) ([]Partition, error)

	// Open returns a reader positioned at from. A negative from means the start of the log.
	Open(ctx context.Context, p Partition, from int64) (LogReader, error)
}

// LogReader reads one partition in position order
type LogReader interface {
	// Poll waits up to timeout for the next message. It returns nil, nil when nothing arrived.
	Poll(ctx context.Context, timeout time.Duration) (*Message, error)

	// Close releases any resources used by the reader
	Close() error
}

// CheckpointStore persists the materialized position of each partition
type CheckpointStore interface {
	// Load returns the checkpoint for p, or nil when none was ever written
	Load(ctx context.Context, p Partition) (*Checkpoint, error)

	// Advance durably records cp for p before returning
	Advance(ctx context.Context, p Partition, cp Checkpoint) error

	// Close releases any resources used by the store
	Close() error
}

// DeadLetter is a record that could not be decoded
type DeadLetter struct {
	Partition Partition `json:"partition"`
	Position  int64     `json:"position"`
	Key       []byte    `json:"key,omitempty"`
	Payload   []byte    `json:"payload"`
	Reason    string    `json:"reason"`
	FailedAt  time.Time `json:"failed_at"`
}

// DeadLetterSink preserves undecodable records for inspection
type DeadLetterSink interface {
	// Send delivers the records; the call returns once delivery is confirmed
	Send(ctx context.Context, records []DeadLetter) error

	// Close releases any resources used by the sink
	Close() error
}
