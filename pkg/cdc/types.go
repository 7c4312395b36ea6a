package cdc

import (
	"fmt"
	"time"
)

// Operation represents the type of change captured for a row
type Operation string

const (
	// Create represents a new row being added
	Create Operation = "c"
	// Update represents a row being modified
	Update Operation = "u"
	// Delete represents a row being removed
	Delete Operation = "d"
	// Read represents a row emitted by the initial snapshot
	Read Operation = "r"
)

// ParseOperation maps a Debezium op code to an Operation.
func ParseOperation(code string) (Operation, bool) {
	switch Operation(code) {
	case Create, Update, Delete, Read:
		return Operation(code), true
	default:
		return "", false
	}
}

func (o Operation) String() string {
	switch o {
	case Create:
		return "create"
	case Update:
		return "update"
	case Delete:
		return "delete"
	case Read:
		return "snapshot-read"
	default:
		return string(o)
	}
}

// Partition identifies one ordered partition of the change log
type Partition struct {
	Topic string `json:"topic"`
	ID    int32  `json:"id"`
}

func (p Partition) String() string {
	return fmt.Sprintf("%s/%d", p.Topic, p.ID)
}

// Key returns a path-safe identifier for the partition.
func (p Partition) Key() string {
	return fmt.Sprintf("%s-%d", p.Topic, p.ID)
}

// Row is a mapping of column name to value
type Row map[string]any

// ChangeEvent represents one captured row change, normalized from its envelope
type ChangeEvent struct {
	Operation        Operation `json:"op"`
	Before           Row       `json:"before,omitempty"`
	After            Row       `json:"after,omitempty"`
	SourceTable      string    `json:"source_table"`
	SourceLSN        *int64    `json:"source_lsn,omitempty"`
	Partition        Partition `json:"partition"`
	Position         int64     `json:"position"`
	Key              []byte    `json:"key,omitempty"`
	CaptureTimestamp time.Time `json:"capture_ts"`
}

// Image returns the row state the event leaves behind: After for create, read and
// update; Before for delete.
func (e *ChangeEvent) Image() Row {
	if e.Operation == Delete {
		return e.Before
	}
	return e.After
}

// Checkpoint is the last materialized position of a partition
type Checkpoint struct {
	Position  int64     `json:"position"`
	BatchID   string    `json:"batch_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is one raw record read from the change log
type Message struct {
	Partition Partition
	Position  int64
	Key       []byte
	Value     []byte
	Timestamp time.Time
}
