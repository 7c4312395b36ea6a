// Package envelope decodes Debezium change envelopes into normalized change events.
package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/katasec/dstream-ingester-lake/pkg/cdc"
)

// ErrTombstone is returned for log-compaction tombstones, which carry no change.
var ErrTombstone = errors.New("tombstone record")

// DecodeError describes a record that cannot become a ChangeEvent
type DecodeError struct {
	Partition cdc.Partition
	Position  int64
	Key       []byte
	Payload   []byte
	Reason    string
	Err       error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode %s@%d: %s: %v", e.Partition, e.Position, e.Reason, e.Err)
	}
	return fmt.Sprintf("decode %s@%d: %s", e.Partition, e.Position, e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// DeadLetter converts the error into a record for the dead-letter sink.
func (e *DecodeError) DeadLetter(at time.Time) cdc.DeadLetter {
	reason := e.Reason
	if e.Err != nil {
		reason = reason + ": " + e.Err.Error()
	}
	return cdc.DeadLetter{
		Partition: e.Partition,
		Position:  e.Position,
		Key:       e.Key,
		Payload:   e.Payload,
		Reason:    reason,
		FailedAt:  at,
	}
}

// TableResolver maps a routed table name to the configured source table
type TableResolver interface {
	Resolve(table string) (string, bool)
}

// Decoder turns raw change log messages into ChangeEvents
type Decoder struct {
	topicPattern *regexp.Regexp
	tableGroup   int
	schemaGroup  int
	tables       TableResolver
}

// NewDecoder compiles the topic routing pattern. The pattern must contain a named
// group "table" and may contain a named group "schema".
func NewDecoder(topicPattern string, tables TableResolver) (*Decoder, error) {
	re, err := regexp.Compile(topicPattern)
	if err != nil {
		return nil, fmt.Errorf("invalid topic routing pattern: %w", err)
	}
	d := &Decoder{topicPattern: re, tables: tables, tableGroup: -1, schemaGroup: -1}
	for i, name := range re.SubexpNames() {
		switch name {
		case "table":
			d.tableGroup = i
		case "schema":
			d.schemaGroup = i
		}
	}
	if d.tableGroup < 0 {
		return nil, fmt.Errorf("topic routing pattern %q has no (?P<table>...) group", topicPattern)
	}
	return d, nil
}

type source struct {
	Schema string `json:"schema"`
	Table  string `json:"table"`
	TsMs   *int64 `json:"ts_ms"`
	LSN    *int64 `json:"lsn"`
}

type payload struct {
	Op     string          `json:"op"`
	Before json.RawMessage `json:"before"`
	After  json.RawMessage `json:"after"`
	Source *source         `json:"source"`
	TsMs   *int64          `json:"ts_ms"`
}

type wrapper struct {
	Schema  json.RawMessage `json:"schema"`
	Payload json.RawMessage `json:"payload"`
}

// Decode parses msg. Failures are returned as *DecodeError; tombstones as ErrTombstone.
func (d *Decoder) Decode(msg *cdc.Message) (*cdc.ChangeEvent, error) {
	if len(msg.Value) == 0 || isNull(msg.Value) {
		return nil, ErrTombstone
	}

	fail := func(reason string, err error) error {
		return &DecodeError{
			Partition: msg.Partition,
			Position:  msg.Position,
			Key:       msg.Key,
			Payload:   msg.Value,
			Reason:    reason,
			Err:       err,
		}
	}

	body := msg.Value
	var w wrapper
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, fail("malformed envelope", err)
	}
	if len(w.Payload) > 0 && len(w.Schema) > 0 {
		if isNull(w.Payload) {
			return nil, ErrTombstone
		}
		body = w.Payload
	}

	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fail("malformed envelope", err)
	}

	op, ok := cdc.ParseOperation(p.Op)
	if !ok {
		return nil, fail(fmt.Sprintf("unrecognized operation %q", p.Op), nil)
	}

	before, err := decodeRow(p.Before)
	if err != nil {
		return nil, fail("malformed before image", err)
	}
	after, err := decodeRow(p.After)
	if err != nil {
		return nil, fail("malformed after image", err)
	}
	if reason := checkImages(op, before, after); reason != "" {
		return nil, fail(reason, nil)
	}

	table, ok := d.routeTable(msg.Partition.Topic, p.Source)
	if !ok {
		return nil, fail(fmt.Sprintf("no table mapping for topic %q", msg.Partition.Topic), nil)
	}

	evt := &cdc.ChangeEvent{
		Operation:        op,
		Before:           before,
		After:            after,
		SourceTable:      table,
		Partition:        msg.Partition,
		Position:         msg.Position,
		Key:              msg.Key,
		CaptureTimestamp: captureTime(p, msg.Timestamp),
	}
	if p.Source != nil {
		evt.SourceLSN = p.Source.LSN
	}
	return evt, nil
}

// routeTable derives the source table from the topic, then from the envelope source block.
func (d *Decoder) routeTable(topic string, src *source) (string, bool) {
	if m := d.topicPattern.FindStringSubmatch(topic); m != nil && m[d.tableGroup] != "" {
		name := m[d.tableGroup]
		if d.schemaGroup >= 0 && m[d.schemaGroup] != "" {
			name = m[d.schemaGroup] + "." + name
		}
		if resolved, ok := d.tables.Resolve(name); ok {
			return resolved, true
		}
	}
	if src != nil && src.Table != "" {
		name := src.Table
		if src.Schema != "" {
			name = src.Schema + "." + name
		}
		return d.tables.Resolve(name)
	}
	return "", false
}

// checkImages enforces which row images each operation carries.
func checkImages(op cdc.Operation, before, after cdc.Row) string {
	switch op {
	case cdc.Create, cdc.Read:
		if after == nil {
			return fmt.Sprintf("%s without after image", op)
		}
		if before != nil {
			return fmt.Sprintf("%s with before image", op)
		}
	case cdc.Update:
		if before == nil || after == nil {
			return "update requires both before and after images"
		}
	case cdc.Delete:
		if before == nil {
			return "delete without before image"
		}
		if after != nil {
			return "delete with after image"
		}
	}
	return ""
}

func decodeRow(raw json.RawMessage) (cdc.Row, error) {
	if len(raw) == 0 || isNull(raw) {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var row cdc.Row
	if err := dec.Decode(&row); err != nil {
		return nil, err
	}
	return row, nil
}

func captureTime(p payload, fallback time.Time) time.Time {
	switch {
	case p.TsMs != nil:
		return time.UnixMilli(*p.TsMs).UTC()
	case p.Source != nil && p.Source.TsMs != nil:
		return time.UnixMilli(*p.Source.TsMs).UTC()
	default:
		return fallback.UTC()
	}
}

func isNull(b []byte) bool {
	return bytes.Equal(bytes.TrimSpace(b), []byte("null"))
}
