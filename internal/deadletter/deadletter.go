// Package deadletter preserves change log records that could not be decoded.
package deadletter

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/katasec/dstream-ingester-lake/internal/config"
	"github.com/katasec/dstream-ingester-lake/pkg/cdc"
)

// Open builds the configured dead-letter sink.
func Open(cfg *config.Config, log hclog.Logger) (cdc.DeadLetterSink, error) {
	log = log.Named("deadletter")
	switch cfg.DeadLetter.Backend {
	case "kafka":
		s, err := NewKafkaSink(cfg.Kafka.BootstrapServers, cfg.DeadLetter.Topic, log)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "servicebus":
		s, err := NewServiceBusSink(cfg.DeadLetter.ConnectionString, cfg.DeadLetter.Queue, log)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "log":
		return NewLogSink(log), nil
	default:
		return nil, fmt.Errorf("unsupported dead-letter backend: %s", cfg.DeadLetter.Backend)
	}
}

// messageID is stable for a given record, so a resend after a failed
// acknowledgement can be deduplicated by the broker.
func messageID(r cdc.DeadLetter) string {
	name := r.Partition.Key() + "@" + strconv.FormatInt(r.Position, 10)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}

// LogSink writes dead letters to the log only
type LogSink struct {
	log hclog.Logger
}

func NewLogSink(log hclog.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Send(_ context.Context, records []cdc.DeadLetter) error {
	for _, r := range records {
		s.log.Warn("Dead letter",
			"partition", r.Partition.String(),
			"position", r.Position,
			"reason", r.Reason,
			"payload", string(r.Payload),
		)
	}
	return nil
}

func (s *LogSink) Close() error { return nil }

// MemorySink collects dead letters in memory
type MemorySink struct {
	mu      sync.Mutex
	records []cdc.DeadLetter

	// Fail, when set, is returned by every Send.
	Fail error
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Send(_ context.Context, records []cdc.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return s.Fail
	}
	s.records = append(s.records, records...)
	return nil
}

// Records returns a copy of everything sent so far.
func (s *MemorySink) Records() []cdc.DeadLetter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]cdc.DeadLetter(nil), s.records...)
}

func (s *MemorySink) Close() error { return nil }
