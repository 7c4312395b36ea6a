package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/hashicorp/go-hclog"

	"github.com/katasec/dstream-ingester-lake/pkg/cdc"
)

const flushTimeoutMs = 15 * 1000

// KafkaSink produces dead letters to a Kafka topic and waits for delivery reports
type KafkaSink struct {
	topic string
	p     *kafka.Producer
	log   hclog.Logger
}

func NewKafkaSink(bootstrap, topic string, log hclog.Logger) (*KafkaSink, error) {
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":  bootstrap,
		"acks":               "all",
		"enable.idempotence": true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	s := &KafkaSink{topic: topic, p: p, log: log.Named("kafka")}

	// Per-message delivery reports go to the channel passed to Produce; only
	// client-level events arrive here.
	go func() {
		for e := range p.Events() {
			if kerr, ok := e.(kafka.Error); ok {
				s.log.Warn("Kafka producer error", "error", kerr)
			}
		}
	}()
	return s, nil
}

func (s *KafkaSink) Send(ctx context.Context, records []cdc.DeadLetter) error {
	if len(records) == 0 {
		return nil
	}
	deliveries := make(chan kafka.Event, len(records))
	for _, r := range records {
		value, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to encode dead letter: %w", err)
		}
		err = s.p.Produce(&kafka.Message{
			TopicPartition: kafka.TopicPartition{Topic: &s.topic, Partition: kafka.PartitionAny},
			Key:            r.Key,
			Value:          value,
			Headers: []kafka.Header{
				{Key: "dlq-message-id", Value: []byte(messageID(r))},
				{Key: "dlq-source-partition", Value: []byte(r.Partition.String())},
				{Key: "dlq-source-position", Value: []byte(strconv.FormatInt(r.Position, 10))},
				{Key: "dlq-reason", Value: []byte(r.Reason)},
			},
		}, deliveries)
		if err != nil {
			return fmt.Errorf("failed to produce dead letter: %w", err)
		}
	}

	for i := 0; i < len(records); i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e := <-deliveries:
			m, ok := e.(*kafka.Message)
			if !ok {
				continue
			}
			if m.TopicPartition.Error != nil {
				return fmt.Errorf("dead letter delivery failed: %w", m.TopicPartition.Error)
			}
		}
	}
	s.log.Debug("Delivered dead letters", "topic", s.topic, "count", len(records))
	return nil
}

func (s *KafkaSink) Close() error {
	defer s.p.Close()
	if n := s.p.Flush(flushTimeoutMs); n > 0 {
		return fmt.Errorf("could not flush all messages in timeout, numUnflushed: %d", n)
	}
	return nil
}
