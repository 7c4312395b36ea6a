// Package changelog reads the replicated change log partition by partition.
package changelog

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/hashicorp/go-hclog"

	"github.com/katasec/dstream-ingester-lake/pkg/cdc"
)

const metadataTimeoutMs = 10000

// KafkaSource reads Debezium topics directly by partition. Offsets are never
// committed to the broker; the checkpoint store owns positions.
type KafkaSource struct {
	bootstrap string
	groupID   string
	log       hclog.Logger
}

func NewKafkaSource(bootstrap, groupID string, log hclog.Logger) *KafkaSource {
	return &KafkaSource{bootstrap: bootstrap, groupID: groupID, log: log.Named("kafka")}
}

func (s *KafkaSource) consumerConfig() *kafka.ConfigMap {
	return &kafka.ConfigMap{
		"bootstrap.servers":    s.bootstrap,
		"group.id":             s.groupID,
		"enable.auto.commit":   false,
		"enable.partition.eof": false,
		"auto.offset.reset":    "earliest",
	}
}

// Partitions lists the partitions of topics. A topic missing from the cluster is
// reported as cdc.ErrTopicNotFound; the connector creates it with the table's first change.
func (s *KafkaSource) Partitions(ctx context.Context, topics []string) ([]cdc.Partition, error) {
	c, err := kafka.NewConsumer(s.consumerConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}
	defer c.Close()

	var parts []cdc.Partition
	for _, topic := range topics {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		topic := topic
		md, err := c.GetMetadata(&topic, false, metadataTimeoutMs)
		if err != nil {
			return nil, fmt.Errorf("failed to read metadata for %s: %w", topic, err)
		}
		tm, ok := md.Topics[topic]
		if !ok || tm.Error.Code() == kafka.ErrUnknownTopicOrPart || (tm.Error.Code() == kafka.ErrNoError && len(tm.Partitions) == 0) {
			return nil, fmt.Errorf("%s: %w", topic, cdc.ErrTopicNotFound)
		}
		if tm.Error.Code() != kafka.ErrNoError {
			return nil, fmt.Errorf("topic %s unavailable: %v", topic, tm.Error)
		}
		for _, pm := range tm.Partitions {
			parts = append(parts, cdc.Partition{Topic: topic, ID: pm.ID})
		}
	}
	sort.Slice(parts, func(i, j int) bool {
		if parts[i].Topic != parts[j].Topic {
			return parts[i].Topic < parts[j].Topic
		}
		return parts[i].ID < parts[j].ID
	})
	return parts, nil
}

// Open assigns a dedicated consumer to p, starting at from.
func (s *KafkaSource) Open(ctx context.Context, p cdc.Partition, from int64) (cdc.LogReader, error) {
	c, err := kafka.NewConsumer(s.consumerConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}

	offset := kafka.OffsetBeginning
	if from >= 0 {
		offset = kafka.Offset(from)
	}
	topic := p.Topic
	err = c.Assign([]kafka.TopicPartition{{Topic: &topic, Partition: p.ID, Offset: offset}})
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to assign %s: %w", p, err)
	}
	s.log.Debug("Assigned partition", "partition", p.String(), "offset", offset.String())
	return &kafkaReader{c: c, p: p, log: s.log}, nil
}

type kafkaReader struct {
	c   *kafka.Consumer
	p   cdc.Partition
	log hclog.Logger
}

// Poll returns the next message. Non-fatal client errors are logged and reported as
// an empty poll; librdkafka recovers from them internally.
func (r *kafkaReader) Poll(ctx context.Context, timeout time.Duration) (*cdc.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ev := r.c.Poll(int(timeout.Milliseconds()))
	switch e := ev.(type) {
	case *kafka.Message:
		if e.TopicPartition.Error != nil {
			return nil, fmt.Errorf("read %s: %w", r.p, e.TopicPartition.Error)
		}
		return &cdc.Message{
			Partition: r.p,
			Position:  int64(e.TopicPartition.Offset),
			Key:       e.Key,
			Value:     e.Value,
			Timestamp: e.Timestamp,
		}, nil
	case kafka.Error:
		if e.IsFatal() {
			return nil, fmt.Errorf("kafka fatal error on %s: %w", r.p, e)
		}
		r.log.Warn("Kafka client error", "partition", r.p.String(), "error", e)
		return nil, nil
	default:
		return nil, nil
	}
}

func (r *kafkaReader) Close() error {
	return r.c.Close()
}
