package deadletter

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/hashicorp/go-hclog"

	"github.com/katasec/dstream-ingester-lake/pkg/cdc"
)

// ServiceBusSink sends dead letters to an Azure Service Bus queue
type ServiceBusSink struct {
	client *azservicebus.Client
	sender *azservicebus.Sender
	queue  string
	log    hclog.Logger
}

func NewServiceBusSink(connectionString, queue string, log hclog.Logger) (*ServiceBusSink, error) {
	client, err := azservicebus.NewClientFromConnectionString(connectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create service bus client: %w", err)
	}
	sender, err := client.NewSender(queue, nil)
	if err != nil {
		client.Close(context.Background())
		return nil, fmt.Errorf("failed to create service bus sender: %w", err)
	}
	return &ServiceBusSink{client: client, sender: sender, queue: queue, log: log.Named("servicebus")}, nil
}

func (s *ServiceBusSink) Send(ctx context.Context, records []cdc.DeadLetter) error {
	for _, r := range records {
		body, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to encode dead letter: %w", err)
		}
		msg := &azservicebus.Message{
			Body:        body,
			MessageID:   to.Ptr(messageID(r)),
			ContentType: to.Ptr("application/json"),
			ApplicationProperties: map[string]any{
				"source_partition": r.Partition.String(),
				"source_position":  r.Position,
				"reason":           r.Reason,
			},
		}
		if err := s.sender.SendMessage(ctx, msg, nil); err != nil {
			return fmt.Errorf("failed to send dead letter to %s: %w", s.queue, err)
		}
	}
	s.log.Debug("Delivered dead letters", "queue", s.queue, "count", len(records))
	return nil
}

func (s *ServiceBusSink) Close() error {
	ctx := context.Background()
	if err := s.sender.Close(ctx); err != nil {
		s.log.Warn("Failed to close sender", "error", err)
	}
	return s.client.Close(ctx)
}
