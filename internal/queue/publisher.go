package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQPublisher publishes billing events to the topic exchange with
// broker confirms, so a nil error means the event is durably queued.
type RabbitMQPublisher struct {
	client *RabbitMQ
	now    func() time.Time
}

func NewRabbitMQPublisher(client *RabbitMQ) *RabbitMQPublisher {
	return &RabbitMQPublisher{client: client, now: time.Now}
}

func (p *RabbitMQPublisher) Publish(ctx context.Context, event BillingEvent) error {
	if p == nil || p.client == nil {
		return fmt.Errorf("publisher is not initialized")
	}
	publishing, err := p.toPublishing(event)
	if err != nil {
		return err
	}
	return p.client.publish(ctx, EventsExchange, RoutingKey(event.Type), publishing)
}

func (p *RabbitMQPublisher) toPublishing(event BillingEvent) (amqp.Publishing, error) {
	if err := event.Validate(); err != nil {
		return amqp.Publishing{}, fmt.Errorf("invalid billing event: %w", err)
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = p.now().UTC()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("failed to marshal billing event: %w", err)
	}

	headers := amqp.Table{}
	if event.BusinessID != "" {
		headers["businessId"] = event.BusinessID
	}
	if event.BatchMonth != "" {
		headers["batchMonth"] = event.BatchMonth
	}

	return amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Timestamp:     event.OccurredAt,
		MessageId:     event.EventID,
		CorrelationId: event.CorrelationID,
		Type:          event.Type.String(),
		AppId:         connectionName,
		Headers:       headers,
		Body:          payload,
	}, nil
}

func (p *RabbitMQPublisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}
