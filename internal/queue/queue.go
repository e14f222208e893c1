package queue

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// EventType is the routing key of a billing lifecycle event.
type EventType string

const (
	EventBatchReviewOpened      EventType = "billing.batch.review_period"
	EventBatchPaymentProcessing EventType = "billing.batch.payment_processing"
	EventBatchCompleted         EventType = "billing.batch.completed"
	EventPaymentBatchCompleted  EventType = "billing.payment_batch.completed"
)

var supportedEvents = []EventType{
	EventBatchReviewOpened,
	EventBatchPaymentProcessing,
	EventBatchCompleted,
	EventPaymentBatchCompleted,
}

func (t EventType) String() string { return string(t) }

func (t EventType) IsValid() bool {
	for _, known := range supportedEvents {
		if t == known {
			return true
		}
	}
	return false
}

const (
	// EventsExchange is the topic exchange all billing events go to.
	EventsExchange = "settlement.events"
	// AuditQueue receives every billing event for downstream consumers.
	AuditQueue   = "settlement.events.audit"
	auditBinding = "billing.#"
)

// BillingEvent is the broker payload for a billing state change.
type BillingEvent struct {
	EventID       string    `json:"eventId"`
	Type          EventType `json:"type"`
	BatchID       string    `json:"batchId,omitempty"`
	BusinessID    string    `json:"businessId,omitempty"`
	BatchMonth    string    `json:"batchMonth,omitempty"`
	ReviewedBy    string    `json:"reviewedBy,omitempty"`
	AutoApproved  int       `json:"autoApproved,omitempty"`
	Successful    int       `json:"successfulPayments,omitempty"`
	Failed        int       `json:"failedPayments,omitempty"`
	TotalAmount   string    `json:"totalAmount,omitempty"`
	CorrelationID string    `json:"correlationId,omitempty"`
	OccurredAt    time.Time `json:"occurredAt"`
}

func (e BillingEvent) Validate() error {
	if strings.TrimSpace(e.EventID) == "" {
		return fmt.Errorf("eventId is required")
	}
	if !e.Type.IsValid() {
		return fmt.Errorf("invalid event type %q", e.Type)
	}
	if strings.TrimSpace(e.BatchID) == "" {
		return fmt.Errorf("batchId is required")
	}
	return nil
}

// Publisher publishes billing events to the broker.
type Publisher interface {
	Publish(ctx context.Context, event BillingEvent) error
	Close() error
}

// NopPublisher drops events. Used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, BillingEvent) error { return nil }

func (NopPublisher) Close() error { return nil }

// RoutingKey returns the topic routing key for an event type.
func RoutingKey(t EventType) string {
	return strings.ToLower(t.String())
}

// EventTypes returns every published event type.
func EventTypes() []EventType {
	out := make([]EventType, len(supportedEvents))
	copy(out, supportedEvents)
	return out
}
