package queue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	connectTimeout   = 15 * time.Second
	heartbeat        = 10 * time.Second
	reconnectBackoff = time.Second
	maxBackoff       = 30 * time.Second
	connectionName   = "settlement-engine"
)

const (
	deadLetterExchange = "settlement.events.dlx"
	deadLetterQueue    = "settlement.events.dlq"
	// PaymentsQueue receives payout outcomes only.
	PaymentsQueue   = "settlement.events.payments"
	paymentsBinding = "billing.payment_batch.*"
)

type queueBinding struct {
	queue      string
	routingKey string
}

// eventQueues are the durable consumers of the events exchange. Each one
// dead-letters into the shared DLQ.
var eventQueues = []queueBinding{
	{queue: AuditQueue, routingKey: auditBinding},
	{queue: PaymentsQueue, routingKey: paymentsBinding},
}

// RabbitMQ owns one broker connection and a confirm-mode publishing channel.
// Both are re-established lazily after the broker drops them.
type RabbitMQ struct {
	url string

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

func NewRabbitMQ(url string) (*RabbitMQ, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("rabbitmq url is required")
	}

	r := &RabbitMQ{url: url}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.publishChannelLocked(ctx); err != nil {
		_ = r.closeLocked()
		return nil, err
	}
	return r, nil
}

func (r *RabbitMQ) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeLocked()
}

func (r *RabbitMQ) closeLocked() error {
	if r.channel != nil && !r.channel.IsClosed() {
		_ = r.channel.Close()
	}
	r.channel = nil

	conn := r.conn
	r.conn = nil
	if conn == nil || conn.IsClosed() {
		return nil
	}
	return conn.Close()
}

// publish sends one message and waits for the broker to confirm it. A
// channel failure drops the channel so the next call opens a fresh one.
func (r *RabbitMQ) publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, err := r.publishChannelLocked(ctx)
	if err != nil {
		return err
	}

	confirmation, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, msg)
	if err != nil {
		r.dropChannelLocked()
		return fmt.Errorf("failed to publish to %s: %w", routingKey, err)
	}

	acked, err := confirmation.WaitContext(ctx)
	if err != nil {
		r.dropChannelLocked()
		return fmt.Errorf("failed to confirm %s: %w", routingKey, err)
	}
	if !acked {
		return fmt.Errorf("broker rejected %s", routingKey)
	}
	return nil
}

func (r *RabbitMQ) dropChannelLocked() {
	if r.channel != nil {
		_ = r.channel.Close()
	}
	r.channel = nil
}

func (r *RabbitMQ) publishChannelLocked(ctx context.Context) (*amqp.Channel, error) {
	if r.channel != nil && !r.channel.IsClosed() {
		return r.channel, nil
	}

	if err := r.connectLocked(ctx); err != nil {
		return nil, err
	}

	ch, err := r.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open rabbitmq channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}
	if err := declareTopology(ch); err != nil {
		_ = ch.Close()
		return nil, err
	}

	r.channel = ch
	return ch, nil
}

func (r *RabbitMQ) connectLocked(ctx context.Context) error {
	if r.conn != nil && !r.conn.IsClosed() {
		return nil
	}

	config := amqp.Config{
		Heartbeat: heartbeat,
		Locale:    "en_US",
		Properties: amqp.Table{
			"connection_name": connectionName,
		},
	}

	wait := reconnectBackoff
	for {
		conn, err := amqp.DialConfig(r.url, config)
		if err == nil {
			r.conn = conn
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("failed to connect to rabbitmq (last error: %v): %w", err, ctx.Err())
		case <-time.After(wait):
		}
		wait = min(wait*2, maxBackoff)
	}
}

func declareTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(deadLetterExchange, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dead letter exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(deadLetterQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %q: %w", deadLetterQueue, err)
	}
	if err := ch.QueueBind(deadLetterQueue, "", deadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %q: %w", deadLetterQueue, err)
	}

	if err := ch.ExchangeDeclare(EventsExchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare events exchange: %w", err)
	}

	args := amqp.Table{"x-dead-letter-exchange": deadLetterExchange}
	for _, b := range eventQueues {
		if _, err := ch.QueueDeclare(b.queue, true, false, false, false, args); err != nil {
			return fmt.Errorf("failed to declare queue %q: %w", b.queue, err)
		}
		if err := ch.QueueBind(b.queue, b.routingKey, EventsExchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue %q: %w", b.queue, err)
		}
	}
	return nil
}
