package rabbitmq

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"chat-sync/internal/telemetry"
)

// Publisher publishes room, presence, websocket and audit events.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
	PublishWithHeaders(ctx context.Context, routingKey string, event any, headers map[string]string) error
	Close() error
}

// NewPublisher builds a RabbitMQ publisher or a noop publisher when AMQP is disabled.
func NewPublisher(amqpURL, exchange string, logger *slog.Logger) Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "rabbitmq")

	if amqpURL == "" {
		logger.Info("rabbitmq disabled, using noop", "reason", "empty amqp url")
		return noopPublisher{reason: "empty amqp url", logger: logger}
	}

	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		logger.Warn("rabbitmq disabled, using noop", "error", err)
		return noopPublisher{reason: err.Error(), logger: logger}
	}

	ch, err := conn.Channel()
	if err != nil {
		logger.Warn("rabbitmq disabled, using noop", "error", err)
		_ = conn.Close()
		return noopPublisher{reason: err.Error(), logger: logger}
	}

	if err := ch.ExchangeDeclare(
		exchange,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		logger.Warn("rabbitmq disabled, using noop", "error", err)
		_ = ch.Close()
		_ = conn.Close()
		return noopPublisher{reason: err.Error(), logger: logger}
	}

	logger.Info("rabbitmq connected", "exchange", exchange)
	return &amqpPublisher{conn: conn, ch: ch, exchange: exchange, logger: logger}
}

type amqpPublisher struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	logger   *slog.Logger
}

func (p *amqpPublisher) Publish(ctx context.Context, routingKey string, event any) error {
	return p.PublishWithHeaders(ctx, routingKey, event, nil)
}

func (p *amqpPublisher) PublishWithHeaders(ctx context.Context, routingKey string, event any, headers map[string]string) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	table := amqp.Table{}
	for key, value := range headers {
		table[key] = value
	}

	err = p.ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Headers:      table,
		Body:         body,
	})
	if err != nil {
		p.logger.Error("rabbitmq publish failed", "routing_key", routingKey, "error", err)
	}
	return err
}

func (p *amqpPublisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

type noopPublisher struct {
	reason string
	logger *slog.Logger
}

func (n noopPublisher) Publish(ctx context.Context, routingKey string, event any) error {
	return n.PublishWithHeaders(ctx, routingKey, event, nil)
}

func (n noopPublisher) PublishWithHeaders(ctx context.Context, routingKey string, event any, headers map[string]string) error {
	logger := n.logger
	if logger == nil {
		logger = slog.Default()
	}
	switch envelope := event.(type) {
	case telemetry.AuditEnvelope:
		logger.Debug("rabbitmq noop publish", "routing_key", routingKey, "event_type", envelope.EventType, "service", envelope.Service, "request_id", envelope.RequestID)
	case *telemetry.AuditEnvelope:
		logger.Debug("rabbitmq noop publish", "routing_key", routingKey, "event_type", envelope.EventType, "service", envelope.Service, "request_id", envelope.RequestID)
	default:
		logger.Debug("rabbitmq noop publish", "routing_key", routingKey, "headers", len(headers))
	}
	return nil
}

func (noopPublisher) Close() error {
	return nil
}

// PublisherMode reports the publisher mode for logging.
func PublisherMode(p Publisher) string {
	switch p.(type) {
	case *amqpPublisher:
		return "amqp"
	case noopPublisher:
		return "noop"
	case *noopPublisher:
		return "noop"
	default:
		return "unknown"
	}
}

func PublisherNoopReason(p Publisher) string {
	switch publisher := p.(type) {
	case noopPublisher:
		return publisher.reason
	case *noopPublisher:
		return publisher.reason
	default:
		return ""
	}
}
