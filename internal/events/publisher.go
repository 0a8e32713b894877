// Package events publishes domain events (new messages, presence changes) to
// an AMQP topic exchange for downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/livechat/internal/logger"
	"github.com/livechat/internal/metrics"
)

const (
	KeyMessageCreated  = "message.created"
	KeyPresenceChanged = "presence.changed"
	KeyMessagesRead    = "messages.read"
)

// Envelope wraps every published event.
type Envelope struct {
	Type       string    `json:"type"`
	Node       string    `json:"node"`
	OccurredAt time.Time `json:"occurred_at"`
	Data       any       `json:"data"`
}

type Publisher interface {
	Publish(ctx context.Context, routingKey string, data any) error
	Close() error
}

// NewPublisher dials the broker and declares the exchange. Any failure falls
// back to a noop publisher so the chat core keeps running without a broker.
func NewPublisher(amqpURL, exchange, node string) Publisher {
	if amqpURL == "" {
		logger.Info("events: amqp disabled, using noop")
		return Noop{}
	}

	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		logger.Warnf("events: amqp dial failed, using noop: %v", err)
		return Noop{}
	}
	ch, err := conn.Channel()
	if err != nil {
		logger.Warnf("events: amqp channel failed, using noop: %v", err)
		_ = conn.Close()
		return Noop{}
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		logger.Warnf("events: exchange declare %s failed, using noop: %v", exchange, err)
		_ = ch.Close()
		_ = conn.Close()
		return Noop{}
	}

	logger.Infof("events: amqp connected exchange=%s", exchange)
	return &amqpPublisher{conn: conn, ch: ch, exchange: exchange, node: node}
}

type amqpPublisher struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	node     string
}

func (p *amqpPublisher) Publish(ctx context.Context, routingKey string, data any) error {
	body, err := json.Marshal(Envelope{Type: routingKey, Node: p.node, OccurredAt: time.Now().UTC(), Data: data})
	if err != nil {
		return err
	}
	err = p.ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		metrics.IncAMQPPublishError()
		logger.Warnf("events: publish %s failed: %v", routingKey, err)
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

// Noop discards events.
type Noop struct{}

func (Noop) Publish(_ context.Context, routingKey string, _ any) error {
	logger.Debugf("events: noop publish %s", routingKey)
	return nil
}

func (Noop) Close() error { return nil }

// Mode reports the publisher mode for startup logs.
func Mode(p Publisher) string {
	switch p.(type) {
	case *amqpPublisher:
		return "amqp"
	case Noop, *Noop:
		return "noop"
	default:
		return "unknown"
	}
}
