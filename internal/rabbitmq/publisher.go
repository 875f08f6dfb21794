package rabbitmq

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ContentTypeXML is the content type of every outbound message
const ContentTypeXML = "text/xml"

// producer publishes text messages to one queue via the default exchange
type producer struct {
	queue  string
	ch     Channel
	logger *slog.Logger
	closed atomic.Bool
}

// Send publishes text without waiting for a publisher confirm
func (p *producer) Send(ctx context.Context, text string) error {
	if p.closed.Load() {
		return ErrPublisherClosed
	}

	msg := amqp.Publishing{
		ContentType:  ContentTypeXML,
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Body:         []byte(text),
	}

	if err := p.ch.PublishWithContext(ctx, "", p.queue, false, false, msg); err != nil {
		return &PublishError{
			Queue:     p.queue,
			MessageID: msg.MessageId,
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	p.logger.Debug("message published", "queue", p.queue, "messageId", msg.MessageId, "size", len(msg.Body))
	return nil
}

// Close marks the producer closed. The shared channel is owned by the session.
func (p *producer) Close() error {
	p.closed.Store(true)
	return nil
}
