package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mqhost/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
)

// consumer is one basic.consume on a session channel
type consumer struct {
	queue       string
	tag         string
	ch          Channel
	deliver     messaging.DeliveryFunc
	logger      *slog.Logger
	stopTimeout time.Duration

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// run drains deliveries until the broker closes the delivery channel
func (c *consumer) run(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer close(c.done)

	for delivery := range deliveries {
		go c.handleMessage(ctx, delivery)
	}

	c.logger.Info("consumer stopped", "queue", c.queue, "consumerTag", c.tag)
}

func (c *consumer) handleMessage(ctx context.Context, delivery amqp.Delivery) {
	err := c.invoke(ctx, delivery)
	if err != nil {
		c.logger.Error("failed to handle message",
			"error", err,
			"queue", c.queue,
			"messageId", delivery.MessageId,
		)
		if nackErr := delivery.Nack(false, false); nackErr != nil {
			c.logger.Error("failed to nack message",
				"error", nackErr,
				"originalError", err,
			)
		}
		return
	}

	if ackErr := delivery.Ack(false); ackErr != nil {
		c.logger.Error("failed to ack message", "error", ackErr, "queue", c.queue)
	}
}

func (c *consumer) invoke(ctx context.Context, delivery amqp.Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	return c.deliver(ctx, messaging.InboundMessage{
		Queue:       c.queue,
		MessageID:   delivery.MessageId,
		ContentType: delivery.ContentType,
		Body:        delivery.Body,
	})
}

// Close cancels the consumer and waits for its delivery loop to end.
// Handlers already running are not interrupted.
func (c *consumer) Close() error {
	c.closeOnce.Do(func() {
		if err := c.ch.Cancel(c.tag, false); err != nil && !isClosedError(err) {
			c.closeErr = &ConsumerError{
				Queue:       c.queue,
				ConsumerTag: c.tag,
				Op:          "cancel",
				Err:         err,
				Timestamp:   time.Now(),
			}
			return
		}

		timer := time.NewTimer(c.stopTimeout)
		defer timer.Stop()
		select {
		case <-c.done:
		case <-timer.C:
			c.logger.Warn("consumer did not stop in time", "queue", c.queue, "consumerTag", c.tag)
		}
	})
	return c.closeErr
}
