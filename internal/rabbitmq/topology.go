package rabbitmq

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// QueueDeclaration defines how a destination queue is declared before use
type QueueDeclaration struct {
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// DefaultQueueDeclaration declares durable, shared queues
func DefaultQueueDeclaration() QueueDeclaration {
	return QueueDeclaration{Durable: true}
}

// declareQueue makes sure queue exists. Declaring an existing queue with the
// same properties is a no-op on the broker.
func declareQueue(ch Channel, queue string, decl QueueDeclaration) error {
	_, err := ch.QueueDeclare(
		queue,
		decl.Durable,
		decl.AutoDelete,
		decl.Exclusive,
		false,
		decl.Arguments,
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}
	return nil
}
