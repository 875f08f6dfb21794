// Package rabbitmq connects the messaging core to a RabbitMQ broker.
//
// This package includes:
//   - ConnectionManager: opens the connection with an unbounded fixed-delay
//     retry and reports asynchronous failures through a fault callback
//   - Session: the single AMQP channel that implements messaging.Session
//   - consumers that dispatch every delivery on its own goroutine and ack or
//     reject it from the handler result
//   - producers that publish text/xml messages through the default exchange
//
// Reconnection after a fault is not handled here. The owner disposes the
// manager and builds a new one.
package rabbitmq
