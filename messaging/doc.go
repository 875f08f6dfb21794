// Package messaging implements the routing and fan-out core.
//
// This package contains:
//   - ConsumerRegistry: per-queue ordered bindings, first matching predicate wins
//   - ProducerRegistry: per-queue accepted type sets fed by the MessageBus
//   - MessageBus: synchronous in-process publish/subscribe for application messages
//   - Session: the broker seam both registries bind against
//   - Metrics: Prometheus counters for dispatch and publish outcomes
//
// Several message types may share one physical queue. Inbound payloads are
// told apart by sniffing the root element name, so a queue with bindings for
// Invoice and Refund routes "<Invoice>...</Invoice>" to the Invoice handler
// without any envelope or header.
//
// Example usage:
//
//	consumers := messaging.NewConsumerRegistry(serializer)
//	consumers.AddBinding("orders", messaging.BindingFor[Invoice](invoiceConsumer, nil))
//	consumers.AddBinding("orders", messaging.BindingFor[Refund](refundConsumer, nil))
//
//	producers := messaging.NewProducerRegistry(serializer)
//	producers.RegisterQueue("audit", reflect.TypeOf(Invoice{}))
//
//	bus := messaging.NewMessageBus()
//	_ = producers.Bind(ctx, session, bus)
//	_ = consumers.Bind(ctx, session)
//
//	bus.Publish(ctx, &Invoice{ID: 7}) // sent to "audit"
//
// Bindings are built once per connection cycle and replaced wholesale on
// reconnect. Every consumer callback holds the snapshot it was bound with, so
// a dispatch racing a reconnect always sees a complete table.
package messaging
