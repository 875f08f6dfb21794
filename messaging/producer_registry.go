package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"sync"

	"github.com/glimte/mqhost/contracts"
	"github.com/glimte/mqhost/serialization"
)

type producerBinding struct {
	queue        string
	producer     ProducerHandle
	subscription *Subscription
}

// ProducerRegistry routes locally published messages to broker producers by
// runtime type. One publish may reach zero, one or many queues.
type ProducerRegistry struct {
	mu       sync.Mutex
	queues   []string
	accepted map[string]map[reflect.Type]struct{}
	bound    []producerBinding

	serializer serialization.Serializer
	events     contracts.EventHandler
	logger     *slog.Logger
	metrics    *Metrics
}

// ProducerRegistryOption configures the ProducerRegistry
type ProducerRegistryOption func(*ProducerRegistry)

// WithProducerLogger sets the logger
func WithProducerLogger(logger *slog.Logger) ProducerRegistryOption {
	return func(r *ProducerRegistry) {
		r.logger = logger
	}
}

// WithProducerEvents sets the event sink
func WithProducerEvents(events contracts.EventHandler) ProducerRegistryOption {
	return func(r *ProducerRegistry) {
		r.events = events
	}
}

// WithProducerMetrics sets the metrics collectors
func WithProducerMetrics(metrics *Metrics) ProducerRegistryOption {
	return func(r *ProducerRegistry) {
		r.metrics = metrics
	}
}

// NewProducerRegistry creates an empty registry
func NewProducerRegistry(serializer serialization.Serializer, options ...ProducerRegistryOption) *ProducerRegistry {
	r := &ProducerRegistry{
		accepted:   make(map[string]map[reflect.Type]struct{}),
		serializer: serializer,
		events:     contracts.NopEventHandler{},
		logger:     slog.Default(),
	}

	for _, opt := range options {
		opt(r)
	}

	if r.serializer == nil {
		r.serializer = serialization.NewXMLSerializer()
	}

	return r
}

// RegisterQueue adds types to the set of message types queue may carry.
// Pointer types are normalized, so *T and T are the same entry.
func (r *ProducerRegistry) RegisterQueue(queue string, types ...reflect.Type) error {
	if strings.TrimSpace(queue) == "" {
		return ErrInvalidQueue
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	set, exists := r.accepted[queue]
	if !exists {
		set = make(map[reflect.Type]struct{})
		r.accepted[queue] = set
		r.queues = append(r.queues, queue)
	}
	for _, t := range types {
		if t = serialization.Normalize(t); t != nil {
			set[t] = struct{}{}
		}
	}
	return nil
}

// Queues returns the registered queues in registration order
func (r *ProducerRegistry) Queues() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, len(r.queues))
	copy(out, r.queues)
	return out
}

// Accepts reports whether queue carries messages of msg's runtime type
func (r *ProducerRegistry) Accepts(queue string, msg interface{}) bool {
	if msg == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.accepted[queue][serialization.Normalize(reflect.TypeOf(msg))]
	return ok
}

// Bind creates a broker producer and a bus subscription for every registered
// queue.
func (r *ProducerRegistry) Bind(ctx context.Context, session Session, bus *MessageBus) error {
	r.mu.Lock()
	if len(r.bound) > 0 {
		r.mu.Unlock()
		return ErrAlreadyBound
	}

	queues := make([]string, len(r.queues))
	copy(queues, r.queues)
	snapshot := make(map[string]map[reflect.Type]struct{}, len(queues))
	for _, q := range queues {
		set := make(map[reflect.Type]struct{}, len(r.accepted[q]))
		for t := range r.accepted[q] {
			set[t] = struct{}{}
		}
		snapshot[q] = set
	}
	r.mu.Unlock()

	bound := make([]producerBinding, 0, len(queues))
	for _, queue := range queues {
		producer, err := session.OpenProducer(ctx, queue)
		if err != nil {
			closeProducerBindings(bound)
			return &BindError{Queue: queue, Role: "producer", Err: err}
		}

		sub := bus.Subscribe(r.forward(queue, snapshot[queue], producer))
		bound = append(bound, producerBinding{queue: queue, producer: producer, subscription: sub})
		r.logger.Info("producer bound", "queue", queue, "acceptedTypes", len(snapshot[queue]))
	}

	r.mu.Lock()
	r.bound = bound
	r.mu.Unlock()

	return nil
}

func (r *ProducerRegistry) forward(queue string, accepted map[reflect.Type]struct{}, producer ProducerHandle) SubscriberFunc {
	return func(ctx context.Context, msg interface{}) {
		t := serialization.Normalize(reflect.TypeOf(msg))
		if _, ok := accepted[t]; !ok {
			return
		}

		text, err := r.serializer.Encode(msg)
		if err != nil {
			r.events.HandleError(fmt.Sprintf("Error while serializing %s for queue %s: %v", t.Name(), queue, err))
			r.metrics.ObserveProduced(queue, OutcomeEncodeFailed)
			return
		}

		if err := producer.Send(ctx, text); err != nil {
			r.events.HandleError(fmt.Sprintf("Error while sending %s to queue %s: %v", t.Name(), queue, err))
			r.metrics.ObserveProduced(queue, OutcomeSendFailed)
			return
		}

		r.metrics.ObserveProduced(queue, OutcomeSent)
		r.logger.Debug("message sent", "queue", queue, "messageType", t.Name())
	}
}

// Clear closes every subscription and producer exactly once. Queue
// registrations are dropped as well; they are reloaded on the next cycle.
func (r *ProducerRegistry) Clear() error {
	r.mu.Lock()
	bound := r.bound
	r.bound = nil
	r.queues = nil
	r.accepted = make(map[string]map[reflect.Type]struct{})
	r.mu.Unlock()

	return closeProducerBindings(bound)
}

func closeProducerBindings(bound []producerBinding) error {
	var errs []error
	for _, b := range bound {
		_ = b.subscription.Close()
		if err := b.producer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close producer for queue %s: %w", b.queue, err))
		}
	}
	return errors.Join(errs...)
}
