package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/mqhost/contracts"
	"github.com/glimte/mqhost/serialization"
)

// ShutdownPolicy decides what Clear does with handlers that are still running
type ShutdownPolicy int

const (
	// ShutdownImmediate disposes consumers without waiting for in-flight handlers
	ShutdownImmediate ShutdownPolicy = iota
	// ShutdownDrain waits for in-flight handlers up to the drain timeout
	ShutdownDrain
)

func (p ShutdownPolicy) String() string {
	switch p {
	case ShutdownImmediate:
		return "immediate"
	case ShutdownDrain:
		return "drain"
	default:
		return fmt.Sprintf("ShutdownPolicy(%d)", int(p))
	}
}

type consumerHandle struct {
	queue  string
	handle Handle
}

// ConsumerRegistry owns the per-queue binding lists and routes each inbound
// payload to at most one handler.
type ConsumerRegistry struct {
	mu       sync.Mutex
	queues   []string
	bindings map[string][]Binding
	types    map[string]*serialization.TypeRegistry
	handles  []consumerHandle

	serializer     serialization.Serializer
	events         contracts.EventHandler
	logger         *slog.Logger
	metrics        *Metrics
	logFullMessage bool
	shutdownPolicy ShutdownPolicy
	drainTimeout   time.Duration

	inflight atomic.Int64
}

// ConsumerRegistryOption configures the ConsumerRegistry
type ConsumerRegistryOption func(*ConsumerRegistry)

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerRegistryOption {
	return func(r *ConsumerRegistry) {
		r.logger = logger
	}
}

// WithConsumerEvents sets the event sink
func WithConsumerEvents(events contracts.EventHandler) ConsumerRegistryOption {
	return func(r *ConsumerRegistry) {
		r.events = events
	}
}

// WithConsumerMetrics sets the metrics collectors
func WithConsumerMetrics(metrics *Metrics) ConsumerRegistryOption {
	return func(r *ConsumerRegistry) {
		r.metrics = metrics
	}
}

// WithFullMessageLogging includes inbound payloads in the received event
func WithFullMessageLogging(enabled bool) ConsumerRegistryOption {
	return func(r *ConsumerRegistry) {
		r.logFullMessage = enabled
	}
}

// WithShutdownPolicy sets how Clear treats in-flight handlers
func WithShutdownPolicy(policy ShutdownPolicy, drainTimeout time.Duration) ConsumerRegistryOption {
	return func(r *ConsumerRegistry) {
		r.shutdownPolicy = policy
		r.drainTimeout = drainTimeout
	}
}

// NewConsumerRegistry creates an empty registry
func NewConsumerRegistry(serializer serialization.Serializer, options ...ConsumerRegistryOption) *ConsumerRegistry {
	r := &ConsumerRegistry{
		bindings:       make(map[string][]Binding),
		types:          make(map[string]*serialization.TypeRegistry),
		serializer:     serializer,
		events:         contracts.NopEventHandler{},
		logger:         slog.Default(),
		shutdownPolicy: ShutdownImmediate,
		drainTimeout:   30 * time.Second,
	}

	for _, opt := range options {
		opt(r)
	}

	if r.serializer == nil {
		r.serializer = serialization.NewXMLSerializer()
	}

	return r
}

// RegisterQueue ensures an empty binding list exists for queue. Idempotent.
func (r *ConsumerRegistry) RegisterQueue(queue string) error {
	if strings.TrimSpace(queue) == "" {
		return ErrInvalidQueue
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.registerLocked(queue)
	return nil
}

func (r *ConsumerRegistry) registerLocked(queue string) {
	if _, exists := r.bindings[queue]; exists {
		return
	}
	r.bindings[queue] = nil
	r.types[queue] = serialization.NewTypeRegistry()
	r.queues = append(r.queues, queue)
}

// AddBinding appends b to queue's binding list. Registration order is match
// order. Two different types sharing a root element name on one queue cannot
// be told apart and are rejected.
func (r *ConsumerRegistry) AddBinding(queue string, b Binding) error {
	if strings.TrimSpace(queue) == "" {
		return ErrInvalidQueue
	}
	if err := b.validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.registerLocked(queue)
	if err := r.types[queue].Register(b.TypeName, b.MessageType); err != nil {
		return fmt.Errorf("%w: queue %s: %v", ErrInvalidBinding, queue, err)
	}
	r.bindings[queue] = append(r.bindings[queue], b)

	r.logger.Debug("registered consumer binding",
		"queue", queue,
		"messageType", b.TypeName,
		"position", len(r.bindings[queue]),
	)
	return nil
}

// Queues returns the registered queues in registration order
func (r *ConsumerRegistry) Queues() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, len(r.queues))
	copy(out, r.queues)
	return out
}

// Bindings returns a copy of queue's binding list
func (r *ConsumerRegistry) Bindings(queue string) []Binding {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Binding, len(r.bindings[queue]))
	copy(out, r.bindings[queue])
	return out
}

// Types returns the root element names routed on queue, sorted
func (r *ConsumerRegistry) Types(queue string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	types, ok := r.types[queue]
	if !ok {
		return nil
	}
	return types.ListTypes()
}

// Bind opens one broker consumer per registered queue. The table is copied
// before any consumer is opened; each consumer dispatches against that copy.
func (r *ConsumerRegistry) Bind(ctx context.Context, session Session) error {
	r.mu.Lock()
	if len(r.handles) > 0 {
		r.mu.Unlock()
		return ErrAlreadyBound
	}

	queues := make([]string, len(r.queues))
	copy(queues, r.queues)
	snapshot := make(map[string][]Binding, len(queues))
	for _, q := range queues {
		list := make([]Binding, len(r.bindings[q]))
		copy(list, r.bindings[q])
		snapshot[q] = list
	}
	r.mu.Unlock()

	opened := make([]consumerHandle, 0, len(queues))
	for _, queue := range queues {
		h, err := session.OpenConsumer(ctx, queue, r.deliverFunc(queue, snapshot[queue]))
		if err != nil {
			for _, ch := range opened {
				_ = ch.handle.Close()
			}
			return &BindError{Queue: queue, Role: "consumer", Err: err}
		}
		opened = append(opened, consumerHandle{queue: queue, handle: h})
		r.logger.Info("consumer bound", "queue", queue, "bindings", len(snapshot[queue]))
	}

	r.mu.Lock()
	r.handles = opened
	r.mu.Unlock()

	return nil
}

func (r *ConsumerRegistry) deliverFunc(queue string, bindings []Binding) DeliveryFunc {
	return func(ctx context.Context, msg InboundMessage) error {
		r.inflight.Add(1)
		defer r.inflight.Add(-1)
		return r.dispatch(ctx, queue, bindings, msg)
	}
}

// Dispatch routes msg against the current binding list of queue
func (r *ConsumerRegistry) Dispatch(ctx context.Context, queue string, msg InboundMessage) error {
	return r.dispatch(ctx, queue, r.Bindings(queue), msg)
}

func (r *ConsumerRegistry) dispatch(ctx context.Context, queue string, bindings []Binding, msg InboundMessage) error {
	text, ok := msg.Text()
	if !ok || strings.TrimSpace(text) == "" {
		r.events.HandleError(fmt.Sprintf("Unknown message type in queue %s", queue))
		r.metrics.ObserveConsumed(queue, OutcomeUnknownType)
		return nil
	}

	if r.logFullMessage {
		r.events.HandleEvent(fmt.Sprintf("Received message in queue %s: %s", queue, text))
	} else {
		r.logger.Debug("received message", "queue", queue, "messageId", msg.MessageID, "size", len(text))
	}

	var binding *Binding
	for i := range bindings {
		if bindings[i].Predicate(text) {
			binding = &bindings[i]
			break
		}
	}

	if binding == nil {
		r.events.HandleError(fmt.Sprintf("Unknown request in queue %s", queue))
		r.metrics.ObserveConsumed(queue, OutcomeUnroutable)
		return nil
	}

	value, err := r.serializer.Decode(text, binding.MessageType)
	if err != nil {
		r.events.HandleError(fmt.Sprintf("Error while deserializing message in queue %s as %s: %v", queue, binding.TypeName, err))
		r.metrics.ObserveConsumed(queue, OutcomeDecodeFailed)
		return nil
	}

	if binding.Handler == nil {
		r.events.HandleError(fmt.Sprintf("Error when invoking consumer for %s in queue %s: no handler bound", binding.TypeName, queue))
		r.metrics.ObserveConsumed(queue, OutcomeWiringError)
		return fmt.Errorf("%w: no handler for %s in queue %s", ErrHandlerWiring, binding.TypeName, queue)
	}

	start := time.Now()
	err = binding.Handler(ctx, value)
	r.metrics.ObserveHandler(queue, binding.TypeName, time.Since(start))

	switch {
	case err == nil:
		r.metrics.ObserveConsumed(queue, OutcomeDispatched)
		return nil
	case errors.Is(err, ErrHandlerWiring):
		r.events.HandleError(fmt.Sprintf("Error when invoking consumer for %s in queue %s: %v", binding.TypeName, queue, err))
		r.metrics.ObserveConsumed(queue, OutcomeWiringError)
		return err
	default:
		r.metrics.ObserveConsumed(queue, OutcomeHandlerFailed)
		return err
	}
}

// InFlight returns the number of dispatches currently running
func (r *ConsumerRegistry) InFlight() int64 {
	return r.inflight.Load()
}

// Clear disposes every consumer handle exactly once and empties the binding
// table. With ShutdownDrain it then waits for in-flight dispatches until they
// finish, the drain timeout passes, or ctx is done.
func (r *ConsumerRegistry) Clear(ctx context.Context) error {
	r.mu.Lock()
	handles := r.handles
	r.handles = nil
	r.queues = nil
	r.bindings = make(map[string][]Binding)
	r.types = make(map[string]*serialization.TypeRegistry)
	r.mu.Unlock()

	var errs []error
	for _, h := range handles {
		if err := h.handle.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close consumer for queue %s: %w", h.queue, err))
		}
	}

	if r.shutdownPolicy == ShutdownDrain {
		if err := r.drain(ctx); err != nil {
			errs = append(errs, err)
		}
	} else if n := r.inflight.Load(); n > 0 {
		r.logger.Warn("consumers cleared with handlers still running", "inFlight", n)
	}

	return errors.Join(errs...)
}

func (r *ConsumerRegistry) drain(ctx context.Context) error {
	if r.inflight.Load() == 0 {
		return nil
	}

	timeout := time.NewTimer(r.drainTimeout)
	defer timeout.Stop()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if r.inflight.Load() == 0 {
				return nil
			}
		case <-timeout.C:
			n := r.inflight.Load()
			r.events.HandleError(fmt.Sprintf("Shutdown drain timed out with %d handlers still running", n))
			return fmt.Errorf("messaging: drain timed out after %v with %d handlers running", r.drainTimeout, n)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
