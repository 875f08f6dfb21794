package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/glimte/mqhost/messaging"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

var _ messaging.Session = (*Session)(nil)

// Session is the single AMQP channel shared by every consumer and producer of
// one connection
type Session struct {
	ch            Channel
	logger        *slog.Logger
	prefetchCount int
	declaration   *QueueDeclaration
	stopTimeout   time.Duration

	// handlers run under ctx; Close cancels it
	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

// SessionOption configures a Session
type SessionOption func(*Session)

// WithPrefetchCount sets the channel QoS prefetch count. Zero disables the limit.
func WithPrefetchCount(count int) SessionOption {
	return func(s *Session) {
		s.prefetchCount = count
	}
}

// WithQueueDeclaration declares every queue with decl before it is used
func WithQueueDeclaration(decl QueueDeclaration) SessionOption {
	return func(s *Session) {
		s.declaration = &decl
	}
}

// WithoutQueueDeclaration uses queues as they exist on the broker
func WithoutQueueDeclaration() SessionOption {
	return func(s *Session) {
		s.declaration = nil
	}
}

// WithConsumerStopTimeout bounds how long closing a consumer waits for its
// delivery loop to end
func WithConsumerStopTimeout(timeout time.Duration) SessionOption {
	return func(s *Session) {
		s.stopTimeout = timeout
	}
}

// NewSession wraps an open channel
func NewSession(ch Channel, logger *slog.Logger, options ...SessionOption) (*Session, error) {
	decl := DefaultQueueDeclaration()
	s := &Session{
		ch:            ch,
		logger:        logger,
		prefetchCount: 10,
		declaration:   &decl,
		stopTimeout:   5 * time.Second,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	for _, opt := range options {
		opt(s)
	}

	if s.prefetchCount > 0 {
		if err := ch.Qos(s.prefetchCount, 0, false); err != nil {
			return nil, fmt.Errorf("failed to set QoS: %w", err)
		}
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

func (s *Session) prepare(queue string) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	if s.declaration != nil {
		return declareQueue(s.ch, queue, *s.declaration)
	}
	return nil
}

// OpenConsumer starts a manual-ack consumer on queue. Every delivery is handed
// to deliver on its own goroutine; a nil result acks it, an error rejects it
// without requeue. Handlers keep the values of ctx but are cancelled when the
// session closes, not when ctx is.
func (s *Session) OpenConsumer(ctx context.Context, queue string, deliver messaging.DeliveryFunc) (messaging.Handle, error) {
	tag := "mqhost-" + uuid.NewString()

	if err := s.prepare(queue); err != nil {
		return nil, &ConsumerError{Queue: queue, ConsumerTag: tag, Op: "declare", Err: err, Timestamp: time.Now()}
	}

	deliveries, err := s.ch.Consume(
		queue,
		tag,
		false, // autoAck
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,
	)
	if err != nil {
		return nil, &ConsumerError{Queue: queue, ConsumerTag: tag, Op: "consume", Err: err, Timestamp: time.Now()}
	}

	c := &consumer{
		queue:       queue,
		tag:         tag,
		ch:          s.ch,
		deliver:     deliver,
		logger:      s.logger,
		stopTimeout: s.stopTimeout,
		done:        make(chan struct{}),
	}
	handlerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	context.AfterFunc(s.ctx, cancel)
	go c.run(handlerCtx, deliveries)

	s.logger.Info("subscribed to queue",
		"queue", queue,
		"consumerTag", tag,
		"prefetchCount", s.prefetchCount,
	)

	return c, nil
}

// OpenProducer creates a producer publishing to queue through the default
// exchange
func (s *Session) OpenProducer(ctx context.Context, queue string) (messaging.ProducerHandle, error) {
	if err := s.prepare(queue); err != nil {
		return nil, &PublishError{Queue: queue, Err: err, Timestamp: time.Now()}
	}

	return &producer{
		queue:  queue,
		ch:     s.ch,
		logger: s.logger,
	}, nil
}

// NotifyClose registers receiver for channel exceptions
func (s *Session) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	return s.ch.NotifyClose(receiver)
}

// Close cancels running handlers and closes the channel. Safe to call more
// than once.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()
	if err := s.ch.Close(); err != nil && !isClosedError(err) {
		return fmt.Errorf("failed to close channel: %w", err)
	}
	return nil
}
