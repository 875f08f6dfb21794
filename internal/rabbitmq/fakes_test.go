package rabbitmq

import (
	"context"
	"errors"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// callLog records the order of close calls across fakes
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(call string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

func (l *callLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.calls))
	copy(out, l.calls)
	return out
}

type publishedMessage struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakeChannel struct {
	mu         sync.Mutex
	log        *callLog
	declared   []string
	decls      []QueueDeclaration
	qos        int
	deliveries map[string]chan amqp.Delivery
	cancelled  []string
	published  []publishedMessage
	notify     []chan *amqp.Error
	closed     int

	qosErr     error
	declareErr error
	consumeErr error
	publishErr error
	cancelErr  error

	// keepDeliveries leaves the delivery channel open on Cancel
	keepDeliveries bool
}

func newFakeChannel(log *callLog) *fakeChannel {
	return &fakeChannel{log: log, deliveries: make(map[string]chan amqp.Delivery)}
}

func (c *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.declareErr != nil {
		return amqp.Queue{}, c.declareErr
	}
	c.declared = append(c.declared, name)
	c.decls = append(c.decls, QueueDeclaration{Durable: durable, AutoDelete: autoDelete, Exclusive: exclusive, Arguments: args})
	return amqp.Queue{Name: name}, nil
}

func (c *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.qos = prefetchCount
	return c.qosErr
}

func (c *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.consumeErr != nil {
		return nil, c.consumeErr
	}
	if autoAck {
		return nil, errors.New("consumers must use manual acknowledgement")
	}
	ch := make(chan amqp.Delivery, 16)
	c.deliveries[consumer] = ch
	return ch, nil
}

func (c *fakeChannel) Cancel(consumer string, noWait bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelErr != nil {
		return c.cancelErr
	}
	c.cancelled = append(c.cancelled, consumer)
	if c.keepDeliveries {
		return nil
	}
	if ch, ok := c.deliveries[consumer]; ok {
		close(ch)
		delete(c.deliveries, consumer)
	}
	return nil
}

func (c *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return c.publishErr
	}
	c.published = append(c.published, publishedMessage{exchange: exchange, key: key, msg: msg})
	return nil
}

func (c *fakeChannel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = append(c.notify, receiver)
	return receiver
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	if c.log != nil {
		c.log.add("channel.Close")
	}
	if c.closed > 1 {
		return amqp.ErrClosed
	}
	return nil
}

// deliver pushes a delivery to the only consumer
func (c *fakeChannel) deliver(d amqp.Delivery) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.deliveries {
		ch <- d
		return true
	}
	return false
}

// fail simulates a channel exception
func (c *fakeChannel) fail(err *amqp.Error) {
	c.mu.Lock()
	receivers := c.notify
	c.mu.Unlock()
	for _, r := range receivers {
		r <- err
		close(r)
	}
}

func (c *fakeChannel) Published() []publishedMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]publishedMessage, len(c.published))
	copy(out, c.published)
	return out
}

type fakeConnection struct {
	mu      sync.Mutex
	log     *callLog
	channel *fakeChannel
	openErr error
	notify  []chan *amqp.Error
	closed  bool
}

func (c *fakeConnection) OpenChannel() (Channel, error) {
	if c.openErr != nil {
		return nil, c.openErr
	}
	return c.channel, nil
}

func (c *fakeConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = append(c.notify, receiver)
	return receiver
}

func (c *fakeConnection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.log != nil {
		c.log.add("connection.Close")
	}
	if c.closed {
		return amqp.ErrClosed
	}
	c.closed = true
	for _, r := range c.notify {
		close(r)
	}
	c.notify = nil
	return nil
}

// fail simulates the broker dropping the connection
func (c *fakeConnection) fail(err *amqp.Error) {
	c.mu.Lock()
	c.closed = true
	receivers := c.notify
	c.notify = nil
	c.mu.Unlock()
	for _, r := range receivers {
		r <- err
		close(r)
	}
}

// fakeAcknowledger reports how each delivery was settled
type fakeAcknowledger struct {
	settled chan string
}

func newFakeAcknowledger() *fakeAcknowledger {
	return &fakeAcknowledger{settled: make(chan string, 16)}
}

func (a *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	a.settled <- "ack"
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	if requeue {
		a.settled <- "nack-requeue"
	} else {
		a.settled <- "nack"
	}
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	a.settled <- "reject"
	return nil
}
