package mqhost

import (
	"context"
	"fmt"
	"sync"

	"github.com/glimte/mqhost/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// broker is an in-memory stand-in for RabbitMQ. Every dial returns a new
// connection with a single channel.
type broker struct {
	mu       sync.Mutex
	log      []string
	conns    []*brokerConn
	failDial int
	dialErr  error
}

func (b *broker) record(format string, args ...interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.log = append(b.log, fmt.Sprintf(format, args...))
}

func (b *broker) Log() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.log))
	copy(out, b.log)
	return out
}

func (b *broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

func (b *broker) Conn(i int) *brokerConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conns[i]
}

func (b *broker) dial(url string, config amqp.Config) (rabbitmq.Connection, error) {
	b.mu.Lock()
	if b.failDial != 0 {
		if b.failDial > 0 {
			b.failDial--
		}
		b.mu.Unlock()
		return nil, b.dialErr
	}
	id := len(b.conns) + 1
	conn := &brokerConn{id: id, broker: b, config: config}
	conn.channel = &brokerChannel{conn: conn, consumers: make(map[string]chan amqp.Delivery), queues: make(map[string]string), decls: make(map[string]rabbitmq.QueueDeclaration)}
	b.conns = append(b.conns, conn)
	b.log = append(b.log, fmt.Sprintf("dial:%d", id))
	b.mu.Unlock()
	return conn, nil
}

type brokerConn struct {
	id      int
	broker  *broker
	channel *brokerChannel
	config  amqp.Config

	mu     sync.Mutex
	notify []chan *amqp.Error
	closed bool
}

func (c *brokerConn) OpenChannel() (rabbitmq.Channel, error) {
	return c.channel, nil
}

func (c *brokerConn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = append(c.notify, receiver)
	return receiver
}

func (c *brokerConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *brokerConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.closed = true
	for _, r := range c.notify {
		close(r)
	}
	c.notify = nil
	c.broker.record("close-conn:%d", c.id)
	return nil
}

// fail drops the connection the way a broker restart does
func (c *brokerConn) fail() {
	c.mu.Lock()
	c.closed = true
	receivers := c.notify
	c.notify = nil
	c.mu.Unlock()

	for _, r := range receivers {
		r <- &amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED - broker forced connection closure"}
		close(r)
	}
}

type brokerChannel struct {
	conn *brokerConn

	mu        sync.Mutex
	consumers map[string]chan amqp.Delivery // by tag
	queues    map[string]string             // tag -> queue
	published []amqp.Publishing
	keys      []string
	closed    bool
	decls     map[string]rabbitmq.QueueDeclaration
}

func (c *brokerChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	c.mu.Lock()
	c.decls[name] = rabbitmq.QueueDeclaration{Durable: durable, AutoDelete: autoDelete, Exclusive: exclusive, Arguments: args}
	c.mu.Unlock()
	c.conn.broker.record("declare:%d:%s", c.conn.id, name)
	return amqp.Queue{Name: name}, nil
}

func (c *brokerChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	return nil
}

func (c *brokerChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan amqp.Delivery, 16)
	c.consumers[consumer] = ch
	c.queues[consumer] = queue
	c.conn.broker.record("consume:%d:%s", c.conn.id, queue)
	return ch, nil
}

func (c *brokerChannel) Cancel(consumer string, noWait bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.consumers[consumer]
	if !ok {
		return nil
	}
	close(ch)
	delete(c.consumers, consumer)
	c.conn.broker.record("cancel:%d:%s", c.conn.id, c.queues[consumer])
	return nil
}

func (c *brokerChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.published = append(c.published, msg)
	c.keys = append(c.keys, key)
	return nil
}

func (c *brokerChannel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	return receiver
}

func (c *brokerChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.closed = true
	c.conn.broker.record("close-channel:%d", c.conn.id)
	return nil
}

// deliver hands a text message to the consumer of queue
func (c *brokerChannel) deliver(queue, body string, ack amqp.Acknowledger) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for tag, q := range c.queues {
		if q != queue {
			continue
		}
		if ch, ok := c.consumers[tag]; ok {
			ch <- amqp.Delivery{Acknowledger: ack, ContentType: "text/xml", Body: []byte(body)}
			return true
		}
	}
	return false
}

func (c *brokerChannel) Declaration(queue string) (rabbitmq.QueueDeclaration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	decl, ok := c.decls[queue]
	return decl, ok
}

func (c *brokerChannel) Published() ([]string, []amqp.Publishing) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.keys...), append([]amqp.Publishing(nil), c.published...)
}

type settleRecorder struct {
	settled chan string
}

func newSettleRecorder() *settleRecorder {
	return &settleRecorder{settled: make(chan string, 16)}
}

func (a *settleRecorder) Ack(tag uint64, multiple bool) error {
	a.settled <- "ack"
	return nil
}

func (a *settleRecorder) Nack(tag uint64, multiple, requeue bool) error {
	a.settled <- fmt.Sprintf("nack(requeue=%t)", requeue)
	return nil
}

func (a *settleRecorder) Reject(tag uint64, requeue bool) error {
	a.settled <- fmt.Sprintf("reject(requeue=%t)", requeue)
	return nil
}

// eventLog records the event sink
type eventLog struct {
	mu     sync.Mutex
	events []string
	errors []string
}

func (l *eventLog) HandleEvent(event string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *eventLog) HandleError(err string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, err)
}

func (l *eventLog) Errors() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.errors...)
}

// stateLog records host state transitions
type stateLog struct {
	mu     sync.Mutex
	states []State
}

func (l *stateLog) observe(s State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, s)
}

func (l *stateLog) States() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]State(nil), l.states...)
}
