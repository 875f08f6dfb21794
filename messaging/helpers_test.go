package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

type Invoice struct {
	ID int `xml:"id"`
}

type Refund struct {
	ID int `xml:"id"`
}

type Shipment struct {
	Carrier string `xml:"carrier"`
}

// recordingEvents captures everything reported to the event sink
type recordingEvents struct {
	mu     sync.Mutex
	events []string
	errors []string
}

func (r *recordingEvents) HandleEvent(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingEvents) HandleError(err string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, err)
}

func (r *recordingEvents) Errors() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.errors))
	copy(out, r.errors)
	return out
}

func (r *recordingEvents) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	copy(out, r.events)
	return out
}

type fakeHandle struct {
	mu     sync.Mutex
	closed int
	err    error
}

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed++
	return h.err
}

func (h *fakeHandle) Closed() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

type fakeProducer struct {
	fakeHandle
	queue   string
	sendErr error

	sendMu sync.Mutex
	sent   []string
}

func (p *fakeProducer) Send(ctx context.Context, text string) error {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	if p.sendErr != nil {
		return p.sendErr
	}
	p.sent = append(p.sent, text)
	return nil
}

func (p *fakeProducer) Sent() []string {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	out := make([]string, len(p.sent))
	copy(out, p.sent)
	return out
}

// fakeSession records opened consumers and producers
type fakeSession struct {
	mu         sync.Mutex
	deliver    map[string]DeliveryFunc
	consumers  map[string]*fakeHandle
	producers  map[string]*fakeProducer
	failQueue  string
	opensOrder []string
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		deliver:   make(map[string]DeliveryFunc),
		consumers: make(map[string]*fakeHandle),
		producers: make(map[string]*fakeProducer),
	}
}

func (s *fakeSession) OpenConsumer(ctx context.Context, queue string, deliver DeliveryFunc) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if queue == s.failQueue {
		return nil, errors.New("access refused")
	}
	h := &fakeHandle{}
	s.deliver[queue] = deliver
	s.consumers[queue] = h
	s.opensOrder = append(s.opensOrder, "consumer:"+queue)
	return h, nil
}

func (s *fakeSession) OpenProducer(ctx context.Context, queue string) (ProducerHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if queue == s.failQueue {
		return nil, errors.New("access refused")
	}
	p := &fakeProducer{queue: queue}
	s.producers[queue] = p
	s.opensOrder = append(s.opensOrder, "producer:"+queue)
	return p, nil
}

// Deliver simulates the broker handing a text message to queue
func (s *fakeSession) Deliver(ctx context.Context, queue, text string) error {
	s.mu.Lock()
	fn, ok := s.deliver[queue]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("no consumer on %s", queue)
	}
	return fn(ctx, InboundMessage{Queue: queue, ContentType: "text/plain", Body: []byte(text)})
}
