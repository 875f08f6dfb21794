package messaging

import (
	"context"
	"strings"
	"unicode/utf8"
)

// InboundMessage is a message delivered by the broker
type InboundMessage struct {
	Queue       string
	MessageID   string
	ContentType string
	Body        []byte
}

// Text returns the body as text. ok is false when the delivery is not a text
// message: a non-text content type or a body that is not valid UTF-8.
func (m InboundMessage) Text() (text string, ok bool) {
	if !isTextContentType(m.ContentType) {
		return "", false
	}
	if !utf8.Valid(m.Body) {
		return "", false
	}
	return string(m.Body), true
}

func isTextContentType(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	switch {
	case ct == "":
		return true
	case strings.HasPrefix(ct, "text/"):
		return true
	case ct == "application/xml", strings.HasSuffix(ct, "+xml"):
		return true
	}
	return false
}

// DeliveryFunc receives broker deliveries for one queue. A nil return means the
// delivery is settled (processed or deliberately dropped); an error means the
// message was not processed and is handed back to the broker's own fault
// handling.
type DeliveryFunc func(ctx context.Context, msg InboundMessage) error

// Handle is a live broker resource owned by a registry
type Handle interface {
	Close() error
}

// ProducerHandle sends text messages to one destination
type ProducerHandle interface {
	Handle
	// Send publishes text without waiting for a broker acknowledgement
	Send(ctx context.Context, text string) error
}

// Session is an open broker session. Handles it returns are only valid while
// the session is open.
type Session interface {
	// OpenConsumer starts consuming queue. Each delivery is passed to deliver
	// on its own goroutine.
	OpenConsumer(ctx context.Context, queue string, deliver DeliveryFunc) (Handle, error)

	// OpenProducer creates a producer for queue
	OpenProducer(ctx context.Context, queue string) (ProducerHandle, error)
}
