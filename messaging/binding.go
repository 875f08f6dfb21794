package messaging

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/glimte/mqhost/contracts"
	"github.com/glimte/mqhost/serialization"
)

// Predicate decides whether a binding owns an inbound payload
type Predicate func(text string) bool

// Handler processes a decoded message. msg is a pointer to the binding's
// message type.
type Handler func(ctx context.Context, msg interface{}) error

// Binding pairs a routing predicate with the handler for one message type
type Binding struct {
	TypeName    string
	Predicate   Predicate
	MessageType reflect.Type
	Handler     Handler
}

func (b Binding) validate() error {
	if b.Predicate == nil {
		return fmt.Errorf("%w: %s has no predicate", ErrInvalidBinding, b.TypeName)
	}
	if b.MessageType == nil {
		return fmt.Errorf("%w: %s has no message type", ErrInvalidBinding, b.TypeName)
	}
	return nil
}

// TagPredicate matches payloads containing the opening tag "<typeName", either
// unprefixed or prefixed by one of the namespace aliases ("<alias:typeName").
func TagPredicate(typeName string, aliases []string) Predicate {
	tags := []string{"<" + typeName}
	for _, alias := range aliases {
		alias = strings.TrimSuffix(strings.TrimSpace(alias), ":")
		if alias == "" {
			continue
		}
		tags = append(tags, "<"+alias+":"+typeName)
	}

	return func(text string) bool {
		for _, tag := range tags {
			if strings.Contains(text, tag) {
				return true
			}
		}
		return false
	}
}

// HandlerFor adapts a typed consumer to a Handler. A nil consumer yields a nil
// Handler, which dispatch reports as a wiring error.
func HandlerFor[T any](consumer contracts.Consumer[T]) Handler {
	if consumer == nil {
		return nil
	}
	return func(ctx context.Context, msg interface{}) error {
		typed, ok := msg.(*T)
		if !ok {
			return fmt.Errorf("%w: consumer of %s received %T", ErrHandlerWiring, reflect.TypeOf((*T)(nil)).Elem().Name(), msg)
		}
		return consumer.Consume(ctx, typed)
	}
}

// BindingFor builds the tag-sniffing binding for message type T
func BindingFor[T any](consumer contracts.Consumer[T], aliases []string) Binding {
	t := reflect.TypeOf((*T)(nil)).Elem()
	name := serialization.SimpleName(t)
	return Binding{
		TypeName:    name,
		Predicate:   TagPredicate(name, aliases),
		MessageType: t,
		Handler:     HandlerFor[T](consumer),
	}
}
