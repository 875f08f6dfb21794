package contracts

import "context"

// Consumer processes decoded messages of type T
type Consumer[T any] interface {
	Consume(ctx context.Context, msg *T) error
}

// ConsumerFunc is a function adapter for Consumer
type ConsumerFunc[T any] func(ctx context.Context, msg *T) error

// Consume implements Consumer
func (f ConsumerFunc[T]) Consume(ctx context.Context, msg *T) error {
	return f(ctx, msg)
}
