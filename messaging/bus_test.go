package messaging

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMessageBus(t *testing.T) {
	t.Run("publishes synchronously in subscription order", func(t *testing.T) {
		bus := NewMessageBus()
		var order []string

		bus.Subscribe(func(ctx context.Context, msg interface{}) { order = append(order, "first") })
		bus.Subscribe(func(ctx context.Context, msg interface{}) { order = append(order, "second") })
		bus.Subscribe(func(ctx context.Context, msg interface{}) { order = append(order, "third") })

		bus.Publish(context.Background(), &Invoice{ID: 1})

		assert.Equal(t, []string{"first", "second", "third"}, order)
	})

	t.Run("messages published before subscribing are lost", func(t *testing.T) {
		bus := NewMessageBus()
		var got []interface{}

		bus.Publish(context.Background(), &Invoice{ID: 1})
		bus.Subscribe(func(ctx context.Context, msg interface{}) { got = append(got, msg) })
		bus.Publish(context.Background(), &Invoice{ID: 2})

		assert.Equal(t, []interface{}{&Invoice{ID: 2}}, got)
	})

	t.Run("closed subscriptions stop receiving", func(t *testing.T) {
		bus := NewMessageBus()
		count := 0

		sub := bus.Subscribe(func(ctx context.Context, msg interface{}) { count++ })
		bus.Publish(context.Background(), &Invoice{})
		assert.NoError(t, sub.Close())
		assert.NoError(t, sub.Close())
		bus.Publish(context.Background(), &Invoice{})

		assert.Equal(t, 1, count)
		assert.Equal(t, 0, bus.SubscriberCount())
	})

	t.Run("nil messages are ignored", func(t *testing.T) {
		bus := NewMessageBus()
		called := false
		bus.Subscribe(func(ctx context.Context, msg interface{}) { called = true })

		bus.Publish(context.Background(), nil)

		assert.False(t, called)
	})

	t.Run("subscribing during publish does not disturb the running fan-out", func(t *testing.T) {
		bus := NewMessageBus()
		calls := 0
		bus.Subscribe(func(ctx context.Context, msg interface{}) {
			calls++
			bus.Subscribe(func(ctx context.Context, msg interface{}) { calls++ })
		})

		bus.Publish(context.Background(), &Invoice{})

		assert.Equal(t, 1, calls)
		assert.Equal(t, 2, bus.SubscriberCount())
	})

	t.Run("concurrent publish and subscribe is safe", func(t *testing.T) {
		bus := NewMessageBus()
		var wg sync.WaitGroup

		for i := 0; i < 20; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				sub := bus.Subscribe(func(ctx context.Context, msg interface{}) {})
				_ = sub.Close()
			}()
			go func() {
				defer wg.Done()
				bus.Publish(context.Background(), &Invoice{})
			}()
		}
		wg.Wait()

		assert.Equal(t, 0, bus.SubscriberCount())
	})
}
