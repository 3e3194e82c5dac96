package event

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus()
	var got []string

	unsub := bus.Subscribe(EventJobCreated, func(ctx context.Context, e Event) error {
		got = append(got, e.Payload.(JobEvent).JobID)
		return nil
	})

	_ = bus.Publish(context.Background(), Event{Type: EventJobCreated, Payload: JobEvent{JobID: "a"}})
	_ = bus.Publish(context.Background(), Event{Type: EventJobFailed, Payload: JobEvent{JobID: "b"}})
	unsub()
	_ = bus.Publish(context.Background(), Event{Type: EventJobCreated, Payload: JobEvent{JobID: "c"}})

	assert.Equal(t, []string{"a"}, got)
}

func TestBus_HandlerErrorsAndPanicsDoNotStopDelivery(t *testing.T) {
	bus := NewBus()
	calls := 0

	bus.Subscribe(EventJobCompleted, func(ctx context.Context, e Event) error { panic("boom") })
	bus.Subscribe(EventJobCompleted, func(ctx context.Context, e Event) error { return errors.New("nope") })
	bus.Subscribe(EventJobCompleted, func(ctx context.Context, e Event) error {
		calls++
		assert.False(t, e.Timestamp.IsZero())
		return nil
	})

	assert.NoError(t, bus.Publish(context.Background(), Event{Type: EventJobCompleted}))
	assert.Equal(t, 1, calls)
}

func TestBus_SubscribeMany(t *testing.T) {
	bus := NewBus()
	var types []EventType

	unsub := bus.SubscribeMany([]EventType{EventJobFailed, EventJobCompleted}, func(ctx context.Context, e Event) error {
		types = append(types, e.Type)
		return nil
	})
	_ = bus.Publish(context.Background(), Event{Type: EventJobFailed})
	_ = bus.Publish(context.Background(), Event{Type: EventJobCompleted})
	unsub()
	_ = bus.Publish(context.Background(), Event{Type: EventJobFailed})

	assert.Equal(t, []EventType{EventJobFailed, EventJobCompleted}, types)
}
