package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/accessbridge/bridge/internal/bridge"
)

func sample(device string) *bridge.NormalizedEvent {
	return &bridge.NormalizedEvent{Source: bridge.SourceISUP, DeviceID: device}
}

func TestBusFanOut(t *testing.T) {
	bus := NewBus(nil)

	a := bus.Subscribe()
	b := bus.Subscribe()
	assert.Equal(t, 2, bus.SubscriberCount())

	bus.Publish(sample("DEV1"))

	require.Len(t, a, 1)
	require.Len(t, b, 1)
	assert.Equal(t, "DEV1", (<-a).DeviceID)
	assert.Equal(t, "DEV1", (<-b).DeviceID)
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(nil)
	ch := bus.Subscribe()

	bus.Unsubscribe(ch)
	assert.Equal(t, 0, bus.SubscriberCount())

	_, open := <-ch
	assert.False(t, open)

	// publishing after unsubscribe must not panic
	bus.Publish(sample("DEV1"))
}

func TestBusDropsWhenSubscriberFull(t *testing.T) {
	bus := NewBus(nil)
	ch := bus.Subscribe()

	for i := 0; i < 150; i++ {
		bus.Publish(sample("DEV1"))
	}

	// buffer capacity caps what the slow subscriber sees
	assert.Equal(t, 100, len(ch))
}
