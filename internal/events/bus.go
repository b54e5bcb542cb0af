// Package events fans processed access events out to in-process observers
// and to the optional external publishers (websocket feed, Redis).
package events

import (
	"log"
	"sync"

	"github.com/accessbridge/bridge/internal/bridge"
)

// Bus is an in-process pub/sub of normalized events. Delivery is
// best-effort: observers exist for operators' eyes, not for the durable
// upstream path, so a slow subscriber gets dropped messages instead of
// stalling ingestion.
type Bus struct {
	mu         sync.RWMutex
	subs       []chan *bridge.NormalizedEvent
	logger     *log.Logger
	bufferSize int
}

// NewBus creates a new event bus.
func NewBus(logger *log.Logger) *Bus {
	if logger == nil {
		logger = log.New(log.Writer(), "[EVENTS] ", log.LstdFlags)
	}
	return &Bus{
		subs:       make([]chan *bridge.NormalizedEvent, 0),
		logger:     logger,
		bufferSize: 100,
	}
}

// Subscribe creates a channel that receives every published event.
func (b *Bus) Subscribe() chan *bridge.NormalizedEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *bridge.NormalizedEvent, b.bufferSize)
	b.subs = append(b.subs, ch)
	return ch
}

// Unsubscribe removes a subscription channel and closes it.
func (b *Bus) Unsubscribe(ch chan *bridge.NormalizedEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	filtered := make([]chan *bridge.NormalizedEvent, 0, len(b.subs))
	for _, s := range b.subs {
		if s != ch {
			filtered = append(filtered, s)
		}
	}
	b.subs = filtered
	close(ch)
}

// Publish delivers ev to every subscriber that has buffer room.
func (b *Bus) Publish(ev *bridge.NormalizedEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Channel full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
