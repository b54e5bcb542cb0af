package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/accessbridge/bridge/internal/bridge"
)

// RedisBus wraps the in-memory Bus and also publishes every event to a
// Redis channel so other services on the site network can consume the
// access feed without touching the upstream path.
//
// Fan-out strategy:
//   - Redis: cross-service delivery to whoever subscribes to the channel
//   - In-memory: immediate push to websocket feed subscribers
type RedisBus struct {
	*Bus // embedded, Subscribe/Unsubscribe still work

	client  *redis.Client
	channel string
	logger  *log.Logger
}

// NewRedisBus connects to addr and verifies the connection with a ping.
func NewRedisBus(addr, channel string, logger *log.Logger) (*RedisBus, error) {
	if channel == "" {
		channel = "access.events"
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[REDIS] ", log.LstdFlags)
	}

	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("events: redis ping %s: %w", addr, err)
	}

	rb := &RedisBus{
		Bus:     NewBus(logger),
		client:  client,
		channel: channel,
		logger:  logger,
	}
	rb.logger.Printf("connected to redis at %s, publishing on %q", addr, channel)
	return rb, nil
}

// Publish fans out to in-memory subscribers and pushes the JSON form onto
// the Redis channel. The Redis leg is fire-and-forget off the hot path.
func (rb *RedisBus) Publish(ev *bridge.NormalizedEvent) {
	rb.Bus.Publish(ev)

	payload, err := json.Marshal(ev)
	if err != nil {
		rb.logger.Printf("failed to marshal event from %s: %v", ev.DeviceID, err)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rb.client.Publish(ctx, rb.channel, payload).Err(); err != nil {
			rb.logger.Printf("redis publish failed for device %s: %v", ev.DeviceID, err)
		}
	}()
}

// HealthCheck verifies the Redis connection is alive.
func (rb *RedisBus) HealthCheck(ctx context.Context) error {
	return rb.client.Ping(ctx).Err()
}

// Close shuts down the Redis client.
func (rb *RedisBus) Close() error {
	return rb.client.Close()
}
