package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/quantrail/tradeguard/internal/domain"
)

// eventChannel carries every control-plane event; subscribers filter by type
// on the consumer side.
const eventChannel = "tradeguard:events"

// EventBus implements domain.EventBus over Redis Pub/Sub so breaker trips,
// market emergencies, and risk alerts reach every process of a multi-process
// deployment.
type EventBus struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// NewEventBus creates an EventBus backed by the given Client.
func NewEventBus(c *Client, logger *slog.Logger) *EventBus {
	return &EventBus{
		rdb:    c.Underlying(),
		logger: logger.With(slog.String("component", "redis_bus")),
	}
}

// Publish marshals the event and sends it on the shared channel.
func (b *EventBus) Publish(ctx context.Context, ev domain.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("redis: marshal event %s: %w", ev.Type, err)
	}
	if err := b.rdb.Publish(ctx, eventChannel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish event %s: %w", ev.Type, err)
	}
	return nil
}

// Subscribe returns a channel of events filtered to the given types (or all
// when none are given). The subscription closes with the context.
func (b *EventBus) Subscribe(ctx context.Context, types ...string) (<-chan domain.Event, error) {
	pubsub := b.rdb.Subscribe(ctx, eventChannel)

	// Receive the subscription confirmation before handing out the channel.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe events: %w", err)
	}

	wanted := make(map[string]bool, len(types))
	for _, t := range types {
		wanted[t] = true
	}

	out := make(chan domain.Event, 128)
	go func() {
		defer close(out)
		defer pubsub.Close()

		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev domain.Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					b.logger.Warn("malformed event payload dropped", slog.String("error", err.Error()))
					continue
				}
				if len(wanted) > 0 && !wanted[ev.Type] {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

var _ domain.EventBus = (*EventBus)(nil)
