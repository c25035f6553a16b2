// Package bus provides the in-process event bus implementation. The redis
// implementation in cache/redis serves multi-process deployments; this one
// serves single-process runs and tests.
package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/quantrail/tradeguard/internal/domain"
)

const subscriberBuffer = 128

type subscriber struct {
	types map[string]bool // empty means all
	ch    chan domain.Event
}

// Memory is a fan-out event bus. Publish never blocks: a subscriber whose
// buffer is full drops the event (and the drop is logged), because a slow
// consumer must never stall a safety decision.
type Memory struct {
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

// NewMemory creates an empty in-process bus.
func NewMemory(logger *slog.Logger) *Memory {
	return &Memory{
		logger: logger.With(slog.String("component", "bus")),
		subs:   make(map[*subscriber]struct{}),
	}
}

// Publish fans the event out to every matching subscriber.
func (b *Memory) Publish(ctx context.Context, ev domain.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs {
		if len(sub.types) > 0 && !sub.types[ev.Type] {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.logger.WarnContext(ctx, "subscriber buffer full, event dropped",
				slog.String("type", ev.Type),
			)
		}
	}
	return nil
}

// Subscribe returns a channel of events filtered to the given types (or all
// events when none are given). The channel closes when the context is
// cancelled.
func (b *Memory) Subscribe(ctx context.Context, types ...string) (<-chan domain.Event, error) {
	sub := &subscriber{
		types: make(map[string]bool, len(types)),
		ch:    make(chan domain.Event, subscriberBuffer),
	}
	for _, t := range types {
		sub.types[t] = true
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, sub)
		b.mu.Unlock()
		close(sub.ch)
	}()

	return sub.ch, nil
}

var _ domain.EventBus = (*Memory)(nil)
