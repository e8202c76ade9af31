package events

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"boardflow/internal/domain"
)

// Handler receives a published event. Handlers run synchronously on the
// publisher's goroutine in subscription order.
type Handler func(ctx context.Context, evt domain.DomainEvent)

type subscription struct {
	id    int
	types map[domain.EventType]struct{}
	fn    Handler
}

// Bus is an in-process typed publish/subscribe channel for domain events.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   []subscription
	log    *zap.Logger
}

func NewBus(log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{log: log}
}

// Subscribe registers fn for the given event types, or for every type when
// none are listed. The returned func removes the subscription.
func (b *Bus) Subscribe(fn Handler, types ...domain.EventType) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := subscription{id: b.nextID, fn: fn}
	if len(types) > 0 {
		sub.types = make(map[domain.EventType]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}
	b.subs = append(b.subs, sub)
	id := sub.id
	return func() { b.unsubscribe(id) }
}

func (b *Bus) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers evt to every matching subscriber. A panicking handler is
// logged and does not stop delivery to the rest.
func (b *Bus) Publish(ctx context.Context, evt domain.DomainEvent) {
	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		if s.types != nil {
			if _, ok := s.types[evt.Type]; !ok {
				continue
			}
		}
		b.deliver(ctx, s, evt)
	}
}

func (b *Bus) deliver(ctx context.Context, s subscription, evt domain.DomainEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler panicked",
				zap.String("event_type", string(evt.Type)),
				zap.String("entity_id", evt.EntityID),
				zap.Any("panic", r))
		}
	}()
	s.fn(ctx, evt)
}

// Len reports the number of live subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
