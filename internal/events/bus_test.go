package events

import (
	"context"
	"testing"

	"boardflow/internal/domain"
)

func TestBusFiltersByType(t *testing.T) {
	bus := NewBus(nil)
	var all, created []domain.EventType
	bus.Subscribe(func(_ context.Context, evt domain.DomainEvent) { all = append(all, evt.Type) })
	bus.Subscribe(func(_ context.Context, evt domain.DomainEvent) { created = append(created, evt.Type) }, domain.EventTaskCreated)

	ctx := context.Background()
	bus.Publish(ctx, domain.DomainEvent{Type: domain.EventTaskCreated})
	bus.Publish(ctx, domain.DomainEvent{Type: domain.EventTaskUpdated})

	if len(all) != 2 {
		t.Fatalf("expected 2 events for catch-all subscriber, got %v", all)
	}
	if len(created) != 1 || created[0] != domain.EventTaskCreated {
		t.Fatalf("expected only task.created, got %v", created)
	}
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus(nil)
	calls := 0
	stop := bus.Subscribe(func(context.Context, domain.DomainEvent) { calls++ })
	keep := bus.Subscribe(func(context.Context, domain.DomainEvent) {})
	if bus.Len() != 2 {
		t.Fatalf("expected 2 subscriptions, got %d", bus.Len())
	}
	stop()
	stop()
	if bus.Len() != 1 {
		t.Fatalf("expected 1 subscription after unsubscribe, got %d", bus.Len())
	}
	bus.Publish(context.Background(), domain.DomainEvent{Type: domain.EventTaskDeleted})
	if calls != 0 {
		t.Fatalf("unsubscribed handler ran %d times", calls)
	}
	keep()
	if bus.Len() != 0 {
		t.Fatalf("expected no subscriptions, got %d", bus.Len())
	}
}

func TestBusRecoversFromPanickingHandler(t *testing.T) {
	bus := NewBus(nil)
	delivered := false
	bus.Subscribe(func(context.Context, domain.DomainEvent) { panic("boom") })
	bus.Subscribe(func(context.Context, domain.DomainEvent) { delivered = true })

	bus.Publish(context.Background(), domain.DomainEvent{Type: domain.EventSectionCreated})
	if !delivered {
		t.Fatalf("panic in first handler stopped delivery")
	}
}

func TestEntityKind(t *testing.T) {
	cases := map[domain.EventType]string{
		domain.EventTaskUpdated:    "task",
		domain.EventSectionDeleted: "section",
		domain.EventScheduleFired:  "schedule",
	}
	for typ, want := range cases {
		if got := EntityKind(typ); got != want {
			t.Fatalf("EntityKind(%s) = %s, want %s", typ, got, want)
		}
	}
}
