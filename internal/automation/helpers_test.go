package automation_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"boardflow/internal/automation"
	"boardflow/internal/domain"
	"boardflow/internal/repo"
)

// Wednesday.
var t0 = time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC)

const project = "p1"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock(at time.Time) *fakeClock { return &fakeClock{now: at} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Set(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = at
}

type recorder struct {
	mu     sync.Mutex
	events []domain.DomainEvent
}

func (r *recorder) Publish(_ context.Context, evt domain.DomainEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) all() []domain.DomainEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.DomainEvent(nil), r.events...)
}

func sections() []domain.Section {
	return []domain.Section{
		{ID: "todo", ProjectID: project, Name: "To Do", Order: 0},
		{ID: "doing", ProjectID: project, Name: "Doing", Order: 1},
		{ID: "done", ProjectID: project, Name: "Done", Order: 2},
	}
}

func ptr[T any](v T) *T { return &v }

// board is an automation session over in-memory repositories.
type board struct {
	ctx      context.Context
	clock    *fakeClock
	tasks    *repo.MemoryTasks
	sections *repo.MemorySections
	rules    *repo.MemoryRules
	pub      *recorder
	svc      *automation.Service
}

func newBoard(t *testing.T, tasks []domain.Task, rules ...domain.AutomationRule) *board {
	t.Helper()
	clock := newClock(t0)
	b := &board{
		ctx:      context.Background(),
		clock:    clock,
		tasks:    repo.NewMemoryTasks(clock.Now, tasks...),
		sections: repo.NewMemorySections(sections()...),
		rules:    repo.NewMemoryRules(clock.Now, rules...),
		pub:      &recorder{},
	}
	b.svc = automation.NewService(automation.Deps{
		Tasks:     b.tasks,
		Sections:  b.sections,
		Rules:     b.rules,
		Clock:     clock,
		Publisher: b.pub,
	}, automation.DefaultOptions())
	t.Cleanup(b.svc.Close)
	return b
}

func (b *board) task(t *testing.T, id string) domain.Task {
	t.Helper()
	task, err := b.tasks.FindByID(b.ctx, id)
	require.NoError(t, err)
	return task
}

func (b *board) rule(t *testing.T, id string) domain.AutomationRule {
	t.Helper()
	r, err := b.rules.FindByID(b.ctx, id)
	require.NoError(t, err)
	return r
}

// update applies a user edit and feeds the resulting event to the session.
func (b *board) update(t *testing.T, id string, patch domain.Fields) []automation.ExecutionResult {
	t.Helper()
	before := b.task(t, id)
	_, err := b.tasks.Update(b.ctx, id, patch)
	require.NoError(t, err)
	return b.svc.HandleEvent(b.ctx, domain.DomainEvent{
		Type:           domain.EventTaskUpdated,
		EntityID:       id,
		ProjectID:      before.ProjectID,
		Changes:        patch,
		PreviousValues: before.Snapshot(patch.Keys()...),
		Timestamp:      b.clock.Now(),
	})
}

func (b *board) move(t *testing.T, id, sectionID string) []automation.ExecutionResult {
	t.Helper()
	return b.update(t, id, domain.Fields{domain.FieldSectionID: sectionID})
}

func card(id, sectionID string, order int) domain.Task {
	return domain.Task{
		ID:               id,
		ProjectID:        project,
		SectionID:        sectionID,
		Title:            "Card " + id,
		Order:            order,
		CreatedAt:        t0.Add(-48 * time.Hour),
		UpdatedAt:        t0.Add(-48 * time.Hour),
		SectionEnteredAt: ptr(t0.Add(-48 * time.Hour)),
	}
}

func eventRule(id string, trigger domain.Trigger, action domain.Action, filters ...domain.CardFilter) domain.AutomationRule {
	return domain.AutomationRule{
		ID:        id,
		ProjectID: project,
		Name:      "rule " + id,
		Trigger:   trigger,
		Filters:   filters,
		Action:    action,
		Enabled:   true,
		CreatedAt: t0.Add(-time.Hour),
	}
}

func movedInto(sectionID string) domain.Trigger {
	return domain.Trigger{Type: domain.TriggerCardMovedIntoSection, SectionID: sectionID}
}
