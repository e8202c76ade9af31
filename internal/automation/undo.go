package automation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"boardflow/internal/domain"
	"boardflow/internal/repo"
)

const (
	DefaultUndoWindow    = 10 * time.Second
	DefaultUndoStackSize = 10
)

// UndoStack holds recent undo snapshots. Expiry is checked lazily on read.
type UndoStack struct {
	mu      sync.Mutex
	entries []domain.UndoSnapshot
	clock   Clock
	window  time.Duration
	limit   int
}

func NewUndoStack(clock Clock, window time.Duration, limit int) *UndoStack {
	if clock == nil {
		clock = SystemClock
	}
	if window <= 0 {
		window = DefaultUndoWindow
	}
	if limit <= 0 {
		limit = DefaultUndoStackSize
	}
	return &UndoStack{clock: clock, window: window, limit: limit}
}

func (u *UndoStack) live(s domain.UndoSnapshot, now time.Time) bool {
	return now.Sub(s.Timestamp) <= u.window
}

// Push adds a snapshot, dropping the oldest beyond the stack limit.
func (u *UndoStack) Push(s domain.UndoSnapshot) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.entries = append(u.entries, s)
	if n := len(u.entries); n > u.limit {
		u.entries = append([]domain.UndoSnapshot(nil), u.entries[n-u.limit:]...)
	}
}

// Set replaces the whole stack with one snapshot.
func (u *UndoStack) Set(s domain.UndoSnapshot) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.entries = []domain.UndoSnapshot{s}
}

func (u *UndoStack) Clear() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.entries = nil
}

// Current returns the newest unexpired snapshot.
func (u *UndoStack) Current() (domain.UndoSnapshot, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	now := u.clock.Now()
	for i := len(u.entries) - 1; i >= 0; i-- {
		if u.live(u.entries[i], now) {
			return u.entries[i], true
		}
	}
	return domain.UndoSnapshot{}, false
}

// Get returns the unexpired snapshot with the given id.
func (u *UndoStack) Get(id string) (domain.UndoSnapshot, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	now := u.clock.Now()
	for _, s := range u.entries {
		if s.ID == id && u.live(s, now) {
			return s, true
		}
	}
	return domain.UndoSnapshot{}, false
}

// Live lists unexpired snapshots, newest first.
func (u *UndoStack) Live() []domain.UndoSnapshot {
	u.mu.Lock()
	defer u.mu.Unlock()
	now := u.clock.Now()
	var out []domain.UndoSnapshot
	for i := len(u.entries) - 1; i >= 0; i-- {
		if u.live(u.entries[i], now) {
			out = append(out, u.entries[i])
		}
	}
	return out
}

func (u *UndoStack) remove(id string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for i, s := range u.entries {
		if s.ID == id {
			u.entries = append(u.entries[:i:i], u.entries[i+1:]...)
			return
		}
	}
}

// PerformUndo reverses the newest unexpired snapshot and returns the events
// describing the reversal.
func (u *UndoStack) PerformUndo(ctx context.Context, tasks TaskRepository) (domain.UndoSnapshot, []domain.DomainEvent, error) {
	s, ok := u.Current()
	if !ok {
		return domain.UndoSnapshot{}, nil, ErrNothingToUndo
	}
	evts, err := u.apply(ctx, tasks, s)
	return s, evts, err
}

// PerformUndoByID reverses a specific snapshot if it has not expired.
func (u *UndoStack) PerformUndoByID(ctx context.Context, tasks TaskRepository, id string) (domain.UndoSnapshot, []domain.DomainEvent, error) {
	s, ok := u.Get(id)
	if !ok {
		return domain.UndoSnapshot{}, nil, ErrNothingToUndo
	}
	evts, err := u.apply(ctx, tasks, s)
	return s, evts, err
}

// apply replays the snapshot and consumes it on success.
func (u *UndoStack) apply(ctx context.Context, tasks TaskRepository, s domain.UndoSnapshot) ([]domain.DomainEvent, error) {
	evts, err := Reverse(ctx, tasks, s)
	if err != nil {
		return evts, err
	}
	u.remove(s.ID)
	return evts, nil
}

// Reverse restores the state captured in s. It returns one event per task it
// changed: task.deleted for an undone create, task.updated otherwise.
func Reverse(ctx context.Context, tasks TaskRepository, s domain.UndoSnapshot) ([]domain.DomainEvent, error) {
	var evts []domain.DomainEvent
	if s.CreatedEntityID != "" {
		before, err := tasks.FindByID(ctx, s.CreatedEntityID)
		if errors.Is(err, repo.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("undo create %s: %w", s.CreatedEntityID, err)
		}
		if err := tasks.Delete(ctx, s.CreatedEntityID); err != nil && !errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("undo create %s: %w", s.CreatedEntityID, err)
		}
		evts = append(evts, domain.DomainEvent{
			Type:           domain.EventTaskDeleted,
			EntityID:       before.ID,
			ProjectID:      before.ProjectID,
			PreviousValues: before.Snapshot(domain.FieldTitle, domain.FieldSectionID),
		})
		return evts, nil
	}
	if len(s.PreviousState) > 0 {
		evt, err := restore(ctx, tasks, s.TargetEntityID, s.PreviousState)
		if err != nil {
			return evts, fmt.Errorf("undo %s on %s: %w", s.ActionType, s.TargetEntityID, err)
		}
		if evt != nil {
			evts = append(evts, *evt)
		}
	}
	for _, sub := range s.SubtaskSnapshots {
		patch := domain.Fields{domain.FieldCompleted: sub.Completed, domain.FieldCompletedAt: sub.CompletedAt}
		evt, err := restore(ctx, tasks, sub.TaskID, patch)
		if errors.Is(err, repo.ErrNotFound) {
			continue
		}
		if err != nil {
			return evts, fmt.Errorf("undo subtask %s: %w", sub.TaskID, err)
		}
		if evt != nil {
			evts = append(evts, *evt)
		}
	}
	return evts, nil
}

// restore writes patch onto the task and describes the change. A patch that
// matches the current values yields no event.
func restore(ctx context.Context, tasks TaskRepository, id string, patch domain.Fields) (*domain.DomainEvent, error) {
	before, err := tasks.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	prev := before.Snapshot(patch.Keys()...)
	after, err := tasks.Update(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	changes := domain.Fields{}
	for k, v := range after.Snapshot(patch.Keys()...) {
		if !sameValue(v, prev[k]) {
			changes[k] = v
		}
	}
	if len(changes) == 0 {
		return nil, nil
	}
	previous := domain.Fields{}
	for k := range changes {
		previous[k] = prev[k]
	}
	return &domain.DomainEvent{
		Type:           domain.EventTaskUpdated,
		EntityID:       after.ID,
		ProjectID:      after.ProjectID,
		Changes:        changes,
		PreviousValues: previous,
	}, nil
}

func sameValue(a, b any) bool {
	at, aok := a.(*time.Time)
	bt, bok := b.(*time.Time)
	if aok && bok {
		if at == nil || bt == nil {
			return at == nil && bt == nil
		}
		return at.Equal(*bt)
	}
	return a == b
}
