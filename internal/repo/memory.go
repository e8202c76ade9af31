package repo

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"boardflow/internal/domain"
)

// MemoryTasks is an in-process task repository. It backs dry-runs and tests.
type MemoryTasks struct {
	Now func() time.Time

	mu    sync.Mutex
	tasks map[string]domain.Task
}

func NewMemoryTasks(now func() time.Time, tasks ...domain.Task) *MemoryTasks {
	m := &MemoryTasks{Now: now, tasks: make(map[string]domain.Task, len(tasks))}
	for _, t := range tasks {
		m.tasks[t.ID] = t
	}
	return m
}

func (m *MemoryTasks) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *MemoryTasks) filter(keep func(domain.Task) bool) []domain.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []domain.Task
	for _, t := range m.tasks {
		if keep(t) {
			res = append(res, t)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		a, b := res[i], res[j]
		if a.SectionID != b.SectionID {
			return a.SectionID < b.SectionID
		}
		if a.Order != b.Order {
			return a.Order < b.Order
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return res
}

func (m *MemoryTasks) FindByID(_ context.Context, id string) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return domain.Task{}, ErrNotFound
	}
	return t, nil
}

func (m *MemoryTasks) FindByProjectID(_ context.Context, projectID string) ([]domain.Task, error) {
	return m.filter(func(t domain.Task) bool { return t.ProjectID == projectID }), nil
}

func (m *MemoryTasks) FindByParentTaskID(_ context.Context, parentID string) ([]domain.Task, error) {
	return m.filter(func(t domain.Task) bool { return t.ParentTaskID == parentID }), nil
}

func (m *MemoryTasks) FindAll(context.Context) ([]domain.Task, error) {
	return m.filter(func(domain.Task) bool { return true }), nil
}

func (m *MemoryTasks) Create(_ context.Context, t domain.Task) (domain.Task, error) {
	now := m.now()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.tasks[t.ID]; dup {
		return t, fmt.Errorf("task %s already exists", t.ID)
	}
	m.tasks[t.ID] = t
	return t, nil
}

func (m *MemoryTasks) Update(_ context.Context, id string, patch domain.Fields) (domain.Task, error) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return domain.Task{}, ErrNotFound
	}
	if err := t.Apply(patch); err != nil {
		return t, err
	}
	t.UpdatedAt = now
	m.tasks[id] = t
	return t, nil
}

// Delete removes the task together with its subtasks.
func (m *MemoryTasks) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[id]; !ok {
		return ErrNotFound
	}
	delete(m.tasks, id)
	for cid, t := range m.tasks {
		if t.ParentTaskID == id {
			delete(m.tasks, cid)
		}
	}
	return nil
}

type MemorySections struct {
	mu       sync.Mutex
	sections map[string]domain.Section
}

func NewMemorySections(sections ...domain.Section) *MemorySections {
	m := &MemorySections{sections: make(map[string]domain.Section, len(sections))}
	for _, s := range sections {
		m.sections[s.ID] = s
	}
	return m
}

func (m *MemorySections) FindByID(_ context.Context, id string) (domain.Section, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sections[id]
	if !ok {
		return domain.Section{}, ErrNotFound
	}
	return s, nil
}

func (m *MemorySections) FindByProjectID(_ context.Context, projectID string) ([]domain.Section, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []domain.Section
	for _, s := range m.sections {
		if s.ProjectID == projectID {
			res = append(res, s)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].Order != res[j].Order {
			return res[i].Order < res[j].Order
		}
		return res[i].ID < res[j].ID
	})
	return res, nil
}

func (m *MemorySections) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sections[id]; !ok {
		return ErrNotFound
	}
	delete(m.sections, id)
	return nil
}

// MemoryRules mirrors RuleStore without persistence.
type MemoryRules struct {
	Now func() time.Time

	mu        sync.Mutex
	rules     []domain.AutomationRule
	listeners ruleListeners
}

func NewMemoryRules(now func() time.Time, rules ...domain.AutomationRule) *MemoryRules {
	return &MemoryRules{Now: now, rules: cloneRules(rules)}
}

func (m *MemoryRules) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *MemoryRules) mutate(fn func([]domain.AutomationRule) ([]domain.AutomationRule, error)) error {
	m.mu.Lock()
	next, err := fn(cloneRules(m.rules))
	if err == nil {
		m.rules = next
	}
	snapshot := cloneRules(m.rules)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.listeners.notify(snapshot)
	return nil
}

func (m *MemoryRules) FindAll(context.Context) ([]domain.AutomationRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := cloneRules(m.rules)
	sortRules(out)
	return out, nil
}

func (m *MemoryRules) FindByProjectID(ctx context.Context, projectID string) ([]domain.AutomationRule, error) {
	all, _ := m.FindAll(ctx)
	var res []domain.AutomationRule
	for _, r := range all {
		if r.ProjectID == projectID {
			res = append(res, r)
		}
	}
	return res, nil
}

func (m *MemoryRules) FindByID(ctx context.Context, id string) (domain.AutomationRule, error) {
	all, _ := m.FindAll(ctx)
	for _, r := range all {
		if r.ID == id {
			return r, nil
		}
	}
	return domain.AutomationRule{}, ErrNotFound
}

func (m *MemoryRules) Create(_ context.Context, rule domain.AutomationRule) (domain.AutomationRule, error) {
	err := m.mutate(func(rules []domain.AutomationRule) ([]domain.AutomationRule, error) {
		rule = prepareNewRule(rules, rule, m.now())
		return append(rules, rule.Clone()), nil
	})
	return rule, err
}

func (m *MemoryRules) Update(_ context.Context, rule domain.AutomationRule) (domain.AutomationRule, error) {
	err := m.mutate(func(rules []domain.AutomationRule) ([]domain.AutomationRule, error) {
		for i, r := range rules {
			if r.ID == rule.ID {
				rule.CreatedAt = r.CreatedAt
				rule.UpdatedAt = m.now()
				rules[i] = rule.Clone()
				return rules, nil
			}
		}
		return nil, ErrNotFound
	})
	return rule, err
}

func (m *MemoryRules) Delete(_ context.Context, id string) error {
	return m.mutate(func(rules []domain.AutomationRule) ([]domain.AutomationRule, error) {
		for i, r := range rules {
			if r.ID == id {
				return append(rules[:i], rules[i+1:]...), nil
			}
		}
		return nil, ErrNotFound
	})
}

func (m *MemoryRules) DeleteByProjectID(_ context.Context, projectID string) (int, error) {
	removed := 0
	err := m.mutate(func(rules []domain.AutomationRule) ([]domain.AutomationRule, error) {
		kept := rules[:0]
		for _, r := range rules {
			if r.ProjectID == projectID {
				removed++
				continue
			}
			kept = append(kept, r)
		}
		return kept, nil
	})
	return removed, err
}

func (m *MemoryRules) Subscribe(fn func([]domain.AutomationRule)) func() {
	return m.listeners.add(fn)
}
