package domain

import (
	"fmt"
	"sort"
	"time"
)

// Field names shared by event payloads, repository patches and undo snapshots.
const (
	FieldTitle            = "title"
	FieldDescription      = "description"
	FieldSectionID        = "section_id"
	FieldParentTaskID     = "parent_task_id"
	FieldCompleted        = "completed"
	FieldCompletedAt      = "completed_at"
	FieldDueDate          = "due_date"
	FieldOrder            = "order"
	FieldSectionEnteredAt = "section_entered_at"
	FieldName             = "name"
	FieldSubtasks         = "subtasks"
)

// Fields is a partial set of entity field values. Optional timestamps are
// stored as *time.Time, with nil meaning "cleared".
type Fields map[string]any

func (f Fields) Has(key string) bool {
	_, ok := f[key]
	return ok
}

func (f Fields) String(key string) (string, bool) {
	v, ok := f[key]
	if !ok {
		return "", false
	}
	switch s := v.(type) {
	case string:
		return s, true
	case *string:
		if s == nil {
			return "", true
		}
		return *s, true
	case nil:
		return "", true
	}
	return "", false
}

func (f Fields) Bool(key string) (bool, bool) {
	v, ok := f[key].(bool)
	return v, ok
}

func (f Fields) Int(key string) (int, bool) {
	switch n := f[key].(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

// Time returns the timestamp stored under key. A present key holding nil
// yields (nil, true).
func (f Fields) Time(key string) (*time.Time, bool) {
	v, ok := f[key]
	if !ok {
		return nil, false
	}
	switch t := v.(type) {
	case nil:
		return nil, true
	case *time.Time:
		if t == nil {
			return nil, true
		}
		c := *t
		return &c, true
	case time.Time:
		return &t, true
	case string:
		if t == "" {
			return nil, true
		}
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return nil, false
		}
		return &parsed, true
	}
	return nil, false
}

func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

func (f Fields) Keys() []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func timePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// Snapshot captures the current values of the named task fields.
func (t Task) Snapshot(keys ...string) Fields {
	out := Fields{}
	for _, k := range keys {
		switch k {
		case FieldTitle:
			out[k] = t.Title
		case FieldDescription:
			out[k] = t.Description
		case FieldSectionID:
			out[k] = t.SectionID
		case FieldParentTaskID:
			out[k] = t.ParentTaskID
		case FieldCompleted:
			out[k] = t.Completed
		case FieldCompletedAt:
			out[k] = timePtr(t.CompletedAt)
		case FieldDueDate:
			out[k] = timePtr(t.DueDate)
		case FieldOrder:
			out[k] = t.Order
		case FieldSectionEnteredAt:
			out[k] = timePtr(t.SectionEnteredAt)
		}
	}
	return out
}

// Apply writes the given fields onto the task. Subtask snapshots carried in
// undo payloads are ignored here.
func (t *Task) Apply(f Fields) error {
	for _, k := range f.Keys() {
		switch k {
		case FieldTitle, FieldDescription, FieldSectionID, FieldParentTaskID:
			s, ok := f.String(k)
			if !ok {
				return fmt.Errorf("field %s: expected string", k)
			}
			switch k {
			case FieldTitle:
				t.Title = s
			case FieldDescription:
				t.Description = s
			case FieldSectionID:
				t.SectionID = s
			case FieldParentTaskID:
				t.ParentTaskID = s
			}
		case FieldCompleted:
			b, ok := f.Bool(k)
			if !ok {
				return fmt.Errorf("field %s: expected bool", k)
			}
			t.Completed = b
		case FieldOrder:
			n, ok := f.Int(k)
			if !ok {
				return fmt.Errorf("field %s: expected int", k)
			}
			t.Order = n
		case FieldCompletedAt, FieldDueDate, FieldSectionEnteredAt:
			ts, ok := f.Time(k)
			if !ok {
				return fmt.Errorf("field %s: expected timestamp", k)
			}
			switch k {
			case FieldCompletedAt:
				t.CompletedAt = ts
			case FieldDueDate:
				t.DueDate = ts
			case FieldSectionEnteredAt:
				t.SectionEnteredAt = ts
			}
		case FieldSubtasks:
		default:
			return fmt.Errorf("unknown task field %s", k)
		}
	}
	return nil
}

// Apply writes the given fields onto the section.
func (s *Section) Apply(f Fields) error {
	for _, k := range f.Keys() {
		switch k {
		case FieldName:
			name, ok := f.String(k)
			if !ok {
				return fmt.Errorf("field %s: expected string", k)
			}
			s.Name = name
		case FieldOrder:
			n, ok := f.Int(k)
			if !ok {
				return fmt.Errorf("field %s: expected int", k)
			}
			s.Order = n
		default:
			return fmt.Errorf("unknown section field %s", k)
		}
	}
	return nil
}
