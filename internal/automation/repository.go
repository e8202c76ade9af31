package automation

import (
	"context"
	"errors"
	"time"

	"boardflow/internal/domain"
)

var (
	ErrRuleNotFound  = errors.New("rule not found")
	ErrNothingToUndo = errors.New("nothing to undo")
	ErrRuleInactive  = errors.New("rule is disabled or broken")
)

type TaskRepository interface {
	FindByID(ctx context.Context, id string) (domain.Task, error)
	FindByProjectID(ctx context.Context, projectID string) ([]domain.Task, error)
	FindByParentTaskID(ctx context.Context, parentID string) ([]domain.Task, error)
	Create(ctx context.Context, t domain.Task) (domain.Task, error)
	Update(ctx context.Context, id string, patch domain.Fields) (domain.Task, error)
	Delete(ctx context.Context, id string) error
	FindAll(ctx context.Context) ([]domain.Task, error)
}

type SectionRepository interface {
	FindByID(ctx context.Context, id string) (domain.Section, error)
	FindByProjectID(ctx context.Context, projectID string) ([]domain.Section, error)
	Delete(ctx context.Context, id string) error
}

type RuleRepository interface {
	FindByProjectID(ctx context.Context, projectID string) ([]domain.AutomationRule, error)
	FindByID(ctx context.Context, id string) (domain.AutomationRule, error)
	Create(ctx context.Context, rule domain.AutomationRule) (domain.AutomationRule, error)
	Update(ctx context.Context, rule domain.AutomationRule) (domain.AutomationRule, error)
	Delete(ctx context.Context, id string) error
	FindAll(ctx context.Context) ([]domain.AutomationRule, error)
	DeleteByProjectID(ctx context.Context, projectID string) (int, error)
	Subscribe(fn func([]domain.AutomationRule)) func()
}

type Clock interface {
	Now() time.Time
}

type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads the wall clock.
var SystemClock Clock = ClockFunc(time.Now)

// SectionNamer resolves a section id to its display name.
type SectionNamer func(id string) string

// NamerFor builds a SectionNamer over a fixed section list.
func NamerFor(sections []domain.Section) SectionNamer {
	names := make(map[string]string, len(sections))
	for _, s := range sections {
		names[s.ID] = s.Name
	}
	return func(id string) string {
		if n, ok := names[id]; ok {
			return n
		}
		return "(deleted section)"
	}
}
