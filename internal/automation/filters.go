package automation

import (
	"fmt"
	"time"

	"boardflow/internal/domain"
)

// Predicate reports whether a task satisfies a filter at a given instant.
type Predicate func(task domain.Task, now time.Time) bool

// Not negates a predicate.
func Not(p Predicate) Predicate {
	return func(task domain.Task, now time.Time) bool { return !p(task, now) }
}

type predicateBuilder func(f domain.CardFilter) Predicate

// Negative filter types are derived from their positive counterpart only.
var negations = map[domain.FilterType]domain.FilterType{
	domain.FilterNoDueDate:    domain.FilterHasDueDate,
	domain.FilterIsIncomplete: domain.FilterIsComplete,
	domain.FilterNotInSection: domain.FilterInSection,
}

var predicates = map[domain.FilterType]predicateBuilder{
	domain.FilterHasDueDate: func(domain.CardFilter) Predicate {
		return func(t domain.Task, _ time.Time) bool { return t.DueDate != nil }
	},
	domain.FilterOverdue: func(domain.CardFilter) Predicate {
		return func(t domain.Task, now time.Time) bool {
			return t.DueDate != nil && !t.Completed && startOfDay(*t.DueDate, now.Location()).Before(startOfDay(now, now.Location()))
		}
	},
	domain.FilterDueToday: func(domain.CardFilter) Predicate {
		return func(t domain.Task, now time.Time) bool {
			return t.DueDate != nil && sameDay(*t.DueDate, now)
		}
	},
	domain.FilterDueTomorrow: func(domain.CardFilter) Predicate {
		return func(t domain.Task, now time.Time) bool {
			return t.DueDate != nil && sameDay(*t.DueDate, startOfDay(now, now.Location()).AddDate(0, 0, 1))
		}
	},
	domain.FilterIsComplete: func(domain.CardFilter) Predicate {
		return func(t domain.Task, _ time.Time) bool { return t.Completed }
	},
	domain.FilterInSection: func(f domain.CardFilter) Predicate {
		return func(t domain.Task, _ time.Time) bool { return t.SectionID == f.SectionID }
	},
	domain.FilterCreatedMoreThan: func(f domain.CardFilter) Predicate {
		return func(t domain.Task, now time.Time) bool { return elapsedAtLeast(&t.CreatedAt, now, f) }
	},
	domain.FilterCompletedMoreThan: func(f domain.CardFilter) Predicate {
		return func(t domain.Task, now time.Time) bool { return t.Completed && elapsedAtLeast(t.CompletedAt, now, f) }
	},
	domain.FilterNotModifiedIn: func(f domain.CardFilter) Predicate {
		return func(t domain.Task, now time.Time) bool { return elapsedAtLeast(&t.UpdatedAt, now, f) }
	},
	domain.FilterOverdueByMoreThan: func(f domain.CardFilter) Predicate {
		return func(t domain.Task, now time.Time) bool { return !t.Completed && elapsedAtLeast(t.DueDate, now, f) }
	},
	domain.FilterInSectionForMoreThan: func(f domain.CardFilter) Predicate {
		return func(t domain.Task, now time.Time) bool {
			if f.SectionID != "" && t.SectionID != f.SectionID {
				return false
			}
			return t.SectionID != "" && elapsedAtLeast(t.SectionEnteredAt, now, f)
		}
	},
}

func init() {
	for neg, pos := range negations {
		build := predicates[pos]
		predicates[neg] = func(f domain.CardFilter) Predicate { return Not(build(f)) }
	}
}

// FilterDuration is the span a "more than N units" filter measures.
func FilterDuration(f domain.CardFilter) time.Duration {
	return time.Duration(f.Value) * f.Unit.Duration()
}

func elapsedAtLeast(ts *time.Time, now time.Time, f domain.CardFilter) bool {
	if ts == nil {
		return false
	}
	return now.Sub(*ts) >= FilterDuration(f)
}

// PredicateFor builds the predicate for a filter.
func PredicateFor(f domain.CardFilter) (Predicate, error) {
	build, ok := predicates[f.Type]
	if !ok {
		return nil, fmt.Errorf("unknown filter type %q", f.Type)
	}
	return build(f), nil
}

// KnownFilter reports whether the filter type has a predicate.
func KnownFilter(t domain.FilterType) bool {
	_, ok := predicates[t]
	return ok
}

// MatchesAll AND-combines filters. An empty list matches every task; an
// unknown filter type matches none.
func MatchesAll(filters []domain.CardFilter, task domain.Task, now time.Time) bool {
	for _, f := range filters {
		p, err := PredicateFor(f)
		if err != nil || !p(task, now) {
			return false
		}
	}
	return true
}

// DescribeFilter renders a filter for execution logs and listings.
func DescribeFilter(f domain.CardFilter, names SectionNamer) string {
	span := func() string { return pluralize(f.Value, unitSingular(f.Unit)) }
	switch f.Type {
	case domain.FilterHasDueDate:
		return "has a due date"
	case domain.FilterNoDueDate:
		return "has no due date"
	case domain.FilterOverdue:
		return "is overdue"
	case domain.FilterDueToday:
		return "is due today"
	case domain.FilterDueTomorrow:
		return "is due tomorrow"
	case domain.FilterIsComplete:
		return "is complete"
	case domain.FilterIsIncomplete:
		return "is incomplete"
	case domain.FilterInSection:
		return fmt.Sprintf("is in %q", names(f.SectionID))
	case domain.FilterNotInSection:
		return fmt.Sprintf("is not in %q", names(f.SectionID))
	case domain.FilterCreatedMoreThan:
		return "was created more than " + span() + " ago"
	case domain.FilterCompletedMoreThan:
		return "was completed more than " + span() + " ago"
	case domain.FilterNotModifiedIn:
		return "has not been modified in " + span()
	case domain.FilterOverdueByMoreThan:
		return "is overdue by more than " + span()
	case domain.FilterInSectionForMoreThan:
		if f.SectionID != "" {
			return fmt.Sprintf("has been in %q for more than %s", names(f.SectionID), span())
		}
		return "has been in its section for more than " + span()
	}
	return string(f.Type)
}

func unitSingular(u domain.TimeUnit) string {
	switch u {
	case domain.UnitMinutes:
		return "minute"
	case domain.UnitHours:
		return "hour"
	case domain.UnitDays:
		return "day"
	case domain.UnitWeeks:
		return "week"
	}
	return string(u)
}

func pluralize(n int, singular string) string {
	if n == 1 || n == -1 {
		return fmt.Sprintf("%d %s", n, singular)
	}
	return fmt.Sprintf("%d %ss", n, singular)
}
