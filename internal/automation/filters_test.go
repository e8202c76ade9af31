package automation_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boardflow/internal/automation"
	"boardflow/internal/domain"
)

func TestNegatedFiltersComplementPositive(t *testing.T) {
	done := card("a", "done", 0)
	done.Completed = true
	done.CompletedAt = ptr(t0.Add(-time.Hour))
	withDue := card("b", "todo", 0)
	withDue.DueDate = ptr(t0)
	tasks := []domain.Task{done, withDue, card("c", "", 0)}

	pairs := [][2]domain.CardFilter{
		{{Type: domain.FilterHasDueDate}, {Type: domain.FilterNoDueDate}},
		{{Type: domain.FilterIsComplete}, {Type: domain.FilterIsIncomplete}},
		{{Type: domain.FilterInSection, SectionID: "todo"}, {Type: domain.FilterNotInSection, SectionID: "todo"}},
	}
	for _, pair := range pairs {
		pos, err := automation.PredicateFor(pair[0])
		require.NoError(t, err)
		neg, err := automation.PredicateFor(pair[1])
		require.NoError(t, err)
		for _, task := range tasks {
			assert.NotEqual(t, pos(task, t0), neg(task, t0), "%s on %s", pair[0].Type, task.ID)
		}
	}
}

func TestDayFiltersUseCalendarDays(t *testing.T) {
	late := card("late", "todo", 0)
	late.DueDate = ptr(time.Date(2025, 3, 11, 23, 0, 0, 0, time.UTC))
	earlier := card("earlier", "todo", 1)
	earlier.DueDate = ptr(time.Date(2025, 3, 12, 8, 0, 0, 0, time.UTC))
	tomorrow := card("tomorrow", "todo", 2)
	tomorrow.DueDate = ptr(time.Date(2025, 3, 13, 0, 0, 0, 0, time.UTC))

	overdue := []domain.CardFilter{{Type: domain.FilterOverdue}}
	assert.True(t, automation.MatchesAll(overdue, late, t0))
	assert.False(t, automation.MatchesAll(overdue, earlier, t0), "due earlier today is not overdue")
	assert.True(t, automation.MatchesAll([]domain.CardFilter{{Type: domain.FilterDueToday}}, earlier, t0))
	assert.True(t, automation.MatchesAll([]domain.CardFilter{{Type: domain.FilterDueTomorrow}}, tomorrow, t0))

	late.Completed = true
	assert.False(t, automation.MatchesAll(overdue, late, t0), "complete cards are never overdue")
}

func TestDurationFiltersAreExact(t *testing.T) {
	task := card("a", "todo", 0)
	task.CreatedAt = t0.Add(-72 * time.Hour)
	f := domain.CardFilter{Type: domain.FilterCreatedMoreThan, Value: 3, Unit: domain.UnitDays}

	assert.True(t, automation.MatchesAll([]domain.CardFilter{f}, task, t0))
	assert.False(t, automation.MatchesAll([]domain.CardFilter{f}, task, t0.Add(-time.Minute)))

	stuck := domain.CardFilter{Type: domain.FilterInSectionForMoreThan, SectionID: "todo", Value: 2, Unit: domain.UnitDays}
	assert.True(t, automation.MatchesAll([]domain.CardFilter{stuck}, task, t0))
	task.SectionID = "doing"
	assert.False(t, automation.MatchesAll([]domain.CardFilter{stuck}, task, t0))

	overdueBy := domain.CardFilter{Type: domain.FilterOverdueByMoreThan, Value: 90, Unit: domain.UnitMinutes}
	task.DueDate = ptr(t0.Add(-2 * time.Hour))
	assert.True(t, automation.MatchesAll([]domain.CardFilter{overdueBy}, task, t0))
	task.DueDate = ptr(t0.Add(-time.Hour))
	assert.False(t, automation.MatchesAll([]domain.CardFilter{overdueBy}, task, t0))
}

func TestMatchesAllEdgeCases(t *testing.T) {
	task := card("a", "todo", 0)
	assert.True(t, automation.MatchesAll(nil, task, t0), "no filters match every card")
	assert.False(t, automation.MatchesAll([]domain.CardFilter{{Type: "mystery"}}, task, t0))

	_, err := automation.PredicateFor(domain.CardFilter{Type: "mystery"})
	assert.Error(t, err)
}

func TestDescribeFilter(t *testing.T) {
	names := automation.NamerFor(sections())
	cases := map[string]domain.CardFilter{
		"is overdue":                               {Type: domain.FilterOverdue},
		`is not in "Done"`:                         {Type: domain.FilterNotInSection, SectionID: "done"},
		"was created more than 1 week ago":         {Type: domain.FilterCreatedMoreThan, Value: 1, Unit: domain.UnitWeeks},
		`has been in "Doing" for more than 3 days`: {Type: domain.FilterInSectionForMoreThan, SectionID: "doing", Value: 3, Unit: domain.UnitDays},
		`is in "(deleted section)"`:                {Type: domain.FilterInSection, SectionID: "gone"},
	}
	for want, f := range cases {
		assert.Equal(t, want, automation.DescribeFilter(f, names))
	}
}
