package automation_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boardflow/internal/automation"
	"boardflow/internal/domain"
	"boardflow/internal/repo"
)

func handlerEnv(tasks ...domain.Task) (automation.HandlerContext, *repo.MemoryTasks) {
	clock := newClock(t0)
	mem := repo.NewMemoryTasks(clock.Now, tasks...)
	return automation.HandlerContext{
		Tasks:       mem,
		Sections:    repo.NewMemorySections(sections()...),
		Clock:       clock,
		DedupWindow: 5 * time.Minute,
	}, mem
}

func run(t *testing.T, hc automation.HandlerContext, action domain.RuleAction, trigger domain.DomainEvent) []domain.DomainEvent {
	t.Helper()
	h := automation.DefaultHandlers()[action.ActionType]
	evts, err := h.Execute(context.Background(), hc, action, trigger)
	require.NoError(t, err)
	return evts
}

func TestMoveHandler(t *testing.T) {
	hc, mem := handlerEnv(card("a", "todo", 0), card("b", "doing", 3), card("c", "doing", 7))
	ctx := context.Background()
	action := domain.RuleAction{
		RuleID:         "r1",
		ActionType:     domain.ActionMoveToTop,
		TargetEntityID: "a",
		Params:         domain.Action{Type: domain.ActionMoveToTop, SectionID: "doing"},
	}
	trigger := domain.DomainEvent{Type: domain.EventTaskUpdated, Depth: 1}

	evts := run(t, hc, action, trigger)
	require.Len(t, evts, 1)
	assert.Equal(t, "r1", evts[0].TriggeredByRule)
	assert.Equal(t, 2, evts[0].Depth)
	prev, _ := evts[0].PreviousValues.String(domain.FieldSectionID)
	assert.Equal(t, "todo", prev)

	moved, err := mem.FindByID(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "doing", moved.SectionID)
	assert.Equal(t, 2, moved.Order)
	require.NotNil(t, moved.SectionEnteredAt)
	assert.Equal(t, t0, *moved.SectionEnteredAt)

	assert.Empty(t, run(t, hc, action, trigger), "already on top")

	action.ActionType = domain.ActionMoveToBottom
	action.Params.Type = domain.ActionMoveToBottom
	run(t, hc, action, trigger)
	moved, _ = mem.FindByID(ctx, "a")
	assert.Equal(t, 8, moved.Order)
}

func TestMoveHandlerMissingSection(t *testing.T) {
	hc, _ := handlerEnv(card("a", "todo", 0))
	h := automation.DefaultHandlers()[domain.ActionMoveToTop]
	_, err := h.Execute(context.Background(), hc, domain.RuleAction{
		RuleID:         "r1",
		ActionType:     domain.ActionMoveToTop,
		TargetEntityID: "a",
		Params:         domain.Action{Type: domain.ActionMoveToTop, SectionID: "gone"},
	}, domain.DomainEvent{})
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestCompletionHandlerCascadesToSubtasksSilently(t *testing.T) {
	parent := card("p", "doing", 0)
	sub1 := card("s1", "", 0)
	sub1.ParentTaskID = "p"
	sub2 := card("s2", "", 1)
	sub2.ParentTaskID = "p"
	sub2.Completed = true
	sub2.CompletedAt = ptr(t0.Add(-time.Hour))
	hc, mem := handlerEnv(parent, sub1, sub2)
	ctx := context.Background()

	action := domain.RuleAction{RuleID: "r1", ActionType: domain.ActionMarkComplete, TargetEntityID: "p", Params: domain.Action{Type: domain.ActionMarkComplete}}
	evts := run(t, hc, action, domain.DomainEvent{})
	require.Len(t, evts, 1, "subtasks emit no events")

	for _, id := range []string{"p", "s1", "s2"} {
		got, err := mem.FindByID(ctx, id)
		require.NoError(t, err)
		assert.True(t, got.Completed, id)
	}

	snap := automation.DefaultHandlers()[domain.ActionMarkComplete].BuildUndo(action, evts[0])
	require.Len(t, snap.SubtaskSnapshots, 1)
	assert.Equal(t, "s1", snap.SubtaskSnapshots[0].TaskID)

	undone, err := automation.Reverse(ctx, mem, snap)
	require.NoError(t, err)
	require.Len(t, undone, 2, "parent and the subtask it completed")
	p, _ := mem.FindByID(ctx, "p")
	s1, _ := mem.FindByID(ctx, "s1")
	s2, _ := mem.FindByID(ctx, "s2")
	assert.False(t, p.Completed)
	assert.Nil(t, p.CompletedAt)
	assert.False(t, s1.Completed)
	assert.True(t, s2.Completed, "untouched subtask stays complete")

	assert.Empty(t, run(t, hc, domain.RuleAction{RuleID: "r1", ActionType: domain.ActionMarkIncomplete, TargetEntityID: "p"}, domain.DomainEvent{}),
		"already incomplete")
}

func TestDueDateHandlers(t *testing.T) {
	hc, mem := handlerEnv(card("a", "todo", 0))
	ctx := context.Background()
	set := domain.RuleAction{
		RuleID:         "r1",
		ActionType:     domain.ActionSetDueDate,
		TargetEntityID: "a",
		Params:         domain.Action{Type: domain.ActionSetDueDate, DateOption: domain.DateTomorrow},
	}
	require.Len(t, run(t, hc, set, domain.DomainEvent{}), 1)
	got, _ := mem.FindByID(ctx, "a")
	require.NotNil(t, got.DueDate)
	assert.Equal(t, time.Date(2025, 3, 13, 0, 0, 0, 0, time.UTC), *got.DueDate)

	assert.Empty(t, run(t, hc, set, domain.DomainEvent{}), "same date is a no-op")

	remove := domain.RuleAction{RuleID: "r1", ActionType: domain.ActionRemoveDueDate, TargetEntityID: "a"}
	evts := run(t, hc, remove, domain.DomainEvent{})
	require.Len(t, evts, 1)
	got, _ = mem.FindByID(ctx, "a")
	assert.Nil(t, got.DueDate)
	assert.Empty(t, run(t, hc, remove, domain.DomainEvent{}))

	snap := automation.DefaultHandlers()[domain.ActionRemoveDueDate].BuildUndo(remove, evts[0])
	undone, err := automation.Reverse(ctx, mem, snap)
	require.NoError(t, err)
	require.Len(t, undone, 1)
	assert.Equal(t, domain.EventTaskUpdated, undone[0].Type)
	assert.True(t, undone[0].Changes.Has(domain.FieldDueDate))
	got, _ = mem.FindByID(ctx, "a")
	require.NotNil(t, got.DueDate)
	assert.Equal(t, time.Date(2025, 3, 13, 0, 0, 0, 0, time.UTC), *got.DueDate)
}

func TestCreateCardHandler(t *testing.T) {
	hc, mem := handlerEnv(card("a", "todo", 4))
	ctx := context.Background()
	action := domain.RuleAction{
		RuleID:         "standup",
		ActionType:     domain.ActionCreateCard,
		TargetEntityID: "todo",
		Params: domain.Action{
			Type:           domain.ActionCreateCard,
			SectionID:      "todo",
			CardTitle:      "Standup {{date}} ({{weekday}})",
			CardDateOption: domain.DateToday,
		},
	}
	fired := domain.DomainEvent{Type: domain.EventScheduleFired, Schedule: &domain.ScheduleFire{RuleID: "standup"}}

	evts := run(t, hc, action, fired)
	require.Len(t, evts, 1)
	assert.Equal(t, domain.EventTaskCreated, evts[0].Type)
	created, err := mem.FindByID(ctx, evts[0].EntityID)
	require.NoError(t, err)
	assert.Equal(t, "Standup Mar 12, 2025 (Wednesday)", created.Title)
	assert.Equal(t, 5, created.Order)
	assert.Equal(t, "standup", created.CreatedByRule)
	require.NotNil(t, created.DueDate)
	assert.Equal(t, time.Date(2025, 3, 12, 0, 0, 0, 0, time.UTC), *created.DueDate)

	assert.Empty(t, run(t, hc, action, fired), "second fire within the dedup window")

	snap := automation.DefaultHandlers()[domain.ActionCreateCard].BuildUndo(action, evts[0])
	assert.Equal(t, created.ID, snap.CreatedEntityID)
	undone, err := automation.Reverse(ctx, mem, snap)
	require.NoError(t, err)
	require.Len(t, undone, 1)
	assert.Equal(t, domain.EventTaskDeleted, undone[0].Type)
	assert.Equal(t, created.ID, undone[0].EntityID)
	_, err = mem.FindByID(ctx, created.ID)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestHandlerDescriptions(t *testing.T) {
	names := automation.NamerFor(sections())
	reg := automation.DefaultHandlers()
	cases := []struct {
		action domain.Action
		want   string
	}{
		{domain.Action{Type: domain.ActionMoveToTop, SectionID: "done"}, `Move to top of "Done"`},
		{domain.Action{Type: domain.ActionMoveToBottom, SectionID: "gone"}, `Move to bottom of "(deleted section)"`},
		{domain.Action{Type: domain.ActionMarkComplete}, "Mark complete"},
		{domain.Action{Type: domain.ActionMarkIncomplete}, "Mark incomplete"},
		{domain.Action{Type: domain.ActionSetDueDate, DateOption: domain.DateNextWorkingDay}, "Set due date to the next working day"},
		{domain.Action{Type: domain.ActionSetDueDate, DateOption: domain.DateDayOfMonth, SpecificDay: 1, MonthTarget: domain.MonthNext}, "Set due date to the 1st of next month"},
		{domain.Action{Type: domain.ActionRemoveDueDate}, "Remove due date"},
		{domain.Action{Type: domain.ActionCreateCard, SectionID: "todo", CardTitle: "Review"}, `Create card "Review" in "To Do"`},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, reg.Describe(tc.action, names))
	}
}

func TestResolveDate(t *testing.T) {
	friday := time.Date(2025, 3, 14, 16, 30, 0, 0, time.UTC)
	day := func(y int, m time.Month, d int) time.Time { return time.Date(y, m, d, 0, 0, 0, 0, time.UTC) }
	cases := []struct {
		name   string
		action domain.Action
		option domain.DateOption
		now    time.Time
		want   time.Time
	}{
		{"today", domain.Action{}, domain.DateToday, friday, day(2025, 3, 14)},
		{"next working day skips weekend", domain.Action{}, domain.DateNextWorkingDay, friday, day(2025, 3, 17)},
		{"next week is monday", domain.Action{}, domain.DateNextWeek, friday, day(2025, 3, 17)},
		{"in one week", domain.Action{}, domain.DateInOneWeek, friday, day(2025, 3, 21)},
		{"next month clamps", domain.Action{}, domain.DateNextMonth, time.Date(2025, 1, 31, 9, 0, 0, 0, time.UTC), day(2025, 2, 28)},
		{"specific date this year", domain.Action{SpecificMonth: 6, SpecificDay: 1}, domain.DateSpecific, friday, day(2025, 6, 1)},
		{"specific date rolls over", domain.Action{SpecificMonth: 1, SpecificDay: 15}, domain.DateSpecific, friday, day(2026, 1, 15)},
		{"day of next month", domain.Action{SpecificDay: 31, MonthTarget: domain.MonthNext}, domain.DateDayOfMonth, friday, day(2025, 4, 30)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := automation.ResolveDate(tc.action, tc.option, tc.now)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	_, err := automation.ResolveDate(domain.Action{}, "someday", friday)
	assert.Error(t, err)
}
