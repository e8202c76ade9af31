package automation_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boardflow/internal/automation"
	"boardflow/internal/domain"
	"boardflow/internal/repo"
)

func TestCascadeStopsOnOscillation(t *testing.T) {
	toDone := eventRule("A", movedInto("doing"), domain.Action{Type: domain.ActionMoveToBottom, SectionID: "done"})
	toDoing := eventRule("B", movedInto("done"), domain.Action{Type: domain.ActionMoveToTop, SectionID: "doing"})
	b := newBoard(t, []domain.Task{card("a", "todo", 0)}, toDone, toDoing)

	results := b.move(t, "a", "doing")
	require.Len(t, results, 2)
	assert.Equal(t, "A", results[0].RuleID)
	assert.Equal(t, "B", results[1].RuleID)
	assert.Equal(t, "doing", b.task(t, "a").SectionID)

	published := b.pub.all()
	require.Len(t, published, 2)
	assert.Equal(t, 1, published[0].Depth)
	assert.Equal(t, 2, published[1].Depth)
	assert.Equal(t, "B", published[1].TriggeredByRule)

	// A fresh user event starts a new idempotency scope.
	results = b.move(t, "a", "todo")
	assert.Empty(t, results)
	results = b.move(t, "a", "doing")
	assert.Len(t, results, 2)
}

func TestCascadeDepthLimit(t *testing.T) {
	spawn := eventRule("spawn",
		domain.Trigger{Type: domain.TriggerCardCreatedInSection, SectionID: "todo"},
		domain.Action{Type: domain.ActionCreateCard, SectionID: "todo", CardTitle: "Follow-up"})
	b := newBoard(t, []domain.Task{card("seed", "todo", 0)}, spawn)

	results := b.svc.HandleEvent(b.ctx, domain.DomainEvent{
		Type:      domain.EventTaskCreated,
		EntityID:  "seed",
		ProjectID: project,
		Changes:   domain.Fields{domain.FieldSectionID: "todo"},
	})
	assert.Len(t, results, automation.DefaultMaxDepth)

	all, err := b.tasks.FindByProjectID(b.ctx, project)
	require.NoError(t, err)
	assert.Len(t, all, 1+automation.DefaultMaxDepth)
	for _, evt := range b.pub.all() {
		assert.LessOrEqual(t, evt.Depth, automation.DefaultMaxDepth)
	}
}

func TestEventExecutionUpdatesRuleMetadata(t *testing.T) {
	rule := eventRule("done", movedInto("done"), domain.Action{Type: domain.ActionMarkComplete})
	b := newBoard(t, []domain.Task{card("a", "doing", 0)}, rule)

	results := b.move(t, "a", "done")
	require.Len(t, results, 1)
	assert.Equal(t, "Mark complete", results[0].Description)
	assert.Equal(t, "Card a", results[0].TaskName)
	assert.NotEmpty(t, results[0].UndoID)

	got := b.rule(t, "done")
	assert.Equal(t, 1, got.ExecutionCount)
	require.NotNil(t, got.LastExecutedAt)
	require.Len(t, got.RecentExecutions, 1)
	entry := got.RecentExecutions[0]
	assert.Equal(t, `When a card is moved into "Done"`, entry.TriggerDescription)
	assert.Equal(t, "Mark complete", entry.ActionDescription)
	assert.Equal(t, "Card a", entry.TaskName)
	assert.Equal(t, domain.ExecutionEvent, entry.ExecutionType)
	assert.True(t, b.task(t, "a").Completed)
}

func TestRunMetadataKeepsEditsMadeDuringExecution(t *testing.T) {
	rule := eventRule("done", movedInto("done"), domain.Action{Type: domain.ActionMarkComplete})
	b := newBoard(t, []domain.Task{card("a", "done", 0)}, rule)
	reg := automation.DefaultHandlers()
	complete := reg[domain.ActionMarkComplete]
	wrapped := complete
	wrapped.Execute = func(ctx context.Context, hc automation.HandlerContext, action domain.RuleAction, trigger domain.DomainEvent) ([]domain.DomainEvent, error) {
		_, err := b.svc.SetEnabled(ctx, "done", false)
		require.NoError(t, err)
		return complete.Execute(ctx, hc, action, trigger)
	}
	reg[domain.ActionMarkComplete] = wrapped
	x := &automation.Executor{Rules: b.rules, Tasks: b.tasks, Sections: b.sections, Handlers: reg, Clock: b.clock}

	actions := []domain.RuleAction{{RuleID: "done", ActionType: domain.ActionMarkComplete, TargetEntityID: "a", Params: rule.Action}}
	_, results := x.ExecuteActions(b.ctx, actions, movedEvent("a", "doing", "done", 0))
	require.Len(t, results, 1)

	got := b.rule(t, "done")
	assert.False(t, got.Enabled, "disable made during the batch survives")
	assert.Equal(t, 1, got.ExecutionCount)
	require.NotNil(t, got.LastExecutedAt)
	assert.Len(t, got.RecentExecutions, 1)
}

func TestRecentExecutionsAreBounded(t *testing.T) {
	rule := eventRule("flip", domain.Trigger{Type: domain.TriggerCardMarkedComplete}, domain.Action{Type: domain.ActionRemoveDueDate})
	b := newBoard(t, []domain.Task{card("a", "todo", 0)}, rule)

	for i := 0; i < domain.MaxRecentExecutions+5; i++ {
		due := t0.Add(time.Duration(i) * time.Hour)
		_, err := b.tasks.Update(b.ctx, "a", domain.Fields{domain.FieldDueDate: &due, domain.FieldCompleted: false})
		require.NoError(t, err)
		b.update(t, "a", domain.Fields{domain.FieldCompleted: true})
	}
	got := b.rule(t, "flip")
	assert.Equal(t, domain.MaxRecentExecutions+5, got.ExecutionCount)
	assert.Len(t, got.RecentExecutions, domain.MaxRecentExecutions)
}

func TestTickAggregatesScheduledRuns(t *testing.T) {
	var tasks []domain.Task
	for _, id := range []string{"a", "b", "c"} {
		task := card(id, "todo", len(tasks))
		task.DueDate = ptr(t0.AddDate(0, 0, -1))
		tasks = append(tasks, task)
	}
	tasks = append(tasks, card("fresh", "todo", 3))
	sweep := eventRule("sweep", intervalTrigger(60, nil), domain.Action{Type: domain.ActionMarkComplete},
		domain.CardFilter{Type: domain.FilterOverdue})
	b := newBoard(t, tasks, sweep)

	report, err := b.svc.Tick(b.ctx)
	require.NoError(t, err)
	assert.Equal(t, automation.TickReport{Evaluated: 1, Fired: 1, Executed: 3}, report)

	got := b.rule(t, "sweep")
	assert.Equal(t, 3, got.ExecutionCount)
	require.Len(t, got.RecentExecutions, 1, "one aggregated entry per fire")
	entry := got.RecentExecutions[0]
	assert.Equal(t, 3, entry.MatchCount)
	assert.Equal(t, []string{"Card a", "Card b", "Card c"}, entry.Details)
	assert.Equal(t, domain.ExecutionScheduled, entry.ExecutionType)
	assert.Equal(t, "Every 1 hour", entry.TriggerDescription)
	require.NotNil(t, got.Trigger.LastEvaluatedAt)
	assert.Equal(t, t0, *got.Trigger.LastEvaluatedAt)
	assert.False(t, b.task(t, "fresh").Completed)

	report, err = b.svc.Tick(b.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Fired, "interval not yet elapsed")

	b.clock.Advance(3 * time.Hour)
	report, err = b.svc.Tick(b.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Fired)
	assert.Equal(t, 0, report.Executed, "nothing left to complete")
	got = b.rule(t, "sweep")
	assert.Len(t, got.RecentExecutions, 1, "no entry without an executed action")
}

func TestTickDisablesOneTimeRule(t *testing.T) {
	fireAt := t0.Add(time.Minute)
	rule := eventRule("once", domain.Trigger{
		Type:     domain.TriggerScheduledOneTime,
		Schedule: &domain.ScheduleConfig{Kind: domain.ScheduleOneTime, FireAt: &fireAt},
	}, domain.Action{Type: domain.ActionCreateCard, SectionID: "todo", CardTitle: "Quarterly review"})
	b := newBoard(t, nil, rule)

	report, err := b.svc.Tick(b.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Fired)

	b.clock.Advance(90 * time.Second)
	report, err = b.svc.Tick(b.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Executed)
	assert.False(t, b.rule(t, "once").Enabled)

	all, _ := b.tasks.FindByProjectID(b.ctx, project)
	require.Len(t, all, 1)
	assert.Equal(t, "Quarterly review", all[0].Title)
}

func TestTickDueDateRuleFiresOncePerTask(t *testing.T) {
	task := card("a", "todo", 0)
	task.DueDate = ptr(t0.Add(time.Hour))
	rule := eventRule("remind", domain.Trigger{
		Type:     domain.TriggerScheduledDueDateRelative,
		Schedule: &domain.ScheduleConfig{Kind: domain.ScheduleDueDateRelative, OffsetMinutes: -120, DisplayUnit: domain.UnitHours},
	}, domain.Action{Type: domain.ActionMoveToTop, SectionID: "doing"})
	b := newBoard(t, []domain.Task{task}, rule)

	report, err := b.svc.Tick(b.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Executed)
	assert.Equal(t, "doing", b.task(t, "a").SectionID)

	_, err = b.tasks.Update(b.ctx, "a", domain.Fields{domain.FieldSectionID: "todo"})
	require.NoError(t, err)
	b.clock.Advance(time.Minute)
	report, err = b.svc.Tick(b.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Fired)
	assert.Equal(t, "todo", b.task(t, "a").SectionID)
}

func TestDryRunAgreesWithTickForDueDateRule(t *testing.T) {
	task := card("a", "todo", 0)
	task.DueDate = ptr(t0.Add(time.Hour))
	rule := eventRule("remind", domain.Trigger{
		Type:     domain.TriggerScheduledDueDateRelative,
		Schedule: &domain.ScheduleConfig{Kind: domain.ScheduleDueDateRelative, OffsetMinutes: -120, DisplayUnit: domain.UnitHours},
	}, domain.Action{Type: domain.ActionMoveToTop, SectionID: "doing"})
	b := newBoard(t, []domain.Task{task}, rule)

	report, err := b.svc.Tick(b.ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Executed)
	_, err = b.tasks.Update(b.ctx, "a", domain.Fields{domain.FieldSectionID: "todo"})
	require.NoError(t, err)
	fresh := card("b", "todo", 1)
	fresh.DueDate = ptr(t0.Add(90 * time.Minute))
	_, err = b.tasks.Create(b.ctx, fresh)
	require.NoError(t, err)
	b.clock.Advance(time.Minute)

	tasks, err := b.tasks.FindByProjectID(b.ctx, project)
	require.NoError(t, err)
	stored := b.rule(t, "remind")
	res, err := b.svc.DryRun(b.ctx, stored, tasks, sections())
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, res.MatchedTaskIDs, "a already fired for its due date")
	assert.Equal(t, stored.Trigger.FiredFor, b.rule(t, "remind").Trigger.FiredFor, "dry run does not record fires")

	report, err = b.svc.Tick(b.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Executed)
	assert.Equal(t, "todo", b.task(t, "a").SectionID)
	assert.Equal(t, "doing", b.task(t, "b").SectionID)
}

func TestDueDateRuleFiresOnceFiltersMatch(t *testing.T) {
	task := card("a", "doing", 0)
	task.DueDate = ptr(t0.Add(time.Hour))
	rule := eventRule("remind", domain.Trigger{
		Type:     domain.TriggerScheduledDueDateRelative,
		Schedule: &domain.ScheduleConfig{Kind: domain.ScheduleDueDateRelative, OffsetMinutes: -120, DisplayUnit: domain.UnitHours},
	}, domain.Action{Type: domain.ActionMoveToTop, SectionID: "done"},
		domain.CardFilter{Type: domain.FilterInSection, SectionID: "todo"})
	b := newBoard(t, []domain.Task{task}, rule)

	report, err := b.svc.Tick(b.ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Fired)
	assert.NotContains(t, b.rule(t, "remind").Trigger.FiredFor, "a", "filtered out tasks are not marked fired")

	_, err = b.tasks.Update(b.ctx, "a", domain.Fields{domain.FieldSectionID: "todo"})
	require.NoError(t, err)
	b.clock.Advance(time.Minute)
	report, err = b.svc.Tick(b.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Executed)
	assert.Equal(t, "done", b.task(t, "a").SectionID)
	assert.Contains(t, b.rule(t, "remind").Trigger.FiredFor, "a")
}

func TestRunNowIsManual(t *testing.T) {
	rule := eventRule("sweep", intervalTrigger(60, nil), domain.Action{Type: domain.ActionMarkComplete})
	b := newBoard(t, []domain.Task{card("a", "todo", 0)}, rule)

	results, err := b.svc.RunNow(b.ctx, "sweep")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, domain.ExecutionManual, results[0].ExecutionType)

	got := b.rule(t, "sweep")
	assert.Nil(t, got.Trigger.LastEvaluatedAt, "schedule state untouched")
	require.Len(t, got.RecentExecutions, 1)
	assert.Equal(t, domain.ExecutionManual, got.RecentExecutions[0].ExecutionType)

	_, err = b.svc.RunNow(b.ctx, "missing")
	assert.ErrorIs(t, err, automation.ErrRuleNotFound)
}

func TestExecutorIsolatesFailures(t *testing.T) {
	rules := []domain.AutomationRule{
		eventRule("bad", movedInto("done"), domain.Action{Type: domain.ActionMoveToTop, SectionID: "gone"}),
		eventRule("good", movedInto("done"), domain.Action{Type: domain.ActionMarkComplete}),
	}
	b := newBoard(t, []domain.Task{card("a", "doing", 0)}, rules...)

	results := b.move(t, "a", "done")
	require.Len(t, results, 1)
	assert.Equal(t, "good", results[0].RuleID)
	assert.True(t, b.task(t, "a").Completed)
	assert.Equal(t, 0, b.rule(t, "bad").ExecutionCount)
}

func TestExecutorRecoversHandlerPanic(t *testing.T) {
	reg := automation.DefaultHandlers()
	reg[domain.ActionMarkComplete] = automation.Handler{
		Execute: func(context.Context, automation.HandlerContext, domain.RuleAction, domain.DomainEvent) ([]domain.DomainEvent, error) {
			panic("boom")
		},
	}
	b := newBoard(t, []domain.Task{card("a", "doing", 0)},
		eventRule("panics", movedInto("done"), domain.Action{Type: domain.ActionMarkComplete}),
		eventRule("moves", movedInto("done"), domain.Action{Type: domain.ActionMoveToTop, SectionID: "done"}))
	x := &automation.Executor{Rules: b.rules, Tasks: b.tasks, Sections: b.sections, Handlers: reg, Clock: b.clock}

	_, err := b.tasks.Update(b.ctx, "a", domain.Fields{domain.FieldSectionID: "done"})
	require.NoError(t, err)
	actions := []domain.RuleAction{
		{RuleID: "panics", ActionType: domain.ActionMarkComplete, TargetEntityID: "a"},
		{RuleID: "moves", ActionType: domain.ActionMoveToTop, TargetEntityID: "a", Params: domain.Action{Type: domain.ActionMoveToTop, SectionID: "done"}},
	}
	_, results := x.ExecuteActions(b.ctx, actions, movedEvent("a", "doing", "done", 0))
	assert.Empty(t, results, "the card is already alone at the top of Done")

	_, err = b.tasks.Create(b.ctx, card("z", "done", -5))
	require.NoError(t, err)
	_, results = x.ExecuteActions(b.ctx, actions, movedEvent("a", "doing", "done", 0))
	require.Len(t, results, 1)
	assert.Equal(t, "moves", results[0].RuleID)
}

func TestUndoRevertsLatestAction(t *testing.T) {
	rule := eventRule("done", movedInto("done"), domain.Action{Type: domain.ActionMarkComplete})
	b := newBoard(t, []domain.Task{card("a", "doing", 0)}, rule)
	b.move(t, "a", "done")
	require.True(t, b.task(t, "a").Completed)

	snap, undone, err := b.svc.PerformUndo(b.ctx)
	require.NoError(t, err)
	assert.Equal(t, "done", snap.RuleID)
	require.Len(t, undone, 1)
	assert.Equal(t, domain.EventTaskUpdated, undone[0].Type)
	assert.Equal(t, false, undone[0].Changes[domain.FieldCompleted])
	assert.Equal(t, true, undone[0].PreviousValues[domain.FieldCompleted])
	assert.False(t, b.task(t, "a").Completed)
	assert.Equal(t, "done", b.task(t, "a").SectionID, "the user's move is not undone")

	_, _, err = b.svc.PerformUndo(b.ctx)
	assert.ErrorIs(t, err, automation.ErrNothingToUndo)
}

func TestUndoRestoresSubtasks(t *testing.T) {
	parent := card("p", "doing", 0)
	pending := card("s1", "", 0)
	pending.ParentTaskID = "p"
	closed := card("s2", "", 1)
	closed.ParentTaskID = "p"
	closed.Completed = true
	closed.CompletedAt = ptr(t0.Add(-time.Hour))
	rule := eventRule("done", movedInto("done"), domain.Action{Type: domain.ActionMarkComplete})
	b := newBoard(t, []domain.Task{parent, pending, closed}, rule)

	require.Len(t, b.move(t, "p", "done"), 1)
	require.True(t, b.task(t, "s1").Completed)

	_, undone, err := b.svc.PerformUndo(b.ctx)
	require.NoError(t, err)
	assert.False(t, b.task(t, "p").Completed)
	assert.False(t, b.task(t, "s1").Completed)
	assert.Nil(t, b.task(t, "s1").CompletedAt)
	assert.True(t, b.task(t, "s2").Completed, "already complete before the rule ran")

	ids := make([]string, 0, len(undone))
	for _, evt := range undone {
		assert.Equal(t, domain.EventTaskUpdated, evt.Type)
		ids = append(ids, evt.EntityID)
	}
	assert.ElementsMatch(t, []string{"p", "s1"}, ids)
}

func TestUndoDeletesCreatedCard(t *testing.T) {
	rule := eventRule("standup", cronTrigger(9, 0, "", nil), domain.Action{Type: domain.ActionCreateCard, SectionID: "todo", CardTitle: "Standup"})
	b := newBoard(t, []domain.Task{card("a", "todo", 0)}, rule)

	results, err := b.svc.RunNow(b.ctx, "standup")
	require.NoError(t, err)
	require.Len(t, results, 1)
	created := results[0].TargetEntityID
	b.task(t, created)

	_, undone, err := b.svc.PerformUndoByID(b.ctx, results[0].UndoID)
	require.NoError(t, err)
	_, err = b.tasks.FindByID(b.ctx, created)
	assert.ErrorIs(t, err, repo.ErrNotFound)
	require.Len(t, undone, 1)
	assert.Equal(t, domain.EventTaskDeleted, undone[0].Type)
	assert.Equal(t, created, undone[0].EntityID)
	assert.Equal(t, project, undone[0].ProjectID)

	all, err := b.tasks.FindByProjectID(b.ctx, project)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestUndoRestoresMove(t *testing.T) {
	rule := eventRule("escalate", movedInto("doing"), domain.Action{Type: domain.ActionMoveToTop, SectionID: "done"})
	b := newBoard(t, []domain.Task{card("a", "todo", 3), card("z", "done", 0)}, rule)

	require.Len(t, b.move(t, "a", "doing"), 1)
	moved := b.task(t, "a")
	require.Equal(t, "done", moved.SectionID)
	require.Less(t, moved.Order, 0)

	_, undone, err := b.svc.PerformUndo(b.ctx)
	require.NoError(t, err)
	got := b.task(t, "a")
	assert.Equal(t, "doing", got.SectionID, "back where the user put it")
	assert.Equal(t, 3, got.Order)
	require.Len(t, undone, 1)
	assert.Equal(t, "done", undone[0].PreviousValues[domain.FieldSectionID])
	assert.Equal(t, "doing", undone[0].Changes[domain.FieldSectionID])
}

func TestUndoExpires(t *testing.T) {
	rule := eventRule("done", movedInto("done"), domain.Action{Type: domain.ActionMarkComplete})
	b := newBoard(t, []domain.Task{card("a", "doing", 0)}, rule)
	results := b.move(t, "a", "done")
	require.Len(t, results, 1)

	b.clock.Advance(automation.DefaultUndoWindow)
	_, ok := b.svc.Undo().Get(results[0].UndoID)
	assert.True(t, ok, "still inside the window")

	b.clock.Advance(time.Second)
	_, _, err := b.svc.PerformUndoByID(b.ctx, results[0].UndoID)
	assert.True(t, errors.Is(err, automation.ErrNothingToUndo))
	assert.True(t, b.task(t, "a").Completed)
}

func TestUndoStackLimit(t *testing.T) {
	clock := newClock(t0)
	stack := automation.NewUndoStack(clock, time.Minute, 3)
	for _, id := range []string{"1", "2", "3", "4"} {
		stack.Push(domain.UndoSnapshot{ID: id, Timestamp: clock.Now()})
	}
	live := stack.Live()
	require.Len(t, live, 3)
	assert.Equal(t, "4", live[0].ID)
	_, ok := stack.Get("1")
	assert.False(t, ok)

	stack.Set(domain.UndoSnapshot{ID: "only", Timestamp: clock.Now()})
	cur, ok := stack.Current()
	require.True(t, ok)
	assert.Equal(t, "only", cur.ID)
	assert.Len(t, stack.Live(), 1)
}

func TestNoticesAreBatched(t *testing.T) {
	rule := eventRule("done", movedInto("done"), domain.Action{Type: domain.ActionMarkComplete})
	b := newBoard(t, []domain.Task{card("a", "doing", 0), card("b", "doing", 1)}, rule)

	b.move(t, "a", "done")
	notices := b.svc.Drain()
	require.Len(t, notices, 1)
	assert.Equal(t, automation.NoticeExecution, notices[0].Kind)
	assert.Empty(t, b.svc.Drain())

	b.svc.BeginBatch()
	b.move(t, "a", "doing")
	b.move(t, "a", "done")
	b.move(t, "b", "done")
	assert.Empty(t, b.svc.Drain(), "held until the batch ends")
	b.svc.EndBatch()
	notices = b.svc.Drain()
	require.Len(t, notices, 1)
	assert.Len(t, notices[0].Results, 1, "a was already complete")
}
