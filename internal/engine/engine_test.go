package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"boardflow/internal/automation"
	"boardflow/internal/config"
	"boardflow/internal/db"
	"boardflow/internal/domain"
	"boardflow/internal/engine"
	"boardflow/internal/events"
	"boardflow/internal/migrate"
	"boardflow/internal/repo"
)

type testEnv struct {
	Engine   *engine.Engine
	Ctx      context.Context
	Project  string
	Sections map[string]string
	Events   *[]domain.DomainEvent
	Clock    *time.Time
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	ctx := context.Background()
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	clock := time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC)
	eng := engine.New(conn, config.Default("proj-1"), engine.Options{ActorID: "tester"})
	eng.Now = func() time.Time { return clock }
	t.Cleanup(eng.Close)

	if _, err := eng.CreateProject(ctx, engine.ProjectCreateOptions{
		ID:       "proj-1",
		Name:     "Board",
		Sections: []string{"To Do", "Doing", "Done"},
	}); err != nil {
		t.Fatalf("init project: %v", err)
	}
	sections, err := eng.ListSections(ctx, "proj-1")
	if err != nil || len(sections) != 3 {
		t.Fatalf("list sections: %v", err)
	}
	byName := map[string]string{}
	for _, s := range sections {
		byName[s.Name] = s.ID
	}
	var seen []domain.DomainEvent
	eng.Bus.Subscribe(func(_ context.Context, evt domain.DomainEvent) { seen = append(seen, evt) })
	return testEnv{Engine: eng, Ctx: ctx, Project: "proj-1", Sections: byName, Events: &seen, Clock: &clock}
}

func (env testEnv) reset() {
	*env.Events = nil
}

func (env testEnv) rule(t *testing.T, name string, trigger domain.Trigger, action domain.Action, filters ...domain.CardFilter) domain.AutomationRule {
	t.Helper()
	r, err := env.Engine.CreateRule(env.Ctx, domain.AutomationRule{
		ProjectID: env.Project,
		Name:      name,
		Enabled:   true,
		Trigger:   trigger,
		Filters:   filters,
		Action:    action,
	})
	if err != nil {
		t.Fatalf("create rule %s: %v", name, err)
	}
	return r
}

func (env testEnv) task(t *testing.T, title, section string) domain.Task {
	t.Helper()
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID: env.Project,
		SectionID: env.Sections[section],
		Title:     title,
	})
	if err != nil {
		t.Fatalf("create task %s: %v", title, err)
	}
	return task
}

func TestMutationsEmitExactlyOneEvent(t *testing.T) {
	env := newTestEnv(t)
	env.reset()

	task := env.task(t, "Write docs", "To Do")
	evts := *env.Events
	if len(evts) != 1 {
		t.Fatalf("create: expected 1 event, got %d", len(evts))
	}
	if evts[0].Type != domain.EventTaskCreated || evts[0].EntityID != task.ID || evts[0].ProjectID != env.Project || evts[0].Depth != 0 {
		t.Fatalf("unexpected create event: %+v", evts[0])
	}
	if title, _ := evts[0].Changes.String(domain.FieldTitle); title != "Write docs" {
		t.Fatalf("create event changes: %+v", evts[0].Changes)
	}

	env.reset()
	doing := env.Sections["Doing"]
	if _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, SectionID: &doing}); err != nil {
		t.Fatalf("move: %v", err)
	}
	evts = *env.Events
	if len(evts) != 1 || evts[0].Type != domain.EventTaskUpdated {
		t.Fatalf("update: expected 1 task.updated, got %+v", evts)
	}
	next, _ := evts[0].Changes.String(domain.FieldSectionID)
	prev, _ := evts[0].PreviousValues.String(domain.FieldSectionID)
	if next != doing || prev != env.Sections["To Do"] {
		t.Fatalf("section change not captured: %+v / %+v", evts[0].Changes, evts[0].PreviousValues)
	}
	if !evts[0].Changes.Has(domain.FieldSectionEnteredAt) {
		t.Fatalf("section entry time not recorded")
	}

	env.reset()
	same := doing
	if _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, SectionID: &same}); err != nil {
		t.Fatal(err)
	}
	if len(*env.Events) != 0 {
		t.Fatalf("no-op update emitted %d events", len(*env.Events))
	}

	if err := env.Engine.DeleteTask(env.Ctx, task.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	evts = *env.Events
	if len(evts) != 1 || evts[0].Type != domain.EventTaskDeleted || evts[0].EntityID != task.ID {
		t.Fatalf("delete: unexpected events %+v", evts)
	}

	env.reset()
	name := "Later"
	if _, err := env.Engine.UpdateSection(env.Ctx, engine.SectionUpdateOptions{ID: env.Sections["To Do"], Name: &name}); err != nil {
		t.Fatalf("rename section: %v", err)
	}
	evts = *env.Events
	if len(evts) != 1 || evts[0].Type != domain.EventSectionUpdated {
		t.Fatalf("rename: unexpected events %+v", evts)
	}
	if old, _ := evts[0].PreviousValues.String(domain.FieldName); old != "To Do" {
		t.Fatalf("rename previous values: %+v", evts[0].PreviousValues)
	}
}

func TestEventsArePersisted(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, "Persist me", "To Do")
	recs, err := env.Engine.Events(env.Ctx, repo.EventFilters{ProjectID: env.Project, EntityID: task.ID})
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(recs) != 1 || recs[0].Type != string(domain.EventTaskCreated) || recs[0].ActorID != "tester" {
		t.Fatalf("unexpected event log: %+v", recs)
	}
}

func TestMoveIntoSectionRunsRule(t *testing.T) {
	env := newTestEnv(t)
	done := env.Sections["Done"]
	r := env.rule(t, "Complete when done",
		domain.Trigger{Type: domain.TriggerCardMovedIntoSection, SectionID: done},
		domain.Action{Type: domain.ActionMarkComplete})
	task := env.task(t, "Ship", "Doing")
	env.Engine.Notices()

	moved, err := env.Engine.MoveTask(env.Ctx, task.ID, done, false)
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if !moved.Completed || moved.CompletedAt == nil {
		t.Fatalf("rule did not complete the card: %+v", moved)
	}
	recs, err := env.Engine.Events(env.Ctx, repo.EventFilters{ProjectID: env.Project, EntityID: task.ID, Limit: 1})
	if err != nil || len(recs) != 1 {
		t.Fatalf("events: %v", err)
	}
	if recs[0].TriggeredByRule != r.ID || recs[0].ActorID != events.ActorAutomation || recs[0].Depth != 1 {
		t.Fatalf("automation event not attributed: %+v", recs[0])
	}
	notices := env.Engine.Notices()
	if len(notices) != 1 || notices[0].Kind != automation.NoticeExecution || notices[0].Results[0].RuleID != r.ID {
		t.Fatalf("expected one execution notice, got %+v", notices)
	}
	stored, _ := env.Engine.GetRule(env.Ctx, r.ID)
	if stored.ExecutionCount != 1 || stored.LastExecutedAt == nil {
		t.Fatalf("rule metadata not updated: %+v", stored)
	}

	undone, err := env.Engine.Undo(env.Ctx, "")
	if err != nil || undone.RuleID != r.ID {
		t.Fatalf("undo: %+v %v", undone, err)
	}
	after, _ := env.Engine.GetTask(env.Ctx, task.ID)
	if after.Completed {
		t.Fatalf("undo did not reopen the card")
	}
	if _, err := env.Engine.Undo(env.Ctx, ""); !errors.Is(err, automation.ErrNothingToUndo) {
		t.Fatalf("expected nothing to undo, got %v", err)
	}
}

func TestUndoEmitsReversingEvent(t *testing.T) {
	env := newTestEnv(t)
	done := env.Sections["Done"]
	env.rule(t, "Complete when done",
		domain.Trigger{Type: domain.TriggerCardMovedIntoSection, SectionID: done},
		domain.Action{Type: domain.ActionMarkComplete})
	task := env.task(t, "Ship", "Doing")
	if _, err := env.Engine.MoveTask(env.Ctx, task.ID, done, false); err != nil {
		t.Fatalf("move: %v", err)
	}
	env.reset()

	if _, err := env.Engine.Undo(env.Ctx, ""); err != nil {
		t.Fatalf("undo: %v", err)
	}
	after, _ := env.Engine.GetTask(env.Ctx, task.ID)
	if after.Completed {
		t.Fatalf("undo did not reopen the card")
	}
	evts := *env.Events
	if len(evts) != 1 {
		t.Fatalf("expected one event for the undo, got %+v", evts)
	}
	evt := evts[0]
	if evt.Type != domain.EventTaskUpdated || evt.EntityID != task.ID || evt.Depth != 0 || evt.TriggeredByRule != "" {
		t.Fatalf("unexpected undo event: %+v", evt)
	}
	if evt.Changes[domain.FieldCompleted] != false || evt.PreviousValues[domain.FieldCompleted] != true {
		t.Fatalf("undo event values: %+v / %+v", evt.Changes, evt.PreviousValues)
	}
	recs, err := env.Engine.Events(env.Ctx, repo.EventFilters{ProjectID: env.Project, EntityID: task.ID, Limit: 1})
	if err != nil || len(recs) != 1 || recs[0].Type != string(domain.EventTaskUpdated) || recs[0].TriggeredByRule != "" {
		t.Fatalf("undo event not persisted: %+v %v", recs, err)
	}
}

func TestUndoOfCreatedCardEmitsDelete(t *testing.T) {
	env := newTestEnv(t)
	env.rule(t, "Seed new sections",
		domain.Trigger{Type: domain.TriggerSectionCreated},
		domain.Action{Type: domain.ActionCreateCard, SectionID: env.Sections["To Do"], CardTitle: "Plan"})
	if _, err := env.Engine.CreateSection(env.Ctx, engine.SectionCreateOptions{ProjectID: env.Project, Name: "Review"}); err != nil {
		t.Fatalf("create section: %v", err)
	}
	tasks, _ := env.Engine.ListTasks(env.Ctx, env.Project)
	if len(tasks) != 1 {
		t.Fatalf("expected generated card, got %+v", tasks)
	}
	env.reset()

	if _, err := env.Engine.Undo(env.Ctx, ""); err != nil {
		t.Fatalf("undo: %v", err)
	}
	if _, err := env.Engine.GetTask(env.Ctx, tasks[0].ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("created card survived undo: %v", err)
	}
	evts := *env.Events
	if len(evts) != 1 || evts[0].Type != domain.EventTaskDeleted || evts[0].EntityID != tasks[0].ID {
		t.Fatalf("expected one task.deleted, got %+v", evts)
	}
}

func TestSectionCreatedRuleAddsCard(t *testing.T) {
	env := newTestEnv(t)
	env.rule(t, "Seed new sections",
		domain.Trigger{Type: domain.TriggerSectionCreated},
		domain.Action{Type: domain.ActionCreateCard, SectionID: env.Sections["To Do"], CardTitle: "Plan {{weekday}}"})

	if _, err := env.Engine.CreateSection(env.Ctx, engine.SectionCreateOptions{ProjectID: env.Project, Name: "Review"}); err != nil {
		t.Fatalf("create section: %v", err)
	}
	tasks, err := env.Engine.ListTasks(env.Ctx, env.Project)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 || tasks[0].Title != "Plan Wednesday" || tasks[0].SectionID != env.Sections["To Do"] {
		t.Fatalf("expected generated card, got %+v", tasks)
	}
}

func TestDeleteSectionBreaksReferencingRules(t *testing.T) {
	env := newTestEnv(t)
	doing := env.Sections["Doing"]
	byTrigger := env.rule(t, "trigger", domain.Trigger{Type: domain.TriggerCardMovedIntoSection, SectionID: doing}, domain.Action{Type: domain.ActionMarkComplete})
	byAction := env.rule(t, "action", domain.Trigger{Type: domain.TriggerCardMarkedIncomplete}, domain.Action{Type: domain.ActionMoveToTop, SectionID: doing})
	byFilter := env.rule(t, "filter", domain.Trigger{Type: domain.TriggerCardMarkedComplete}, domain.Action{Type: domain.ActionRemoveDueDate},
		domain.CardFilter{Type: domain.FilterNotInSection, SectionID: doing})
	other := env.rule(t, "other", domain.Trigger{Type: domain.TriggerCardMovedIntoSection, SectionID: env.Sections["Done"]}, domain.Action{Type: domain.ActionMarkComplete})

	broken, err := env.Engine.DeleteSection(env.Ctx, doing)
	if err != nil {
		t.Fatalf("delete section: %v", err)
	}
	if len(broken) != 3 {
		t.Fatalf("expected 3 broken rules, got %d", len(broken))
	}
	for _, id := range []string{byTrigger.ID, byAction.ID, byFilter.ID} {
		r, _ := env.Engine.GetRule(env.Ctx, id)
		if r.Enabled || r.BrokenReason != domain.BrokenSectionDeleted {
			t.Fatalf("rule %s not broken: %+v", r.Name, r)
		}
	}
	r, _ := env.Engine.GetRule(env.Ctx, other.ID)
	if !r.Enabled || r.BrokenReason != "" {
		t.Fatalf("unrelated rule changed: %+v", r)
	}
}

func TestDeleteProjectRemovesRules(t *testing.T) {
	env := newTestEnv(t)
	env.rule(t, "a", domain.Trigger{Type: domain.TriggerCardMarkedComplete}, domain.Action{Type: domain.ActionRemoveDueDate})
	env.rule(t, "b", domain.Trigger{Type: domain.TriggerCardMarkedIncomplete}, domain.Action{Type: domain.ActionRemoveDueDate})
	env.task(t, "card", "To Do")

	if err := env.Engine.DeleteProject(env.Ctx, env.Project); err != nil {
		t.Fatalf("delete project: %v", err)
	}
	all, err := env.Engine.Rules.FindAll(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range all {
		if r.ProjectID == env.Project {
			t.Fatalf("rule %s survived project delete", r.ID)
		}
	}
	if _, err := env.Engine.GetProject(env.Ctx, env.Project); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected project gone, got %v", err)
	}
}

func TestOneTimeReenableGuard(t *testing.T) {
	env := newTestEnv(t)
	fireAt := env.Clock.Add(time.Hour)
	r := env.rule(t, "once",
		domain.Trigger{Type: domain.TriggerScheduledOneTime, Schedule: &domain.ScheduleConfig{Kind: domain.ScheduleOneTime, FireAt: &fireAt}},
		domain.Action{Type: domain.ActionCreateCard, SectionID: env.Sections["To Do"], CardTitle: "Reminder"})
	if _, err := env.Engine.SetRuleEnabled(env.Ctx, r.ID, false); err != nil {
		t.Fatalf("disable: %v", err)
	}

	*env.Clock = env.Clock.Add(2 * time.Hour)
	_, err := env.Engine.SetRuleEnabled(env.Ctx, r.ID, true)
	var verr *automation.ValidationError
	if !errors.As(err, &verr) || verr.Message != automation.PastFireTimeMessage {
		t.Fatalf("expected past fire time rejection, got %v", err)
	}

	future := env.Clock.Add(time.Hour)
	r.Trigger.Schedule.FireAt = &future
	r.Enabled = true
	if _, err := env.Engine.UpdateRule(env.Ctx, r); err != nil {
		t.Fatalf("re-enable with future fire time: %v", err)
	}
}

func TestTickFiresScheduledRule(t *testing.T) {
	env := newTestEnv(t)
	r := env.rule(t, "hourly sweep",
		domain.Trigger{Type: domain.TriggerScheduledInterval, Schedule: &domain.ScheduleConfig{Kind: domain.ScheduleInterval, IntervalMinutes: 60}},
		domain.Action{Type: domain.ActionMoveToTop, SectionID: env.Sections["Doing"]},
		domain.CardFilter{Type: domain.FilterInSection, SectionID: env.Sections["To Do"]})
	a := env.task(t, "a", "To Do")
	env.task(t, "b", "Done")

	report, err := env.Engine.Tick(env.Ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if report.Fired != 1 || report.Executed != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	got, _ := env.Engine.GetTask(env.Ctx, a.ID)
	if got.SectionID != env.Sections["Doing"] {
		t.Fatalf("scheduled move not applied: %+v", got)
	}
	stored, _ := env.Engine.GetRule(env.Ctx, r.ID)
	if stored.Trigger.LastEvaluatedAt == nil || len(stored.RecentExecutions) != 1 {
		t.Fatalf("schedule state not saved: %+v", stored)
	}

	report, err = env.Engine.Tick(env.Ctx)
	if err != nil || report.Fired != 0 {
		t.Fatalf("second tick in the same minute fired: %+v %v", report, err)
	}
}

func TestDryRunLeavesBoardUntouched(t *testing.T) {
	env := newTestEnv(t)
	r := env.rule(t, "complete doing",
		domain.Trigger{Type: domain.TriggerScheduledInterval, Schedule: &domain.ScheduleConfig{Kind: domain.ScheduleInterval, IntervalMinutes: 30}},
		domain.Action{Type: domain.ActionMarkComplete},
		domain.CardFilter{Type: domain.FilterInSection, SectionID: env.Sections["Doing"]})
	a := env.task(t, "a", "Doing")
	env.task(t, "b", "To Do")
	env.reset()

	res, err := env.Engine.DryRunRule(env.Ctx, r.ID)
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if len(res.MatchedTaskIDs) != 1 || res.MatchedTaskIDs[0] != a.ID || len(res.Actions) != 1 {
		t.Fatalf("unexpected dry run: %+v", res)
	}
	if len(*env.Events) != 0 {
		t.Fatalf("dry run emitted events: %+v", *env.Events)
	}
	got, _ := env.Engine.GetTask(env.Ctx, a.ID)
	if got.Completed {
		t.Fatalf("dry run changed the card")
	}
	stored, _ := env.Engine.GetRule(env.Ctx, r.ID)
	if stored.ExecutionCount != 0 || stored.Trigger.LastEvaluatedAt != nil || len(stored.RecentExecutions) != 0 {
		t.Fatalf("dry run touched rule metadata: %+v", stored)
	}
}

func TestDuplicateRuleAcrossProjects(t *testing.T) {
	env := newTestEnv(t)
	src := env.rule(t, "Finish", domain.Trigger{Type: domain.TriggerCardMovedIntoSection, SectionID: env.Sections["Done"]}, domain.Action{Type: domain.ActionMarkComplete})
	if _, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{ID: "proj-2", Name: "Other", Sections: []string{"Done"}}); err != nil {
		t.Fatal(err)
	}
	cp, err := env.Engine.DuplicateRule(env.Ctx, src.ID, "proj-2")
	if err != nil {
		t.Fatalf("duplicate: %v", err)
	}
	if cp.ID == src.ID || cp.ProjectID != "proj-2" || cp.Name != "Copy of Finish" || cp.Enabled || cp.BrokenReason != "" {
		t.Fatalf("unexpected copy: %+v", cp)
	}
	if cp.Trigger.SectionID == src.Trigger.SectionID {
		t.Fatalf("section reference not remapped")
	}
}

func TestCreateTaskValidation(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: env.Project, Title: "  "}); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("expected invalid input for empty title, got %v", err)
	}
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: env.Project, Title: "x", SectionID: "nope"}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected missing section, got %v", err)
	}
	first := env.task(t, "first", "To Do")
	top, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: env.Project, SectionID: env.Sections["To Do"], Title: "top", Top: true})
	if err != nil {
		t.Fatal(err)
	}
	if top.Order >= first.Order {
		t.Fatalf("top card order %d not above %d", top.Order, first.Order)
	}
}
