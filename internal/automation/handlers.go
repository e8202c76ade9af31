package automation

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"boardflow/internal/domain"
)

// HandlerContext carries the collaborators an action handler may touch.
type HandlerContext struct {
	Tasks       TaskRepository
	Sections    SectionRepository
	Clock       Clock
	DedupWindow time.Duration
	Log         *zap.Logger
}

func (hc HandlerContext) now() time.Time {
	if hc.Clock == nil {
		return time.Now()
	}
	return hc.Clock.Now()
}

func (hc HandlerContext) log() *zap.Logger {
	if hc.Log == nil {
		return zap.NewNop()
	}
	return hc.Log
}

// Handler implements one action type.
type Handler struct {
	Execute   func(ctx context.Context, hc HandlerContext, action domain.RuleAction, trigger domain.DomainEvent) ([]domain.DomainEvent, error)
	Describe  func(params domain.Action, names SectionNamer) string
	BuildUndo func(action domain.RuleAction, result domain.DomainEvent) domain.UndoSnapshot
}

type Registry map[domain.ActionType]Handler

// DefaultHandlers returns the registry of every built-in action.
func DefaultHandlers() Registry {
	return Registry{
		domain.ActionMoveToTop:      moveHandler(true),
		domain.ActionMoveToBottom:   moveHandler(false),
		domain.ActionMarkComplete:   completionHandler(true),
		domain.ActionMarkIncomplete: completionHandler(false),
		domain.ActionSetDueDate:     setDueDateHandler(),
		domain.ActionRemoveDueDate:  removeDueDateHandler(),
		domain.ActionCreateCard:     createCardHandler(),
	}
}

// Describe renders an action with the registry, falling back to its type.
func (r Registry) Describe(a domain.Action, names SectionNamer) string {
	if h, ok := r[a.Type]; ok && h.Describe != nil {
		return h.Describe(a, names)
	}
	return string(a.Type)
}

func produced(hc HandlerContext, evtType domain.EventType, task domain.Task, changes, previous domain.Fields, action domain.RuleAction, trigger domain.DomainEvent) domain.DomainEvent {
	return domain.DomainEvent{
		Type:            evtType,
		EntityID:        task.ID,
		ProjectID:       task.ProjectID,
		Changes:         changes,
		PreviousValues:  previous,
		TriggeredByRule: action.RuleID,
		Depth:           trigger.Depth + 1,
		Timestamp:       hc.now(),
	}
}

func restoreUndo(action domain.RuleAction, result domain.DomainEvent) domain.UndoSnapshot {
	snap := domain.UndoSnapshot{
		ActionType:     action.ActionType,
		TargetEntityID: result.EntityID,
		PreviousState:  domain.Fields{},
	}
	for k, v := range result.PreviousValues {
		if k == domain.FieldSubtasks {
			if subs, ok := v.([]domain.SubtaskSnapshot); ok {
				snap.SubtaskSnapshots = append(snap.SubtaskSnapshots, subs...)
			}
			continue
		}
		snap.PreviousState[k] = v
	}
	return snap
}

// topLevelIn lists the other top-level cards of a section.
func topLevelIn(ctx context.Context, hc HandlerContext, projectID, sectionID, exclude string) ([]domain.Task, error) {
	all, err := hc.Tasks.FindByProjectID(ctx, projectID)
	if err != nil {
		return nil, err
	}
	var out []domain.Task
	for _, t := range all {
		if t.SectionID == sectionID && t.ParentTaskID == "" && t.ID != exclude {
			out = append(out, t)
		}
	}
	return out, nil
}

func moveHandler(top bool) Handler {
	return Handler{
		Execute: func(ctx context.Context, hc HandlerContext, action domain.RuleAction, trigger domain.DomainEvent) ([]domain.DomainEvent, error) {
			sectionID := action.Params.SectionID
			if _, err := hc.Sections.FindByID(ctx, sectionID); err != nil {
				return nil, fmt.Errorf("target section %s: %w", sectionID, err)
			}
			task, err := hc.Tasks.FindByID(ctx, action.TargetEntityID)
			if err != nil {
				return nil, fmt.Errorf("load task %s: %w", action.TargetEntityID, err)
			}
			siblings, err := topLevelIn(ctx, hc, task.ProjectID, sectionID, task.ID)
			if err != nil {
				return nil, err
			}
			same := task.SectionID == sectionID
			if len(siblings) == 0 && same {
				return nil, nil
			}
			order := 0
			if len(siblings) > 0 {
				lo, hi := siblings[0].Order, siblings[0].Order
				for _, s := range siblings[1:] {
					lo = min(lo, s.Order)
					hi = max(hi, s.Order)
				}
				switch {
				case top && same && task.Order < lo, !top && same && task.Order > hi:
					return nil, nil
				case top:
					order = lo - 1
				default:
					order = hi + 1
				}
			}
			patch := domain.Fields{domain.FieldSectionID: sectionID, domain.FieldOrder: order}
			if task.SectionID != sectionID {
				now := hc.now()
				patch[domain.FieldSectionEnteredAt] = &now
			}
			prev := task.Snapshot(patch.Keys()...)
			if _, err := hc.Tasks.Update(ctx, task.ID, patch); err != nil {
				return nil, fmt.Errorf("move task %s: %w", task.ID, err)
			}
			return []domain.DomainEvent{produced(hc, domain.EventTaskUpdated, task, patch, prev, action, trigger)}, nil
		},
		Describe: func(p domain.Action, names SectionNamer) string {
			where := "bottom"
			if top {
				where = "top"
			}
			return fmt.Sprintf("Move to %s of %q", where, names(p.SectionID))
		},
		BuildUndo: restoreUndo,
	}
}

func completionHandler(complete bool) Handler {
	return Handler{
		Execute: func(ctx context.Context, hc HandlerContext, action domain.RuleAction, trigger domain.DomainEvent) ([]domain.DomainEvent, error) {
			task, err := hc.Tasks.FindByID(ctx, action.TargetEntityID)
			if err != nil {
				return nil, fmt.Errorf("load task %s: %w", action.TargetEntityID, err)
			}
			if task.Completed == complete {
				return nil, nil
			}
			now := hc.now()
			patch := domain.Fields{domain.FieldCompleted: complete, domain.FieldCompletedAt: (*time.Time)(nil)}
			if complete {
				patch[domain.FieldCompletedAt] = &now
			}
			prev := task.Snapshot(domain.FieldCompleted, domain.FieldCompletedAt)

			// Subtasks follow silently: no events, so no further rule matches.
			children, err := hc.Tasks.FindByParentTaskID(ctx, task.ID)
			if err != nil {
				return nil, fmt.Errorf("load subtasks of %s: %w", task.ID, err)
			}
			var subs []domain.SubtaskSnapshot
			for _, c := range children {
				if c.Completed == complete {
					continue
				}
				if _, err := hc.Tasks.Update(ctx, c.ID, patch); err != nil {
					return nil, fmt.Errorf("update subtask %s: %w", c.ID, err)
				}
				subs = append(subs, domain.SubtaskSnapshot{TaskID: c.ID, Completed: c.Completed, CompletedAt: c.CompletedAt})
			}
			if _, err := hc.Tasks.Update(ctx, task.ID, patch); err != nil {
				return nil, fmt.Errorf("update task %s: %w", task.ID, err)
			}
			if len(subs) > 0 {
				prev[domain.FieldSubtasks] = subs
			}
			return []domain.DomainEvent{produced(hc, domain.EventTaskUpdated, task, patch, prev, action, trigger)}, nil
		},
		Describe: func(domain.Action, SectionNamer) string {
			if complete {
				return "Mark complete"
			}
			return "Mark incomplete"
		},
		BuildUndo: restoreUndo,
	}
}

func setDueDateHandler() Handler {
	return Handler{
		Execute: func(ctx context.Context, hc HandlerContext, action domain.RuleAction, trigger domain.DomainEvent) ([]domain.DomainEvent, error) {
			task, err := hc.Tasks.FindByID(ctx, action.TargetEntityID)
			if err != nil {
				return nil, fmt.Errorf("load task %s: %w", action.TargetEntityID, err)
			}
			due, err := ResolveDate(action.Params, action.Params.DateOption, hc.now())
			if err != nil {
				return nil, err
			}
			if task.DueDate != nil && task.DueDate.Equal(due) {
				return nil, nil
			}
			patch := domain.Fields{domain.FieldDueDate: &due}
			prev := task.Snapshot(domain.FieldDueDate)
			if _, err := hc.Tasks.Update(ctx, task.ID, patch); err != nil {
				return nil, fmt.Errorf("set due date on %s: %w", task.ID, err)
			}
			return []domain.DomainEvent{produced(hc, domain.EventTaskUpdated, task, patch, prev, action, trigger)}, nil
		},
		Describe: func(p domain.Action, _ SectionNamer) string {
			return "Set due date to " + describeDateOption(p, p.DateOption)
		},
		BuildUndo: restoreUndo,
	}
}

func removeDueDateHandler() Handler {
	return Handler{
		Execute: func(ctx context.Context, hc HandlerContext, action domain.RuleAction, trigger domain.DomainEvent) ([]domain.DomainEvent, error) {
			task, err := hc.Tasks.FindByID(ctx, action.TargetEntityID)
			if err != nil {
				return nil, fmt.Errorf("load task %s: %w", action.TargetEntityID, err)
			}
			if task.DueDate == nil {
				return nil, nil
			}
			patch := domain.Fields{domain.FieldDueDate: (*time.Time)(nil)}
			prev := task.Snapshot(domain.FieldDueDate)
			if _, err := hc.Tasks.Update(ctx, task.ID, patch); err != nil {
				return nil, fmt.Errorf("remove due date on %s: %w", task.ID, err)
			}
			return []domain.DomainEvent{produced(hc, domain.EventTaskUpdated, task, patch, prev, action, trigger)}, nil
		},
		Describe:  func(domain.Action, SectionNamer) string { return "Remove due date" },
		BuildUndo: restoreUndo,
	}
}

func createCardHandler() Handler {
	return Handler{
		Execute: func(ctx context.Context, hc HandlerContext, action domain.RuleAction, trigger domain.DomainEvent) ([]domain.DomainEvent, error) {
			sectionID := action.Params.SectionID
			section, err := hc.Sections.FindByID(ctx, sectionID)
			if err != nil {
				return nil, fmt.Errorf("target section %s: %w", sectionID, err)
			}
			now := hc.now()
			siblings, err := topLevelIn(ctx, hc, section.ProjectID, sectionID, "")
			if err != nil {
				return nil, err
			}
			if trigger.Type == domain.EventScheduleFired && hc.DedupWindow > 0 {
				for _, s := range siblings {
					if s.CreatedByRule == action.RuleID && now.Sub(s.CreatedAt) < hc.DedupWindow {
						hc.log().Debug("create card suppressed",
							zap.String("rule_id", action.RuleID),
							zap.String("existing_task_id", s.ID))
						return nil, nil
					}
				}
			}
			order := 0
			for i, s := range siblings {
				if i == 0 || s.Order+1 > order {
					order = s.Order + 1
				}
			}
			title := InterpolateTitle(action.Params.CardTitle, now)
			card := domain.Task{
				ProjectID:        section.ProjectID,
				SectionID:        sectionID,
				Title:            title,
				Order:            order,
				SectionEnteredAt: &now,
				CreatedByRule:    action.RuleID,
			}
			changes := domain.Fields{
				domain.FieldTitle:            title,
				domain.FieldSectionID:        sectionID,
				domain.FieldOrder:            order,
				domain.FieldSectionEnteredAt: &now,
			}
			if opt := action.Params.CardDateOption; opt != "" {
				due, err := ResolveDate(action.Params, opt, now)
				if err != nil {
					return nil, err
				}
				card.DueDate = &due
				changes[domain.FieldDueDate] = &due
			}
			created, err := hc.Tasks.Create(ctx, card)
			if err != nil {
				return nil, fmt.Errorf("create card: %w", err)
			}
			return []domain.DomainEvent{produced(hc, domain.EventTaskCreated, created, changes, nil, action, trigger)}, nil
		},
		Describe: func(p domain.Action, names SectionNamer) string {
			return fmt.Sprintf("Create card %q in %q", p.CardTitle, names(p.SectionID))
		},
		BuildUndo: func(action domain.RuleAction, result domain.DomainEvent) domain.UndoSnapshot {
			return domain.UndoSnapshot{
				ActionType:      action.ActionType,
				TargetEntityID:  result.EntityID,
				CreatedEntityID: result.EntityID,
			}
		},
	}
}
