package automation

import (
	"time"

	"boardflow/internal/domain"
)

// DefaultMaxDepth bounds automation cascades.
const DefaultMaxDepth = 5

// ExecutedSet holds idempotency keys of actions already emitted in one cascade.
type ExecutedSet map[string]struct{}

// claim adds key and reports whether it was new.
func (s ExecutedSet) claim(key string) bool {
	if _, ok := s[key]; ok {
		return false
	}
	s[key] = struct{}{}
	return true
}

// EvalContext is everything Evaluate reads besides the event.
type EvalContext struct {
	Rules []domain.AutomationRule
	// Task is the post-change state of the event's task, nil when gone.
	Task *domain.Task
	// Tasks are the project's tasks, consulted for schedule.fired events.
	Tasks    []domain.Task
	Now      time.Time
	Executed ExecutedSet
	MaxDepth int
}

// DepthExceeded reports whether evt is too deep in a cascade to evaluate.
func DepthExceeded(evt domain.DomainEvent, maxDepth int) bool {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return evt.Depth >= maxDepth
}

// Evaluate matches evt against the rules and returns the actions to run, in
// rule order. Only ec.Executed is modified.
func Evaluate(evt domain.DomainEvent, ec EvalContext) []domain.RuleAction {
	if DepthExceeded(evt, ec.MaxDepth) {
		return nil
	}
	if ec.Executed == nil {
		ec.Executed = ExecutedSet{}
	}
	var out []domain.RuleAction
	for _, rule := range ec.Rules {
		if rule.ProjectID != evt.ProjectID || !rule.Active() {
			continue
		}
		if evt.Type == domain.EventScheduleFired {
			if evt.Schedule == nil || evt.Schedule.RuleID != rule.ID {
				continue
			}
			out = append(out, scheduledActions(rule, evt, ec)...)
			continue
		}
		target, ok := matchEventTrigger(rule, evt, ec)
		if !ok {
			continue
		}
		out = emit(out, ec.Executed, rule, target)
	}
	return out
}

func emit(out []domain.RuleAction, executed ExecutedSet, rule domain.AutomationRule, target string) []domain.RuleAction {
	a := domain.RuleAction{
		RuleID:         rule.ID,
		ActionType:     rule.Action.Type,
		TargetEntityID: target,
		Params:         rule.Action,
	}
	if !executed.claim(a.Key()) {
		return out
	}
	return append(out, a)
}

// matchEventTrigger returns the target entity when rule fires for evt.
func matchEventTrigger(rule domain.AutomationRule, evt domain.DomainEvent, ec EvalContext) (string, bool) {
	tr := rule.Trigger
	switch tr.Type {
	case domain.TriggerSectionCreated:
		if evt.Type != domain.EventSectionCreated {
			return "", false
		}
		return evt.EntityID, tr.SectionID == "" || tr.SectionID == evt.EntityID
	case domain.TriggerSectionRenamed:
		if evt.Type != domain.EventSectionUpdated || !changed(evt, domain.FieldName) {
			return "", false
		}
		return evt.EntityID, tr.SectionID == "" || tr.SectionID == evt.EntityID
	}

	if ec.Task == nil || ec.Task.ID != evt.EntityID {
		return "", false
	}
	var hit bool
	switch tr.Type {
	case domain.TriggerCardMovedIntoSection:
		next, _ := evt.Changes.String(domain.FieldSectionID)
		prev, _ := evt.PreviousValues.String(domain.FieldSectionID)
		hit = evt.Type == domain.EventTaskUpdated && evt.Changes.Has(domain.FieldSectionID) &&
			next == tr.SectionID && prev != tr.SectionID
	case domain.TriggerCardMovedOutOfSection:
		next, _ := evt.Changes.String(domain.FieldSectionID)
		prev, _ := evt.PreviousValues.String(domain.FieldSectionID)
		hit = evt.Type == domain.EventTaskUpdated && evt.Changes.Has(domain.FieldSectionID) &&
			prev == tr.SectionID && next != tr.SectionID
	case domain.TriggerCardMarkedComplete, domain.TriggerCardMarkedIncomplete:
		want := tr.Type == domain.TriggerCardMarkedComplete
		next, ok := evt.Changes.Bool(domain.FieldCompleted)
		prev, _ := evt.PreviousValues.Bool(domain.FieldCompleted)
		hit = evt.Type == domain.EventTaskUpdated && ok && next == want && prev != want
	case domain.TriggerCardCreatedInSection:
		sec, _ := evt.Changes.String(domain.FieldSectionID)
		if !evt.Changes.Has(domain.FieldSectionID) {
			sec = ec.Task.SectionID
		}
		hit = evt.Type == domain.EventTaskCreated && sec == tr.SectionID
	}
	if !hit || !MatchesAll(rule.Filters, *ec.Task, ec.Now) {
		return "", false
	}
	return evt.EntityID, true
}

func changed(evt domain.DomainEvent, field string) bool {
	if !evt.Changes.Has(field) {
		return false
	}
	next, _ := evt.Changes.String(field)
	prev, ok := evt.PreviousValues.String(field)
	return !ok || next != prev
}

// scheduledActions applies the rule's filters over the candidate tasks the
// scheduler selected. Timing was decided by the caller.
func scheduledActions(rule domain.AutomationRule, evt domain.DomainEvent, ec EvalContext) []domain.RuleAction {
	candidates := ec.Tasks
	if ids := evt.Schedule.TaskIDs; ids != nil {
		want := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			want[id] = struct{}{}
		}
		candidates = nil
		for _, t := range ec.Tasks {
			if _, ok := want[t.ID]; ok {
				candidates = append(candidates, t)
			}
		}
	}
	var matched []domain.Task
	for _, t := range candidates {
		if t.ProjectID == rule.ProjectID && MatchesAll(rule.Filters, t, ec.Now) {
			matched = append(matched, t)
		}
	}

	var out []domain.RuleAction
	if rule.Action.Type == domain.ActionCreateCard {
		if len(rule.Filters) > 0 && len(matched) == 0 {
			return nil
		}
		return emit(out, ec.Executed, rule, rule.Action.SectionID)
	}
	for _, t := range matched {
		out = emit(out, ec.Executed, rule, t.ID)
	}
	return out
}
