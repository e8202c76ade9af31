package engine

import (
	"context"
	"fmt"

	"boardflow/internal/automation"
	"boardflow/internal/domain"
)

func (e *Engine) ruleEvent(ctx context.Context, typ domain.EventType, r domain.AutomationRule, changes domain.Fields) {
	e.emit(ctx, domain.DomainEvent{
		Type:      typ,
		EntityID:  r.ID,
		ProjectID: r.ProjectID,
		Changes:   changes,
	})
}

func ruleFields(r domain.AutomationRule) domain.Fields {
	return domain.Fields{
		domain.FieldName: r.Name,
		"trigger_type":   string(r.Trigger.Type),
		"action_type":    string(r.Action.Type),
		"enabled":        r.Enabled,
	}
}

func (e *Engine) CreateRule(ctx context.Context, r domain.AutomationRule) (domain.AutomationRule, error) {
	if _, err := e.GetProject(ctx, r.ProjectID); err != nil {
		return r, err
	}
	created, err := e.Automation.CreateRule(ctx, r)
	if err != nil {
		return created, err
	}
	e.ruleEvent(ctx, domain.EventRuleCreated, created, ruleFields(created))
	return created, nil
}

func (e *Engine) UpdateRule(ctx context.Context, r domain.AutomationRule) (domain.AutomationRule, error) {
	updated, err := e.Automation.UpdateRule(ctx, r)
	if err != nil {
		return updated, err
	}
	e.ruleEvent(ctx, domain.EventRuleUpdated, updated, ruleFields(updated))
	return updated, nil
}

func (e *Engine) SetRuleEnabled(ctx context.Context, id string, enabled bool) (domain.AutomationRule, error) {
	r, err := e.Automation.SetEnabled(ctx, id, enabled)
	if err != nil {
		return r, err
	}
	e.ruleEvent(ctx, domain.EventRuleUpdated, r, domain.Fields{"enabled": r.Enabled})
	return r, nil
}

func (e *Engine) DeleteRule(ctx context.Context, id string) error {
	r, err := e.GetRule(ctx, id)
	if err != nil {
		return err
	}
	if err := e.Automation.DeleteRule(ctx, id); err != nil {
		return err
	}
	e.ruleEvent(ctx, domain.EventRuleDeleted, r, nil)
	return nil
}

func (e *Engine) GetRule(ctx context.Context, id string) (domain.AutomationRule, error) {
	r, err := e.Rules.FindByID(ctx, id)
	if err != nil {
		return r, fmt.Errorf("%w: %s", automation.ErrRuleNotFound, id)
	}
	return r, nil
}

func (e *Engine) ListRules(ctx context.Context, projectID string) ([]domain.AutomationRule, error) {
	return e.Rules.FindByProjectID(ctx, projectID)
}

// DuplicateRule copies a rule into targetProjectID, matching sections by name.
func (e *Engine) DuplicateRule(ctx context.Context, id, targetProjectID string) (domain.AutomationRule, error) {
	if _, err := e.GetProject(ctx, targetProjectID); err != nil {
		return domain.AutomationRule{}, err
	}
	r, err := e.Automation.DuplicateRule(ctx, id, targetProjectID)
	if err != nil {
		return r, err
	}
	e.ruleEvent(ctx, domain.EventRuleCreated, r, ruleFields(r))
	return r, nil
}

func (e *Engine) FindDuplicateRules(ctx context.Context, projectID string) ([]automation.DuplicatePair, error) {
	return e.Automation.FindDuplicates(ctx, projectID)
}

// PauseRules disables every enabled rule of the project.
func (e *Engine) PauseRules(ctx context.Context, projectID string) (int, error) {
	n, err := e.Automation.PauseAll(ctx, projectID)
	if err != nil || n == 0 {
		return n, err
	}
	e.emit(ctx, domain.DomainEvent{Type: domain.EventRuleUpdated, ProjectID: projectID, Changes: domain.Fields{"paused": n}})
	return n, nil
}

// ResumeRules re-enables the rules PauseRules turned off.
func (e *Engine) ResumeRules(ctx context.Context, projectID string) (int, error) {
	n, err := e.Automation.ResumeAll(ctx, projectID)
	if err != nil || n == 0 {
		return n, err
	}
	e.emit(ctx, domain.DomainEvent{Type: domain.EventRuleUpdated, ProjectID: projectID, Changes: domain.Fields{"resumed": n}})
	return n, nil
}

func (e *Engine) ReorderRules(ctx context.Context, projectID string, ids []string) error {
	if err := e.Automation.Reorder(ctx, projectID, ids); err != nil {
		return err
	}
	e.emit(ctx, domain.DomainEvent{Type: domain.EventRuleUpdated, ProjectID: projectID, Changes: domain.Fields{"rule_ids": ids}})
	return nil
}

// DryRun previews r against the current board of its project.
func (e *Engine) DryRun(ctx context.Context, r domain.AutomationRule) (automation.DryRunResult, error) {
	if err := automation.ValidateRule(r); err != nil {
		return automation.DryRunResult{}, err
	}
	tasks, err := e.Tasks.FindByProjectID(ctx, r.ProjectID)
	if err != nil {
		return automation.DryRunResult{}, err
	}
	sections, err := e.Sections.FindByProjectID(ctx, r.ProjectID)
	if err != nil {
		return automation.DryRunResult{}, err
	}
	return e.Automation.DryRun(ctx, r, tasks, sections)
}

func (e *Engine) DryRunRule(ctx context.Context, id string) (automation.DryRunResult, error) {
	r, err := e.GetRule(ctx, id)
	if err != nil {
		return automation.DryRunResult{}, err
	}
	return e.DryRun(ctx, r)
}

// RunRule fires a rule now as a manual execution.
func (e *Engine) RunRule(ctx context.Context, id string) ([]automation.ExecutionResult, error) {
	return e.Automation.RunNow(ctx, id)
}

// Tick evaluates scheduled rules once.
func (e *Engine) Tick(ctx context.Context) (automation.TickReport, error) {
	return e.Automation.Tick(ctx)
}

// Undo reverses the newest automation action, or the one with the given id.
func (e *Engine) Undo(ctx context.Context, id string) (domain.UndoSnapshot, error) {
	var (
		snap domain.UndoSnapshot
		evts []domain.DomainEvent
		err  error
	)
	if id == "" {
		snap, evts, err = e.Automation.PerformUndo(ctx)
	} else {
		snap, evts, err = e.Automation.PerformUndoByID(ctx, id)
	}
	for _, evt := range evts {
		e.emit(ctx, evt)
	}
	return snap, err
}

// UndoCandidates lists automation actions that can still be undone, newest first.
func (e *Engine) UndoCandidates() []domain.UndoSnapshot {
	return e.Automation.Undo().Live()
}
