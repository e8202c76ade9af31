package automation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"boardflow/internal/domain"
	"boardflow/internal/repo"
)

func (s *Service) findRule(ctx context.Context, id string) (domain.AutomationRule, error) {
	r, err := s.rules.FindByID(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return r, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	return r, err
}

// checkReferences verifies every referenced section exists in the rule's project.
func (s *Service) checkReferences(ctx context.Context, r domain.AutomationRule) error {
	sections, err := s.sections.FindByProjectID(ctx, r.ProjectID)
	if err != nil {
		return fmt.Errorf("load sections: %w", err)
	}
	known := make(map[string]bool, len(sections))
	for _, sec := range sections {
		known[sec.ID] = true
	}
	check := func(field, id string) error {
		if id != "" && !known[id] {
			return &ValidationError{Field: field, Message: fmt.Sprintf("section %s not found in project", id)}
		}
		return nil
	}
	if err := check("trigger.section_id", r.Trigger.SectionID); err != nil {
		return err
	}
	if err := check("action.section_id", r.Action.SectionID); err != nil {
		return err
	}
	for i, f := range r.Filters {
		if err := check(fmt.Sprintf("filters[%d].section_id", i), f.SectionID); err != nil {
			return err
		}
	}
	return nil
}

// CreateRule validates and stores a new rule. Crossing the rule-count
// threshold queues a warning notice.
func (s *Service) CreateRule(ctx context.Context, r domain.AutomationRule) (domain.AutomationRule, error) {
	r.ID = ""
	r.BrokenReason = ""
	r.ExecutionCount = 0
	r.LastExecutedAt = nil
	r.RecentExecutions = nil
	r.BulkPausedAt = nil
	r.Trigger.LastEvaluatedAt = nil
	r.Trigger.FiredFor = nil
	if err := ValidateRule(r); err != nil {
		return r, err
	}
	if err := s.checkReferences(ctx, r); err != nil {
		return r, err
	}
	if err := CheckEnable(r, s.clock.Now()); err != nil {
		return r, err
	}
	before, err := s.rules.FindByProjectID(ctx, r.ProjectID)
	if err != nil {
		return r, err
	}
	created, err := s.rules.Create(ctx, r)
	if err != nil {
		return created, fmt.Errorf("create rule: %w", err)
	}
	s.warnOnThreshold(r.ProjectID, len(before))
	return created, nil
}

// warnOnThreshold queues the rule-count notice when one new rule takes the
// project from below the threshold to at or above it.
func (s *Service) warnOnThreshold(projectID string, before int) {
	n := before + 1
	if n < s.opts.RuleWarningThreshold || before >= s.opts.RuleWarningThreshold {
		return
	}
	s.warn(Notice{
		Kind:      NoticeRuleWarning,
		ProjectID: projectID,
		RuleCount: n,
		Message:   fmt.Sprintf("This project now has %d automation rules. Many rules can make automation hard to follow.", n),
	})
}

// UpdateRule replaces the editable parts of a stored rule. Run history and
// broken state are kept; a one-time rule whose fire time moved is re-armed.
func (s *Service) UpdateRule(ctx context.Context, in domain.AutomationRule) (domain.AutomationRule, error) {
	cur, err := s.findRule(ctx, in.ID)
	if err != nil {
		return cur, err
	}
	next := cur.Clone()
	next.Name = in.Name
	next.Filters = in.Filters
	next.Action = in.Action
	next.Enabled = in.Enabled
	next.Order = in.Order
	next.Trigger.Type = in.Trigger.Type
	next.Trigger.SectionID = in.Trigger.SectionID
	next.Trigger.Schedule = in.Trigger.Schedule
	next.Trigger.CatchUpPolicy = in.Trigger.CatchUpPolicy
	if next.Filters == nil {
		next.Filters = []domain.CardFilter{}
	}

	fireAtMoved := !sameFireAt(cur.Trigger.Schedule, next.Trigger.Schedule)
	if cur.Trigger.Type != next.Trigger.Type {
		next.Trigger.LastEvaluatedAt = nil
		next.Trigger.FiredFor = nil
	} else if next.Trigger.Type == domain.TriggerScheduledOneTime && fireAtMoved {
		next.Trigger.LastEvaluatedAt = nil
	}

	if err := ValidateRule(next); err != nil {
		return cur, err
	}
	if next.Enabled {
		if err := s.checkReferences(ctx, next); err != nil {
			return cur, err
		}
		next.BrokenReason = ""
		if !cur.Enabled || fireAtMoved {
			if err := CheckEnable(next, s.clock.Now()); err != nil {
				return cur, err
			}
		}
		next.BulkPausedAt = nil
	}
	return s.rules.Update(ctx, next)
}

func sameFireAt(a, b *domain.ScheduleConfig) bool {
	var fa, fb *time.Time
	if a != nil {
		fa = a.FireAt
	}
	if b != nil {
		fb = b.FireAt
	}
	if fa == nil || fb == nil {
		return fa == fb
	}
	return fa.Equal(*fb)
}

// SetEnabled toggles a rule, applying the same checks as UpdateRule.
func (s *Service) SetEnabled(ctx context.Context, id string, enabled bool) (domain.AutomationRule, error) {
	r, err := s.findRule(ctx, id)
	if err != nil {
		return r, err
	}
	r.Enabled = enabled
	return s.UpdateRule(ctx, r)
}

func (s *Service) DeleteRule(ctx context.Context, id string) error {
	if err := s.rules.Delete(ctx, id); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
		}
		return err
	}
	return nil
}

// DeleteProjectRules removes every rule owned by the project.
func (s *Service) DeleteProjectRules(ctx context.Context, projectID string) (int, error) {
	return s.rules.DeleteByProjectID(ctx, projectID)
}

// DetectBrokenRules marks the project's rules that referenced a deleted section.
func (s *Service) DetectBrokenRules(ctx context.Context, projectID, sectionID string) ([]domain.AutomationRule, error) {
	rules, err := s.rules.FindByProjectID(ctx, projectID)
	if err != nil {
		return nil, err
	}
	changed := MarkBrokenRules(rules, sectionID)
	for i, r := range changed {
		updated, err := s.rules.Update(ctx, r)
		if err != nil {
			return changed[:i], fmt.Errorf("mark rule %s broken: %w", r.ID, err)
		}
		changed[i] = updated
		s.log.Info("rule broken by section deletion", zap.String("rule_id", r.ID), zap.String("section_id", sectionID))
	}
	return changed, nil
}

// DuplicateRule copies a rule into targetProjectID.
func (s *Service) DuplicateRule(ctx context.Context, ruleID, targetProjectID string) (domain.AutomationRule, error) {
	src, err := s.findRule(ctx, ruleID)
	if err != nil {
		return src, err
	}
	srcSections, err := s.sections.FindByProjectID(ctx, src.ProjectID)
	if err != nil {
		return src, err
	}
	dstSections, err := s.sections.FindByProjectID(ctx, targetProjectID)
	if err != nil {
		return src, err
	}
	before, err := s.rules.FindByProjectID(ctx, targetProjectID)
	if err != nil {
		return src, err
	}
	cp := DuplicateRule(src, srcSections, dstSections, targetProjectID, uuid.NewString(), s.clock.Now())
	created, err := s.rules.Create(ctx, cp)
	if err != nil {
		return created, fmt.Errorf("duplicate rule: %w", err)
	}
	s.warnOnThreshold(targetProjectID, len(before))
	return created, nil
}

// FindDuplicates lists duplicate rule pairs in a project.
func (s *Service) FindDuplicates(ctx context.Context, projectID string) ([]DuplicatePair, error) {
	rules, err := s.rules.FindByProjectID(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return FindDuplicates(rules), nil
}

// PauseAll disables every enabled rule of the project, remembering which
// ones ResumeAll should bring back.
func (s *Service) PauseAll(ctx context.Context, projectID string) (int, error) {
	rules, err := s.rules.FindByProjectID(ctx, projectID)
	if err != nil {
		return 0, err
	}
	now := s.clock.Now()
	n := 0
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		r.Enabled = false
		r.BulkPausedAt = &now
		if _, err := s.rules.Update(ctx, r); err != nil {
			return n, fmt.Errorf("pause rule %s: %w", r.ID, err)
		}
		n++
	}
	return n, nil
}

// ResumeAll re-enables rules paused by PauseAll. Broken rules and one-time
// rules whose fire time has passed stay disabled.
func (s *Service) ResumeAll(ctx context.Context, projectID string) (int, error) {
	rules, err := s.rules.FindByProjectID(ctx, projectID)
	if err != nil {
		return 0, err
	}
	now := s.clock.Now()
	n := 0
	for _, r := range rules {
		if r.BulkPausedAt == nil {
			continue
		}
		r.BulkPausedAt = nil
		candidate := r
		candidate.Enabled = true
		if r.BrokenReason == "" && CheckEnable(candidate, now) == nil {
			r.Enabled = true
			n++
		}
		if _, err := s.rules.Update(ctx, r); err != nil {
			return n, fmt.Errorf("resume rule %s: %w", r.ID, err)
		}
	}
	return n, nil
}

// Reorder assigns display order following ids, which must list every rule
// of the project exactly once.
func (s *Service) Reorder(ctx context.Context, projectID string, ids []string) error {
	rules, err := s.rules.FindByProjectID(ctx, projectID)
	if err != nil {
		return err
	}
	if len(ids) != len(rules) {
		return &ValidationError{Field: "rule_ids", Message: fmt.Sprintf("expected %d rule ids, got %d", len(rules), len(ids))}
	}
	byID := make(map[string]domain.AutomationRule, len(rules))
	for _, r := range rules {
		byID[r.ID] = r
	}
	for i, id := range ids {
		r, ok := byID[id]
		if !ok {
			return &ValidationError{Field: "rule_ids", Message: fmt.Sprintf("rule %s is not in project or listed twice", id)}
		}
		delete(byID, id)
		if r.Order == i {
			continue
		}
		r.Order = i
		if _, err := s.rules.Update(ctx, r); err != nil {
			return fmt.Errorf("reorder rule %s: %w", id, err)
		}
	}
	return nil
}

// DryRunAction previews one action a rule would take.
type DryRunAction struct {
	ActionType     domain.ActionType `json:"action_type"`
	TargetEntityID string            `json:"target_entity_id"`
	TaskName       string            `json:"task_name,omitempty"`
	Description    string            `json:"description"`
}

type DryRunResult struct {
	RuleID         string         `json:"rule_id"`
	MatchedTaskIDs []string       `json:"matched_task_ids"`
	WouldCreate    int            `json:"would_create"`
	Actions        []DryRunAction `json:"actions"`
}

// DryRun previews what the rule would do right now against the given tasks
// and sections. Nothing is written to the session's repositories, no events
// are published and the rule's run metadata is untouched.
func (s *Service) DryRun(ctx context.Context, rule domain.AutomationRule, tasks []domain.Task, sections []domain.Section) (DryRunResult, error) {
	now := s.clock.Now()
	cp := rule.Clone()
	cp.Enabled = true
	if cp.ID == "" {
		cp.ID = "dry-run"
	}
	res := DryRunResult{RuleID: cp.ID, MatchedTaskIDs: []string{}, Actions: []DryRunAction{}}

	fire := &domain.ScheduleFire{RuleID: cp.ID, ExecutionType: domain.ExecutionManual}
	if cp.Trigger.Type == domain.TriggerScheduledDueDateRelative && cp.Trigger.Schedule != nil {
		// Same selection as the next tick; the result is not persisted.
		fire.TaskIDs = append([]string{}, EvaluateRule(cp, tasks, now).TaskIDs...)
	}
	evt := domain.DomainEvent{Type: domain.EventScheduleFired, EntityID: cp.ID, ProjectID: cp.ProjectID, Timestamp: now, Schedule: fire}
	actions := Evaluate(evt, EvalContext{Rules: []domain.AutomationRule{cp}, Tasks: tasks, Now: now, Executed: ExecutedSet{}, MaxDepth: s.opts.MaxDepth})
	for _, a := range actions {
		if a.ActionType == domain.ActionCreateCard {
			res.WouldCreate++
			continue
		}
		res.MatchedTaskIDs = append(res.MatchedTaskIDs, a.TargetEntityID)
	}

	// Handlers run against private copies to describe the effect.
	preview := &Executor{
		Rules:       repo.NewMemoryRules(s.clock.Now, cp),
		Tasks:       repo.NewMemoryTasks(s.clock.Now, tasks...),
		Sections:    repo.NewMemorySections(sections...),
		Handlers:    s.handlers,
		Clock:       s.clock,
		Log:         s.log,
		DedupWindow: s.opts.CreateCardDedupWindow,
	}
	_, results := preview.ExecuteActions(ctx, actions, evt)
	for _, r := range results {
		res.Actions = append(res.Actions, DryRunAction{
			ActionType:     r.ActionType,
			TargetEntityID: r.TargetEntityID,
			TaskName:       r.TaskName,
			Description:    r.Description,
		})
	}
	return res, nil
}
