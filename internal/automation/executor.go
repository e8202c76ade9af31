package automation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"boardflow/internal/domain"
)

const DefaultLogSampleSize = 10

// ExecutionResult reports one executed action to the host.
type ExecutionResult struct {
	RuleID         string               `json:"rule_id"`
	RuleName       string               `json:"rule_name"`
	ProjectID      string               `json:"project_id"`
	ActionType     domain.ActionType    `json:"action_type"`
	TargetEntityID string               `json:"target_entity_id"`
	Description    string               `json:"description"`
	TaskName       string               `json:"task_name,omitempty"`
	UndoID         string               `json:"undo_id,omitempty"`
	ExecutionType  domain.ExecutionType `json:"execution_type,omitempty"`
	Timestamp      time.Time            `json:"timestamp"`
}

// Executor applies rule actions through the handler registry.
type Executor struct {
	Rules         RuleRepository
	Tasks         TaskRepository
	Sections      SectionRepository
	Handlers      Registry
	Undo          *UndoStack
	Clock         Clock
	Metrics       *Metrics
	Log           *zap.Logger
	DedupWindow   time.Duration
	LogSampleSize int
}

type scheduledLog struct {
	matches     int
	details     []string
	actionDesc  string
	triggerDesc string
}

type batchState struct {
	rules   map[string]*domain.AutomationRule
	order   []string
	runs    map[string]*ruleRun
	namers  map[string]SectionNamer
	buffers map[string]*scheduledLog
}

// ruleRun is the run metadata a batch adds to one rule.
type ruleRun struct {
	count   int
	last    time.Time
	entries []domain.ExecutionLogEntry
}

func (x *Executor) now() time.Time {
	if x.Clock == nil {
		return time.Now()
	}
	return x.Clock.Now()
}

func (x *Executor) log() *zap.Logger {
	if x.Log == nil {
		return zap.NewNop()
	}
	return x.Log
}

func (x *Executor) handlerContext() HandlerContext {
	return HandlerContext{Tasks: x.Tasks, Sections: x.Sections, Clock: x.Clock, DedupWindow: x.DedupWindow, Log: x.Log}
}

func (b *batchState) rule(ctx context.Context, rules RuleRepository, id string) (*domain.AutomationRule, error) {
	if r, ok := b.rules[id]; ok {
		return r, nil
	}
	r, err := rules.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	b.rules[id] = &r
	b.order = append(b.order, id)
	return &r, nil
}

func (b *batchState) namer(ctx context.Context, sections SectionRepository, projectID string) SectionNamer {
	if n, ok := b.namers[projectID]; ok {
		return n
	}
	list, _ := sections.FindByProjectID(ctx, projectID)
	n := NamerFor(list)
	b.namers[projectID] = n
	return n
}

// ExecuteActions runs each action in order and returns the events they
// produced. A failing action is logged and skipped; the rest still run. Rule
// run metadata is written once per rule at the end of the batch.
func (x *Executor) ExecuteActions(ctx context.Context, actions []domain.RuleAction, trigger domain.DomainEvent) ([]domain.DomainEvent, []ExecutionResult) {
	st := &batchState{
		rules:   map[string]*domain.AutomationRule{},
		runs:    map[string]*ruleRun{},
		namers:  map[string]SectionNamer{},
		buffers: map[string]*scheduledLog{},
	}
	execType := domain.ExecutionEvent
	if trigger.Type == domain.EventScheduleFired && trigger.Schedule != nil {
		execType = trigger.Schedule.ExecutionType
		if execType == domain.ExecutionEvent {
			execType = domain.ExecutionScheduled
		}
	}

	var (
		out     []domain.DomainEvent
		results []ExecutionResult
	)
	for _, action := range actions {
		evts, res, err := x.executeOne(ctx, st, action, trigger, execType)
		if err != nil {
			x.Metrics.failed(action.ActionType)
			x.log().Warn("rule action failed",
				zap.String("rule_id", action.RuleID),
				zap.String("action_type", string(action.ActionType)),
				zap.String("target_entity_id", action.TargetEntityID),
				zap.Error(err))
			continue
		}
		if len(evts) == 0 {
			continue
		}
		out = append(out, evts...)
		results = append(results, res)
	}
	x.flush(ctx, st, execType)
	return out, results
}

func (x *Executor) executeOne(ctx context.Context, st *batchState, action domain.RuleAction, trigger domain.DomainEvent, execType domain.ExecutionType) (evts []domain.DomainEvent, res ExecutionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	rule, err := st.rule(ctx, x.Rules, action.RuleID)
	if err != nil {
		return nil, res, err
	}
	h, ok := x.Handlers[action.ActionType]
	if !ok || h.Execute == nil {
		return nil, res, fmt.Errorf("no handler for action type %q", action.ActionType)
	}
	evts, err = h.Execute(ctx, x.handlerContext(), action, trigger)
	if err != nil || len(evts) == 0 {
		return nil, res, err
	}

	now := x.now()
	names := st.namer(ctx, x.Sections, rule.ProjectID)
	actionDesc := x.Handlers.Describe(action.Params, names)
	taskName := x.taskName(ctx, action, evts[0])

	run, ok := st.runs[rule.ID]
	if !ok {
		run = &ruleRun{}
		st.runs[rule.ID] = run
	}
	run.count++
	run.last = now
	if execType == domain.ExecutionEvent {
		run.entries = append(run.entries, domain.ExecutionLogEntry{
			Timestamp:          now,
			TriggerDescription: DescribeTrigger(rule.Trigger, names),
			ActionDescription:  actionDesc,
			TaskName:           taskName,
		})
	} else {
		buf, ok := st.buffers[rule.ID]
		if !ok {
			buf = &scheduledLog{actionDesc: actionDesc, triggerDesc: DescribeTrigger(rule.Trigger, names)}
			st.buffers[rule.ID] = buf
		}
		buf.matches++
		if len(buf.details) < x.sampleSize() {
			buf.details = append(buf.details, taskName)
		}
	}

	res = ExecutionResult{
		RuleID:         rule.ID,
		RuleName:       rule.Name,
		ProjectID:      rule.ProjectID,
		ActionType:     action.ActionType,
		TargetEntityID: evts[0].EntityID,
		Description:    actionDesc,
		TaskName:       taskName,
		ExecutionType:  execType,
		Timestamp:      now,
	}
	if x.Undo != nil && h.BuildUndo != nil {
		snap := h.BuildUndo(action, evts[0])
		snap.ID = uuid.NewString()
		snap.RuleID = rule.ID
		snap.RuleName = rule.Name
		snap.Timestamp = now
		x.Undo.Push(snap)
		res.UndoID = snap.ID
	}
	x.Metrics.executed(action.ActionType, execType)
	return evts, res, nil
}

func (x *Executor) sampleSize() int {
	if x.LogSampleSize <= 0 {
		return DefaultLogSampleSize
	}
	return x.LogSampleSize
}

func (x *Executor) taskName(ctx context.Context, action domain.RuleAction, evt domain.DomainEvent) string {
	if title, ok := evt.Changes.String(domain.FieldTitle); ok && evt.Type == domain.EventTaskCreated {
		return title
	}
	t, err := x.Tasks.FindByID(ctx, evt.EntityID)
	if err != nil {
		return action.TargetEntityID
	}
	return t.Title
}

// flush writes the aggregated scheduled entries and the run metadata of
// touched rules. The stored rule is re-read so edits made while the batch ran
// are kept; only the run metadata is patched.
func (x *Executor) flush(ctx context.Context, st *batchState, execType domain.ExecutionType) {
	now := x.now()
	for _, id := range st.order {
		run, ok := st.runs[id]
		if !ok {
			continue
		}
		if buf, ok := st.buffers[id]; ok {
			name := ""
			if len(buf.details) > 0 {
				name = buf.details[0]
			}
			run.entries = append(run.entries, domain.ExecutionLogEntry{
				Timestamp:          now,
				TriggerDescription: buf.triggerDesc,
				ActionDescription:  buf.actionDesc,
				TaskName:           name,
				MatchCount:         buf.matches,
				Details:            buf.details,
				ExecutionType:      execType,
			})
		}
		rule, err := x.Rules.FindByID(ctx, id)
		if err != nil {
			x.log().Warn("reload rule for run metadata failed", zap.String("rule_id", id), zap.Error(err))
			continue
		}
		rule.ExecutionCount += run.count
		last := run.last
		rule.LastExecutedAt = &last
		for _, e := range run.entries {
			rule.AppendExecution(e)
		}
		if _, err := x.Rules.Update(ctx, rule); err != nil {
			x.log().Warn("persist rule run metadata failed", zap.String("rule_id", id), zap.Error(err))
		}
	}
}
