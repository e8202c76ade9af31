package automation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"boardflow/internal/domain"
	"boardflow/internal/repo"
)

const (
	DefaultRuleWarningThreshold = 10
	DefaultCreateCardDedup      = 5 * time.Minute
)

type Options struct {
	MaxDepth              int
	UndoWindow            time.Duration
	UndoStackSize         int
	RuleWarningThreshold  int
	CreateCardDedupWindow time.Duration
	LogSampleSize         int
}

func DefaultOptions() Options {
	return Options{
		MaxDepth:              DefaultMaxDepth,
		UndoWindow:            DefaultUndoWindow,
		UndoStackSize:         DefaultUndoStackSize,
		RuleWarningThreshold:  DefaultRuleWarningThreshold,
		CreateCardDedupWindow: DefaultCreateCardDedup,
		LogSampleSize:         DefaultLogSampleSize,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxDepth <= 0 {
		o.MaxDepth = d.MaxDepth
	}
	if o.UndoWindow <= 0 {
		o.UndoWindow = d.UndoWindow
	}
	if o.UndoStackSize <= 0 {
		o.UndoStackSize = d.UndoStackSize
	}
	if o.RuleWarningThreshold <= 0 {
		o.RuleWarningThreshold = d.RuleWarningThreshold
	}
	if o.CreateCardDedupWindow < 0 {
		o.CreateCardDedupWindow = 0
	}
	if o.LogSampleSize <= 0 {
		o.LogSampleSize = d.LogSampleSize
	}
	return o
}

// Publisher receives every event automation produces.
type Publisher interface {
	Publish(ctx context.Context, evt domain.DomainEvent)
}

type Deps struct {
	Tasks     TaskRepository
	Sections  SectionRepository
	Rules     RuleRepository
	Clock     Clock
	Publisher Publisher
	Metrics   *Metrics
	Log       *zap.Logger
	Handlers  Registry
}

type NoticeKind string

const (
	NoticeExecution   NoticeKind = "execution"
	NoticeRuleWarning NoticeKind = "rule_warning"
)

// Notice is a host-facing message queued by the session and collected with Drain.
type Notice struct {
	Kind      NoticeKind        `json:"kind"`
	ProjectID string            `json:"project_id,omitempty"`
	Results   []ExecutionResult `json:"results,omitempty"`
	RuleCount int               `json:"rule_count,omitempty"`
	Message   string            `json:"message,omitempty"`
}

// Service is one automation session. It owns the undo stack and runs one
// cascade at a time.
type Service struct {
	tasks    TaskRepository
	sections SectionRepository
	rules    RuleRepository
	clock    Clock
	pub      Publisher
	metrics  *Metrics
	log      *zap.Logger
	handlers Registry
	opts     Options
	undo     *UndoStack
	exec     *Executor

	mu sync.Mutex

	nmu        sync.Mutex
	batchDepth int
	batched    []ExecutionResult
	notices    []Notice

	cmu         sync.RWMutex
	ruleCounts  map[string]int
	unsubscribe func()
}

func NewService(d Deps, opts Options) *Service {
	opts = opts.withDefaults()
	if d.Clock == nil {
		d.Clock = SystemClock
	}
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Handlers == nil {
		d.Handlers = DefaultHandlers()
	}
	s := &Service{
		tasks:      d.Tasks,
		sections:   d.Sections,
		rules:      d.Rules,
		clock:      d.Clock,
		pub:        d.Publisher,
		metrics:    d.Metrics,
		log:        d.Log,
		handlers:   d.Handlers,
		opts:       opts,
		undo:       NewUndoStack(d.Clock, opts.UndoWindow, opts.UndoStackSize),
		ruleCounts: map[string]int{},
	}
	s.exec = &Executor{
		Rules:         d.Rules,
		Tasks:         d.Tasks,
		Sections:      d.Sections,
		Handlers:      d.Handlers,
		Undo:          s.undo,
		Clock:         d.Clock,
		Metrics:       d.Metrics,
		Log:           d.Log,
		DedupWindow:   opts.CreateCardDedupWindow,
		LogSampleSize: opts.LogSampleSize,
	}
	s.unsubscribe = d.Rules.Subscribe(s.refreshCounts)
	return s
}

// Close detaches the session from the rule repository.
func (s *Service) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}

func (s *Service) Undo() *UndoStack   { return s.undo }
func (s *Service) Handlers() Registry { return s.handlers }
func (s *Service) Options() Options   { return s.opts }

func (s *Service) refreshCounts(rules []domain.AutomationRule) {
	counts := map[string]int{}
	for _, r := range rules {
		counts[r.ProjectID]++
	}
	s.cmu.Lock()
	s.ruleCounts = counts
	s.cmu.Unlock()
}

// RuleCount is the number of rules the project had after the last rule write.
func (s *Service) RuleCount(projectID string) int {
	s.cmu.RLock()
	defer s.cmu.RUnlock()
	return s.ruleCounts[projectID]
}

func (s *Service) publish(ctx context.Context, evt domain.DomainEvent) {
	if s.pub != nil {
		s.pub.Publish(ctx, evt)
	}
}

// HandleEvent runs the automation cascade for one top-level event and
// returns what was executed. The idempotency set lives for this call only.
func (s *Service) HandleEvent(ctx context.Context, evt domain.DomainEvent) []ExecutionResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cascade(ctx, evt)
}

func (s *Service) cascade(ctx context.Context, root domain.DomainEvent) []ExecutionResult {
	executed := ExecutedSet{}
	queue := []domain.DomainEvent{root}
	var results []ExecutionResult
	for len(queue) > 0 {
		evt := queue[0]
		queue = queue[1:]
		if DepthExceeded(evt, s.opts.MaxDepth) {
			s.metrics.depthLimited()
			s.log.Info("automation cascade depth limit reached",
				zap.String("event_type", string(evt.Type)),
				zap.String("entity_id", evt.EntityID),
				zap.String("triggered_by_rule", evt.TriggeredByRule),
				zap.Int("depth", evt.Depth))
			continue
		}
		actions, err := s.match(ctx, evt, executed)
		if err != nil {
			s.log.Warn("automation match failed", zap.String("event_type", string(evt.Type)), zap.Error(err))
			continue
		}
		if len(actions) == 0 {
			continue
		}
		produced, res := s.exec.ExecuteActions(ctx, actions, evt)
		results = append(results, res...)
		for _, p := range produced {
			s.publish(ctx, p)
			queue = append(queue, p)
		}
	}
	s.report(results)
	return results
}

func (s *Service) match(ctx context.Context, evt domain.DomainEvent, executed ExecutedSet) ([]domain.RuleAction, error) {
	rules, err := s.rules.FindByProjectID(ctx, evt.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	active := rules[:0:0]
	for _, r := range rules {
		if r.Active() {
			active = append(active, r)
		}
	}
	if len(active) == 0 {
		return nil, nil
	}
	ec := EvalContext{Rules: active, Now: s.clock.Now(), Executed: executed, MaxDepth: s.opts.MaxDepth}
	switch evt.Type {
	case domain.EventTaskCreated, domain.EventTaskUpdated:
		t, err := s.tasks.FindByID(ctx, evt.EntityID)
		switch {
		case err == nil:
			ec.Task = &t
		case !errors.Is(err, repo.ErrNotFound):
			return nil, fmt.Errorf("load task %s: %w", evt.EntityID, err)
		}
	case domain.EventScheduleFired:
		if ec.Tasks, err = s.tasks.FindByProjectID(ctx, evt.ProjectID); err != nil {
			return nil, fmt.Errorf("load tasks: %w", err)
		}
	}
	return Evaluate(evt, ec), nil
}

type TickReport struct {
	Evaluated int `json:"evaluated"`
	Fired     int `json:"fired"`
	Executed  int `json:"executed"`
}

// Tick evaluates every active scheduled rule and routes each fire through
// the same cascade as user events.
func (s *Service) Tick(ctx context.Context) (TickReport, error) {
	started := time.Now()
	defer func() { s.metrics.tick(time.Since(started)) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	var report TickReport
	rules, err := s.rules.FindAll(ctx)
	if err != nil {
		return report, fmt.Errorf("load rules: %w", err)
	}
	now := s.clock.Now()
	for _, r := range rules {
		if !r.Trigger.Type.IsScheduled() {
			continue
		}
		// Earlier fires in this tick may have written the rule.
		rule, err := s.rules.FindByID(ctx, r.ID)
		if err != nil || !rule.Active() {
			continue
		}
		report.Evaluated++
		var tasks []domain.Task
		if rule.Trigger.Type == domain.TriggerScheduledDueDateRelative {
			if tasks, err = s.tasks.FindByProjectID(ctx, rule.ProjectID); err != nil {
				s.log.Warn("scheduler task load failed", zap.String("rule_id", rule.ID), zap.Error(err))
				continue
			}
		}
		res := EvaluateRule(rule, tasks, now)
		if timingChanged(rule.Trigger, res) {
			rule.Trigger.LastEvaluatedAt = res.LastEvaluatedAt
			if res.FiredFor != nil {
				rule.Trigger.FiredFor = res.FiredFor
			}
			if _, err := s.rules.Update(ctx, rule); err != nil {
				s.log.Warn("scheduler state write failed", zap.String("rule_id", rule.ID), zap.Error(err))
				continue
			}
		}
		if !res.ShouldFire {
			continue
		}
		report.Fired++
		s.metrics.fired(rule.Trigger.Type, res.ExecutionType)
		s.log.Debug("scheduled rule fired",
			zap.String("rule_id", rule.ID),
			zap.String("execution_type", string(res.ExecutionType)),
			zap.Int("tasks", len(res.TaskIDs)))
		evt := domain.DomainEvent{
			Type:      domain.EventScheduleFired,
			EntityID:  rule.ID,
			ProjectID: rule.ProjectID,
			Timestamp: now,
			Schedule:  &domain.ScheduleFire{RuleID: rule.ID, ExecutionType: res.ExecutionType, TaskIDs: res.TaskIDs},
		}
		s.publish(ctx, evt)
		report.Executed += len(s.cascade(ctx, evt))
		if res.Disable {
			s.disableFired(ctx, rule.ID)
		}
	}
	return report, nil
}

func timingChanged(tr domain.Trigger, res ScheduleResult) bool {
	if res.FiredFor != nil {
		return true
	}
	a, b := tr.LastEvaluatedAt, res.LastEvaluatedAt
	if a == nil || b == nil {
		return a != b
	}
	return !a.Equal(*b)
}

// disableFired turns off a one-time rule after it ran.
func (s *Service) disableFired(ctx context.Context, ruleID string) {
	rule, err := s.rules.FindByID(ctx, ruleID)
	if err != nil {
		s.log.Warn("disable one-time rule failed", zap.String("rule_id", ruleID), zap.Error(err))
		return
	}
	rule.Enabled = false
	if _, err := s.rules.Update(ctx, rule); err != nil {
		s.log.Warn("disable one-time rule failed", zap.String("rule_id", ruleID), zap.Error(err))
	}
}

// RunNow fires a rule immediately as a manual execution without touching
// its schedule state.
func (s *Service) RunNow(ctx context.Context, ruleID string) ([]ExecutionResult, error) {
	rule, err := s.rules.FindByID(ctx, ruleID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, ruleID)
	}
	if !rule.Active() {
		return nil, ErrRuleInactive
	}
	fire := &domain.ScheduleFire{RuleID: rule.ID, ExecutionType: domain.ExecutionManual}
	if rule.Trigger.Type == domain.TriggerScheduledDueDateRelative && rule.Trigger.Schedule != nil {
		tasks, err := s.tasks.FindByProjectID(ctx, rule.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("load tasks: %w", err)
		}
		fire.TaskIDs = []string{}
		for _, t := range DueDateCandidates(*rule.Trigger.Schedule, tasks, s.clock.Now()) {
			fire.TaskIDs = append(fire.TaskIDs, t.ID)
		}
	}
	evt := domain.DomainEvent{
		Type:      domain.EventScheduleFired,
		EntityID:  rule.ID,
		ProjectID: rule.ProjectID,
		Timestamp: s.clock.Now(),
		Schedule:  fire,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publish(ctx, evt)
	return s.cascade(ctx, evt), nil
}

// PerformUndo reverses the newest unexpired automation action. The returned
// events describe the reversal; the caller publishes them.
func (s *Service) PerformUndo(ctx context.Context) (domain.UndoSnapshot, []domain.DomainEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, evts, err := s.undo.PerformUndo(ctx, s.tasks)
	s.recordUndo(snap, err)
	return snap, evts, err
}

func (s *Service) PerformUndoByID(ctx context.Context, id string) (domain.UndoSnapshot, []domain.DomainEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, evts, err := s.undo.PerformUndoByID(ctx, s.tasks, id)
	s.recordUndo(snap, err)
	return snap, evts, err
}

func (s *Service) recordUndo(snap domain.UndoSnapshot, err error) {
	switch {
	case err == nil:
		s.metrics.undo("ok")
		s.log.Info("automation undone", zap.String("rule_id", snap.RuleID), zap.String("action_type", string(snap.ActionType)))
	case errors.Is(err, ErrNothingToUndo):
		s.metrics.undo("expired")
	default:
		s.metrics.undo("failed")
		s.log.Warn("automation undo failed", zap.String("undo_id", snap.ID), zap.Error(err))
	}
}

// BeginBatch starts coalescing execution notices until the matching EndBatch.
func (s *Service) BeginBatch() {
	s.nmu.Lock()
	defer s.nmu.Unlock()
	s.batchDepth++
}

func (s *Service) EndBatch() {
	s.nmu.Lock()
	defer s.nmu.Unlock()
	if s.batchDepth == 0 {
		return
	}
	s.batchDepth--
	if s.batchDepth == 0 && len(s.batched) > 0 {
		s.notices = append(s.notices, Notice{Kind: NoticeExecution, ProjectID: s.batched[0].ProjectID, Results: s.batched})
		s.batched = nil
	}
}

func (s *Service) report(results []ExecutionResult) {
	if len(results) == 0 {
		return
	}
	s.nmu.Lock()
	defer s.nmu.Unlock()
	if s.batchDepth > 0 {
		s.batched = append(s.batched, results...)
		return
	}
	s.notices = append(s.notices, Notice{Kind: NoticeExecution, ProjectID: results[0].ProjectID, Results: results})
}

func (s *Service) warn(n Notice) {
	s.nmu.Lock()
	defer s.nmu.Unlock()
	s.notices = append(s.notices, n)
}

// Drain returns and clears pending notices.
func (s *Service) Drain() []Notice {
	s.nmu.Lock()
	defer s.nmu.Unlock()
	out := s.notices
	s.notices = nil
	return out
}
