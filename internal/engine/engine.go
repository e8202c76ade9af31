package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"boardflow/internal/automation"
	"boardflow/internal/config"
	"boardflow/internal/domain"
	"boardflow/internal/events"
	"boardflow/internal/repo"
)

// ErrInvalidInput marks a request rejected before anything was written.
var ErrInvalidInput = errors.New("invalid input")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// Engine is the service layer. Every board mutation goes through it, is
// announced on the bus as one depth-0 event and then handed to the
// automation session.
type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Tasks      repo.TaskStore
	Sections   repo.SectionStore
	Rules      *repo.RuleStore
	Bus        *events.Bus
	Automation *automation.Service
	Metrics    *automation.Metrics
	Config     *config.Config
	Log        *zap.Logger
	Now        func() time.Time

	stopWriter func()
}

type Options struct {
	Log *zap.Logger
	// Registry receives the automation metrics. Nil leaves them unregistered.
	Registry prometheus.Registerer
	// ActorID is recorded on events caused by this process' callers.
	ActorID string
}

func New(db *sql.DB, cfg *config.Config, opts Options) *Engine {
	if cfg == nil {
		cfg = config.Default("")
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	e := &Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Config: cfg,
		Log:    log,
		Now:    time.Now,
		Bus:    events.NewBus(log.Named("bus")),
	}
	e.Tasks = repo.TaskStore{DB: db, Now: e.now}
	e.Sections = repo.SectionStore{DB: db, Now: e.now}
	e.Rules = repo.NewRuleStore(db, e.now)
	e.Metrics = automation.NewMetrics(opts.Registry)

	writer := events.Writer{DB: db, Now: e.now, Log: log}
	e.stopWriter = e.Bus.Subscribe(writer.Subscriber(opts.ActorID))

	e.Automation = automation.NewService(automation.Deps{
		Tasks:     e.Tasks,
		Sections:  e.Sections,
		Rules:     e.Rules,
		Clock:     automation.ClockFunc(e.now),
		Publisher: e.Bus,
		Metrics:   e.Metrics,
		Log:       log.Named("automation"),
	}, AutomationOptions(cfg.Automation))
	return e
}

// AutomationOptions maps the config section onto session options.
func AutomationOptions(c config.Automation) automation.Options {
	return automation.Options{
		MaxDepth:              c.MaxDepth,
		UndoWindow:            c.UndoWindow,
		UndoStackSize:         c.UndoStackSize,
		RuleWarningThreshold:  c.RuleWarningThreshold,
		CreateCardDedupWindow: c.CreateCardDedupWindow,
		LogSampleSize:         c.LogSampleSize,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Close detaches the event writer and the automation session.
func (e *Engine) Close() {
	if e.stopWriter != nil {
		e.stopWriter()
	}
	e.Automation.Close()
}

// emit announces evt and runs automation for board events.
func (e *Engine) emit(ctx context.Context, evt domain.DomainEvent) []automation.ExecutionResult {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = e.now()
	}
	e.Bus.Publish(ctx, evt)
	if evt.Type.IsTask() || evt.Type.IsSection() {
		return e.Automation.HandleEvent(ctx, evt)
	}
	return nil
}

// Notices returns automation notices queued since the last call.
func (e *Engine) Notices() []automation.Notice {
	return e.Automation.Drain()
}

// ProjectCreateOptions are parameters for creating a project.
type ProjectCreateOptions struct {
	ID          string
	Name        string
	Description string
	// Sections are created in order after the project.
	Sections []string
}

func (e *Engine) CreateProject(ctx context.Context, opts ProjectCreateOptions) (domain.Project, error) {
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		return domain.Project{}, invalid("project name is required")
	}
	p := domain.Project{ID: opts.ID, Name: name, Description: opts.Description, CreatedAt: e.now()}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if err := e.Repo.InsertProject(ctx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	e.emit(ctx, domain.DomainEvent{
		Type:      domain.EventProjectCreated,
		EntityID:  p.ID,
		ProjectID: p.ID,
		Changes:   domain.Fields{domain.FieldName: p.Name},
	})
	e.Automation.BeginBatch()
	defer e.Automation.EndBatch()
	for i, s := range opts.Sections {
		order := i
		if _, err := e.CreateSection(ctx, SectionCreateOptions{ProjectID: p.ID, Name: s, Order: &order}); err != nil {
			return p, err
		}
	}
	return p, nil
}

func (e *Engine) GetProject(ctx context.Context, id string) (domain.Project, error) {
	p, err := e.Repo.GetProject(ctx, id)
	if err != nil {
		return p, fmt.Errorf("project %s: %w", id, err)
	}
	return p, nil
}

func (e *Engine) ListProjects(ctx context.Context) ([]domain.Project, error) {
	return e.Repo.ListProjects(ctx)
}

func (e *Engine) UpdateProject(ctx context.Context, id string, name, description *string) (domain.Project, error) {
	before, err := e.GetProject(ctx, id)
	if err != nil {
		return before, err
	}
	changes, prev := domain.Fields{}, domain.Fields{}
	if name != nil {
		n := strings.TrimSpace(*name)
		if n == "" {
			return before, invalid("project name cannot be empty")
		}
		name = &n
		if n != before.Name {
			changes[domain.FieldName], prev[domain.FieldName] = n, before.Name
		}
	}
	if description != nil && *description != before.Description {
		changes[domain.FieldDescription], prev[domain.FieldDescription] = *description, before.Description
	}
	if len(changes) == 0 {
		return before, nil
	}
	if err := e.Repo.UpdateProject(ctx, id, name, description); err != nil {
		return before, err
	}
	e.emit(ctx, domain.DomainEvent{
		Type:           domain.EventProjectUpdated,
		EntityID:       id,
		ProjectID:      id,
		Changes:        changes,
		PreviousValues: prev,
	})
	return e.GetProject(ctx, id)
}

// DeleteProject removes the project with its sections, tasks and rules.
func (e *Engine) DeleteProject(ctx context.Context, id string) error {
	p, err := e.GetProject(ctx, id)
	if err != nil {
		return err
	}
	removed, err := e.Automation.DeleteProjectRules(ctx, id)
	if err != nil {
		return fmt.Errorf("delete project rules: %w", err)
	}
	if err := e.Repo.DeleteProject(ctx, id); err != nil {
		return err
	}
	e.Log.Info("project deleted", zap.String("project_id", id), zap.Int("rules_removed", removed))
	e.emit(ctx, domain.DomainEvent{
		Type:           domain.EventProjectDeleted,
		EntityID:       id,
		ProjectID:      id,
		PreviousValues: domain.Fields{domain.FieldName: p.Name},
	})
	return nil
}

type SectionCreateOptions struct {
	ProjectID string
	Name      string
	// Order defaults to after the last section.
	Order *int
}

func (e *Engine) CreateSection(ctx context.Context, opts SectionCreateOptions) (domain.Section, error) {
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		return domain.Section{}, invalid("section name is required")
	}
	if _, err := e.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.Section{}, err
	}
	sec := domain.Section{ProjectID: opts.ProjectID, Name: name}
	if opts.Order != nil {
		sec.Order = *opts.Order
	} else {
		existing, err := e.Sections.FindByProjectID(ctx, opts.ProjectID)
		if err != nil {
			return sec, err
		}
		for _, s := range existing {
			if s.Order >= sec.Order {
				sec.Order = s.Order + 1
			}
		}
	}
	sec, err := e.Sections.Create(ctx, sec)
	if err != nil {
		return sec, err
	}
	e.emit(ctx, domain.DomainEvent{
		Type:      domain.EventSectionCreated,
		EntityID:  sec.ID,
		ProjectID: sec.ProjectID,
		Changes:   domain.Fields{domain.FieldName: sec.Name, domain.FieldOrder: sec.Order},
	})
	return sec, nil
}

func (e *Engine) ListSections(ctx context.Context, projectID string) ([]domain.Section, error) {
	return e.Sections.FindByProjectID(ctx, projectID)
}

type SectionUpdateOptions struct {
	ID    string
	Name  *string
	Order *int
}

func (e *Engine) UpdateSection(ctx context.Context, opts SectionUpdateOptions) (domain.Section, error) {
	before, err := e.Sections.FindByID(ctx, opts.ID)
	if err != nil {
		return before, fmt.Errorf("section %s: %w", opts.ID, err)
	}
	patch := domain.Fields{}
	if opts.Name != nil {
		name := strings.TrimSpace(*opts.Name)
		if name == "" {
			return before, invalid("section name cannot be empty")
		}
		if name != before.Name {
			patch[domain.FieldName] = name
		}
	}
	if opts.Order != nil && *opts.Order != before.Order {
		patch[domain.FieldOrder] = *opts.Order
	}
	if len(patch) == 0 {
		return before, nil
	}
	prev := domain.Fields{}
	if patch.Has(domain.FieldName) {
		prev[domain.FieldName] = before.Name
	}
	if patch.Has(domain.FieldOrder) {
		prev[domain.FieldOrder] = before.Order
	}
	sec, err := e.Sections.Update(ctx, opts.ID, patch)
	if err != nil {
		return before, err
	}
	e.emit(ctx, domain.DomainEvent{
		Type:           domain.EventSectionUpdated,
		EntityID:       sec.ID,
		ProjectID:      sec.ProjectID,
		Changes:        patch,
		PreviousValues: prev,
	})
	return sec, nil
}

// DeleteSection removes the section and marks every rule pointing at it as
// broken. The newly broken rules are returned.
func (e *Engine) DeleteSection(ctx context.Context, id string) ([]domain.AutomationRule, error) {
	sec, err := e.Sections.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("section %s: %w", id, err)
	}
	if err := e.Sections.Delete(ctx, id); err != nil {
		return nil, err
	}
	broken, err := e.Automation.DetectBrokenRules(ctx, sec.ProjectID, id)
	if err != nil {
		e.Log.Warn("broken rule detection failed", zap.String("section_id", id), zap.Error(err))
	}
	e.emit(ctx, domain.DomainEvent{
		Type:           domain.EventSectionDeleted,
		EntityID:       id,
		ProjectID:      sec.ProjectID,
		PreviousValues: domain.Fields{domain.FieldName: sec.Name, domain.FieldOrder: sec.Order},
	})
	return broken, nil
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ID           string
	ProjectID    string
	SectionID    string
	ParentTaskID string
	Title        string
	Description  string
	DueDate      *time.Time
	// Top places the card above its section's other cards.
	Top bool
}

func (e *Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	title := strings.TrimSpace(opts.Title)
	if title == "" {
		return domain.Task{}, invalid("title is required")
	}
	if opts.ProjectID == "" {
		return domain.Task{}, invalid("project is required")
	}
	if _, err := e.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.Task{}, err
	}
	if err := e.checkSection(ctx, opts.ProjectID, opts.SectionID); err != nil {
		return domain.Task{}, err
	}
	if opts.ParentTaskID != "" {
		parent, err := e.GetTask(ctx, opts.ParentTaskID)
		if err != nil {
			return domain.Task{}, err
		}
		if parent.ProjectID != opts.ProjectID {
			return domain.Task{}, invalid("parent in different project")
		}
	}
	now := e.now()
	t := domain.Task{
		ID:           opts.ID,
		ProjectID:    opts.ProjectID,
		SectionID:    opts.SectionID,
		ParentTaskID: opts.ParentTaskID,
		Title:        title,
		Description:  opts.Description,
		DueDate:      opts.DueDate,
	}
	if t.SectionID != "" {
		t.SectionEnteredAt = &now
	}
	order, err := e.edgeOrder(ctx, t.ProjectID, t.SectionID, t.ParentTaskID, opts.Top)
	if err != nil {
		return t, err
	}
	t.Order = order
	if t, err = e.Tasks.Create(ctx, t); err != nil {
		return t, err
	}
	keys := []string{domain.FieldTitle, domain.FieldOrder}
	if t.SectionID != "" {
		keys = append(keys, domain.FieldSectionID)
	}
	if t.ParentTaskID != "" {
		keys = append(keys, domain.FieldParentTaskID)
	}
	if t.DueDate != nil {
		keys = append(keys, domain.FieldDueDate)
	}
	e.emit(ctx, domain.DomainEvent{
		Type:      domain.EventTaskCreated,
		EntityID:  t.ID,
		ProjectID: t.ProjectID,
		Changes:   t.Snapshot(keys...),
	})
	return e.GetTask(ctx, t.ID)
}

func (e *Engine) checkSection(ctx context.Context, projectID, sectionID string) error {
	if sectionID == "" {
		return nil
	}
	sec, err := e.Sections.FindByID(ctx, sectionID)
	if err != nil {
		return fmt.Errorf("section %s: %w", sectionID, err)
	}
	if sec.ProjectID != projectID {
		return invalid("section %s is not in project %s", sectionID, projectID)
	}
	return nil
}

// edgeOrder is the order that puts a card above or below its siblings.
func (e *Engine) edgeOrder(ctx context.Context, projectID, sectionID, parentID string, top bool) (int, error) {
	tasks, err := e.Tasks.FindByProjectID(ctx, projectID)
	if err != nil {
		return 0, err
	}
	first := true
	edge := 0
	for _, t := range tasks {
		if t.SectionID != sectionID || t.ParentTaskID != parentID {
			continue
		}
		switch {
		case first:
			edge, first = t.Order, false
		case top && t.Order < edge, !top && t.Order > edge:
			edge = t.Order
		}
	}
	if first {
		return 0, nil
	}
	if top {
		return edge - 1, nil
	}
	return edge + 1, nil
}

func (e *Engine) GetTask(ctx context.Context, id string) (domain.Task, error) {
	t, err := e.Tasks.FindByID(ctx, id)
	if err != nil {
		return t, fmt.Errorf("task %s: %w", id, err)
	}
	return t, nil
}

func (e *Engine) ListTasks(ctx context.Context, projectID string) ([]domain.Task, error) {
	return e.Tasks.FindByProjectID(ctx, projectID)
}

// TaskUpdateOptions carries the fields to change; nil leaves a field alone.
type TaskUpdateOptions struct {
	ID          string
	Title       *string
	Description *string
	// SectionID moves the card; an empty string unfiles it.
	SectionID    *string
	Completed    *bool
	DueDate      *time.Time
	ClearDueDate bool
	Order        *int
	// Top places a moved card above the target section's cards when Order is nil.
	Top bool
}

func (e *Engine) UpdateTask(ctx context.Context, opts TaskUpdateOptions) (domain.Task, error) {
	before, err := e.GetTask(ctx, opts.ID)
	if err != nil {
		return before, err
	}
	now := e.now()
	patch := domain.Fields{}
	if opts.Title != nil {
		title := strings.TrimSpace(*opts.Title)
		if title == "" {
			return before, invalid("title cannot be empty")
		}
		if title != before.Title {
			patch[domain.FieldTitle] = title
		}
	}
	if opts.Description != nil && *opts.Description != before.Description {
		patch[domain.FieldDescription] = *opts.Description
	}
	if opts.SectionID != nil && *opts.SectionID != before.SectionID {
		if err := e.checkSection(ctx, before.ProjectID, *opts.SectionID); err != nil {
			return before, err
		}
		patch[domain.FieldSectionID] = *opts.SectionID
		if *opts.SectionID == "" {
			patch[domain.FieldSectionEnteredAt] = nil
		} else {
			patch[domain.FieldSectionEnteredAt] = &now
		}
		if opts.Order == nil {
			order, err := e.edgeOrder(ctx, before.ProjectID, *opts.SectionID, before.ParentTaskID, opts.Top)
			if err != nil {
				return before, err
			}
			patch[domain.FieldOrder] = order
		}
	}
	if opts.Order != nil && *opts.Order != before.Order {
		patch[domain.FieldOrder] = *opts.Order
	}
	if opts.Completed != nil && *opts.Completed != before.Completed {
		patch[domain.FieldCompleted] = *opts.Completed
		if *opts.Completed {
			patch[domain.FieldCompletedAt] = &now
		} else {
			patch[domain.FieldCompletedAt] = nil
		}
	}
	switch {
	case opts.ClearDueDate && before.DueDate != nil:
		patch[domain.FieldDueDate] = nil
	case opts.DueDate != nil && (before.DueDate == nil || !before.DueDate.Equal(*opts.DueDate)):
		patch[domain.FieldDueDate] = opts.DueDate
	}
	if len(patch) == 0 {
		return before, nil
	}
	prev := before.Snapshot(patch.Keys()...)
	t, err := e.Tasks.Update(ctx, opts.ID, patch)
	if err != nil {
		return before, err
	}
	e.emit(ctx, domain.DomainEvent{
		Type:           domain.EventTaskUpdated,
		EntityID:       t.ID,
		ProjectID:      t.ProjectID,
		Changes:        patch,
		PreviousValues: prev,
	})
	return e.GetTask(ctx, t.ID)
}

// MoveTask files the card at the top or bottom of a section.
func (e *Engine) MoveTask(ctx context.Context, id, sectionID string, top bool) (domain.Task, error) {
	t, err := e.GetTask(ctx, id)
	if err != nil {
		return t, err
	}
	if t.SectionID == sectionID {
		order, err := e.edgeOrder(ctx, t.ProjectID, sectionID, t.ParentTaskID, top)
		if err != nil {
			return t, err
		}
		return e.UpdateTask(ctx, TaskUpdateOptions{ID: id, Order: &order})
	}
	return e.UpdateTask(ctx, TaskUpdateOptions{ID: id, SectionID: &sectionID, Top: top})
}

func (e *Engine) SetTaskCompleted(ctx context.Context, id string, completed bool) (domain.Task, error) {
	return e.UpdateTask(ctx, TaskUpdateOptions{ID: id, Completed: &completed})
}

// DeleteTask removes the task and its subtasks.
func (e *Engine) DeleteTask(ctx context.Context, id string) error {
	t, err := e.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if err := e.Tasks.Delete(ctx, id); err != nil {
		return err
	}
	e.emit(ctx, domain.DomainEvent{
		Type:           domain.EventTaskDeleted,
		EntityID:       id,
		ProjectID:      t.ProjectID,
		PreviousValues: t.Snapshot(domain.FieldTitle, domain.FieldSectionID),
	})
	return nil
}

func (e *Engine) Events(ctx context.Context, f repo.EventFilters) ([]domain.EventRecord, error) {
	return e.Repo.LatestEvents(ctx, f)
}
