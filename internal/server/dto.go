package server

import (
	"encoding/json"
	"time"

	"boardflow/internal/automation"
	"boardflow/internal/domain"
)

// Request payloads

type CreateProjectRequest struct {
	ID          string   `json:"id,omitempty"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Sections    []string `json:"sections,omitempty"`
}

type UpdateProjectRequest struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
}

type CreateSectionRequest struct {
	Name  string `json:"name"`
	Order *int   `json:"order,omitempty"`
}

type UpdateSectionRequest struct {
	Name  *string `json:"name,omitempty"`
	Order *int    `json:"order,omitempty"`
}

type CreateTaskRequest struct {
	ID           string     `json:"id,omitempty"`
	SectionID    string     `json:"section_id,omitempty"`
	ParentTaskID string     `json:"parent_task_id,omitempty"`
	Title        string     `json:"title"`
	Description  string     `json:"description,omitempty"`
	DueDate      *time.Time `json:"due_date,omitempty" format:"date-time"`
	Top          bool       `json:"top,omitempty"`
}

type UpdateTaskRequest struct {
	Title        *string    `json:"title,omitempty"`
	Description  *string    `json:"description,omitempty"`
	SectionID    *string    `json:"section_id,omitempty"`
	Completed    *bool      `json:"completed,omitempty"`
	DueDate      *time.Time `json:"due_date,omitempty" format:"date-time"`
	ClearDueDate bool       `json:"clear_due_date,omitempty"`
	Order        *int       `json:"order,omitempty"`
	Top          bool       `json:"top,omitempty"`
}

type MoveTaskRequest struct {
	SectionID string `json:"section_id"`
	Top       bool   `json:"top,omitempty"`
}

// RuleRequest is the editable part of an automation rule.
type RuleRequest struct {
	Name    string              `json:"name"`
	Trigger domain.Trigger      `json:"trigger"`
	Filters []domain.CardFilter `json:"filters,omitempty"`
	Action  domain.Action       `json:"action"`
	Enabled *bool               `json:"enabled,omitempty"`
	Order   *int                `json:"order,omitempty"`
}

type DuplicateRuleRequest struct {
	ProjectID string `json:"project_id"`
}

type ReorderRulesRequest struct {
	RuleIDs []string `json:"rule_ids"`
}

// Response payloads

type ProjectResponse struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at" format:"date-time"`
}

type SectionResponse struct {
	ID        string              `json:"id"`
	ProjectID string              `json:"project_id"`
	Name      string              `json:"name"`
	Order     int                 `json:"order"`
	CreatedAt time.Time           `json:"created_at" format:"date-time"`
	Notices   []automation.Notice `json:"notices,omitempty"`
}

type DeleteSectionResponse struct {
	BrokenRules []RuleResponse      `json:"broken_rules"`
	Notices     []automation.Notice `json:"notices,omitempty"`
}

type TaskResponse struct {
	ID               string              `json:"id"`
	ProjectID        string              `json:"project_id"`
	SectionID        string              `json:"section_id,omitempty"`
	ParentTaskID     string              `json:"parent_task_id,omitempty"`
	Title            string              `json:"title"`
	Description      string              `json:"description,omitempty"`
	Completed        bool                `json:"completed"`
	CompletedAt      *time.Time          `json:"completed_at,omitempty" format:"date-time"`
	DueDate          *time.Time          `json:"due_date,omitempty" format:"date-time"`
	Order            int                 `json:"order"`
	SectionEnteredAt *time.Time          `json:"section_entered_at,omitempty" format:"date-time"`
	CreatedByRule    string              `json:"created_by_rule,omitempty"`
	CreatedAt        time.Time           `json:"created_at" format:"date-time"`
	UpdatedAt        time.Time           `json:"updated_at" format:"date-time"`
	Notices          []automation.Notice `json:"notices,omitempty"`
}

type RuleResponse struct {
	ID               string                     `json:"id"`
	ProjectID        string                     `json:"project_id"`
	Name             string                     `json:"name"`
	Trigger          domain.Trigger             `json:"trigger"`
	Filters          []domain.CardFilter        `json:"filters"`
	Action           domain.Action              `json:"action"`
	Enabled          bool                       `json:"enabled"`
	BrokenReason     string                     `json:"broken_reason,omitempty"`
	ExecutionCount   int                        `json:"execution_count"`
	LastExecutedAt   *time.Time                 `json:"last_executed_at,omitempty" format:"date-time"`
	RecentExecutions []domain.ExecutionLogEntry `json:"recent_executions"`
	Order            int                        `json:"order"`
	BulkPausedAt     *time.Time                 `json:"bulk_paused_at,omitempty" format:"date-time"`
	CreatedAt        time.Time                  `json:"created_at" format:"date-time"`
	UpdatedAt        time.Time                  `json:"updated_at" format:"date-time"`
	Notices          []automation.Notice        `json:"notices,omitempty"`
}

type BulkRulesResponse struct {
	Count int `json:"count"`
}

type RunRuleResponse struct {
	Results []automation.ExecutionResult `json:"results"`
	Notices []automation.Notice          `json:"notices,omitempty"`
}

type TickResponse struct {
	Evaluated int                 `json:"evaluated"`
	Fired     int                 `json:"fired"`
	Executed  int                 `json:"executed"`
	Notices   []automation.Notice `json:"notices,omitempty"`
}

type EventResponse struct {
	ID              int64          `json:"id"`
	TS              string         `json:"ts" format:"date-time"`
	Type            string         `json:"type"`
	ProjectID       string         `json:"project_id,omitempty"`
	EntityKind      string         `json:"entity_kind"`
	EntityID        string         `json:"entity_id,omitempty"`
	ActorID         string         `json:"actor_id"`
	TriggeredByRule string         `json:"triggered_by_rule,omitempty"`
	Depth           int            `json:"depth"`
	Payload         map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse(p)
}

func sectionResponse(s domain.Section) SectionResponse {
	return SectionResponse{
		ID:        s.ID,
		ProjectID: s.ProjectID,
		Name:      s.Name,
		Order:     s.Order,
		CreatedAt: s.CreatedAt,
	}
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:               t.ID,
		ProjectID:        t.ProjectID,
		SectionID:        t.SectionID,
		ParentTaskID:     t.ParentTaskID,
		Title:            t.Title,
		Description:      t.Description,
		Completed:        t.Completed,
		CompletedAt:      t.CompletedAt,
		DueDate:          t.DueDate,
		Order:            t.Order,
		SectionEnteredAt: t.SectionEnteredAt,
		CreatedByRule:    t.CreatedByRule,
		CreatedAt:        t.CreatedAt,
		UpdatedAt:        t.UpdatedAt,
	}
}

func ruleResponse(r domain.AutomationRule) RuleResponse {
	return RuleResponse{
		ID:               r.ID,
		ProjectID:        r.ProjectID,
		Name:             r.Name,
		Trigger:          r.Trigger,
		Filters:          nonNilSlice(r.Filters),
		Action:           r.Action,
		Enabled:          r.Enabled,
		BrokenReason:     string(r.BrokenReason),
		ExecutionCount:   r.ExecutionCount,
		LastExecutedAt:   r.LastExecutedAt,
		RecentExecutions: nonNilSlice(r.RecentExecutions),
		Order:            r.Order,
		BulkPausedAt:     r.BulkPausedAt,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

func eventResponse(e domain.EventRecord) EventResponse {
	return EventResponse{
		ID:              e.ID,
		TS:              e.TS,
		Type:            e.Type,
		ProjectID:       e.ProjectID,
		EntityKind:      e.EntityKind,
		EntityID:        e.EntityID,
		ActorID:         e.ActorID,
		TriggeredByRule: e.TriggeredByRule,
		Depth:           e.Depth,
		Payload:         decodeJSONMap(e.Payload),
	}
}

// toRule builds the domain rule for projectID. A missing enabled flag
// means enabled.
func (r RuleRequest) toRule(id, projectID string) domain.AutomationRule {
	enabled := true
	if r.Enabled != nil {
		enabled = *r.Enabled
	}
	rule := domain.AutomationRule{
		ID:        id,
		ProjectID: projectID,
		Name:      r.Name,
		Trigger:   r.Trigger,
		Filters:   nonNilSlice(r.Filters),
		Action:    r.Action,
		Enabled:   enabled,
	}
	if r.Order != nil {
		rule.Order = *r.Order
	}
	return rule
}

func mapProjects(items []domain.Project) []ProjectResponse {
	out := make([]ProjectResponse, 0, len(items))
	for _, p := range items {
		out = append(out, projectResponse(p))
	}
	return out
}

func mapSections(items []domain.Section) []SectionResponse {
	out := make([]SectionResponse, 0, len(items))
	for _, s := range items {
		out = append(out, sectionResponse(s))
	}
	return out
}

func mapTasks(items []domain.Task) []TaskResponse {
	out := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		out = append(out, taskResponse(t))
	}
	return out
}

func mapRules(items []domain.AutomationRule) []RuleResponse {
	out := make([]RuleResponse, 0, len(items))
	for _, r := range items {
		out = append(out, ruleResponse(r))
	}
	return out
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil || obj == nil {
		return map[string]any{}
	}
	return obj
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
