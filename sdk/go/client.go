package boardflowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Boardflow HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

type Project struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type Section struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Name      string `json:"name"`
	Order     int    `json:"order"`
}

// Task represents the API task model (partial).
type Task struct {
	ID           string     `json:"id"`
	ProjectID    string     `json:"project_id"`
	SectionID    string     `json:"section_id,omitempty"`
	ParentTaskID string     `json:"parent_task_id,omitempty"`
	Title        string     `json:"title"`
	Completed    bool       `json:"completed"`
	DueDate      *time.Time `json:"due_date,omitempty"`
	Order        int        `json:"order"`
	Notices      []Notice   `json:"notices,omitempty"`
}

// Rule is an automation rule. Trigger, Filters and Action are passed
// through as JSON objects; see the server's OpenAPI document for their shape.
type Rule struct {
	ID             string           `json:"id,omitempty"`
	ProjectID      string           `json:"project_id,omitempty"`
	Name           string           `json:"name"`
	Trigger        map[string]any   `json:"trigger"`
	Filters        []map[string]any `json:"filters,omitempty"`
	Action         map[string]any   `json:"action"`
	Enabled        *bool            `json:"enabled,omitempty"`
	BrokenReason   string           `json:"broken_reason,omitempty"`
	ExecutionCount int              `json:"execution_count,omitempty"`
	Notices        []Notice         `json:"notices,omitempty"`
}

// ExecutionResult describes one action an automation rule carried out.
type ExecutionResult struct {
	RuleID         string `json:"rule_id"`
	RuleName       string `json:"rule_name"`
	ActionType     string `json:"action_type"`
	TargetEntityID string `json:"target_entity_id"`
	Description    string `json:"description"`
	UndoID         string `json:"undo_id,omitempty"`
}

// Notice is automation feedback attached to mutation responses.
type Notice struct {
	Kind      string            `json:"kind"`
	ProjectID string            `json:"project_id,omitempty"`
	Results   []ExecutionResult `json:"results,omitempty"`
	RuleCount int               `json:"rule_count,omitempty"`
	Message   string            `json:"message,omitempty"`
}

type DryRunResult struct {
	RuleID         string   `json:"rule_id"`
	MatchedTaskIDs []string `json:"matched_task_ids"`
	WouldCreate    int      `json:"would_create"`
}

type TickReport struct {
	Evaluated int      `json:"evaluated"`
	Fired     int      `json:"fired"`
	Executed  int      `json:"executed"`
	Notices   []Notice `json:"notices,omitempty"`
}

type UndoSnapshot struct {
	ID             string `json:"id"`
	RuleID         string `json:"rule_id"`
	RuleName       string `json:"rule_name"`
	ActionType     string `json:"action_type"`
	TargetEntityID string `json:"target_entity_id"`
}

// Event represents a log entry.
type Event struct {
	ID              int64          `json:"id"`
	TS              string         `json:"ts"`
	Type            string         `json:"type"`
	ProjectID       string         `json:"project_id"`
	EntityID        string         `json:"entity_id"`
	EntityKind      string         `json:"entity_kind"`
	ActorID         string         `json:"actor_id"`
	TriggeredByRule string         `json:"triggered_by_rule,omitempty"`
	Depth           int            `json:"depth"`
	Payload         map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateProject creates a project with the given sections, in order.
func (c *Client) CreateProject(ctx context.Context, id, name string, sections ...string) (Project, error) {
	body := map[string]any{"id": id, "name": name, "sections": sections}
	var resp Project
	err := c.do(ctx, http.MethodPost, "v0/projects", body, &resp)
	return resp, err
}

// Sections lists the project's sections in board order.
func (c *Client) Sections(ctx context.Context) ([]Section, error) {
	var resp []Section
	err := c.do(ctx, http.MethodGet, c.projectPath("sections"), nil, &resp)
	return resp, err
}

// CreateTask adds a card to a section; an empty sectionID leaves it unfiled.
func (c *Client) CreateTask(ctx context.Context, sectionID, title string) (Task, error) {
	body := map[string]any{"title": title}
	if sectionID != "" {
		body["section_id"] = sectionID
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, c.projectPath("tasks"), body, &resp)
	return resp, err
}

func (c *Client) Tasks(ctx context.Context) ([]Task, error) {
	var resp []Task
	err := c.do(ctx, http.MethodGet, c.projectPath("tasks"), nil, &resp)
	return resp, err
}

// MoveTask moves a card; the response carries notices of any rules it fired.
func (c *Client) MoveTask(ctx context.Context, taskID, sectionID string, top bool) (Task, error) {
	body := map[string]any{"section_id": sectionID, "top": top}
	var resp Task
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/tasks/%s/move", url.PathEscape(taskID)), body, &resp)
	return resp, err
}

// SetCompleted marks a card complete or reopens it.
func (c *Client) SetCompleted(ctx context.Context, taskID string, completed bool) (Task, error) {
	verb := "complete"
	if !completed {
		verb = "reopen"
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/tasks/%s/%s", url.PathEscape(taskID), verb), nil, &resp)
	return resp, err
}

// CreateRule adds an automation rule to the client's project.
func (c *Client) CreateRule(ctx context.Context, r Rule) (Rule, error) {
	var resp Rule
	err := c.do(ctx, http.MethodPost, c.projectPath("rules"), r, &resp)
	return resp, err
}

func (c *Client) Rules(ctx context.Context) ([]Rule, error) {
	var resp []Rule
	err := c.do(ctx, http.MethodGet, c.projectPath("rules"), nil, &resp)
	return resp, err
}

// DryRun previews a saved rule without changing the board.
func (c *Client) DryRun(ctx context.Context, ruleID string) (DryRunResult, error) {
	var resp DryRunResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/rules/%s/dry-run", url.PathEscape(ruleID)), nil, &resp)
	return resp, err
}

// RunRule runs a rule manually against every matching card.
func (c *Client) RunRule(ctx context.Context, ruleID string) ([]ExecutionResult, error) {
	var resp struct {
		Results []ExecutionResult `json:"results"`
	}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/rules/%s/run", url.PathEscape(ruleID)), nil, &resp)
	return resp.Results, err
}

// Tick evaluates scheduled rules once.
func (c *Client) Tick(ctx context.Context) (TickReport, error) {
	var resp TickReport
	err := c.do(ctx, http.MethodPost, "v0/automation/tick", nil, &resp)
	return resp, err
}

// Undo reverses an automation action; an empty id undoes the newest.
func (c *Client) Undo(ctx context.Context, id string) (UndoSnapshot, error) {
	endpoint := "v0/automation/undo"
	if id != "" {
		endpoint += "?id=" + url.QueryEscape(id)
	}
	var resp UndoSnapshot
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := c.projectPath("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var reader io.Reader
	if body != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
		reader = &buf
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
