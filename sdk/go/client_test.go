package boardflowsdk

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"boardflow/internal/config"
	"boardflow/internal/db"
	"boardflow/internal/engine"
	"boardflow/internal/migrate"
	"boardflow/internal/server"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default("board"), engine.Options{})
	handler, err := server.New(server.Config{Engine: e, BasePath: "/v0"})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ts := httptest.NewServer(handler)
	t.Cleanup(func() {
		ts.Close()
		e.Close()
		conn.Close()
	})
	return New(ts.URL, "board")
}

func TestClientRuleRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)

	if _, err := c.CreateProject(ctx, "board", "Board", "To Do", "Done"); err != nil {
		t.Fatalf("create project: %v", err)
	}
	sections, err := c.Sections(ctx)
	if err != nil || len(sections) != 2 {
		t.Fatalf("sections: %v %+v", err, sections)
	}
	todo, done := sections[0].ID, sections[1].ID

	rule, err := c.CreateRule(ctx, Rule{
		Name:    "Done means complete",
		Trigger: map[string]any{"type": "card_moved_into_section", "section_id": done},
		Action:  map[string]any{"type": "mark_card_complete"},
	})
	if err != nil {
		t.Fatalf("create rule: %v", err)
	}
	if rule.Enabled == nil || !*rule.Enabled {
		t.Fatalf("expected rule enabled by default: %+v", rule)
	}

	task, err := c.CreateTask(ctx, todo, "Write release notes")
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	moved, err := c.MoveTask(ctx, task.ID, done, false)
	if err != nil {
		t.Fatalf("move task: %v", err)
	}
	if len(moved.Notices) != 1 || len(moved.Notices[0].Results) != 1 {
		t.Fatalf("expected one execution notice, got %+v", moved.Notices)
	}
	if moved.Notices[0].Results[0].RuleID != rule.ID {
		t.Fatalf("unexpected result: %+v", moved.Notices[0].Results[0])
	}

	tasks, err := c.Tasks(ctx)
	if err != nil || len(tasks) != 1 || !tasks[0].Completed {
		t.Fatalf("expected completed task: %v %+v", err, tasks)
	}

	snap, err := c.Undo(ctx, "")
	if err != nil {
		t.Fatalf("undo: %v", err)
	}
	if snap.RuleID != rule.ID || snap.TargetEntityID != task.ID {
		t.Fatalf("unexpected undo snapshot: %+v", snap)
	}
	tasks, err = c.Tasks(ctx)
	if err != nil || tasks[0].Completed {
		t.Fatalf("expected undo to reopen the task: %v %+v", err, tasks)
	}

	page, err := c.EventsPage(ctx, 2, "")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("expected a full first page with a cursor: %+v", page)
	}
}

func TestClientAPIError(t *testing.T) {
	c := newTestClient(t)
	_, err := c.DryRun(context.Background(), "missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 api error, got %v", err)
	}
}
