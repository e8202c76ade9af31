package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"boardflow/internal/config"
	"boardflow/internal/engine"
	"boardflow/internal/repo"
)

func TestWebhookDispatcherDeliversFilteredEvents(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	ctx := context.Background()
	e := srv.Engine
	if _, err := e.CreateProject(ctx, engine.ProjectCreateOptions{ID: "board", Name: "Board"}); err != nil {
		t.Fatalf("create project: %v", err)
	}

	var mu sync.Mutex
	var got []webhookEvent
	var secrets []string
	fail := true
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			fail = false
			http.Error(w, "try later", http.StatusServiceUnavailable)
			return
		}
		var evt webhookEvent
		if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
			t.Errorf("decode webhook body: %v", err)
		}
		got = append(got, evt)
		secrets = append(secrets, r.Header.Get("X-Boardflow-Secret"))
	}))
	defer hook.Close()

	disabled := false
	d := NewWebhookDispatcher(e.Repo, []config.Webhook{
		{URL: hook.URL, ProjectID: "board", Events: []string{"task.created"}, Secret: "s3"},
		{URL: hook.URL, Enabled: &disabled},
	}, nil)
	if d == nil || len(d.webhooks) != 1 {
		t.Fatalf("expected one active webhook")
	}
	// The first pass only anchors the cursor at the newest event.
	d.DispatchAll(ctx)

	if _, err := e.CreateSection(ctx, engine.SectionCreateOptions{ProjectID: "board", Name: "To Do"}); err != nil {
		t.Fatalf("create section: %v", err)
	}
	task, err := e.CreateTask(ctx, engine.TaskCreateOptions{ProjectID: "board", Title: "Ship"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	d.DispatchAll(ctx)
	mu.Lock()
	if len(got) != 0 {
		t.Fatalf("expected failed delivery to hold the event back, got %+v", got)
	}
	mu.Unlock()

	d.DispatchAll(ctx)
	d.DispatchAll(ctx)
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("expected exactly one delivery, got %+v", got)
	}
	if got[0].Type != "task.created" || got[0].EntityID != task.ID || secrets[0] != "s3" {
		t.Fatalf("unexpected delivery: %+v secret=%q", got[0], secrets[0])
	}
}

func TestNewWebhookDispatcherWithoutHooks(t *testing.T) {
	if d := NewWebhookDispatcher(repo.Repo{}, nil, nil); d != nil {
		t.Fatalf("expected nil dispatcher")
	}
}
