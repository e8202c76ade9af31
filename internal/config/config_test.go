package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default("board")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Project.ID != "board" {
		t.Fatalf("expected project id board, got %q", cfg.Project.ID)
	}
	a := cfg.Automation
	if a.MaxDepth != 5 || a.UndoWindow != 10*time.Second || a.UndoStackSize != 10 || a.TickInterval != time.Minute {
		t.Fatalf("unexpected automation defaults: %+v", a)
	}
	if a.RuleWarningThreshold != 10 || a.CreateCardDedupWindow != 5*time.Minute {
		t.Fatalf("unexpected automation defaults: %+v", a)
	}
}

func TestFromYAMLKeepsDefaultsForMissingKeys(t *testing.T) {
	cfg, err := FromYAML([]byte("automation:\n  max_depth: 3\nlog:\n  format: json\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Automation.MaxDepth != 3 {
		t.Fatalf("expected max_depth 3, got %d", cfg.Automation.MaxDepth)
	}
	if cfg.Automation.UndoWindow != 10*time.Second {
		t.Fatalf("expected default undo window, got %s", cfg.Automation.UndoWindow)
	}
	if cfg.Log.Format != "json" || cfg.Log.Level != "info" {
		t.Fatalf("unexpected log config: %+v", cfg.Log)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"automation:\n  max_depth: 0\n":          "max_depth",
		"automation:\n  tick_interval: 10ms\n":   "tick_interval",
		"automation:\n  undo_stack_size: -1\n":   "undo_stack_size",
		"log:\n  level: loud\n":                  "log.level",
		"log:\n  format: xml\n":                  "log.format",
		"server:\n  addr: \"\"\n":                "server.addr",
		"automation:\n  undo_window: nonsense\n": "invalid config yaml",
	}
	for doc, want := range cases {
		_, err := FromYAML([]byte(doc))
		if err == nil || !strings.Contains(err.Error(), want) {
			t.Fatalf("%q: expected error containing %q, got %v", doc, want, err)
		}
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load(dir); err == nil || !strings.Contains(err.Error(), "bf init") {
		t.Fatalf("expected missing config hint, got %v", err)
	}
	cfg, err := LoadOptional(dir)
	if err != nil || cfg.Automation.MaxDepth != 5 {
		t.Fatalf("optional load: %+v %v", cfg, err)
	}
	if err := os.WriteFile(Path(dir), []byte(GenerateDefault("p1")), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = Load(dir)
	if err != nil || cfg.Project.ID != "p1" {
		t.Fatalf("load: %+v %v", cfg, err)
	}
}

func TestWebhooks(t *testing.T) {
	doc := `webhooks:
  - url: https://hooks.example.com/board
    events: [task.updated]
    timeout: 3s
  - url: not a url
    enabled: false
`
	cfg, err := FromYAML([]byte(doc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(cfg.Webhooks) != 2 {
		t.Fatalf("expected 2 webhooks, got %d", len(cfg.Webhooks))
	}
	if !cfg.Webhooks[0].Active() || cfg.Webhooks[0].Timeout != 3*time.Second {
		t.Fatalf("unexpected first webhook: %+v", cfg.Webhooks[0])
	}
	if cfg.Webhooks[1].Active() {
		t.Fatalf("disabled webhook reported active")
	}

	_, err = FromYAML([]byte("webhooks:\n  - url: ftp://example.com\n"))
	if err == nil || !strings.Contains(err.Error(), "webhooks[0].url") {
		t.Fatalf("expected url error, got %v", err)
	}
}
