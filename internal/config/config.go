package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Config models boardflow.yml.
type Config struct {
	Project struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"project"`
	Automation Automation `yaml:"automation"`
	Log        Log        `yaml:"log"`
	Server     Server     `yaml:"server"`
	Webhooks   []Webhook  `yaml:"webhooks"`
}

type Automation struct {
	MaxDepth              int           `yaml:"max_depth"`
	UndoWindow            time.Duration `yaml:"undo_window"`
	UndoStackSize         int           `yaml:"undo_stack_size"`
	TickInterval          time.Duration `yaml:"tick_interval"`
	RuleWarningThreshold  int           `yaml:"rule_warning_threshold"`
	CreateCardDedupWindow time.Duration `yaml:"create_card_dedup_window"`
	LogSampleSize         int           `yaml:"log_sample_size"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Server struct {
	Addr      string `yaml:"addr"`
	BasePath  string `yaml:"base_path"`
	JWTSecret string `yaml:"jwt_secret"`
}

// Webhook posts persisted events to URL while bf serve runs. An empty
// ProjectID follows every project; an empty Events list matches every type.
type Webhook struct {
	URL       string        `yaml:"url"`
	ProjectID string        `yaml:"project_id"`
	Events    []string      `yaml:"events"`
	Secret    string        `yaml:"secret"`
	Timeout   time.Duration `yaml:"timeout"`
	Enabled   *bool         `yaml:"enabled"`
}

// Active reports whether the hook should be dispatched.
func (w Webhook) Active() bool {
	if w.Enabled != nil && !*w.Enabled {
		return false
	}
	return strings.TrimSpace(w.URL) != ""
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it with bf init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional falls back to the defaults when the workspace has no config file.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(""), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	a := c.Automation
	if a.MaxDepth < 1 {
		return fmt.Errorf("config.automation.max_depth must be at least 1")
	}
	if a.UndoWindow <= 0 {
		return fmt.Errorf("config.automation.undo_window must be positive")
	}
	if a.UndoStackSize < 1 {
		return fmt.Errorf("config.automation.undo_stack_size must be at least 1")
	}
	if a.TickInterval < time.Second {
		return fmt.Errorf("config.automation.tick_interval must be at least 1s")
	}
	if a.RuleWarningThreshold < 1 {
		return fmt.Errorf("config.automation.rule_warning_threshold must be at least 1")
	}
	if a.CreateCardDedupWindow < 0 {
		return fmt.Errorf("config.automation.create_card_dedup_window cannot be negative")
	}
	if a.LogSampleSize < 1 {
		return fmt.Errorf("config.automation.log_sample_size must be at least 1")
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("config.log.level: %w", err)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("config.log.format must be 'json' or 'console'")
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	for i, w := range c.Webhooks {
		if !w.Active() {
			continue
		}
		u, err := url.Parse(w.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("config.webhooks[%d].url must be an http(s) URL", i)
		}
		if w.Timeout < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout cannot be negative", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "boardflow.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(projectID))).Decode(&cfg)
	cfg.Project.ID = projectID
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing
// from data keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default("")
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `project:
  id: "%s"

automation:
  max_depth: 5
  undo_window: 10s
  undo_stack_size: 10
  tick_interval: 1m
  rule_warning_threshold: 10
  create_card_dedup_window: 5m
  log_sample_size: 10

log:
  level: info
  format: console

server:
  addr: 127.0.0.1:8080
  base_path: /v0
`
