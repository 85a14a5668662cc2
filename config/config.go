// Package config defines the slated daemon configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the top-level slated configuration.
type Config struct {
	Server   ServerConfig   `json:"server" yaml:"server"`
	Auth     AuthConfig     `json:"auth" yaml:"auth"`
	Provider ProviderConfig `json:"provider" yaml:"provider"`
	Bus      BusConfig      `json:"bus" yaml:"bus"`
	Workflow WorkflowConfig `json:"workflow" yaml:"workflow"`
	Catalog  CatalogConfig  `json:"catalog" yaml:"catalog"`
	Agents   []AgentConfig  `json:"agents" yaml:"agents"`
	DataDir  string         `json:"data_dir" yaml:"data_dir"`
	LogLevel string         `json:"log_level" yaml:"log_level"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr"` // listen address, e.g., ":9190"
}

// AuthConfig controls API authentication. The JWT secret normally comes
// from SLATE_AUTH_SECRET rather than the file.
type AuthConfig struct {
	JWTSecret string `json:"jwt_secret" yaml:"jwt_secret"`
	AdminUser string `json:"admin_user" yaml:"admin_user"`
	AdminPass string `json:"admin_pass" yaml:"admin_pass"` // bcrypt hash, or plaintext for dev
}

// ProviderConfig selects and tunes the model backend.
type ProviderConfig struct {
	Name        string  `json:"name" yaml:"name"` // "mock", "anthropic", "openai"
	APIKey      string  `json:"api_key,omitempty" yaml:"api_key"`
	Model       string  `json:"model,omitempty" yaml:"model"`
	MaxTokens   int     `json:"max_tokens" yaml:"max_tokens"`
	Temperature float64 `json:"temperature" yaml:"temperature"`
}

// BusConfig tunes the message bus.
type BusConfig struct {
	HistoryLimit int `json:"history_limit" yaml:"history_limit"`
}

// WorkflowConfig controls the workflow engine.
type WorkflowConfig struct {
	DBPath         string `json:"db_path,omitempty" yaml:"db_path"`               // default <data_dir>/workflows.db
	PipelinesFile  string `json:"pipelines_file,omitempty" yaml:"pipelines_file"` // optional YAML overriding built-ins
	WatchPipelines bool   `json:"watch_pipelines" yaml:"watch_pipelines"`
}

// CatalogConfig controls the asset library.
type CatalogConfig struct {
	DBPath   string `json:"db_path,omitempty" yaml:"db_path"` // default <data_dir>/catalog.db
	SeedFile string `json:"seed_file,omitempty" yaml:"seed_file"`
}

// AgentConfig defines one role agent. The model is a provider-level
// setting; agents only carry identity and an optional prompt override.
type AgentConfig struct {
	ID           string `json:"id" yaml:"id"`
	Name         string `json:"name" yaml:"name"`
	Role         string `json:"role" yaml:"role"` // "script", "dam", "board"
	SystemPrompt string `json:"system_prompt,omitempty" yaml:"system_prompt"`
}

// DefaultConfig returns a config with sensible defaults: mock provider,
// local SQLite files under ./data, one agent per role.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":9190",
		},
		Auth: AuthConfig{
			AdminUser: "admin",
		},
		Provider: ProviderConfig{
			Name:        "mock",
			MaxTokens:   1024,
			Temperature: 0.7,
		},
		Bus: BusConfig{
			HistoryLimit: 1000,
		},
		Workflow: WorkflowConfig{
			WatchPipelines: true,
		},
		DataDir:  "./data",
		LogLevel: "info",
		Agents: []AgentConfig{
			{ID: "script_agent", Name: "Script", Role: "script"},
			{ID: "dam_agent", Name: "DAM", Role: "dam"},
			{ID: "board_agent", Name: "Board", Role: "board"},
		},
	}
}

// Load reads a YAML config file over the defaults. Secrets present in the
// environment win over the file: SLATE_AUTH_SECRET replaces
// auth.jwt_secret.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.ApplyEnv()
	return cfg, nil
}

// ApplyEnv overlays environment secrets. Load calls it; callers running
// on DefaultConfig alone should call it themselves.
func (c *Config) ApplyEnv() {
	if s := os.Getenv("SLATE_AUTH_SECRET"); s != "" {
		c.Auth.JWTSecret = s
	}
}

// WorkflowDBPath resolves the workflow database location.
func (c *Config) WorkflowDBPath() string {
	if c.Workflow.DBPath != "" {
		return c.Workflow.DBPath
	}
	return filepath.Join(c.DataDir, "workflows.db")
}

// CatalogDBPath resolves the asset catalog location.
func (c *Config) CatalogDBPath() string {
	if c.Catalog.DBPath != "" {
		return c.Catalog.DBPath
	}
	return filepath.Join(c.DataDir, "catalog.db")
}

// Level maps the configured log level onto slog. Unknown values fall
// back to info.
func (c *Config) Level() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
