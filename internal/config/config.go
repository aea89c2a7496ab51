// Package config loads and validates deepresearch configuration from
// .deepresearch/config.yaml with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for a deepresearch process.
type Config struct {
	LLM           LLMConfig           `yaml:"llm"`
	Search        SearchConfig        `yaml:"search"`
	Orchestration OrchestrationConfig `yaml:"orchestration"`
	Server        ServerConfig        `yaml:"server"`
	Archive       ArchiveConfig       `yaml:"archive"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// LLMConfig configures the reasoning model client.
type LLMConfig struct {
	Provider string `yaml:"provider"` // "gemini"
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	Timeout  string `yaml:"timeout"` // duration string, e.g. "30s"
}

// SearchConfig configures the web search provider.
type SearchConfig struct {
	APIKey     string `yaml:"api_key"`
	BaseURL    string `yaml:"base_url"`
	MaxResults int    `yaml:"max_results"`
	Timeout    string `yaml:"timeout"`
	FetchPages bool   `yaml:"fetch_pages"` // fetch full page text for results
}

// OrchestrationConfig bounds the research loop.
type OrchestrationConfig struct {
	MaxConcurrent int    `yaml:"max_concurrent"` // parallel sub-agents per batch
	StepCeiling   int    `yaml:"step_ceiling"`   // controller cycles before forced synthesis
	SubTaskBudget int    `yaml:"subtask_budget"` // act/reflect iterations per sub-agent
	CallTimeout   string `yaml:"call_timeout"`   // per external call
}

// ServerConfig configures the HTTP front end.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// ArchiveConfig configures the finished-session archive.
type ArchiveConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig mirrors the logging package's file-based config.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
	Level      string          `yaml:"level"`
	JSONFormat bool            `yaml:"json_format"`
}

// Default returns a Config with production defaults.
func Default() *Config {
	return &Config{
		LLM: LLMConfig{
			Provider: "gemini",
			Model:    "gemini-2.0-flash",
			BaseURL:  "https://generativelanguage.googleapis.com/v1beta",
			Timeout:  "30s",
		},
		Search: SearchConfig{
			BaseURL:    "https://api.tavily.com",
			MaxResults: 3,
			Timeout:    "30s",
			FetchPages: true,
		},
		Orchestration: OrchestrationConfig{
			MaxConcurrent: 3,
			StepCeiling:   15,
			SubTaskBudget: 3,
			CallTimeout:   "30s",
		},
		Server: ServerConfig{
			Addr: ":8080",
		},
		Archive: ArchiveConfig{
			Enabled: false,
			Path:    filepath.Join(".deepresearch", "sessions.db"),
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads config.yaml from the workspace, falling back to defaults for
// anything unset, then applies environment overrides.
func Load(workspace string) (*Config, error) {
	cfg := Default()

	path := filepath.Join(workspace, ".deepresearch", "config.yaml")
	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides file-level settings from the environment. Keys are the
// usual deployment-time secrets.
func (c *Config) applyEnv() {
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("DEEPRESEARCH_LLM_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if v := os.Getenv("TAVILY_API_KEY"); v != "" {
		c.Search.APIKey = v
	}
	if v := os.Getenv("DEEPRESEARCH_ADDR"); v != "" {
		c.Server.Addr = v
	}
}

// Validate checks bounds that would otherwise fail deep inside a run.
func (c *Config) Validate() error {
	if c.Orchestration.MaxConcurrent < 1 {
		return fmt.Errorf("orchestration.max_concurrent must be >= 1, got %d", c.Orchestration.MaxConcurrent)
	}
	if c.Orchestration.StepCeiling < 1 {
		return fmt.Errorf("orchestration.step_ceiling must be >= 1, got %d", c.Orchestration.StepCeiling)
	}
	if c.Orchestration.SubTaskBudget < 1 {
		return fmt.Errorf("orchestration.subtask_budget must be >= 1, got %d", c.Orchestration.SubTaskBudget)
	}
	for name, raw := range map[string]string{
		"llm.timeout":                c.LLM.Timeout,
		"search.timeout":             c.Search.Timeout,
		"orchestration.call_timeout": c.Orchestration.CallTimeout,
	} {
		if raw == "" {
			continue
		}
		if _, err := time.ParseDuration(raw); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// CallTimeoutDuration parses the per-call timeout, defaulting to 30s.
func (c *OrchestrationConfig) CallTimeoutDuration() time.Duration {
	return parseDuration(c.CallTimeout, 30*time.Second)
}

// TimeoutDuration parses the LLM client timeout, defaulting to 30s.
func (c *LLMConfig) TimeoutDuration() time.Duration {
	return parseDuration(c.Timeout, 30*time.Second)
}

// TimeoutDuration parses the search client timeout, defaulting to 30s.
func (c *SearchConfig) TimeoutDuration() time.Duration {
	return parseDuration(c.Timeout, 30*time.Second)
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}
