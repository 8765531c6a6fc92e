package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"
)

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig     `json:"server"`
	Providers []ProviderConfig `json:"providers"`
	Oracle    OracleConfig     `json:"oracle"`
	Engine    EngineConfig     `json:"engine"`
	Scheduler SchedulerConfig  `json:"scheduler"`
	MCP       MCPConfig        `json:"mcp"`
	Events    EventsConfig     `json:"events"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
	Metrics  bool   `json:"metrics"`
}

type ProviderConfig struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	Name     string            `json:"name"`
	Endpoint string            `json:"endpoint"`
	APIKey   string            `json:"api_key"`
	Models   []string          `json:"models,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
	Timeout  Duration          `json:"timeout,omitempty"`
}

// OracleConfig selects the model the decision oracle talks to.
type OracleConfig struct {
	Provider    string   `json:"provider"`
	Fallbacks   []string `json:"fallbacks,omitempty"`
	Model       string   `json:"model"`
	Temperature float64  `json:"temperature"`
	MaxTokens   int      `json:"max_tokens"`
}

// EngineConfig controls the workflow loop.
type EngineConfig struct {
	Workflow        string   `json:"workflow"` // standard|extended
	Decision        string   `json:"decision"` // oracle|heuristic
	LoopDelay       Duration `json:"loop_delay"`
	MaxIterations   int      `json:"max_iterations"`
	MaxStepFailures int      `json:"max_step_failures"`
	HistoryWindow   int      `json:"history_window"`

	// MaxConcurrentRuns bounds how many goals the server executes at once.
	MaxConcurrentRuns int `json:"max_concurrent_runs"`
}

// SchedulerConfig controls the tool queue.
type SchedulerConfig struct {
	Workers        int      `json:"workers"`
	MaxRetries     int      `json:"max_retries"`
	DefaultTimeout Duration `json:"default_timeout"`
	RetryBackoff   Duration `json:"retry_backoff"`
	CPUCeiling     float64  `json:"cpu_ceiling"`
	MemoryCeiling  float64  `json:"memory_ceiling"`
	DeniedTools    []string `json:"denied_tools,omitempty"`

	// ToolLimits overrides the ceilings and timeout per tool id.
	ToolLimits map[string]ToolLimit `json:"tool_limits,omitempty"`
}

type ToolLimit struct {
	CPUCeiling    float64  `json:"cpu_ceiling,omitempty"`
	MemoryCeiling float64  `json:"memory_ceiling,omitempty"`
	Timeout       Duration `json:"timeout,omitempty"`
}

// MCPConfig lists MCP servers whose tools join the registry.
type MCPConfig struct {
	Servers        []MCPServerConfig `json:"servers"`
	ConnectTimeout Duration          `json:"connect_timeout"`
}

type MCPServerConfig struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

type EventsConfig struct {
	Redis   RedisConfig   `json:"redis"`
	Slack   SlackConfig   `json:"slack"`
	Discord DiscordConfig `json:"discord"`
}

type RedisConfig struct {
	URL          string `json:"url"`
	StreamPrefix string `json:"stream_prefix"`
}

type SlackConfig struct {
	Enabled   bool   `json:"enabled"`
	BotToken  string `json:"bot_token"`
	ChannelID string `json:"channel_id"`
}

type DiscordConfig struct {
	Enabled   bool   `json:"enabled"`
	BotToken  string `json:"bot_token"`
	ChannelID string `json:"channel_id"`
}

// Duration is a time.Duration that unmarshals from "1.5s" style strings
// or from a number of milliseconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case float64:
		*d = Duration(time.Duration(val) * time.Millisecond)
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration %s", string(b))
	}
	return nil
}

// Defaults returns a configuration usable without a file: a local
// OpenAI-compatible endpoint and the standard three-state workflow.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080, LogLevel: "info", Metrics: true},
		Providers: []ProviderConfig{{
			ID:       "local",
			Type:     "openai",
			Name:     "Local OpenAI-compatible",
			Endpoint: "http://127.0.0.1:1234/v1",
		}},
		Oracle: OracleConfig{
			Provider:    "local",
			Model:       "qwen3-0.6b",
			Temperature: 0.7,
			MaxTokens:   4096,
		},
		Engine: EngineConfig{
			Workflow:        "standard",
			Decision:        "oracle",
			LoopDelay:       Duration(500 * time.Millisecond),
			MaxIterations:   50,
			MaxStepFailures: 3,
			HistoryWindow:   5,

			MaxConcurrentRuns: 1,
		},
		Scheduler: SchedulerConfig{
			Workers:        4,
			MaxRetries:     3,
			DefaultTimeout: Duration(60 * time.Second),
			RetryBackoff:   Duration(200 * time.Millisecond),
			CPUCeiling:     90,
			MemoryCeiling:  80,
		},
		MCP: MCPConfig{ConnectTimeout: Duration(10 * time.Second)},
		Events: EventsConfig{
			Redis: RedisConfig{StreamPrefix: "stagehand:run:"},
		},
	}
}

// Validate checks enumerated fields.
func (c *Config) Validate() error {
	switch c.Engine.Workflow {
	case "standard", "extended":
	default:
		return fmt.Errorf("engine.workflow must be standard or extended, got %q", c.Engine.Workflow)
	}
	switch c.Engine.Decision {
	case "oracle", "heuristic":
	default:
		return fmt.Errorf("engine.decision must be oracle or heuristic, got %q", c.Engine.Decision)
	}
	if c.Scheduler.Workers <= 0 {
		return fmt.Errorf("scheduler.workers must be positive")
	}
	if c.Engine.MaxConcurrentRuns <= 0 {
		return fmt.Errorf("engine.max_concurrent_runs must be positive")
	}
	if c.Scheduler.MaxRetries < 0 {
		return fmt.Errorf("scheduler.max_retries must not be negative")
	}
	seen := map[string]bool{}
	for _, s := range c.MCP.Servers {
		if s.Name == "" || s.URL == "" {
			return fmt.Errorf("mcp.servers entries need a name and a url")
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate mcp server %q", s.Name)
		}
		seen[s.Name] = true
	}
	if c.Engine.Decision == "oracle" && c.Oracle.Provider == "" {
		return fmt.Errorf("oracle.provider is required for oracle decisions")
	}
	return nil
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file over Defaults and substitutes environment
// variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	cfg := Defaults()
	if err := json.Unmarshal([]byte(resolved), cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config %s: %w", path, err)
	}
	return cfg, nil
}
