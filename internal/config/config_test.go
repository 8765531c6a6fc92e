package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stagehand.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadSubstitutesEnv(t *testing.T) {
	t.Setenv("STAGEHAND_TEST_KEY", "sk-from-env")
	path := writeConfig(t, `{
		"providers": [{"id": "main", "type": "openai", "endpoint": "${STAGEHAND_TEST_URL:http://llm:1234/v1}", "api_key": "${STAGEHAND_TEST_KEY}"}],
		"oracle": {"provider": "main", "model": "m"},
		"engine": {"workflow": "extended", "decision": "oracle", "loop_delay": "10ms"},
		"scheduler": {"workers": 2, "default_timeout": 1500}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := cfg.Providers[0].APIKey; got != "sk-from-env" {
		t.Errorf("api key = %q", got)
	}
	if got := cfg.Providers[0].Endpoint; got != "http://llm:1234/v1" {
		t.Errorf("endpoint default not applied: %q", got)
	}
	if cfg.Engine.Workflow != "extended" {
		t.Errorf("workflow = %q", cfg.Engine.Workflow)
	}
	if cfg.Engine.LoopDelay.Std() != 10*time.Millisecond {
		t.Errorf("loop delay = %v", cfg.Engine.LoopDelay.Std())
	}
	if cfg.Scheduler.DefaultTimeout.Std() != 1500*time.Millisecond {
		t.Errorf("default timeout = %v", cfg.Scheduler.DefaultTimeout.Std())
	}
	// Untouched fields keep their defaults.
	if cfg.Scheduler.MaxRetries != 3 {
		t.Errorf("max retries = %d, want default 3", cfg.Scheduler.MaxRetries)
	}
}

func TestLoadRejectsUnknownWorkflow(t *testing.T) {
	path := writeConfig(t, `{"engine": {"workflow": "five-state"}}`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected read error")
	}
}

func TestDefaultsValidate(t *testing.T) {
	if err := Defaults().Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
}

func TestLoadToolLimits(t *testing.T) {
	path := writeConfig(t, `{
		"engine": {"max_concurrent_runs": 3},
		"scheduler": {"tool_limits": {"createElement": {"cpu_ceiling": 50, "timeout": "2s"}}}
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Engine.MaxConcurrentRuns != 3 {
		t.Errorf("max concurrent runs = %d", cfg.Engine.MaxConcurrentRuns)
	}
	lim := cfg.Scheduler.ToolLimits["createElement"]
	if lim.CPUCeiling != 50 || lim.Timeout.Std() != 2*time.Second {
		t.Errorf("tool limit = %+v", lim)
	}
}

func TestExampleConfigLoads(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("OPENAI_BASE_URL", "")
	cfg, err := Load(filepath.Join("..", "..", "configs", "stagehand.example.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Providers) != 2 || cfg.Providers[0].APIKey != "sk-test" {
		t.Errorf("providers = %+v", cfg.Providers)
	}
	if cfg.Providers[0].Endpoint != "https://api.openai.com/v1" {
		t.Errorf("endpoint default not applied: %q", cfg.Providers[0].Endpoint)
	}
	if cfg.Engine.MaxConcurrentRuns != 2 {
		t.Errorf("max concurrent runs = %d", cfg.Engine.MaxConcurrentRuns)
	}
	if got := cfg.Scheduler.ToolLimits["queryElement"].Timeout.Std(); got != 5*time.Second {
		t.Errorf("queryElement timeout = %v", got)
	}
}
