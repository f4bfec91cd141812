package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.PR.DefaultProvider != "github" {
		t.Errorf("expected default provider github, got %s", cfg.PR.DefaultProvider)
	}
	if cfg.PR.BotAuthor != "coderabbitai" {
		t.Errorf("expected bot author coderabbitai, got %s", cfg.PR.BotAuthor)
	}
	if cfg.Pipeline.MaxIterations != 5 {
		t.Errorf("expected max_iterations 5, got %d", cfg.Pipeline.MaxIterations)
	}
	if cfg.Pipeline.Analyzers != 3 {
		t.Errorf("expected analyzers 3, got %d", cfg.Pipeline.Analyzers)
	}
	if cfg.Pipeline.ParseIterationDelay() != 30*time.Second {
		t.Errorf("expected iteration delay 30s, got %v", cfg.Pipeline.ParseIterationDelay())
	}
	if cfg.RateLimit.MaxPerMinute != 60 {
		t.Errorf("expected max_per_minute 60, got %d", cfg.RateLimit.MaxPerMinute)
	}
	if cfg.RateLimit.ParseMaxBackoff() != 5*time.Minute {
		t.Errorf("expected max backoff 5m, got %v", cfg.RateLimit.ParseMaxBackoff())
	}
	if cfg.Server.Port != 4199 {
		t.Errorf("expected server port 4199, got %d", cfg.Server.Port)
	}
}

func TestCIMaxAttempts(t *testing.T) {
	p := PipelineConfig{CITimeout: "5m", CIPollInterval: "10s"}
	if got := p.CIMaxAttempts(); got != 30 {
		t.Errorf("expected 30 attempts for 5m/10s, got %d", got)
	}

	// Invalid durations fall back to 5m/10s.
	p = PipelineConfig{CITimeout: "bad", CIPollInterval: "bad"}
	if got := p.CIMaxAttempts(); got != 30 {
		t.Errorf("expected fallback 30 attempts, got %d", got)
	}

	// Timeout shorter than the interval still polls once.
	p = PipelineConfig{CITimeout: "1s", CIPollInterval: "10s"}
	if got := p.CIMaxAttempts(); got != 1 {
		t.Errorf("expected at least 1 attempt, got %d", got)
	}
}

func TestLoadJSONC(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.jsonc")

	content := []byte(`{
  // This is a JSONC comment
  "pr": {
    "bot_author": "test-bot"
  },
  "server": {
    "port": 9999
  }
}`)

	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}

	m, err := loadJSONC(path)
	if err != nil {
		t.Fatalf("loadJSONC failed: %v", err)
	}

	pr, ok := m["pr"].(map[string]any)
	if !ok {
		t.Fatal("expected pr to be a map")
	}
	if pr["bot_author"] != "test-bot" {
		t.Errorf("expected bot_author=test-bot, got %v", pr["bot_author"])
	}

	server, ok := m["server"].(map[string]any)
	if !ok {
		t.Fatal("expected server to be a map")
	}
	if server["port"] != float64(9999) {
		t.Errorf("expected port=9999, got %v", server["port"])
	}
}

func TestLoadJSONC_FileNotFound(t *testing.T) {
	_, err := loadJSONC("/nonexistent/path/config.jsonc")
	if err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestLoadJSONC_MalformedContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.jsonc")

	if err := os.WriteFile(path, []byte(`{"pr": {"bot_author": "x"`), 0644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}
	if _, err := loadJSONC(path); err == nil {
		t.Error("expected error for malformed JSONC")
	}
}

func TestMergeIntoConfig(t *testing.T) {
	cfg := DefaultConfig()

	src := map[string]any{
		"pr": map[string]any{
			"bot_author": "other-bot",
		},
		"server": map[string]any{
			"port": json.Number("8080"),
		},
	}

	if err := mergeIntoConfig(&cfg, src); err != nil {
		t.Fatalf("mergeIntoConfig failed: %v", err)
	}

	if cfg.PR.BotAuthor != "other-bot" {
		t.Errorf("expected bot_author=other-bot, got %s", cfg.PR.BotAuthor)
	}
	// Untouched siblings survive the merge.
	if cfg.PR.DefaultProvider != "github" {
		t.Errorf("expected default_provider preserved as github, got %s", cfg.PR.DefaultProvider)
	}
	if cfg.Pipeline.MaxIterations != 5 {
		t.Errorf("expected pipeline.max_iterations preserved as 5, got %d", cfg.Pipeline.MaxIterations)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := DefaultConfig()

	t.Setenv("GITHUB_TOKEN", "gh-token-456")
	t.Setenv("REVQ_BOT_AUTHOR", "envbot")
	t.Setenv("REVQ_SERVER_PORT", "7001")

	applyEnvOverrides(&cfg)

	if cfg.PR.Providers["github"].Token != "gh-token-456" {
		t.Errorf("expected GitHub token=gh-token-456, got %s", cfg.PR.Providers["github"].Token)
	}
	if cfg.PR.BotAuthor != "envbot" {
		t.Errorf("expected bot_author=envbot, got %s", cfg.PR.BotAuthor)
	}
	if cfg.Server.Port != 7001 {
		t.Errorf("expected server port 7001, got %d", cfg.Server.Port)
	}
}

func TestParseDurations_Invalid(t *testing.T) {
	p := PipelineConfig{IterationDelay: "not-a-duration"}
	if p.ParseIterationDelay() != 30*time.Second {
		t.Error("expected fallback to 30s for invalid iteration delay")
	}
	r := RateLimitConfig{MaxBackoff: "bad"}
	if r.ParseMaxBackoff() != 5*time.Minute {
		t.Error("expected fallback to 5m for invalid max backoff")
	}
}

func TestLoadMergesUserConfig(t *testing.T) {
	userConfigDir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", userConfigDir)

	// Prevent repo-level config and env vars from interfering.
	t.Setenv("GIT_CEILING_DIRECTORIES", t.TempDir())
	t.Setenv("GITHUB_TOKEN", "")
	t.Setenv("REVQ_BOT_AUTHOR", "")
	t.Setenv("REVQ_SERVER_PORT", "")

	revqDir := filepath.Join(userConfigDir, "revq")
	if err := os.MkdirAll(revqDir, 0755); err != nil {
		t.Fatalf("failed to create revq config dir: %v", err)
	}
	userConfig := []byte(`{"pr":{"bot_author":"user-bot"},"server":{"port":5555}}`)
	if err := os.WriteFile(filepath.Join(revqDir, "revq.jsonc"), userConfig, 0644); err != nil {
		t.Fatalf("failed to write user config: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.PR.BotAuthor != "user-bot" {
		t.Errorf("expected bot_author=user-bot, got %s", cfg.PR.BotAuthor)
	}
	if cfg.Server.Port != 5555 {
		t.Errorf("expected server.port=5555, got %d", cfg.Server.Port)
	}
	// Defaults preserved for fields the user config did not set.
	if cfg.Pipeline.MaxIterations != 5 {
		t.Errorf("expected pipeline.max_iterations=5, got %d", cfg.Pipeline.MaxIterations)
	}
}
