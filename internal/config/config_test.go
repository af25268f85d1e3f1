package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("PAW_TEST_TOKEN", "tok-123")

	dir := t.TempDir()
	path := filepath.Join(dir, "paw.yaml")
	body := `
llm:
  model: gpt-4o-mini
  api_key: ${PAW_TEST_TOKEN}
channels:
  telegram:
    enabled: true
    bot_token: ${PAW_TEST_TOKEN}
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.APIKey != "tok-123" {
		t.Errorf("LLM.APIKey = %q, want tok-123", cfg.LLM.APIKey)
	}
	if cfg.Channels.Telegram.BotToken != "tok-123" {
		t.Errorf("Telegram.BotToken = %q, want tok-123", cfg.Channels.Telegram.BotToken)
	}
	// Defaults survive partial config.
	if cfg.Agent.MaxIterations != 10 {
		t.Errorf("Agent.MaxIterations = %d, want default 10", cfg.Agent.MaxIterations)
	}
	if cfg.Channels.Telegram.PollTimeoutSec != 25 {
		t.Errorf("PollTimeoutSec = %d, want default 25", cfg.Channels.Telegram.PollTimeoutSec)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestFindConfigExplicitMustExist(t *testing.T) {
	if _, err := FindConfig("/does/not/exist.yaml"); err == nil {
		t.Fatal("expected error for missing explicit config")
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "paw.yaml")
	if err := os.WriteFile(path, []byte("data_dir: x\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig: %v", err)
	}
	if got != path {
		t.Errorf("FindConfig = %q, want %q", got, path)
	}
}

func TestSetModels(t *testing.T) {
	cfg := Default()
	cfg.SetModels("model-a", "")
	regular, smart := cfg.Models()
	if regular != "model-a" {
		t.Errorf("regular = %q, want model-a", regular)
	}
	if smart != "gpt-4o" {
		t.Errorf("smart = %q, want unchanged default", smart)
	}

	cfg.SetModels("", "model-b")
	_, smart = cfg.Models()
	if smart != "model-b" {
		t.Errorf("smart = %q, want model-b", smart)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"info", slog.LevelInfo, false},
		{"INFO", slog.LevelInfo, false},
		{"trace", LevelTrace, false},
		{"debug", slog.LevelDebug, false},
		{"warn", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"  debug  ", slog.LevelDebug, false},
		{"verbose", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		got, err := ParseLogLevel(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}
