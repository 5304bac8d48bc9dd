package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFindConfigExplicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 9999\n"), 0600)

	got, err := FindConfig("mesh", path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfigExplicitMissing(t *testing.T) {
	_, err := FindConfig("mesh", "/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfigCWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 8080\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("mesh", "")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoadMeshExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte(
		"assistant_url: ${TEST_ASSISTANT_URL}\nowner_transport_id: \"+10000000000\"\n"),
		0600)
	os.Setenv("TEST_ASSISTANT_URL", "http://assistant.internal:8280")
	defer os.Unsetenv("TEST_ASSISTANT_URL")

	cfg, err := LoadMesh(path)
	if err != nil {
		t.Fatalf("LoadMesh error: %v", err)
	}
	if cfg.AssistantURL != "http://assistant.internal:8280" {
		t.Errorf("assistant_url = %q, want expanded value", cfg.AssistantURL)
	}
}

func TestLoadMeshDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte(
		"assistant_url: http://127.0.0.1:8280\nowner_transport_id: \"+10000000000\"\n"),
		0600)

	cfg, err := LoadMesh(path)
	if err != nil {
		t.Fatalf("LoadMesh error: %v", err)
	}
	if cfg.Listen.Port != 8180 {
		t.Errorf("expected default listen port 8180, got %d", cfg.Listen.Port)
	}
	if cfg.SignalCLI.Command != "signal-cli" {
		t.Errorf("expected default signal-cli command, got %q", cfg.SignalCLI.Command)
	}
	if cfg.HMAC.ToleranceSec != 300 {
		t.Errorf("expected default hmac tolerance 300s, got %d", cfg.HMAC.ToleranceSec)
	}
	if cfg.HMAC.NonceRetentionSec != 900 {
		t.Errorf("expected default nonce retention 900s, got %d", cfg.HMAC.NonceRetentionSec)
	}
}

func TestLoadMeshMissingRequiredFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 8180\n"), 0600)

	_, err := LoadMesh(path)
	if err == nil {
		t.Fatal("expected validation error for missing assistant_url/owner_transport_id")
	}
}

func TestLoadAssistantDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("mesh_url: http://127.0.0.1:8180\n"), 0600)

	cfg, err := LoadAssistant(path)
	if err != nil {
		t.Fatalf("LoadAssistant error: %v", err)
	}
	if cfg.Listen.Port != 8280 {
		t.Errorf("expected default listen port 8280, got %d", cfg.Listen.Port)
	}
	if cfg.Memory.CompactionContext != 60 {
		t.Errorf("expected default compaction context window 60, got %d", cfg.Memory.CompactionContext)
	}
	if cfg.Ingestion.ChunkSize != 500 || cfg.Ingestion.Overlap != 50 {
		t.Errorf("expected default chunk_size=500 overlap=50, got %d/%d", cfg.Ingestion.ChunkSize, cfg.Ingestion.Overlap)
	}
	if cfg.RateLimit.OutboundMaxPerHour != 200 {
		t.Errorf("expected default outbound_max_per_hour 200, got %d", cfg.RateLimit.OutboundMaxPerHour)
	}
	if cfg.Scheduler.IntervalSec != 60 {
		t.Errorf("expected default scheduler interval 60s, got %d", cfg.Scheduler.IntervalSec)
	}
	if cfg.LLM.TimeoutSec != 180 {
		t.Errorf("expected default LLM timeout 180s, got %d", cfg.LLM.TimeoutSec)
	}
}

func TestLoadAssistantMissingMeshURL(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 8280\n"), 0600)

	_, err := LoadAssistant(path)
	if err == nil {
		t.Fatal("expected validation error for missing mesh_url")
	}
}

func TestAssistantValidateCompactionContextTooSmall(t *testing.T) {
	cfg := DefaultAssistant()
	cfg.Memory.CompactionContext = 10 // B must satisfy 10 <= B < C/2, so C must be > 20

	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "compaction_context_window") {
		t.Fatalf("expected compaction_context_window validation error, got %v", err)
	}
}

func TestAssistantValidateBadLLMProvider(t *testing.T) {
	cfg := DefaultAssistant()
	cfg.LLM.Provider = "openai"

	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "llm.provider") {
		t.Fatalf("expected llm.provider validation error, got %v", err)
	}
}

func TestHMACValidateNonceRetentionTooShort(t *testing.T) {
	cfg := DefaultMesh()
	cfg.HMAC.ToleranceSec = 300
	cfg.HMAC.NonceRetentionSec = 400 // must exceed 2x tolerance (600)

	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "nonce_retention_sec") {
		t.Fatalf("expected nonce_retention_sec validation error, got %v", err)
	}
}

func TestParseLogLevelRejectedAtValidation(t *testing.T) {
	cfg := DefaultMesh()
	cfg.LogLevel = "not-a-level"

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for unknown log level")
	}
}

func TestDefaultMeshAndAssistantValidate(t *testing.T) {
	if err := DefaultMesh().Validate(); err != nil {
		t.Fatalf("DefaultMesh() should validate cleanly, got: %v", err)
	}
	if err := DefaultAssistant().Validate(); err != nil {
		t.Fatalf("DefaultAssistant() should validate cleanly, got: %v", err)
	}
}
