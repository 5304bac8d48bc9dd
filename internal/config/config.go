// Package config handles mesh and assistant process configuration
// loading: human-edited YAML files for listen addresses, storage paths,
// timeouts, and provider settings. The wire-level Policy object pushed
// over the control plane is a separate canonical-JSON record
// (internal/policy.FileConfig); this package never touches that hash.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order for binary,
// a config.yaml in the working directory, the user's config dir, and
// the container convention paths, in priority order.
func DefaultSearchPaths(binary string) []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", binary, "config.yaml"))
	}

	paths = append(paths, filepath.Join("/config", "config.yaml")) // container convention
	paths = append(paths, filepath.Join("/etc", binary, "config.yaml"))
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must
// exist. Otherwise searches DefaultSearchPaths(binary) and returns the
// first path that exists.
func FindConfig(binary, explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	paths := DefaultSearchPaths(binary)
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no config file found (searched: %v)", paths)
}

// ListenConfig is a bind address/port pair shared by both processes'
// HTTP servers.
type ListenConfig struct {
	Address string `yaml:"address"` // "" = all interfaces
	Port    int    `yaml:"port"`
}

// HMACConfig configures the signed control plane shared by both sides
// (spec §4.1, §6 "Persisted state layout").
type HMACConfig struct {
	// SecretEnv names an environment variable holding the initial shared
	// secret (hex or raw string, ≥32 bytes recommended). Read once at
	// startup; subsequent rotations live in StateFile.
	SecretEnv string `yaml:"secret_env"`
	// StateFile persists rotation state across restarts: on mesh, "the
	// currently-active HMAC secret"; on the assistant, the full
	// rotation-state sidecar (current + old + expiry + last rotation
	// time).
	StateFile string `yaml:"state_file"`
	// ToleranceSec bounds allowed clock skew (default 300).
	ToleranceSec int `yaml:"tolerance_sec"`
	// NonceRetentionSec bounds how long a seen nonce is remembered
	// (default 900, must stay > 2x ToleranceSec).
	NonceRetentionSec int `yaml:"nonce_retention_sec"`
	// DefaultGracePeriodSec is used by scheduled (non-incident) rotations
	// (default 60).
	DefaultGracePeriodSec int `yaml:"default_grace_period_sec"`
}

// Tolerance returns the configured timestamp tolerance as a Duration.
func (h HMACConfig) Tolerance() time.Duration {
	return time.Duration(h.ToleranceSec) * time.Second
}

// NonceRetention returns the configured nonce retention as a Duration.
func (h HMACConfig) NonceRetention() time.Duration {
	return time.Duration(h.NonceRetentionSec) * time.Second
}

// DefaultGracePeriod returns the configured default rotation grace
// period as a Duration.
func (h HMACConfig) DefaultGracePeriod() time.Duration {
	return time.Duration(h.DefaultGracePeriodSec) * time.Second
}

func (h *HMACConfig) applyDefaults() {
	if h.ToleranceSec == 0 {
		h.ToleranceSec = 300
	}
	if h.NonceRetentionSec == 0 {
		h.NonceRetentionSec = 900
	}
	if h.DefaultGracePeriodSec == 0 {
		h.DefaultGracePeriodSec = 60
	}
}

func (h HMACConfig) validate() error {
	if h.NonceRetentionSec <= 2*h.ToleranceSec {
		return fmt.Errorf("hmac.nonce_retention_sec (%d) must exceed 2x hmac.tolerance_sec (%d)", h.NonceRetentionSec, 2*h.ToleranceSec)
	}
	return nil
}

// SignalCLIConfig configures the signal-cli JSON-RPC-over-stdio child
// process the mesh drives.
type SignalCLIConfig struct {
	Command string   `yaml:"command"` // default: "signal-cli"
	Args    []string `yaml:"args"`
}

// MeshConfig is cmd/mesh's process configuration: transport adapter,
// signed forwarding target, inbound policy bootstrap, and its own HTTP
// listen address.
type MeshConfig struct {
	Listen           ListenConfig    `yaml:"listen"`
	HMAC             HMACConfig      `yaml:"hmac"`
	SignalCLI        SignalCLIConfig `yaml:"signal_cli"`
	OwnerTransportID string          `yaml:"owner_transport_id"`
	// AssistantURL is the base URL the mesh forwards signed inbound
	// envelopes and document-ingest requests to.
	AssistantURL string `yaml:"assistant_url"`
	// PolicyBootstrapFile seeds the mesh's in-memory policy before the
	// assistant's first config push lands (e.g. on a cold start where
	// the assistant hasn't pushed yet); optional.
	PolicyBootstrapFile string `yaml:"policy_bootstrap_file"`
	RequestTimeoutSec   int    `yaml:"request_timeout_sec"` // mesh->assistant HTTP calls, default 10
	TransportTimeoutSec int    `yaml:"transport_timeout_sec"` // signal-cli RPC calls, default 30
	// OutboundRateLimit is the mesh's secondary per-recipient send guard
	// (spec §4.11 step 3), independent of the assistant's own global
	// hourly limiter.
	OutboundRateLimit MeshOutboundRateLimitConfig `yaml:"outbound_rate_limit"`
	LogLevel          string                      `yaml:"log_level"`
	Dev               bool                        `yaml:"dev"` // text log handler instead of JSON
}

// MeshOutboundRateLimitConfig bounds the mesh's per-recipient outbound
// send rate. Non-escalated and escalated messages draw from separate,
// independently-sized windows; critical priority bypasses both.
type MeshOutboundRateLimitConfig struct {
	MaxPerMinute          int `yaml:"max_per_minute"`           // default 10
	MaxPerHour            int `yaml:"max_per_hour"`             // default 60
	EscalatedMaxPerMinute int `yaml:"escalated_max_per_minute"` // default 20
	EscalatedMaxPerHour   int `yaml:"escalated_max_per_hour"`   // default 120
}

// LLMConfig configures the assistant's LLM backend(s) — spec treats the
// inference runtime as an external collaborator; this is only the
// client-side dial info.
type LLMConfig struct {
	Provider       string `yaml:"provider"` // "ollama" | "anthropic"
	Model          string `yaml:"model"`
	OllamaURL      string `yaml:"ollama_url"`
	AnthropicKey   string `yaml:"anthropic_api_key"`
	TimeoutSec     int    `yaml:"timeout_sec"` // default 180
	ContextWindow  int    `yaml:"context_window"`
	RecentMessages int    `yaml:"recent_messages"` // how many recent messages feed the prompt, default 20
}

// MemoryConfig configures the assistant's SQLite-backed store.
type MemoryConfig struct {
	DBPath             string `yaml:"db_path"`
	EncryptionKeyFile  string `yaml:"encryption_key_file"`
	RequireEncryption  bool   `yaml:"require_encryption"`
	CompactionContext  int    `yaml:"compaction_context_window"` // C, default 60
	ArchiveOnCompact   bool   `yaml:"archive_on_compact"`        // archive vs hard-delete
}

// IngestionConfig configures document ingestion (spec §4.8).
type IngestionConfig struct {
	Root        string `yaml:"root"`
	ChunkSize   int    `yaml:"chunk_size"`   // default 500
	Overlap     int    `yaml:"overlap"`      // default 50
	KeepFiles   bool   `yaml:"keep_files"`
	MaxFileSize int64  `yaml:"max_file_size"` // default 1 MiB
}

// RateLimitConfig configures the assistant's outbound sliding-window
// limiter and per-conversation cooldowns (spec §4.3).
type RateLimitConfig struct {
	OutboundMaxPerHour int     `yaml:"outbound_max_per_hour"` // default 200
	CooldownDMSec      float64 `yaml:"cooldown_dm_sec"`       // default 5
	CooldownGroupSec   float64 `yaml:"cooldown_group_sec"`    // default 2
}

// SchedulerConfig configures the assistant's background ticker.
type SchedulerConfig struct {
	IntervalSec     int `yaml:"interval_sec"`      // default 60
	StartupDelaySec int `yaml:"startup_delay_sec"` // default 5
	RotationWeekly  bool `yaml:"rotation_weekly"`  // enable the 1440-tick weekly rotation check
}

// AdminConfig configures the assistant's loopback/VPN-gated admin
// surface (spec §4.1, §6).
type AdminConfig struct {
	VPNCIDRs []string `yaml:"vpn_cidrs"`
}

// AssistantConfig is cmd/assistant's process configuration: memory,
// LLM, ingestion, rate limiting, scheduler, prompts root, and the
// authoritative policy file path.
type AssistantConfig struct {
	Listen      ListenConfig    `yaml:"listen"`
	HMAC        HMACConfig      `yaml:"hmac"`
	MeshURL     string          `yaml:"mesh_url"`
	PolicyFile  string          `yaml:"policy_file"`
	PromptsRoot string          `yaml:"prompts_root"`
	LLM         LLMConfig       `yaml:"llm"`
	Memory      MemoryConfig    `yaml:"memory"`
	Ingestion   IngestionConfig `yaml:"ingestion"`
	RateLimit   RateLimitConfig `yaml:"rate_limit"`
	Scheduler   SchedulerConfig `yaml:"scheduler"`
	Admin       AdminConfig     `yaml:"admin"`
	// MembershipMaxAgeSec bounds how stale the group-membership cache may
	// be before GroupsFor reports empty (spec §4.9); default 1800 (30m).
	MembershipMaxAgeSec int    `yaml:"membership_max_age_sec"`
	TimeAwareness       bool   `yaml:"time_awareness"`
	RequestTimeoutSec   int    `yaml:"request_timeout_sec"` // assistant->mesh HTTP calls, default 10
	LogLevel            string `yaml:"log_level"`
	Dev                 bool   `yaml:"dev"`
}

// LoadMesh reads, expands, defaults, and validates a mesh config file.
func LoadMesh(path string) (*MeshConfig, error) {
	data, err := readExpanded(path)
	if err != nil {
		return nil, err
	}
	cfg := &MeshConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse mesh config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("mesh config validation: %w", err)
	}
	return cfg, nil
}

// LoadAssistant reads, expands, defaults, and validates an assistant
// config file.
func LoadAssistant(path string) (*AssistantConfig, error) {
	data, err := readExpanded(path)
	if err != nil {
		return nil, err
	}
	cfg := &AssistantConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse assistant config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("assistant config validation: %w", err)
	}
	return cfg, nil
}

func readExpanded(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	// Convenience for container deployments; the recommended approach is
	// still to put values directly in the config file.
	return []byte(os.ExpandEnv(string(data))), nil
}

func (c *MeshConfig) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8180
	}
	if c.SignalCLI.Command == "" {
		c.SignalCLI.Command = "signal-cli"
	}
	if c.RequestTimeoutSec == 0 {
		c.RequestTimeoutSec = 10
	}
	if c.TransportTimeoutSec == 0 {
		c.TransportTimeoutSec = 30
	}
	if c.OutboundRateLimit.MaxPerMinute == 0 {
		c.OutboundRateLimit.MaxPerMinute = 10
	}
	if c.OutboundRateLimit.MaxPerHour == 0 {
		c.OutboundRateLimit.MaxPerHour = 60
	}
	if c.OutboundRateLimit.EscalatedMaxPerMinute == 0 {
		c.OutboundRateLimit.EscalatedMaxPerMinute = 20
	}
	if c.OutboundRateLimit.EscalatedMaxPerHour == 0 {
		c.OutboundRateLimit.EscalatedMaxPerHour = 120
	}
	c.HMAC.applyDefaults()
}

// Validate checks a MeshConfig is internally consistent. Runs after
// applyDefaults so it can assume defaults are populated.
func (c *MeshConfig) Validate() error {
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range (1-65535)", c.Listen.Port)
	}
	if c.AssistantURL == "" {
		return fmt.Errorf("assistant_url is required")
	}
	if c.OwnerTransportID == "" {
		return fmt.Errorf("owner_transport_id is required")
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return c.HMAC.validate()
}

func (c *AssistantConfig) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8280
	}
	if c.RequestTimeoutSec == 0 {
		c.RequestTimeoutSec = 10
	}
	if c.Memory.DBPath == "" {
		c.Memory.DBPath = "./data/memory.db"
	}
	if c.Memory.CompactionContext == 0 {
		c.Memory.CompactionContext = 60
	}
	if c.Ingestion.Root == "" {
		c.Ingestion.Root = "./data/knowledge"
	}
	if c.Ingestion.ChunkSize == 0 {
		c.Ingestion.ChunkSize = 500
	}
	if c.Ingestion.Overlap == 0 {
		c.Ingestion.Overlap = 50
	}
	if c.Ingestion.MaxFileSize == 0 {
		c.Ingestion.MaxFileSize = 1 << 20
	}
	if c.RateLimit.OutboundMaxPerHour == 0 {
		c.RateLimit.OutboundMaxPerHour = 200
	}
	if c.RateLimit.CooldownDMSec == 0 {
		c.RateLimit.CooldownDMSec = 5
	}
	if c.RateLimit.CooldownGroupSec == 0 {
		c.RateLimit.CooldownGroupSec = 2
	}
	if c.Scheduler.IntervalSec == 0 {
		c.Scheduler.IntervalSec = 60
	}
	if c.Scheduler.StartupDelaySec == 0 {
		c.Scheduler.StartupDelaySec = 5
	}
	if c.MembershipMaxAgeSec == 0 {
		c.MembershipMaxAgeSec = 1800
	}
	if c.LLM.TimeoutSec == 0 {
		c.LLM.TimeoutSec = 180
	}
	if c.LLM.RecentMessages == 0 {
		c.LLM.RecentMessages = 20
	}
	if c.LLM.OllamaURL == "" {
		c.LLM.OllamaURL = "http://localhost:11434"
	}
	if c.PromptsRoot == "" {
		c.PromptsRoot = "./data/prompts"
	}
	if c.PolicyFile == "" {
		c.PolicyFile = "./data/policy.json"
	}
	c.HMAC.applyDefaults()
}

// Validate checks an AssistantConfig is internally consistent. Runs
// after applyDefaults.
func (c *AssistantConfig) Validate() error {
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range (1-65535)", c.Listen.Port)
	}
	if c.MeshURL == "" {
		return fmt.Errorf("mesh_url is required")
	}
	if c.Memory.CompactionContext < 21 {
		return fmt.Errorf("memory.compaction_context_window (%d) must be at least 21 (10 <= B < C/2 requires C > 20)", c.Memory.CompactionContext)
	}
	if c.LLM.Provider != "" && c.LLM.Provider != "ollama" && c.LLM.Provider != "anthropic" {
		return fmt.Errorf("llm.provider %q must be \"ollama\" or \"anthropic\"", c.LLM.Provider)
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return c.HMAC.validate()
}

// DefaultMesh returns a MeshConfig with every field defaulted, useful
// for tests and for generating a starter config.
func DefaultMesh() *MeshConfig {
	cfg := &MeshConfig{
		AssistantURL:     "http://127.0.0.1:8280",
		OwnerTransportID: "+10000000000",
	}
	cfg.applyDefaults()
	return cfg
}

// DefaultAssistant returns an AssistantConfig with every field
// defaulted.
func DefaultAssistant() *AssistantConfig {
	cfg := &AssistantConfig{
		MeshURL: "http://127.0.0.1:8180",
	}
	cfg.applyDefaults()
	return cfg
}
