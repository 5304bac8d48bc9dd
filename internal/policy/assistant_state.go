package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// AssistantState is the assistant's authoritative copy of the policy
// document: the live FileConfig, its canonical hash, and bookkeeping
// for config-push idempotence (spec §4.1's "push is idempotent when
// content is unchanged", §9 Policy row).
type AssistantState struct {
	mu   sync.Mutex
	path string

	config FileConfig
	hash   string

	lastPushHash string
	lastPushTime int64
}

// NewAssistantState wraps fc as the in-memory authoritative state,
// persisted at path on every Update.
func NewAssistantState(path string, fc FileConfig) (*AssistantState, error) {
	hash, err := fc.Hash()
	if err != nil {
		return nil, err
	}
	return &AssistantState{path: path, config: fc, hash: hash}, nil
}

// LoadAssistantState reads the policy document from path.
func LoadAssistantState(path string) (*AssistantState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file %s: %w", path, err)
	}
	var fc FileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("policy file %s is not a valid JSON object: %w", path, err)
	}
	return NewAssistantState(path, fc)
}

// Current returns the live policy document and its canonical hash.
func (a *AssistantState) Current() (FileConfig, string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.config, a.hash
}

// Policy builds a *Policy from the current FileConfig, for the
// assistant's own inbound-adjacent checks (mode/DM-group-knowledge
// lookups in the prompt resolver).
func (a *AssistantState) Policy() *Policy {
	a.mu.Lock()
	fc := a.config
	a.mu.Unlock()
	return FromFileConfig(fc)
}

// Update replaces the authoritative config, persists it to path via an
// atomic temp-then-rename write, and returns the new canonical hash.
func (a *AssistantState) Update(fc FileConfig) (string, error) {
	hash, err := fc.Hash()
	if err != nil {
		return "", err
	}

	body, err := json.MarshalIndent(fc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal policy: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(a.path), 0o700); err != nil {
		return "", fmt.Errorf("create policy directory: %w", err)
	}
	tmp := a.path + ".tmp"
	if err := os.WriteFile(tmp, body, 0o600); err != nil {
		return "", fmt.Errorf("write policy file: %w", err)
	}
	if err := os.Rename(tmp, a.path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("rename policy file into place: %w", err)
	}

	a.mu.Lock()
	a.config = fc
	a.hash = hash
	a.mu.Unlock()
	return hash, nil
}

// RecordPush notes that hash was successfully pushed to the mesh at
// nowMs (epoch milliseconds).
func (a *AssistantState) RecordPush(hash string, nowMs int64) {
	a.mu.Lock()
	a.lastPushHash = hash
	a.lastPushTime = nowMs
	a.mu.Unlock()
}

// LastPush returns the hash and time of the most recent successful
// push, zero values if none has happened yet.
func (a *AssistantState) LastPush() (hash string, atMs int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastPushHash, a.lastPushTime
}

// NeedsPush reports whether the live config hash differs from the last
// successfully pushed one.
func (a *AssistantState) NeedsPush() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hash != a.lastPushHash
}
