// Package config loads the agent's persistent JSON configuration file
// (spec §6). Unlike the teacher's YAML loader this one is intentionally
// flat, matching the exact field set the spec's external contract names.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

type AgentConfig struct {
	ServerURL           string `json:"server_url"`
	AgentID             string `json:"agent_id"`
	AgentName           string `json:"agent_name"`
	HeartbeatInterval   int    `json:"heartbeat_interval"`
	PolicySyncInterval  int    `json:"policy_sync_interval"`

	// Retry tuning is not part of the spec's JSON schema but the
	// transport collaborator needs concrete values; these carry the
	// teacher's server-side defaults rather than inventing a new shape.
	RetryInitialMs  int `json:"retry_initial_ms,omitempty"`
	RetryMaxMs      int `json:"retry_max_ms,omitempty"`
	RetryMaxRetries int `json:"retry_max_retries,omitempty"`

	LogDir      string `json:"log_dir,omitempty"`
	VaultDir    string `json:"vault_dir,omitempty"`
	LogJSON     bool   `json:"log_json,omitempty"`
	LogLevel    string `json:"log_level,omitempty"`
}

func DefaultConfig() *AgentConfig {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "endpoint"
	}
	return &AgentConfig{
		ServerURL:          "https://localhost:8443",
		AgentID:            uuid.NewString(),
		AgentName:          host,
		HeartbeatInterval:  60,
		PolicySyncInterval: 60,
		RetryInitialMs:     500,
		RetryMaxMs:         5000,
		RetryMaxRetries:    5,
		LogDir:             defaultLogDir(),
		VaultDir:           defaultVaultDir(),
		LogLevel:           "info",
	}
}

// Load reads the JSON config at path, filling unset fields from
// defaults, then from environment variables, then rewrites the file if
// any default was applied — matching pkg/config/config.go's
// Load/env-override/rewrite-on-default shape.
func Load(path string) (*AgentConfig, error) {
	cfg := DefaultConfig()
	appliedDefault := true

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		if err == nil {
			loaded := &AgentConfig{}
			if err := json.Unmarshal(data, loaded); err != nil {
				return nil, err
			}
			appliedDefault = mergeDefaults(loaded, cfg)
			cfg = loaded
		}
	}

	if url := os.Getenv("AGENT_SERVER_URL"); url != "" && url != cfg.ServerURL {
		cfg.ServerURL = url
		appliedDefault = true
	}
	if logDir := os.Getenv("AGENT_LOG_DIR"); logDir != "" && logDir != cfg.LogDir {
		cfg.LogDir = logDir
		appliedDefault = true
	}

	if path != "" && appliedDefault {
		if err := save(path, cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// mergeDefaults fills zero-valued fields of loaded from defaults,
// reporting whether any substitution happened.
func mergeDefaults(loaded, defaults *AgentConfig) bool {
	changed := false
	if loaded.ServerURL == "" {
		loaded.ServerURL = defaults.ServerURL
		changed = true
	}
	if loaded.AgentID == "" {
		loaded.AgentID = defaults.AgentID
		changed = true
	}
	if loaded.AgentName == "" {
		loaded.AgentName = defaults.AgentName
		changed = true
	}
	if loaded.HeartbeatInterval <= 0 {
		loaded.HeartbeatInterval = defaults.HeartbeatInterval
		changed = true
	}
	if loaded.PolicySyncInterval <= 0 {
		loaded.PolicySyncInterval = defaults.PolicySyncInterval
		changed = true
	}
	if loaded.RetryInitialMs <= 0 {
		loaded.RetryInitialMs = defaults.RetryInitialMs
		changed = true
	}
	if loaded.RetryMaxMs <= 0 {
		loaded.RetryMaxMs = defaults.RetryMaxMs
		changed = true
	}
	if loaded.RetryMaxRetries <= 0 {
		loaded.RetryMaxRetries = defaults.RetryMaxRetries
		changed = true
	}
	if loaded.LogDir == "" {
		loaded.LogDir = defaults.LogDir
		changed = true
	}
	if loaded.VaultDir == "" {
		loaded.VaultDir = defaults.VaultDir
		changed = true
	}
	if loaded.LogLevel == "" {
		loaded.LogLevel = defaults.LogLevel
		changed = true
	}
	return changed
}

func save(path string, cfg *AgentConfig) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (c *AgentConfig) Validate() error {
	if c.ServerURL == "" {
		return ErrMissingServerURL
	}
	if c.AgentID == "" {
		return &Error{"agent_id is required"}
	}
	if c.HeartbeatInterval < 1 {
		return ErrInvalidInterval
	}
	if c.PolicySyncInterval < 1 {
		return &Error{"policy_sync_interval must be >= 1s"}
	}
	if c.RetryInitialMs <= 0 {
		c.RetryInitialMs = 500
	}
	if c.RetryMaxMs <= 0 {
		c.RetryMaxMs = 5000
	}
	if c.RetryMaxMs < c.RetryInitialMs {
		c.RetryMaxMs = c.RetryInitialMs
	}
	if c.RetryMaxRetries < 0 {
		c.RetryMaxRetries = 5
	}
	return nil
}

func defaultLogDir() string {
	if dir := os.Getenv("AGENT_LOG_DIR"); dir != "" {
		return dir
	}
	return filepath.Join(os.TempDir(), "dlpagent", "logs")
}

func defaultVaultDir() string {
	return filepath.Join(os.TempDir(), "dlpagent", "vault")
}

var (
	ErrMissingServerURL = &Error{"server_url is required"}
	ErrInvalidInterval  = &Error{"heartbeat_interval must be >= 1s"}
)

type Error struct {
	Message string
}

func (e *Error) Error() string {
	return e.Message
}
