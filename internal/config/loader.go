package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
)

// Load reads and merges configuration from global and project paths.
// Precedence (highest first): project config, global config, defaults.
// Missing files are not errors; malformed JSON is.
func Load(globalPath, projectPath string) (*Config, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}
	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Join(xdg.DataHome, "autopilot")
	}
	// Work-in-progress cap follows the agent pool size unless set
	// explicitly in one of the files.
	if cfg.Engine.WIPLimit <= 0 {
		cfg.Engine.WIPLimit = len(cfg.Agents)
	}
	return cfg, nil
}

// LoadDefault loads configuration from the conventional paths:
// global $XDG_CONFIG_HOME/autopilot/config.json, project
// .autopilot/config.json relative to cwd.
func LoadDefault() (*Config, error) {
	globalPath := filepath.Join(xdg.ConfigHome, "autopilot", "config.json")
	projectPath := filepath.Join(".autopilot", "config.json")
	return Load(globalPath, projectPath)
}

// mergeConfigFile overlays one JSON file onto base. Missing files are
// silently skipped.
func mergeConfigFile(base *Config, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var loaded Config
	if err := json.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	if loaded.DataDir != "" {
		base.DataDir = loaded.DataDir
	}
	if loaded.WorkDir != "" {
		base.WorkDir = loaded.WorkDir
	}
	for key, provider := range loaded.Providers {
		base.Providers[key] = provider
	}
	if len(loaded.Agents) > 0 {
		base.Agents = loaded.Agents
	}
	if len(loaded.Gates) > 0 {
		base.Gates = loaded.Gates
	}
	mergeEngine(&base.Engine, loaded.Engine)
	mergeScoring(&base.Scoring, loaded.Scoring)
	mergeEscalation(&base.Escalation, loaded.Escalation)
	mergeIdempotency(&base.Idempotency, loaded.Idempotency)
	if loaded.Logging.Level != "" {
		base.Logging.Level = loaded.Logging.Level
	}
	if loaded.Logging.Format != "" {
		base.Logging.Format = loaded.Logging.Format
	}
	return nil
}

func mergeEngine(base *EngineConfig, in EngineConfig) {
	if in.WIPLimit > 0 {
		base.WIPLimit = in.WIPLimit
	}
	if in.TaskTimeoutSec > 0 {
		base.TaskTimeoutSec = in.TaskTimeoutSec
	}
	if in.TickIntervalSec > 0 {
		base.TickIntervalSec = in.TickIntervalSec
	}
	if in.MaxIdleSec > 0 {
		base.MaxIdleSec = in.MaxIdleSec
	}
	if in.StopAfterIdle > 0 {
		base.StopAfterIdle = in.StopAfterIdle
	}
	if len(in.Providers) > 0 {
		base.Providers = in.Providers
	}
	if in.BackoffInitialSec > 0 {
		base.BackoffInitialSec = in.BackoffInitialSec
	}
	if in.BackoffMaxSec > 0 {
		base.BackoffMaxSec = in.BackoffMaxSec
	}
	if in.GateDiagnostic {
		base.GateDiagnostic = true
	}
}

func mergeScoring(base *ScoringConfig, in ScoringConfig) {
	if in.Preset != "" {
		base.Preset = in.Preset
	}
	if in.Priority != nil {
		base.Priority = in.Priority
	}
	if in.Age != nil {
		base.Age = in.Age
	}
	if in.Blocking != nil {
		base.Blocking = in.Blocking
	}
	if in.Complexity != nil {
		base.Complexity = in.Complexity
	}
}

func mergeEscalation(base *EscalationConfig, in EscalationConfig) {
	if in.IdenticalFailures > 0 {
		base.IdenticalFailures = in.IdenticalFailures
	}
	if in.MaxAttempts > 0 {
		base.MaxAttempts = in.MaxAttempts
	}
	for level, model := range in.Models {
		base.Models[level] = model
	}
}

func mergeIdempotency(base *IdempotencyConfig, in IdempotencyConfig) {
	if in.Backend != "" {
		base.Backend = in.Backend
	}
	if in.RedisURL != "" {
		base.RedisURL = in.RedisURL
	}
	if in.TTLSec > 0 {
		base.TTLSec = in.TTLSec
	}
	if in.Capacity > 0 {
		base.Capacity = in.Capacity
	}
}
