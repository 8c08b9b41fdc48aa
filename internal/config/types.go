package config

// ProviderConfig defines one executor backend (CLI command plus defaults).
// Providers are tried in the order listed in EngineConfig.Providers.
type ProviderConfig struct {
	Command string   `json:"command"`        // CLI binary name (e.g. "claude", "codex")
	Args    []string `json:"args,omitempty"` // Default args appended to every invocation
	Model   string   `json:"model,omitempty"`
}

// AgentConfig defines one pool slot and what it may run.
type AgentConfig struct {
	ID            string   `json:"id"`
	MaxComplexity int      `json:"max_complexity,omitempty"` // 0 means unlimited
	Domains       []string `json:"domains,omitempty"`        // empty means any domain
}

// GateConfig declares one quality gate. Type selects the implementation:
// "command" runs Command/Args, "probe" scans output for Forbidden markers,
// "artifact" checks Paths exist and are non-empty.
type GateConfig struct {
	Name       string   `json:"name"`
	Type       string   `json:"type"`
	Command    string   `json:"command,omitempty"`
	Args       []string `json:"args,omitempty"`
	Forbidden  []string `json:"forbidden,omitempty"`
	Paths      []string `json:"paths,omitempty"`
	TimeoutSec int      `json:"timeout_sec,omitempty"`
}

// ScoringConfig holds the readiness ranking weights. Preset names map to
// built-in weight sets; explicit weights override the preset.
type ScoringConfig struct {
	Preset     string   `json:"preset,omitempty"` // "balanced", "throughput", "unblock"
	Priority   *float64 `json:"priority,omitempty"`
	Age        *float64 `json:"age,omitempty"`
	Blocking   *float64 `json:"blocking,omitempty"`
	Complexity *float64 `json:"complexity,omitempty"`
}

// EscalationConfig tunes the failure escalation ladder.
type EscalationConfig struct {
	IdenticalFailures int               `json:"identical_failures,omitempty"` // per-level threshold
	MaxAttempts       int               `json:"max_attempts,omitempty"`       // hard circuit-break ceiling
	Models            map[string]string `json:"models,omitempty"`             // escalation level -> model override
}

// IdempotencyConfig selects the dedup cache backend.
type IdempotencyConfig struct {
	Backend  string `json:"backend,omitempty"` // "memory" or "redis"
	RedisURL string `json:"redis_url,omitempty"`
	TTLSec   int    `json:"ttl_sec,omitempty"`
	Capacity int    `json:"capacity,omitempty"` // memory backend only
}

// EngineConfig is the scheduler loop's tuning surface.
type EngineConfig struct {
	WIPLimit          int      `json:"wip_limit,omitempty"` // 0 means agent pool size
	TaskTimeoutSec    int      `json:"task_timeout_sec,omitempty"`
	TickIntervalSec   int      `json:"tick_interval_sec,omitempty"`
	MaxIdleSec        int      `json:"max_idle_sec,omitempty"`    // idle backoff cap
	StopAfterIdle     int      `json:"stop_after_idle,omitempty"` // consecutive empty ticks before auto-stop; 0 disables
	Providers         []string `json:"providers,omitempty"`       // failover order, keys into Providers map
	BackoffInitialSec int      `json:"backoff_initial_sec,omitempty"`
	BackoffMaxSec     int      `json:"backoff_max_sec,omitempty"`
	GateDiagnostic    bool     `json:"gate_diagnostic,omitempty"` // run all gates even after a failure
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`  // logrus level name
	Format string `json:"format,omitempty"` // "text" or "json"
}

// Config is the top-level configuration.
type Config struct {
	DataDir     string                    `json:"data_dir,omitempty"`
	WorkDir     string                    `json:"work_dir,omitempty"`
	Providers   map[string]ProviderConfig `json:"providers"`
	Agents      []AgentConfig             `json:"agents"`
	Gates       []GateConfig              `json:"gates"`
	Engine      EngineConfig              `json:"engine"`
	Scoring     ScoringConfig             `json:"scoring"`
	Escalation  EscalationConfig          `json:"escalation"`
	Idempotency IdempotencyConfig         `json:"idempotency"`
	Logging     LoggingConfig             `json:"logging"`
}
