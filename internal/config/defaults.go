package config

// DefaultConfig returns the defaults every load starts from.
func DefaultConfig() *Config {
	return &Config{
		Providers: map[string]ProviderConfig{
			"claude": {
				Command: "claude",
			},
			"codex": {
				Command: "codex",
			},
		},
		Agents: []AgentConfig{
			{ID: "agent-1"},
			{ID: "agent-2"},
			{ID: "agent-3"},
		},
		Gates: []GateConfig{},
		Engine: EngineConfig{
			TaskTimeoutSec:    600,
			TickIntervalSec:   30,
			MaxIdleSec:        300,
			StopAfterIdle:     10,
			Providers:         []string{"claude", "codex"},
			BackoffInitialSec: 30,
			BackoffMaxSec:     1800,
		},
		Scoring: ScoringConfig{
			Preset: "balanced",
		},
		Escalation: EscalationConfig{
			IdenticalFailures: 3,
			MaxAttempts:       8,
			Models: map[string]string{
				"escalate_model": "opus",
			},
		},
		Idempotency: IdempotencyConfig{
			Backend:  "memory",
			TTLSec:   3600,
			Capacity: 10000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// weightPresets are the built-in scoring weight sets. "balanced" is the
// default; "throughput" favors cheap tasks, "unblock" favors tasks whose
// completion frees the most dependents.
var weightPresets = map[string][4]float64{
	// priority, age, blocking, complexity
	"balanced":   {10, 1, 5, 0.5},
	"throughput": {6, 1, 2, 2},
	"unblock":    {6, 1, 12, 0.25},
}

// Weights resolves the scoring configuration to concrete weight values.
// Unknown presets fall back to balanced; explicit fields override.
func (s ScoringConfig) Weights() (priority, age, blocking, complexity float64) {
	preset, ok := weightPresets[s.Preset]
	if !ok {
		preset = weightPresets["balanced"]
	}
	priority, age, blocking, complexity = preset[0], preset[1], preset[2], preset[3]
	if s.Priority != nil {
		priority = *s.Priority
	}
	if s.Age != nil {
		age = *s.Age
	}
	if s.Blocking != nil {
		blocking = *s.Blocking
	}
	if s.Complexity != nil {
		complexity = *s.Complexity
	}
	return priority, age, blocking, complexity
}
