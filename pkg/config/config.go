// Package config loads and validates the trellis configuration: a
// trellis.yaml file merged over built-in defaults, with environment
// variable overrides applied last.
package config

import "time"

// State backends.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQL    = "sql"
)

// Config is the fully resolved configuration.
type Config struct {
	State        StateConfig        `yaml:"state"`
	Coordination CoordinationConfig `yaml:"coordination"`
	Circuit      CircuitConfig      `yaml:"circuit"`
	Memory       MemoryConfig       `yaml:"memory"`
	Retention    RetentionConfig    `yaml:"retention"`
	Complexity   ComplexityConfig   `yaml:"complexity"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Server       ServerConfig       `yaml:"server"`
}

// StateConfig selects the durable state backend.
type StateConfig struct {
	// Backend is one of memory, file, sql.
	Backend string `yaml:"backend"`
	// Dir holds the file backend's log or the sql backend's database.
	Dir string `yaml:"dir"`
}

// CoordinationConfig bounds agent handoff coordination.
type CoordinationConfig struct {
	MaxIterations     int           `yaml:"max_iterations"`
	SeverityThreshold string        `yaml:"severity_threshold"`
	QuestionTimeout   time.Duration `yaml:"question_timeout"`
	ContextTTL        time.Duration `yaml:"context_ttl"`
}

// CircuitConfig tunes the default circuit breaker applied to agents.
type CircuitConfig struct {
	FailureThreshold         uint32        `yaml:"failure_threshold"`
	RecoveryTimeout          time.Duration `yaml:"recovery_timeout"`
	HalfOpenSuccessThreshold uint32        `yaml:"half_open_success_threshold"`
}

// MemoryConfig tunes the memory budget monitor.
type MemoryConfig struct {
	BudgetBytes uint64  `yaml:"budget_bytes"`
	WarnPct     float64 `yaml:"warn_pct"`
	CriticalPct float64 `yaml:"critical_pct"`
}

// RetentionConfig bounds how long history is kept.
type RetentionConfig struct {
	HistoryRetentionDays int           `yaml:"history_retention_days"`
	CleanupInterval      time.Duration `yaml:"cleanup_interval"`
}

// ComplexityConfig sets the complexity level boundaries.
type ComplexityConfig struct {
	Low      float64 `yaml:"low"`
	Medium   float64 `yaml:"medium"`
	High     float64 `yaml:"high"`
	Critical float64 `yaml:"critical"`
	// ContextTag is the default analysis context for phase payloads.
	ContextTag string `yaml:"context_tag"`
}

// OrchestratorConfig tunes phase execution.
type OrchestratorConfig struct {
	Parallelism int `yaml:"parallelism"`
}

// ServerConfig tunes the HTTP API server.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		State: StateConfig{
			Backend: BackendMemory,
			Dir:     "./data",
		},
		Coordination: CoordinationConfig{
			MaxIterations:     3,
			SeverityThreshold: "MEDIUM",
			QuestionTimeout:   30 * time.Second,
			ContextTTL:        24 * time.Hour,
		},
		Circuit: CircuitConfig{
			FailureThreshold:         5,
			RecoveryTimeout:          30 * time.Second,
			HalfOpenSuccessThreshold: 2,
		},
		Memory: MemoryConfig{
			BudgetBytes: 512 << 20,
			WarnPct:     70,
			CriticalPct: 90,
		},
		Retention: RetentionConfig{
			HistoryRetentionDays: 30,
			CleanupInterval:      time.Hour,
		},
		Complexity: ComplexityConfig{
			Low:        30,
			Medium:     60,
			High:       80,
			Critical:   95,
			ContextTag: "feature",
		},
		Orchestrator: OrchestratorConfig{
			Parallelism: 2,
		},
		Server: ServerConfig{
			Addr: ":8080",
		},
	}
}
