package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"
)

// applyEnvOverrides applies the environment variable overrides. They win
// over both defaults and the YAML file. Unparseable values are logged and
// ignored rather than failing startup.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("STATE_BACKEND"); v != "" {
		cfg.State.Backend = v
	}
	if v := os.Getenv("STATE_DIR"); v != "" {
		cfg.State.Dir = v
	}
	envInt("HISTORY_RETENTION_DAYS", &cfg.Retention.HistoryRetentionDays)
	envInt("COORDINATION_MAX_ITERATIONS", &cfg.Coordination.MaxIterations)
	envUint32("CIRCUIT_FAILURE_THRESHOLD", &cfg.Circuit.FailureThreshold)
	envSeconds("CIRCUIT_RECOVERY_TIMEOUT_SEC", &cfg.Circuit.RecoveryTimeout)
	envFloat("MEMORY_WARN_PCT", &cfg.Memory.WarnPct)
	envFloat("MEMORY_CRITICAL_PCT", &cfg.Memory.CriticalPct)
}

func envInt(name string, target *int) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("ignoring unparseable environment override", "var", name, "value", v)
		return
	}
	*target = parsed
}

func envUint32(name string, target *uint32) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	parsed, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		slog.Warn("ignoring unparseable environment override", "var", name, "value", v)
		return
	}
	*target = uint32(parsed)
}

func envSeconds(name string, target *time.Duration) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("ignoring unparseable environment override", "var", name, "value", v)
		return
	}
	*target = time.Duration(parsed) * time.Second
}

func envFloat(name string, target *float64) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil {
		slog.Warn("ignoring unparseable environment override", "var", name, "value", v)
		return
	}
	*target = parsed
}
