package config

import "fmt"

// validate rejects configurations that cannot run.
func validate(cfg *Config) error {
	switch cfg.State.Backend {
	case BackendMemory, BackendFile, BackendSQL:
	default:
		return fmt.Errorf("%w: unknown state backend %q", ErrInvalid, cfg.State.Backend)
	}
	if cfg.State.Backend != BackendMemory && cfg.State.Dir == "" {
		return fmt.Errorf("%w: state dir required for backend %q", ErrInvalid, cfg.State.Backend)
	}

	if cfg.Coordination.MaxIterations < 1 {
		return fmt.Errorf("%w: coordination max_iterations must be at least 1", ErrInvalid)
	}
	switch cfg.Coordination.SeverityThreshold {
	case "LOW", "MEDIUM", "HIGH", "CRITICAL":
	default:
		return fmt.Errorf("%w: unknown severity threshold %q", ErrInvalid, cfg.Coordination.SeverityThreshold)
	}

	if cfg.Circuit.FailureThreshold == 0 {
		return fmt.Errorf("%w: circuit failure_threshold must be positive", ErrInvalid)
	}
	if cfg.Circuit.RecoveryTimeout <= 0 {
		return fmt.Errorf("%w: circuit recovery_timeout must be positive", ErrInvalid)
	}

	if cfg.Memory.WarnPct <= 0 || cfg.Memory.WarnPct > 100 {
		return fmt.Errorf("%w: memory warn_pct must be in (0, 100]", ErrInvalid)
	}
	if cfg.Memory.CriticalPct <= cfg.Memory.WarnPct || cfg.Memory.CriticalPct > 100 {
		return fmt.Errorf("%w: memory critical_pct must be above warn_pct and at most 100", ErrInvalid)
	}

	if cfg.Retention.HistoryRetentionDays < 1 {
		return fmt.Errorf("%w: history_retention_days must be at least 1", ErrInvalid)
	}

	if !(cfg.Complexity.Low < cfg.Complexity.Medium &&
		cfg.Complexity.Medium < cfg.Complexity.High &&
		cfg.Complexity.High < cfg.Complexity.Critical) {
		return fmt.Errorf("%w: complexity thresholds must be strictly increasing", ErrInvalid)
	}

	if cfg.Orchestrator.Parallelism < 1 {
		return fmt.Errorf("%w: orchestrator parallelism must be at least 1", ErrInvalid)
	}
	return nil
}
