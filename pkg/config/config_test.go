package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, configFile), []byte(content), 0o644))
	return dir
}

func TestInitializeDefaultsWithoutFile(t *testing.T) {
	cfg, err := Initialize(context.Background(), t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, BackendMemory, cfg.State.Backend)
	assert.Equal(t, 3, cfg.Coordination.MaxIterations)
	assert.Equal(t, uint32(5), cfg.Circuit.FailureThreshold)
	assert.Equal(t, 30, cfg.Retention.HistoryRetentionDays)
	assert.Equal(t, 95.0, cfg.Complexity.Critical)
}

func TestInitializeMergesFileOverDefaults(t *testing.T) {
	dir := writeConfig(t, `
state:
  backend: file
  dir: /tmp/trellis
coordination:
  max_iterations: 5
`)

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, BackendFile, cfg.State.Backend)
	assert.Equal(t, "/tmp/trellis", cfg.State.Dir)
	assert.Equal(t, 5, cfg.Coordination.MaxIterations)
	// Untouched sections keep their defaults.
	assert.Equal(t, "MEDIUM", cfg.Coordination.SeverityThreshold)
	assert.Equal(t, 30*time.Second, cfg.Circuit.RecoveryTimeout)
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	dir := writeConfig(t, `
coordination:
  max_iterations: 5
`)
	t.Setenv("COORDINATION_MAX_ITERATIONS", "7")
	t.Setenv("STATE_BACKEND", "sql")
	t.Setenv("STATE_DIR", t.TempDir())
	t.Setenv("CIRCUIT_FAILURE_THRESHOLD", "9")
	t.Setenv("CIRCUIT_RECOVERY_TIMEOUT_SEC", "45")
	t.Setenv("HISTORY_RETENTION_DAYS", "14")
	t.Setenv("MEMORY_WARN_PCT", "60")
	t.Setenv("MEMORY_CRITICAL_PCT", "85")

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Coordination.MaxIterations)
	assert.Equal(t, BackendSQL, cfg.State.Backend)
	assert.Equal(t, uint32(9), cfg.Circuit.FailureThreshold)
	assert.Equal(t, 45*time.Second, cfg.Circuit.RecoveryTimeout)
	assert.Equal(t, 14, cfg.Retention.HistoryRetentionDays)
	assert.Equal(t, 60.0, cfg.Memory.WarnPct)
	assert.Equal(t, 85.0, cfg.Memory.CriticalPct)
}

func TestUnparseableEnvOverrideIsIgnored(t *testing.T) {
	t.Setenv("COORDINATION_MAX_ITERATIONS", "lots")

	cfg, err := Initialize(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Coordination.MaxIterations)
}

func TestExpandEnvTemplates(t *testing.T) {
	t.Setenv("TRELLIS_STATE_DIR", "/var/lib/trellis")
	dir := writeConfig(t, `
state:
  backend: file
  dir: "{{.TRELLIS_STATE_DIR}}"
`)

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/trellis", cfg.State.Dir)
}

func TestExpandEnvLeavesDollarSignsAlone(t *testing.T) {
	out := ExpandEnv([]byte(`pattern: "^secret.*$"`))
	assert.Equal(t, `pattern: "^secret.*$"`, string(out))
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.State.Backend = "etcd" }},
		{"file backend without dir", func(c *Config) { c.State.Backend = BackendFile; c.State.Dir = "" }},
		{"zero iterations", func(c *Config) { c.Coordination.MaxIterations = 0 }},
		{"bad severity", func(c *Config) { c.Coordination.SeverityThreshold = "SEVERE" }},
		{"zero failure threshold", func(c *Config) { c.Circuit.FailureThreshold = 0 }},
		{"critical below warn", func(c *Config) { c.Memory.CriticalPct = 50 }},
		{"zero retention", func(c *Config) { c.Retention.HistoryRetentionDays = 0 }},
		{"unordered thresholds", func(c *Config) { c.Complexity.Medium = 20 }},
		{"zero parallelism", func(c *Config) { c.Orchestrator.Parallelism = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.ErrorIs(t, validate(cfg), ErrInvalid)
		})
	}
}

func TestInvalidYAMLIsALoadError(t *testing.T) {
	dir := writeConfig(t, "state: [broken")

	_, err := Initialize(context.Background(), dir)
	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.ErrorIs(t, err, ErrInvalidYAML)
}
