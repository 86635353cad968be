package monitor

import (
	"runtime"
	"sync"
	"time"

	"github.com/verdantlab/trellis/pkg/bus"
)

// MemoryLevel classifies a resource's share of the memory budget.
type MemoryLevel string

// Memory levels.
const (
	MemoryOK       MemoryLevel = "OK"
	MemoryWarning  MemoryLevel = "WARNING"
	MemoryCritical MemoryLevel = "CRITICAL"
)

// MemoryConfig tunes the memory monitor.
type MemoryConfig struct {
	// BudgetBytes is the total budget shared by all tracked resources.
	BudgetBytes uint64 `yaml:"budget_bytes"`
	// WarnPct and CriticalPct are percentages of the budget at which a
	// single resource triggers an alert.
	WarnPct     float64 `yaml:"warn_pct"`
	CriticalPct float64 `yaml:"critical_pct"`
}

// DefaultMemoryConfig returns the built-in memory monitor defaults.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		BudgetBytes: 512 * 1024 * 1024,
		WarnPct:     70,
		CriticalPct: 90,
	}
}

// MemoryMonitor tracks per-resource sizes against the budget and emits
// RESOURCE_ALERT_CREATED when a resource crosses a threshold. Alerts fire
// on crossings, not continuously.
type MemoryMonitor struct {
	config   MemoryConfig
	eventBus *bus.Bus

	mu     sync.Mutex
	usage  map[string]uint64
	levels map[string]MemoryLevel
}

// NewMemoryMonitor creates a memory monitor. eventBus may be nil.
func NewMemoryMonitor(cfg MemoryConfig, eventBus *bus.Bus) *MemoryMonitor {
	if cfg.BudgetBytes == 0 {
		cfg = DefaultMemoryConfig()
	}
	return &MemoryMonitor{
		config:   cfg,
		eventBus: eventBus,
		usage:    make(map[string]uint64),
		levels:   make(map[string]MemoryLevel),
	}
}

// SetUsage records a resource's current size and emits an alert when the
// resource crosses the warning or critical percentage of the budget.
func (m *MemoryMonitor) SetUsage(resource string, bytes uint64) {
	pct := float64(bytes) / float64(m.config.BudgetBytes) * 100

	level := MemoryOK
	switch {
	case pct >= m.config.CriticalPct:
		level = MemoryCritical
	case pct >= m.config.WarnPct:
		level = MemoryWarning
	}

	m.mu.Lock()
	previous := m.levels[resource]
	m.usage[resource] = bytes
	m.levels[resource] = level
	m.mu.Unlock()

	if level != previous && level != MemoryOK && m.eventBus != nil {
		priority := bus.PriorityHigh
		if level == MemoryCritical {
			priority = bus.PriorityCritical
		}
		_ = m.eventBus.Emit(bus.EventTypeResourceAlertCreated, map[string]any{
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
			"component": "memory_monitor",
			"resource":  resource,
			"level":     string(level),
			"bytes":     bytes,
			"pct":       pct,
		}, priority)
	}
}

// ObserveMemory samples the process heap and records it against the
// budget under the process_heap resource. A no-op without a memory
// monitor.
func (m *Monitor) ObserveMemory() {
	if m.memory == nil {
		return
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	m.memory.SetUsage("process_heap", ms.HeapAlloc)
}

// Levels returns the current level per tracked resource.
func (m *MemoryMonitor) Levels() map[string]MemoryLevel {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]MemoryLevel, len(m.levels))
	for resource, level := range m.levels {
		out[resource] = level
	}
	return out
}

// Usage returns the tracked size per resource.
func (m *MemoryMonitor) Usage() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.usage))
	for resource, bytes := range m.usage {
		out[resource] = bytes
	}
	return out
}
