package monitor

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/verdantlab/trellis/pkg/bus"
	"github.com/verdantlab/trellis/pkg/metrics"
)

// HealthStatus is the aggregated system health level.
type HealthStatus string

// Health levels, best first.
const (
	HealthHealthy   HealthStatus = "HEALTHY"
	HealthDegraded  HealthStatus = "DEGRADED"
	HealthUnhealthy HealthStatus = "UNHEALTHY"
	HealthCritical  HealthStatus = "CRITICAL"
)

// SystemHealth is the aggregated view returned by Health.
type SystemHealth struct {
	Status     HealthStatus            `json:"status"`
	Components map[string]HealthStatus `json:"per_component_status"`
	Reasons    []string                `json:"reasons,omitempty"`
}

// Monitor owns the named circuit breakers and the memory monitor.
type Monitor struct {
	eventBus *bus.Bus
	metrics  *metrics.Recorder
	memory   *MemoryMonitor

	mu         sync.RWMutex
	breakers   map[string]*gobreaker.CircuitBreaker
	configs    map[string]BreakerConfig
	lastChange map[string]time.Time
}

// New creates a monitor. eventBus and recorder may be nil (events and
// reliability metrics disabled).
func New(eventBus *bus.Bus, recorder *metrics.Recorder, memory *MemoryMonitor) *Monitor {
	return &Monitor{
		eventBus:   eventBus,
		metrics:    recorder,
		memory:     memory,
		breakers:   make(map[string]*gobreaker.CircuitBreaker),
		configs:    make(map[string]BreakerConfig),
		lastChange: make(map[string]time.Time),
	}
}

// Register creates (or replaces) a named circuit breaker.
func (m *Monitor) Register(name string, cfg BreakerConfig) {
	if cfg.FailureThreshold == 0 {
		cfg = DefaultBreakerConfig()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.breakers[name] = m.newBreaker(name, cfg)
	m.configs[name] = cfg
	m.lastChange[name] = time.Now().UTC()
}

// Call executes op behind the named breaker. When the breaker is open the
// call fails fast with ErrCircuitOpen; op is never invoked.
func (m *Monitor) Call(name string, op func() (any, error)) (any, error) {
	m.mu.RLock()
	cb, ok := m.breakers[name]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBreaker, name)
	}

	result, err := cb.Execute(op)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		if m.metrics != nil {
			m.metrics.Record(fmt.Sprintf("circuit:%s:rejected", name), 1, nil)
		}
		return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, name)
	}
	if err != nil && m.metrics != nil {
		m.metrics.Record(fmt.Sprintf("circuit:%s:failure", name), 1, nil)
	}
	return result, err
}

// Breaker returns the point-in-time status of a named breaker.
func (m *Monitor) Breaker(name string) (BreakerStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cb, ok := m.breakers[name]
	if !ok {
		return BreakerStatus{}, false
	}
	return BreakerStatus{
		Name:            name,
		State:           breakerState(cb.State()),
		FailureCount:    cb.Counts().ConsecutiveFailures,
		LastStateChange: m.lastChange[name],
		Config:          m.configs[name],
	}, true
}

// Health aggregates breaker and memory state into a single view. An open
// breaker marks its component UNHEALTHY, half-open DEGRADED. A critical
// memory alert makes the whole system CRITICAL.
func (m *Monitor) Health() SystemHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	health := SystemHealth{
		Status:     HealthHealthy,
		Components: make(map[string]HealthStatus),
	}

	for name, cb := range m.breakers {
		switch breakerState(cb.State()) {
		case BreakerOpen:
			health.Components[name] = HealthUnhealthy
			health.Reasons = append(health.Reasons, fmt.Sprintf("circuit %s is open", name))
		case BreakerHalfOpen:
			health.Components[name] = HealthDegraded
			health.Reasons = append(health.Reasons, fmt.Sprintf("circuit %s is probing recovery", name))
		default:
			health.Components[name] = HealthHealthy
		}
	}

	if m.memory != nil {
		for resource, level := range m.memory.Levels() {
			component := "memory:" + resource
			switch level {
			case MemoryCritical:
				health.Components[component] = HealthCritical
				health.Reasons = append(health.Reasons, fmt.Sprintf("memory usage critical for %s", resource))
			case MemoryWarning:
				health.Components[component] = HealthDegraded
				health.Reasons = append(health.Reasons, fmt.Sprintf("memory usage high for %s", resource))
			default:
				health.Components[component] = HealthHealthy
			}
		}
	}

	for _, status := range health.Components {
		if rank(status) > rank(health.Status) {
			health.Status = status
		}
	}
	// Any CRITICAL component dominates; otherwise multiple unhealthy
	// components stay UNHEALTHY, not CRITICAL.
	return health
}

func rank(s HealthStatus) int {
	switch s {
	case HealthCritical:
		return 3
	case HealthUnhealthy:
		return 2
	case HealthDegraded:
		return 1
	default:
		return 0
	}
}
