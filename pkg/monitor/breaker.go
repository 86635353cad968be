// Package monitor tracks component health: named circuit breakers around
// failure-prone operations, a memory budget monitor, and an aggregated
// system health view. State transitions are published on the event bus.
package monitor

import (
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/verdantlab/trellis/pkg/bus"
)

var (
	// ErrCircuitOpen is returned by Call when the named breaker refuses
	// the operation. Retriable after the recovery window.
	ErrCircuitOpen = errors.New("monitor: circuit open")

	// ErrUnknownBreaker is returned by Call for an unregistered name.
	ErrUnknownBreaker = errors.New("monitor: unknown circuit breaker")
)

// BreakerState is the symbolic circuit state used in events and payloads.
type BreakerState string

// Circuit breaker states.
const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

func breakerState(s gobreaker.State) BreakerState {
	switch s {
	case gobreaker.StateOpen:
		return BreakerOpen
	case gobreaker.StateHalfOpen:
		return BreakerHalfOpen
	default:
		return BreakerClosed
	}
}

// BreakerConfig tunes one circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// breaker.
	FailureThreshold uint32 `yaml:"failure_threshold"`
	// RecoveryTimeout is how long an open breaker waits before probing
	// half-open.
	RecoveryTimeout time.Duration `yaml:"recovery_timeout"`
	// HalfOpenSuccessThreshold is the consecutive successes in half-open
	// required to close.
	HalfOpenSuccessThreshold uint32 `yaml:"half_open_success_threshold"`
}

// DefaultBreakerConfig returns the built-in breaker defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:         5,
		RecoveryTimeout:          30 * time.Second,
		HalfOpenSuccessThreshold: 2,
	}
}

// BreakerStatus is a point-in-time view of one breaker.
type BreakerStatus struct {
	Name            string       `json:"name"`
	State           BreakerState `json:"state"`
	FailureCount    uint32       `json:"failure_count"`
	LastStateChange time.Time    `json:"last_state_change"`
	Config          BreakerConfig `json:"config"`
}

// newBreaker builds a gobreaker instance wired to the monitor's event and
// metric sinks.
func (m *Monitor) newBreaker(name string, cfg BreakerConfig) *gobreaker.CircuitBreaker {
	settings := gobreaker.Settings{
		Name: name,
		// MaxRequests in half-open doubles as the consecutive-success
		// threshold that closes the breaker.
		MaxRequests: cfg.HalfOpenSuccessThreshold,
		Timeout:     cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.onBreakerTransition(name, breakerState(from), breakerState(to))
		},
	}
	return gobreaker.NewCircuitBreaker(settings)
}

// onBreakerTransition records the transition and publishes the health
// change. Serialized per breaker by gobreaker's internal mutex.
func (m *Monitor) onBreakerTransition(name string, from, to BreakerState) {
	m.mu.Lock()
	m.lastChange[name] = time.Now().UTC()
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.Record(fmt.Sprintf("circuit:%s:transition", name), 1, map[string]any{
			"from": string(from),
			"to":   string(to),
		})
	}
	if m.eventBus != nil {
		_ = m.eventBus.Emit(bus.EventTypeSystemHealthChanged, map[string]any{
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
			"component": name,
			"state":     string(to),
			"reason":    fmt.Sprintf("circuit breaker %s -> %s", from, to),
		}, bus.PriorityHigh)
	}
}
