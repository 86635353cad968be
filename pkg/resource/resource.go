// Package resource defines the uniform lifecycle every long-lived
// component satisfies, plus the shared emit/record helpers and the retry
// schedule for transient failures.
package resource

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/verdantlab/trellis/pkg/bus"
	"github.com/verdantlab/trellis/pkg/metrics"
)

var (
	// ErrTimeout is returned when an external call exceeds its deadline.
	// Retriable per policy.
	ErrTimeout = errors.New("resource: timeout")

	// ErrCancelled is returned for caller-initiated cancellation. Always
	// surfaced up to the operation boundary, never retried.
	ErrCancelled = errors.New("resource: cancellation requested")
)

// CleanupPolicy declares how a resource's accumulated data is reclaimed.
type CleanupPolicy string

// Cleanup policies.
const (
	CleanupNone       CleanupPolicy = "NONE"
	CleanupTTL        CleanupPolicy = "TTL"
	CleanupLRU        CleanupPolicy = "LRU"
	CleanupOnShutdown CleanupPolicy = "ON_SHUTDOWN"
)

// Resource is the uniform lifecycle of a long-lived component.
// Terminate must be idempotent: two calls have the same effect as one.
type Resource interface {
	Initialize(ctx context.Context) error
	Terminate(ctx context.Context) error
	ResourceID() string
	CleanupPolicy() CleanupPolicy
}

// Base provides identity plus event emission and metric recording for
// components that embed it. It replaces ad-hoc sharing of the event queue
// with one explicit method set.
type Base struct {
	id       string
	policy   CleanupPolicy
	eventBus *bus.Bus
	metrics  *metrics.Recorder

	terminated atomic.Bool
}

// NewBase creates a Base. eventBus and recorder may be nil.
func NewBase(id string, policy CleanupPolicy, eventBus *bus.Bus, recorder *metrics.Recorder) *Base {
	return &Base{id: id, policy: policy, eventBus: eventBus, metrics: recorder}
}

// ResourceID returns the stable resource identifier.
func (b *Base) ResourceID() string { return b.id }

// CleanupPolicy returns the declared cleanup policy.
func (b *Base) CleanupPolicy() CleanupPolicy { return b.policy }

// MarkTerminated flips the terminated flag. Returns true on the first
// call only, so embedders can make Terminate idempotent.
func (b *Base) MarkTerminated() bool {
	return b.terminated.CompareAndSwap(false, true)
}

// Terminated reports whether Terminate has run.
func (b *Base) Terminated() bool { return b.terminated.Load() }

// Emit publishes an event with the component field set to the resource id.
// Best-effort: emission failures are swallowed.
func (b *Base) Emit(eventType string, payload map[string]any, priority bus.Priority) {
	if b.eventBus == nil {
		return
	}
	if payload == nil {
		payload = make(map[string]any)
	}
	if _, ok := payload["component"]; !ok {
		payload["component"] = b.id
	}
	if _, ok := payload["timestamp"]; !ok {
		payload["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	}
	_ = b.eventBus.Emit(eventType, payload, priority)
}

// RecordMetric records a sample when a recorder is attached.
func (b *Base) RecordMetric(name string, value float64, metadata map[string]any) {
	if b.metrics == nil {
		return
	}
	b.metrics.Record(name, value, metadata)
}

// EmitError publishes an ERROR_OCCURRED event with sanitized detail.
func (b *Base) EmitError(err error, detail map[string]any) {
	if detail == nil {
		detail = make(map[string]any)
	}
	detail["error"] = err.Error()
	b.Emit(bus.EventTypeErrorOccurred, detail, bus.PriorityHigh)
}
