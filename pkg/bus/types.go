// Package bus provides the in-process event bus used by every long-lived
// component: typed subscriptions, per-subscriber FIFO delivery, priority
// lanes, and per-subscription back-pressure policies.
package bus

import (
	"encoding/json"
	"fmt"
	"time"
)

// Wire-stable event type names. These appear in persisted payloads and must
// not be renamed.
const (
	EventTypeSystemHealthChanged  = "SYSTEM_HEALTH_CHANGED"
	EventTypeResourceAlertCreated = "RESOURCE_ALERT_CREATED"
	EventTypeMetricRecorded       = "METRIC_RECORDED"
	EventTypeErrorOccurred        = "ERROR_OCCURRED"
	EventTypeResourceStateChanged = "RESOURCE_STATE_CHANGED"
)

// Priority orders event delivery when a subscriber's queue is saturated.
// Higher priorities jump lower ones but never reorder within a class.
type Priority int

// Priority levels, lowest first.
const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical

	priorityCount = 4
)

// String returns the symbolic name used in serialized payloads.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityNormal:
		return "NORMAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// MarshalJSON serializes the symbolic name, not the lane index.
func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON accepts the symbolic name.
func (p *Priority) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	switch name {
	case "LOW":
		*p = PriorityLow
	case "NORMAL":
		*p = PriorityNormal
	case "HIGH":
		*p = PriorityHigh
	case "CRITICAL":
		*p = PriorityCritical
	default:
		return fmt.Errorf("unknown priority %q", name)
	}
	return nil
}

// Event is a single typed event. Payload keys carry at minimum "timestamp"
// and "component" for the wire-stable types.
type Event struct {
	Type          string         `json:"type"`
	Timestamp     time.Time      `json:"timestamp"`
	Priority      Priority       `json:"priority"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Payload       map[string]any `json:"payload"`
}

// Handler processes a single delivered event. Handlers run on the
// subscription's delivery goroutine; a panic is isolated to that delivery.
type Handler func(Event)

// BackpressurePolicy selects what happens when a subscriber's queue exceeds
// its high-water mark.
type BackpressurePolicy string

// Back-pressure policies.
const (
	// DropOldest evicts the oldest event in the lowest-priority non-empty
	// lane to make room.
	DropOldest BackpressurePolicy = "drop_oldest"
	// BlockEmitter blocks the emitting goroutine until space frees up or the
	// block timeout expires, failing the emit with ErrBackpressureTimeout.
	BlockEmitter BackpressurePolicy = "block_emitter"
)

// SubscriptionConfig tunes a single subscription's queue.
type SubscriptionConfig struct {
	// QueueSize is the high-water mark across all priority lanes.
	QueueSize int
	// Policy applies when QueueSize is exceeded.
	Policy BackpressurePolicy
	// BlockTimeout bounds BlockEmitter waits.
	BlockTimeout time.Duration
}

// DefaultSubscriptionConfig returns the built-in subscription defaults.
func DefaultSubscriptionConfig() SubscriptionConfig {
	return SubscriptionConfig{
		QueueSize:    256,
		Policy:       DropOldest,
		BlockTimeout: 5 * time.Second,
	}
}
