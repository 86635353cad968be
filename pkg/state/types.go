// Package state provides the versioned key→state store that owns all
// durable state. Every mutation goes through the Manager; readers obtain
// point-in-time views.
package state

import (
	"context"
	"time"
)

// Entry is one version of a key's state. For every key the sequence of
// versions is gap-free starting at 1.
type Entry struct {
	Key              string         `json:"key"`
	Kind             string         `json:"resource_kind"`
	Value            any            `json:"value"`
	Version          int            `json:"version"`
	PreviousState    any            `json:"previous_state,omitempty"`
	TransitionReason string         `json:"transition_reason,omitempty"`
	Timestamp        time.Time      `json:"timestamp"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	Deleted          bool           `json:"deleted,omitempty"`
}

// Snapshot is an immutable point-in-time copy of the latest entry per key.
type Snapshot struct {
	ID      string           `json:"snapshot_id"`
	TakenAt time.Time        `json:"taken_at"`
	Entries map[string]Entry `json:"entries"`
}

// TransitionValidator vets a proposed state change for a resource kind.
// Returning an error rejects the SetState with ErrInvalidTransition.
type TransitionValidator func(from, to any) error

// Backend is the pluggable durable store behind the Manager. All
// implementations must honor append atomicity: a failed Append leaves no
// partial record.
type Backend interface {
	// LoadAll returns every persisted entry in append order.
	LoadAll(ctx context.Context) ([]Entry, error)
	// Append durably records one entry.
	Append(ctx context.Context, entry Entry) error
	// WriteSnapshot durably records a snapshot.
	WriteSnapshot(ctx context.Context, snap Snapshot) error
	// ReadSnapshot loads a snapshot by id.
	ReadSnapshot(ctx context.Context, snapshotID string) (Snapshot, error)
	// Close releases backend resources.
	Close() error
}
