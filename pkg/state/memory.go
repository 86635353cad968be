package state

import (
	"context"
	"sync"
)

// MemoryBackend keeps everything in process memory. Used by tests and as
// the default when no durable backend is configured.
type MemoryBackend struct {
	mu        sync.Mutex
	entries   []Entry
	snapshots map[string]Snapshot
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{snapshots: make(map[string]Snapshot)}
}

// LoadAll returns all appended entries in order.
func (b *MemoryBackend) LoadAll(context.Context) ([]Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Entry, len(b.entries))
	copy(out, b.entries)
	return out, nil
}

// Append records an entry.
func (b *MemoryBackend) Append(_ context.Context, entry Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, entry)
	return nil
}

// WriteSnapshot stores a snapshot.
func (b *MemoryBackend) WriteSnapshot(_ context.Context, snap Snapshot) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshots[snap.ID] = snap
	return nil
}

// ReadSnapshot loads a snapshot by id.
func (b *MemoryBackend) ReadSnapshot(_ context.Context, snapshotID string) (Snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	snap, ok := b.snapshots[snapshotID]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return snap, nil
}

// Close is a no-op.
func (b *MemoryBackend) Close() error { return nil }
