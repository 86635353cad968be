package state

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Manager is the single writer to durable state. It keeps an in-memory
// index of the latest entry per key plus full per-key history, and mirrors
// every append to the configured backend before exposing it to readers.
type Manager struct {
	backend Backend

	mu         sync.RWMutex
	latest     map[string]Entry
	history    map[string][]Entry // oldest first
	validators map[string]TransitionValidator
}

// NewManager creates a manager over the given backend and loads any
// previously persisted entries into the index.
func NewManager(ctx context.Context, backend Backend) (*Manager, error) {
	m := &Manager{
		backend:    backend,
		latest:     make(map[string]Entry),
		history:    make(map[string][]Entry),
		validators: make(map[string]TransitionValidator),
	}

	entries, err := backend.LoadAll(ctx)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		m.history[entry.Key] = append(m.history[entry.Key], entry)
		if entry.Deleted {
			delete(m.latest, entry.Key)
		} else {
			m.latest[entry.Key] = entry
		}
	}
	return m, nil
}

// RegisterValidator installs a transition validator for a resource kind.
// At most one validator per kind; later registrations replace earlier ones.
func (m *Manager) RegisterValidator(kind string, v TransitionValidator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.validators[kind] = v
}

// SetState atomically appends a new version for key. The append is either
// fully observed by subsequent GetState calls or not at all: the backend
// write happens before the index is updated, and a backend failure leaves
// the index untouched.
func (m *Manager) SetState(ctx context.Context, key string, value any, kind string, metadata map[string]any, transitionReason string) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var previous any
	version := 1
	if prev, ok := m.latest[key]; ok {
		previous = prev.Value
		version = prev.Version + 1
	}
	// Versions keep counting from the append log even across tombstones
	// and restores to older snapshots, so the per-key sequence stays
	// gap-free and monotonic.
	if hist := m.history[key]; len(hist) > 0 && hist[len(hist)-1].Version >= version {
		version = hist[len(hist)-1].Version + 1
	}

	if v, ok := m.validators[kind]; ok {
		if err := v(previous, value); err != nil {
			return Entry{}, &InvalidTransitionError{Kind: kind, Key: key, Reason: err.Error()}
		}
	}

	entry := Entry{
		Key:              key,
		Kind:             kind,
		Value:            value,
		Version:          version,
		PreviousState:    previous,
		TransitionReason: transitionReason,
		Timestamp:        time.Now().UTC(),
		Metadata:         metadata,
	}

	if err := m.backend.Append(ctx, entry); err != nil {
		return Entry{}, err
	}

	m.latest[key] = entry
	m.history[key] = append(m.history[key], entry)
	return entry, nil
}

// GetState returns the latest entry for key.
func (m *Manager) GetState(key string) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.latest[key]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return entry, nil
}

// GetHistory returns entries for key, newest first. limit <= 0 means all.
// Tombstoned keys remain queryable until pruned.
func (m *Manager) GetHistory(key string, limit int) []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	hist := m.history[key]
	out := make([]Entry, 0, len(hist))
	for i := len(hist) - 1; i >= 0; i-- {
		out = append(out, hist[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Snapshot persists a point-in-time consistent copy of the latest entry
// per key and returns its id.
func (m *Manager) Snapshot(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		ID:      uuid.New().String(),
		TakenAt: time.Now().UTC(),
		Entries: make(map[string]Entry, len(m.latest)),
	}
	for key, entry := range m.latest {
		snap.Entries[key] = entry
	}

	if err := m.backend.WriteSnapshot(ctx, snap); err != nil {
		return "", err
	}
	return snap.ID, nil
}

// Restore replaces the in-memory index with the snapshot's entries.
// History is not deleted; appends after a restore continue from the
// highest version seen for each key.
func (m *Manager) Restore(ctx context.Context, snapshotID string) error {
	snap, err := m.backend.ReadSnapshot(ctx, snapshotID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.latest = make(map[string]Entry, len(snap.Entries))
	for key, entry := range snap.Entries {
		m.latest[key] = entry
	}
	return nil
}

// FindKeys returns all live keys with the given prefix, sorted.
func (m *Manager) FindKeys(prefix string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0)
	for key := range m.latest {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// DeleteState tombstones a key. Returns false when the key is not live.
func (m *Manager) DeleteState(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, ok := m.latest[key]
	if !ok {
		return false, nil
	}

	entry := Entry{
		Key:           key,
		Kind:          prev.Kind,
		Version:       prev.Version + 1,
		PreviousState: prev.Value,
		Timestamp:     time.Now().UTC(),
		Deleted:       true,
	}
	if err := m.backend.Append(ctx, entry); err != nil {
		return false, err
	}

	delete(m.latest, key)
	m.history[key] = append(m.history[key], entry)
	return true, nil
}

// Close releases the backend.
func (m *Manager) Close() error {
	return m.backend.Close()
}
