package state

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMemoryManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(context.Background(), NewMemoryBackend())
	require.NoError(t, err)
	return m
}

func TestSetStateVersionsAreGapFree(t *testing.T) {
	m := newMemoryManager(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		entry, err := m.SetState(ctx, "phase:p1", fmt.Sprintf("state-%d", i), "phase", nil, "")
		require.NoError(t, err)
		assert.Equal(t, i+1, entry.Version)
	}

	hist := m.GetHistory("phase:p1", 0)
	require.Len(t, hist, 5)
	// Newest first, versions 5..1 with no gaps.
	for i, entry := range hist {
		assert.Equal(t, 5-i, entry.Version)
	}
}

func TestSetStateRecordsPreviousState(t *testing.T) {
	m := newMemoryManager(t)
	ctx := context.Background()

	_, err := m.SetState(ctx, "k", "first", "test", nil, "")
	require.NoError(t, err)
	entry, err := m.SetState(ctx, "k", "second", "test", nil, "updated")
	require.NoError(t, err)

	assert.Equal(t, "first", entry.PreviousState)
	assert.Equal(t, "updated", entry.TransitionReason)
}

func TestTransitionValidatorRejects(t *testing.T) {
	m := newMemoryManager(t)
	ctx := context.Background()

	m.RegisterValidator("phase", func(from, to any) error {
		if from == "COMPLETED" {
			return fmt.Errorf("cannot leave COMPLETED")
		}
		return nil
	})

	_, err := m.SetState(ctx, "phase:p1", "COMPLETED", "phase", nil, "")
	require.NoError(t, err)

	_, err = m.SetState(ctx, "phase:p1", "RUNNING", "phase", nil, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// Rejected transitions leave no trace.
	entry, err := m.GetState("phase:p1")
	require.NoError(t, err)
	assert.Equal(t, "COMPLETED", entry.Value)
	assert.Equal(t, 1, entry.Version)
}

func TestGetStateNotFound(t *testing.T) {
	m := newMemoryManager(t)
	_, err := m.GetState("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetHistoryLimit(t *testing.T) {
	m := newMemoryManager(t)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_, err := m.SetState(ctx, "k", i, "test", nil, "")
		require.NoError(t, err)
	}

	hist := m.GetHistory("k", 3)
	require.Len(t, hist, 3)
	assert.Equal(t, 10, hist[0].Version)
	assert.Equal(t, 8, hist[2].Version)
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	m := newMemoryManager(t)
	ctx := context.Background()

	_, err := m.SetState(ctx, "a", "a1", "test", nil, "")
	require.NoError(t, err)
	_, err = m.SetState(ctx, "b", "b1", "test", nil, "")
	require.NoError(t, err)

	snapID, err := m.Snapshot(ctx)
	require.NoError(t, err)

	_, err = m.SetState(ctx, "a", "a2", "test", nil, "")
	require.NoError(t, err)
	_, err = m.SetState(ctx, "c", "c1", "test", nil, "")
	require.NoError(t, err)

	require.NoError(t, m.Restore(ctx, snapID))

	a, err := m.GetState("a")
	require.NoError(t, err)
	assert.Equal(t, "a1", a.Value)
	b, err := m.GetState("b")
	require.NoError(t, err)
	assert.Equal(t, "b1", b.Value)
	_, err = m.GetState("c")
	assert.ErrorIs(t, err, ErrNotFound)

	// History survives the restore.
	assert.Len(t, m.GetHistory("a", 0), 2)

	// Appends after a restore keep the version sequence monotonic.
	entry, err := m.SetState(ctx, "a", "a3", "test", nil, "")
	require.NoError(t, err)
	assert.Equal(t, 3, entry.Version)
}

func TestRestoreUnknownSnapshot(t *testing.T) {
	m := newMemoryManager(t)
	assert.ErrorIs(t, m.Restore(context.Background(), "nope"), ErrNotFound)
}

func TestDeleteStateTombstones(t *testing.T) {
	m := newMemoryManager(t)
	ctx := context.Background()

	_, err := m.SetState(ctx, "k", "v", "test", nil, "")
	require.NoError(t, err)

	ok, err := m.DeleteState(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = m.GetState("k")
	assert.ErrorIs(t, err, ErrNotFound)

	// History remains queryable until pruned.
	hist := m.GetHistory("k", 0)
	require.Len(t, hist, 2)
	assert.True(t, hist[0].Deleted)

	// Deleting a dead key reports false.
	ok, err = m.DeleteState(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	// Re-creating continues the version sequence past the tombstone.
	entry, err := m.SetState(ctx, "k", "again", "test", nil, "")
	require.NoError(t, err)
	assert.Equal(t, 3, entry.Version)
}

func TestFindKeysByPrefix(t *testing.T) {
	m := newMemoryManager(t)
	ctx := context.Background()

	for _, key := range []string{"phase:b", "phase:a", "water_agent:coordination:1"} {
		_, err := m.SetState(ctx, key, "v", "test", nil, "")
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"phase:a", "phase:b"}, m.FindKeys("phase:"))
	assert.Empty(t, m.FindKeys("air_agent:"))
}

// backendFactory builds a fresh backend twice over the same storage so
// reload behavior can be asserted.
type backendFactory func(t *testing.T) (open func() Backend)

func TestBackendsPersistAcrossReopen(t *testing.T) {
	cases := map[string]backendFactory{
		"file": func(t *testing.T) func() Backend {
			dir := t.TempDir()
			return func() Backend {
				b, err := NewFileBackend(dir)
				require.NoError(t, err)
				return b
			}
		},
		"sql": func(t *testing.T) func() Backend {
			path := filepath.Join(t.TempDir(), "state.db")
			return func() Backend {
				b, err := NewSQLBackend(context.Background(), path)
				require.NoError(t, err)
				return b
			}
		},
	}

	for name, factory := range cases {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			open := factory(t)

			backend := open()
			m, err := NewManager(ctx, backend)
			require.NoError(t, err)

			_, err = m.SetState(ctx, "k", "v1", "test", map[string]any{"n": 1.0}, "create")
			require.NoError(t, err)
			_, err = m.SetState(ctx, "k", "v2", "test", nil, "update")
			require.NoError(t, err)
			snapID, err := m.Snapshot(ctx)
			require.NoError(t, err)
			require.NoError(t, m.Close())

			// Reopen: index is rebuilt from the log, snapshot readable.
			m2, err := NewManager(ctx, open())
			require.NoError(t, err)
			defer func() { require.NoError(t, m2.Close()) }()

			entry, err := m2.GetState("k")
			require.NoError(t, err)
			assert.Equal(t, "v2", entry.Value)
			assert.Equal(t, 2, entry.Version)
			assert.Len(t, m2.GetHistory("k", 0), 2)

			require.NoError(t, m2.Restore(ctx, snapID))
			entry, err = m2.GetState("k")
			require.NoError(t, err)
			assert.Equal(t, "v2", entry.Value)
		})
	}
}
