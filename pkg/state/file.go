package state

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileBackend persists entries to an append-only JSONL log with snapshots
// written as individual JSON files alongside it.
//
// Layout under dir:
//
//	state.log             one JSON entry per line, append order
//	snapshots/{id}.json   one file per snapshot
type FileBackend struct {
	dir string

	mu  sync.Mutex
	log *os.File
	buf *bufio.Writer
}

// NewFileBackend opens (or creates) the backend directory.
func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(filepath.Join(dir, "snapshots"), 0o755); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}

	log, err := os.OpenFile(filepath.Join(dir, "state.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening state log: %w", err)
	}

	return &FileBackend{
		dir: dir,
		log: log,
		buf: bufio.NewWriter(log),
	}, nil
}

// LoadAll replays the append-only log. Lines that fail to parse are
// skipped; a torn final line from a crash must not poison the replay.
func (b *FileBackend) LoadAll(context.Context) ([]Entry, error) {
	f, err := os.Open(filepath.Join(b.dir, "state.log"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening state log: %w", err)
	}
	defer func() { _ = f.Close() }()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading state log: %w", err)
	}
	return entries, nil
}

// Append writes one entry and flushes it to the OS before returning.
func (b *FileBackend) Append(_ context.Context, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding state entry: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.buf.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("appending state entry: %w", err)
	}
	return b.buf.Flush()
}

// WriteSnapshot writes the snapshot atomically via a temp-file rename.
func (b *FileBackend) WriteSnapshot(_ context.Context, snap Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}

	path := b.snapshotPath(snap.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}
	return os.Rename(tmp, path)
}

// ReadSnapshot loads a snapshot by id.
func (b *FileBackend) ReadSnapshot(_ context.Context, snapshotID string) (Snapshot, error) {
	data, err := os.ReadFile(b.snapshotPath(snapshotID))
	if err != nil {
		if os.IsNotExist(err) {
			return Snapshot{}, ErrNotFound
		}
		return Snapshot{}, fmt.Errorf("reading snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decoding snapshot: %w", err)
	}
	return snap, nil
}

// Close flushes and closes the log.
func (b *FileBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.buf.Flush(); err != nil {
		return err
	}
	return b.log.Close()
}

func (b *FileBackend) snapshotPath(id string) string {
	// Snapshot ids are uuids; filepath.Base guards against traversal if a
	// caller ever passes through an external id.
	return filepath.Join(b.dir, "snapshots", filepath.Base(id)+".json")
}
