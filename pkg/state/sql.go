package state

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/golang-migrate/migrate/v4"
	msqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // register the pure-Go sqlite driver
)

//go:embed migrations
var migrationsFS embed.FS

// SQLBackend persists entries in an embedded SQLite database. Appends are
// transactional; snapshots are stored as JSON blobs.
type SQLBackend struct {
	db *sqlx.DB
}

// NewSQLBackend opens (or creates) the database at path and runs pending
// migrations.
func NewSQLBackend(ctx context.Context, path string) (*SQLBackend, error) {
	db, err := sqlx.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("opening state database: %w", err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY
	// under concurrent appends.
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging state database: %w", err)
	}

	if err := runMigrations(db.DB); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrating state database: %w", err)
	}

	return &SQLBackend{db: db}, nil
}

// runMigrations applies the embedded schema migrations.
func runMigrations(db *sql.DB) error {
	src, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	sourceDriver, err := iofs.New(src, ".")
	if err != nil {
		return err
	}
	dbDriver, err := msqlite.WithInstance(db, &msqlite.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", dbDriver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

type entryRow struct {
	Key       string    `db:"key"`
	Kind      string    `db:"kind"`
	Version   int       `db:"version"`
	Payload   []byte    `db:"payload"`
	CreatedAt time.Time `db:"created_at"`
}

// LoadAll returns every entry in append order.
func (b *SQLBackend) LoadAll(ctx context.Context) ([]Entry, error) {
	var rows []entryRow
	if err := b.db.SelectContext(ctx, &rows,
		`SELECT key, kind, version, payload, created_at FROM state_entries ORDER BY id ASC`); err != nil {
		return nil, fmt.Errorf("loading state entries: %w", err)
	}

	entries := make([]Entry, 0, len(rows))
	for _, row := range rows {
		var entry Entry
		if err := json.Unmarshal(row.Payload, &entry); err != nil {
			return nil, fmt.Errorf("decoding entry %s v%d: %w", row.Key, row.Version, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Append records one entry inside a transaction.
func (b *SQLBackend) Append(ctx context.Context, entry Entry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding state entry: %w", err)
	}

	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting append transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO state_entries (key, kind, version, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		entry.Key, entry.Kind, entry.Version, payload, entry.Timestamp); err != nil {
		return fmt.Errorf("inserting state entry: %w", err)
	}
	return tx.Commit()
}

// WriteSnapshot stores the snapshot as a JSON blob.
func (b *SQLBackend) WriteSnapshot(ctx context.Context, snap Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	if _, err := b.db.ExecContext(ctx,
		`INSERT INTO state_snapshots (snapshot_id, payload, taken_at) VALUES (?, ?, ?)`,
		snap.ID, payload, snap.TakenAt); err != nil {
		return fmt.Errorf("inserting snapshot: %w", err)
	}
	return nil
}

// ReadSnapshot loads a snapshot by id.
func (b *SQLBackend) ReadSnapshot(ctx context.Context, snapshotID string) (Snapshot, error) {
	var payload []byte
	err := b.db.GetContext(ctx, &payload,
		`SELECT payload FROM state_snapshots WHERE snapshot_id = ?`, snapshotID)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("reading snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decoding snapshot: %w", err)
	}
	return snap, nil
}

// Close closes the database.
func (b *SQLBackend) Close() error {
	return b.db.Close()
}
