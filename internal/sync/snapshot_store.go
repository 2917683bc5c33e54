package sync

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/driftsync/driftsync/internal/db"
)

const snapshotSchema = `
CREATE TABLE IF NOT EXISTS snapshots (
    id TEXT PRIMARY KEY,
    taken_at TEXT NOT NULL, -- RFC3339
    payload BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_snapshots_taken_at ON snapshots(taken_at);
`

// SnapshotStore persists encoded pipeline snapshots in SQLite.
type SnapshotStore struct {
	db     *sqlx.DB
	dbPath string
}

func NewSnapshotStore(dbPath string) *SnapshotStore {
	return &SnapshotStore{dbPath: dbPath}
}

// Open connects the store and initializes the schema.
func (s *SnapshotStore) Open() error {
	if s.db != nil {
		return fmt.Errorf("snapshot store already open")
	}

	conn, err := db.NewSqliteDb(db.WithPath(s.dbPath), db.WithMaxOpenConns(1))
	if err != nil {
		return fmt.Errorf("open snapshot store: %w", err)
	}

	if _, err := conn.Exec(snapshotSchema); err != nil {
		conn.Close()
		return fmt.Errorf("init snapshot schema: %w", err)
	}

	s.db = conn
	return nil
}

// Close closes the underlying database connection.
func (s *SnapshotStore) Close() error {
	if s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		slog.Error("close snapshot store", "error", err)
		return err
	}
	s.db = nil
	return nil
}

// Save stores an encoded snapshot.
func (s *SnapshotStore) Save(id string, takenAt time.Time, raw []byte) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO snapshots (id, taken_at, payload) VALUES (?, ?, ?)",
		id, takenAt.Format(time.RFC3339Nano), raw)
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", id, err)
	}
	return nil
}

// LoadLatest returns the raw payload of the most recent snapshot, or nil
// when the store is empty.
func (s *SnapshotStore) LoadLatest() ([]byte, error) {
	var raw []byte
	err := s.db.Get(&raw, "SELECT payload FROM snapshots ORDER BY taken_at DESC LIMIT 1")
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load latest snapshot: %w", err)
	}
	return raw, nil
}

// Prune keeps only the most recent `retain` snapshots.
func (s *SnapshotStore) Prune(retain int) error {
	_, err := s.db.Exec(`DELETE FROM snapshots WHERE id NOT IN (
	    SELECT id FROM snapshots ORDER BY taken_at DESC LIMIT ?)`, retain)
	if err != nil {
		return fmt.Errorf("prune snapshots: %w", err)
	}
	return nil
}

// Count returns the number of stored snapshots.
func (s *SnapshotStore) Count() (int, error) {
	var count int
	if err := s.db.Get(&count, "SELECT COUNT(*) FROM snapshots"); err != nil {
		return 0, fmt.Errorf("count snapshots: %w", err)
	}
	return count, nil
}
