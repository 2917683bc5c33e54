package sync

import (
	"fmt"
	"log/slog"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/jmoiron/sqlx"

	"github.com/driftsync/driftsync/internal/db"
)

const operationSchema = `
CREATE TABLE IF NOT EXISTS operations (
    id TEXT PRIMARY KEY,
    type TEXT NOT NULL,
    entity_kind TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    payload TEXT NOT NULL,
    priority INTEGER NOT NULL,
    created_at TEXT NOT NULL, -- RFC3339
    retry_count INTEGER NOT NULL,
    max_retries INTEGER NOT NULL,
    dependencies TEXT NOT NULL, -- JSON array of ids
    resolution_hint TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    last_error TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_operations_status ON operations(status);
CREATE INDEX IF NOT EXISTS idx_operations_created_at ON operations(created_at);
`

// dbOperation is the scan target; payload and dependencies are stored as
// JSON text, timestamps as RFC3339 strings.
type dbOperation struct {
	ID             string `db:"id"`
	Type           string `db:"type"`
	EntityKind     string `db:"entity_kind"`
	EntityID       string `db:"entity_id"`
	Payload        string `db:"payload"`
	Priority       int    `db:"priority"`
	CreatedAt      string `db:"created_at"`
	RetryCount     int    `db:"retry_count"`
	MaxRetries     int    `db:"max_retries"`
	Dependencies   string `db:"dependencies"`
	ResolutionHint string `db:"resolution_hint"`
	Status         string `db:"status"`
	LastError      string `db:"last_error"`
}

// OperationStore persists the operation log in SQLite.
type OperationStore struct {
	db     *sqlx.DB
	dbPath string
}

// NewOperationStore creates a store handle; Open connects it.
func NewOperationStore(dbPath string) *OperationStore {
	return &OperationStore{dbPath: dbPath}
}

// Open connects the store and initializes the schema.
func (s *OperationStore) Open() error {
	if s.db != nil {
		return fmt.Errorf("operation store already open")
	}

	conn, err := db.NewSqliteDb(db.WithPath(s.dbPath), db.WithMaxOpenConns(1))
	if err != nil {
		return fmt.Errorf("open operation store: %w", err)
	}

	if _, err := conn.Exec(operationSchema); err != nil {
		conn.Close()
		return fmt.Errorf("init operation schema: %w", err)
	}

	s.db = conn
	return nil
}

// Close closes the underlying database connection.
func (s *OperationStore) Close() error {
	if s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		slog.Error("close operation store", "error", err)
		return err
	}
	s.db = nil
	return nil
}

// Save upserts an operation with its current status.
func (s *OperationStore) Save(op *Operation, status OpStatus, lastError string) error {
	payload, err := jsonMarshal(op.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	deps := []string{}
	if op.Dependencies != nil {
		deps = op.Dependencies.ToSlice()
	}
	depsJSON, err := jsonMarshal(deps)
	if err != nil {
		return fmt.Errorf("marshal dependencies: %w", err)
	}

	row := dbOperation{
		ID:             op.ID,
		Type:           string(op.Type),
		EntityKind:     op.EntityKind,
		EntityID:       op.EntityID,
		Payload:        string(payload),
		Priority:       int(op.Priority),
		CreatedAt:      op.CreatedAt.Format(time.RFC3339Nano),
		RetryCount:     op.RetryCount,
		MaxRetries:     op.MaxRetries,
		Dependencies:   string(depsJSON),
		ResolutionHint: op.ResolutionHint,
		Status:         string(status),
		LastError:      lastError,
	}

	query := `INSERT OR REPLACE INTO operations
	    (id, type, entity_kind, entity_id, payload, priority, created_at,
	     retry_count, max_retries, dependencies, resolution_hint, status, last_error)
	    VALUES (:id, :type, :entity_kind, :entity_id, :payload, :priority, :created_at,
	     :retry_count, :max_retries, :dependencies, :resolution_hint, :status, :last_error)`
	if _, err := s.db.NamedExec(query, row); err != nil {
		return fmt.Errorf("save operation %s: %w", op.ID, err)
	}
	return nil
}

// LoadActive returns every non-terminal operation. In-flight rows from a
// previous process are treated as pending again.
func (s *OperationStore) LoadActive() ([]*Operation, error) {
	var rows []dbOperation
	err := s.db.Select(&rows,
		"SELECT * FROM operations WHERE status IN (?, ?)",
		string(OpStatusPending), string(OpStatusInFlight))
	if err != nil {
		return nil, fmt.Errorf("query active operations: %w", err)
	}

	ops := make([]*Operation, 0, len(rows))
	for _, row := range rows {
		op, err := row.toOperation()
		if err != nil {
			slog.Error("skip corrupt operation row", "id", row.ID, "error", err)
			continue
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// Delete removes an operation row.
func (s *OperationStore) Delete(id string) error {
	if _, err := s.db.Exec("DELETE FROM operations WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete operation %s: %w", id, err)
	}
	return nil
}

// Count returns the number of stored rows.
func (s *OperationStore) Count() (int, error) {
	var count int
	if err := s.db.Get(&count, "SELECT COUNT(*) FROM operations"); err != nil {
		return 0, fmt.Errorf("count operations: %w", err)
	}
	return count, nil
}

func (row dbOperation) toOperation() (*Operation, error) {
	createdAt, err := time.Parse(time.RFC3339Nano, row.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}

	var payload map[string]any
	if err := jsonUnmarshal([]byte(row.Payload), &payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}

	var deps []string
	if err := jsonUnmarshal([]byte(row.Dependencies), &deps); err != nil {
		return nil, fmt.Errorf("unmarshal dependencies: %w", err)
	}

	return &Operation{
		ID:             row.ID,
		Type:           OpType(row.Type),
		EntityKind:     row.EntityKind,
		EntityID:       row.EntityID,
		Payload:        payload,
		Priority:       Priority(row.Priority),
		CreatedAt:      createdAt,
		RetryCount:     row.RetryCount,
		MaxRetries:     row.MaxRetries,
		Dependencies:   mapset.NewSet(deps...),
		ResolutionHint: row.ResolutionHint,
	}, nil
}
