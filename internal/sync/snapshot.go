package sync

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
)

// PipelineStats is the aggregate counter block carried by snapshots.
type PipelineStats struct {
	Completed         int `json:"completed"`
	Failed            int `json:"failed"`
	ConflictsDetected int `json:"conflictsDetected"`
	ConflictsResolved int `json:"conflictsResolved"`
}

// StateSnapshot is the serialized pipeline state: reconnect bookkeeping,
// the last network assessment, the pending backlog, unresolved conflicts,
// and aggregate stats, sealed with an integrity checksum.
type StateSnapshot struct {
	// Checksum covers the entire serialized snapshot with this field
	// blanked. It must stay the first field: the seal/verify substitution
	// targets the first "checksum" pair in the document, which payload
	// maps further in can then never shadow.
	Checksum string `json:"checksum"`

	ID                  string             `json:"id"`
	TakenAt             time.Time          `json:"takenAt"`
	ReconnectAttempts   int                `json:"reconnectAttempts"`
	OfflineSince        *time.Time         `json:"offlineSince,omitempty"`
	Network             *QualityAssessment `json:"network,omitempty"`
	PendingOperations   []*Operation       `json:"-"`
	UnresolvedConflicts []*Conflict        `json:"unresolvedConflicts"`
	Stats               PipelineStats      `json:"stats"`

	// WireOperations is the serialized form of PendingOperations; the set
	// type on Operation does not round-trip through JSON directly.
	WireOperations []wireOperation `json:"pendingOperations"`
}

type wireOperation struct {
	ID             string         `json:"id"`
	Type           OpType         `json:"type"`
	EntityKind     string         `json:"entityKind"`
	EntityID       string         `json:"entityId"`
	Payload        map[string]any `json:"payload"`
	Priority       Priority       `json:"priority"`
	CreatedAt      time.Time      `json:"createdAt"`
	RetryCount     int            `json:"retryCount"`
	MaxRetries     int            `json:"maxRetries"`
	Dependencies   []string       `json:"dependencies"`
	ResolutionHint string         `json:"resolutionHint,omitempty"`
}

func toWireOperation(op *Operation) wireOperation {
	deps := []string{}
	if op.Dependencies != nil {
		deps = op.Dependencies.ToSlice()
	}
	return wireOperation{
		ID:             op.ID,
		Type:           op.Type,
		EntityKind:     op.EntityKind,
		EntityID:       op.EntityID,
		Payload:        op.Payload,
		Priority:       op.Priority,
		CreatedAt:      op.CreatedAt,
		RetryCount:     op.RetryCount,
		MaxRetries:     op.MaxRetries,
		Dependencies:   deps,
		ResolutionHint: op.ResolutionHint,
	}
}

func (w wireOperation) toOperation() *Operation {
	return &Operation{
		ID:             w.ID,
		Type:           w.Type,
		EntityKind:     w.EntityKind,
		EntityID:       w.EntityID,
		Payload:        w.Payload,
		Priority:       w.Priority,
		CreatedAt:      w.CreatedAt,
		RetryCount:     w.RetryCount,
		MaxRetries:     w.MaxRetries,
		Dependencies:   mapset.NewSet(w.Dependencies...),
		ResolutionHint: w.ResolutionHint,
	}
}

const checksumPlaceholder = `"checksum":""`

// sealedChecksum hashes the serialized snapshot as written with an empty
// checksum field. Hashing the bytes directly keeps verification exact
// regardless of which JSON engine produced them.
func sealedChecksum(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// StateSnapshotManager encodes and verifies pipeline snapshots and applies
// the retention policy against its store.
type StateSnapshotManager struct {
	store  *SnapshotStore
	retain int
}

// NewStateSnapshotManager creates a manager retaining the most recent
// `retain` snapshots. A nil store disables persistence; Encode and Decode
// still work.
func NewStateSnapshotManager(store *SnapshotStore, retain int) *StateSnapshotManager {
	if retain <= 0 {
		retain = 10
	}
	return &StateSnapshotManager{store: store, retain: retain}
}

// Encode finalizes and serializes a snapshot: converts operations to wire
// form, stamps id and time if unset, and seals the checksum over the full
// serialized content.
func (m *StateSnapshotManager) Encode(snapshot *StateSnapshot) ([]byte, error) {
	if snapshot.ID == "" {
		snapshot.ID = uuid.NewString()
	}
	if snapshot.TakenAt.IsZero() {
		snapshot.TakenAt = time.Now()
	}

	snapshot.WireOperations = make([]wireOperation, 0, len(snapshot.PendingOperations))
	for _, op := range snapshot.PendingOperations {
		snapshot.WireOperations = append(snapshot.WireOperations, toWireOperation(op))
	}

	snapshot.Checksum = ""
	raw, err := jsonMarshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	snapshot.Checksum = sealedChecksum(raw)

	return bytes.Replace(raw, []byte(checksumPlaceholder),
		[]byte(`"checksum":"`+snapshot.Checksum+`"`), 1), nil
}

// Decode verifies and deserializes a snapshot. Any tampering, in the
// payload or the checksum itself, returns (nil, false) rather than corrupt
// state.
func (m *StateSnapshotManager) Decode(raw []byte) (*StateSnapshot, bool) {
	var snapshot StateSnapshot
	if err := jsonUnmarshal(raw, &snapshot); err != nil {
		slog.Error("snapshot decode", "error", err)
		return nil, false
	}

	neutral := bytes.Replace(raw,
		[]byte(`"checksum":"`+snapshot.Checksum+`"`),
		[]byte(checksumPlaceholder), 1)
	if sealedChecksum(neutral) != snapshot.Checksum {
		slog.Warn("snapshot checksum mismatch, rejecting", "id", snapshot.ID)
		return nil, false
	}

	snapshot.PendingOperations = make([]*Operation, 0, len(snapshot.WireOperations))
	for _, w := range snapshot.WireOperations {
		snapshot.PendingOperations = append(snapshot.PendingOperations, w.toOperation())
	}
	return &snapshot, true
}

// Save encodes and persists a snapshot, then prunes beyond the retention
// limit.
func (m *StateSnapshotManager) Save(snapshot *StateSnapshot) error {
	raw, err := m.Encode(snapshot)
	if err != nil {
		return err
	}
	if m.store == nil {
		return nil
	}
	if err := m.store.Save(snapshot.ID, snapshot.TakenAt, raw); err != nil {
		return err
	}
	return m.store.Prune(m.retain)
}

// Restore loads and verifies the most recent stored snapshot. Returns
// (nil, false) when there is none or the latest fails verification.
func (m *StateSnapshotManager) Restore() (*StateSnapshot, bool) {
	if m.store == nil {
		return nil, false
	}
	raw, err := m.store.LoadLatest()
	if err != nil {
		slog.Error("snapshot load", "error", err)
		return nil, false
	}
	if raw == nil {
		return nil, false
	}
	return m.Decode(raw)
}
