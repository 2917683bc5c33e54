package sync

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleSnapshot() *StateSnapshot {
	offline := time.Now().Add(-10 * time.Minute).UTC()
	op := testOp(PriorityHigh)
	op.Dependencies.Add("dep-1")

	return &StateSnapshot{
		ReconnectAttempts: 3,
		OfflineSince:      &offline,
		Network:           stableAssessment(),
		PendingOperations: []*Operation{op, testOp(PriorityLow)},
		UnresolvedConflicts: []*Conflict{
			{
				ID:         "c1",
				EntityKind: "note",
				EntityID:   "n1",
				Type:       ConflictStructural,
				Resolution: ResolutionManual,
			},
		},
		Stats: PipelineStats{Completed: 7, Failed: 2, ConflictsDetected: 3, ConflictsResolved: 2},
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	manager := NewStateSnapshotManager(nil, 5)
	original := sampleSnapshot()

	raw, err := manager.Encode(original)
	require.NoError(t, err)

	restored, ok := manager.Decode(raw)
	require.True(t, ok)

	assert.Equal(t, original.ID, restored.ID)
	assert.Equal(t, original.ReconnectAttempts, restored.ReconnectAttempts)
	assert.Equal(t, original.Stats, restored.Stats)
	require.Len(t, restored.PendingOperations, 2)
	assert.Equal(t, original.PendingOperations[0].ID, restored.PendingOperations[0].ID)
	assert.True(t, restored.PendingOperations[0].Dependencies.Contains("dep-1"))
	require.Len(t, restored.UnresolvedConflicts, 1)
	assert.Equal(t, ConflictStructural, restored.UnresolvedConflicts[0].Type)
}

func TestSnapshotTamperRejected(t *testing.T) {
	manager := NewStateSnapshotManager(nil, 5)

	raw, err := manager.Encode(sampleSnapshot())
	require.NoError(t, err)

	idx := bytes.Index(raw, []byte(`"checksum":"`))
	require.GreaterOrEqual(t, idx, 0)
	pos := idx + len(`"checksum":"`)

	tampered := make([]byte, len(raw))
	copy(tampered, raw)
	if tampered[pos] == 'a' {
		tampered[pos] = 'b'
	} else {
		tampered[pos] = 'a'
	}

	restored, ok := manager.Decode(tampered)
	assert.False(t, ok)
	assert.Nil(t, restored)
}

func TestSnapshotPayloadTamperRejected(t *testing.T) {
	manager := NewStateSnapshotManager(nil, 5)

	raw, err := manager.Encode(sampleSnapshot())
	require.NoError(t, err)
	require.Contains(t, string(raw), `"hello"`)

	// A single flipped byte inside an operation payload must fail
	// verification, not just edits near the checksum field.
	tampered := bytes.Replace(raw, []byte(`"hello"`), []byte(`"hellp"`), 1)

	restored, ok := manager.Decode(tampered)
	assert.False(t, ok)
	assert.Nil(t, restored)
}

func TestSnapshotStoreRetention(t *testing.T) {
	store := NewSnapshotStore(filepath.Join(t.TempDir(), "snapshots.db"))
	require.NoError(t, store.Open())
	defer store.Close()

	manager := NewStateSnapshotManager(store, 3)
	for i := range 5 {
		snapshot := sampleSnapshot()
		snapshot.Stats.Completed = i
		snapshot.TakenAt = time.Now().Add(time.Duration(i) * time.Second)
		require.NoError(t, manager.Save(snapshot))
	}

	count, err := store.Count()
	require.NoError(t, err)
	assert.Equal(t, 3, count, "only the most recent snapshots retained")

	restored, ok := manager.Restore()
	require.True(t, ok)
	assert.Equal(t, 4, restored.Stats.Completed, "latest snapshot wins")
}

func TestSnapshotRestoreEmptyStore(t *testing.T) {
	store := NewSnapshotStore(filepath.Join(t.TempDir(), "snapshots.db"))
	require.NoError(t, store.Open())
	defer store.Close()

	restored, ok := NewStateSnapshotManager(store, 3).Restore()
	assert.False(t, ok)
	assert.Nil(t, restored)
}
