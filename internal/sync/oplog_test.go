package sync

import (
	"path/filepath"
	"testing"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLog(t *testing.T) *OperationLog {
	t.Helper()
	log, err := NewOperationLog(nil)
	require.NoError(t, err)
	return log
}

func testOp(priority Priority) *Operation {
	op := NewOperation(OpUpdate, "note", "n1", map[string]any{"title": "hello"})
	op.Priority = priority
	return op
}

func TestEnqueueDuplicate(t *testing.T) {
	log := newTestLog(t)
	op := testOp(PriorityNormal)

	require.NoError(t, log.Enqueue(op))
	assert.ErrorIs(t, log.Enqueue(op), ErrDuplicateOperation)
}

func TestEnqueueUnresolvedDependency(t *testing.T) {
	log := newTestLog(t)

	op := testOp(PriorityNormal)
	op.Dependencies.Add("ghost")
	assert.ErrorIs(t, log.Enqueue(op), ErrUnresolvedDependency)

	// A failed dependency is just as unresolved as a missing one.
	dep := testOp(PriorityNormal)
	dep.MaxRetries = 1
	require.NoError(t, log.Enqueue(dep))
	require.True(t, log.Claim(dep.ID, "b1"))
	terminal, err := log.MarkFailed(dep.ID, true, "boom")
	require.NoError(t, err)
	require.True(t, terminal)

	child := testOp(PriorityNormal)
	child.Dependencies.Add(dep.ID)
	assert.ErrorIs(t, log.Enqueue(child), ErrUnresolvedDependency)
}

func TestDequeueBatchOrdering(t *testing.T) {
	log := newTestLog(t)

	now := time.Now()
	lowOld := testOp(PriorityLow)
	lowOld.CreatedAt = now.Add(-3 * time.Hour)
	criticalNew := testOp(PriorityCritical)
	criticalNew.CreatedAt = now
	normalOld := testOp(PriorityNormal)
	normalOld.CreatedAt = now.Add(-2 * time.Hour)
	normalNew := testOp(PriorityNormal)
	normalNew.CreatedAt = now.Add(-1 * time.Hour)

	for _, op := range []*Operation{normalNew, lowOld, criticalNew, normalOld} {
		require.NoError(t, log.Enqueue(op))
	}

	batch := log.DequeueBatch(AllPriorities(), 0)
	require.Len(t, batch, 4)

	// Priority descending, then age ascending within a priority.
	assert.Equal(t, criticalNew.ID, batch[0].ID)
	assert.Equal(t, normalOld.ID, batch[1].ID)
	assert.Equal(t, normalNew.ID, batch[2].ID)
	assert.Equal(t, lowOld.ID, batch[3].ID)
}

func TestDequeueBatchFilterAndTruncate(t *testing.T) {
	log := newTestLog(t)

	for range 5 {
		require.NoError(t, log.Enqueue(testOp(PriorityLow)))
		require.NoError(t, log.Enqueue(testOp(PriorityCritical)))
	}

	batch := log.DequeueBatch(mapset.NewSet(PriorityCritical), 3)
	require.Len(t, batch, 3)
	for _, op := range batch {
		assert.Equal(t, PriorityCritical, op.Priority)
	}

	// Dequeue does not remove: the same operations come back.
	again := log.DequeueBatch(mapset.NewSet(PriorityCritical), 0)
	assert.Len(t, again, 5)
}

func TestDequeueBatchSkipsUnmetDependencies(t *testing.T) {
	log := newTestLog(t)

	dep := testOp(PriorityNormal)
	require.NoError(t, log.Enqueue(dep))

	child := testOp(PriorityNormal)
	child.Dependencies.Add(dep.ID)
	require.NoError(t, log.Enqueue(child))

	batch := log.DequeueBatch(AllPriorities(), 0)
	require.Len(t, batch, 1)
	assert.Equal(t, dep.ID, batch[0].ID)

	require.True(t, log.Claim(dep.ID, "b1"))
	require.NoError(t, log.MarkCompleted(dep.ID))

	batch = log.DequeueBatch(AllPriorities(), 0)
	require.Len(t, batch, 1)
	assert.Equal(t, child.ID, batch[0].ID)
}

func TestClaimIsCompareAndSet(t *testing.T) {
	log := newTestLog(t)
	op := testOp(PriorityNormal)
	require.NoError(t, log.Enqueue(op))

	assert.True(t, log.Claim(op.ID, "batch-1"))
	assert.False(t, log.Claim(op.ID, "batch-2"), "second claim must lose")

	log.Release(op.ID)
	assert.True(t, log.Claim(op.ID, "batch-2"), "released op is claimable again")
}

func TestMarkFailedRetryBound(t *testing.T) {
	log := newTestLog(t)
	op := testOp(PriorityNormal)
	op.MaxRetries = 3
	require.NoError(t, log.Enqueue(op))

	for attempt := 1; attempt <= 3; attempt++ {
		require.True(t, log.Claim(op.ID, "b"))
		terminal, err := log.MarkFailed(op.ID, true, "always fails")
		require.NoError(t, err)
		if attempt < 3 {
			assert.False(t, terminal, "attempt %d should re-enter pending", attempt)
		} else {
			assert.True(t, terminal, "retries exhausted")
		}
	}

	_, status, ok := log.Get(op.ID)
	require.True(t, ok)
	assert.Equal(t, OpStatusFailed, status)
	assert.Empty(t, log.DequeueBatch(AllPriorities(), 0), "terminal op never re-enqueued")
}

func TestMarkFailedNonRetryable(t *testing.T) {
	log := newTestLog(t)
	op := testOp(PriorityNormal)
	require.NoError(t, log.Enqueue(op))
	require.True(t, log.Claim(op.ID, "b"))

	terminal, err := log.MarkFailed(op.ID, false, "rejected")
	require.NoError(t, err)
	assert.True(t, terminal)
}

func TestStats(t *testing.T) {
	log := newTestLog(t)

	a := testOp(PriorityNormal)
	b := testOp(PriorityNormal)
	require.NoError(t, log.Enqueue(a))
	require.NoError(t, log.Enqueue(b))

	require.True(t, log.Claim(a.ID, "b"))
	require.NoError(t, log.MarkCompleted(a.ID))

	stats := log.Stats()
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 0, stats.Failed)
	assert.Equal(t, 1, log.CompletedCount())
}

func TestOperationLogPersistence(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "ops.db")

	store := NewOperationStore(dbPath)
	require.NoError(t, store.Open())

	log, err := NewOperationLog(store)
	require.NoError(t, err)

	done := testOp(PriorityNormal)
	pending := testOp(PriorityHigh)
	inflight := testOp(PriorityCritical)
	require.NoError(t, log.Enqueue(done))
	require.NoError(t, log.Enqueue(pending))
	require.NoError(t, log.Enqueue(inflight))

	require.True(t, log.Claim(done.ID, "b"))
	require.NoError(t, log.MarkCompleted(done.ID))
	require.True(t, log.Claim(inflight.ID, "b"))
	require.NoError(t, store.Close())

	// Reopen: pending survives, completed does not come back, the stale
	// in-flight claim is demoted to pending.
	store = NewOperationStore(dbPath)
	require.NoError(t, store.Open())
	defer store.Close()

	restored, err := NewOperationLog(store)
	require.NoError(t, err)

	batch := restored.DequeueBatch(AllPriorities(), 0)
	require.Len(t, batch, 2)
	ids := []string{batch[0].ID, batch[1].ID}
	assert.Contains(t, ids, pending.ID)
	assert.Contains(t, ids, inflight.ID)
}
