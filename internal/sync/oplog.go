package sync

import (
	"fmt"
	"log/slog"
	"sort"
	stdsync "sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/driftsync/driftsync/internal/queue"
)

type opRecord struct {
	op        *Operation
	status    OpStatus
	batchID   string
	seq       uint64
	lastError string
	updatedAt time.Time
}

// OperationLog is the ordered, durable store of mutation records. It is
// the only mutable resource shared across concurrent batches; every
// per-operation transition happens under the log's lock, so claims are
// linearizable.
type OperationLog struct {
	mu      stdsync.RWMutex
	records map[string]*opRecord
	seq     uint64
	store   *OperationStore

	completed int
	failed    int
}

// NewOperationLog creates an operation log. A nil store keeps the log
// memory-only; with a store, previously pending operations are reloaded
// (in-flight claims from a dead process are demoted back to pending).
func NewOperationLog(store *OperationStore) (*OperationLog, error) {
	l := &OperationLog{
		records: make(map[string]*opRecord),
		store:   store,
	}

	if store != nil {
		ops, err := store.LoadActive()
		if err != nil {
			return nil, fmt.Errorf("load operation log: %w", err)
		}
		// Restore in age order so the sequence numbers match the original
		// enqueue order.
		sort.Slice(ops, func(i, j int) bool { return ops[i].CreatedAt.Before(ops[j].CreatedAt) })
		for _, op := range ops {
			l.seq++
			l.records[op.ID] = &opRecord{
				op:        op,
				status:    OpStatusPending,
				seq:       l.seq,
				updatedAt: time.Now(),
			}
		}
		if len(ops) > 0 {
			slog.Info("oplog restored", "pending", len(ops))
		}
	}

	return l, nil
}

// Enqueue adds a pending operation. Every declared dependency must itself
// be active (pending or in flight) in the log.
func (l *OperationLog) Enqueue(op *Operation) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.records[op.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateOperation, op.ID)
	}

	if op.Dependencies != nil {
		for dep := range op.Dependencies.Iter() {
			rec, ok := l.records[dep]
			if !ok || rec.status.Terminal() && rec.status != OpStatusCompleted {
				return fmt.Errorf("%w: %s depends on %s", ErrUnresolvedDependency, op.ID, dep)
			}
		}
	}

	l.seq++
	rec := &opRecord{
		op:        op,
		status:    OpStatusPending,
		seq:       l.seq,
		updatedAt: time.Now(),
	}
	l.records[op.ID] = rec

	if err := l.persist(rec); err != nil {
		delete(l.records, op.ID)
		return err
	}

	slog.Debug("oplog enqueue", "id", op.ID, "type", op.Type, "priority", op.Priority, "entity", op.EntityKind)
	return nil
}

// DequeueBatch returns up to maxSize pending operations matching the
// priority filter, sorted by priority descending then age ascending.
// Operations are not removed; they stay pending until claimed and marked
// terminal. maxSize <= 0 means no limit.
func (l *OperationLog) DequeueBatch(filter mapset.Set[Priority], maxSize int) []*Operation {
	l.mu.RLock()

	candidates := make([]*opRecord, 0, len(l.records))
	for _, rec := range l.records {
		if rec.status != OpStatusPending {
			continue
		}
		if filter != nil && !filter.Contains(rec.op.Priority) {
			continue
		}
		if !l.dependenciesMetLocked(rec.op) {
			continue
		}
		candidates = append(candidates, rec)
	}
	l.mu.RUnlock()

	// Stable age order feeds the heap's tie-break; the heap itself orders
	// by priority.
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].op.CreatedAt.Equal(candidates[j].op.CreatedAt) {
			return candidates[i].op.CreatedAt.Before(candidates[j].op.CreatedAt)
		}
		return candidates[i].seq < candidates[j].seq
	})

	pq := queue.NewPriorityQueue[*Operation]()
	for _, rec := range candidates {
		pq.Enqueue(rec.op.Clone(), int(rec.op.Priority))
	}

	batch := pq.DequeueAll()
	if maxSize > 0 && len(batch) > maxSize {
		batch = batch[:maxSize]
	}
	return batch
}

func (l *OperationLog) dependenciesMetLocked(op *Operation) bool {
	if op.Dependencies == nil || op.Dependencies.Cardinality() == 0 {
		return true
	}
	for dep := range op.Dependencies.Iter() {
		rec, ok := l.records[dep]
		if ok && rec.status != OpStatusCompleted {
			return false
		}
	}
	return true
}

// Claim transitions an operation from pending to in-flight on behalf of a
// batch. It returns false if the operation is not pending, so two batches
// can never claim the same operation.
func (l *OperationLog) Claim(id, batchID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[id]
	if !ok || rec.status != OpStatusPending {
		return false
	}
	rec.status = OpStatusInFlight
	rec.batchID = batchID
	rec.updatedAt = time.Now()
	return true
}

// Release returns an unexecuted in-flight operation to pending without
// touching its retry count (used when the circuit opens before a claimed
// batch starts).
func (l *OperationLog) Release(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[id]
	if !ok || rec.status != OpStatusInFlight {
		return
	}
	rec.status = OpStatusPending
	rec.batchID = ""
	rec.updatedAt = time.Now()
}

// MarkCompleted transitions an operation to its completed terminal state.
func (l *OperationLog) MarkCompleted(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOperationNotFound, id)
	}
	rec.status = OpStatusCompleted
	rec.batchID = ""
	rec.updatedAt = time.Now()
	l.completed++
	return l.persist(rec)
}

// MarkFailed records a failure. Retryable failures bump the retry count
// and re-enter pending until maxRetries is exhausted, at which point the
// operation becomes failed-terminal. The returned bool reports whether the
// failure was terminal.
func (l *OperationLog) MarkFailed(id string, retryable bool, cause string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrOperationNotFound, id)
	}

	rec.lastError = cause
	rec.batchID = ""
	rec.updatedAt = time.Now()

	if retryable {
		rec.op.RetryCount++
		if rec.op.RetryCount < rec.op.MaxRetries {
			rec.status = OpStatusPending
			return false, l.persist(rec)
		}
	}

	rec.status = OpStatusFailed
	l.failed++
	slog.Warn("oplog terminal failure", "id", id, "retries", rec.op.RetryCount, "cause", cause)
	return true, l.persist(rec)
}

// MarkSuperseded retires an operation replaced by a conflict resolution.
func (l *OperationLog) MarkSuperseded(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOperationNotFound, id)
	}
	rec.status = OpStatusSuperseded
	rec.batchID = ""
	rec.updatedAt = time.Now()
	return l.persist(rec)
}

// Get returns a copy of the operation and its current status.
func (l *OperationLog) Get(id string) (*Operation, OpStatus, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rec, ok := l.records[id]
	if !ok {
		return nil, "", false
	}
	return rec.op.Clone(), rec.status, true
}

// Stats summarizes the backlog for the strategy planner.
func (l *OperationLog) Stats() BacklogStats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := BacklogStats{Failed: l.failed}
	for _, rec := range l.records {
		if rec.status == OpStatusPending {
			stats.Pending++
		}
	}
	return stats
}

// PendingOperations returns copies of all pending operations in age order,
// primarily for snapshots.
func (l *OperationLog) PendingOperations() []*Operation {
	l.mu.RLock()
	defer l.mu.RUnlock()

	recs := make([]*opRecord, 0)
	for _, rec := range l.records {
		if rec.status == OpStatusPending {
			recs = append(recs, rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].seq < recs[j].seq })

	ops := make([]*Operation, 0, len(recs))
	for _, rec := range recs {
		ops = append(ops, rec.op.Clone())
	}
	return ops
}

// CompletedCount returns the number of operations completed this session.
func (l *OperationLog) CompletedCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.completed
}

func (l *OperationLog) persist(rec *opRecord) error {
	if l.store == nil {
		return nil
	}
	if err := l.store.Save(rec.op, rec.status, rec.lastError); err != nil {
		return fmt.Errorf("persist operation %s: %w", rec.op.ID, err)
	}
	return nil
}
