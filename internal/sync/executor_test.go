package sync

import (
	"context"
	"errors"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	mu      stdsync.Mutex
	applied []string
	apply   func(ctx context.Context, op *Operation) (*ApplyResult, error)
}

func (s *fakeSink) ApplyOperation(ctx context.Context, op *Operation) (*ApplyResult, error) {
	s.mu.Lock()
	s.applied = append(s.applied, op.ID)
	s.mu.Unlock()
	if s.apply != nil {
		return s.apply(ctx, op)
	}
	return &ApplyResult{Status: ApplySuccess}, nil
}

func (s *fakeSink) appliedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.applied))
	copy(out, s.applied)
	return out
}

func testStrategy() *SyncStrategy {
	return &SyncStrategy{
		Kind:                 StrategyImmediate,
		BatchSize:            3,
		InterBatchDelay:      time.Millisecond,
		PriorityFilter:       AllPriorities(),
		MaxConcurrentBatches: 2,
		PerOperationTimeout:  time.Second,
		Retry: RetryPolicy{
			MaxRetries:        2,
			InitialDelay:      time.Millisecond,
			MaxDelay:          5 * time.Millisecond,
			BackoffMultiplier: 2.0,
		},
	}
}

func newExecutorHarness(t *testing.T, sink *fakeSink) (*BatchSyncExecutor, *OperationLog, *EventBus) {
	t.Helper()
	log := newTestLog(t)
	events := NewEventBus()
	t.Cleanup(events.Close)
	monitor := NewNetworkQualityMonitor(goodProbe(), []string{"a", "b"})
	return NewBatchSyncExecutor(log, sink, events, monitor), log, events
}

func TestExecuteAllSuccess(t *testing.T) {
	sink := &fakeSink{}
	executor, log, _ := newExecutorHarness(t, sink)

	for range 10 {
		require.NoError(t, log.Enqueue(testOp(PriorityNormal)))
	}

	report := executor.Execute(context.Background(), testStrategy())

	assert.Equal(t, 10, report.Total)
	assert.Equal(t, 10, report.Succeeded)
	assert.Zero(t, report.Failed)
	assert.False(t, report.CircuitOpened)
	assert.Equal(t, 0, log.Stats().Pending)
	assert.Equal(t, 10, log.CompletedCount())

	// No duplicate claims: every operation hit the sink exactly once.
	seen := map[string]int{}
	for _, id := range sink.appliedIDs() {
		seen[id]++
	}
	for id, count := range seen {
		assert.Equal(t, 1, count, "operation %s applied more than once", id)
	}
	assert.Len(t, seen, 10)
}

func TestExecuteReportsProgressPerOperation(t *testing.T) {
	sink := &fakeSink{}
	executor, log, events := newExecutorHarness(t, sink)

	ch, unsubscribe := events.Subscribe()
	defer unsubscribe()

	for range 5 {
		require.NoError(t, log.Enqueue(testOp(PriorityNormal)))
	}
	executor.Execute(context.Background(), testStrategy())

	progress := 0
	for {
		select {
		case event := <-ch:
			if event.Type == EventSyncProgress {
				progress++
			}
			if event.Type == EventSyncComplete {
				assert.Equal(t, 5, progress, "one progress event per settled operation")
				return
			}
		case <-time.After(time.Second):
			t.Fatal("missing sync-complete event")
		}
	}
}

func TestExecuteConflictOutcome(t *testing.T) {
	remote := &EntitySnapshot{
		EntityKind:   "note",
		EntityID:     "n1",
		Data:         map[string]any{"title": "server"},
		LastModified: time.Now().Add(-time.Hour),
	}
	sink := &fakeSink{
		apply: func(context.Context, *Operation) (*ApplyResult, error) {
			return &ApplyResult{Status: ApplyConflict, Remote: remote}, nil
		},
	}
	executor, log, _ := newExecutorHarness(t, sink)

	op := testOp(PriorityNormal)
	require.NoError(t, log.Enqueue(op))

	report := executor.Execute(context.Background(), testStrategy())

	require.Equal(t, 1, report.Conflicted)
	require.Len(t, report.Outcomes, 1)
	assert.Equal(t, OutcomeConflict, report.Outcomes[0].Status)
	assert.Equal(t, remote, report.Outcomes[0].Remote)

	_, status, ok := log.Get(op.ID)
	require.True(t, ok)
	assert.Equal(t, OpStatusSuperseded, status)
}

func TestExecuteTimeoutIsDistinctStatus(t *testing.T) {
	sink := &fakeSink{
		apply: func(ctx context.Context, _ *Operation) (*ApplyResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	executor, log, _ := newExecutorHarness(t, sink)
	require.NoError(t, log.Enqueue(testOp(PriorityNormal)))

	strategy := testStrategy()
	strategy.PerOperationTimeout = 5 * time.Millisecond

	report := executor.Execute(context.Background(), strategy)

	assert.Equal(t, 1, report.TimedOut)
	assert.Zero(t, report.Failed)
	assert.Equal(t, ErrorClassTimeout, report.FailureClass)
	require.Len(t, report.Outcomes, 1)
	assert.Equal(t, OutcomeTimeout, report.Outcomes[0].Status)
}

func TestExecuteCircuitOpensOnNetworkError(t *testing.T) {
	sink := &fakeSink{
		apply: func(context.Context, *Operation) (*ApplyResult, error) {
			return nil, &NetworkError{Op: "apply", Err: errors.New("connection reset by peer")}
		},
	}
	executor, log, _ := newExecutorHarness(t, sink)

	for range 12 {
		require.NoError(t, log.Enqueue(testOp(PriorityNormal)))
	}

	strategy := testStrategy()
	strategy.BatchSize = 2
	strategy.MaxConcurrentBatches = 1

	report := executor.Execute(context.Background(), strategy)

	assert.True(t, report.CircuitOpened)
	assert.Equal(t, ErrorClassNetwork, report.FailureClass)

	// The first batch drains through its retries and reports failures;
	// later batches are never started and their operations stay pending.
	assert.Equal(t, 2, report.Failed)
	assert.GreaterOrEqual(t, log.Stats().Pending, 10)
}

func TestExecuteRetryExhaustionReportsEveryOperation(t *testing.T) {
	sink := &fakeSink{
		apply: func(context.Context, *Operation) (*ApplyResult, error) {
			return nil, &NetworkError{Op: "apply", Err: errors.New("connection reset by peer")}
		},
	}
	executor, log, _ := newExecutorHarness(t, sink)

	a := testOp(PriorityNormal)
	b := testOp(PriorityNormal)
	require.NoError(t, log.Enqueue(a))
	require.NoError(t, log.Enqueue(b))

	strategy := testStrategy()
	strategy.BatchSize = 2
	strategy.MaxConcurrentBatches = 1

	report := executor.Execute(context.Background(), strategy)

	require.Len(t, report.Outcomes, 2, "nothing silently dropped")
	for _, outcome := range report.Outcomes {
		assert.Equal(t, OutcomeError, outcome.Status)
		assert.NotEmpty(t, outcome.Error)
		assert.Equal(t, strategy.Retry.MaxRetries, outcome.Attempts)
	}
}

func TestPartition(t *testing.T) {
	ops := make([]*Operation, 7)
	for i := range ops {
		ops[i] = testOp(PriorityNormal)
	}

	batches := partition(ops, 3)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 3)
	assert.Len(t, batches[1], 3)
	assert.Len(t, batches[2], 1)

	assert.Len(t, partition(nil, 3), 0)
}
