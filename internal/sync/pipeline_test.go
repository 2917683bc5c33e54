package sync

import (
	"context"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPipeline(t *testing.T, probe NetworkProbe, sink RemoteSink, reader EntityReader) *SyncPipeline {
	t.Helper()

	log := newTestLog(t)
	events := NewEventBus()
	t.Cleanup(events.Close)

	monitor := NewNetworkQualityMonitor(probe, []string{"a", "b"})
	executor := NewBatchSyncExecutor(log, sink, events, monitor)
	detector := NewConflictDetector(reader)
	analyzer := NewConflictAnalyzer()
	resolver, err := NewConflictResolver(analyzer, ResolverConfig{ValidateResults: true})
	require.NoError(t, err)
	snapshots := NewStateSnapshotManager(nil, 5)

	return NewSyncPipeline(monitor, log, executor, detector, analyzer, resolver, snapshots, events)
}

func TestPipelineCleanRecovery(t *testing.T) {
	pipeline := newTestPipeline(t, goodProbe(), &fakeSink{}, &fakeReader{})

	for range 10 {
		require.NoError(t, pipeline.Enqueue(testOp(PriorityNormal)))
	}

	summary, err := pipeline.Sync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StrategyImmediate, summary.Strategy.Kind)
	assert.Equal(t, 50, summary.Strategy.BatchSize)
	assert.Equal(t, 5, summary.Strategy.MaxConcurrentBatches)
	assert.True(t, summary.Strategy.PriorityFilter.Equal(AllPriorities()))
	assert.Equal(t, 10, summary.Report.Succeeded)
	assert.Zero(t, summary.ConflictsDetected)
	assert.Nil(t, summary.Recovery)
}

func TestPipelineOfflineTracksReconnects(t *testing.T) {
	probe := goodProbe()
	probe.signal.Online = false
	pipeline := newTestPipeline(t, probe, &fakeSink{}, &fakeReader{})

	_, err := pipeline.Sync(context.Background())
	require.Error(t, err)
	_, err = pipeline.Sync(context.Background())
	require.Error(t, err)

	status := pipeline.Status()
	assert.Equal(t, 2, status["reconnectAttempts"])
	assert.Contains(t, status, "offlineSince")

	// Connectivity returns: counters reset.
	probe.signal.Online = true
	_, err = pipeline.Sync(context.Background())
	require.NoError(t, err)

	status = pipeline.Status()
	assert.Equal(t, 0, status["reconnectAttempts"])
	assert.NotContains(t, status, "offlineSince")
}

func TestPipelineSingleRun(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	sink := &fakeSink{
		apply: func(context.Context, *Operation) (*ApplyResult, error) {
			close(started)
			<-release
			return &ApplyResult{Status: ApplySuccess}, nil
		},
	}
	pipeline := newTestPipeline(t, goodProbe(), sink, &fakeReader{})
	require.NoError(t, pipeline.Enqueue(testOp(PriorityNormal)))

	var wg stdsync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := pipeline.Sync(context.Background())
		assert.NoError(t, err)
	}()

	<-started
	_, err := pipeline.Sync(context.Background())
	assert.ErrorIs(t, err, ErrSyncAlreadyRunning)

	close(release)
	wg.Wait()
}

func TestPipelineResolvesConflictAndReenqueues(t *testing.T) {
	var remote *EntitySnapshot
	sink := &fakeSink{
		apply: func(_ context.Context, op *Operation) (*ApplyResult, error) {
			if op.ResolutionHint == "" {
				return &ApplyResult{Status: ApplyConflict, Remote: remote}, nil
			}
			return &ApplyResult{Status: ApplySuccess}, nil
		},
	}
	pipeline := newTestPipeline(t, goodProbe(), sink, &fakeReader{})

	// Remote changed after the operation was created.
	op := NewOperation(OpUpdate, "note", "n1", map[string]any{"title": "local", "author": "bob"})
	remote = remoteSnapshot(op.CreatedAt.Add(time.Minute), map[string]any{"title": "server", "author": "bob"})
	require.NoError(t, pipeline.Enqueue(op))

	summary, err := pipeline.Sync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.ConflictsDetected)
	assert.Equal(t, 1, summary.ConflictsResolved)
	assert.Zero(t, summary.ManualPending)

	// The merged payload was re-enqueued as a fresh high-priority op, with
	// the conflicting field taken from the later (remote) side.
	batch := pipeline.oplog.DequeueBatch(AllPriorities(), 0)
	require.Len(t, batch, 1)
	assert.Equal(t, PriorityHigh, batch[0].Priority)
	assert.Equal(t, string(StrategyMerge), batch[0].ResolutionHint)
	assert.Equal(t, "server", batch[0].Payload["title"])
	assert.Equal(t, "bob", batch[0].Payload["author"])
}

func TestPipelineSinkConflictWithStaleRemoteStillResolved(t *testing.T) {
	// The sink rejects the operation as conflicting even though the remote
	// snapshot's clock is behind the operation's; the conflict must still
	// be recorded and resolved rather than dropped.
	var remote *EntitySnapshot
	sink := &fakeSink{
		apply: func(_ context.Context, op *Operation) (*ApplyResult, error) {
			if op.ResolutionHint == "" {
				return &ApplyResult{Status: ApplyConflict, Remote: remote}, nil
			}
			return &ApplyResult{Status: ApplySuccess}, nil
		},
	}
	pipeline := newTestPipeline(t, goodProbe(), sink, &fakeReader{})

	op := NewOperation(OpUpdate, "note", "n1", map[string]any{"title": "local"})
	remote = remoteSnapshot(op.CreatedAt.Add(-time.Minute), map[string]any{"title": "server"})
	require.NoError(t, pipeline.Enqueue(op))

	summary, err := pipeline.Sync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.ConflictsDetected)
	assert.Equal(t, 1, summary.ConflictsResolved)

	batch := pipeline.oplog.DequeueBatch(AllPriorities(), 0)
	require.Len(t, batch, 1)
	assert.Equal(t, "local", batch[0].Payload["title"], "local side is later and wins the merge")
}

func TestPipelineManualConflictStaysPending(t *testing.T) {
	var remote *EntitySnapshot
	sink := &fakeSink{
		apply: func(context.Context, *Operation) (*ApplyResult, error) {
			return &ApplyResult{Status: ApplyConflict, Remote: remote}, nil
		},
	}
	pipeline := newTestPipeline(t, goodProbe(), sink, &fakeReader{})

	// Structural drift drives severity past the manual threshold.
	op := NewOperation(OpUpdate, "note", "n1", map[string]any{"title": "x", "body": "y"})
	remote = remoteSnapshot(op.CreatedAt.Add(time.Minute), map[string]any{"title": "server"})
	require.NoError(t, pipeline.Enqueue(op))

	summary, err := pipeline.Sync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.ConflictsDetected)
	assert.Zero(t, summary.ConflictsResolved)
	assert.Equal(t, 1, summary.ManualPending)

	conflicts := pipeline.PendingConflicts()
	require.Len(t, conflicts, 1)
	assert.Equal(t, ConflictStructural, conflicts[0].Type)

	// A user decision resolves it and re-enqueues the chosen payload.
	result, err := pipeline.ApplyManualDecision(conflicts[0].ID, StrategyAcceptRemote)
	require.NoError(t, err)
	assert.Equal(t, ResolutionSuccess, result.Status)
	assert.Empty(t, pipeline.PendingConflicts())
}

func TestPlanRecoveryMapping(t *testing.T) {
	assert.Nil(t, planRecovery(&SyncReport{}))

	timeout := planRecovery(&SyncReport{FailureClass: ErrorClassTimeout})
	require.NotNil(t, timeout)
	assert.Equal(t, SyncModeReduced, timeout.Mode)

	network := planRecovery(&SyncReport{FailureClass: ErrorClassNetwork})
	require.NotNil(t, network)
	assert.Equal(t, SyncModeFull, network.Mode)
	assert.Greater(t, network.Delay, timeout.Delay)

	other := planRecovery(&SyncReport{FailureClass: ErrorClassUnclassified})
	require.NotNil(t, other)
	assert.Greater(t, network.Delay, other.Delay)
}
