package sync

import (
	"context"
	"fmt"
	"log/slog"
	stdsync "sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"golang.org/x/sync/semaphore"
)

// SyncMode selects how much of the backlog a run attempts.
type SyncMode string

const (
	// SyncModeFull replays the backlog under the planned strategy.
	SyncModeFull SyncMode = "full"
	// SyncModeReduced restricts the run to critical-priority operations,
	// used when recovering from timeout-heavy runs.
	SyncModeReduced SyncMode = "reduced"
)

// Recovery delays by failure class.
const (
	reducedSyncDelay   = 5 * time.Second
	retrySyncDelay     = 15 * time.Second
	fullResyncDelay    = 30 * time.Second
	resolverConcurrency = 4
)

// RecoveryPlan tells the caller how to schedule the next run after a
// degraded one.
type RecoveryPlan struct {
	Mode  SyncMode      `json:"mode"`
	Delay time.Duration `json:"delay"`
	Cause ErrorClass    `json:"cause"`
}

// SyncRunSummary is the terminal report of one pipeline run.
type SyncRunSummary struct {
	Assessment        *QualityAssessment
	Strategy          *SyncStrategy
	Report            *SyncReport
	ConflictsDetected int
	ConflictsResolved int
	ManualPending     int
	Recovery          *RecoveryPlan
}

// SyncPipeline orchestrates one recovery cycle: assess the network, plan a
// strategy, execute the backlog, resolve conflicts, and persist a snapshot.
// Constructed once at process start with explicit collaborators.
type SyncPipeline struct {
	monitor   *NetworkQualityMonitor
	oplog     *OperationLog
	executor  *BatchSyncExecutor
	detector  *ConflictDetector
	analyzer  *ConflictAnalyzer
	resolver  *ConflictResolver
	snapshots *StateSnapshotManager
	events    *EventBus

	runMu stdsync.Mutex

	mu                stdsync.Mutex
	reconnectAttempts int
	offlineSince      *time.Time
	lastAssessment    *QualityAssessment
	stats             PipelineStats
	pendingManual     map[string]*Conflict
}

func NewSyncPipeline(
	monitor *NetworkQualityMonitor,
	oplog *OperationLog,
	executor *BatchSyncExecutor,
	detector *ConflictDetector,
	analyzer *ConflictAnalyzer,
	resolver *ConflictResolver,
	snapshots *StateSnapshotManager,
	events *EventBus,
) *SyncPipeline {
	p := &SyncPipeline{
		monitor:       monitor,
		oplog:         oplog,
		executor:      executor,
		detector:      detector,
		analyzer:      analyzer,
		resolver:      resolver,
		snapshots:     snapshots,
		events:        events,
		pendingManual: make(map[string]*Conflict),
	}
	p.restore()
	return p
}

// restore folds the latest verified snapshot back into pipeline state. The
// operation log restores its own backlog from its store; snapshot
// operations only fill gaps (duplicates are skipped).
func (p *SyncPipeline) restore() {
	snapshot, ok := p.snapshots.Restore()
	if !ok {
		return
	}

	p.reconnectAttempts = snapshot.ReconnectAttempts
	p.offlineSince = snapshot.OfflineSince
	p.lastAssessment = snapshot.Network
	p.stats = snapshot.Stats
	for _, c := range snapshot.UnresolvedConflicts {
		p.pendingManual[c.ID] = c
	}

	for _, op := range snapshot.PendingOperations {
		if err := p.oplog.Enqueue(op); err != nil {
			slog.Debug("snapshot op skipped", "id", op.ID, "reason", err)
		}
	}
	slog.Info("pipeline state restored", "snapshot", snapshot.ID,
		"pendingOps", len(snapshot.PendingOperations), "manualConflicts", len(snapshot.UnresolvedConflicts))
}

// Enqueue adds a local mutation to the backlog.
func (p *SyncPipeline) Enqueue(op *Operation) error {
	return p.oplog.Enqueue(op)
}

// Sync runs one full recovery cycle. Only one run may be active at a time;
// a second concurrent call fails with ErrSyncAlreadyRunning.
func (p *SyncPipeline) Sync(ctx context.Context) (*SyncRunSummary, error) {
	return p.syncWithMode(ctx, SyncModeFull)
}

// SyncReduced runs a critical-priority-only cycle.
func (p *SyncPipeline) SyncReduced(ctx context.Context) (*SyncRunSummary, error) {
	return p.syncWithMode(ctx, SyncModeReduced)
}

func (p *SyncPipeline) syncWithMode(ctx context.Context, mode SyncMode) (*SyncRunSummary, error) {
	if !p.runMu.TryLock() {
		return nil, ErrSyncAlreadyRunning
	}
	defer p.runMu.Unlock()

	assessment, err := p.monitor.Assess(ctx)
	if err != nil {
		p.mu.Lock()
		p.reconnectAttempts++
		if p.offlineSince == nil {
			now := time.Now()
			p.offlineSince = &now
		}
		attempts := p.reconnectAttempts
		p.mu.Unlock()

		p.events.Publish(EventError, err.Error())
		p.persistSnapshot()
		return nil, fmt.Errorf("network assessment (attempt %d): %w", attempts, err)
	}

	p.mu.Lock()
	p.reconnectAttempts = 0
	p.offlineSince = nil
	p.lastAssessment = assessment
	p.mu.Unlock()
	p.events.Publish(EventNetworkChange, assessment)

	strategy := PlanStrategy(assessment, p.oplog.Stats())
	if mode == SyncModeReduced {
		strategy.PriorityFilter = mapset.NewSet(PriorityCritical)
	}

	report := p.executor.Execute(ctx, strategy)

	summary := &SyncRunSummary{
		Assessment: assessment,
		Strategy:   strategy,
		Report:     report,
	}

	p.resolveConflicts(ctx, report, summary)

	p.mu.Lock()
	p.stats.Completed += report.Succeeded
	p.stats.Failed += report.Failed + report.TimedOut
	p.stats.ConflictsDetected += summary.ConflictsDetected
	p.stats.ConflictsResolved += summary.ConflictsResolved
	summary.ManualPending = len(p.pendingManual)
	p.mu.Unlock()

	summary.Recovery = planRecovery(report)
	p.persistSnapshot()

	slog.Info("sync run finished", "mode", mode, "succeeded", report.Succeeded,
		"failed", report.Failed, "timedOut", report.TimedOut,
		"conflicts", summary.ConflictsDetected, "resolved", summary.ConflictsResolved,
		"circuitOpened", report.CircuitOpened)
	return summary, nil
}

// resolveConflicts fans out over the run's conflicting outcomes with
// bounded concurrency. Unrelated conflicts resolve in parallel; the
// resolver itself dedupes by conflict id.
func (p *SyncPipeline) resolveConflicts(ctx context.Context, report *SyncReport, summary *SyncRunSummary) {
	sem := semaphore.NewWeighted(resolverConcurrency)
	var wg stdsync.WaitGroup

	for _, outcome := range report.Outcomes {
		if outcome.Status != OutcomeConflict {
			continue
		}
		// The sink already rejected the operation as conflicting, so the
		// timestamp gate does not apply; dropping the outcome here would
		// lose the local mutation.
		conflict := p.detector.ClassifyReported(outcome.Operation, outcome.Remote)
		if conflict == nil {
			p.events.Publish(EventError, fmt.Sprintf("conflict outcome for %s carried no remote snapshot", outcome.Operation.ID))
			continue
		}

		p.mu.Lock()
		summary.ConflictsDetected++
		p.mu.Unlock()

		if err := sem.Acquire(ctx, 1); err != nil {
			return
		}
		wg.Add(1)
		go func(conflict *Conflict) {
			defer wg.Done()
			defer sem.Release(1)
			p.resolveOne(conflict, summary)
		}(conflict)
	}
	wg.Wait()
}

func (p *SyncPipeline) resolveOne(conflict *Conflict, summary *SyncRunSummary) {
	analysis := p.analyzer.Analyze(conflict)
	result := p.resolver.Resolve(conflict, analysis)

	switch result.Status {
	case ResolutionSuccess, ResolutionPartial:
		if err := p.enqueueResolved(conflict, result); err != nil {
			slog.Error("enqueue resolved payload", "conflict", conflict.ID, "error", err)
			return
		}
		p.mu.Lock()
		summary.ConflictsResolved++
		p.mu.Unlock()

	case ResolutionManualStatus:
		// Stays pending until a decision arrives through the control
		// surface; nothing is dropped.
		p.mu.Lock()
		p.pendingManual[conflict.ID] = conflict
		p.mu.Unlock()
		p.events.Publish(EventConflictDetected, conflict)

	default:
		p.events.Publish(EventError, fmt.Sprintf("conflict %s resolution failed", conflict.ID))
	}
}

// enqueueResolved replaces the superseded operation with one carrying the
// resolved payload.
func (p *SyncPipeline) enqueueResolved(conflict *Conflict, result *ResolutionResult) error {
	op := NewOperation(OpUpdate, conflict.EntityKind, conflict.EntityID, result.ResolvedData)
	op.Priority = PriorityHigh
	op.ResolutionHint = string(result.ResolutionType)
	return p.oplog.Enqueue(op)
}

// PendingConflicts lists conflicts awaiting a manual decision.
func (p *SyncPipeline) PendingConflicts() []*Conflict {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Conflict, 0, len(p.pendingManual))
	for _, c := range p.pendingManual {
		out = append(out, c)
	}
	return out
}

// ApplyManualDecision resolves a manually-escalated conflict with the
// user's chosen strategy and re-enqueues the resolved payload.
func (p *SyncPipeline) ApplyManualDecision(conflictID string, strategy ResolutionStrategy) (*ResolutionResult, error) {
	p.mu.Lock()
	conflict, ok := p.pendingManual[conflictID]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no pending manual conflict %s", conflictID)
	}

	result, err := p.resolver.ApplyManualDecision(conflict, strategy)
	if err != nil {
		return nil, err
	}
	if err := p.enqueueResolved(conflict, result); err != nil {
		return nil, err
	}

	p.mu.Lock()
	delete(p.pendingManual, conflictID)
	p.stats.ConflictsResolved++
	p.mu.Unlock()

	p.persistSnapshot()
	return result, nil
}

// Status summarizes pipeline state for the control surface.
func (p *SyncPipeline) Status() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()

	status := map[string]any{
		"reconnectAttempts": p.reconnectAttempts,
		"stats":             p.stats,
		"backlog":           p.oplog.Stats(),
		"manualConflicts":   len(p.pendingManual),
	}
	if p.offlineSince != nil {
		status["offlineSince"] = p.offlineSince
	}
	if p.lastAssessment != nil {
		status["network"] = p.lastAssessment
	}
	return status
}

func (p *SyncPipeline) persistSnapshot() {
	p.mu.Lock()
	snapshot := &StateSnapshot{
		ReconnectAttempts: p.reconnectAttempts,
		OfflineSince:      p.offlineSince,
		Network:           p.lastAssessment,
		Stats:             p.stats,
	}
	for _, c := range p.pendingManual {
		snapshot.UnresolvedConflicts = append(snapshot.UnresolvedConflicts, c)
	}
	p.mu.Unlock()

	snapshot.PendingOperations = p.oplog.PendingOperations()
	if err := p.snapshots.Save(snapshot); err != nil {
		slog.Error("persist snapshot", "error", err)
	}
}

// planRecovery maps the run's failure class to the next scheduling step:
// timeouts get a short-delay reduced sync, network failures a delayed full
// resync, anything else a medium-delay retry.
func planRecovery(report *SyncReport) *RecoveryPlan {
	switch report.FailureClass {
	case ErrorClassTimeout:
		return &RecoveryPlan{Mode: SyncModeReduced, Delay: reducedSyncDelay, Cause: ErrorClassTimeout}
	case ErrorClassNetwork:
		return &RecoveryPlan{Mode: SyncModeFull, Delay: fullResyncDelay, Cause: ErrorClassNetwork}
	case ErrorClassUnclassified:
		return &RecoveryPlan{Mode: SyncModeFull, Delay: retrySyncDelay, Cause: ErrorClassUnclassified}
	default:
		return nil
	}
}
