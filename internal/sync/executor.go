package sync

import (
	"context"
	"errors"
	"log/slog"
	stdsync "sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// OutcomeStatus is the per-operation result of a sync run. Timeout is kept
// distinct from error because the recovery path branches on it.
type OutcomeStatus string

const (
	OutcomeSuccess  OutcomeStatus = "success"
	OutcomeConflict OutcomeStatus = "conflict"
	OutcomeError    OutcomeStatus = "error"
	OutcomeTimeout  OutcomeStatus = "timeout"
)

// Outcome is the settled result for a single operation.
type Outcome struct {
	Operation *Operation
	Status    OutcomeStatus
	Remote    *EntitySnapshot
	Error     string
	BatchID   string
	Attempts  int

	errClass ErrorClass
}

// Progress is published after every individual operation settles.
type Progress struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

// SyncReport aggregates one executor run.
type SyncReport struct {
	Total         int
	Succeeded     int
	Conflicted    int
	Failed        int
	TimedOut      int
	Outcomes      []*Outcome
	CircuitOpened bool
	FailureClass  ErrorClass
	Started       time.Time
	Finished      time.Time
}

// BatchSyncExecutor replays pending operations against the remote sink in
// bounded-concurrency batches. On the first network-class error it stops
// starting new batches but lets in-flight batches drain.
type BatchSyncExecutor struct {
	log     *OperationLog
	sink    RemoteSink
	events  *EventBus
	monitor *NetworkQualityMonitor
}

func NewBatchSyncExecutor(log *OperationLog, sink RemoteSink, events *EventBus, monitor *NetworkQualityMonitor) *BatchSyncExecutor {
	return &BatchSyncExecutor{
		log:     log,
		sink:    sink,
		events:  events,
		monitor: monitor,
	}
}

// Execute runs one sync pass under the given strategy.
func (e *BatchSyncExecutor) Execute(ctx context.Context, strategy *SyncStrategy) *SyncReport {
	ops := e.log.DequeueBatch(strategy.PriorityFilter, 0)
	batches := partition(ops, strategy.BatchSize)

	report := &SyncReport{
		Total:   len(ops),
		Started: time.Now(),
	}
	if len(ops) == 0 {
		report.Finished = time.Now()
		return report
	}

	slog.Info("sync run", "operations", len(ops), "batches", len(batches),
		"concurrency", strategy.MaxConcurrentBatches, "batchSize", strategy.BatchSize)

	var (
		mu        stdsync.Mutex
		completed atomic.Int64
		circuit   atomic.Bool
		sawTimeout atomic.Bool
		sawError   atomic.Bool
	)

	settle := func(outcome *Outcome) {
		mu.Lock()
		report.Outcomes = append(report.Outcomes, outcome)
		switch outcome.Status {
		case OutcomeSuccess:
			report.Succeeded++
		case OutcomeConflict:
			report.Conflicted++
		case OutcomeTimeout:
			report.TimedOut++
		default:
			report.Failed++
		}
		mu.Unlock()

		done := completed.Add(1)
		e.events.Publish(EventSyncProgress, Progress{Completed: int(done), Total: report.Total})
	}

	batchChan := make(chan []*Operation, len(batches))
	for _, batch := range batches {
		batchChan <- batch
	}
	close(batchChan)

	var wg stdsync.WaitGroup
	wg.Add(strategy.MaxConcurrentBatches)
	for range strategy.MaxConcurrentBatches {
		go func() {
			defer wg.Done()
			first := true
			for batch := range batchChan {
				// Honor the inter-batch delay between batch starts on
				// this worker slot.
				if !first {
					select {
					case <-ctx.Done():
						return
					case <-time.After(strategy.InterBatchDelay):
					}
				}
				first = false

				if circuit.Load() || ctx.Err() != nil {
					// Circuit is open: unclaimed operations stay pending
					// for the next run.
					continue
				}

				e.executeBatch(ctx, batch, strategy, &circuit, &sawTimeout, &sawError, settle)
			}
		}()
	}
	wg.Wait()

	report.CircuitOpened = circuit.Load()
	switch {
	case report.CircuitOpened:
		report.FailureClass = ErrorClassNetwork
	case sawTimeout.Load():
		report.FailureClass = ErrorClassTimeout
	case sawError.Load():
		report.FailureClass = ErrorClassUnclassified
	}
	report.Finished = time.Now()

	e.events.Publish(EventSyncComplete, report)
	return report
}

// executeBatch claims its operations and settles each one. Network-class
// failures fail the batch attempt; unsettled operations are retried with
// backoff per the strategy's retry policy, then reported as failures.
func (e *BatchSyncExecutor) executeBatch(
	ctx context.Context,
	batch []*Operation,
	strategy *SyncStrategy,
	circuit, sawTimeout, sawError *atomic.Bool,
	settle func(*Outcome),
) {
	batchID := uuid.NewString()

	remaining := make([]*Operation, 0, len(batch))
	for _, op := range batch {
		// Claim is a compare-and-set; an operation that is no longer
		// pending belongs to nobody in this run.
		if e.log.Claim(op.ID, batchID) {
			remaining = append(remaining, op)
		}
	}

	maxAttempts := strategy.Retry.MaxRetries
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr string
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
			case <-time.After(strategy.Retry.Delay(attempt - 1)):
			}
		}

		retry := remaining[:0:0]
		for _, op := range remaining {
			outcome := e.executeOperation(ctx, op, strategy, batchID, attempt)
			switch outcome.Status {
			case OutcomeSuccess:
				if err := e.log.MarkCompleted(op.ID); err != nil {
					slog.Error("mark completed", "id", op.ID, "error", err)
				}
				e.monitor.RecordOutcome(true)
				settle(outcome)

			case OutcomeConflict:
				// The conflict pipeline owns the operation from here on.
				if err := e.log.MarkSuperseded(op.ID); err != nil {
					slog.Error("mark superseded", "id", op.ID, "error", err)
				}
				e.monitor.RecordOutcome(true)
				settle(outcome)
				e.events.Publish(EventConflictDetected, outcome)

			case OutcomeTimeout:
				sawTimeout.Store(true)
				e.monitor.RecordOutcome(false)
				if _, err := e.log.MarkFailed(op.ID, true, outcome.Error); err != nil {
					slog.Error("mark failed", "id", op.ID, "error", err)
				}
				settle(outcome)

			default: // OutcomeError
				if outcome.errClass == ErrorClassNetwork {
					// Batch-level failure: open the circuit and retry the
					// unsettled remainder of this batch.
					circuit.Store(true)
					lastErr = outcome.Error
					retry = append(retry, op)
					continue
				}
				sawError.Store(true)
				e.monitor.RecordOutcome(false)
				if _, err := e.log.MarkFailed(op.ID, true, outcome.Error); err != nil {
					slog.Error("mark failed", "id", op.ID, "error", err)
				}
				settle(outcome)
			}
		}

		remaining = retry
		if len(remaining) == 0 {
			return
		}
	}

	// Retries exhausted: report every remaining operation as a failure
	// with the terminal error rather than dropping it silently.
	for _, op := range remaining {
		e.monitor.RecordOutcome(false)
		if _, err := e.log.MarkFailed(op.ID, true, lastErr); err != nil {
			slog.Error("mark failed", "id", op.ID, "error", err)
		}
		settle(&Outcome{
			Operation: op,
			Status:    OutcomeError,
			Error:     lastErr,
			BatchID:   batchID,
			Attempts:  maxAttempts,
		})
	}
}

// executeOperation races the sink call against the per-operation timeout.
func (e *BatchSyncExecutor) executeOperation(ctx context.Context, op *Operation, strategy *SyncStrategy, batchID string, attempt int) *Outcome {
	outcome := &Outcome{Operation: op, BatchID: batchID, Attempts: attempt}

	opCtx, cancel := context.WithTimeout(ctx, strategy.PerOperationTimeout)
	defer cancel()

	result, err := e.sink.ApplyOperation(opCtx, op)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || opCtx.Err() == context.DeadlineExceeded {
			outcome.Status = OutcomeTimeout
			outcome.Error = "operation timed out"
			return outcome
		}
		outcome.Status = OutcomeError
		outcome.Error = err.Error()
		outcome.errClass = ClassifyError(err)
		return outcome
	}

	switch result.Status {
	case ApplySuccess:
		outcome.Status = OutcomeSuccess
	case ApplyConflict:
		outcome.Status = OutcomeConflict
		outcome.Remote = result.Remote
	default:
		outcome.Status = OutcomeError
		outcome.Error = result.Error
		outcome.errClass = ClassifyError(errors.New(result.Error))
	}
	return outcome
}

func partition(ops []*Operation, size int) [][]*Operation {
	if size <= 0 {
		size = 1
	}
	batches := make([][]*Operation, 0, (len(ops)+size-1)/size)
	for start := 0; start < len(ops); start += size {
		end := start + size
		if end > len(ops) {
			end = len(ops)
		}
		batches = append(batches, ops[start:end])
	}
	return batches
}
