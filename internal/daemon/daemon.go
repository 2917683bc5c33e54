// Package daemon wires the sync pipeline to its stores, the remote
// endpoint, and the local control plane, and keeps the sync loop running.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/driftsync/driftsync/internal/config"
	"github.com/driftsync/driftsync/internal/remote"
	"github.com/driftsync/driftsync/internal/sync"
	"github.com/driftsync/driftsync/internal/utils"
)

const shutdownTimeout = 5 * time.Second

// Daemon owns the pipeline and its collaborators for the lifetime of the
// process.
type Daemon struct {
	cfg      *config.Config
	remote   *remote.Client
	opStore  *sync.OperationStore
	ssStore  *sync.SnapshotStore
	oplog    *sync.OperationLog
	monitor  *sync.NetworkQualityMonitor
	resolver *sync.ConflictResolver
	events   *sync.EventBus
	pipeline *sync.SyncPipeline
	server   *http.Server

	syncNow   chan struct{}
	startedAt time.Time
}

// New builds the daemon: opens the stores, constructs every pipeline
// collaborator once, and injects them explicitly.
func New(cfg *config.Config) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := utils.EnsureDir(cfg.DataDir); err != nil {
		return nil, fmt.Errorf("data dir: %w", err)
	}

	opStore := sync.NewOperationStore(cfg.OperationDBPath())
	if err := opStore.Open(); err != nil {
		return nil, err
	}
	ssStore := sync.NewSnapshotStore(cfg.SnapshotDBPath())
	if err := ssStore.Open(); err != nil {
		opStore.Close()
		return nil, err
	}

	oplog, err := sync.NewOperationLog(opStore)
	if err != nil {
		opStore.Close()
		ssStore.Close()
		return nil, err
	}

	remoteClient := remote.New(cfg.RemoteURL, cfg.AuthToken)
	events := sync.NewEventBus()
	monitor := sync.NewNetworkQualityMonitor(remoteClient, cfg.ProbeTargets)
	executor := sync.NewBatchSyncExecutor(oplog, remoteClient, events, monitor)
	detector := sync.NewConflictDetector(remoteClient)
	analyzer := sync.NewConflictAnalyzer()

	resolver, err := sync.NewConflictResolver(analyzer, sync.ResolverConfig{
		ConflictThreshold: cfg.ConflictThreshold,
		ValidateResults:   cfg.ValidateResults,
		MaxHistoryRecords: cfg.MaxHistoryRecords,
	})
	if err != nil {
		opStore.Close()
		ssStore.Close()
		return nil, err
	}

	snapshots := sync.NewStateSnapshotManager(ssStore, cfg.SnapshotRetention)
	pipeline := sync.NewSyncPipeline(monitor, oplog, executor, detector, analyzer, resolver, snapshots, events)

	return &Daemon{
		cfg:      cfg,
		remote:   remoteClient,
		opStore:  opStore,
		ssStore:  ssStore,
		oplog:    oplog,
		monitor:  monitor,
		resolver: resolver,
		events:   events,
		pipeline: pipeline,
		syncNow:  make(chan struct{}, 1),
	}, nil
}

// Pipeline exposes the pipeline, primarily for tests and embedding hosts.
func (d *Daemon) Pipeline() *sync.SyncPipeline {
	return d.pipeline
}

// Start runs the control plane and the sync loop until ctx is cancelled.
func (d *Daemon) Start(ctx context.Context) error {
	d.startedAt = time.Now()
	d.server = &http.Server{
		Addr:    d.cfg.HTTPAddr,
		Handler: d.SetupRoutes(),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("control plane listening", "addr", d.cfg.HTTPAddr)
		if err := d.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("control plane: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return d.server.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return d.runSyncLoop(gctx)
	})

	g.Go(func() error {
		d.logEvents(gctx)
		return nil
	})

	err := g.Wait()
	d.close()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// runSyncLoop schedules pipeline runs: the configured interval by default,
// the recovery plan's delay and mode after degraded runs, and immediately
// on a control-plane trigger.
func (d *Daemon) runSyncLoop(ctx context.Context) error {
	interval := time.Duration(d.cfg.SyncInterval)
	mode := sync.SyncModeFull

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		case <-d.syncNow:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			mode = sync.SyncModeFull
		}

		var summary *sync.SyncRunSummary
		var err error
		if mode == sync.SyncModeReduced {
			summary, err = d.pipeline.SyncReduced(ctx)
		} else {
			summary, err = d.pipeline.Sync(ctx)
		}

		next := interval
		mode = sync.SyncModeFull
		switch {
		case errors.Is(err, sync.ErrSyncAlreadyRunning):
			// An externally-driven run is active; check back shortly.
			next = time.Second
		case err != nil:
			slog.Warn("sync run failed", "error", err)
		case summary.Recovery != nil:
			next = summary.Recovery.Delay
			mode = summary.Recovery.Mode
			slog.Info("recovery scheduled", "mode", mode, "delay", next, "cause", summary.Recovery.Cause)
		}
		timer.Reset(next)
	}
}

// logEvents drains the event bus into the structured log.
func (d *Daemon) logEvents(ctx context.Context) {
	events, unsubscribe := d.events.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			switch event.Type {
			case sync.EventError:
				slog.Warn("pipeline event", "type", event.Type, "data", event.Data)
			case sync.EventSyncProgress:
				slog.Debug("pipeline event", "type", event.Type, "data", event.Data)
			default:
				slog.Info("pipeline event", "type", event.Type)
			}
		}
	}
}

func (d *Daemon) close() {
	d.events.Close()
	d.remote.Close()
	if err := d.opStore.Close(); err != nil {
		slog.Error("close operation store", "error", err)
	}
	if err := d.ssStore.Close(); err != nil {
		slog.Error("close snapshot store", "error", err)
	}
}
