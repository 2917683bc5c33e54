package sync

import (
	"context"
	"fmt"
	"log/slog"

	mapset "github.com/deckarep/golang-set/v2"
)

// ConflictDetector compares a local operation against the remote snapshot
// of the same entity.
type ConflictDetector struct {
	reader EntityReader
}

func NewConflictDetector(reader EntityReader) *ConflictDetector {
	return &ConflictDetector{reader: reader}
}

// Detect fetches the remote snapshot and returns a conflict, or nil when
// there is none: no remote entity exists, or the remote was not modified
// after the operation was created (the operation is based on state at
// least as new as the remote's).
func (d *ConflictDetector) Detect(ctx context.Context, op *Operation) (*Conflict, error) {
	remote, err := d.reader.FetchRemoteSnapshot(ctx, op.EntityKind, op.EntityID)
	if err != nil {
		return nil, fmt.Errorf("fetch remote snapshot %s/%s: %w", op.EntityKind, op.EntityID, err)
	}
	return d.Classify(op, remote), nil
}

// Classify decides whether op conflicts with an already-fetched remote
// snapshot, without touching the network. The remote must be strictly
// newer than the operation; a remote last modified at or before the
// operation's creation is exactly what the operation assumed.
func (d *ConflictDetector) Classify(op *Operation, remote *EntitySnapshot) *Conflict {
	if remote == nil {
		return nil
	}
	if !remote.LastModified.After(op.CreatedAt) {
		return nil
	}
	return d.ClassifyReported(op, remote)
}

// ClassifyReported classifies a conflict the remote sink already reported,
// skipping the timestamp check: the sink's verdict is authoritative even
// when clocks disagree.
func (d *ConflictDetector) ClassifyReported(op *Operation, remote *EntitySnapshot) *Conflict {
	if remote == nil {
		return nil
	}

	kind := ConflictConcurrentModification
	switch {
	case op.Type == OpDelete:
		kind = ConflictDeleteUpdate
	case structurallyDiverged(op.Payload, remote.Data):
		kind = ConflictStructural
	}

	conflict := newConflict(op, remote, kind)
	slog.Debug("conflict detected", "id", conflict.ID, "type", kind,
		"entity", op.EntityKind, "entityId", op.EntityID)
	return conflict
}

// structurallyDiverged reports whether the two payloads disagree on which
// fields exist at all. Key-set comparison only: differing values under the
// same keys are concurrent modification, not structural drift.
func structurallyDiverged(local, remote map[string]any) bool {
	localKeys := mapset.NewSetWithSize[string](len(local))
	for k := range local {
		localKeys.Add(k)
	}
	remoteKeys := mapset.NewSetWithSize[string](len(remote))
	for k := range remote {
		remoteKeys.Add(k)
	}
	return !localKeys.Equal(remoteKeys)
}
