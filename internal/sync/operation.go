package sync

import (
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
)

// OpType is the kind of local mutation an operation carries.
type OpType string

const (
	OpCreate OpType = "create"
	OpUpdate OpType = "update"
	OpDelete OpType = "delete"
	OpBatch  OpType = "batch"
)

// Priority orders operations within the log. Lower values rank higher so
// the value can be fed straight into the priority queue.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// ParsePriority maps a priority name back to its value. Unknown names
// fall back to normal.
func ParsePriority(s string) Priority {
	switch s {
	case "critical":
		return PriorityCritical
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// AllPriorities returns the full priority filter set.
func AllPriorities() mapset.Set[Priority] {
	return mapset.NewSet(PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow)
}

// OpStatus is the lifecycle state of an operation in the log.
type OpStatus string

const (
	OpStatusPending    OpStatus = "pending"
	OpStatusInFlight   OpStatus = "in_flight"
	OpStatusCompleted  OpStatus = "completed"
	OpStatusFailed     OpStatus = "failed"      // terminal
	OpStatusSuperseded OpStatus = "superseded"  // replaced by a conflict resolution
)

// Terminal reports whether the status is a final state.
func (s OpStatus) Terminal() bool {
	return s == OpStatusCompleted || s == OpStatusFailed || s == OpStatusSuperseded
}

// Operation is a queued local mutation awaiting synchronization. It is
// owned exclusively by the OperationLog until it reaches a terminal state.
type Operation struct {
	ID             string
	Type           OpType
	EntityKind     string
	EntityID       string
	Payload        map[string]any
	Priority       Priority
	CreatedAt      time.Time
	RetryCount     int
	MaxRetries     int
	Dependencies   mapset.Set[string]
	ResolutionHint string
}

// NewOperation builds an operation with a fresh id and sane defaults.
func NewOperation(opType OpType, entityKind, entityID string, payload map[string]any) *Operation {
	return &Operation{
		ID:           uuid.NewString(),
		Type:         opType,
		EntityKind:   entityKind,
		EntityID:     entityID,
		Payload:      payload,
		Priority:     PriorityNormal,
		CreatedAt:    time.Now().UTC(),
		MaxRetries:   3,
		Dependencies: mapset.NewSet[string](),
	}
}

// Clone returns a deep-enough copy for handing out across batch boundaries.
// Payload values are shared; callers must not mutate them.
func (o *Operation) Clone() *Operation {
	cp := *o
	if o.Dependencies != nil {
		cp.Dependencies = o.Dependencies.Clone()
	}
	return &cp
}
