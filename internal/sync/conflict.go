package sync

import (
	"time"

	"github.com/google/uuid"
)

// ConflictType classifies how a local operation diverged from the remote
// entity state.
type ConflictType string

const (
	ConflictConcurrentModification ConflictType = "concurrent-modification"
	ConflictDeleteUpdate           ConflictType = "delete-update"
	ConflictStructural             ConflictType = "structural"
)

// ResolutionStrategy names a way of resolving a conflict.
type ResolutionStrategy string

const (
	StrategyAcceptLocal        ResolutionStrategy = "accept-local"
	StrategyAcceptRemote       ResolutionStrategy = "accept-remote"
	StrategyMerge              ResolutionStrategy = "merge"
	StrategyCreateNew          ResolutionStrategy = "create-new"
	StrategyManual             ResolutionStrategy = "manual"
	StrategyManualIntervention ResolutionStrategy = "manual-intervention"
)

// ResolutionState tracks which side (if any) a conflict resolved to.
type ResolutionState string

const (
	ResolutionPending ResolutionState = "pending"
	ResolutionLocal   ResolutionState = "local"
	ResolutionRemote  ResolutionState = "remote"
	ResolutionMerge   ResolutionState = "merge"
	ResolutionManual  ResolutionState = "manual"
)

// Conflict is a detected divergence between a local operation and the
// remote snapshot of the same entity. Created by the detector, mutated
// only by the resolver, archived into history once resolved.
type Conflict struct {
	ID           string          `json:"id"`
	EntityKind   string          `json:"entityKind"`
	EntityID     string          `json:"entityId"`
	LocalData    map[string]any  `json:"localData"`
	RemoteData   map[string]any  `json:"remoteData"`
	Type         ConflictType    `json:"conflictType"`
	DetectedAt   time.Time       `json:"detectedAt"`
	Resolution   ResolutionState `json:"resolution"`
	LocalStamp   time.Time       `json:"localStamp"`
	RemoteStamp  time.Time       `json:"remoteStamp"`
	OperationID  string          `json:"operationId"`
}

func newConflict(op *Operation, remote *EntitySnapshot, kind ConflictType) *Conflict {
	return &Conflict{
		ID:          uuid.NewString(),
		EntityKind:  op.EntityKind,
		EntityID:    op.EntityID,
		LocalData:   op.Payload,
		RemoteData:  remote.Data,
		Type:        kind,
		DetectedAt:  time.Now(),
		Resolution:  ResolutionPending,
		LocalStamp:  op.CreatedAt,
		RemoteStamp: remote.LastModified,
		OperationID: op.ID,
	}
}

// RiskLevel buckets the analyzer's risk assessment.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// ConflictAnalysis is the analyzer's derived assessment of a conflict. It
// is ephemeral and never persisted apart from its parent conflict.
type ConflictAnalysis struct {
	Severity            float64            `json:"severity"`
	Risk                RiskLevel          `json:"riskLevel"`
	Complexity          float64            `json:"complexity"`
	Confidence          float64            `json:"confidence"`
	SuggestedResolution ResolutionStrategy `json:"suggestedResolution"`
	ConflictingFields   []string           `json:"conflictingFields"`
	MatchedPatterns     []string           `json:"matchedPatterns"`
	MergeCandidate      map[string]any     `json:"mergeCandidate,omitempty"`
}

// ResolutionStatus is the terminal status of a resolution attempt.
type ResolutionStatus string

const (
	ResolutionSuccess ResolutionStatus = "success"
	ResolutionPartial ResolutionStatus = "partial"
	ResolutionFailed  ResolutionStatus = "failed"
	ResolutionTimeout ResolutionStatus = "timeout"

	// ResolutionManualStatus signals a user decision is required.
	ResolutionManualStatus ResolutionStatus = "manual"
)

// ResolutionResult is the terminal outcome of resolving one conflict.
type ResolutionResult struct {
	ConflictID     string             `json:"conflictId"`
	ResolutionType ResolutionStrategy `json:"resolutionType"`
	ResolvedData   map[string]any     `json:"resolvedData,omitempty"`
	Status         ResolutionStatus   `json:"status"`
	QualityScore   float64            `json:"qualityScore"`
	ResolvedAt     time.Time          `json:"resolvedAt"`
	Log            []string           `json:"log,omitempty"`
	Duration       time.Duration      `json:"duration"`
}
