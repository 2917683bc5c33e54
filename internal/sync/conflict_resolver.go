package sync

import (
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// ResolverState is the phase a resolution is in; transitions are recorded
// in the result log.
type ResolverState string

const (
	StatePending    ResolverState = "PENDING"
	StateAnalyzing  ResolverState = "ANALYZING"
	StateResolving  ResolverState = "RESOLVING"
	StateValidating ResolverState = "VALIDATING"
	StateResolved   ResolverState = "RESOLVED"
	StateFailed     ResolverState = "FAILED"
	StateManual     ResolverState = "MANUAL"
)

const defaultConflictThreshold = 0.7

// ResolverConfig tunes strategy selection and validation.
type ResolverConfig struct {
	// ConflictThreshold is the severity above which resolution is forced
	// to manual intervention.
	ConflictThreshold float64
	// ValidateResults toggles post-resolution payload validation.
	ValidateResults bool
	// Overrides force a strategy for a conflict type, below learned
	// preferences in precedence.
	Overrides map[ConflictType]ResolutionStrategy
	// MaxHistoryRecords bounds the resolution history ring.
	MaxHistoryRecords int
	// CacheSize bounds the terminal-result cache.
	CacheSize int
}

// ConflictResolver applies a resolution strategy to a conflict, validates
// the outcome, scores it, and records it. Resolution is single-flight per
// conflict id; unrelated conflicts may resolve concurrently.
type ConflictResolver struct {
	analyzer *ConflictAnalyzer
	history  *ResolutionHistory
	group    singleflight.Group
	cache    *lru.Cache[string, *ResolutionResult]
	cfg      ResolverConfig
}

func NewConflictResolver(analyzer *ConflictAnalyzer, cfg ResolverConfig) (*ConflictResolver, error) {
	if cfg.ConflictThreshold <= 0 {
		cfg.ConflictThreshold = defaultConflictThreshold
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 256
	}

	cache, err := lru.New[string, *ResolutionResult](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("resolution cache: %w", err)
	}

	return &ConflictResolver{
		analyzer: analyzer,
		history:  NewResolutionHistory(cfg.MaxHistoryRecords),
		cache:    cache,
		cfg:      cfg,
	}, nil
}

// History exposes the resolution history for observability.
func (r *ConflictResolver) History() *ResolutionHistory {
	return r.history
}

// Resolve runs the resolution state machine for a conflict. Concurrent
// calls for the same conflict id share a single execution; a cached
// terminal result is returned directly. The returned result is always
// terminal: execution errors become failed results rather than dangling
// conflicts.
func (r *ConflictResolver) Resolve(conflict *Conflict, analysis *ConflictAnalysis) *ResolutionResult {
	if cached, ok := r.cache.Get(conflict.ID); ok {
		return cached
	}

	value, _, _ := r.group.Do(conflict.ID, func() (any, error) {
		result := r.resolve(conflict, analysis)
		r.cache.Add(conflict.ID, result)
		r.history.Record(result)
		return result, nil
	})
	return value.(*ResolutionResult)
}

func (r *ConflictResolver) resolve(conflict *Conflict, analysis *ConflictAnalysis) *ResolutionResult {
	started := time.Now()
	result := &ResolutionResult{ConflictID: conflict.ID}
	logf := func(state ResolverState, format string, args ...any) {
		result.Log = append(result.Log, string(state)+": "+fmt.Sprintf(format, args...))
	}
	logf(StatePending, "conflict %s type=%s entity=%s/%s", conflict.ID, conflict.Type, conflict.EntityKind, conflict.EntityID)

	if analysis == nil {
		logf(StateAnalyzing, "no prior analysis supplied")
		analysis = r.analyzer.Analyze(conflict)
	}
	logf(StateAnalyzing, "severity=%.2f risk=%s suggested=%s", analysis.Severity, analysis.Risk, analysis.SuggestedResolution)

	strategy := r.selectStrategy(conflict, analysis)
	result.ResolutionType = strategy
	logf(StateResolving, "strategy=%s", strategy)

	if strategy == StrategyManual || strategy == StrategyManualIntervention {
		conflict.Resolution = ResolutionManual
		result.Status = ResolutionManualStatus
		result.ResolvedAt = time.Now()
		result.Duration = time.Since(started)
		logf(StateManual, "user decision required")
		slog.Info("conflict escalated to manual", "id", conflict.ID, "severity", analysis.Severity)
		return result
	}

	resolved, err := r.execute(conflict, analysis, strategy)
	if err != nil {
		result.Status = ResolutionFailed
		result.ResolvedAt = time.Now()
		result.Duration = time.Since(started)
		logf(StateFailed, "%v", err)
		slog.Error("conflict resolution failed", "id", conflict.ID, "strategy", strategy, "error", err)
		return result
	}

	valid := true
	if r.cfg.ValidateResults {
		logf(StateValidating, "checking %d conflicting fields", len(analysis.ConflictingFields))
		valid = validateResolution(resolved, analysis)
		if !valid {
			logf(StateValidating, "resolved payload missing conflicting fields")
		}
	}

	result.ResolvedData = resolved
	result.ResolvedAt = time.Now()
	result.Duration = time.Since(started)
	result.QualityScore = scoreResolution(strategy, analysis, valid)

	switch {
	case resolved == nil:
		result.Status = ResolutionFailed
		logf(StateFailed, "nil resolved payload")
	case !valid:
		result.Status = ResolutionPartial
		logf(StateResolved, "partial quality=%.0f", result.QualityScore)
	default:
		result.Status = ResolutionSuccess
		logf(StateResolved, "quality=%.0f", result.QualityScore)
	}

	conflict.Resolution = resolutionStateFor(strategy)
	slog.Info("conflict resolved", "id", conflict.ID, "strategy", strategy,
		"status", result.Status, "quality", result.QualityScore)
	return result
}

// selectStrategy picks the strategy in precedence order: forced manual
// intervention above the severity threshold, then the learned preference
// for the conflict type, then a configured override, then the analyzer's
// suggestion.
func (r *ConflictResolver) selectStrategy(conflict *Conflict, analysis *ConflictAnalysis) ResolutionStrategy {
	if analysis.Severity > r.cfg.ConflictThreshold {
		return StrategyManualIntervention
	}
	if learned, ok := r.history.Preference(conflict.Type); ok {
		return learned
	}
	if override, ok := r.cfg.Overrides[conflict.Type]; ok {
		return override
	}
	return analysis.SuggestedResolution
}

func (r *ConflictResolver) execute(conflict *Conflict, analysis *ConflictAnalysis, strategy ResolutionStrategy) (map[string]any, error) {
	switch strategy {
	case StrategyAcceptLocal:
		return conflict.LocalData, nil
	case StrategyAcceptRemote:
		return conflict.RemoteData, nil
	case StrategyMerge:
		if analysis != nil && analysis.MergeCandidate != nil {
			return analysis.MergeCandidate, nil
		}
		return mergePayloads(conflict), nil
	case StrategyCreateNew:
		wrapped := make(map[string]any, len(conflict.LocalData)+1)
		for k, v := range conflict.LocalData {
			wrapped[k] = v
		}
		wrapped["_provenance"] = map[string]any{
			"conflictId":   conflict.ID,
			"conflictType": string(conflict.Type),
			"detectedAt":   conflict.DetectedAt.Format(time.RFC3339),
			"supersedes":   conflict.OperationID,
		}
		return wrapped, nil
	default:
		return nil, fmt.Errorf("unknown resolution strategy %q", strategy)
	}
}

// ApplyManualDecision resolves a manually-escalated conflict with the
// strategy the user chose, learns it as the preference for the conflict
// type, and replaces any cached manual result.
func (r *ConflictResolver) ApplyManualDecision(conflict *Conflict, strategy ResolutionStrategy) (*ResolutionResult, error) {
	if strategy == StrategyManual || strategy == StrategyManualIntervention {
		return nil, fmt.Errorf("manual decision must name a concrete strategy, got %q", strategy)
	}

	started := time.Now()
	result := &ResolutionResult{
		ConflictID:     conflict.ID,
		ResolutionType: strategy,
	}

	resolved, err := r.execute(conflict, nil, strategy)
	if err != nil {
		return nil, err
	}

	result.ResolvedData = resolved
	result.Status = ResolutionSuccess
	result.ResolvedAt = time.Now()
	result.Duration = time.Since(started)
	result.QualityScore = scoreResolution(strategy, &ConflictAnalysis{Confidence: 1.0, Risk: RiskLow}, true)
	result.Log = []string{string(StateResolved) + ": manual decision " + string(strategy)}

	conflict.Resolution = resolutionStateFor(strategy)
	r.history.LearnPreference(conflict.Type, strategy)
	r.history.Record(result)
	r.cache.Add(conflict.ID, result)

	slog.Info("manual decision applied", "id", conflict.ID, "strategy", strategy)
	return result, nil
}

// validateResolution checks the payload is non-nil and still carries every
// field the analysis flagged as conflicting.
func validateResolution(resolved map[string]any, analysis *ConflictAnalysis) bool {
	if resolved == nil {
		return false
	}
	for _, field := range analysis.ConflictingFields {
		if _, ok := resolved[field]; !ok {
			return false
		}
	}
	return true
}

// scoreResolution computes the 0-100 quality score: base 50, +30 when the
// payload validated, a strategy bonus, the analyzer's confidence, and a
// risk adjustment.
func scoreResolution(strategy ResolutionStrategy, analysis *ConflictAnalysis, valid bool) float64 {
	score := 50.0
	if valid {
		score += 30
	}
	switch strategy {
	case StrategyMerge:
		score += 10
	case StrategyAcceptLocal, StrategyAcceptRemote:
		score += 5
	}
	score += analysis.Confidence * 10
	switch analysis.Risk {
	case RiskLow:
		score += 10
	case RiskMedium:
		score += 5
	case RiskHigh:
		score -= 5
	case RiskCritical:
		score -= 10
	}
	return min(max(score, 0), 100)
}

func resolutionStateFor(strategy ResolutionStrategy) ResolutionState {
	switch strategy {
	case StrategyAcceptLocal:
		return ResolutionLocal
	case StrategyAcceptRemote:
		return ResolutionRemote
	case StrategyMerge, StrategyCreateNew:
		return ResolutionMerge
	default:
		return ResolutionManual
	}
}
