package sync

import (
	stdsync "sync"
	"time"
)

const defaultMaxHistoryRecords = 100

// ResolutionHistory keeps a bounded record of past resolutions, running
// aggregate counters, and the per-conflict-type strategies the user has
// shown a preference for.
type ResolutionHistory struct {
	mu      stdsync.RWMutex
	max     int
	records []*ResolutionResult
	prefs   map[ConflictType]ResolutionStrategy

	total         int
	successes     int
	totalDuration time.Duration
}

func NewResolutionHistory(maxRecords int) *ResolutionHistory {
	if maxRecords <= 0 {
		maxRecords = defaultMaxHistoryRecords
	}
	return &ResolutionHistory{
		max:   maxRecords,
		prefs: make(map[ConflictType]ResolutionStrategy),
	}
}

// Record appends a terminal result, evicting the oldest record beyond the
// configured maximum, and folds it into the running counters.
func (h *ResolutionHistory) Record(result *ResolutionResult) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.records = append(h.records, result)
	if len(h.records) > h.max {
		h.records = h.records[len(h.records)-h.max:]
	}

	h.total++
	if result.Status == ResolutionSuccess {
		h.successes++
	}
	h.totalDuration += result.Duration
}

// LearnPreference remembers the strategy a user chose for a conflict type.
// Manual decisions overwrite earlier ones.
func (h *ResolutionHistory) LearnPreference(kind ConflictType, strategy ResolutionStrategy) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.prefs[kind] = strategy
}

// Preference returns the learned strategy for a conflict type, if any.
func (h *ResolutionHistory) Preference(kind ConflictType) (ResolutionStrategy, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	strategy, ok := h.prefs[kind]
	return strategy, ok
}

// Records returns a copy of the retained results, oldest first.
func (h *ResolutionHistory) Records() []*ResolutionResult {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*ResolutionResult, len(h.records))
	copy(out, h.records)
	return out
}

// SuccessRate is the fraction of recorded resolutions that succeeded.
func (h *ResolutionHistory) SuccessRate() float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.total == 0 {
		return 0
	}
	return float64(h.successes) / float64(h.total)
}

// AverageDuration is the mean time a resolution took.
func (h *ResolutionHistory) AverageDuration() time.Duration {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.total == 0 {
		return 0
	}
	return h.totalDuration / time.Duration(h.total)
}

// Len reports the number of retained records.
func (h *ResolutionHistory) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.records)
}
