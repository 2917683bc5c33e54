package sync

import (
	"log/slog"
	"sort"
	stdsync "sync"
)

const patternMatchThreshold = 0.7

// DetectionRule is one weighted predicate inside a conflict pattern.
type DetectionRule struct {
	Name    string
	Weight  float64
	Matches func(*Conflict) bool
}

// StrategyRanking orders a pattern's preferred strategies. SuccessRate is
// updated as resolutions using the strategy succeed or fail.
type StrategyRanking struct {
	Strategy    ResolutionStrategy
	Priority    int
	SuccessRate float64
}

// ConflictPattern is a named set of weighted detection rules. A pattern
// matches when the weight of its satisfied rules exceeds 70% of the total
// rule weight.
type ConflictPattern struct {
	Name        string
	Rules       []DetectionRule
	Strategies  []StrategyRanking
	Occurrences int
}

func (p *ConflictPattern) matchScore(c *Conflict) float64 {
	var total, matched float64
	for _, rule := range p.Rules {
		total += rule.Weight
		if rule.Matches(c) {
			matched += rule.Weight
		}
	}
	if total == 0 {
		return 0
	}
	return matched / total
}

// topStrategy returns the highest-priority strategy ranking.
func (p *ConflictPattern) topStrategy() *StrategyRanking {
	if len(p.Strategies) == 0 {
		return nil
	}
	best := &p.Strategies[0]
	for i := 1; i < len(p.Strategies); i++ {
		if p.Strategies[i].Priority < best.Priority {
			best = &p.Strategies[i]
		}
	}
	return best
}

// ConflictAnalyzer scores conflicts and suggests a resolution strategy
// based on its registered pattern library.
type ConflictAnalyzer struct {
	mu              stdsync.Mutex
	patterns        []*ConflictPattern
	defaultStrategy ResolutionStrategy
}

func NewConflictAnalyzer() *ConflictAnalyzer {
	a := &ConflictAnalyzer{defaultStrategy: StrategyMerge}
	a.registerDefaultPatterns()
	return a
}

// RegisterPattern adds a pattern to the library.
func (a *ConflictAnalyzer) RegisterPattern(p *ConflictPattern) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.patterns = append(a.patterns, p)
}

func (a *ConflictAnalyzer) registerDefaultPatterns() {
	a.patterns = []*ConflictPattern{
		{
			Name: "temporal-overlap",
			Rules: []DetectionRule{
				{
					Name:   "remote-after-local",
					Weight: 1.0,
					Matches: func(c *Conflict) bool {
						return c.RemoteStamp.After(c.LocalStamp)
					},
				},
				{
					Name:   "both-sides-populated",
					Weight: 0.5,
					Matches: func(c *Conflict) bool {
						return len(c.LocalData) > 0 && len(c.RemoteData) > 0
					},
				},
			},
			Strategies: []StrategyRanking{
				{Strategy: StrategyMerge, Priority: 1, SuccessRate: 0.8},
				{Strategy: StrategyAcceptRemote, Priority: 2, SuccessRate: 0.6},
			},
		},
		{
			Name: "destructive-update",
			Rules: []DetectionRule{
				{
					Name:   "delete-vs-update",
					Weight: 1.0,
					Matches: func(c *Conflict) bool {
						return c.Type == ConflictDeleteUpdate
					},
				},
			},
			Strategies: []StrategyRanking{
				{Strategy: StrategyAcceptRemote, Priority: 1, SuccessRate: 0.7},
				{Strategy: StrategyCreateNew, Priority: 2, SuccessRate: 0.5},
			},
		},
		{
			Name: "schema-drift",
			Rules: []DetectionRule{
				{
					Name:   "structural-divergence",
					Weight: 1.0,
					Matches: func(c *Conflict) bool {
						return c.Type == ConflictStructural
					},
				},
				{
					Name:   "fields-disagree",
					Weight: 0.3,
					Matches: func(c *Conflict) bool {
						return len(conflictingFields(c.LocalData, c.RemoteData)) > 0
					},
				},
			},
			Strategies: []StrategyRanking{
				{Strategy: StrategyMerge, Priority: 1, SuccessRate: 0.55},
				{Strategy: StrategyManual, Priority: 2, SuccessRate: 0.9},
			},
		},
	}
}

// Analyze scores a conflict and proposes a resolution strategy. For merge
// suggestions the analysis carries the field-by-field merge candidate.
func (a *ConflictAnalyzer) Analyze(conflict *Conflict) *ConflictAnalysis {
	a.mu.Lock()
	defer a.mu.Unlock()

	type match struct {
		pattern *ConflictPattern
		score   float64
	}
	matches := make([]match, 0, len(a.patterns))
	for _, p := range a.patterns {
		if score := p.matchScore(conflict); score > patternMatchThreshold {
			p.Occurrences++
			matches = append(matches, match{pattern: p, score: score})
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].score > matches[j].score })

	analysis := &ConflictAnalysis{
		ConflictingFields: conflictingFields(conflict.LocalData, conflict.RemoteData),
	}

	// Severity: base plus a type surcharge plus matched-pattern history.
	severity := 0.5
	switch conflict.Type {
	case ConflictConcurrentModification:
		severity += 0.1
	case ConflictDeleteUpdate:
		severity += 0.2
	case ConflictStructural:
		severity += 0.3
	}
	for _, m := range matches {
		severity += 0.1 * float64(m.pattern.Occurrences)
		analysis.MatchedPatterns = append(analysis.MatchedPatterns, m.pattern.Name)
	}
	analysis.Severity = min(severity, 1.0)

	switch {
	case analysis.Severity >= 0.8:
		analysis.Risk = RiskCritical
	case analysis.Severity >= 0.6:
		analysis.Risk = RiskHigh
	case analysis.Severity >= 0.4:
		analysis.Risk = RiskMedium
	default:
		analysis.Risk = RiskLow
	}

	complexity := 1.0
	switch conflict.Type {
	case ConflictDeleteUpdate:
		complexity += 1
	case ConflictStructural:
		complexity += 2
	}
	complexity += 0.5 * float64(len(matches))
	analysis.Complexity = min(complexity, 5.0)

	// Confidence: average success rate of the matched patterns' top
	// strategies; a library miss falls back to a neutral 0.5.
	if len(matches) > 0 {
		var sum float64
		for _, m := range matches {
			if top := m.pattern.topStrategy(); top != nil {
				sum += top.SuccessRate
			}
		}
		analysis.Confidence = sum / float64(len(matches))
	} else {
		analysis.Confidence = 0.5
	}

	analysis.SuggestedResolution = a.defaultStrategy
	if len(matches) > 0 {
		if top := matches[0].pattern.topStrategy(); top != nil {
			analysis.SuggestedResolution = top.Strategy
		}
	}
	if analysis.SuggestedResolution == StrategyMerge {
		analysis.MergeCandidate = mergePayloads(conflict)
	}

	slog.Debug("conflict analyzed", "id", conflict.ID, "severity", analysis.Severity,
		"risk", analysis.Risk, "suggested", analysis.SuggestedResolution,
		"patterns", len(matches))
	return analysis
}
