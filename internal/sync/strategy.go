package sync

import (
	"math"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

const (
	basePerOpTimeout = 10 * time.Second

	// Backlog thresholds
	backlogBatchCap    = 100
	backlogDropLowAt   = 50
	cappedBatchSize    = 20
	minReliabilityFull = 0.7
)

// RetryPolicy bounds the executor's retry loop.
type RetryPolicy struct {
	MaxRetries        int           `json:"maxRetries"`
	InitialDelay      time.Duration `json:"initialDelay"`
	MaxDelay          time.Duration `json:"maxDelay"`
	BackoffMultiplier float64       `json:"backoffMultiplier"`
}

// Delay computes the backoff before the given attempt (1-based):
// min(initialDelay × multiplier^(attempt-1), maxDelay).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(p.InitialDelay) * math.Pow(p.BackoffMultiplier, float64(attempt-1)))
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// SyncStrategy parameterizes one sync run. It is a pure function output of
// (assessment, backlog stats) and is never mutated once computed.
type SyncStrategy struct {
	Kind                 StrategyKind
	BatchSize            int
	InterBatchDelay      time.Duration
	PriorityFilter       mapset.Set[Priority]
	MaxConcurrentBatches int
	PerOperationTimeout  time.Duration
	Retry                RetryPolicy
}

// BacklogStats summarizes the operation log for the planner.
type BacklogStats struct {
	Pending int `json:"pending"`
	Failed  int `json:"failed"`
}

// PlanStrategy maps an assessment plus backlog statistics to a strategy.
// The mapping is deterministic: identical inputs always yield identical
// outputs.
func PlanStrategy(a *QualityAssessment, backlog BacklogStats) *SyncStrategy {
	return &SyncStrategy{
		Kind:                 a.RecommendedStrategy,
		BatchSize:            planBatchSize(a.Bandwidth, backlog),
		InterBatchDelay:      planInterBatchDelay(a.Bandwidth),
		PriorityFilter:       planPriorityFilter(a.Reliability, backlog),
		MaxConcurrentBatches: planConcurrency(a.Latency, a.Bandwidth),
		PerOperationTimeout:  planPerOpTimeout(a.Latency, a.Bandwidth),
		Retry:                planRetryPolicy(a),
	}
}

func planBatchSize(bandwidth BandwidthTier, backlog BacklogStats) int {
	var size int
	switch bandwidth {
	case BandwidthExcellent:
		size = 50
	case BandwidthGood:
		size = 30
	case BandwidthFair:
		size = 15
	default:
		size = 5
	}
	if backlog.Pending > backlogBatchCap && size > cappedBatchSize {
		size = cappedBatchSize
	}
	return size
}

func planInterBatchDelay(bandwidth BandwidthTier) time.Duration {
	switch bandwidth {
	case BandwidthExcellent:
		return 100 * time.Millisecond
	case BandwidthGood:
		return 300 * time.Millisecond
	case BandwidthFair:
		return 500 * time.Millisecond
	default:
		return 1000 * time.Millisecond
	}
}

func planPriorityFilter(reliability float64, backlog BacklogStats) mapset.Set[Priority] {
	if reliability < minReliabilityFull {
		return mapset.NewSet(PriorityCritical, PriorityHigh)
	}
	if backlog.Pending > backlogDropLowAt {
		return mapset.NewSet(PriorityCritical, PriorityHigh, PriorityNormal)
	}
	return AllPriorities()
}

func planConcurrency(latency LatencyTier, bandwidth BandwidthTier) int {
	switch latency {
	case LatencyLow:
		if bandwidth == BandwidthExcellent {
			return 5
		}
		return 3
	case LatencyMedium:
		return 2
	default:
		return 1
	}
}

func planPerOpTimeout(latency LatencyTier, bandwidth BandwidthTier) time.Duration {
	timeout := float64(basePerOpTimeout)
	switch latency {
	case LatencyMedium:
		timeout *= 1.5
	case LatencyHigh:
		timeout *= 2.0
	}
	switch bandwidth {
	case BandwidthFair:
		timeout *= 1.2
	case BandwidthPoor:
		timeout *= 1.5
	}
	return time.Duration(timeout)
}

func planRetryPolicy(a *QualityAssessment) RetryPolicy {
	if a.IsStable && a.Reliability >= 0.8 {
		return RetryPolicy{
			MaxRetries:        3,
			InitialDelay:      1 * time.Second,
			MaxDelay:          5 * time.Second,
			BackoffMultiplier: 2.0,
		}
	}
	return RetryPolicy{
		MaxRetries:        5,
		InitialDelay:      2 * time.Second,
		MaxDelay:          15 * time.Second,
		BackoffMultiplier: 2.5,
	}
}
