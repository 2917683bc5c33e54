package sync

import (
	"context"
	"fmt"
	"log/slog"
	stdsync "sync"
	"time"
)

const (
	// Bandwidth tier thresholds in Mbps
	bandwidthExcellent = 20.0
	bandwidthGood      = 10.0
	bandwidthFair      = 3.0

	// Latency tier thresholds
	latencyLow    = 50 * time.Millisecond
	latencyMedium = 150 * time.Millisecond
	latencyHigh   = 500 * time.Millisecond

	// Stability probe
	minStabilityFactor = 0.8

	// Rolling history bounds
	maxAssessmentHistory  = 50
	maxOutcomeSamples     = 200
	reliabilityLookback   = time.Hour
)

// BandwidthTier buckets the probe's downlink estimate.
type BandwidthTier string

const (
	BandwidthExcellent BandwidthTier = "excellent"
	BandwidthGood      BandwidthTier = "good"
	BandwidthFair      BandwidthTier = "fair"
	BandwidthPoor      BandwidthTier = "poor"
)

// LatencyTier buckets the probe's round-trip time.
type LatencyTier string

const (
	LatencyLow    LatencyTier = "low"
	LatencyMedium LatencyTier = "medium"
	LatencyHigh   LatencyTier = "high"
)

// StrategyKind is the recommended synchronization mode.
type StrategyKind string

const (
	StrategyImmediate    StrategyKind = "immediate"
	StrategyBatched      StrategyKind = "batched"
	StrategyPrioritized  StrategyKind = "prioritized"
	StrategyConservative StrategyKind = "conservative"
)

// QualityAssessment is a derived view of current network conditions,
// recomputed on every recovery event.
type QualityAssessment struct {
	IsStable            bool          `json:"isStable"`
	Bandwidth           BandwidthTier `json:"bandwidthTier"`
	Latency             LatencyTier   `json:"latencyTier"`
	Reliability         float64       `json:"reliability"`
	RecommendedStrategy StrategyKind  `json:"recommendedStrategy"`
	SampledAt           time.Time     `json:"sampledAt"`
}

type outcomeSample struct {
	success bool
	at      time.Time
}

// NetworkQualityMonitor samples connectivity signals and produces quality
// assessments weighted by recent operation outcomes.
type NetworkQualityMonitor struct {
	probe   NetworkProbe
	targets []string

	mu       stdsync.RWMutex
	history  []*QualityAssessment
	outcomes []outcomeSample
}

// NewNetworkQualityMonitor builds a monitor probing the given reachability
// targets. A single configured target is probed twice so one flaky response
// cannot swing the stability factor between 0 and 1.
func NewNetworkQualityMonitor(probe NetworkProbe, targets []string) *NetworkQualityMonitor {
	if len(targets) == 1 {
		targets = append(targets, targets...)
	}
	return &NetworkQualityMonitor{
		probe:    probe,
		targets:  targets,
		history:  make([]*QualityAssessment, 0, maxAssessmentHistory),
		outcomes: make([]outcomeSample, 0, maxOutcomeSamples),
	}
}

// Assess samples the probe and produces a fresh assessment. The assessment
// is appended to the rolling history.
func (m *NetworkQualityMonitor) Assess(ctx context.Context) (*QualityAssessment, error) {
	signal, err := m.probe.ConnectivitySignal(ctx)
	if err != nil {
		return nil, fmt.Errorf("connectivity signal: %w", err)
	}
	if !signal.Online {
		return nil, &NetworkError{Op: "assess", Err: fmt.Errorf("host offline")}
	}

	bandwidth := bucketBandwidth(signal.Downlink)
	latency := bucketLatency(signal.RTT)

	reliability := baseReliability(signal.Type)
	stabilityFactor := m.probeStability(ctx)
	reliability *= stabilityFactor
	reliability *= m.historicalReliability(time.Now())

	assessment := &QualityAssessment{
		IsStable:    stabilityFactor >= minStabilityFactor,
		Bandwidth:   bandwidth,
		Latency:     latency,
		Reliability: reliability,
		SampledAt:   time.Now().UTC(),
	}
	assessment.RecommendedStrategy = recommendStrategy(assessment)

	m.mu.Lock()
	if len(m.history) >= maxAssessmentHistory {
		m.history = m.history[1:]
	}
	m.history = append(m.history, assessment)
	m.mu.Unlock()

	slog.Debug("network assessment",
		"stable", assessment.IsStable,
		"bandwidth", assessment.Bandwidth,
		"latency", assessment.Latency,
		"reliability", assessment.Reliability,
		"strategy", assessment.RecommendedStrategy,
	)
	return assessment, nil
}

// probeStability issues independent reachability checks in parallel and
// returns the success ratio. With no targets configured the factor is
// neutral, not a division by zero.
func (m *NetworkQualityMonitor) probeStability(ctx context.Context) float64 {
	if len(m.targets) == 0 {
		return 1.0
	}

	results := make([]bool, len(m.targets))

	var wg stdsync.WaitGroup
	wg.Add(len(m.targets))
	for i, target := range m.targets {
		go func(i int, target string) {
			defer wg.Done()
			results[i] = m.probe.CheckReachability(ctx, target)
		}(i, target)
	}
	wg.Wait()

	successes := 0
	for _, ok := range results {
		if ok {
			successes++
		}
	}
	return float64(successes) / float64(len(results))
}

// RecordOutcome feeds an operation outcome into the reliability history.
func (m *NetworkQualityMonitor) RecordOutcome(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.outcomes) >= maxOutcomeSamples {
		m.outcomes = m.outcomes[1:]
	}
	m.outcomes = append(m.outcomes, outcomeSample{success: success, at: time.Now()})
}

// historicalReliability is the successful-operation ratio over the lookback
// window. With no samples the weighting is neutral (1.0).
func (m *NetworkQualityMonitor) historicalReliability(now time.Time) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := now.Add(-reliabilityLookback)
	total, successes := 0, 0
	for _, sample := range m.outcomes {
		if sample.at.Before(cutoff) {
			continue
		}
		total++
		if sample.success {
			successes++
		}
	}
	if total == 0 {
		return 1.0
	}
	return float64(successes) / float64(total)
}

// History returns a copy of the rolling assessment history.
func (m *NetworkQualityMonitor) History() []*QualityAssessment {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*QualityAssessment, len(m.history))
	copy(out, m.history)
	return out
}

func bucketBandwidth(downlinkMbps float64) BandwidthTier {
	switch {
	case downlinkMbps >= bandwidthExcellent:
		return BandwidthExcellent
	case downlinkMbps >= bandwidthGood:
		return BandwidthGood
	case downlinkMbps >= bandwidthFair:
		return BandwidthFair
	default:
		return BandwidthPoor
	}
}

func bucketLatency(rtt time.Duration) LatencyTier {
	switch {
	case rtt <= latencyLow:
		return LatencyLow
	case rtt <= latencyMedium:
		return LatencyMedium
	default:
		return LatencyHigh
	}
}

func baseReliability(connType ConnectionType) float64 {
	switch connType {
	case ConnectionEthernet:
		return 0.95
	case ConnectionWifi:
		return 0.9
	case ConnectionCellular:
		return 0.7
	default:
		return 0.8
	}
}

func recommendStrategy(a *QualityAssessment) StrategyKind {
	switch {
	case a.IsStable && a.Bandwidth == BandwidthExcellent && a.Latency == LatencyLow:
		return StrategyImmediate
	case a.Reliability >= 0.8 && a.Bandwidth != BandwidthPoor:
		return StrategyBatched
	case a.Reliability >= 0.6:
		return StrategyPrioritized
	default:
		return StrategyConservative
	}
}
