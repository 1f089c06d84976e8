package models

import "time"

// Label is the verdict class assigned to a flow.
type Label string

const (
	LabelNormal  Label = "normal"
	LabelAttack  Label = "attack"
	LabelUnknown Label = "unknown"
)

// RiskLevel captures verdict severity buckets.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Rank orders risk levels from low (0) to critical (3).
func (r RiskLevel) Rank() int {
	switch r {
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	case RiskCritical:
		return 3
	default:
		return 0
	}
}

// Escalate returns the next level up, saturating at critical.
func (r RiskLevel) Escalate() RiskLevel {
	switch r {
	case RiskLow:
		return RiskMedium
	case RiskMedium:
		return RiskHigh
	default:
		return RiskCritical
	}
}

// DegradationMode describes how much of the ensemble contributed to a verdict.
type DegradationMode string

const (
	ModeFull     DegradationMode = "full"
	ModeDegraded DegradationMode = "degraded"
	ModeUnknown  DegradationMode = "unknown"
)

// DegradationState tracks which models answered during a single request.
type DegradationState struct {
	Responded []string
	Failed    []string
	Mode      DegradationMode
}

// Degraded reports whether at least one configured model was lost.
func (d DegradationState) Degraded() bool {
	return d.Mode != ModeFull
}

// ClassProbs is a two-class probability pair for one flow.
type ClassProbs struct {
	Normal float64
	Attack float64
}

// ModelPredictions holds the per-model breakdown of an ensemble verdict.
// Models that failed or timed out are absent from all three maps.
type ModelPredictions struct {
	Predictions   map[string]Label
	Confidences   map[string]float64
	Probabilities map[string]ClassProbs
}

// FeatureAnalysis explains a verdict in terms of the raw feature values.
type FeatureAnalysis struct {
	AnomalyIndicators  []string
	SuspiciousPatterns []string
	RiskFactors        []string
}

// DetectionResult is the complete verdict for one flow.
type DetectionResult struct {
	Prediction       Label
	Confidence       float64
	ThreatScore      float64
	RiskLevel        RiskLevel
	ModelPredictions ModelPredictions
	FeatureAnalysis  FeatureAnalysis
	Degradation      DegradationState
	ProcessingTime   time.Duration
	Timestamp        time.Time
}

// Sample is one entry of a batched detection request.
type Sample struct {
	ID       string
	Features map[string]float64
}

// BatchResult pairs a sample identifier with its verdict. Err is set only
// for per-item validation failures; scoring failures degrade instead.
type BatchResult struct {
	ID     string
	Result DetectionResult
	Err    error
}

// BatchSummary aggregates a batch run for the caller.
type BatchSummary struct {
	Total    int
	Attacks  int
	Unknowns int
	Errors   int
	Elapsed  time.Duration
}

// Summarize tallies a slice of batch results.
func Summarize(results []BatchResult, elapsed time.Duration) BatchSummary {
	summary := BatchSummary{Total: len(results), Elapsed: elapsed}
	for _, r := range results {
		if r.Err != nil {
			summary.Errors++
			continue
		}
		switch r.Result.Prediction {
		case LabelAttack:
			summary.Attacks++
		case LabelUnknown:
			summary.Unknowns++
		}
	}
	return summary
}
