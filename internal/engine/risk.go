package engine

import (
	"fmt"

	"github.com/flowsentry/flowsentry/internal/models"
	"github.com/flowsentry/flowsentry/internal/schema"
)

// RiskOptions hold the threshold tables the risk classifier applies. Band
// edges and feature limits are configuration, not constants.
type RiskOptions struct {
	// Threat-score band edges, ordered: below MediumAt is low, below HighAt
	// is medium, below CriticalAt is high, at or above is critical.
	MediumAt   float64
	HighAt     float64
	CriticalAt float64

	// Feature limits that trigger anomaly indicators.
	CountLimit      float64
	SrvCountLimit   float64
	ErrorRateLimit  float64
	PacketRateLimit float64
}

func (o *RiskOptions) applyDefaults() {
	if o.MediumAt <= 0 {
		o.MediumAt = 0.3
	}
	if o.HighAt <= o.MediumAt {
		o.HighAt = 0.6
	}
	if o.CriticalAt <= o.HighAt {
		o.CriticalAt = 0.85
	}
	if o.CountLimit <= 0 {
		o.CountLimit = 100
	}
	if o.SrvCountLimit <= 0 {
		o.SrvCountLimit = 50
	}
	if o.ErrorRateLimit <= 0 {
		o.ErrorRateLimit = 0.5
	}
	if o.PacketRateLimit <= 0 {
		o.PacketRateLimit = 1000
	}
}

// RiskClassifier maps a combined verdict plus the raw feature values to a
// discrete risk level and an explanation list. It is deterministic and
// side-effect-free given its inputs and configuration.
type RiskClassifier struct {
	opts RiskOptions
}

// NewRiskClassifier constructs a risk classifier with the given thresholds.
func NewRiskClassifier(opts RiskOptions) *RiskClassifier {
	opts.applyDefaults()
	return &RiskClassifier{opts: opts}
}

// RiskOutcome is the explainability half of a detection result.
type RiskOutcome struct {
	Level    models.RiskLevel
	Analysis models.FeatureAnalysis
}

// Classify derives the risk level from the combined verdict and attaches
// anomaly indicators for feature values crossing configured limits.
func (c *RiskClassifier) Classify(score ScoreOutcome, vec schema.FeatureVector) RiskOutcome {
	analysis := models.FeatureAnalysis{
		AnomalyIndicators:  c.indicators(vec),
		SuspiciousPatterns: c.patterns(vec),
	}

	threat := score.Probs.Attack
	level := c.band(threat)

	// Corroborated attacks move one band up: multiple independent feature
	// limits firing alongside an attack verdict.
	if score.Label == models.LabelAttack && len(analysis.AnomalyIndicators) >= 2 {
		level = level.Escalate()
	}

	analysis.RiskFactors = c.riskFactors(score, analysis)
	return RiskOutcome{Level: level, Analysis: analysis}
}

func (c *RiskClassifier) band(threat float64) models.RiskLevel {
	switch {
	case threat < c.opts.MediumAt:
		return models.RiskLow
	case threat < c.opts.HighAt:
		return models.RiskMedium
	case threat < c.opts.CriticalAt:
		return models.RiskHigh
	default:
		return models.RiskCritical
	}
}

func (c *RiskClassifier) indicators(vec schema.FeatureVector) []string {
	var out []string
	add := func(name string, fire func(v float64) bool, format string) {
		if v, ok := vec.Value(name); ok && fire(v) {
			out = append(out, fmt.Sprintf(format, v))
		}
	}

	add("serror_rate", func(v float64) bool { return v > c.opts.ErrorRateLimit },
		"high SYN error rate (%.2f)")
	add("rerror_rate", func(v float64) bool { return v > c.opts.ErrorRateLimit },
		"high REJ error rate (%.2f)")
	add("count", func(v float64) bool { return v >= c.opts.CountLimit },
		"excessive connection count (%.0f)")
	add("srv_count", func(v float64) bool { return v >= c.opts.SrvCountLimit },
		"excessive per-service connection count (%.0f)")
	add("packets_per_sec", func(v float64) bool { return v >= c.opts.PacketRateLimit },
		"abnormal packet rate (%.0f/s)")
	add("land", func(v float64) bool { return v >= 1 },
		"identical source and destination endpoints (%.0f)")
	add("urgent", func(v float64) bool { return v > 0 },
		"urgent-flag packets present (%.0f)")
	return out
}

func (c *RiskClassifier) patterns(vec schema.FeatureVector) []string {
	var out []string
	serror, _ := vec.Value("serror_rate")
	count, _ := vec.Value("count")
	srvCount, _ := vec.Value("srv_count")
	sameSrv, _ := vec.Value("same_srv_rate")
	pps, _ := vec.Value("packets_per_sec")
	icmp, _ := vec.Value("icmp_ratio")

	if serror > c.opts.ErrorRateLimit && count >= c.opts.CountLimit {
		out = append(out, "scan-like connection burst with failing handshakes")
	}
	if sameSrv > 0.9 && srvCount >= c.opts.SrvCountLimit {
		out = append(out, "single-service connection hammering")
	}
	if pps >= c.opts.PacketRateLimit && icmp > 0.5 {
		out = append(out, "icmp flood signature")
	}
	return out
}

func (c *RiskClassifier) riskFactors(score ScoreOutcome, analysis models.FeatureAnalysis) []string {
	factors := []string{
		fmt.Sprintf("combined attack probability %.2f", score.Probs.Attack),
	}
	switch score.Degradation.Mode {
	case models.ModeDegraded:
		factors = append(factors, fmt.Sprintf("degraded verdict: %d of %d models responded",
			len(score.Degradation.Responded),
			len(score.Degradation.Responded)+len(score.Degradation.Failed)))
	case models.ModeUnknown:
		factors = append(factors, "no models responded; verdict failed open to unknown")
	}
	if score.TieBroken {
		factors = append(factors, fmt.Sprintf("exact probability tie resolved to %q", score.Label))
	}
	if n := len(analysis.AnomalyIndicators); n > 0 {
		factors = append(factors, fmt.Sprintf("%d feature limit(s) exceeded", n))
	}
	return factors
}
