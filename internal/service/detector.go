package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/flowsentry/flowsentry/internal/engine"
	"github.com/flowsentry/flowsentry/internal/metrics"
	"github.com/flowsentry/flowsentry/internal/models"
	"github.com/flowsentry/flowsentry/internal/registry"
	"github.com/flowsentry/flowsentry/internal/schema"
	"github.com/flowsentry/flowsentry/internal/utils"
)

// ModelSource provides the snapshot a request scores against. Satisfied by
// *registry.Registry.
type ModelSource interface {
	Current() *registry.ModelSet
}

// Sink receives completed detection results. Implementations must never
// block: a request completes whether or not the sink keeps up.
type Sink interface {
	Publish(models.DetectionResult)
}

type discardSink struct{}

func (discardSink) Publish(models.DetectionResult) {}

// Options configure the facade's latency and concurrency policies.
type Options struct {
	// Budget is the end-to-end latency budget per detection request.
	Budget time.Duration
	// BatchConcurrency bounds how many samples of one batch run at once.
	BatchConcurrency int
}

func (o *Options) applyDefaults() {
	if o.Budget <= 0 {
		o.Budget = 100 * time.Millisecond
	}
	if o.BatchConcurrency <= 0 {
		o.BatchConcurrency = 8
	}
}

// Detector is the request-handling facade: it validates, scores, classifies,
// and returns a well-formed result or a validation error, never a fault.
type Detector struct {
	logger    *slog.Logger
	schema    *schema.Schema
	source    ModelSource
	scorer    *engine.Scorer
	risk      *engine.RiskClassifier
	sink      Sink
	opts      Options
	latencies *utils.LatencyTracker
}

// NewDetector constructs the detection facade.
func NewDetector(
	logger *slog.Logger,
	sch *schema.Schema,
	source ModelSource,
	scorer *engine.Scorer,
	risk *engine.RiskClassifier,
	sink Sink,
	opts Options,
) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = discardSink{}
	}
	opts.applyDefaults()
	return &Detector{
		logger:    logger,
		schema:    sch,
		source:    source,
		scorer:    scorer,
		risk:      risk,
		sink:      sink,
		opts:      opts,
		latencies: utils.NewLatencyTracker(1024),
	}
}

// DetectOne scores a single raw feature mapping within the latency budget.
// The only error it returns is a *models.ValidationError; every scoring
// failure degrades into the result instead.
func (d *Detector) DetectOne(ctx context.Context, features map[string]float64) (models.DetectionResult, error) {
	start := time.Now()

	vec, err := d.schema.Validate(features)
	if err != nil {
		metrics.ObserveDetection(time.Since(start), metrics.OutcomeRejected)
		return models.DetectionResult{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, d.opts.Budget)
	defer cancel()

	// The snapshot acquired here is the request's view for its whole life;
	// a reload mid-request does not change it.
	set := d.source.Current()
	score := d.scorer.Score(ctx, vec, set)
	riskOut := d.risk.Classify(score, vec)

	result := models.DetectionResult{
		Prediction:       score.Label,
		Confidence:       score.Confidence,
		ThreatScore:      score.Probs.Attack,
		RiskLevel:        riskOut.Level,
		ModelPredictions: score.PerModel,
		FeatureAnalysis:  riskOut.Analysis,
		Degradation:      score.Degradation,
		ProcessingTime:   time.Since(start),
		Timestamp:        time.Now().UTC(),
	}

	d.observe(result)
	d.sink.Publish(result)
	return result, nil
}

// DetectBatch scores N samples with bounded concurrency. Per-item failures
// never abort the batch; the output has the same length and order as the
// input and each row keeps its sample identifier.
func (d *Detector) DetectBatch(ctx context.Context, samples []models.Sample) []models.BatchResult {
	results := make([]models.BatchResult, len(samples))
	sem := make(chan struct{}, d.opts.BatchConcurrency)
	var wg sync.WaitGroup

	for i, sample := range samples {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, sm models.Sample) {
			defer wg.Done()
			defer func() { <-sem }()

			res, err := d.DetectOne(ctx, sm.Features)
			if err != nil {
				res = models.DetectionResult{
					Prediction:  models.LabelUnknown,
					RiskLevel:   models.RiskLow,
					Degradation: models.DegradationState{Mode: models.ModeUnknown},
					Timestamp:   time.Now().UTC(),
				}
			}
			results[i] = models.BatchResult{ID: sm.ID, Result: res, Err: err}
		}(i, sample)
	}
	wg.Wait()

	metrics.ObserveBatch(len(samples))
	return results
}

// LatencyP95 returns the current p95 request latency.
func (d *Detector) LatencyP95() time.Duration {
	return d.latencies.Percentile(95)
}

func (d *Detector) observe(result models.DetectionResult) {
	outcome := metrics.OutcomeSuccess
	switch result.Degradation.Mode {
	case models.ModeDegraded:
		outcome = metrics.OutcomeDegraded
	case models.ModeUnknown:
		outcome = metrics.OutcomeUnknown
	}
	metrics.ObserveDetection(result.ProcessingTime, outcome)
	for _, modelID := range result.Degradation.Failed {
		metrics.ObserveModelFailure(modelID)
	}

	d.latencies.Observe(result.ProcessingTime)
	if count := d.latencies.Count(); count >= 100 && count%100 == 0 {
		d.logger.Info("detection latency",
			slog.Duration("p95", d.latencies.Percentile(95)),
			slog.Int("samples", count))
	}
}
