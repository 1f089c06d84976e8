package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/flowsentry/flowsentry/internal/models"
	"github.com/flowsentry/flowsentry/internal/registry"
	"github.com/flowsentry/flowsentry/internal/schema"
)

// ScorerOptions configure ensemble voting. Weights live on the artifacts;
// these are the request-side policies.
type ScorerOptions struct {
	// PerModelTimeout bounds each model's inference time within a request.
	PerModelTimeout time.Duration
	// TieBreakLabel resolves exactly balanced combined probabilities.
	// Defaulting to "normal" fails open on ambiguous flows, which trades
	// false negatives for availability; operators can flip it to "attack".
	TieBreakLabel models.Label
	// AttackCutoff is the combined attack probability at which the verdict
	// flips to attack.
	AttackCutoff float64
}

func (o *ScorerOptions) applyDefaults() {
	if o.PerModelTimeout <= 0 {
		o.PerModelTimeout = 50 * time.Millisecond
	}
	if o.TieBreakLabel != models.LabelAttack {
		o.TieBreakLabel = models.LabelNormal
	}
	if o.AttackCutoff <= 0 || o.AttackCutoff >= 1 {
		o.AttackCutoff = 0.5
	}
}

// Scorer combines per-model class probabilities via weighted soft voting.
type Scorer struct {
	logger *slog.Logger
	opts   ScorerOptions
}

// NewScorer constructs an ensemble scorer.
func NewScorer(logger *slog.Logger, opts ScorerOptions) *Scorer {
	if logger == nil {
		logger = slog.Default()
	}
	opts.applyDefaults()
	return &Scorer{logger: logger, opts: opts}
}

// ScoreOutcome is the combined verdict of one ensemble pass.
type ScoreOutcome struct {
	Label       models.Label
	Confidence  float64
	Probs       models.ClassProbs
	TieBroken   bool
	PerModel    models.ModelPredictions
	Degradation models.DegradationState
}

type modelOutcome struct {
	entry   registry.Entry
	pNormal float64
	pAttack float64
	err     error
}

// Score fans out to every model in the snapshot, joins the responses with a
// per-model timeout, and soft-votes the survivors. Models that fault or time
// out are excluded and flagged; if none respond the outcome fails open to
// label "unknown" with zero confidence rather than returning an error.
func (s *Scorer) Score(ctx context.Context, vec schema.FeatureVector, set *registry.ModelSet) ScoreOutcome {
	if set.Empty() {
		s.logger.Warn("scoring skipped", slog.Any("error", models.ErrNoModels))
		return s.unknownOutcome(nil)
	}

	outcomes := make(chan modelOutcome, len(set.Entries))
	var wg sync.WaitGroup
	for _, entry := range set.Entries {
		wg.Add(1)
		go func(e registry.Entry) {
			defer wg.Done()
			outcomes <- s.scoreOne(ctx, e, vec)
		}(entry)
	}
	wg.Wait()
	close(outcomes)

	collected := make([]modelOutcome, 0, len(set.Entries))
	for out := range outcomes {
		collected = append(collected, out)
	}
	sort.Slice(collected, func(i, j int) bool {
		return collected[i].entry.ModelID < collected[j].entry.ModelID
	})

	return s.combine(collected)
}

// scoreOne runs a single model, converting panics, errors, per-model
// timeouts and request cancellation into a failed outcome.
func (s *Scorer) scoreOne(ctx context.Context, e registry.Entry, vec schema.FeatureVector) modelOutcome {
	done := make(chan modelOutcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- modelOutcome{entry: e, err: fmt.Errorf("model %s panicked: %v", e.ModelID, rec)}
			}
		}()
		n, a, err := e.Model.PredictProba(vec)
		if err == nil && (n < 0 || a < 0 || n+a <= 0 || math.IsNaN(n+a)) {
			err = fmt.Errorf("model %s returned degenerate probabilities (%g, %g)", e.ModelID, n, a)
		}
		done <- modelOutcome{entry: e, pNormal: n, pAttack: a, err: err}
	}()

	timer := time.NewTimer(s.opts.PerModelTimeout)
	defer timer.Stop()

	select {
	case out := <-done:
		return out
	case <-timer.C:
		return modelOutcome{entry: e, err: fmt.Errorf("model %s: inference timeout after %s", e.ModelID, s.opts.PerModelTimeout)}
	case <-ctx.Done():
		err := ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = models.ErrBudgetExceeded
		}
		return modelOutcome{entry: e, err: fmt.Errorf("model %s: %w", e.ModelID, err)}
	}
}

func (s *Scorer) combine(collected []modelOutcome) ScoreOutcome {
	perModel := models.ModelPredictions{
		Predictions:   make(map[string]models.Label),
		Confidences:   make(map[string]float64),
		Probabilities: make(map[string]models.ClassProbs),
	}
	deg := models.DegradationState{}

	var sumNormal, sumAttack float64
	for _, out := range collected {
		if out.err != nil {
			deg.Failed = append(deg.Failed, out.entry.ModelID)
			s.logger.Warn("model excluded from vote",
				slog.String("model", out.entry.ModelID), slog.Any("error", out.err))
			continue
		}

		total := out.pNormal + out.pAttack
		pNormal := out.pNormal / total
		pAttack := out.pAttack / total

		deg.Responded = append(deg.Responded, out.entry.ModelID)
		perModel.Probabilities[out.entry.ModelID] = models.ClassProbs{Normal: pNormal, Attack: pAttack}
		perModel.Confidences[out.entry.ModelID] = math.Max(pNormal, pAttack)
		if pAttack >= s.opts.AttackCutoff {
			perModel.Predictions[out.entry.ModelID] = models.LabelAttack
		} else {
			perModel.Predictions[out.entry.ModelID] = models.LabelNormal
		}

		w := out.entry.Weight
		sumNormal += w * pNormal
		sumAttack += w * pAttack
	}

	if len(deg.Responded) == 0 {
		return s.unknownOutcome(deg.Failed)
	}

	if len(deg.Failed) == 0 {
		deg.Mode = models.ModeFull
	} else {
		deg.Mode = models.ModeDegraded
	}

	combined := models.ClassProbs{
		Normal: sumNormal / (sumNormal + sumAttack),
		Attack: sumAttack / (sumNormal + sumAttack),
	}

	outcome := ScoreOutcome{Probs: combined, PerModel: perModel, Degradation: deg}
	switch {
	case combined.Attack == combined.Normal:
		outcome.Label = s.opts.TieBreakLabel
		outcome.TieBroken = true
	case combined.Attack >= s.opts.AttackCutoff:
		outcome.Label = models.LabelAttack
	default:
		outcome.Label = models.LabelNormal
	}
	if outcome.Label == models.LabelAttack {
		outcome.Confidence = combined.Attack
	} else {
		outcome.Confidence = combined.Normal
	}
	return outcome
}

func (s *Scorer) unknownOutcome(failed []string) ScoreOutcome {
	return ScoreOutcome{
		Label:      models.LabelUnknown,
		Confidence: 0,
		PerModel: models.ModelPredictions{
			Predictions:   map[string]models.Label{},
			Confidences:   map[string]float64{},
			Probabilities: map[string]models.ClassProbs{},
		},
		Degradation: models.DegradationState{Failed: failed, Mode: models.ModeUnknown},
	}
}
