package engine

import (
	"context"
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/flowsentry/flowsentry/internal/classifier"
	"github.com/flowsentry/flowsentry/internal/models"
	"github.com/flowsentry/flowsentry/internal/registry"
	"github.com/flowsentry/flowsentry/internal/schema"
)

// staticModel returns canned probabilities, optionally failing, panicking,
// or sleeping to exercise the degradation paths.
type staticModel struct {
	id     string
	normal float64
	attack float64
	err    error
	panics bool
	delay  time.Duration
}

func (m *staticModel) ID() string            { return m.id }
func (m *staticModel) Kind() classifier.Kind { return classifier.KindTree }

func (m *staticModel) PredictProba(schema.FeatureVector) (float64, float64, error) {
	if m.panics {
		panic("synthetic fault")
	}
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	return m.normal, m.attack, m.err
}

func testSet(ms ...*staticModel) *registry.ModelSet {
	set := &registry.ModelSet{Generation: 1, LoadedAt: time.Now().UTC()}
	for _, m := range ms {
		set.Entries = append(set.Entries, registry.Entry{
			Model: m, ModelID: m.id, Kind: m.Kind(), Version: "v1", Weight: 1,
		})
	}
	return set
}

func testVector(t *testing.T, overrides map[string]float64) schema.FeatureVector {
	t.Helper()
	raw := map[string]float64{
		"duration":      10,
		"total_packets": 150,
		"total_bytes":   90000,
		"tcp_ratio":     0.8,
		"udp_ratio":     0.15,
		"icmp_ratio":    0.05,
		"serror_rate":   0,
		"rerror_rate":   0,
		"same_srv_rate": 0.4,
		"count":         8,
		"srv_count":     5,
	}
	for k, v := range overrides {
		raw[k] = v
	}
	vec, err := schema.Default().Validate(raw)
	if err != nil {
		t.Fatalf("test vector invalid: %v", err)
	}
	return vec
}

func TestScoreWeightedSoftVote(t *testing.T) {
	set := testSet(
		&staticModel{id: "a", normal: 0.9, attack: 0.1},
		&staticModel{id: "b", normal: 0.2, attack: 0.8},
	)
	set.Entries[0].Weight = 3
	set.Entries[1].Weight = 1

	scorer := NewScorer(nil, ScorerOptions{})
	out := scorer.Score(context.Background(), testVector(t, nil), set)

	// (3*0.9 + 1*0.2) / 4 = 0.725 normal.
	if math.Abs(out.Probs.Normal-0.725) > 1e-9 {
		t.Fatalf("unexpected combined normal probability: %f", out.Probs.Normal)
	}
	if math.Abs(out.Probs.Normal+out.Probs.Attack-1) > 1e-9 {
		t.Fatalf("combined distribution not normalized: %f", out.Probs.Normal+out.Probs.Attack)
	}
	if out.Label != models.LabelNormal || out.Confidence != out.Probs.Normal {
		t.Fatalf("unexpected verdict: %s %f", out.Label, out.Confidence)
	}
	if out.Degradation.Mode != models.ModeFull {
		t.Fatalf("expected full mode, got %s", out.Degradation.Mode)
	}
}

func TestScoreIsDeterministic(t *testing.T) {
	set := testSet(
		&staticModel{id: "a", normal: 0.7, attack: 0.3},
		&staticModel{id: "b", normal: 0.4, attack: 0.6},
		&staticModel{id: "c", normal: 0.1, attack: 0.9},
	)
	scorer := NewScorer(nil, ScorerOptions{})
	vec := testVector(t, nil)

	first := scorer.Score(context.Background(), vec, set)
	for i := 0; i < 20; i++ {
		again := scorer.Score(context.Background(), vec, set)
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("run %d diverged: %+v vs %+v", i, first, again)
		}
	}
}

func TestScoreExcludesFaultedModel(t *testing.T) {
	set := testSet(
		&staticModel{id: "a", normal: 0.9, attack: 0.1},
		&staticModel{id: "b", normal: 0.8, attack: 0.2},
		&staticModel{id: "c", panics: true},
	)
	scorer := NewScorer(nil, ScorerOptions{})
	out := scorer.Score(context.Background(), testVector(t, nil), set)

	if out.Degradation.Mode != models.ModeDegraded {
		t.Fatalf("expected degraded mode, got %s", out.Degradation.Mode)
	}
	if len(out.Degradation.Failed) != 1 || out.Degradation.Failed[0] != "c" {
		t.Fatalf("unexpected failed list: %v", out.Degradation.Failed)
	}
	if _, present := out.PerModel.Probabilities["c"]; present {
		t.Fatalf("faulted model must be absent from the breakdown")
	}
	// Combined from the remaining two equal-weight models.
	if math.Abs(out.Probs.Normal-0.85) > 1e-9 {
		t.Fatalf("unexpected combined normal probability: %f", out.Probs.Normal)
	}
}

func TestScoreExcludesSlowModel(t *testing.T) {
	set := testSet(
		&staticModel{id: "fast", normal: 0.3, attack: 0.7},
		&staticModel{id: "slow", normal: 0.9, attack: 0.1, delay: 200 * time.Millisecond},
	)
	scorer := NewScorer(nil, ScorerOptions{PerModelTimeout: 10 * time.Millisecond})
	out := scorer.Score(context.Background(), testVector(t, nil), set)

	if len(out.Degradation.Failed) != 1 || out.Degradation.Failed[0] != "slow" {
		t.Fatalf("expected slow model excluded, got %v", out.Degradation.Failed)
	}
	if out.Label != models.LabelAttack {
		t.Fatalf("expected attack from the surviving model, got %s", out.Label)
	}
}

func TestScoreZeroModelsFailsOpen(t *testing.T) {
	scorer := NewScorer(nil, ScorerOptions{})
	vec := testVector(t, nil)

	for _, set := range []*registry.ModelSet{nil, testSet(), testSet(&staticModel{id: "x", panics: true})} {
		out := scorer.Score(context.Background(), vec, set)
		if out.Label != models.LabelUnknown || out.Confidence != 0 {
			t.Fatalf("expected unknown/0.0, got %s/%f", out.Label, out.Confidence)
		}
		if out.Degradation.Mode != models.ModeUnknown {
			t.Fatalf("expected unknown mode, got %s", out.Degradation.Mode)
		}
	}
}

func TestScoreTieBreak(t *testing.T) {
	set := testSet(&staticModel{id: "even", normal: 0.5, attack: 0.5})

	out := NewScorer(nil, ScorerOptions{}).Score(context.Background(), testVector(t, nil), set)
	if out.Label != models.LabelNormal || !out.TieBroken {
		t.Fatalf("default tie-break must be normal, got %s (tie=%v)", out.Label, out.TieBroken)
	}

	out = NewScorer(nil, ScorerOptions{TieBreakLabel: models.LabelAttack}).
		Score(context.Background(), testVector(t, nil), set)
	if out.Label != models.LabelAttack || !out.TieBroken {
		t.Fatalf("configured tie-break must be attack, got %s (tie=%v)", out.Label, out.TieBroken)
	}
}

func TestScoreCancelledContextDegrades(t *testing.T) {
	set := testSet(
		&staticModel{id: "slow", normal: 0.9, attack: 0.1, delay: 100 * time.Millisecond},
	)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := NewScorer(nil, ScorerOptions{PerModelTimeout: time.Second}).
		Score(ctx, testVector(t, nil), set)
	if out.Label != models.LabelUnknown {
		t.Fatalf("cancelled request should fail open to unknown, got %s", out.Label)
	}
}

func TestScoreNormalizesSkewedModelOutput(t *testing.T) {
	// A model emitting unnormalized scores still contributes a valid
	// distribution after renormalization.
	set := testSet(&staticModel{id: "skew", normal: 3, attack: 1})
	out := NewScorer(nil, ScorerOptions{}).Score(context.Background(), testVector(t, nil), set)
	if math.Abs(out.Probs.Normal-0.75) > 1e-9 {
		t.Fatalf("expected renormalized 0.75, got %f", out.Probs.Normal)
	}
}
