package classifier

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/flowsentry/flowsentry/internal/schema"
)

func mustVector(t *testing.T, overrides map[string]float64) schema.FeatureVector {
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

const treeDoc = `{
	"model_id": "dt-1",
	"kind": "tree",
	"version": "v1",
	"trained_accuracy": 0.96,
	"weight": 1.0,
	"parameters": {
		"nodes": [
			{"feature": "serror_rate", "threshold": 0.5, "left": 1, "right": 2},
			{"leaf": true, "normal": 95, "attack": 5},
			{"leaf": true, "normal": 2, "attack": 98}
		]
	}
}`

const distanceDoc = `{
	"model_id": "knn-1",
	"kind": "distance",
	"version": "v1",
	"trained_accuracy": 0.93,
	"weight": 0.8,
	"parameters": {
		"centroids": [
			{"label": "normal", "means": {"serror_rate": 0.0, "count": 10}, "scales": {"count": 50}},
			{"label": "attack", "means": {"serror_rate": 0.9, "count": 200}, "scales": {"count": 50}}
		]
	}
}`

func buildFromDoc(t *testing.T, doc string) Model {
	t.Helper()
	art, err := ParseArtifact([]byte(doc))
	if err != nil {
		t.Fatalf("parse artifact: %v", err)
	}
	m, err := Build(art, schema.Default())
	if err != nil {
		t.Fatalf("build model: %v", err)
	}
	return m
}

func TestTreeRoutesOnThreshold(t *testing.T) {
	m := buildFromDoc(t, treeDoc)

	n, a, err := m.PredictProba(mustVector(t, nil))
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if n <= a {
		t.Fatalf("expected normal-leaning leaf, got normal=%f attack=%f", n, a)
	}
	if math.Abs(n+a-1) > 1e-9 {
		t.Fatalf("probabilities do not sum to 1: %f", n+a)
	}

	_, a, err = m.PredictProba(mustVector(t, map[string]float64{"serror_rate": 0.8}))
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if a < 0.9 {
		t.Fatalf("expected attack leaf, got attack=%f", a)
	}
}

func TestDistancePrefersNearestCentroid(t *testing.T) {
	m := buildFromDoc(t, distanceDoc)

	n, a, err := m.PredictProba(mustVector(t, map[string]float64{"count": 12}))
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if n <= a {
		t.Fatalf("benign vector should sit near the normal centroid: normal=%f attack=%f", n, a)
	}

	n, a, err = m.PredictProba(mustVector(t, map[string]float64{"serror_rate": 0.9, "count": 190}))
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if a <= n {
		t.Fatalf("scan-like vector should sit near the attack centroid: normal=%f attack=%f", n, a)
	}
}

func TestCombinedBlendsMembers(t *testing.T) {
	doc := `{
		"model_id": "ens-1",
		"kind": "combined",
		"version": "v1",
		"trained_accuracy": 0.95,
		"parameters": {
			"members": [
				{"kind": "tree", "weight": 0.6, "parameters": {"nodes": [
					{"feature": "serror_rate", "threshold": 0.5, "left": 1, "right": 2},
					{"leaf": true, "normal": 9, "attack": 1},
					{"leaf": true, "normal": 1, "attack": 9}
				]}},
				{"kind": "distance", "weight": 0.4, "parameters": {"centroids": [
					{"label": "normal", "means": {"count": 10}, "scales": {"count": 50}},
					{"label": "attack", "means": {"count": 200}, "scales": {"count": 50}}
				]}}
			]
		}
	}`
	m := buildFromDoc(t, doc)

	n, a, err := m.PredictProba(mustVector(t, nil))
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if math.Abs(n+a-1) > 1e-9 {
		t.Fatalf("blend not renormalized: %f", n+a)
	}
	if n <= a {
		t.Fatalf("benign vector misclassified by blend: normal=%f attack=%f", n, a)
	}
}

func TestParseArtifactRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"missing model_id": `{"kind": "tree", "version": "v1", "parameters": {"nodes": []}}`,
		"bad kind":         `{"model_id": "x", "kind": "svm", "version": "v1", "parameters": {}}`,
		"missing version":  `{"model_id": "x", "kind": "tree", "parameters": {"nodes": []}}`,
		"bad accuracy":     `{"model_id": "x", "kind": "tree", "version": "v1", "trained_accuracy": 1.5, "parameters": {"nodes": []}}`,
		"negative weight":  `{"model_id": "x", "kind": "tree", "version": "v1", "weight": -1, "parameters": {"nodes": []}}`,
		"no parameters":    `{"model_id": "x", "kind": "tree", "version": "v1"}`,
		"not json":         `{nope`,
	}
	for name, doc := range cases {
		if _, err := ParseArtifact([]byte(doc)); err == nil {
			t.Fatalf("case %q: expected parse error", name)
		}
	}
}

func TestBuildRejectsBadStructures(t *testing.T) {
	s := schema.Default()
	cases := map[string]Artifact{
		"tree unknown feature": {ModelID: "x", Kind: KindTree, Version: "v1",
			Parameters: json.RawMessage(`{"nodes": [{"feature": "nope", "threshold": 1, "left": 1, "right": 2}, {"leaf": true, "normal": 1}, {"leaf": true, "attack": 1}]}`)},
		"tree child out of range": {ModelID: "x", Kind: KindTree, Version: "v1",
			Parameters: json.RawMessage(`{"nodes": [{"feature": "count", "threshold": 1, "left": 5, "right": 1}, {"leaf": true, "normal": 1}]}`)},
		"tree empty leaf": {ModelID: "x", Kind: KindTree, Version: "v1",
			Parameters: json.RawMessage(`{"nodes": [{"leaf": true}]}`)},
		"distance one class": {ModelID: "x", Kind: KindDistance, Version: "v1",
			Parameters: json.RawMessage(`{"centroids": [{"label": "normal", "means": {"count": 1}}]}`)},
		"distance bad label": {ModelID: "x", Kind: KindDistance, Version: "v1",
			Parameters: json.RawMessage(`{"centroids": [{"label": "weird", "means": {"count": 1}}]}`)},
		"combined nested": {ModelID: "x", Kind: KindCombined, Version: "v1",
			Parameters: json.RawMessage(`{"members": [{"kind": "combined", "parameters": {"members": []}}]}`)},
	}
	for name, art := range cases {
		if _, err := Build(&art, s); err == nil {
			t.Fatalf("case %q: expected build error", name)
		}
	}
}

func TestEffectiveWeightFallsBackToAccuracy(t *testing.T) {
	a := Artifact{Weight: 0, TrainedAccuracy: 0.9}
	if a.EffectiveWeight() != 0.9 {
		t.Fatalf("expected accuracy fallback, got %f", a.EffectiveWeight())
	}
	a = Artifact{Weight: 1.4, TrainedAccuracy: 0.9}
	if a.EffectiveWeight() != 1.4 {
		t.Fatalf("expected explicit weight, got %f", a.EffectiveWeight())
	}
	a = Artifact{}
	if a.EffectiveWeight() != 1 {
		t.Fatalf("expected default weight 1, got %f", a.EffectiveWeight())
	}
}
