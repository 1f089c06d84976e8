package schema

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/flowsentry/flowsentry/internal/models"
)

func validFlow() map[string]float64 {
	return map[string]float64{
		"duration":        12,
		"total_packets":   150,
		"total_bytes":     98000,
		"packets_per_sec": 12.5,
		"tcp_ratio":       0.8,
		"udp_ratio":       0.15,
		"icmp_ratio":      0.05,
		"serror_rate":     0,
		"rerror_rate":     0,
		"same_srv_rate":   0.4,
		"count":           8,
		"srv_count":       5,
	}
}

func TestValidateCanonicalVector(t *testing.T) {
	s := Default()

	vec, err := s.Validate(validFlow())
	if err != nil {
		t.Fatalf("expected valid vector, got %v", err)
	}
	if vec.Len() != s.Len() {
		t.Fatalf("expected %d values, got %d", s.Len(), vec.Len())
	}
	if v, ok := vec.Value("tcp_ratio"); !ok || v != 0.8 {
		t.Fatalf("unexpected tcp_ratio: %v (ok=%v)", v, ok)
	}
	// Absent optional fields default to their minimum.
	if v, ok := vec.Value("dst_host_count"); !ok || v != 0 {
		t.Fatalf("expected default 0 for dst_host_count, got %v", v)
	}
	if vec.SchemaVersion() != "flow-v1" {
		t.Fatalf("unexpected schema version %q", vec.SchemaVersion())
	}
}

func TestValidateMissingFeatureNamesField(t *testing.T) {
	s := Default()
	raw := validFlow()
	delete(raw, "serror_rate")

	_, err := s.Validate(raw)
	var verr *models.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if verr.Field != "serror_rate" || verr.Code != models.CodeMissingFeature {
		t.Fatalf("unexpected validation error: %+v", verr)
	}
}

func TestValidateRejectsNonFinite(t *testing.T) {
	s := Default()
	for _, bad := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		raw := validFlow()
		raw["count"] = bad

		_, err := s.Validate(raw)
		var verr *models.ValidationError
		if !errors.As(err, &verr) || verr.Code != models.CodeNotFinite {
			t.Fatalf("expected not_finite error for %v, got %v", bad, err)
		}
	}
}

func TestValidateRejectsOutOfRange(t *testing.T) {
	s := Default()
	raw := validFlow()
	raw["serror_rate"] = 1.4

	_, err := s.Validate(raw)
	var verr *models.ValidationError
	if !errors.As(err, &verr) || verr.Code != models.CodeOutOfRange || verr.Field != "serror_rate" {
		t.Fatalf("expected out_of_range on serror_rate, got %v", err)
	}
}

func TestValidateRejectsUnknownFeature(t *testing.T) {
	s := Default()
	raw := validFlow()
	raw["bogus_feature"] = 1

	_, err := s.Validate(raw)
	var verr *models.ValidationError
	if !errors.As(err, &verr) || verr.Code != models.CodeUnknownFeature || verr.Field != "bogus_feature" {
		t.Fatalf("expected unknown_feature error, got %v", err)
	}
}

func TestValidateRatioGroupSum(t *testing.T) {
	s := Default()
	raw := validFlow()
	raw["tcp_ratio"] = 0.9 // protocol group now sums to 1.1

	_, err := s.Validate(raw)
	var verr *models.ValidationError
	if !errors.As(err, &verr) || verr.Code != models.CodeRatioSum {
		t.Fatalf("expected ratio_sum error, got %v", err)
	}
}

func TestValidateIsPure(t *testing.T) {
	s := Default()
	raw := validFlow()
	before := len(raw)

	if _, err := s.Validate(raw); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(raw) != before {
		t.Fatalf("validate mutated the input map")
	}
}

func TestLoadSchemaFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "schema.yaml")
	doc := `
version: custom-v2
allowUnknown: true
ratioTolerance: 0.05
fields:
  - name: a
    min: 0
    max: 10
    required: true
  - name: b
    min: 0
    max: 1
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write schema: %v", err)
	}

	s, err := Load(path)
	if err != nil {
		t.Fatalf("load schema: %v", err)
	}
	if s.Version != "custom-v2" || s.Len() != 2 {
		t.Fatalf("unexpected schema: %+v", s)
	}

	// allowUnknown tolerates extra keys without adding them to the vector.
	vec, err := s.Validate(map[string]float64{"a": 5, "extra": 99})
	if err != nil {
		t.Fatalf("expected extra key to be tolerated, got %v", err)
	}
	if _, ok := vec.Value("extra"); ok {
		t.Fatalf("extra key leaked into canonical vector")
	}
}
