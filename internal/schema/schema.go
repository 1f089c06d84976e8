package schema

import (
	"fmt"
	"math"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/flowsentry/flowsentry/internal/models"
)

// Field declares one named feature with its valid range. Fields belonging to
// the same RatioGroup must sum to 1.0 within the schema tolerance.
type Field struct {
	Name       string  `yaml:"name"`
	Min        float64 `yaml:"min"`
	Max        float64 `yaml:"max"`
	Required   bool    `yaml:"required"`
	RatioGroup string  `yaml:"ratioGroup,omitempty"`
}

// Schema is the versioned feature contract every inbound vector is checked
// against. It is declared once at boot and shared read-only by all requests.
type Schema struct {
	Version        string  `yaml:"version"`
	AllowUnknown   bool    `yaml:"allowUnknown"`
	RatioTolerance float64 `yaml:"ratioTolerance"`
	Fields         []Field `yaml:"fields"`

	index map[string]int
}

// Load reads a schema definition from a YAML file.
func Load(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	var s Schema
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	if err := s.finalize(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Default returns the built-in flow-v1 schema covering the NSL-KDD style
// flow descriptors produced by the capture front end.
func Default() *Schema {
	s := &Schema{
		Version:        "flow-v1",
		RatioTolerance: 0.01,
		Fields: []Field{
			{Name: "duration", Min: 0, Max: 86400, Required: true},
			{Name: "total_packets", Min: 0, Max: 1e9, Required: true},
			{Name: "total_bytes", Min: 0, Max: 1e12, Required: true},
			{Name: "packets_per_sec", Min: 0, Max: 1e7},
			{Name: "tcp_ratio", Min: 0, Max: 1, Required: true, RatioGroup: "protocol"},
			{Name: "udp_ratio", Min: 0, Max: 1, Required: true, RatioGroup: "protocol"},
			{Name: "icmp_ratio", Min: 0, Max: 1, Required: true, RatioGroup: "protocol"},
			{Name: "serror_rate", Min: 0, Max: 1, Required: true},
			{Name: "rerror_rate", Min: 0, Max: 1, Required: true},
			{Name: "same_srv_rate", Min: 0, Max: 1, Required: true},
			{Name: "count", Min: 0, Max: 1e6, Required: true},
			{Name: "srv_count", Min: 0, Max: 1e6, Required: true},
			{Name: "dst_host_count", Min: 0, Max: 1e6},
			{Name: "land", Min: 0, Max: 1},
			{Name: "urgent", Min: 0, Max: 1e3},
		},
	}
	if err := s.finalize(); err != nil {
		// The built-in schema is fixed at compile time.
		panic(err)
	}
	return s
}

func (s *Schema) finalize() error {
	if s.Version == "" {
		return fmt.Errorf("schema version is required")
	}
	if len(s.Fields) == 0 {
		return fmt.Errorf("schema %s declares no fields", s.Version)
	}
	if s.RatioTolerance <= 0 {
		s.RatioTolerance = 0.01
	}
	s.index = make(map[string]int, len(s.Fields))
	for i, f := range s.Fields {
		if f.Name == "" {
			return fmt.Errorf("schema %s: field %d has no name", s.Version, i)
		}
		if f.Max < f.Min {
			return fmt.Errorf("schema %s: field %s has max < min", s.Version, f.Name)
		}
		if _, dup := s.index[f.Name]; dup {
			return fmt.Errorf("schema %s: duplicate field %s", s.Version, f.Name)
		}
		s.index[f.Name] = i
	}
	return nil
}

// Index resolves a feature name to its position in canonical vectors.
func (s *Schema) Index(name string) (int, bool) {
	i, ok := s.index[name]
	return i, ok
}

// Len returns the number of declared fields.
func (s *Schema) Len() int { return len(s.Fields) }

// Validate checks a raw name->value mapping against the schema and returns a
// canonical FeatureVector. It is pure: neither the schema nor the input map
// is modified. The first violation in schema order is reported.
func (s *Schema) Validate(raw map[string]float64) (FeatureVector, error) {
	values := make([]float64, len(s.Fields))

	for i, f := range s.Fields {
		v, ok := raw[f.Name]
		if !ok {
			if f.Required {
				return FeatureVector{}, models.NewValidationError(f.Name, models.CodeMissingFeature,
					"required feature is missing")
			}
			values[i] = f.Min
			continue
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return FeatureVector{}, models.NewValidationError(f.Name, models.CodeNotFinite,
				"value must be finite")
		}
		if v < f.Min || v > f.Max {
			return FeatureVector{}, models.NewValidationError(f.Name, models.CodeOutOfRange,
				"value %g outside [%g, %g]", v, f.Min, f.Max)
		}
		values[i] = v
	}

	if !s.AllowUnknown {
		if unknown := s.unknownKeys(raw); len(unknown) > 0 {
			return FeatureVector{}, models.NewValidationError(unknown[0], models.CodeUnknownFeature,
				"feature is not part of schema %s", s.Version)
		}
	}

	if err := s.checkRatioGroups(raw, values); err != nil {
		return FeatureVector{}, err
	}

	return FeatureVector{schema: s, values: values}, nil
}

func (s *Schema) unknownKeys(raw map[string]float64) []string {
	var unknown []string
	for name := range raw {
		if _, ok := s.index[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	sort.Strings(unknown)
	return unknown
}

func (s *Schema) checkRatioGroups(raw map[string]float64, values []float64) error {
	sums := make(map[string]float64)
	supplied := make(map[string]bool)
	for i, f := range s.Fields {
		if f.RatioGroup == "" {
			continue
		}
		sums[f.RatioGroup] += values[i]
		if _, ok := raw[f.Name]; ok || f.Required {
			supplied[f.RatioGroup] = true
		}
	}

	groups := make([]string, 0, len(sums))
	for g := range sums {
		groups = append(groups, g)
	}
	sort.Strings(groups)

	for _, g := range groups {
		if !supplied[g] {
			continue
		}
		if math.Abs(sums[g]-1.0) > s.RatioTolerance {
			return models.NewValidationError(g, models.CodeRatioSum,
				"ratio group sums to %.4f, expected 1.0 within %.4f", sums[g], s.RatioTolerance)
		}
	}
	return nil
}

// FeatureVector is a validated, canonically ordered flow descriptor. It is
// immutable and owned by the request that built it.
type FeatureVector struct {
	schema *Schema
	values []float64
}

// Len returns the vector dimension.
func (v FeatureVector) Len() int { return len(v.values) }

// At returns the value at a schema position.
func (v FeatureVector) At(i int) float64 { return v.values[i] }

// Value looks a feature up by name.
func (v FeatureVector) Value(name string) (float64, bool) {
	if v.schema == nil {
		return 0, false
	}
	i, ok := v.schema.Index(name)
	if !ok {
		return 0, false
	}
	return v.values[i], true
}

// Values returns a copy of the canonical value slice.
func (v FeatureVector) Values() []float64 {
	return append([]float64(nil), v.values...)
}

// SchemaVersion names the schema the vector was validated against.
func (v FeatureVector) SchemaVersion() string {
	if v.schema == nil {
		return ""
	}
	return v.schema.Version
}
