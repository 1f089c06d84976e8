package classifier

import "github.com/flowsentry/flowsentry/internal/schema"

// Kind enumerates the closed set of supported classifier families.
type Kind string

const (
	KindTree     Kind = "tree"
	KindDistance Kind = "distance"
	KindCombined Kind = "combined"
)

// Valid reports whether the kind is one of the supported families.
func (k Kind) Valid() bool {
	switch k {
	case KindTree, KindDistance, KindCombined:
		return true
	}
	return false
}

// Model is the single contract every classifier family exposes. Callers
// combine probabilities without ever branching on the concrete kind.
// Implementations are stateless at inference time and safe for concurrent use.
type Model interface {
	ID() string
	Kind() Kind

	// PredictProba returns the two-class probability pair (normal, attack)
	// for a validated feature vector. The pair sums to 1.
	PredictProba(vec schema.FeatureVector) (normal, attack float64, err error)
}
