package classifier

import (
	"encoding/json"
	"fmt"

	"github.com/flowsentry/flowsentry/internal/schema"
)

// Artifact is the serialized form a trained classifier arrives in. The
// training pipeline owns its production; this side only validates structure
// and builds the in-memory model.
type Artifact struct {
	ModelID         string          `json:"model_id"`
	Kind            Kind            `json:"kind"`
	Version         string          `json:"version"`
	TrainedAccuracy float64         `json:"trained_accuracy"`
	Weight          float64         `json:"weight"`
	Parameters      json.RawMessage `json:"parameters"`
}

// ParseArtifact decodes and structurally validates an artifact document.
func ParseArtifact(data []byte) (*Artifact, error) {
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decode artifact: %w", err)
	}
	if a.ModelID == "" {
		return nil, fmt.Errorf("artifact missing model_id")
	}
	if !a.Kind.Valid() {
		return nil, fmt.Errorf("artifact %s: unsupported kind %q", a.ModelID, a.Kind)
	}
	if a.Version == "" {
		return nil, fmt.Errorf("artifact %s: missing version", a.ModelID)
	}
	if a.TrainedAccuracy < 0 || a.TrainedAccuracy > 1 {
		return nil, fmt.Errorf("artifact %s: trained_accuracy %g outside [0,1]", a.ModelID, a.TrainedAccuracy)
	}
	if a.Weight < 0 {
		return nil, fmt.Errorf("artifact %s: negative weight %g", a.ModelID, a.Weight)
	}
	if len(a.Parameters) == 0 {
		return nil, fmt.Errorf("artifact %s: missing parameters", a.ModelID)
	}
	return &a, nil
}

// EffectiveWeight resolves the voting weight: the explicit artifact weight
// when positive, otherwise the training accuracy, otherwise 1. The weighting
// scheme is artifact data, never a constant baked in here.
func (a *Artifact) EffectiveWeight() float64 {
	if a.Weight > 0 {
		return a.Weight
	}
	if a.TrainedAccuracy > 0 {
		return a.TrainedAccuracy
	}
	return 1
}

// Build constructs the in-memory model for the artifact, resolving feature
// names against the schema. A build failure rejects the artifact as a whole.
func Build(a *Artifact, s *schema.Schema) (Model, error) {
	switch a.Kind {
	case KindTree:
		return buildTree(a.ModelID, a.Parameters, s)
	case KindDistance:
		return buildDistance(a.ModelID, a.Parameters, s)
	case KindCombined:
		return buildCombined(a.ModelID, a.Parameters, s)
	default:
		return nil, fmt.Errorf("artifact %s: unsupported kind %q", a.ModelID, a.Kind)
	}
}
