package classifier

import (
	"encoding/json"
	"fmt"

	"github.com/flowsentry/flowsentry/internal/schema"
)

type memberParams struct {
	Kind       Kind            `json:"kind"`
	Weight     float64         `json:"weight"`
	Parameters json.RawMessage `json:"parameters"`
}

type combinedParams struct {
	Members []memberParams `json:"members"`
}

// combinedModel blends the probability outputs of its inner models with
// fixed member weights. It still satisfies the single PredictProba contract,
// so the ensemble layer treats it like any other model.
type combinedModel struct {
	id      string
	members []Model
	weights []float64
}

func buildCombined(id string, params json.RawMessage, s *schema.Schema) (Model, error) {
	var p combinedParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("combined %s: decode parameters: %w", id, err)
	}
	if len(p.Members) == 0 {
		return nil, fmt.Errorf("combined %s: no members", id)
	}

	model := &combinedModel{id: id}
	var totalWeight float64
	for i, mem := range p.Members {
		if mem.Kind == KindCombined {
			return nil, fmt.Errorf("combined %s: member %d: nesting combined models is not supported", id, i)
		}
		if len(mem.Parameters) == 0 {
			return nil, fmt.Errorf("combined %s: member %d has no parameters", id, i)
		}
		inner, err := Build(&Artifact{
			ModelID:    fmt.Sprintf("%s/%d", id, i),
			Kind:       mem.Kind,
			Version:    "member",
			Parameters: mem.Parameters,
		}, s)
		if err != nil {
			return nil, fmt.Errorf("combined %s: member %d: %w", id, i, err)
		}
		w := mem.Weight
		if w <= 0 {
			w = 1
		}
		model.members = append(model.members, inner)
		model.weights = append(model.weights, w)
		totalWeight += w
	}

	for i := range model.weights {
		model.weights[i] /= totalWeight
	}
	return model, nil
}

func (m *combinedModel) ID() string { return m.id }

func (m *combinedModel) Kind() Kind { return KindCombined }

func (m *combinedModel) PredictProba(vec schema.FeatureVector) (float64, float64, error) {
	var pNormal, pAttack float64
	for i, member := range m.members {
		n, a, err := member.PredictProba(vec)
		if err != nil {
			return 0, 0, fmt.Errorf("combined %s: member %s: %w", m.id, member.ID(), err)
		}
		pNormal += m.weights[i] * n
		pAttack += m.weights[i] * a
	}
	total := pNormal + pAttack
	if total <= 0 {
		return 0, 0, fmt.Errorf("combined %s: degenerate member probabilities", m.id)
	}
	return pNormal / total, pAttack / total, nil
}
