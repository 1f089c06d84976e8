package classifier

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/flowsentry/flowsentry/internal/models"
	"github.com/flowsentry/flowsentry/internal/schema"
)

// distanceEpsilon keeps inverse-distance weights finite for exact matches.
const distanceEpsilon = 1e-6

type centroidParams struct {
	Label  string             `json:"label"`
	Means  map[string]float64 `json:"means"`
	Scales map[string]float64 `json:"scales,omitempty"`
}

type distanceParams struct {
	Centroids []centroidParams `json:"centroids"`
}

// distanceModel scores a vector by inverse scaled distance to labeled
// centroids. Class probability is the weight share of that class across all
// centroids, the same aggregation the proximity voting literature uses.
type distanceModel struct {
	id        string
	centroids []resolvedCentroid
}

type resolvedCentroid struct {
	attack  bool
	indices []int
	means   []float64
	scales  []float64
}

func buildDistance(id string, params json.RawMessage, s *schema.Schema) (Model, error) {
	var p distanceParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("distance %s: decode parameters: %w", id, err)
	}
	if len(p.Centroids) == 0 {
		return nil, fmt.Errorf("distance %s: no centroids", id)
	}

	var haveNormal, haveAttack bool
	resolved := make([]resolvedCentroid, 0, len(p.Centroids))
	for i, c := range p.Centroids {
		var attack bool
		switch models.Label(c.Label) {
		case models.LabelNormal:
		case models.LabelAttack:
			attack = true
		default:
			return nil, fmt.Errorf("distance %s: centroid %d has unsupported label %q", id, i, c.Label)
		}
		if len(c.Means) == 0 {
			return nil, fmt.Errorf("distance %s: centroid %d has no means", id, i)
		}

		names := make([]string, 0, len(c.Means))
		for name := range c.Means {
			names = append(names, name)
		}
		sort.Strings(names)

		rc := resolvedCentroid{attack: attack}
		for _, name := range names {
			idx, ok := s.Index(name)
			if !ok {
				return nil, fmt.Errorf("distance %s: centroid %d references unknown feature %q", id, i, name)
			}
			scale := c.Scales[name]
			if scale <= 0 {
				scale = 1
			}
			rc.indices = append(rc.indices, idx)
			rc.means = append(rc.means, c.Means[name])
			rc.scales = append(rc.scales, scale)
		}

		if attack {
			haveAttack = true
		} else {
			haveNormal = true
		}
		resolved = append(resolved, rc)
	}

	if !haveNormal || !haveAttack {
		return nil, fmt.Errorf("distance %s: centroids must cover both classes", id)
	}

	return &distanceModel{id: id, centroids: resolved}, nil
}

func (m *distanceModel) ID() string { return m.id }

func (m *distanceModel) Kind() Kind { return KindDistance }

func (m *distanceModel) PredictProba(vec schema.FeatureVector) (float64, float64, error) {
	var totalWeight, attackWeight float64
	for _, c := range m.centroids {
		d := c.distance(vec)
		w := 1 / (d + distanceEpsilon)
		totalWeight += w
		if c.attack {
			attackWeight += w
		}
	}
	if totalWeight <= 0 {
		return 0, 0, fmt.Errorf("distance %s: zero total weight", m.id)
	}
	pAttack := attackWeight / totalWeight
	return 1 - pAttack, pAttack, nil
}

// distance is the root-mean scaled euclidean distance to the centroid over
// the features the centroid declares.
func (c resolvedCentroid) distance(vec schema.FeatureVector) float64 {
	var sum float64
	for i, idx := range c.indices {
		diff := (vec.At(idx) - c.means[i]) / c.scales[i]
		sum += diff * diff
	}
	return math.Sqrt(sum / float64(len(c.indices)))
}
