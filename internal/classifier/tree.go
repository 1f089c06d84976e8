package classifier

import (
	"encoding/json"
	"fmt"

	"github.com/flowsentry/flowsentry/internal/schema"
)

// treeNode is one node of a flattened binary decision tree. Internal nodes
// route on feature < threshold; leaves carry training class counts.
type treeNode struct {
	Feature   string  `json:"feature,omitempty"`
	Threshold float64 `json:"threshold,omitempty"`
	Left      int     `json:"left,omitempty"`
	Right     int     `json:"right,omitempty"`
	Leaf      bool    `json:"leaf,omitempty"`
	Normal    float64 `json:"normal,omitempty"`
	Attack    float64 `json:"attack,omitempty"`
}

type treeParams struct {
	Nodes []treeNode `json:"nodes"`
}

// treeModel evaluates a decision tree over canonical vector positions.
type treeModel struct {
	id    string
	nodes []resolvedNode
}

type resolvedNode struct {
	featureIdx int
	threshold  float64
	left       int
	right      int
	leaf       bool
	pNormal    float64
	pAttack    float64
}

func buildTree(id string, params json.RawMessage, s *schema.Schema) (Model, error) {
	var p treeParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("tree %s: decode parameters: %w", id, err)
	}
	if len(p.Nodes) == 0 {
		return nil, fmt.Errorf("tree %s: no nodes", id)
	}

	resolved := make([]resolvedNode, len(p.Nodes))
	for i, n := range p.Nodes {
		if n.Leaf {
			total := n.Normal + n.Attack
			if total <= 0 {
				return nil, fmt.Errorf("tree %s: leaf %d has no class counts", id, i)
			}
			resolved[i] = resolvedNode{leaf: true, pNormal: n.Normal / total, pAttack: n.Attack / total}
			continue
		}
		idx, ok := s.Index(n.Feature)
		if !ok {
			return nil, fmt.Errorf("tree %s: node %d references unknown feature %q", id, i, n.Feature)
		}
		if n.Left <= 0 || n.Left >= len(p.Nodes) || n.Right <= 0 || n.Right >= len(p.Nodes) {
			return nil, fmt.Errorf("tree %s: node %d has child index out of range", id, i)
		}
		resolved[i] = resolvedNode{featureIdx: idx, threshold: n.Threshold, left: n.Left, right: n.Right}
	}

	return &treeModel{id: id, nodes: resolved}, nil
}

func (m *treeModel) ID() string { return m.id }

func (m *treeModel) Kind() Kind { return KindTree }

func (m *treeModel) PredictProba(vec schema.FeatureVector) (float64, float64, error) {
	cur := 0
	// A well-formed tree reaches a leaf in fewer steps than it has nodes;
	// the bound guards against cyclic artifacts.
	for steps := 0; steps < len(m.nodes); steps++ {
		node := m.nodes[cur]
		if node.leaf {
			return node.pNormal, node.pAttack, nil
		}
		if vec.At(node.featureIdx) < node.threshold {
			cur = node.left
		} else {
			cur = node.right
		}
	}
	return 0, 0, fmt.Errorf("tree %s: no leaf reached (cyclic nodes)", m.id)
}
