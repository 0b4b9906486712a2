package service

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
)

// boostedTrees is a gradient-boosted binary classifier loaded from a JSON
// artifact exported at training time. Each tree is a binary decision tree;
// the ensemble margin is the base-score logit plus the sum of leaf values,
// mapped through a sigmoid to a probability.
type boostedTrees struct {
	BaseScore float64     `json:"base_score"`
	Trees     []*treeNode `json:"trees"`
}

// treeNode is either an internal split (Left and Right set) or a leaf
// (Leaf set). A feature value below or equal to the threshold goes left.
type treeNode struct {
	Feature   int      `json:"feature"`
	Threshold float64  `json:"threshold"`
	Left      *treeNode `json:"left,omitempty"`
	Right     *treeNode `json:"right,omitempty"`
	Leaf      *float64  `json:"leaf,omitempty"`
}

// loadBoostedTrees reads and validates a model artifact
func loadBoostedTrees(path string) (*boostedTrees, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var model boostedTrees
	if err := json.Unmarshal(data, &model); err != nil {
		return nil, fmt.Errorf("failed to parse risk model: %w", err)
	}
	if len(model.Trees) == 0 {
		return nil, fmt.Errorf("risk model has no trees")
	}
	if model.BaseScore <= 0 || model.BaseScore >= 1 {
		model.BaseScore = 0.5
	}

	return &model, nil
}

// predict returns the positive-class probability for a feature vector
func (m *boostedTrees) predict(features []float64) float64 {
	margin := math.Log(m.BaseScore / (1 - m.BaseScore))
	for _, tree := range m.Trees {
		margin += tree.score(features)
	}
	return 1 / (1 + math.Exp(-margin))
}

// score walks one tree to its leaf value
func (n *treeNode) score(features []float64) float64 {
	node := n
	for node.Leaf == nil {
		var value float64
		if node.Feature >= 0 && node.Feature < len(features) {
			value = features[node.Feature]
		}
		if value <= node.Threshold {
			if node.Left == nil {
				return 0
			}
			node = node.Left
		} else {
			if node.Right == nil {
				return 0
			}
			node = node.Right
		}
	}
	return *node.Leaf
}
