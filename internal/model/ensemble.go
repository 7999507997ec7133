// Package model holds the immutable scoring models: a boosted-tree
// classifier, an isolation forest, and the TreeSHAP kernel over the former.
package model

import (
	"errors"
	"fmt"
	"math"
)

// Node is one node of a regression tree stored as a flat array.
// A node is a leaf when Left is negative. Samples with
// x[Feature] < Threshold go left.
type Node struct {
	Left      int     `json:"left"`
	Right     int     `json:"right"`
	Feature   int     `json:"feature"`
	Threshold float64 `json:"threshold"`
	Value     float64 `json:"value"`
	Cover     float64 `json:"cover"`
}

// IsLeaf reports whether n has no children.
func (n Node) IsLeaf() bool { return n.Left < 0 }

// Tree is a single boosted tree contributing to one output group.
type Tree struct {
	Group int    `json:"group"`
	Nodes []Node `json:"nodes"`
}

// Predict returns the leaf value reached by x.
func (t *Tree) Predict(x []float64) float64 {
	i := 0
	for {
		n := t.Nodes[i]
		if n.IsLeaf() {
			return n.Value
		}
		if x[n.Feature] < n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}

// Ensemble is an additive boosted-tree classifier. With one group the
// margin is the log-odds of the fraud class. With two groups the fraud
// log-odds is the difference of group 1 and group 0 margins.
type Ensemble struct {
	FeatureNames []string `json:"feature_names"`
	BaseMargin   float64  `json:"base_margin"`
	NumGroups    int      `json:"num_groups"`
	Trees        []Tree   `json:"trees"`
}

// Validate checks the structural integrity of every tree.
func (e *Ensemble) Validate() error {
	if e.NumGroups != 1 && e.NumGroups != 2 {
		return fmt.Errorf("num_groups must be 1 or 2, got %d", e.NumGroups)
	}
	if len(e.Trees) == 0 {
		return errors.New("ensemble has no trees")
	}
	for ti := range e.Trees {
		t := &e.Trees[ti]
		if t.Group < 0 || t.Group >= e.NumGroups {
			return fmt.Errorf("tree %d: group %d out of range", ti, t.Group)
		}
		if err := validateNodes(len(t.Nodes), len(e.FeatureNames), func(i int) (int, int, int, bool) {
			n := t.Nodes[i]
			return n.Left, n.Right, n.Feature, n.IsLeaf()
		}); err != nil {
			return fmt.Errorf("tree %d: %w", ti, err)
		}
		for ni, n := range t.Nodes {
			if n.Cover <= 0 {
				return fmt.Errorf("tree %d node %d: cover must be positive", ti, ni)
			}
		}
	}
	return nil
}

// validateNodes checks child indices and feature bounds. Children must
// come after their parent, which rules out cycles.
func validateNodes(count, features int, node func(i int) (left, right, feature int, leaf bool)) error {
	if count == 0 {
		return errors.New("tree has no nodes")
	}
	for i := 0; i < count; i++ {
		left, right, feature, leaf := node(i)
		if leaf {
			continue
		}
		if left <= i || right <= i || left >= count || right >= count {
			return fmt.Errorf("node %d: child index out of range", i)
		}
		if feature < 0 || feature >= features {
			return fmt.Errorf("node %d: feature %d out of range", i, feature)
		}
	}
	return nil
}

// Margins returns the raw additive score of every output group.
func (e *Ensemble) Margins(x []float64) []float64 {
	m := make([]float64, e.NumGroups)
	for g := range m {
		m[g] = e.BaseMargin
	}
	for i := range e.Trees {
		t := &e.Trees[i]
		m[t.Group] += t.Predict(x)
	}
	return m
}

// Margin returns the fraud-class log-odds.
func (e *Ensemble) Margin(x []float64) float64 {
	return FraudMargin(e.Margins(x))
}

// PredictProba returns the probability of the fraud class.
func (e *Ensemble) PredictProba(x []float64) float64 {
	return Sigmoid(e.Margin(x))
}

// FraudMargin reduces per-group margins to the fraud-class log-odds.
func FraudMargin(groups []float64) float64 {
	if len(groups) == 2 {
		return groups[1] - groups[0]
	}
	return groups[0]
}

// Sigmoid is the logistic function.
func Sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}
