package model

import (
	"errors"
	"fmt"
	"math"
)

const eulerGamma = 0.5772156649015329

// IsoNode is one node of an isolation tree. Leaves record how many
// training samples reached them.
type IsoNode struct {
	Left      int     `json:"left"`
	Right     int     `json:"right"`
	Feature   int     `json:"feature"`
	Threshold float64 `json:"threshold"`
	Size      int     `json:"size"`
}

// IsLeaf reports whether n has no children.
func (n IsoNode) IsLeaf() bool { return n.Left < 0 }

// IsoTree is a single isolation tree.
type IsoTree struct {
	Nodes []IsoNode `json:"nodes"`
}

// PathLength returns the adjusted depth at which x is isolated.
func (t *IsoTree) PathLength(x []float64) float64 {
	i, depth := 0, 0
	for {
		n := t.Nodes[i]
		if n.IsLeaf() {
			return float64(depth) + AveragePathLength(n.Size)
		}
		if x[n.Feature] < n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
		depth++
	}
}

// IsolationForest scores how easily a point is isolated. Scores lie in
// (0, 1]; higher is more anomalous. Threshold is fixed at fit time from
// the contamination rate.
type IsolationForest struct {
	FeatureNames  []string  `json:"feature_names"`
	SampleSize    int       `json:"sample_size"`
	Threshold     float64   `json:"threshold"`
	Contamination float64   `json:"contamination"`
	Trees         []IsoTree `json:"trees"`
}

// Validate checks the structural integrity of every tree.
func (f *IsolationForest) Validate() error {
	if len(f.Trees) == 0 {
		return errors.New("isolation forest has no trees")
	}
	if f.SampleSize < 2 {
		return fmt.Errorf("sample_size must be at least 2, got %d", f.SampleSize)
	}
	if f.Threshold <= 0 || f.Threshold > 1 {
		return fmt.Errorf("threshold must be in (0, 1], got %g", f.Threshold)
	}
	for ti := range f.Trees {
		t := &f.Trees[ti]
		if err := validateNodes(len(t.Nodes), len(f.FeatureNames), func(i int) (int, int, int, bool) {
			n := t.Nodes[i]
			return n.Left, n.Right, n.Feature, n.IsLeaf()
		}); err != nil {
			return fmt.Errorf("tree %d: %w", ti, err)
		}
	}
	return nil
}

// Score returns the anomaly score 2^(-E[h(x)]/c(n)).
func (f *IsolationForest) Score(x []float64) float64 {
	var total float64
	for i := range f.Trees {
		total += f.Trees[i].PathLength(x)
	}
	mean := total / float64(len(f.Trees))
	return math.Pow(2, -mean/AveragePathLength(f.SampleSize))
}

// IsAnomaly scores x and compares it with the fitted threshold.
func (f *IsolationForest) IsAnomaly(x []float64) (float64, bool) {
	s := f.Score(x)
	return s, s > f.Threshold
}

// AveragePathLength is c(n), the expected path length of an unsuccessful
// search in a binary search tree of n points.
func AveragePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+eulerGamma) - 2*(fn-1)/fn
}
