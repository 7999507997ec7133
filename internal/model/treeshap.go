package model

// TreeSHAP computes exact Shapley contributions for a tree ensemble in
// polynomial time, using node covers as the background distribution.
// It is built once per ensemble and is safe for concurrent use.
type TreeSHAP struct {
	ensemble *Ensemble
	expected []float64
}

// NewTreeSHAP precomputes the expected margin of every output group.
func NewTreeSHAP(e *Ensemble) *TreeSHAP {
	expected := make([]float64, e.NumGroups)
	for g := range expected {
		expected[g] = e.BaseMargin
	}
	for i := range e.Trees {
		t := &e.Trees[i]
		expected[t.Group] += expectedValue(t, 0)
	}
	return &TreeSHAP{ensemble: e, expected: expected}
}

// ExpectedValues returns the expected margin of every group.
func (s *TreeSHAP) ExpectedValues() []float64 {
	out := make([]float64, len(s.expected))
	copy(out, s.expected)
	return out
}

// Contributions returns one slice per group holding the contribution of
// every feature to that group's margin. For each group the contributions
// sum to the margin minus the expected value.
func (s *TreeSHAP) Contributions(x []float64) [][]float64 {
	phi := make([][]float64, s.ensemble.NumGroups)
	for g := range phi {
		phi[g] = make([]float64, len(s.ensemble.FeatureNames))
	}
	for i := range s.ensemble.Trees {
		t := &s.ensemble.Trees[i]
		if t.Nodes[0].IsLeaf() {
			continue
		}
		w := shapWalker{tree: t, x: x, phi: phi[t.Group]}
		w.recurse(0, nil, 1, 1, -1)
	}
	return phi
}

// expectedValue is the cover-weighted mean leaf value below node.
func expectedValue(t *Tree, node int) float64 {
	n := t.Nodes[node]
	if n.IsLeaf() {
		return n.Value
	}
	l, r := t.Nodes[n.Left], t.Nodes[n.Right]
	return (l.Cover*expectedValue(t, n.Left) + r.Cover*expectedValue(t, n.Right)) / n.Cover
}

type pathElement struct {
	feature      int
	zeroFraction float64
	oneFraction  float64
	weight       float64
}

type shapWalker struct {
	tree *Tree
	x    []float64
	phi  []float64
}

func (w *shapWalker) recurse(node int, parent []pathElement, zeroFraction, oneFraction float64, feature int) {
	depth := len(parent)
	path := make([]pathElement, depth+1)
	copy(path, parent)
	extendPath(path, depth, zeroFraction, oneFraction, feature)

	n := w.tree.Nodes[node]
	if n.IsLeaf() {
		for i := 1; i <= depth; i++ {
			el := path[i]
			weight := unwoundPathSum(path, depth, i)
			w.phi[el.feature] += weight * (el.oneFraction - el.zeroFraction) * n.Value
		}
		return
	}

	hot, cold := n.Left, n.Right
	if !(w.x[n.Feature] < n.Threshold) {
		hot, cold = cold, hot
	}
	hotZero := w.tree.Nodes[hot].Cover / n.Cover
	coldZero := w.tree.Nodes[cold].Cover / n.Cover

	// A feature seen higher up is unwound so the split is counted once.
	inZero, inOne := 1.0, 1.0
	for k := 1; k <= depth; k++ {
		if path[k].feature == n.Feature {
			inZero, inOne = path[k].zeroFraction, path[k].oneFraction
			unwindPath(path, depth, k)
			path = path[:depth]
			break
		}
	}

	w.recurse(hot, path, hotZero*inZero, inOne, n.Feature)
	w.recurse(cold, path, coldZero*inZero, 0, n.Feature)
}

func extendPath(path []pathElement, depth int, zeroFraction, oneFraction float64, feature int) {
	path[depth] = pathElement{feature: feature, zeroFraction: zeroFraction, oneFraction: oneFraction}
	if depth == 0 {
		path[depth].weight = 1
	}
	d := float64(depth + 1)
	for i := depth - 1; i >= 0; i-- {
		path[i+1].weight += oneFraction * path[i].weight * float64(i+1) / d
		path[i].weight = zeroFraction * path[i].weight * float64(depth-i) / d
	}
}

func unwindPath(path []pathElement, depth, index int) {
	one := path[index].oneFraction
	zero := path[index].zeroFraction
	next := path[depth].weight
	d := float64(depth + 1)

	for i := depth - 1; i >= 0; i-- {
		if one != 0 {
			tmp := path[i].weight
			path[i].weight = next * d / (float64(i+1) * one)
			next = tmp - path[i].weight*zero*float64(depth-i)/d
		} else {
			path[i].weight = path[i].weight * d / (zero * float64(depth-i))
		}
	}

	for i := index; i < depth; i++ {
		path[i].feature = path[i+1].feature
		path[i].zeroFraction = path[i+1].zeroFraction
		path[i].oneFraction = path[i+1].oneFraction
	}
}

func unwoundPathSum(path []pathElement, depth, index int) float64 {
	one := path[index].oneFraction
	zero := path[index].zeroFraction
	next := path[depth].weight
	d := float64(depth + 1)

	var total float64
	for i := depth - 1; i >= 0; i-- {
		if one != 0 {
			tmp := next * d / (float64(i+1) * one)
			total += tmp
			next = path[i].weight - tmp*zero*float64(depth-i)/d
		} else {
			total += path[i].weight / zero / (float64(depth-i) / d)
		}
	}
	return total
}
