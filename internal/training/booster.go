package training

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/opensource-finance/aegisflow/internal/model"
)

// BoosterParams configures gradient boosting with the logistic loss.
type BoosterParams struct {
	Trees          int     `yaml:"trees"`
	LearningRate   float64 `yaml:"learning_rate"`
	MaxDepth       int     `yaml:"max_depth"`
	Lambda         float64 `yaml:"lambda"`
	MinChildWeight float64 `yaml:"min_child_weight"`
	Gamma          float64 `yaml:"gamma"`
	MaxBins        int     `yaml:"max_bins"`
}

// DefaultBoosterParams returns 100 trees of depth 5 at learning rate 0.1.
func DefaultBoosterParams() BoosterParams {
	return BoosterParams{
		Trees:          100,
		LearningRate:   0.1,
		MaxDepth:       5,
		Lambda:         1,
		MinChildWeight: 1,
		MaxBins:        256,
	}
}

const minHessian = 1e-16

// FitBooster fits a single-group boosted ensemble on rows with binary
// labels. Splits are searched over per-feature quantile bins.
func FitBooster(rows [][]float64, labels []bool, names []string, params BoosterParams) (*model.Ensemble, error) {
	n := len(rows)
	if n == 0 {
		return nil, errors.New("cannot fit booster on empty corpus")
	}
	if len(labels) != n {
		return nil, fmt.Errorf("got %d labels for %d rows", len(labels), n)
	}
	if params.Trees <= 0 || params.MaxDepth <= 0 || params.LearningRate <= 0 {
		return nil, errors.New("trees, max_depth and learning_rate must be positive")
	}

	y := make([]float64, n)
	var positives float64
	for i, l := range labels {
		if l {
			y[i] = 1
			positives++
		}
	}
	prior := math.Min(math.Max(positives/float64(n), 1e-6), 1-1e-6)
	base := math.Log(prior / (1 - prior))

	bins := newBinner(rows, len(names), params.MaxBins)

	margin := make([]float64, n)
	for i := range margin {
		margin[i] = base
	}
	grad := make([]float64, n)
	hess := make([]float64, n)
	all := make([]int, n)
	for i := range all {
		all[i] = i
	}

	e := &model.Ensemble{
		FeatureNames: names,
		BaseMargin:   base,
		NumGroups:    1,
	}
	for t := 0; t < params.Trees; t++ {
		for i := range margin {
			p := model.Sigmoid(margin[i])
			grad[i] = p - y[i]
			hess[i] = math.Max(p*(1-p), minHessian)
		}

		b := &treeBuilder{bins: bins, grad: grad, hess: hess, params: params}
		b.grow(all, 0)
		tree := model.Tree{Nodes: b.nodes}
		e.Trees = append(e.Trees, tree)

		for i, row := range rows {
			margin[i] += tree.Predict(row)
		}
	}
	return e, nil
}

// binner maps each feature value to a bin index. thresholds[f][k] is the
// boundary between bin k and bin k+1; values below it fall in bins <= k.
type binner struct {
	thresholds [][]float64
	codes      [][]uint16 // codes[f][row]
}

func newBinner(rows [][]float64, features, maxBins int) *binner {
	if maxBins < 2 || maxBins > math.MaxUint16 {
		maxBins = 256
	}
	b := &binner{
		thresholds: make([][]float64, features),
		codes:      make([][]uint16, features),
	}
	col := make([]float64, len(rows))
	for f := 0; f < features; f++ {
		for i, row := range rows {
			col[i] = row[f]
		}
		sorted := append([]float64(nil), col...)
		sort.Float64s(sorted)
		b.thresholds[f] = cutPoints(sorted, maxBins)

		codes := make([]uint16, len(rows))
		for i, v := range col {
			codes[i] = uint16(binOf(b.thresholds[f], v))
		}
		b.codes[f] = codes
	}
	return b
}

// cutPoints returns at most maxBins-1 midpoints between distinct values,
// placed at quantiles of the sorted column.
func cutPoints(sorted []float64, maxBins int) []float64 {
	distinct := sorted[:0:0]
	for i, v := range sorted {
		if i == 0 || v != sorted[i-1] {
			distinct = append(distinct, v)
		}
	}
	if len(distinct) < 2 {
		return nil
	}

	var cuts []float64
	if len(distinct) <= maxBins {
		for i := 1; i < len(distinct); i++ {
			cuts = append(cuts, (distinct[i-1]+distinct[i])/2)
		}
		return cuts
	}

	n := len(sorted)
	for k := 1; k < maxBins; k++ {
		pos := k * n / maxBins
		if pos <= 0 || pos >= n {
			continue
		}
		lo, hi := sorted[pos-1], sorted[pos]
		if lo == hi {
			continue
		}
		c := (lo + hi) / 2
		if len(cuts) == 0 || c > cuts[len(cuts)-1] {
			cuts = append(cuts, c)
		}
	}
	return cuts
}

// binOf counts thresholds <= v, so v < thresholds[k] iff binOf(v) <= k.
func binOf(thresholds []float64, v float64) int {
	return sort.Search(len(thresholds), func(i int) bool { return thresholds[i] > v })
}

type treeBuilder struct {
	bins   *binner
	grad   []float64
	hess   []float64
	params BoosterParams
	nodes  []model.Node
}

type split struct {
	feature int
	bin     int
	gain    float64
}

func (b *treeBuilder) grow(rows []int, depth int) int {
	var g, h float64
	for _, i := range rows {
		g += b.grad[i]
		h += b.hess[i]
	}

	id := len(b.nodes)
	b.nodes = append(b.nodes, model.Node{Left: -1, Right: -1, Cover: h})

	leaf := func() int {
		b.nodes[id].Value = b.params.LearningRate * (-g / (h + b.params.Lambda))
		return id
	}
	if depth >= b.params.MaxDepth || len(rows) < 2 {
		return leaf()
	}

	best, ok := b.bestSplit(rows, g, h)
	if !ok {
		return leaf()
	}

	codes := b.bins.codes[best.feature]
	var left, right []int
	for _, i := range rows {
		if int(codes[i]) <= best.bin {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}

	b.nodes[id].Feature = best.feature
	b.nodes[id].Threshold = b.bins.thresholds[best.feature][best.bin]
	l := b.grow(left, depth+1)
	r := b.grow(right, depth+1)
	b.nodes[id].Left = l
	b.nodes[id].Right = r
	return id
}

func (b *treeBuilder) bestSplit(rows []int, g, h float64) (split, bool) {
	lambda := b.params.Lambda
	parent := g * g / (h + lambda)
	best := split{}
	found := false

	for f, cuts := range b.bins.thresholds {
		if len(cuts) == 0 {
			continue
		}
		gh := make([]float64, len(cuts)+1)
		hh := make([]float64, len(cuts)+1)
		codes := b.bins.codes[f]
		for _, i := range rows {
			c := codes[i]
			gh[c] += b.grad[i]
			hh[c] += b.hess[i]
		}

		var gl, hl float64
		for k := 0; k < len(cuts); k++ {
			gl += gh[k]
			hl += hh[k]
			gr, hr := g-gl, h-hl
			if hl <= 0 || hr <= 0 || hl < b.params.MinChildWeight || hr < b.params.MinChildWeight {
				continue
			}
			gain := 0.5*(gl*gl/(hl+lambda)+gr*gr/(hr+lambda)-parent) - b.params.Gamma
			if gain > best.gain+1e-12 {
				best = split{feature: f, bin: k, gain: gain}
				found = true
			}
		}
	}
	return best, found
}
