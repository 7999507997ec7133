package training

import (
	"errors"
	"math"
	"math/rand/v2"
	"sort"

	"github.com/opensource-finance/aegisflow/internal/model"
)

// ForestParams configures isolation forest fitting.
type ForestParams struct {
	Trees         int     `yaml:"trees"`
	SampleSize    int     `yaml:"sample_size"`
	Contamination float64 `yaml:"contamination"`
	Seed          uint64  `yaml:"seed"`
}

// DefaultForestParams returns 100 trees over 256-sample subsets with 5%
// contamination.
func DefaultForestParams() ForestParams {
	return ForestParams{
		Trees:         100,
		SampleSize:    256,
		Contamination: 0.05,
		Seed:          42,
	}
}

// FitForest fits an isolation forest and fixes its anomaly threshold at
// the (1 - contamination) quantile of the training scores.
func FitForest(rows [][]float64, names []string, params ForestParams) (*model.IsolationForest, error) {
	n := len(rows)
	if n < 2 {
		return nil, errors.New("isolation forest needs at least 2 rows")
	}
	if params.Trees <= 0 {
		return nil, errors.New("trees must be positive")
	}
	if params.Contamination <= 0 || params.Contamination >= 0.5 {
		return nil, errors.New("contamination must be in (0, 0.5)")
	}

	psi := params.SampleSize
	if psi <= 0 || psi > n {
		psi = min(256, n)
	}
	if psi < 2 {
		psi = 2
	}
	maxDepth := int(math.Ceil(math.Log2(float64(psi))))

	rng := rand.New(rand.NewPCG(params.Seed, params.Seed^0x5851f42d4c957f2d))
	f := &model.IsolationForest{
		FeatureNames:  names,
		SampleSize:    psi,
		Contamination: params.Contamination,
	}

	for t := 0; t < params.Trees; t++ {
		sample := rng.Perm(n)[:psi]
		b := &isoBuilder{rows: rows, features: len(names), maxDepth: maxDepth, rng: rng}
		b.grow(sample, 0)
		f.Trees = append(f.Trees, model.IsoTree{Nodes: b.nodes})
	}

	scores := make([]float64, n)
	for i, row := range rows {
		scores[i] = f.Score(row)
	}
	f.Threshold = percentile(scores, 1-params.Contamination)
	return f, nil
}

type isoBuilder struct {
	rows     [][]float64
	features int
	maxDepth int
	rng      *rand.Rand
	nodes    []model.IsoNode
}

func (b *isoBuilder) grow(idx []int, depth int) int {
	id := len(b.nodes)
	b.nodes = append(b.nodes, model.IsoNode{Left: -1, Right: -1, Size: len(idx)})

	if depth >= b.maxDepth || len(idx) <= 1 {
		return id
	}

	// Pick a random feature that still varies within this node.
	candidates := b.rng.Perm(b.features)
	feature, lo, hi := -1, 0.0, 0.0
	for _, c := range candidates {
		lo, hi = math.Inf(1), math.Inf(-1)
		for _, i := range idx {
			v := b.rows[i][c]
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
		if hi > lo {
			feature = c
			break
		}
	}
	if feature < 0 {
		return id
	}

	threshold := lo + b.rng.Float64()*(hi-lo)
	if threshold <= lo {
		threshold = math.Nextafter(lo, hi)
	}

	var left, right []int
	for _, i := range idx {
		if b.rows[i][feature] < threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}

	b.nodes[id].Feature = feature
	b.nodes[id].Threshold = threshold
	b.nodes[id].Size = 0
	l := b.grow(left, depth+1)
	r := b.grow(right, depth+1)
	b.nodes[id].Left = l
	b.nodes[id].Right = r
	return id
}

// percentile returns the q-quantile of values using linear interpolation.
func percentile(values []float64, q float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}
