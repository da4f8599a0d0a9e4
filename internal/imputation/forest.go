package imputation

import (
	"context"
	"math"
	"math/rand"
	"sort"

	"github.com/zulandar/geneq/internal/matrix"
)

type forestParams struct {
	trees   int
	depth   int
	maxIter int
	nearest int
	minLeaf int
	tol     float64
}

func parseForest(p map[string]any) (forestParams, error) {
	var fp forestParams
	var err error
	if fp.trees, err = paramInt(p, "n_estimators", 10); err != nil {
		return fp, err
	}
	if fp.depth, err = paramInt(p, "max_depth", 4); err != nil {
		return fp, err
	}
	if fp.maxIter, err = paramInt(p, "max_iter", 5); err != nil {
		return fp, err
	}
	if fp.nearest, err = paramInt(p, "n_nearest_features", 10); err != nil {
		return fp, err
	}
	if fp.minLeaf, err = paramInt(p, "min_samples_leaf", 2); err != nil {
		return fp, err
	}
	if fp.tol, err = paramFloat(p, "tol", 1e-3); err != nil {
		return fp, err
	}
	return fp, nil
}

var fillForest = fillFunc{
	check: func(p map[string]any) error {
		_, err := parseForest(p)
		return err
	},
	fill: func(ctx context.Context, x *matrix.Matrix, cfg fillConfig) (*matrix.Matrix, error) {
		fp, err := parseForest(cfg.Params)
		if err != nil {
			return nil, err
		}
		return forestImpute(ctx, x, fp, rand.New(rand.NewSource(cfg.Seed)))
	},
}

// forestImpute iterates bagged regression trees per incomplete feature,
// trained on the observed samples of that feature against its most
// correlated features.
func forestImpute(ctx context.Context, x *matrix.Matrix, fp forestParams, rng *rand.Rand) (*matrix.Matrix, error) {
	filled := meanFilled(x)
	type target struct {
		row       int
		obs, miss []int
		preds     []int
	}
	var targets []target
	for i := 0; i < x.Rows(); i++ {
		obs, miss := missingCols(x.Row(i))
		if len(miss) == 0 || len(obs) < 2 {
			continue
		}
		targets = append(targets, target{i, obs, miss, topCorrelated(filled, i, fp.nearest, rng)})
	}
	if len(targets) == 0 {
		return filled, nil
	}
	scale := dataScale(x)

	for iter := 0; iter < fp.maxIter; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		maxDelta := 0.0
		for _, t := range targets {
			if len(t.preds) == 0 {
				continue
			}
			xs := make([][]float64, len(t.obs))
			y := make([]float64, len(t.obs))
			for k, j := range t.obs {
				xs[k] = gather(filled, t.preds, j)
				y[k] = x.At(t.row, j)
			}
			forest := growForest(xs, y, fp, rng)
			for _, j := range t.miss {
				v := forest.predict(gather(filled, t.preds, j))
				if d := math.Abs(v - filled.At(t.row, j)); d > maxDelta {
					maxDelta = d
				}
				filled.Set(t.row, j, v)
			}
		}
		if maxDelta <= fp.tol*scale {
			break
		}
	}
	return filled, nil
}

type treeNode struct {
	feature     int
	split       float64
	value       float64
	left, right *treeNode
}

func (n *treeNode) predict(x []float64) float64 {
	for n.left != nil {
		if x[n.feature] <= n.split {
			n = n.left
		} else {
			n = n.right
		}
	}
	return n.value
}

type forest []*treeNode

func (f forest) predict(x []float64) float64 {
	var sum float64
	for _, t := range f {
		sum += t.predict(x)
	}
	return sum / float64(len(f))
}

func growForest(xs [][]float64, y []float64, fp forestParams, rng *rand.Rand) forest {
	f := make(forest, fp.trees)
	n := len(y)
	for t := range f {
		idx := make([]int, n)
		for k := range idx {
			idx[k] = rng.Intn(n)
		}
		f[t] = growTree(xs, y, idx, 0, fp, rng)
	}
	return f
}

// growTree builds a regression tree by greedy variance reduction, trying a
// random third of the features at each node.
func growTree(xs [][]float64, y []float64, idx []int, depth int, fp forestParams, rng *rand.Rand) *treeNode {
	mean := 0.0
	for _, i := range idx {
		mean += y[i]
	}
	mean /= float64(len(idx))
	leaf := &treeNode{value: mean}
	if depth >= fp.depth || len(idx) < 2*fp.minLeaf {
		return leaf
	}

	p := len(xs[0])
	mtry := p / 3
	if mtry < 1 {
		mtry = 1
	}
	features := rng.Perm(p)[:mtry]

	bestGain, bestFeature, bestSplit := 0.0, -1, 0.0
	var bestOrder []int
	total := 0.0
	totalSq := 0.0
	for _, i := range idx {
		total += y[i]
		totalSq += y[i] * y[i]
	}
	parentSSE := totalSq - total*total/float64(len(idx))

	order := make([]int, len(idx))
	for _, f := range features {
		copy(order, idx)
		sort.Slice(order, func(a, b int) bool { return xs[order[a]][f] < xs[order[b]][f] })
		leftSum, leftSq := 0.0, 0.0
		for k := 0; k < len(order)-1; k++ {
			v := y[order[k]]
			leftSum += v
			leftSq += v * v
			nl := k + 1
			nr := len(order) - nl
			if nl < fp.minLeaf || nr < fp.minLeaf {
				continue
			}
			if xs[order[k]][f] == xs[order[k+1]][f] {
				continue
			}
			rightSum := total - leftSum
			rightSq := totalSq - leftSq
			sse := leftSq - leftSum*leftSum/float64(nl) + rightSq - rightSum*rightSum/float64(nr)
			if gain := parentSSE - sse; gain > bestGain+1e-12 {
				bestGain, bestFeature = gain, f
				bestSplit = (xs[order[k]][f] + xs[order[k+1]][f]) / 2
				bestOrder = append(bestOrder[:0], order...)
			}
		}
	}
	if bestFeature < 0 {
		return leaf
	}

	var left, right []int
	for _, i := range bestOrder {
		if xs[i][bestFeature] <= bestSplit {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	return &treeNode{
		feature: bestFeature,
		split:   bestSplit,
		value:   mean,
		left:    growTree(xs, y, left, depth+1, fp, rng),
		right:   growTree(xs, y, right, depth+1, fp, rng),
	}
}
