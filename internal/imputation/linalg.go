package imputation

import (
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/zulandar/geneq/internal/matrix"
)

// maxCandidates caps how many rows are scanned when ranking correlated
// features, keeping wide matrices tractable.
const maxCandidates = 500

// ridgeModel is a fitted linear model with intercept.
type ridgeModel struct {
	intercept float64
	beta      []float64
}

func (r ridgeModel) predict(x []float64) float64 {
	y := r.intercept
	for k, b := range r.beta {
		y += b * x[k]
	}
	return y
}

// fitRidge solves min ||y - a - Xb||² + λ||b||² by centering and solving
// the normal equations. X is n × p, row-major in xs.
func fitRidge(xs [][]float64, y []float64, lambda float64) (ridgeModel, bool) {
	n := len(xs)
	if n == 0 {
		return ridgeModel{}, false
	}
	p := len(xs[0])
	xMean := make([]float64, p)
	for _, row := range xs {
		for k, v := range row {
			xMean[k] += v
		}
	}
	for k := range xMean {
		xMean[k] /= float64(n)
	}
	yMean := stat.Mean(y, nil)
	if p == 0 {
		return ridgeModel{intercept: yMean}, true
	}

	X := mat.NewDense(n, p, nil)
	yc := mat.NewVecDense(n, nil)
	for i, row := range xs {
		for k, v := range row {
			X.Set(i, k, v-xMean[k])
		}
		yc.SetVec(i, y[i]-yMean)
	}
	var xtx mat.Dense
	xtx.Mul(X.T(), X)
	for k := 0; k < p; k++ {
		xtx.Set(k, k, xtx.At(k, k)+lambda)
	}
	var xty mat.VecDense
	xty.MulVec(X.T(), yc)

	var beta mat.VecDense
	if err := beta.SolveVec(&xtx, &xty); err != nil {
		return ridgeModel{intercept: yMean}, false
	}
	m := ridgeModel{beta: make([]float64, p)}
	m.intercept = yMean
	for k := 0; k < p; k++ {
		m.beta[k] = beta.AtVec(k)
		m.intercept -= m.beta[k] * xMean[k]
	}
	return m, true
}

// topCorrelated returns up to n row indices of x (excluding target) ranked
// by absolute Pearson correlation with the target row. x must be complete.
func topCorrelated(x *matrix.Matrix, target, n int, rng *rand.Rand) []int {
	candidates := make([]int, 0, x.Rows()-1)
	for i := 0; i < x.Rows(); i++ {
		if i != target {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) > maxCandidates {
		rng.Shuffle(len(candidates), func(a, b int) { candidates[a], candidates[b] = candidates[b], candidates[a] })
		candidates = candidates[:maxCandidates]
	}

	type scored struct {
		row int
		r   float64
	}
	t := x.Row(target)
	ranked := make([]scored, 0, len(candidates))
	for _, i := range candidates {
		r := stat.Correlation(t, x.Row(i), nil)
		if math.IsNaN(r) {
			r = 0
		}
		ranked = append(ranked, scored{i, math.Abs(r)})
	}
	sort.SliceStable(ranked, func(a, b int) bool { return ranked[a].r > ranked[b].r })
	if len(ranked) > n {
		ranked = ranked[:n]
	}
	out := make([]int, len(ranked))
	for k, s := range ranked {
		out[k] = s.row
	}
	return out
}

// meanFilled returns a copy of x with NaN replaced by row means.
func meanFilled(x *matrix.Matrix) *matrix.Matrix {
	out := x.Clone()
	fallbackFill(out)
	return out
}

// missingCols splits the column indices of row into observed and missing.
func missingCols(row []float64) (obs, miss []int) {
	for j, v := range row {
		if math.IsNaN(v) {
			miss = append(miss, j)
		} else {
			obs = append(obs, j)
		}
	}
	return obs, miss
}

// lowRank reconstructs x from its top-k singular triplets, with each
// singular value first reduced by shrink and floored at zero.
func lowRank(x *mat.Dense, k int, shrink float64) (*mat.Dense, bool) {
	var svd mat.SVD
	if ok := svd.Factorize(x, mat.SVDThin); !ok {
		return nil, false
	}
	vals := svd.Values(nil)
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	if k <= 0 || k > len(vals) {
		k = len(vals)
	}
	r, c := x.Dims()
	s := mat.NewDiagDense(k, nil)
	for i := 0; i < k; i++ {
		s.SetDiag(i, math.Max(0, vals[i]-shrink))
	}
	uk := u.Slice(0, r, 0, k)
	vk := v.Slice(0, c, 0, k)
	var us, out mat.Dense
	us.Mul(uk, s)
	out.Mul(&us, vk.T())
	return &out, true
}
