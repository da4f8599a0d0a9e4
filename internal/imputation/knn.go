package imputation

import (
	"context"
	"math"
	"sort"

	"github.com/zulandar/geneq/internal/matrix"
)

var fillKNN = fillFunc{
	check: func(p map[string]any) error {
		_, err := paramInt(p, "n_neighbors", 5)
		return err
	},
	fill: func(ctx context.Context, x *matrix.Matrix, cfg fillConfig) (*matrix.Matrix, error) {
		k, err := paramInt(cfg.Params, "n_neighbors", 5)
		if err != nil {
			return nil, err
		}
		return knnImpute(ctx, x, k)
	},
}

// knnImpute treats samples (columns) as points. Each missing cell is the
// uniform mean of that feature over the k nearest samples which observe it,
// by nan-euclidean distance.
func knnImpute(ctx context.Context, x *matrix.Matrix, k int) (*matrix.Matrix, error) {
	rows, cols := x.Rows(), x.Cols()
	dist := make([][]float64, cols)
	for a := range dist {
		dist[a] = make([]float64, cols)
	}
	for a := 0; a < cols; a++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for b := a + 1; b < cols; b++ {
			d := nanEuclidean(x, a, b, rows)
			dist[a][b], dist[b][a] = d, d
		}
	}

	out := x.Clone()
	type neighbour struct {
		col int
		d   float64
	}
	for j := 0; j < cols; j++ {
		var missingRows []int
		for i := 0; i < rows; i++ {
			if math.IsNaN(x.At(i, j)) {
				missingRows = append(missingRows, i)
			}
		}
		if len(missingRows) == 0 {
			continue
		}
		order := make([]neighbour, 0, cols-1)
		for b := 0; b < cols; b++ {
			if b != j && !math.IsInf(dist[j][b], 1) {
				order = append(order, neighbour{b, dist[j][b]})
			}
		}
		sort.SliceStable(order, func(p, q int) bool { return order[p].d < order[q].d })

		for _, i := range missingRows {
			var sum float64
			n := 0
			for _, nb := range order {
				v := x.At(i, nb.col)
				if math.IsNaN(v) {
					continue
				}
				sum += v
				n++
				if n == k {
					break
				}
			}
			if n > 0 {
				out.Set(i, j, sum/float64(n))
			}
		}
	}
	return out, nil
}

// nanEuclidean is the distance over coordinates observed in both columns,
// scaled up by total/present. No shared coordinate gives +Inf.
func nanEuclidean(x *matrix.Matrix, a, b, rows int) float64 {
	var sum float64
	present := 0
	for i := 0; i < rows; i++ {
		va, vb := x.At(i, a), x.At(i, b)
		if math.IsNaN(va) || math.IsNaN(vb) {
			continue
		}
		d := va - vb
		sum += d * d
		present++
	}
	if present == 0 {
		return math.Inf(1)
	}
	return math.Sqrt(float64(rows) / float64(present) * sum)
}
