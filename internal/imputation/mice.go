package imputation

import (
	"context"
	"math"
	"math/rand"

	"github.com/zulandar/geneq/internal/matrix"
)

type miceParams struct {
	maxIter int
	nearest int
	alpha   float64
	tol     float64
}

func parseMICE(p map[string]any) (miceParams, error) {
	var mp miceParams
	var err error
	if mp.maxIter, err = paramInt(p, "max_iter", 10); err != nil {
		return mp, err
	}
	if mp.nearest, err = paramInt(p, "n_nearest_features", 10); err != nil {
		return mp, err
	}
	if mp.alpha, err = paramFloat(p, "alpha", 1.0); err != nil {
		return mp, err
	}
	if mp.tol, err = paramFloat(p, "tol", 1e-3); err != nil {
		return mp, err
	}
	return mp, nil
}

var fillMICE = fillFunc{
	check: func(p map[string]any) error {
		_, err := parseMICE(p)
		return err
	},
	fill: func(ctx context.Context, x *matrix.Matrix, cfg fillConfig) (*matrix.Matrix, error) {
		mp, err := parseMICE(cfg.Params)
		if err != nil {
			return nil, err
		}
		return chainedRidge(ctx, x, mp, rand.New(rand.NewSource(cfg.Seed)))
	},
}

// chainedRidge starts from row means and repeatedly regresses each
// incomplete feature on its most correlated features, replacing the missing
// cells with the predictions, until the largest update falls below tol
// times the data scale or max_iter passes run.
func chainedRidge(ctx context.Context, x *matrix.Matrix, mp miceParams, rng *rand.Rand) (*matrix.Matrix, error) {
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
		targets = append(targets, target{i, obs, miss, topCorrelated(filled, i, mp.nearest, rng)})
	}
	if len(targets) == 0 {
		return filled, nil
	}
	scale := dataScale(x)

	for iter := 0; iter < mp.maxIter; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		maxDelta := 0.0
		for _, t := range targets {
			xs := make([][]float64, len(t.obs))
			y := make([]float64, len(t.obs))
			for k, j := range t.obs {
				xs[k] = gather(filled, t.preds, j)
				y[k] = x.At(t.row, j)
			}
			model, ok := fitRidge(xs, y, mp.alpha)
			if !ok {
				continue
			}
			for _, j := range t.miss {
				v := model.predict(gather(filled, t.preds, j))
				if d := math.Abs(v - filled.At(t.row, j)); d > maxDelta {
					maxDelta = d
				}
				filled.Set(t.row, j, v)
			}
		}
		if maxDelta <= mp.tol*scale {
			break
		}
	}
	return filled, nil
}

// gather returns the values of rows at column j.
func gather(x *matrix.Matrix, rows []int, j int) []float64 {
	out := make([]float64, len(rows))
	for k, i := range rows {
		out[k] = x.At(i, j)
	}
	return out
}

// dataScale is the largest absolute observed value, or 1 for an empty or
// all-zero matrix.
func dataScale(x *matrix.Matrix) float64 {
	s := 0.0
	for i := 0; i < x.Rows(); i++ {
		for _, v := range x.Row(i) {
			if !math.IsNaN(v) && math.Abs(v) > s {
				s = math.Abs(v)
			}
		}
	}
	if s == 0 {
		return 1
	}
	return s
}
