package imputation

import (
	"context"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/zulandar/geneq/internal/matrix"
)

type lowRankParams struct {
	rank    int     // 0 keeps every component
	lambda  float64 // shrinkage as a fraction of the leading singular value
	maxIter int
	tol     float64
}

func parseSoftImpute(p map[string]any) (lowRankParams, error) {
	lp := lowRankParams{}
	var err error
	if lp.lambda, err = paramFloat(p, "lambda", 0.1); err != nil {
		return lp, err
	}
	if lp.maxIter, err = paramInt(p, "max_iter", 100); err != nil {
		return lp, err
	}
	if lp.tol, err = paramFloat(p, "tol", 1e-4); err != nil {
		return lp, err
	}
	return lp, nil
}

func parseLatent(p map[string]any) (lowRankParams, error) {
	lp := lowRankParams{}
	var err error
	if lp.rank, err = paramInt(p, "latent_dim", 8); err != nil {
		return lp, err
	}
	if lp.maxIter, err = paramInt(p, "max_iter", 50); err != nil {
		return lp, err
	}
	if lp.tol, err = paramFloat(p, "tol", 1e-4); err != nil {
		return lp, err
	}
	return lp, nil
}

// fillSoftImpute backs the "gain" method: soft-thresholded SVD completion.
var fillSoftImpute = fillFunc{
	check: func(p map[string]any) error {
		_, err := parseSoftImpute(p)
		return err
	},
	fill: func(ctx context.Context, x *matrix.Matrix, cfg fillConfig) (*matrix.Matrix, error) {
		lp, err := parseSoftImpute(cfg.Params)
		if err != nil {
			return nil, err
		}
		return completeLowRank(ctx, x, lp)
	},
}

// fillLatent backs the "vae" method: iterative truncated-SVD reconstruction
// through a latent space of latent_dim components.
var fillLatent = fillFunc{
	check: func(p map[string]any) error {
		_, err := parseLatent(p)
		return err
	},
	fill: func(ctx context.Context, x *matrix.Matrix, cfg fillConfig) (*matrix.Matrix, error) {
		lp, err := parseLatent(cfg.Params)
		if err != nil {
			return nil, err
		}
		return completeLowRank(ctx, x, lp)
	},
}

// completeLowRank row-centers x, then alternates between a low-rank
// reconstruction and writing the reconstruction into the missing cells until
// the relative change drops below tol.
func completeLowRank(ctx context.Context, x *matrix.Matrix, lp lowRankParams) (*matrix.Matrix, error) {
	rows, cols := x.Rows(), x.Cols()
	if rows < 2 || cols < 2 {
		return meanFilled(x), nil
	}

	mu := make([]float64, rows)
	z := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		mu[i] = nanMean(x.Row(i))
		if math.IsNaN(mu[i]) {
			mu[i] = 0
		}
		for j, v := range x.Row(i) {
			if !math.IsNaN(v) {
				z.Set(i, j, v-mu[i])
			}
		}
	}

	shrink := 0.0
	if lp.lambda > 0 {
		var svd mat.SVD
		if svd.Factorize(z, mat.SVDNone) {
			shrink = lp.lambda * svd.Values(nil)[0]
		}
	}
	rank := lp.rank
	if maxRank := min(rows, cols) - 1; rank > maxRank {
		rank = maxRank
	}

	for iter := 0; iter < lp.maxIter; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		recon, ok := lowRank(z, rank, shrink)
		if !ok {
			break
		}
		var change, norm float64
		for i := 0; i < rows; i++ {
			for j, v := range x.Row(i) {
				if !math.IsNaN(v) {
					continue
				}
				old, nv := z.At(i, j), recon.At(i, j)
				change += (nv - old) * (nv - old)
				norm += old * old
				z.Set(i, j, nv)
			}
		}
		if norm > 0 && change/norm < lp.tol {
			break
		}
		if norm == 0 && change == 0 {
			break
		}
	}

	out := x.Clone()
	for i := 0; i < rows; i++ {
		for j, v := range x.Row(i) {
			if math.IsNaN(v) {
				out.Set(i, j, z.At(i, j)+mu[i])
			}
		}
	}
	return out, nil
}
