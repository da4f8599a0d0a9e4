package imputation

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/zulandar/geneq/internal/logging"
	"github.com/zulandar/geneq/internal/matrix"
	"github.com/zulandar/geneq/internal/modality"
)

// MochiOpts tunes the cross-modality strategy.
type MochiOpts struct {
	LatentDim int
	Ridge     float64
	// Runner delegates to an external trained model when set.
	Runner RemoteRunner
}

// Mochi imputes each modality from the others. Samples shared by every
// modality are projected into a latent space built from the other
// modalities, and each target feature is ridge-regressed on that space.
type Mochi struct {
	opts   MochiOpts
	logger *slog.Logger
}

// NewMochi returns the cross-modality strategy.
func NewMochi(opts MochiOpts, logger *slog.Logger) *Mochi {
	if opts.LatentDim <= 0 {
		opts.LatentDim = 16
	}
	if opts.Ridge <= 0 {
		opts.Ridge = 1.0
	}
	return &Mochi{opts: opts, logger: logging.OrDiscard(logger)}
}

func (m *Mochi) Name() string { return "mochi" }

func (m *Mochi) params(p map[string]any) (latent int, ridge float64, err error) {
	if latent, err = paramInt(p, "latent_dim", m.opts.LatentDim); err != nil {
		return 0, 0, err
	}
	if ridge, err = paramFloat(p, "ridge", m.opts.Ridge); err != nil {
		return 0, 0, err
	}
	return latent, ridge, nil
}

// CheckParams validates latent_dim and ridge overrides.
func (m *Mochi) CheckParams(p map[string]any) error {
	_, _, err := m.params(p)
	return err
}

func (m *Mochi) Impute(ctx context.Context, in Input) (*Result, error) {
	if len(in.Matrices) < 2 {
		return nil, fmt.Errorf("imputation: mochi: %w: need at least 2 modalities, have %d", ErrInsufficientModalities, len(in.Matrices))
	}
	latentDim, ridge, err := m.params(in.Options.Params)
	if err != nil {
		return nil, fmt.Errorf("imputation: mochi: %w: %v", ErrStrategyFailure, err)
	}

	mods := sortedModalities(in.Matrices)
	common := CommonSamples(in.Matrices)
	if len(common) == 0 {
		return nil, fmt.Errorf("imputation: mochi: %w: no sample is shared by every modality", ErrStrategyFailure)
	}
	aligned := make(map[modality.Modality]*matrix.Matrix, len(mods))
	for _, mod := range mods {
		a, err := in.Matrices[mod].SelectCols(common)
		if err != nil {
			return nil, fmt.Errorf("imputation: mochi: align %s: %w", mod, err)
		}
		aligned[mod] = a
	}
	m.logger.Info("mochi aligned modalities", "modalities", len(mods), "common_samples", len(common))

	var remote map[modality.Modality]*matrix.Matrix
	if m.opts.Runner != nil {
		remote, err = m.opts.Runner.Run(ctx, in.JobID, aligned)
		if err != nil {
			return nil, wrapFailure("mochi", "remote", err)
		}
	}

	res := &Result{Method: "mochi", Modalities: make(map[modality.Modality]*ModalityOutcome), TotalSamples: len(common)}
	for k, target := range mods {
		src := in.Matrices[target]
		var est estimator
		holdout := true
		if remote != nil {
			out, ok := remote[target]
			if !ok {
				return nil, fmt.Errorf("imputation: mochi: %w: remote model returned no %s output", ErrStrategyFailure, target)
			}
			est = lookupEstimator(out)
			holdout = false
		} else {
			var others []*matrix.Matrix
			for _, mod := range mods {
				if mod != target {
					others = append(others, aligned[mod])
				}
			}
			z := latentScores(others, latentDim)
			est = latentEstimator(src.ColLabels, common, z, ridge)
		}

		out, err := imputeModality(ctx, src, est, holdout, in, m.logger.With("method", "mochi", "modality", string(target)))
		if err != nil {
			return nil, wrapFailure("mochi", target, err)
		}
		res.Modalities[target] = out
		reportProgress(in, k+1, len(mods))
	}
	return res, nil
}

// CommonSamples returns the column labels present in every matrix, in the
// column order of the first matrix by modality name.
func CommonSamples(ms map[modality.Modality]*matrix.Matrix) []string {
	mods := sortedModalities(ms)
	if len(mods) == 0 {
		return nil
	}
	indexes := make([]map[string]int, 0, len(mods)-1)
	for _, mod := range mods[1:] {
		indexes = append(indexes, ms[mod].ColIndex())
	}
	var common []string
	seen := make(map[string]bool)
	for _, l := range ms[mods[0]].ColLabels {
		if seen[l] {
			continue
		}
		seen[l] = true
		shared := true
		for _, idx := range indexes {
			if _, ok := idx[l]; !ok {
				shared = false
				break
			}
		}
		if shared {
			common = append(common, l)
		}
	}
	return common
}

// latentScores stacks the predictor modalities (features × samples),
// standardizes each feature, and returns the sample scores U_k·S_k of a
// thin SVD as an n × k matrix. It returns nil when no component exists.
func latentScores(preds []*matrix.Matrix, k int) *mat.Dense {
	if len(preds) == 0 {
		return nil
	}
	n := preds[0].Cols()
	var features [][]float64
	for _, p := range preds {
		full := meanFilled(p)
		for i := 0; i < full.Rows(); i++ {
			row := full.Row(i)
			mu := nanMean(row)
			var ss float64
			for _, v := range row {
				ss += (v - mu) * (v - mu)
			}
			sd := math.Sqrt(ss / float64(n))
			if sd == 0 {
				continue
			}
			f := make([]float64, n)
			for j, v := range row {
				f[j] = (v - mu) / sd
			}
			features = append(features, f)
		}
	}
	if k > n-1 {
		k = n - 1
	}
	if k > len(features) {
		k = len(features)
	}
	if k < 1 {
		return nil
	}

	a := mat.NewDense(n, len(features), nil)
	for c, f := range features {
		for j, v := range f {
			a.Set(j, c, v)
		}
	}
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDThin) {
		return nil
	}
	vals := svd.Values(nil)
	var u mat.Dense
	svd.UTo(&u)
	z := mat.NewDense(n, k, nil)
	for j := 0; j < n; j++ {
		for c := 0; c < k; c++ {
			z.Set(j, c, u.At(j, c)*vals[c])
		}
	}
	return z
}

// latentEstimator predicts each incomplete feature from the latent scores
// of the shared samples. Columns outside the shared set are left for the
// pipeline's fallback.
func latentEstimator(cols, common []string, z *mat.Dense, ridge float64) estimator {
	pos := make(map[string]int, len(common))
	for k, l := range common {
		pos[l] = k
	}
	colToLatent := make([]int, len(cols))
	for j, l := range cols {
		if k, ok := pos[l]; ok {
			colToLatent[j] = k
		} else {
			colToLatent[j] = -1
		}
	}
	zRow := func(k int) []float64 {
		if z == nil {
			return nil
		}
		_, c := z.Dims()
		out := make([]float64, c)
		for d := range out {
			out[d] = z.At(k, d)
		}
		return out
	}

	return func(ctx context.Context, x *matrix.Matrix) (*matrix.Matrix, error) {
		out := x.Clone()
		for i := 0; i < x.Rows(); i++ {
			if i%256 == 0 {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
			}
			row := x.Row(i)
			var xs [][]float64
			var y []float64
			var miss []int
			for j, v := range row {
				k := colToLatent[j]
				if k < 0 {
					continue
				}
				if math.IsNaN(v) {
					miss = append(miss, j)
					continue
				}
				xs = append(xs, zRow(k))
				y = append(y, v)
			}
			if len(miss) == 0 || len(y) < 2 {
				continue
			}
			model, ok := fitRidge(xs, y, ridge)
			if !ok {
				continue
			}
			for _, j := range miss {
				out.Set(i, j, model.predict(zRow(colToLatent[j])))
			}
		}
		return out, nil
	}
}

// lookupEstimator serves values from a matrix computed elsewhere, matched by
// row and column label.
func lookupEstimator(done *matrix.Matrix) estimator {
	rowPos := make(map[string]int, done.Rows())
	for i, l := range done.RowLabels {
		rowPos[l] = i
	}
	colPos := done.ColIndex()
	return func(ctx context.Context, x *matrix.Matrix) (*matrix.Matrix, error) {
		out := x.Clone()
		for i, rl := range x.RowLabels {
			ri, ok := rowPos[rl]
			if !ok {
				continue
			}
			for j, cl := range x.ColLabels {
				if !math.IsNaN(x.At(i, j)) {
					continue
				}
				if cj, ok := colPos[cl]; ok {
					out.Set(i, j, done.At(ri, cj))
				}
			}
		}
		return out, nil
	}
}
