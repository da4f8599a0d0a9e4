package imputation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/stat"

	"github.com/zulandar/geneq/internal/logging"
	"github.com/zulandar/geneq/internal/matrix"
	"github.com/zulandar/geneq/internal/missingness"
	"github.com/zulandar/geneq/internal/modality"
)

// estimator returns a copy of x with every missing cell estimated. Cells it
// cannot estimate may stay NaN; the pipeline fills those with fallbackFill.
type estimator func(ctx context.Context, x *matrix.Matrix) (*matrix.Matrix, error)

// cvFolds is the fold count used when cross validation is requested.
const cvFolds = 5

// minHoldout is the fewest held-out cells that produce a quality score.
const minHoldout = 2

// imputeModality applies the shared threshold, quality and outlier rules
// around est for one modality matrix. The quality gate runs only when
// holdout is set.
func imputeModality(ctx context.Context, m *matrix.Matrix, est estimator, holdout bool, in Input, logger *slog.Logger) (*ModalityOutcome, error) {
	stats := missingness.Analyze(m)
	var eligible []int
	excluded := 0
	for i, p := range stats.RowNaNPercentages {
		if p > in.Threshold {
			excluded++
			continue
		}
		eligible = append(eligible, i)
	}

	out := &ModalityOutcome{Output: m.Clone(), ExcludedRows: excluded}
	if len(eligible) == 0 {
		return out, nil
	}
	sub := m.SelectRows(eligible)
	if sub.MissingCount() == 0 {
		return out, nil
	}

	if holdout {
		score, ok, err := holdoutScore(ctx, sub, est, in)
		if err != nil {
			return nil, err
		}
		if ok {
			out.Quality = &score
			if score < in.QualityThreshold {
				logger.Info("modality refused by quality gate",
					"score", missingness.Round2(score), "quality_threshold", in.QualityThreshold)
				out.Rejected = true
				return out, nil
			}
		}
	}

	filled, err := est(ctx, sub)
	if err != nil {
		return nil, err
	}
	fallbackFill(filled)

	for k, i := range eligible {
		lo, hi := observedRange(sub.Row(k))
		for j, v := range sub.Row(k) {
			if !matrix.Missing(v) {
				continue
			}
			x := filled.At(k, j)
			if in.Options.OutlierHandling && !math.IsNaN(lo) {
				x = math.Max(lo, math.Min(hi, x))
			}
			out.Output.Set(i, j, x)
			out.Imputed++
		}
	}
	return out, nil
}

// holdoutScore masks a seeded random share of observed cells, re-estimates
// them and scores 100·(1 − RMSE/σ) against the true values, clamped to
// [0, 100]. ok is false when too few cells can be held out or the held-out
// values have no spread.
func holdoutScore(ctx context.Context, x *matrix.Matrix, est estimator, in Input) (score float64, ok bool, err error) {
	type cell struct{ i, j int }
	var obs []cell
	for i := 0; i < x.Rows(); i++ {
		row := x.Row(i)
		n := 0
		for _, v := range row {
			if !matrix.Missing(v) {
				n++
			}
		}
		// Keep at least one observed value per row after masking.
		if n < 2 {
			continue
		}
		for j, v := range row {
			if !matrix.Missing(v) {
				obs = append(obs, cell{i, j})
			}
		}
	}

	frac := in.HoldoutFraction
	if frac <= 0 {
		frac = 0.05
	}
	per := int(math.Round(frac * float64(len(obs))))
	if per < minHoldout {
		return 0, false, nil
	}
	folds := 1
	if in.Options.CrossValidation {
		folds = cvFolds
		if folds*per > len(obs) {
			folds = len(obs) / per
		}
	}

	rng := rand.New(rand.NewSource(in.Seed))
	rng.Shuffle(len(obs), func(a, b int) { obs[a], obs[b] = obs[b], obs[a] })

	var truth []float64
	var sse float64
	for f := 0; f < folds; f++ {
		if err := ctx.Err(); err != nil {
			return 0, false, err
		}
		fold := obs[f*per : (f+1)*per]
		masked := x.Clone()
		for _, c := range fold {
			masked.Set(c.i, c.j, math.NaN())
		}
		pred, err := est(ctx, masked)
		if err != nil {
			return 0, false, err
		}
		fallbackFill(pred)
		for _, c := range fold {
			t := x.At(c.i, c.j)
			d := pred.At(c.i, c.j) - t
			sse += d * d
			truth = append(truth, t)
		}
	}

	sigma := stat.StdDev(truth, nil)
	if sigma == 0 || math.IsNaN(sigma) {
		return 0, false, nil
	}
	rmse := math.Sqrt(sse / float64(len(truth)))
	score = 100 * (1 - rmse/sigma)
	return math.Max(0, math.Min(100, score)), true, nil
}

// fallbackFill replaces remaining NaN cells with the row mean, then the
// column mean, then zero.
func fallbackFill(x *matrix.Matrix) {
	colMean := make([]float64, x.Cols())
	for j := range colMean {
		colMean[j] = nanMean(x.Col(j))
	}
	for i := 0; i < x.Rows(); i++ {
		row := x.Row(i)
		rm := nanMean(row)
		for j, v := range row {
			if !math.IsNaN(v) {
				continue
			}
			switch {
			case !math.IsNaN(rm):
				row[j] = rm
			case !math.IsNaN(colMean[j]):
				row[j] = colMean[j]
			default:
				row[j] = 0
			}
		}
	}
}

func nanMean(v []float64) float64 {
	var sum float64
	n := 0
	for _, x := range v {
		if !math.IsNaN(x) {
			sum += x
			n++
		}
	}
	if n == 0 {
		return math.NaN()
	}
	return sum / float64(n)
}

func observedRange(row []float64) (lo, hi float64) {
	lo, hi = math.NaN(), math.NaN()
	for _, v := range row {
		if math.IsNaN(v) {
			continue
		}
		if math.IsNaN(lo) || v < lo {
			lo = v
		}
		if math.IsNaN(hi) || v > hi {
			hi = v
		}
	}
	return lo, hi
}

// fillConfig is what a single-modality fill function receives.
type fillConfig struct {
	Params     map[string]any
	TimeSeries bool
	Seed       int64
}

type fillFunc struct {
	check func(params map[string]any) error
	fill  func(ctx context.Context, x *matrix.Matrix, cfg fillConfig) (*matrix.Matrix, error)
}

// single runs one fill function independently over each modality.
type single struct {
	name   string
	fn     fillFunc
	logger *slog.Logger
}

func newSingle(name string, fn fillFunc, logger *slog.Logger) *single {
	return &single{name: name, fn: fn, logger: logging.OrDiscard(logger)}
}

func (s *single) Name() string { return s.name }

// CheckParams validates strategy parameters without running anything.
func (s *single) CheckParams(params map[string]any) error {
	return s.fn.check(params)
}

func (s *single) Impute(ctx context.Context, in Input) (*Result, error) {
	if len(in.Matrices) == 0 {
		return nil, fmt.Errorf("imputation: %s: %w: no modality matrices", s.name, ErrInsufficientModalities)
	}
	if err := s.fn.check(in.Options.Params); err != nil {
		return nil, fmt.Errorf("imputation: %s: %w: %v", s.name, ErrStrategyFailure, err)
	}
	cfg := fillConfig{Params: in.Options.Params, TimeSeries: in.Options.TimeSeriesPattern, Seed: in.Seed}
	est := func(ctx context.Context, x *matrix.Matrix) (*matrix.Matrix, error) {
		return s.fn.fill(ctx, x, cfg)
	}

	res := &Result{Method: s.name, Modalities: make(map[modality.Modality]*ModalityOutcome)}
	samples := make(map[string]bool)
	mods := sortedModalities(in.Matrices)
	for k, mod := range mods {
		m := in.Matrices[mod]
		for _, l := range m.ColLabels {
			samples[l] = true
		}
		out, err := imputeModality(ctx, m, est, true, in, s.logger.With("method", s.name, "modality", string(mod)))
		if err != nil {
			return nil, wrapFailure(s.name, mod, err)
		}
		res.Modalities[mod] = out
		reportProgress(in, k+1, len(mods))
	}
	res.TotalSamples = len(samples)
	return res, nil
}

func reportProgress(in Input, done, total int) {
	if in.Progress != nil && total > 0 {
		in.Progress(done * 100 / total)
	}
}

// wrapFailure tags estimator errors as strategy failures, leaving context
// cancellation recognisable.
func wrapFailure(method string, mod modality.Modality, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("imputation: %s on %s: %w", method, mod, err)
	}
	if errors.Is(err, ErrStrategyFailure) {
		return err
	}
	return fmt.Errorf("imputation: %s on %s: %w: %v", method, mod, ErrStrategyFailure, err)
}

// ParamChecker is implemented by strategies that validate parameters up front.
type ParamChecker interface {
	CheckParams(params map[string]any) error
}

// CheckParams validates params for method when the strategy supports it.
func (r *Registry) CheckParams(method string, params map[string]any) error {
	s, err := r.Get(method)
	if err != nil {
		return err
	}
	if pc, ok := s.(ParamChecker); ok {
		return pc.CheckParams(params)
	}
	return nil
}
