package imputation

import (
	"context"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/zulandar/geneq/internal/matrix"
)

var fillMean = fillFunc{
	check: func(p map[string]any) error {
		_, err := meanStatistic(p)
		return err
	},
	fill: func(ctx context.Context, x *matrix.Matrix, cfg fillConfig) (*matrix.Matrix, error) {
		statistic, err := meanStatistic(cfg.Params)
		if err != nil {
			return nil, err
		}
		out := x.Clone()
		for i := 0; i < out.Rows(); i++ {
			row := out.Row(i)
			center := rowCenter(row, statistic)
			orig := x.Row(i)
			for j, v := range orig {
				if !math.IsNaN(v) {
					continue
				}
				if cfg.TimeSeries {
					if est, ok := interpolate(orig, j); ok {
						row[j] = est
						continue
					}
				}
				row[j] = center
			}
		}
		return out, nil
	},
}

func meanStatistic(p map[string]any) (string, error) {
	s := paramString(p, "statistic", "mean")
	if s != "mean" && s != "median" {
		return "", fmt.Errorf("statistic must be mean or median, got %q", s)
	}
	return s, nil
}

// rowCenter returns the mean or median of the observed values of row, or
// NaN when none are observed.
func rowCenter(row []float64, statistic string) float64 {
	obs := make([]float64, 0, len(row))
	for _, v := range row {
		if !math.IsNaN(v) {
			obs = append(obs, v)
		}
	}
	if len(obs) == 0 {
		return math.NaN()
	}
	if statistic == "median" {
		sort.Float64s(obs)
		med := stat.Quantile(0.5, stat.Empirical, obs, nil)
		if len(obs)%2 == 0 {
			// Empirical picks the lower of the two middle values.
			med = (med + obs[len(obs)/2]) / 2
		}
		return med
	}
	return stat.Mean(obs, nil)
}

// interpolate treats column order as time and estimates row[j] from the
// nearest observed neighbours: linear between both sides, or the single
// neighbour at a series edge.
func interpolate(row []float64, j int) (float64, bool) {
	left, right := -1, -1
	for k := j - 1; k >= 0; k-- {
		if !math.IsNaN(row[k]) {
			left = k
			break
		}
	}
	for k := j + 1; k < len(row); k++ {
		if !math.IsNaN(row[k]) {
			right = k
			break
		}
	}
	switch {
	case left >= 0 && right >= 0:
		t := float64(j-left) / float64(right-left)
		return row[left] + t*(row[right]-row[left]), true
	case left >= 0:
		return row[left], true
	case right >= 0:
		return row[right], true
	}
	return 0, false
}
