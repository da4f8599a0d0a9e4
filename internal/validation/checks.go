package validation

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/zulandar/geneq/internal/missingness"
	"github.com/zulandar/geneq/internal/modality"
)

// Check status values.
const (
	CheckPassed  = "passed"
	CheckWarning = "warning"
	CheckFailed  = "failed"
	CheckSkipped = "skipped"
)

// Check is an auxiliary quality check reported next to the file verdicts.
type Check struct {
	Name    string         `json:"name"`
	Status  string         `json:"status"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// madScale converts a median absolute deviation to a normal-consistent sigma.
const madScale = 1.4826

// outlierZ is the robust z-score beyond which a sample mean counts as drifted.
const outlierZ = 3.0

func runChecks(inputs []FileInput, rules Rules) []Check {
	loaded := make([]FileInput, 0, len(inputs))
	for _, in := range inputs {
		if in.Err == nil && in.Matrix != nil {
			loaded = append(loaded, in)
		}
	}
	return []Check{
		sampleMatching(loaded, rules.SampleMatchingEnabled),
		rangeValidation(loaded, rules.RangeValidationEnabled),
		batchDrift(loaded, rules.BatchEffectThreshold),
	}
}

// sampleMatching compares the sample (column) labels of every loaded file.
func sampleMatching(files []FileInput, enabled bool) Check {
	c := Check{Name: "sample_matching"}
	if !enabled {
		c.Status, c.Message = CheckSkipped, "disabled by rules"
		return c
	}
	if len(files) < 2 {
		c.Status, c.Message = CheckSkipped, "fewer than two files"
		return c
	}

	counts := make(map[string]int)
	for _, f := range files {
		seen := make(map[string]bool)
		for _, l := range f.Matrix.ColLabels {
			if !seen[l] {
				seen[l] = true
				counts[l]++
			}
		}
	}
	common := 0
	for _, n := range counts {
		if n == len(files) {
			common++
		}
	}
	unmatched := make(map[string]int, len(files))
	for _, f := range files {
		unmatched[f.Filename] = len(f.Matrix.ColLabels) - common
	}
	c.Details = map[string]any{
		"common_samples":    common,
		"total_samples":     len(counts),
		"unmatched_by_file": unmatched,
	}

	switch {
	case common == len(counts):
		c.Status, c.Message = CheckPassed, fmt.Sprintf("all %d samples present in every file", common)
	case common == 0:
		c.Status, c.Message = CheckFailed, "no sample is shared by all files"
	default:
		c.Status, c.Message = CheckWarning, fmt.Sprintf("%d of %d samples shared by all files", common, len(counts))
	}
	return c
}

// rangeValidation flags infinite values, and methylation beta values
// outside [0, 1].
func rangeValidation(files []FileInput, enabled bool) Check {
	c := Check{Name: "range_validation"}
	if !enabled {
		c.Status, c.Message = CheckSkipped, "disabled by rules"
		return c
	}
	if len(files) == 0 {
		c.Status, c.Message = CheckSkipped, "no files"
		return c
	}

	violations := make(map[string]int)
	total := 0
	for _, f := range files {
		n := 0
		for i := 0; i < f.Matrix.Rows(); i++ {
			for _, v := range f.Matrix.Row(i) {
				if math.IsNaN(v) {
					continue
				}
				if math.IsInf(v, 0) || (f.Modality == modality.Methyl && (v < 0 || v > 1)) {
					n++
				}
			}
		}
		if n > 0 {
			violations[f.Filename] = n
			total += n
		}
	}
	c.Details = map[string]any{"violations_by_file": violations}
	if total == 0 {
		c.Status, c.Message = CheckPassed, "all values within range"
	} else {
		c.Status, c.Message = CheckFailed, fmt.Sprintf("%d out-of-range values", total)
	}
	return c
}

// batchDrift measures, per file, the share of samples whose column mean is a
// robust outlier (|z| > 3 using median and MAD), and warns when that share
// exceeds threshold percent.
func batchDrift(files []FileInput, threshold float64) Check {
	c := Check{Name: "batch_effect"}
	if len(files) == 0 {
		c.Status, c.Message = CheckSkipped, "no files"
		return c
	}

	shares := make(map[string]float64, len(files))
	worst := 0.0
	for _, f := range files {
		share := DriftShare(columnMeans(f))
		shares[f.Filename] = missingness.Round2(share)
		if share > worst {
			worst = share
		}
	}
	c.Details = map[string]any{
		"outlier_sample_percentage": shares,
		"threshold":                 threshold,
	}
	if worst > threshold {
		c.Status = CheckWarning
		c.Message = fmt.Sprintf("%.2f%% of samples drift from the cohort, above %.2f%%", worst, threshold)
	} else {
		c.Status = CheckPassed
		c.Message = "no batch drift above threshold"
	}
	return c
}

func columnMeans(f FileInput) []float64 {
	m := f.Matrix
	means := make([]float64, 0, m.Cols())
	for j := 0; j < m.Cols(); j++ {
		var sum float64
		n := 0
		for i := 0; i < m.Rows(); i++ {
			v := m.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			sum += v
			n++
		}
		if n > 0 {
			means = append(means, sum/float64(n))
		}
	}
	return means
}

// DriftShare returns the percentage of values that are robust outliers.
// Fewer than three values, or zero spread, yields zero.
func DriftShare(values []float64) float64 {
	if len(values) < 3 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	med := stat.Quantile(0.5, stat.Empirical, sorted, nil)

	dev := make([]float64, len(sorted))
	for i, v := range sorted {
		dev[i] = math.Abs(v - med)
	}
	sort.Float64s(dev)
	mad := stat.Quantile(0.5, stat.Empirical, dev, nil) * madScale
	if mad == 0 {
		return 0
	}

	out := 0
	for _, v := range sorted {
		if math.Abs(v-med)/mad > outlierZ {
			out++
		}
	}
	return float64(out) / float64(len(sorted)) * 100
}
