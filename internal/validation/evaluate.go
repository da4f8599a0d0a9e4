package validation

import (
	"log/slog"

	"github.com/zulandar/geneq/internal/logging"
	"github.com/zulandar/geneq/internal/matrix"
	"github.com/zulandar/geneq/internal/missingness"
	"github.com/zulandar/geneq/internal/modality"
)

// FileInput is one file handed to Evaluate. Err is set when the stored
// matrix could not be loaded; Matrix is nil in that case.
type FileInput struct {
	Filename  string
	Modality  modality.Modality
	Ambiguous bool
	Matrix    *matrix.Matrix
	Err       error
}

// FileResult is the per-file verdict in the external result shape.
type FileResult struct {
	Filename            string  `json:"filename"`
	DataType            string  `json:"data_type"`
	TotalValues         int     `json:"total_values"`
	NaNCount            int     `json:"nan_count"`
	NaNPercentage       float64 `json:"nan_percentage"`
	Completeness        float64 `json:"completeness"`
	Shape               [2]int  `json:"shape"`
	MaxRowNaNPercentage float64 `json:"max_row_nan_percentage"`
	MaxColNaNPercentage float64 `json:"max_col_nan_percentage"`
	ThresholdUsed       float64 `json:"threshold_used"`
	Passed              bool    `json:"passed"`
	ModalityAmbiguous   bool    `json:"modality_ambiguous,omitempty"`
	Error               string  `json:"error,omitempty"`
}

// Result aggregates the file verdicts of one validation run.
type Result struct {
	Files       []FileResult `json:"files"`
	TotalFiles  int          `json:"total_files"`
	PassedFiles int          `json:"passed_files"`
	AllPassed   bool         `json:"all_passed"`
	Checks      []Check      `json:"checks"`
}

// Evaluate scores every input against rules. Files without a modality use
// defaultThreshold. The verdict compares the full-precision percentage;
// only the reported figures are rounded to two decimals.
// Auxiliary checks are attached but never change a verdict.
func Evaluate(inputs []FileInput, rules Rules, defaultThreshold float64, logger *slog.Logger) Result {
	logger = logging.OrDiscard(logger)

	res := Result{Files: make([]FileResult, 0, len(inputs)), Checks: []Check{}}
	if len(inputs) == 0 {
		logger.Warn("validation over zero files passes vacuously")
	}

	for _, in := range inputs {
		fr := FileResult{
			Filename:          in.Filename,
			DataType:          dataType(in.Modality),
			ThresholdUsed:     rules.ThresholdFor(in.Modality, defaultThreshold),
			ModalityAmbiguous: in.Ambiguous,
		}
		if in.Modality == modality.Unknown {
			logger.Info("no modality for file, using default threshold",
				"filename", in.Filename, "threshold", defaultThreshold)
		}
		if in.Ambiguous {
			logger.Warn("filename matches several modalities",
				"filename", in.Filename, "chosen", string(in.Modality))
		}

		if in.Err != nil || in.Matrix == nil {
			msg := "matrix unavailable"
			if in.Err != nil {
				msg = in.Err.Error()
			}
			fr.Error = msg
			fr.Passed = false
			res.Files = append(res.Files, fr)
			continue
		}

		s := missingness.Analyze(in.Matrix)
		fr.TotalValues = s.TotalValues
		fr.NaNCount = s.NaNCount
		fr.NaNPercentage = missingness.Round2(s.NaNPercentage)
		fr.Completeness = missingness.Round2(s.Completeness())
		fr.Shape = in.Matrix.Shape()
		fr.MaxRowNaNPercentage = missingness.Round2(s.MaxRowNaNPercentage)
		fr.MaxColNaNPercentage = missingness.Round2(s.MaxColNaNPercentage)
		fr.Passed = s.NaNPercentage <= fr.ThresholdUsed
		if fr.Passed {
			res.PassedFiles++
		}
		res.Files = append(res.Files, fr)
	}

	res.TotalFiles = len(res.Files)
	res.AllPassed = res.PassedFiles == res.TotalFiles
	res.Checks = runChecks(inputs, rules)
	return res
}

func dataType(m modality.Modality) string {
	if m == modality.Unknown {
		return "unknown"
	}
	return string(m)
}

// CompletenessByModality averages file completeness per known modality,
// skipping files that failed to load.
func (r Result) CompletenessByModality() map[modality.Modality]float64 {
	sums := make(map[modality.Modality]float64)
	counts := make(map[modality.Modality]int)
	for _, f := range r.Files {
		m := modality.Modality(f.DataType)
		if f.Error != "" || !modality.Valid(m) {
			continue
		}
		sums[m] += f.Completeness
		counts[m]++
	}
	out := make(map[modality.Modality]float64, len(sums))
	for m, s := range sums {
		out[m] = missingness.Round2(s / float64(counts[m]))
	}
	return out
}

// QualityScore is the mean of the per-modality completeness values, or
// zero when none are available.
func QualityScore(byModality map[modality.Modality]float64) float64 {
	if len(byModality) == 0 {
		return 0
	}
	var sum float64
	for _, v := range byModality {
		sum += v
	}
	return missingness.Round2(sum / float64(len(byModality)))
}
