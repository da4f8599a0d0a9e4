// Package report shapes job results for API clients and renders the
// downloadable validation report.
package report

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/zulandar/geneq/internal/imputation"
	"github.com/zulandar/geneq/internal/missingness"
	"github.com/zulandar/geneq/internal/modality"
	"github.com/zulandar/geneq/internal/validation"
)

// ImputationResult is the stored and served result of an imputation job.
type ImputationResult struct {
	RNAMissingImputed     int                `json:"rna_missing_imputed"`
	ProteinMissingImputed int                `json:"protein_missing_imputed"`
	MethylMissingImputed  int                `json:"methyl_missing_imputed"`
	TotalSamples          int                `json:"total_samples"`
	OutputFiles           map[string]string  `json:"output_files"`
	Method                string             `json:"method"`
	QualityScores         map[string]float64 `json:"quality_scores"`
	ExcludedRows          map[string]int     `json:"excluded_rows"`
	RejectedModalities    []string           `json:"rejected_modalities"`
}

// DownloadURL is the client path of one imputed modality.
func DownloadURL(basePath, jobID string, mod modality.Modality) string {
	return fmt.Sprintf("%s/imputation/download/%s/%s", strings.TrimRight(basePath, "/"), jobID, mod)
}

// Imputation builds the result of job jobID. written lists the modalities
// whose output file was stored; only those get a download URL.
func Imputation(res *imputation.Result, jobID, basePath string, written []modality.Modality) ImputationResult {
	out := ImputationResult{
		RNAMissingImputed:     res.Imputed(modality.RNA),
		ProteinMissingImputed: res.Imputed(modality.Protein),
		MethylMissingImputed:  res.Imputed(modality.Methyl),
		TotalSamples:          res.TotalSamples,
		OutputFiles:           make(map[string]string, len(written)),
		Method:                res.Method,
		QualityScores:         make(map[string]float64),
		ExcludedRows:          make(map[string]int),
		RejectedModalities:    []string{},
	}
	for _, m := range written {
		out.OutputFiles[string(m)] = DownloadURL(basePath, jobID, m)
	}
	for m, o := range res.Modalities {
		if o.Quality != nil {
			out.QualityScores[string(m)] = missingness.Round2(*o.Quality)
		}
		out.ExcludedRows[string(m)] = o.ExcludedRows
	}
	for _, m := range res.Rejected() {
		out.RejectedModalities = append(out.RejectedModalities, string(m))
	}
	return out
}

// Summary is a one-line description used in notifications and CLI output.
func (r ImputationResult) Summary() string {
	mods := make([]string, 0, len(r.ExcludedRows))
	for m := range r.ExcludedRows {
		mods = append(mods, m)
	}
	sort.Strings(mods)
	counts := map[string]int{
		string(modality.RNA):     r.RNAMissingImputed,
		string(modality.Protein): r.ProteinMissingImputed,
		string(modality.Methyl):  r.MethylMissingImputed,
	}
	parts := make([]string, 0, len(mods))
	for _, m := range mods {
		p := fmt.Sprintf("%s: %d imputed", m, counts[m])
		if q, ok := r.QualityScores[m]; ok {
			p += fmt.Sprintf(" (quality %.1f)", q)
		}
		parts = append(parts, p)
	}
	s := fmt.Sprintf("%s over %d samples", r.Method, r.TotalSamples)
	if len(parts) > 0 {
		s += "; " + strings.Join(parts, ", ")
	}
	if len(r.RejectedModalities) > 0 {
		s += "; rejected " + strings.Join(r.RejectedModalities, ", ")
	}
	return s
}

// ValidationSummary is a one-line description of a validation result.
func ValidationSummary(res validation.Result) string {
	verdict := "passed"
	if !res.AllPassed {
		verdict = "failed"
	}
	return fmt.Sprintf("%d/%d files passed, validation %s", res.PassedFiles, res.TotalFiles, verdict)
}

const (
	rule = "================================================================================"
	thin = "--------------------------------------------------------------------------------"
)

// ValidationText renders the plain-text report of a completed validation.
func ValidationText(projectID uint, completedAt time.Time, res validation.Result) string {
	var b strings.Builder
	line := func(format string, args ...any) {
		fmt.Fprintf(&b, format, args...)
		b.WriteByte('\n')
	}

	line(rule)
	line("Data Quality Validation Report")
	line(rule)
	line("Project ID: %d", projectID)
	line("Completed at: %s", completedAt.UTC().Format(time.RFC3339))
	line("")
	line("Total files: %d", res.TotalFiles)
	line("Passed files: %d", res.PassedFiles)
	line("Overall result: %s", verdict(res.AllPassed))
	line("")
	line(thin)
	line("Per-file results")
	line(thin)
	line("")

	for _, f := range res.Files {
		line("File: %s", f.Filename)
		if f.Error != "" {
			line("  Status: ERROR")
			line("  Error: %s", f.Error)
			line("")
			continue
		}
		line("  Status: %s", verdict(f.Passed))
		line("  Data type: %s", f.DataType)
		line("  Shape: [%d, %d]", f.Shape[0], f.Shape[1])
		line("  Total values: %s", thousands(f.TotalValues))
		line("  Missing values: %s", thousands(f.NaNCount))
		line("  Missing rate: %.2f%% (threshold %.2f%%)", f.NaNPercentage, f.ThresholdUsed)
		line("  Max row missing rate: %.2f%%", f.MaxRowNaNPercentage)
		line("  Max column missing rate: %.2f%%", f.MaxColNaNPercentage)
		line("")
	}

	if len(res.Checks) > 0 {
		line(thin)
		line("Additional checks")
		line(thin)
		for _, c := range res.Checks {
			line("  %-18s %-8s %s", c.Name, strings.ToUpper(c.Status), c.Message)
		}
		line("")
	}

	line(rule)
	line("End of report")
	b.WriteString(rule)
	return b.String()
}

// ValidationFilename is the attachment name of a project's report.
func ValidationFilename(projectID uint) string {
	return fmt.Sprintf("validation_report_project_%d.txt", projectID)
}

func verdict(passed bool) string {
	if passed {
		return "PASSED"
	}
	return "FAILED"
}

// thousands formats n with comma separators.
func thousands(n int) string {
	s := strconv.Itoa(n)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	var b strings.Builder
	for i, c := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(c)
	}
	if neg {
		return "-" + b.String()
	}
	return b.String()
}
