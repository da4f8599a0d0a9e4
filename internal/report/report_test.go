package report

import (
	"strings"
	"testing"
	"time"

	"github.com/zulandar/geneq/internal/imputation"
	"github.com/zulandar/geneq/internal/modality"
	"github.com/zulandar/geneq/internal/validation"
)

func TestDownloadURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"/api", "/api/imputation/download/j1/rna"},
		{"/api/", "/api/imputation/download/j1/rna"},
		{"", "/imputation/download/j1/rna"},
	}
	for _, tt := range tests {
		if got := DownloadURL(tt.base, "j1", modality.RNA); got != tt.want {
			t.Errorf("DownloadURL(%q) = %q, want %q", tt.base, got, tt.want)
		}
	}
}

func TestImputation(t *testing.T) {
	q := 91.234
	res := &imputation.Result{
		Method:       "knn",
		TotalSamples: 12,
		Modalities: map[modality.Modality]*imputation.ModalityOutcome{
			modality.RNA:     {Imputed: 40, ExcludedRows: 2, Quality: &q},
			modality.Protein: {Imputed: 0, Rejected: true},
		},
	}
	out := Imputation(res, "j1", "/api", []modality.Modality{modality.RNA})

	if out.RNAMissingImputed != 40 || out.ProteinMissingImputed != 0 || out.MethylMissingImputed != 0 {
		t.Errorf("counts = %d/%d/%d", out.RNAMissingImputed, out.ProteinMissingImputed, out.MethylMissingImputed)
	}
	if out.TotalSamples != 12 || out.Method != "knn" {
		t.Errorf("out = %+v", out)
	}
	if len(out.OutputFiles) != 1 || out.OutputFiles["rna"] != "/api/imputation/download/j1/rna" {
		t.Errorf("OutputFiles = %v", out.OutputFiles)
	}
	if out.QualityScores["rna"] != 91.23 {
		t.Errorf("QualityScores = %v", out.QualityScores)
	}
	if _, ok := out.QualityScores["protein"]; ok {
		t.Error("protein had no holdout score and should be absent")
	}
	if out.ExcludedRows["rna"] != 2 || out.ExcludedRows["protein"] != 0 {
		t.Errorf("ExcludedRows = %v", out.ExcludedRows)
	}
	if len(out.RejectedModalities) != 1 || out.RejectedModalities[0] != "protein" {
		t.Errorf("RejectedModalities = %v", out.RejectedModalities)
	}

	s := out.Summary()
	for _, want := range []string{"knn over 12 samples", "rna: 40 imputed (quality 91.2)", "rejected protein"} {
		if !strings.Contains(s, want) {
			t.Errorf("Summary() = %q, want to contain %q", s, want)
		}
	}
}

func TestImputation_EmptyCollectionsAreNotNull(t *testing.T) {
	out := Imputation(&imputation.Result{Method: "mean"}, "j", "/api", nil)
	if out.OutputFiles == nil || out.QualityScores == nil || out.ExcludedRows == nil || out.RejectedModalities == nil {
		t.Errorf("nil collections in %+v", out)
	}
}

func sampleResult() validation.Result {
	return validation.Result{
		Files: []validation.FileResult{
			{
				Filename: "rna.csv", DataType: "rna", TotalValues: 1234567, NaNCount: 1234,
				NaNPercentage: 0.1, Shape: [2]int{12345, 100}, MaxRowNaNPercentage: 12.5,
				MaxColNaNPercentage: 3.25, ThresholdUsed: 20, Passed: true,
			},
			{Filename: "broken.csv", DataType: "unknown", Error: "matrix: malformed data"},
		},
		TotalFiles:  2,
		PassedFiles: 1,
		AllPassed:   false,
		Checks:      []validation.Check{{Name: "sample_matching", Status: "pass", Message: "all samples shared"}},
	}
}

func TestValidationText(t *testing.T) {
	text := ValidationText(7, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), sampleResult())
	for _, want := range []string{
		"Project ID: 7",
		"Completed at: 2026-03-01T12:00:00Z",
		"Total files: 2",
		"Passed files: 1",
		"Overall result: FAILED",
		"File: rna.csv",
		"  Status: PASSED",
		"  Shape: [12345, 100]",
		"  Total values: 1,234,567",
		"  Missing values: 1,234",
		"  Missing rate: 0.10% (threshold 20.00%)",
		"  Max column missing rate: 3.25%",
		"File: broken.csv\n  Status: ERROR\n  Error: matrix: malformed data",
		"sample_matching",
		"End of report",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("report missing %q\n%s", want, text)
		}
	}
}

func TestValidationSummary(t *testing.T) {
	if got := ValidationSummary(sampleResult()); got != "1/2 files passed, validation failed" {
		t.Errorf("ValidationSummary = %q", got)
	}
	if got := ValidationSummary(validation.Result{AllPassed: true}); got != "0/0 files passed, validation passed" {
		t.Errorf("ValidationSummary(empty) = %q", got)
	}
}

func TestThousands(t *testing.T) {
	tests := map[int]string{0: "0", 999: "999", 1000: "1,000", 1234567: "1,234,567", -4500: "-4,500"}
	for in, want := range tests {
		if got := thousands(in); got != want {
			t.Errorf("thousands(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestValidationFilename(t *testing.T) {
	if got := ValidationFilename(3); got != "validation_report_project_3.txt" {
		t.Errorf("ValidationFilename = %q", got)
	}
}
