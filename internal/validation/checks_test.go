package validation

import (
	"math"
	"testing"

	"github.com/zulandar/geneq/internal/matrix"
	"github.com/zulandar/geneq/internal/modality"
)

func findCheck(t *testing.T, checks []Check, name string) Check {
	t.Helper()
	for _, c := range checks {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("check %q not found in %+v", name, checks)
	return Check{}
}

func TestSampleMatching(t *testing.T) {
	a := makeMatrix(t, 3, 4, 0, "S")
	same := makeMatrix(t, 5, 4, 0, "S")
	partial := makeMatrix(t, 5, 2, 0, "S")
	disjoint := makeMatrix(t, 5, 4, 0, "P")

	tests := []struct {
		name  string
		other *matrix.Matrix
		want  string
	}{
		{"identical samples", same, CheckPassed},
		{"subset", partial, CheckWarning},
		{"disjoint", disjoint, CheckFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Evaluate([]FileInput{
				{Filename: "rna.csv", Modality: modality.RNA, Matrix: a},
				{Filename: "protein.csv", Modality: modality.Protein, Matrix: tt.other},
			}, DefaultRules(), 50, nil)
			c := findCheck(t, res.Checks, "sample_matching")
			if c.Status != tt.want {
				t.Errorf("status = %q, want %q (%s)", c.Status, tt.want, c.Message)
			}
		})
	}
}

func TestSampleMatching_Disabled(t *testing.T) {
	rules := DefaultRules()
	rules.SampleMatchingEnabled = false
	res := Evaluate([]FileInput{
		{Filename: "rna.csv", Matrix: makeMatrix(t, 3, 3, 0, "S")},
		{Filename: "protein.csv", Matrix: makeMatrix(t, 3, 3, 0, "P")},
	}, rules, 50, nil)
	if c := findCheck(t, res.Checks, "sample_matching"); c.Status != CheckSkipped {
		t.Errorf("status = %q, want skipped", c.Status)
	}
}

func TestRangeValidation_Methyl(t *testing.T) {
	m, _ := matrix.FromRows([]string{"cg1", "cg2"}, []string{"A", "B"}, [][]float64{
		{0.2, 1.4},
		{math.NaN(), -0.1},
	})
	res := Evaluate([]FileInput{{Filename: "methyl.csv", Modality: modality.Methyl, Matrix: m}}, DefaultRules(), 50, nil)
	c := findCheck(t, res.Checks, "range_validation")
	if c.Status != CheckFailed {
		t.Errorf("status = %q, want failed", c.Status)
	}
	if got := c.Details["violations_by_file"].(map[string]int)["methyl.csv"]; got != 2 {
		t.Errorf("violations = %d, want 2", got)
	}
	// Range checks are reported only; the missing-rate verdict stands.
	if !res.Files[0].Passed {
		t.Error("range violation changed the file verdict")
	}
}

func TestRangeValidation_InfiniteRNA(t *testing.T) {
	m, _ := matrix.FromRows([]string{"g1"}, []string{"A", "B"}, [][]float64{{5, math.Inf(1)}})
	res := Evaluate([]FileInput{{Filename: "rna.csv", Modality: modality.RNA, Matrix: m}}, DefaultRules(), 50, nil)
	if c := findCheck(t, res.Checks, "range_validation"); c.Status != CheckFailed {
		t.Errorf("status = %q, want failed", c.Status)
	}
}

func TestDriftShare(t *testing.T) {
	if got := DriftShare([]float64{1, 2}); got != 0 {
		t.Errorf("DriftShare(short) = %v, want 0", got)
	}
	if got := DriftShare([]float64{5, 5, 5, 5}); got != 0 {
		t.Errorf("DriftShare(constant) = %v, want 0", got)
	}
	values := []float64{10, 10.1, 9.9, 10.2, 9.8, 10.05, 9.95, 10.15, 9.85, 30}
	if got := DriftShare(values); got != 10 {
		t.Errorf("DriftShare = %v, want 10", got)
	}
}

func TestBatchDrift_Warning(t *testing.T) {
	m := makeMatrix(t, 20, 10, 0, "S")
	for i := 0; i < m.Rows(); i++ {
		m.Set(i, 9, 100)
	}
	res := Evaluate([]FileInput{{Filename: "rna.csv", Modality: modality.RNA, Matrix: m}}, DefaultRules(), 50, nil)
	if c := findCheck(t, res.Checks, "batch_effect"); c.Status != CheckWarning {
		t.Errorf("status = %q, want warning (%s)", c.Status, c.Message)
	}
}
