package missingness

import (
	"math"
	"math/rand"
	"testing"

	"github.com/zulandar/geneq/internal/matrix"
)

var nan = math.NaN()

func mustMatrix(t *testing.T, rows [][]float64) *matrix.Matrix {
	t.Helper()
	cols := make([]string, len(rows[0]))
	for j := range cols {
		cols[j] = string(rune('A' + j))
	}
	labels := make([]string, len(rows))
	for i := range labels {
		labels[i] = string(rune('a' + i))
	}
	m, err := matrix.FromRows(labels, cols, rows)
	if err != nil {
		t.Fatalf("FromRows: %v", err)
	}
	return m
}

func TestAnalyze_Basic(t *testing.T) {
	m := mustMatrix(t, [][]float64{
		{1, nan, 3, 4},
		{nan, nan, nan, nan},
		{1, 2, 3, 4},
	})
	s := Analyze(m)

	if s.TotalValues != 12 {
		t.Errorf("TotalValues = %d, want 12", s.TotalValues)
	}
	if s.NaNCount != 5 {
		t.Errorf("NaNCount = %d, want 5", s.NaNCount)
	}
	if want := 5.0 / 12 * 100; s.NaNPercentage != want {
		t.Errorf("NaNPercentage = %v, want %v", s.NaNPercentage, want)
	}
	if s.MaxRowNaNPercentage != 100 {
		t.Errorf("MaxRowNaNPercentage = %v, want 100", s.MaxRowNaNPercentage)
	}
	if want := 2.0 / 3 * 100; s.MaxColNaNPercentage != want {
		t.Errorf("MaxColNaNPercentage = %v, want %v", s.MaxColNaNPercentage, want)
	}
	if s.RowsWithMissing != 2 || s.ColsWithMissing != 4 {
		t.Errorf("RowsWithMissing/ColsWithMissing = %d/%d, want 2/4", s.RowsWithMissing, s.ColsWithMissing)
	}
	if got := Round2(s.Completeness()); got != 58.33 {
		t.Errorf("Completeness = %v, want 58.33", got)
	}
}

func TestAnalyze_NoMissing(t *testing.T) {
	s := Analyze(mustMatrix(t, [][]float64{{1, 2}, {3, 4}}))
	if s.NaNCount != 0 || s.NaNPercentage != 0 || s.MaxRowNaNPercentage != 0 {
		t.Errorf("stats = %+v, want zero missing", s)
	}
}

// A file can be mostly complete and still hide a fully empty sample.
func TestAnalyze_EmptySampleVisibleInColumnMax(t *testing.T) {
	rows := make([][]float64, 50)
	for i := range rows {
		rows[i] = []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, nan}
	}
	s := Analyze(mustMatrix(t, rows))
	if s.NaNPercentage != 10 {
		t.Errorf("NaNPercentage = %v, want 10", s.NaNPercentage)
	}
	if s.MaxColNaNPercentage != 100 {
		t.Errorf("MaxColNaNPercentage = %v, want 100", s.MaxColNaNPercentage)
	}
}

func TestAnalyze_Properties(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 50; trial++ {
		r, c := 1+rng.Intn(20), 1+rng.Intn(20)
		rows := make([][]float64, r)
		for i := range rows {
			rows[i] = make([]float64, c)
			for j := range rows[i] {
				if rng.Float64() < 0.3 {
					rows[i][j] = nan
				} else {
					rows[i][j] = rng.NormFloat64()
				}
			}
		}
		s := Analyze(mustMatrix(t, rows))
		if s.NaNCount > s.TotalValues {
			t.Fatalf("NaNCount %d > TotalValues %d", s.NaNCount, s.TotalValues)
		}
		want := float64(s.NaNCount) / float64(s.TotalValues) * 100
		if math.Abs(s.NaNPercentage-want) > 1e-9 {
			t.Fatalf("NaNPercentage = %v, want %v", s.NaNPercentage, want)
		}
		if s.MaxRowNaNPercentage < s.NaNPercentage-1e-9 || s.MaxColNaNPercentage < s.NaNPercentage-1e-9 {
			t.Fatalf("axis maxima below overall: %+v", s)
		}
	}
}

func TestRound2(t *testing.T) {
	tests := []struct{ in, want float64 }{
		{10, 10},
		{33.333333, 33.33},
		{66.666666, 66.67},
		{0.005, 0.01},
	}
	for _, tt := range tests {
		if got := Round2(tt.in); got != tt.want {
			t.Errorf("Round2(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestBucketFor(t *testing.T) {
	tests := []struct {
		p    float64
		want string
	}{
		{0, "0-10%"},
		{9.99, "0-10%"},
		{10, "10-20%"},
		{29.9, "20-30%"},
		{30, "30-50%"},
		{50, "50%+"},
		{100, "50%+"},
	}
	for _, tt := range tests {
		if got := BucketFor(tt.p); got != tt.want {
			t.Errorf("BucketFor(%v) = %q, want %q", tt.p, got, tt.want)
		}
	}
}

func TestDistribution_Add(t *testing.T) {
	m := mustMatrix(t, [][]float64{
		{1, 2, 3, 4},
		{nan, 2, 3, 4},
		{nan, nan, nan, 4},
	})
	d := NewDistribution()
	d.Add(Analyze(m))

	if d.Features["0-10%"] != 1 || d.Features["20-30%"] != 1 || d.Features["50%+"] != 1 {
		t.Errorf("Features = %v", d.Features)
	}
	// Columns: A 66.7%, B 33.3%, C 33.3%, D 0%.
	if d.Samples["50%+"] != 1 || d.Samples["30-50%"] != 2 || d.Samples["0-10%"] != 1 {
		t.Errorf("Samples = %v", d.Samples)
	}
	if len(d.Features) != len(Buckets) {
		t.Errorf("Features has %d buckets, want %d", len(d.Features), len(Buckets))
	}
}
