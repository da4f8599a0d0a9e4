// Package missingness computes NaN statistics over a matrix.
package missingness

import (
	"math"

	"github.com/zulandar/geneq/internal/matrix"
)

// Stats summarizes the missing values of one matrix. Percentages keep full
// precision; callers round for display with Round2.
type Stats struct {
	TotalValues         int
	NaNCount            int
	NaNPercentage       float64
	MaxRowNaNPercentage float64
	MaxColNaNPercentage float64
	RowsWithMissing     int
	ColsWithMissing     int
	RowNaNPercentages   []float64
	ColNaNPercentages   []float64
}

// Completeness is 100 minus the overall missing percentage.
func (s Stats) Completeness() float64 {
	return 100 - s.NaNPercentage
}

// Analyze scans m once and returns its missingness statistics. An empty
// matrix reports zero everywhere.
func Analyze(m *matrix.Matrix) Stats {
	rows, cols := m.Rows(), m.Cols()
	s := Stats{
		TotalValues:       rows * cols,
		RowNaNPercentages: make([]float64, rows),
		ColNaNPercentages: make([]float64, cols),
	}
	if s.TotalValues == 0 {
		return s
	}

	colCounts := make([]int, cols)
	for i := 0; i < rows; i++ {
		rowCount := 0
		for j, v := range m.Row(i) {
			if matrix.Missing(v) {
				rowCount++
				colCounts[j]++
			}
		}
		s.NaNCount += rowCount
		if rowCount > 0 {
			s.RowsWithMissing++
		}
		p := pct(rowCount, cols)
		s.RowNaNPercentages[i] = p
		if p > s.MaxRowNaNPercentage {
			s.MaxRowNaNPercentage = p
		}
	}
	for j, c := range colCounts {
		if c > 0 {
			s.ColsWithMissing++
		}
		p := pct(c, rows)
		s.ColNaNPercentages[j] = p
		if p > s.MaxColNaNPercentage {
			s.MaxColNaNPercentage = p
		}
	}
	s.NaNPercentage = pct(s.NaNCount, s.TotalValues)
	return s
}

func pct(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) * 100 / float64(total)
}

// Round2 rounds to two decimals, half away from zero.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Bucket labels, in display order.
var Buckets = []string{"0-10%", "10-20%", "20-30%", "30-50%", "50%+"}

// BucketFor returns the bucket label for a missing percentage. Lower bounds
// are inclusive: exactly 10% falls in "10-20%".
func BucketFor(p float64) string {
	switch {
	case p < 10:
		return Buckets[0]
	case p < 20:
		return Buckets[1]
	case p < 30:
		return Buckets[2]
	case p < 50:
		return Buckets[3]
	default:
		return Buckets[4]
	}
}

// Distribution counts features (rows) and samples (columns) per bucket.
type Distribution struct {
	Features map[string]int `json:"gene_distribution"`
	Samples  map[string]int `json:"sample_distribution"`
}

// NewDistribution returns a distribution with every bucket present at zero.
func NewDistribution() Distribution {
	d := Distribution{Features: make(map[string]int), Samples: make(map[string]int)}
	for _, b := range Buckets {
		d.Features[b] = 0
		d.Samples[b] = 0
	}
	return d
}

// Add folds the per-axis percentages of s into d.
func (d Distribution) Add(s Stats) {
	for _, p := range s.RowNaNPercentages {
		d.Features[BucketFor(p)]++
	}
	for _, p := range s.ColNaNPercentages {
		d.Samples[BucketFor(p)]++
	}
}
