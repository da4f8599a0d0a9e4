// Package matrix holds the labeled numeric matrix used by every analysis and
// imputation step, along with loaders for the supported upload formats.
//
// Layout is features × samples: row labels are feature identifiers (genes,
// probes, CpG sites) and column labels are sample identifiers. Missing values
// are NaN.
package matrix

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Matrix is a dense row-major float64 matrix with row and column labels.
type Matrix struct {
	// Corner is the header cell above the row-label column.
	Corner    string
	RowLabels []string
	ColLabels []string
	data      []float64
}

// New allocates a rows × cols matrix filled with NaN. Labels may be nil, in
// which case positional labels are generated.
func New(rowLabels, colLabels []string, rows, cols int) *Matrix {
	if rowLabels == nil {
		rowLabels = positional("r", rows)
	}
	if colLabels == nil {
		colLabels = positional("c", cols)
	}
	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = math.NaN()
	}
	return &Matrix{Corner: "feature", RowLabels: rowLabels, ColLabels: colLabels, data: data}
}

// FromRows builds a matrix from row slices. All rows must have the same
// length as colLabels.
func FromRows(rowLabels, colLabels []string, rows [][]float64) (*Matrix, error) {
	if len(rowLabels) != len(rows) {
		return nil, fmt.Errorf("matrix: %d row labels for %d rows", len(rowLabels), len(rows))
	}
	m := New(rowLabels, colLabels, len(rows), len(colLabels))
	for i, r := range rows {
		if len(r) != len(colLabels) {
			return nil, fmt.Errorf("matrix: %w: row %d has %d values, want %d", ErrMalformedData, i, len(r), len(colLabels))
		}
		copy(m.Row(i), r)
	}
	return m, nil
}

func positional(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s%d", prefix, i+1)
	}
	return out
}

// Rows returns the number of rows (features).
func (m *Matrix) Rows() int { return len(m.RowLabels) }

// Cols returns the number of columns (samples).
func (m *Matrix) Cols() int { return len(m.ColLabels) }

// Shape returns [rows, cols].
func (m *Matrix) Shape() [2]int { return [2]int{m.Rows(), m.Cols()} }

// At returns the value at row i, column j.
func (m *Matrix) At(i, j int) float64 { return m.data[i*m.Cols()+j] }

// Set stores v at row i, column j.
func (m *Matrix) Set(i, j int, v float64) { m.data[i*m.Cols()+j] = v }

// Row returns row i as a slice sharing the matrix storage.
func (m *Matrix) Row(i int) []float64 {
	c := m.Cols()
	return m.data[i*c : (i+1)*c]
}

// Col returns a copy of column j.
func (m *Matrix) Col(j int) []float64 {
	out := make([]float64, m.Rows())
	for i := range out {
		out[i] = m.At(i, j)
	}
	return out
}

// Clone returns a deep copy.
func (m *Matrix) Clone() *Matrix {
	c := &Matrix{
		Corner:    m.Corner,
		RowLabels: append([]string(nil), m.RowLabels...),
		ColLabels: append([]string(nil), m.ColLabels...),
		data:      append([]float64(nil), m.data...),
	}
	return c
}

// Missing reports whether v is the missing marker.
func Missing(v float64) bool { return math.IsNaN(v) }

// MissingCount returns the number of NaN entries.
func (m *Matrix) MissingCount() int {
	n := 0
	for _, v := range m.data {
		if Missing(v) {
			n++
		}
	}
	return n
}

// Dense returns a gonum view of the matrix sharing its storage. Missing
// entries remain NaN. Panics on an empty matrix, as gonum does.
func (m *Matrix) Dense() *mat.Dense {
	return mat.NewDense(m.Rows(), m.Cols(), m.data)
}

// ColIndex maps each column label to its position. Duplicate labels keep
// the first position.
func (m *Matrix) ColIndex() map[string]int {
	idx := make(map[string]int, m.Cols())
	for j, l := range m.ColLabels {
		if _, ok := idx[l]; !ok {
			idx[l] = j
		}
	}
	return idx
}

// SelectCols returns a new matrix holding only the named columns, in the
// given order. Unknown labels produce an error.
func (m *Matrix) SelectCols(labels []string) (*Matrix, error) {
	idx := m.ColIndex()
	out := New(append([]string(nil), m.RowLabels...), append([]string(nil), labels...), m.Rows(), len(labels))
	out.Corner = m.Corner
	for k, l := range labels {
		j, ok := idx[l]
		if !ok {
			return nil, fmt.Errorf("matrix: unknown column %q", l)
		}
		for i := 0; i < m.Rows(); i++ {
			out.Set(i, k, m.At(i, j))
		}
	}
	return out, nil
}

// Equal reports whether two matrices have identical labels and values,
// treating NaN as equal to NaN.
func Equal(a, b *Matrix) bool {
	if a.Rows() != b.Rows() || a.Cols() != b.Cols() {
		return false
	}
	for i := range a.RowLabels {
		if a.RowLabels[i] != b.RowLabels[i] {
			return false
		}
	}
	for j := range a.ColLabels {
		if a.ColLabels[j] != b.ColLabels[j] {
			return false
		}
	}
	for k := range a.data {
		x, y := a.data[k], b.data[k]
		if Missing(x) != Missing(y) {
			return false
		}
		if !Missing(x) && x != y {
			return false
		}
	}
	return true
}

// SelectRows returns a new matrix holding rows idx, in order.
func (m *Matrix) SelectRows(idx []int) *Matrix {
	labels := make([]string, len(idx))
	for k, i := range idx {
		labels[k] = m.RowLabels[i]
	}
	out := New(labels, append([]string(nil), m.ColLabels...), len(idx), m.Cols())
	out.Corner = m.Corner
	for k, i := range idx {
		copy(out.Row(k), m.Row(i))
	}
	return out
}
