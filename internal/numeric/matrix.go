package numeric

import "fmt"

// Matrix is a dense row-major matrix of float64 values.
type Matrix struct {
	Rows int
	Cols int
	Data []float64
}

// NewMatrix allocates a zeroed rows x cols matrix
func NewMatrix(rows, cols int) Matrix {
	return Matrix{Rows: rows, Cols: cols, Data: make([]float64, rows*cols)}
}

// MatrixFromRows builds a matrix from row slices, validating dimensions
func MatrixFromRows(rows [][]float64) (Matrix, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return Matrix{}, fmt.Errorf("matrix: empty row set")
	}
	cols := len(rows[0])
	m := NewMatrix(len(rows), cols)
	for i, row := range rows {
		if len(row) != cols {
			return Matrix{}, fmt.Errorf("matrix: row %d has %d columns, expected %d", i, len(row), cols)
		}
		copy(m.Data[i*cols:(i+1)*cols], row)
	}
	return m, nil
}

// At returns the element at (i, j)
func (m Matrix) At(i, j int) float64 {
	return m.Data[i*m.Cols+j]
}

// Set writes the element at (i, j)
func (m Matrix) Set(i, j int, v float64) {
	m.Data[i*m.Cols+j] = v
}

// Col copies column j into dst, which must have length Rows
func (m Matrix) Col(dst []float64, j int) {
	for i := 0; i < m.Rows; i++ {
		dst[i] = m.Data[i*m.Cols+j]
	}
}

// SetCol writes src into column j
func (m Matrix) SetCol(j int, src []float64) {
	for i := 0; i < m.Rows; i++ {
		m.Data[i*m.Cols+j] = src[i]
	}
}

// MulVec computes m * v for a vector of length Cols
func (m Matrix) MulVec(v []float64) ([]float64, error) {
	if len(v) != m.Cols {
		return nil, fmt.Errorf("matrix: dimension mismatch %dx%d * %d", m.Rows, m.Cols, len(v))
	}
	out := make([]float64, m.Rows)
	for i := 0; i < m.Rows; i++ {
		row := m.Data[i*m.Cols : (i+1)*m.Cols]
		sum := 0.0
		for j, rv := range row {
			sum += rv * v[j]
		}
		out[i] = sum
	}
	return out, nil
}

// Scale multiplies every element by s, returning a new matrix
func (m Matrix) Scale(s float64) Matrix {
	out := NewMatrix(m.Rows, m.Cols)
	for i, v := range m.Data {
		out.Data[i] = v * s
	}
	return out
}

// Clone returns a deep copy
func (m Matrix) Clone() Matrix {
	out := NewMatrix(m.Rows, m.Cols)
	copy(out.Data, m.Data)
	return out
}

// Clip bounds x into [lo, hi]
func Clip(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

// Dot computes the inner product of two equal-length vectors
func Dot(a, b []float64) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vector: dimension mismatch %d vs %d", len(a), len(b))
	}
	sum := 0.0
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum, nil
}

// AddScaled computes dst += s * v in place
func AddScaled(dst []float64, s float64, v []float64) {
	for i := range dst {
		dst[i] += s * v[i]
	}
}
