// Package linalg holds the small-matrix kernel shared by the track fit and
// the alignment solver.
//
// Symmetric matrices are stored packed: the lower triangle row by row, so
// element (i, j) with j <= i lives at index i*(i+1)/2 + j. Rectangular
// matrices are flat row-major slices.
package linalg

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrShape is returned when a slice length does not match the stated size.
	ErrShape = errors.New("linalg: shape mismatch")
	// ErrSingular is returned when the constrained block of a matrix cannot be inverted.
	ErrSingular = errors.New("linalg: singular matrix")
)

// PackedLen returns the number of stored elements of an n×n symmetric matrix.
func PackedLen(n int) int {
	return n * (n + 1) / 2
}

// PackedIndex returns the storage index of element (i, j). The arguments may
// be given in either order.
func PackedIndex(i, j int) int {
	if j > i {
		i, j = j, i
	}
	return i*(i+1)/2 + j
}

// QuadraticForm returns aᵗ·S·a for a packed n×n matrix S.
// The caller guarantees len(a) >= n and len(s) >= PackedLen(n).
func QuadraticForm(a, s []float64, n int) float64 {
	switch n {
	case 1:
		return a[0] * s[0] * a[0]
	case 2:
		return a[0]*(a[0]*s[0]+a[1]*s[1]) + a[1]*(a[0]*s[1]+a[1]*s[2])
	}
	var sum float64
	for i := 0; i < n; i++ {
		var row float64
		for j := 0; j < n; j++ {
			row += s[PackedIndex(i, j)] * a[j]
		}
		sum += a[i] * row
	}
	return sum
}

// WeightedDesign takes a design matrix B (n rows × m columns) and a packed
// n×n weight S and returns Bᵗ·S (m×n, row-major) together with the packed
// m×m product Bᵗ·S·B.
func WeightedDesign(b, s []float64, n, m int) (bts, btsb []float64) {
	bts = make([]float64, m*n)
	for k := 0; k < m; k++ {
		for j := 0; j < n; j++ {
			var sum float64
			for l := 0; l < n; l++ {
				sum += b[l*m+k] * s[PackedIndex(l, j)]
			}
			bts[k*n+j] = sum
		}
	}

	btsb = make([]float64, PackedLen(m))
	for i := 0; i < m; i++ {
		for k := 0; k <= i; k++ {
			var sum float64
			for j := 0; j < n; j++ {
				sum += bts[i*n+j] * b[j*m+k]
			}
			btsb[PackedIndex(i, k)] = sum
		}
	}
	return bts, btsb
}

// AddNormalEquations folds one measurement into running normal equations:
// w += Bᵗ·S·B and v += Bᵗ·S·eps. It returns the measurement's χ²
// contribution epsᵗ·S·eps.
func AddNormalEquations(w, v, b, s, eps []float64, n, m int) float64 {
	bts, btsb := WeightedDesign(b, s, n, m)
	for i, x := range btsb {
		w[i] += x
	}
	for k := 0; k < m; k++ {
		for j := 0; j < n; j++ {
			v[k] += bts[k*n+j] * eps[j]
		}
	}
	return QuadraticForm(eps, s, n)
}

// MulSymVec returns S·v for a packed n×n matrix S.
func MulSymVec(s, v []float64, n int) []float64 {
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		var sum float64
		for j := 0; j < n; j++ {
			sum += s[PackedIndex(i, j)] * v[j]
		}
		out[i] = sum
	}
	return out
}

// InvertPacked inverts a packed n×n symmetric matrix.
//
// Rows whose diagonal element is exactly zero carry no constraint. They are
// removed before the inversion and come back as zero rows and columns of the
// result. A matrix with no constrained row inverts to all zeros.
func InvertPacked(a []float64, n int) ([]float64, error) {
	if n < 0 || len(a) != PackedLen(n) {
		return nil, fmt.Errorf("%w: packed length %d for size %d", ErrShape, len(a), n)
	}

	active := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if a[PackedIndex(i, i)] != 0 {
			active = append(active, i)
		}
	}

	out := make([]float64, len(a))
	if len(active) == 0 {
		return out, nil
	}

	k := len(active)
	sym := mat.NewSymDense(k, nil)
	for ii, i := range active {
		for jj := 0; jj <= ii; jj++ {
			sym.SetSym(ii, jj, a[PackedIndex(i, active[jj])])
		}
	}

	var inv mat.Dense
	if err := inv.Inverse(sym); err != nil {
		// A finite condition number is only a precision warning; the
		// inverse is still populated.
		var cond mat.Condition
		if !errors.As(err, &cond) || math.IsInf(float64(cond), 0) || math.IsNaN(float64(cond)) {
			return nil, fmt.Errorf("%w: %v", ErrSingular, err)
		}
	}

	for ii, i := range active {
		for jj := 0; jj <= ii; jj++ {
			out[PackedIndex(i, active[jj])] = 0.5 * (inv.At(ii, jj) + inv.At(jj, ii))
		}
	}
	return out, nil
}

// Unpack expands a packed n×n matrix into a full row-major slice.
func Unpack(s []float64, n int) []float64 {
	out := make([]float64, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			out[i*n+j] = s[PackedIndex(i, j)]
		}
	}
	return out
}
