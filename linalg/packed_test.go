package linalg

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const epsilon = 1e-10

func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol*math.Max(1, math.Max(math.Abs(a), math.Abs(b)))
}

// randomSPD returns a packed symmetric positive-definite n×n matrix.
func randomSPD(rng *rand.Rand, n int) []float64 {
	m := make([]float64, n*n)
	for i := range m {
		m[i] = rng.Float64()*2 - 1
	}
	out := make([]float64, PackedLen(n))
	for i := 0; i < n; i++ {
		for j := 0; j <= i; j++ {
			var sum float64
			for k := 0; k < n; k++ {
				sum += m[k*n+i] * m[k*n+j]
			}
			if i == j {
				sum += float64(n)
			}
			out[PackedIndex(i, j)] = sum
		}
	}
	return out
}

// ----------------------------------------------------------------------------
// Packed indexing
// ----------------------------------------------------------------------------

func TestPackedIndex(t *testing.T) {
	tests := []struct {
		i, j int
		want int
	}{
		{0, 0, 0},
		{1, 0, 1},
		{1, 1, 2},
		{2, 0, 3},
		{2, 2, 5},
		{3, 3, 9},
		{0, 3, 6},
		{5, 4, 19},
	}
	for _, tt := range tests {
		if got := PackedIndex(tt.i, tt.j); got != tt.want {
			t.Errorf("PackedIndex(%d, %d) = %d, want %d", tt.i, tt.j, got, tt.want)
		}
	}
	assert.Equal(t, 10, PackedLen(4))
	assert.Equal(t, 21, PackedLen(6))
}

func TestUnpack(t *testing.T) {
	got := Unpack([]float64{1, 2, 3, 4, 5, 6}, 3)
	assert.Equal(t, []float64{1, 2, 4, 2, 3, 5, 4, 5, 6}, got)
}

// ----------------------------------------------------------------------------
// Quadratic forms and design products
// ----------------------------------------------------------------------------

func TestQuadraticForm(t *testing.T) {
	tests := []struct {
		name string
		a, s []float64
		n    int
		want float64
	}{
		{"scalar", []float64{3}, []float64{2}, 1, 18},
		{"2x2 diagonal", []float64{1, 2}, []float64{4, 0, 9}, 2, 4 + 36},
		{"2x2 coupled", []float64{1, -1}, []float64{2, 1, 3}, 2, 2 - 2 + 3},
		{"3x3", []float64{1, 1, 1}, []float64{1, 0, 1, 0, 0, 1}, 3, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, QuadraticForm(tt.a, tt.s, tt.n), epsilon)
		})
	}
}

func TestWeightedDesign(t *testing.T) {
	// B is 2×3, S is 2×2.
	b := []float64{
		1, 2, 3,
		4, 5, 6,
	}
	s := []float64{2, 1, 3}
	bts, btsb := WeightedDesign(b, s, 2, 3)

	full := Unpack(s, 2)
	bt := []float64{1, 4, 2, 5, 3, 6}
	wantBtS := Mul(bt, full, 3, 2, 2)
	wantBtSB := Mul(wantBtS, b, 3, 2, 3)

	assert.InDeltaSlice(t, wantBtS, bts, epsilon)
	for i := 0; i < 3; i++ {
		for j := 0; j <= i; j++ {
			assert.InDelta(t, wantBtSB[i*3+j], btsb[PackedIndex(i, j)], epsilon, "element (%d,%d)", i, j)
		}
	}
}

func TestAddNormalEquations(t *testing.T) {
	b := []float64{1, 0, 0, 1}
	s := []float64{4, 0, 1}
	eps := []float64{0.5, -2}
	w := make([]float64, 3)
	v := make([]float64, 2)

	chi := AddNormalEquations(w, v, b, s, eps, 2, 2)
	chi += AddNormalEquations(w, v, b, s, eps, 2, 2)

	assert.InDelta(t, 2*(4*0.25+4), chi, epsilon)
	assert.InDeltaSlice(t, []float64{8, 0, 2}, w, epsilon)
	assert.InDeltaSlice(t, []float64{4, -4}, v, epsilon)
}

func TestMulSymVec(t *testing.T) {
	s := []float64{1, 2, 3}
	got := MulSymVec(s, []float64{1, 1}, 2)
	assert.InDeltaSlice(t, []float64{3, 5}, got, epsilon)
}

func TestMul(t *testing.T) {
	a := []float64{1, 2, 3, 4, 5, 6}    // 2×3
	b := []float64{7, 8, 9, 10, 11, 12} // 3×2
	got := Mul(a, b, 2, 3, 2)
	assert.Equal(t, []float64{58, 64, 139, 154}, got)
}

// ----------------------------------------------------------------------------
// Inversion
// ----------------------------------------------------------------------------

func TestInvertPacked_RoundTrip(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	for _, n := range []int{1, 2, 3, 4, 6} {
		a := randomSPD(rng, n)

		inv, err := InvertPacked(a, n)
		require.NoError(t, err, "n=%d", n)

		back, err := InvertPacked(inv, n)
		require.NoError(t, err, "n=%d", n)
		for i := range a {
			if !almostEqual(a[i], back[i], 1e-9) {
				t.Errorf("n=%d: inv(inv(A))[%d] = %v, want %v", n, i, back[i], a[i])
			}
		}

		prod := Mul(Unpack(a, n), Unpack(inv, n), n, n, n)
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				want := 0.0
				if i == j {
					want = 1
				}
				if math.Abs(prod[i*n+j]-want) > 1e-9 {
					t.Errorf("n=%d: (A·A⁻¹)[%d][%d] = %v, want %v", n, i, j, prod[i*n+j], want)
				}
			}
		}
	}
}

func TestInvertPacked_ZeroRowsReinserted(t *testing.T) {
	// Row 1 carries no constraint.
	a := []float64{
		4,
		0, 0,
		0, 0, 2,
	}
	inv, err := InvertPacked(a, 3)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0.25, 0, 0, 0, 0, 0.5}, inv, epsilon)
}

func TestInvertPacked_AllZero(t *testing.T) {
	inv, err := InvertPacked(make([]float64, PackedLen(4)), 4)
	require.NoError(t, err)
	assert.Equal(t, make([]float64, PackedLen(4)), inv)
}

func TestInvertPacked_Errors(t *testing.T) {
	_, err := InvertPacked([]float64{1, 2}, 2)
	assert.True(t, errors.Is(err, ErrShape))

	_, err = InvertPacked([]float64{1, 1, 1}, 2)
	assert.True(t, errors.Is(err, ErrSingular))
}
