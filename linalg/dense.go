package linalg

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Mul returns the row-major product of A (i×j) and B (j×k).
func Mul(a, b []float64, i, j, k int) []float64 {
	c := make([]float64, i*k)
	for r := 0; r < i; r++ {
		for col := 0; col < k; col++ {
			var sum float64
			for l := 0; l < j; l++ {
				sum += a[r*j+l] * b[l*k+col]
			}
			c[r*k+col] = sum
		}
	}
	return c
}

// Vec3 is a point or direction in three dimensions.
type Vec3 [3]float64

func (v Vec3) Add(w Vec3) Vec3 {
	return Vec3{v[0] + w[0], v[1] + w[1], v[2] + w[2]}
}

func (v Vec3) Sub(w Vec3) Vec3 {
	return Vec3{v[0] - w[0], v[1] - w[1], v[2] - w[2]}
}

func (v Vec3) Scale(f float64) Vec3 {
	return Vec3{f * v[0], f * v[1], f * v[2]}
}

func (v Vec3) Dot(w Vec3) float64 {
	return floats.Dot(v[:], w[:])
}

// Norm returns the Euclidean length of v.
func (v Vec3) Norm() float64 {
	return floats.Norm(v[:], 2)
}

// IsFinite reports whether every component is a finite number.
func (v Vec3) IsFinite() bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

// Mat3 is a 3×3 matrix in row-major order.
type Mat3 [9]float64

// Identity3 returns the 3×3 identity.
func Identity3() Mat3 {
	return Mat3{1, 0, 0, 0, 1, 0, 0, 0, 1}
}

func (m Mat3) At(i, j int) float64 {
	return m[3*i+j]
}

// Row returns row i. For a rotation from global to local coordinates, row i
// is the local axis i expressed in global coordinates.
func (m Mat3) Row(i int) Vec3 {
	return Vec3{m[3*i], m[3*i+1], m[3*i+2]}
}

func (m Mat3) T() Mat3 {
	return Mat3{
		m[0], m[3], m[6],
		m[1], m[4], m[7],
		m[2], m[5], m[8],
	}
}

// MulVec returns m·v.
func (m Mat3) MulVec(v Vec3) Vec3 {
	return Vec3{
		floats.Dot(m[0:3], v[:]),
		floats.Dot(m[3:6], v[:]),
		floats.Dot(m[6:9], v[:]),
	}
}

// TMulVec returns mᵗ·v.
func (m Mat3) TMulVec(v Vec3) Vec3 {
	return Vec3{
		m[0]*v[0] + m[3]*v[1] + m[6]*v[2],
		m[1]*v[0] + m[4]*v[1] + m[7]*v[2],
		m[2]*v[0] + m[5]*v[1] + m[8]*v[2],
	}
}

// Mul returns m·n.
func (m Mat3) Mul(n Mat3) Mat3 {
	var out Mat3
	copy(out[:], Mul(m[:], n[:], 3, 3, 3))
	return out
}

// OrthonormalityError returns the largest absolute element of m·mᵗ − I.
func (m Mat3) OrthonormalityError() float64 {
	p := m.Mul(m.T())
	id := Identity3()
	var worst float64
	for i := range p {
		worst = math.Max(worst, math.Abs(p[i]-id[i]))
	}
	return worst
}
