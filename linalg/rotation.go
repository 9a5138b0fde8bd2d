package linalg

import (
	"fmt"
	"math"
)

// Rotation returns the elementary rotation by angle (radians) about axis 0
// (x), 1 (y) or 2 (z). The matrix rotates the coordinate frame: applied to a
// vector it yields the vector's coordinates in the rotated frame.
func Rotation(axis int, angle float64) Mat3 {
	c, s := math.Cos(angle), math.Sin(angle)
	switch axis {
	case 0:
		return Mat3{
			1, 0, 0,
			0, c, s,
			0, -s, c,
		}
	case 1:
		return Mat3{
			c, 0, -s,
			0, 1, 0,
			s, 0, c,
		}
	case 2:
		return Mat3{
			c, s, 0,
			-s, c, 0,
			0, 0, 1,
		}
	}
	panic(fmt.Sprintf("linalg: rotation axis %d out of range", axis))
}

// ComposeRotation returns Rz(angles[2])·Ry(angles[1])·Rx(angles[0]).
func ComposeRotation(angles Vec3) Mat3 {
	return Rotation(2, angles[2]).Mul(Rotation(1, angles[1])).Mul(Rotation(0, angles[0]))
}

// DecomposeRotation returns the x, y, z angles for which ComposeRotation
// reproduces m. The y angle is returned in [-π/2, π/2].
func DecomposeRotation(m Mat3) Vec3 {
	sy := math.Max(-1, math.Min(1, m.At(2, 0)))
	return Vec3{
		math.Atan2(-m.At(2, 1), m.At(2, 2)),
		math.Asin(sy),
		math.Atan2(-m.At(1, 0), m.At(0, 0)),
	}
}

// rotationGenerators are dR/dθ at θ = 0 for the elementary rotations.
var rotationGenerators = [3]Mat3{
	{0, 0, 0, 0, 0, 1, 0, -1, 0},
	{0, 0, -1, 0, 0, 0, 1, 0, 0},
	{0, 1, 0, -1, 0, 0, 0, 0, 0},
}

// RotationDerivatives returns the derivatives of m·R_k(θ) with respect to θ
// at θ = 0, for small rotations about the local x, y and z axes.
func RotationDerivatives(m Mat3) [3]Mat3 {
	var out [3]Mat3
	for k, g := range rotationGenerators {
		out[k] = m.Mul(g)
	}
	return out
}
