// Package track reconstructs straight particle tracks through a telescope of
// planar sensors.
package track

import (
	"math"

	"github.com/paulmach/orb"

	"github.com/kwv/svtalign/linalg"
)

// DetectorPlane is one sensor of the telescope. Rotation maps global
// directions into the local (u, v, w) frame; Origin is the sensor origin in
// global coordinates. A plane value is never changed once published in a
// Geometry: alignment produces new values with WithPose.
type DetectorPlane struct {
	ID         int         `json:"id"`
	Name       string      `json:"name,omitempty"`
	Rotation   linalg.Mat3 `json:"rotation"`
	Origin     linalg.Vec3 `json:"origin"`
	Resolution [2]float64  `json:"resolution"` // sigma along u and v, zero disables the axis

	// Active area extent along u and v, centred on the origin. Zero means
	// the plane is unbounded along that axis.
	Width  float64 `json:"width,omitempty"`
	Height float64 `json:"height,omitempty"`
}

// NewDetectorPlane builds a plane whose rotation is composed from angles
// about the global x, y and z axes (see linalg.ComposeRotation).
func NewDetectorPlane(id int, angles, origin linalg.Vec3, resolution [2]float64) DetectorPlane {
	return DetectorPlane{
		ID:         id,
		Rotation:   linalg.ComposeRotation(angles),
		Origin:     origin,
		Resolution: resolution,
	}
}

// Axis returns local axis i (0=u, 1=v, 2=w) in global coordinates.
func (p DetectorPlane) Axis(i int) linalg.Vec3 {
	return p.Rotation.Row(i)
}

// Normal returns the local w axis in global coordinates.
func (p DetectorPlane) Normal() linalg.Vec3 {
	return p.Rotation.Row(2)
}

// Angles decomposes the rotation into x, y, z angles.
func (p DetectorPlane) Angles() linalg.Vec3 {
	return linalg.DecomposeRotation(p.Rotation)
}

func (p DetectorPlane) ToLocal(r linalg.Vec3) linalg.Vec3 {
	return p.Rotation.MulVec(r.Sub(p.Origin))
}

func (p DetectorPlane) ToGlobal(q linalg.Vec3) linalg.Vec3 {
	return p.Rotation.TMulVec(q).Add(p.Origin)
}

// WithPose returns a copy of the plane with a new rotation and origin.
func (p DetectorPlane) WithPose(rotation linalg.Mat3, origin linalg.Vec3) DetectorPlane {
	p.Rotation = rotation
	p.Origin = origin
	return p
}

// Weight returns the packed inverse covariance of a measurement on this
// plane. Axes with a non-positive resolution get zero weight.
func (p DetectorPlane) Weight() [3]float64 {
	var w [3]float64
	if s := p.Resolution[0]; s > 0 {
		w[0] = 1 / (s * s)
	}
	if s := p.Resolution[1]; s > 0 {
		w[2] = 1 / (s * s)
	}
	return w
}

// ActiveArea returns the sensitive region in local (u, v).
func (p DetectorPlane) ActiveArea() orb.Bound {
	hu, hv := math.Inf(1), math.Inf(1)
	if p.Width > 0 {
		hu = p.Width / 2
	}
	if p.Height > 0 {
		hv = p.Height / 2
	}
	return orb.Bound{
		Min: orb.Point{-hu, -hv},
		Max: orb.Point{hu, hv},
	}
}

// Accepts reports whether a local impact falls inside the active area.
func (p DetectorPlane) Accepts(local linalg.Vec3) bool {
	return p.ActiveArea().Contains(orb.Point{local[0], local[1]})
}
