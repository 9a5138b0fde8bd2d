package track

import (
	"errors"
	"fmt"
	"math"

	"github.com/kwv/svtalign/linalg"
)

var (
	// ErrParallel is returned when a track runs parallel to a plane.
	ErrParallel = errors.New("track is parallel to plane")
	// ErrNonFinite is returned when a computation produced NaN or Inf.
	ErrNonFinite = errors.New("non-finite value")
)

// ImpactPoint is where a line crosses a plane.
type ImpactPoint struct {
	T      float64     `json:"t"`      // path parameter along the line direction
	Local  linalg.Vec3 `json:"local"`  // (u, v, w), w is zero up to rounding
	Global linalg.Vec3 `json:"global"` // (x, y, z)
}

// Impact intersects the line a + t·b with a plane given by its rotation and
// origin. wg is the plane normal in global coordinates and bwg is b·wg.
func Impact(a, b linalg.Vec3, rotation linalg.Mat3, origin, wg linalg.Vec3, bwg float64) (ImpactPoint, error) {
	if bwg == 0 {
		return ImpactPoint{}, ErrParallel
	}
	amr := a.Sub(origin)
	t := -amr.Dot(wg) / bwg
	offset := amr.Add(b.Scale(t))

	ip := ImpactPoint{
		T:      t,
		Local:  rotation.MulVec(offset),
		Global: offset.Add(origin),
	}
	if math.IsNaN(t) || math.IsInf(t, 0) || !ip.Global.IsFinite() {
		return ImpactPoint{}, ErrNonFinite
	}
	return ip, nil
}

// Intersect is Impact for a DetectorPlane.
func Intersect(a, b linalg.Vec3, p DetectorPlane) (ImpactPoint, error) {
	wg := p.Normal()
	ip, err := Impact(a, b, p.Rotation, p.Origin, wg, b.Dot(wg))
	if err != nil {
		return ImpactPoint{}, fmt.Errorf("plane %d: %w", p.ID, err)
	}
	return ip, nil
}

// LineFromParams turns fit parameters (x, y, bx, by) at reference z0 into a
// point and direction; dz is the fixed z component of the direction.
func LineFromParams(params [4]float64, z0, dz float64) (a, b linalg.Vec3) {
	return linalg.Vec3{params[0], params[1], z0}, linalg.Vec3{params[2], params[3], dz}
}

// Predict intersects a fitted track with any plane.
func Predict(fit *TrackFit, p DetectorPlane) (ImpactPoint, error) {
	a, b := fit.Line()
	return Intersect(a, b, p)
}
