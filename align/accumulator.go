package align

import (
	"errors"
	"fmt"
	"math"

	"github.com/kwv/svtalign/linalg"
	"github.com/kwv/svtalign/track"
)

var (
	// ErrNoFloatedParameters is returned for a mask that fixes everything.
	ErrNoFloatedParameters = errors.New("alignment mask floats no parameters")
	// ErrPlaneMismatch is returned when merging accumulators of different planes.
	ErrPlaneMismatch = errors.New("accumulators belong to different planes")
)

// Accumulator collects the normal equations of one plane's alignment
// parameters over many tracks. It is not safe for concurrent use; parallel
// callers accumulate into Forks and Merge them before Solve.
type Accumulator struct {
	planeID int
	mask    Mask
	index   [NumParams]int
	nFloat  int

	rotation       linalg.Mat3
	origin         linalg.Vec3
	derivRotations [3]linalg.Mat3

	w []float64 // packed nFloat×nFloat
	v []float64

	total        [NumParams]float64
	chiSquare    float64
	measurements int
	tracks       int
}

// NewAccumulator starts an accumulator at the plane's current pose.
func NewAccumulator(p track.DetectorPlane, mask Mask) (*Accumulator, error) {
	n := mask.Floated()
	if n == 0 {
		return nil, fmt.Errorf("plane %d: %w", p.ID, ErrNoFloatedParameters)
	}
	return &Accumulator{
		planeID:        p.ID,
		mask:           mask,
		index:          mask.indices(),
		nFloat:         n,
		rotation:       p.Rotation,
		origin:         p.Origin,
		derivRotations: linalg.RotationDerivatives(p.Rotation),
		w:              make([]float64, linalg.PackedLen(n)),
		v:              make([]float64, n),
	}, nil
}

func (a *Accumulator) PlaneID() int { return a.planeID }
func (a *Accumulator) Mask() Mask   { return a.mask }

// Pose returns the rotation and origin the accumulator linearizes around.
func (a *Accumulator) Pose() (linalg.Mat3, linalg.Vec3) {
	return a.rotation, a.origin
}

// Measurements returns the number of local coordinates accumulated since
// the last solve.
func (a *Accumulator) Measurements() int { return a.measurements }

// Tracks returns the number of hits accumulated since the last solve.
func (a *Accumulator) Tracks() int { return a.tracks }

// ChiSquare returns the summed χ² of the accumulated residuals.
func (a *Accumulator) ChiSquare() float64 { return a.chiSquare }

// Totals returns the running sum of solved corrections.
func (a *Accumulator) Totals() [NumParams]float64 { return a.total }

// Accumulate adds one track crossing. impact is the fitted crossing point
// in global coordinates, direction the track direction (not necessarily
// normalized) and hit the measurement on this plane.
func (a *Accumulator) Accumulate(impact, direction linalg.Vec3, hit track.Hit) error {
	if hit.Measurements() == 0 {
		return nil
	}
	sloc := a.rotation.MulVec(direction)
	if sloc[2] == 0 {
		return fmt.Errorf("plane %d: %w", a.planeID, track.ErrParallel)
	}

	d := impact.Sub(a.origin)
	var dra [3]linalg.Vec3
	for i := range dra {
		dra[i] = a.derivRotations[i].MulVec(d)
	}

	// Derivatives of the local (u, v) residual with respect to all six
	// parameters. A shift along w or a tilt moves the crossing point along
	// the track, hence the slope terms.
	slope := [2]float64{sloc[0] / sloc[2], sloc[1] / sloc[2]}
	var full [2][NumParams]float64
	for k := 0; k < 2; k++ {
		full[k][k] = -1
		full[k][ShiftW] = slope[k]
		for i := 0; i < 3; i++ {
			full[k][RotU+i] = dra[i][k] - dra[i][2]*slope[k]
		}
	}

	jac := make([]float64, 2*a.nFloat)
	for k := 0; k < 2; k++ {
		for i, j := range a.index {
			if j >= 0 {
				jac[k*a.nFloat+j] = full[k][i]
			}
		}
	}

	q := a.rotation.MulVec(d)
	eps := []float64{q[0] - hit.UV[0], q[1] - hit.UV[1]}
	dchi := linalg.AddNormalEquations(a.w, a.v, jac, hit.Weight[:], eps, 2, a.nFloat)
	if math.IsNaN(dchi) || math.IsInf(dchi, 0) {
		return fmt.Errorf("plane %d: %w", a.planeID, track.ErrNonFinite)
	}
	a.chiSquare += dchi
	a.measurements += hit.Measurements()
	a.tracks++
	return nil
}

// Fork returns an empty accumulator for the same plane, mask and pose.
func (a *Accumulator) Fork() *Accumulator {
	return &Accumulator{
		planeID:        a.planeID,
		mask:           a.mask,
		index:          a.index,
		nFloat:         a.nFloat,
		rotation:       a.rotation,
		origin:         a.origin,
		derivRotations: a.derivRotations,
		w:              make([]float64, len(a.w)),
		v:              make([]float64, len(a.v)),
	}
}

// Merge adds the sums of b into a. Correction totals are not merged.
func (a *Accumulator) Merge(b *Accumulator) error {
	if a.planeID != b.planeID || a.mask != b.mask || a.rotation != b.rotation || a.origin != b.origin {
		return fmt.Errorf("%w: plane %d and plane %d", ErrPlaneMismatch, a.planeID, b.planeID)
	}
	for i := range a.w {
		a.w[i] += b.w[i]
	}
	for i := range a.v {
		a.v[i] += b.v[i]
	}
	a.chiSquare += b.chiSquare
	a.measurements += b.measurements
	a.tracks += b.tracks
	return nil
}

// Reset clears the accumulated sums but keeps the pose and totals.
func (a *Accumulator) Reset() {
	clear(a.w)
	clear(a.v)
	a.chiSquare = 0
	a.measurements = 0
	a.tracks = 0
}

// ParameterReport describes one parameter after a solve.
type ParameterReport struct {
	Name    string `json:"name"`
	Floated bool   `json:"floated"`
	// Constrained is false for a floated parameter that received no weight.
	Constrained bool    `json:"constrained"`
	Correction  float64 `json:"correction"`
	Total       float64 `json:"total"`
	Uncertainty float64 `json:"uncertainty"`
}

// Significant reports whether this solve moved the parameter by more than
// its uncertainty.
func (r ParameterReport) Significant() bool {
	return r.Constrained && math.Abs(r.Correction) > r.Uncertainty
}

// Solution is the outcome of one solve of one plane.
type Solution struct {
	PlaneID      int                        `json:"planeId"`
	Rotation     linalg.Mat3                `json:"rotation"`
	Origin       linalg.Vec3                `json:"origin"`
	Parameters   [NumParams]ParameterReport `json:"parameters"`
	Measurements int                        `json:"measurements"`
	Tracks       int                        `json:"tracks"`
	ChiSquare    float64                    `json:"chi2"`
}

// Apply returns p moved to the solved pose.
func (s Solution) Apply(p track.DetectorPlane) track.DetectorPlane {
	return p.WithPose(s.Rotation, s.Origin)
}

// Significant reports whether any parameter moved by more than its
// uncertainty.
func (s Solution) Significant() bool {
	for _, r := range s.Parameters {
		if r.Significant() {
			return true
		}
	}
	return false
}

// Solve inverts the accumulated normal equations and moves the pose. It is
// Propose followed by Commit.
func (a *Accumulator) Solve() (Solution, error) {
	sol, err := a.Propose()
	if err != nil {
		return Solution{}, err
	}
	a.Commit(sol)
	return sol, nil
}

// Propose inverts the accumulated normal equations without changing the
// accumulator.
//
// The solved vector is the offset of the measured geometry relative to the
// current guess, so it is subtracted: the origin moves by −Rᵗ·(du, dv, dw)
// and the rotation is right-multiplied by Rz(−γ)·Ry(−β)·Rx(−α). Parameters
// without any accumulated weight keep their value.
func (a *Accumulator) Propose() (Solution, error) {
	cov, err := linalg.InvertPacked(a.w, a.nFloat)
	if err != nil {
		return Solution{}, fmt.Errorf("plane %d: %w", a.planeID, err)
	}
	par := linalg.MulSymVec(cov, a.v, a.nFloat)

	var corr [NumParams]float64
	for i, j := range a.index {
		if j >= 0 {
			corr[i] = par[j]
		}
	}

	shift := a.rotation.TMulVec(linalg.Vec3{corr[ShiftU], corr[ShiftV], corr[ShiftW]})
	delta := linalg.ComposeRotation(linalg.Vec3{-corr[RotU], -corr[RotV], -corr[RotW]})

	sol := Solution{
		PlaneID:      a.planeID,
		Rotation:     a.rotation.Mul(delta),
		Origin:       a.origin.Sub(shift),
		Measurements: a.measurements,
		Tracks:       a.tracks,
		ChiSquare:    a.chiSquare,
	}
	for i := range sol.Parameters {
		r := ParameterReport{Name: ParamNames[i], Floated: a.mask[i], Total: a.total[i]}
		if j := a.index[i]; j >= 0 {
			r.Correction = corr[i]
			r.Total -= corr[i]
			if s := cov[linalg.PackedIndex(j, j)]; s > 0 {
				r.Constrained = true
				r.Uncertainty = math.Sqrt(s)
			}
		}
		sol.Parameters[i] = r
	}
	return sol, nil
}

// Commit moves the accumulator to a proposed solution: the pose and totals
// take the solved values, the rotation derivatives follow the new pose and
// the sums are cleared.
func (a *Accumulator) Commit(sol Solution) {
	for i, r := range sol.Parameters {
		a.total[i] = r.Total
	}
	a.rotation = sol.Rotation
	a.origin = sol.Origin
	a.derivRotations = linalg.RotationDerivatives(sol.Rotation)
	a.Reset()
}
