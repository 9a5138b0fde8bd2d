package track

import (
	"errors"
	"fmt"
	"math"

	"github.com/kwv/svtalign/linalg"
)

var (
	// ErrNoPlanes is returned when a fit is asked for with an empty geometry.
	ErrNoPlanes = errors.New("no detector planes")
	// ErrShapeMismatch is returned when planes and hits are not parallel lists.
	ErrShapeMismatch = errors.New("planes and hits differ in length")
)

// NumParams is the number of track parameters: x, y, bx, by.
const NumParams = 4

// covDiag holds the packed indices of the covariance diagonal.
var covDiag = [NumParams]int{0, 2, 5, 9}

// FitOptions controls the iteration of Fit.
type FitOptions struct {
	// MaxIterations bounds the number of linearization passes.
	MaxIterations int `yaml:"maxIterations" json:"maxIterations"`
	// ChiSquareTolerance stops the fit once χ² improves by no more than this.
	ChiSquareTolerance float64 `yaml:"chi2Tolerance" json:"chi2Tolerance"`
}

// DefaultFitOptions returns the options used when none are configured.
func DefaultFitOptions() FitOptions {
	return FitOptions{
		MaxIterations:      25,
		ChiSquareTolerance: 1.0,
	}
}

// WithDefaults fills unset (non-positive) options from DefaultFitOptions.
func (o FitOptions) WithDefaults() FitOptions {
	d := DefaultFitOptions()
	if o.MaxIterations <= 0 {
		o.MaxIterations = d.MaxIterations
	}
	if o.ChiSquareTolerance <= 0 {
		o.ChiSquareTolerance = d.ChiSquareTolerance
	}
	return o
}

// FitStatus tells how the fit iteration ended.
type FitStatus int

const (
	// StatusConverged means χ² stopped improving.
	StatusConverged FitStatus = iota
	// StatusMaxIterations means the iteration bound was hit first; the fit
	// holds the last estimate.
	StatusMaxIterations
)

func (s FitStatus) String() string {
	switch s {
	case StatusConverged:
		return "converged"
	case StatusMaxIterations:
		return "max_iterations"
	}
	return fmt.Sprintf("FitStatus(%d)", int(s))
}

func (s FitStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// TrackFit is the result of a straight-line fit.
//
// Params are (x, y, bx, by) at ReferenceZ: the line is (x, y, ReferenceZ) +
// t·(bx, by, DirectionZ). With DirectionZ = 1 the last two are the slopes
// dx/dz and dy/dz. Cov is the packed 4×4 covariance and only means something
// when Solved reports true.
type TrackFit struct {
	Params     [NumParams]float64 `json:"params"`
	Cov        [10]float64        `json:"cov"`
	Impacts    []ImpactPoint      `json:"impacts"`
	ChiSquare  float64            `json:"chi2"`
	NDF        int                `json:"ndf"`
	Iterations int                `json:"iterations"`
	Status     FitStatus          `json:"status"`
	ReferenceZ float64            `json:"referenceZ"`
	DirectionZ float64            `json:"directionZ"`
}

// Solved reports whether the fit had more measurements than parameters.
func (f *TrackFit) Solved() bool {
	return f.NDF > 0
}

func (f *TrackFit) Converged() bool {
	return f.Status == StatusConverged
}

// Line returns a point on the fitted line and its direction.
func (f *TrackFit) Line() (a, b linalg.Vec3) {
	return LineFromParams(f.Params, f.ReferenceZ, f.DirectionZ)
}

// Sigma returns the 1σ uncertainty of parameter i.
func (f *TrackFit) Sigma(i int) float64 {
	return math.Sqrt(f.Cov[covDiag[i]])
}

// Probability returns the upper-tail χ² probability of the fit.
func (f *TrackFit) Probability() float64 {
	return ChiSquareProbability(f.ChiSquare, f.NDF)
}

// AtZ returns the fitted x and y at a given z.
func (f *TrackFit) AtZ(z float64) (x, y float64) {
	t := (z - f.ReferenceZ) / f.DirectionZ
	return f.Params[0] + t*f.Params[2], f.Params[1] + t*f.Params[3]
}

// Fit performs an iterative weighted least-squares straight-line fit of
// hits[i] measured on planes[i]. The initial line is a0 + t·b0; the z of a0
// fixes the reference plane of the parameters and the z of b0 fixes the
// direction normalization.
//
// Each pass intersects the current line with every plane, linearizes the
// predicted local coordinates in the four parameters and takes one
// Gauss-Newton step. The iteration stops when χ² improves by no more than
// opts.ChiSquareTolerance, or after opts.MaxIterations passes with Status
// set to StatusMaxIterations. When ndf <= 0 no step is taken.
func Fit(planes []DetectorPlane, hits []Hit, a0, b0 linalg.Vec3, opts FitOptions) (*TrackFit, error) {
	if len(planes) == 0 {
		return nil, ErrNoPlanes
	}
	if len(hits) != len(planes) {
		return nil, fmt.Errorf("%w: %d planes, %d hits", ErrShapeMismatch, len(planes), len(hits))
	}
	opts = opts.WithDefaults()

	fit := &TrackFit{
		Params:     [NumParams]float64{a0[0], a0[1], b0[0], b0[1]},
		Impacts:    make([]ImpactPoint, len(planes)),
		ReferenceZ: a0[2],
		DirectionZ: b0[2],
	}

	prevChi := math.Inf(1)
	for {
		fit.Iterations++
		a, b := fit.Line()

		var w [10]float64
		var v [NumParams]float64
		chi := 0.0
		ndf := -NumParams

		for k, p := range planes {
			wg := p.Normal()
			bwg := b.Dot(wg)
			ip, err := Impact(a, b, p.Rotation, p.Origin, wg, bwg)
			if err != nil {
				return nil, fmt.Errorf("plane %d: %w", p.ID, err)
			}
			fit.Impacts[k] = ip

			rows := hits[k].rows()
			if len(rows) == 0 {
				continue
			}
			n := len(rows)
			der := make([]float64, n*NumParams)
			eps := make([]float64, n)
			for r, j := range rows {
				axis := p.Axis(j)
				ratio := b.Dot(axis) / bwg
				dx := axis[0] - wg[0]*ratio
				dy := axis[1] - wg[1]*ratio
				copy(der[r*NumParams:], []float64{dx, dy, ip.T * dx, ip.T * dy})
				eps[r] = ip.Local[j] - hits[k].UV[j]
			}
			chi += linalg.AddNormalEquations(w[:], v[:], der, hits[k].weightFor(rows), eps, n, NumParams)
			ndf += n
		}

		if math.IsNaN(chi) || math.IsInf(chi, 0) {
			return nil, fmt.Errorf("chi-square: %w", ErrNonFinite)
		}
		fit.ChiSquare = chi
		fit.NDF = ndf

		if ndf > 0 {
			cov, err := linalg.InvertPacked(w[:], NumParams)
			if err != nil {
				return nil, fmt.Errorf("track normal matrix: %w", err)
			}
			copy(fit.Cov[:], cov)
			delta := linalg.MulSymVec(cov, v[:], NumParams)
			for i := range fit.Params {
				fit.Params[i] -= delta[i]
			}
		}

		if prevChi-chi <= opts.ChiSquareTolerance {
			fit.Status = StatusConverged
			return fit, nil
		}
		if fit.Iterations >= opts.MaxIterations {
			fit.Status = StatusMaxIterations
			return fit, nil
		}
		prevChi = chi
	}
}
