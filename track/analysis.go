package track

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/kwv/svtalign/linalg"
)

// ChiSquareProbability returns P(χ² > chi2) for ndf degrees of freedom, or
// zero when ndf is not positive.
func ChiSquareProbability(chi2 float64, ndf int) float64 {
	if ndf <= 0 {
		return 0
	}
	return distuv.ChiSquared{K: float64(ndf)}.Survival(chi2)
}

// Pulls returns (fit − truth)/σ for each track parameter.
func Pulls(fit *TrackFit, truth [NumParams]float64) [NumParams]float64 {
	var out [NumParams]float64
	for i := range out {
		out[i] = (fit.Params[i] - truth[i]) / fit.Sigma(i)
	}
	return out
}

// Residual is the unbiased residual of one plane: the track is refitted
// without that plane and extrapolated onto it.
type Residual struct {
	PlaneID    int         `json:"planeId"`
	Index      int         `json:"index"`
	U          float64     `json:"u"` // measured u − predicted u
	PredictedV float64     `json:"predictedV"`
	Prediction ImpactPoint `json:"prediction"`
}

// UnbiasedResiduals refits the track once per plane with a u measurement,
// leaving that plane out. Planes whose exclusion leaves the fit unsolved are
// skipped.
func UnbiasedResiduals(planes []DetectorPlane, hits []Hit, a0, b0 linalg.Vec3, opts FitOptions) ([]Residual, error) {
	if len(hits) != len(planes) {
		return nil, fmt.Errorf("%w: %d planes, %d hits", ErrShapeMismatch, len(planes), len(hits))
	}

	reduced := make([]Hit, len(hits))
	var out []Residual
	for k, p := range planes {
		if !hits[k].HasU() {
			continue
		}
		copy(reduced, hits)
		reduced[k] = Hit{}

		fit, err := Fit(planes, reduced, a0, b0, opts)
		if err != nil {
			return nil, fmt.Errorf("refit without plane %d: %w", p.ID, err)
		}
		if !fit.Solved() {
			continue
		}
		pred, err := Predict(fit, p)
		if err != nil {
			return nil, err
		}
		out = append(out, Residual{
			PlaneID:    p.ID,
			Index:      k,
			U:          hits[k].UV[0] - pred.Local[0],
			PredictedV: pred.Local[1],
			Prediction: pred,
		})
	}
	return out, nil
}

// SegmentFits compares independent fits of the upstream and downstream
// halves of the telescope at a common pivot z.
type SegmentFits struct {
	Front  *TrackFit `json:"front"`
	Back   *TrackFit `json:"back"`
	PivotZ float64   `json:"pivotZ"`

	// Opening angles between the two segments, back minus front.
	OpeningX float64 `json:"openingX"`
	OpeningY float64 `json:"openingY"`
	// Position mismatch at the pivot, back minus front.
	DeltaX float64 `json:"deltaX"`
	DeltaY float64 `json:"deltaY"`
}

// FitSegments fits planes[:split] and planes[split:] separately.
func FitSegments(planes []DetectorPlane, hits []Hit, a0, b0 linalg.Vec3, split int, pivotZ float64, opts FitOptions) (*SegmentFits, error) {
	if len(hits) != len(planes) {
		return nil, fmt.Errorf("%w: %d planes, %d hits", ErrShapeMismatch, len(planes), len(hits))
	}
	if split <= 0 || split >= len(planes) {
		return nil, fmt.Errorf("segment split %d out of range for %d planes", split, len(planes))
	}

	front, err := Fit(planes[:split], hits[:split], a0, b0, opts)
	if err != nil {
		return nil, fmt.Errorf("front segment: %w", err)
	}
	back, err := Fit(planes[split:], hits[split:], a0, b0, opts)
	if err != nil {
		return nil, fmt.Errorf("back segment: %w", err)
	}

	fx, fy := front.AtZ(pivotZ)
	bx, by := back.AtZ(pivotZ)
	return &SegmentFits{
		Front:    front,
		Back:     back,
		PivotZ:   pivotZ,
		OpeningX: math.Atan(back.Params[2]/back.DirectionZ) - math.Atan(front.Params[2]/front.DirectionZ),
		OpeningY: math.Atan(back.Params[3]/back.DirectionZ) - math.Atan(front.Params[3]/front.DirectionZ),
		DeltaX:   bx - fx,
		DeltaY:   by - fy,
	}, nil
}
