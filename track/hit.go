package track

// Hit is a local measurement on one plane. Weight is the packed 2×2 inverse
// covariance (w00, w01, w11). An axis with zero diagonal weight is not
// measured, and a Hit with no weight at all means the plane was not hit.
type Hit struct {
	UV     [2]float64 `json:"uv"`
	Weight [3]float64 `json:"weight"`
}

// NewHit builds a hit from measured coordinates and per-axis sigmas. A
// non-positive sigma disables that axis.
func NewHit(u, v float64, sigma [2]float64) Hit {
	h := Hit{UV: [2]float64{u, v}}
	if sigma[0] > 0 {
		h.Weight[0] = 1 / (sigma[0] * sigma[0])
	}
	if sigma[1] > 0 {
		h.Weight[2] = 1 / (sigma[1] * sigma[1])
	}
	return h
}

// Measurements returns how many local coordinates the hit constrains.
func (h Hit) Measurements() int {
	return len(h.rows())
}

// HasU reports whether the u coordinate is measured.
func (h Hit) HasU() bool {
	return h.Weight[0] > 0
}

func (h Hit) rows() []int {
	switch {
	case h.Weight[0] > 0 && h.Weight[2] > 0:
		return []int{0, 1}
	case h.Weight[0] > 0:
		return []int{0}
	case h.Weight[2] > 0:
		return []int{1}
	}
	return nil
}

// weightFor returns the packed weight restricted to the given rows.
func (h Hit) weightFor(rows []int) []float64 {
	if len(rows) == 2 {
		return h.Weight[:]
	}
	if rows[0] == 0 {
		return h.Weight[0:1]
	}
	return h.Weight[2:3]
}
