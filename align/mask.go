// Package align determines per-plane position and orientation corrections
// from many fitted tracks by global least squares.
package align

import (
	"fmt"
	"strings"
)

// The six alignment parameters of a plane: shifts along the local u, v, w
// axes and small rotations about them.
const (
	ShiftU = iota
	ShiftV
	ShiftW
	RotU
	RotV
	RotW

	NumParams
)

// ParamNames labels the parameters in reports and logs.
var ParamNames = [NumParams]string{"du", "dv", "dw", "alpha", "beta", "gamma"}

// Mask selects which parameters are floated in the solve.
type Mask [NumParams]bool

// MaskFromInts builds a mask from six 0/1 flags in parameter order.
func MaskFromInts(flags []int) (Mask, error) {
	var m Mask
	if len(flags) != NumParams {
		return m, fmt.Errorf("alignment mask needs %d entries, got %d", NumParams, len(flags))
	}
	for i, f := range flags {
		switch f {
		case 0:
		case 1:
			m[i] = true
		default:
			return m, fmt.Errorf("alignment mask entry %d must be 0 or 1, got %d", i, f)
		}
	}
	return m, nil
}

func (m Mask) Ints() []int {
	out := make([]int, NumParams)
	for i, f := range m {
		if f {
			out[i] = 1
		}
	}
	return out
}

// Floated returns how many parameters are fitted.
func (m Mask) Floated() int {
	n := 0
	for _, f := range m {
		if f {
			n++
		}
	}
	return n
}

// indices maps each parameter to its position among the floated ones, or -1.
func (m Mask) indices() [NumParams]int {
	var idx [NumParams]int
	n := 0
	for i, f := range m {
		if f {
			idx[i] = n
			n++
		} else {
			idx[i] = -1
		}
	}
	return idx
}

func (m Mask) String() string {
	var b strings.Builder
	for _, f := range m {
		if f {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	return b.String()
}
