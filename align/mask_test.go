package align

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaskFromInts(t *testing.T) {
	tests := []struct {
		name    string
		flags   []int
		want    Mask
		wantErr bool
	}{
		{"translations", []int{1, 1, 1, 0, 0, 0}, Mask{true, true, true, false, false, false}, false},
		{"u and gamma", []int{1, 0, 0, 0, 0, 1}, Mask{ShiftU: true, RotW: true}, false},
		{"too short", []int{1, 0}, Mask{}, true},
		{"not a flag", []int{1, 0, 2, 0, 0, 0}, Mask{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MaskFromInts(tt.flags)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.flags, got.Ints())
		})
	}
}

func TestMask_Indices(t *testing.T) {
	m := Mask{ShiftU: true, ShiftW: true, RotW: true}
	assert.Equal(t, 3, m.Floated())
	assert.Equal(t, [NumParams]int{0, -1, 1, -1, -1, 2}, m.indices())
	assert.Equal(t, "101001", m.String())
	assert.Equal(t, 0, Mask{}.Floated())
}
