package rounding

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/qnnc/internal/ir"
)

func ptr(v uint) *uint { return &v }

// TestFor tests when a step applies.
func TestFor(t *testing.T) {
	_, ok := For(8, false, nil)
	assert.False(t, ok)
	_, ok = For(8, false, ptr(8))
	assert.False(t, ok)
	_, ok = For(8, false, ptr(12))
	assert.False(t, ok)
	s, ok := For(8, true, ptr(3))
	require.True(t, ok)
	assert.Equal(t, uint(5), s.Shift())
}

// TestApply_Unsigned tests round half up and saturation on unsigned codes.
func TestApply_Unsigned(t *testing.T) {
	s := Step{InBits: 4, OutBits: 2}
	want := []int64{0, 0, 1, 1, 1, 1, 2, 2, 2, 2, 3, 3, 3, 3, 3, 3}
	for q := int64(0); q < 16; q++ {
		assert.Equal(t, want[q], s.Apply(q), "q=%d", q)
	}
	assert.Equal(t, int64(8), s.Representative(2))
}

// TestApply_Signed tests negative codes.
func TestApply_Signed(t *testing.T) {
	s := Step{InBits: 4, OutBits: 2, Signed: true}
	assert.Equal(t, int64(-2), s.Apply(-8))
	assert.Equal(t, int64(-1), s.Apply(-3))
	assert.Equal(t, int64(-1), s.Apply(-6))
	assert.Equal(t, int64(0), s.Apply(-2))
	assert.Equal(t, int64(0), s.Apply(1))
	assert.Equal(t, int64(1), s.Apply(2))
	assert.Equal(t, int64(1), s.Apply(7))
}

// TestApply_ErrorBound tests that the representative is within half a step
// of the input away from saturation.
func TestApply_ErrorBound(t *testing.T) {
	s := Step{InBits: 10, OutBits: 6, Signed: true}
	half := int64(1) << (s.Shift() - 1)
	for q := int64(-512); q < 512-half; q++ {
		d := s.Representative(s.Apply(q)) - q
		assert.LessOrEqual(t, math.Abs(float64(d)), float64(half), "q=%d", q)
	}
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(nil))
	assert.NoError(t, Validate(ptr(4)))
	assert.True(t, ir.IsConfigError(Validate(ptr(0))))
	assert.True(t, ir.IsConfigError(Validate(ptr(100))))
}
