// Package rounding shrinks lookup tables by dropping low-order bits of
// their input.
//
// A b-bit code q feeding a table is replaced by the t-bit code
//
//	r = (q + 2^(k-1)) >> k,  k = b - t
//
// which rounds half up, saturated to the t-bit range. The table is then
// indexed by r and evaluates its function at the representative r << k.
// Only the table input changes; the quantization of the tensor is kept.
package rounding

import (
	"github.com/roach88/qnnc/internal/ir"
	"github.com/roach88/qnnc/internal/quant"
)

// Step describes the reduction of one table input.
type Step struct {
	InBits  uint
	OutBits uint
	Signed  bool
}

// Validate checks a caller-supplied threshold.
func Validate(threshold *uint) error {
	if threshold == nil {
		return nil
	}
	if *threshold < 1 || *threshold > quant.MaxBitWidth {
		return ir.Errorf(ir.ErrCodeConfigInvalid, "rounding_threshold_bits=%d outside [1, %d]", *threshold, quant.MaxBitWidth)
	}
	return nil
}

// For returns the step for a table input of the given width, or false when
// the threshold is absent or not below the width.
func For(inBits uint, signed bool, threshold *uint) (Step, bool) {
	if threshold == nil || *threshold >= inBits {
		return Step{}, false
	}
	return Step{InBits: inBits, OutBits: *threshold, Signed: signed}, true
}

// Shift returns the number of dropped bits.
func (s Step) Shift() uint { return s.InBits - s.OutBits }

// Range returns the bounds of the reduced code.
func (s Step) Range() (lo, hi int64) { return quant.CodeRange(s.OutBits, s.Signed) }

// Apply reduces one code.
func (s Step) Apply(q int64) int64 {
	k := s.Shift()
	r := (q + int64(1)<<(k-1)) >> k
	lo, hi := s.Range()
	return min(max(r, lo), hi)
}

// Representative returns the full-width code a reduced code stands for.
func (s Step) Representative(r int64) int64 { return r << s.Shift() }
