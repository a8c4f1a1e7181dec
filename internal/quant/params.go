// Package quant holds the fixed-point representation of tensors: affine
// quantization parameters, the schemes that derive them from value ranges,
// the bit-width budget and the write-once parameter store.
//
// A real value x is represented by an integer code q with
//
//	x ≈ Scale * (q - ZeroPoint)
//
// where q lies in the BitWidth-bit range, signed or unsigned.
package quant

import (
	"fmt"
	"math"

	"github.com/roach88/qnnc/internal/tensor"
)

// MaxBitWidth bounds every representable code so products of two codes and
// the sums built from them stay inside int64.
const MaxBitWidth = 62

// Params is the affine quantization of one tensor.
type Params struct {
	BitWidth    uint    `json:"bit_width"`
	Scale       float64 `json:"scale"`
	ZeroPoint   int64   `json:"zero_point"`
	Signed      bool    `json:"is_signed"`
	QATImported bool    `json:"is_qat_imported"`
}

// Range returns the inclusive bounds of the code range.
func (p Params) Range() (lo, hi int64) {
	return CodeRange(p.BitWidth, p.Signed)
}

// CodeRange returns the inclusive bounds of a bits-wide integer.
func CodeRange(bits uint, signed bool) (lo, hi int64) {
	if signed {
		return -(int64(1) << (bits - 1)), int64(1)<<(bits-1) - 1
	}
	return 0, int64(1)<<bits - 1
}

// Validate checks the invariants of a parameter record.
func (p Params) Validate() error {
	if p.BitWidth < 1 || p.BitWidth > MaxBitWidth {
		return fmt.Errorf("bit width %d outside [1, %d]", p.BitWidth, MaxBitWidth)
	}
	if p.Scale == 0 || math.IsNaN(p.Scale) || math.IsInf(p.Scale, 0) {
		return fmt.Errorf("scale %v must be finite and non-zero", p.Scale)
	}
	return nil
}

// Quantize maps x to the nearest code, saturating at the range bounds. NaN
// maps to the zero point.
func (p Params) Quantize(x float64) int64 {
	lo, hi := p.Range()
	if math.IsNaN(x) {
		return min(max(p.ZeroPoint, lo), hi)
	}
	v := math.RoundToEven(x/p.Scale) + float64(p.ZeroPoint)
	if v <= float64(lo) {
		return lo
	}
	if v >= float64(hi) {
		return hi
	}
	return int64(v)
}

// Dequantize maps a code back to a real value.
func (p Params) Dequantize(q int64) float64 {
	return p.Scale * float64(q-p.ZeroPoint)
}

// QuantizeTensor quantizes every element.
func (p Params) QuantizeTensor(x *tensor.Float) *tensor.Int {
	return tensor.Map(x, p.Quantize)
}

// DequantizeTensor dequantizes every element.
func (p Params) DequantizeTensor(q *tensor.Int) *tensor.Float {
	return tensor.Map(q, p.Dequantize)
}

// Scaled returns p representing g times the original value with the same
// codes.
func (p Params) Scaled(g float64) Params {
	p.Scale *= g
	return p
}

// SameGrid reports whether p and o decode every code identically.
func (p Params) SameGrid(o Params) bool {
	return p.BitWidth == o.BitWidth && p.Scale == o.Scale &&
		p.ZeroPoint == o.ZeroPoint && p.Signed == o.Signed
}

// MaxOffset returns the largest |q - ZeroPoint| over the code range.
func (p Params) MaxOffset() int64 {
	lo, hi := p.Range()
	return max(p.ZeroPoint-lo, hi-p.ZeroPoint)
}

func (p Params) String() string {
	sign := "u"
	if p.Signed {
		sign = "i"
	}
	s := fmt.Sprintf("%s%d scale=%.6g zp=%d", sign, p.BitWidth, p.Scale, p.ZeroPoint)
	if p.QATImported {
		s += " qat"
	}
	return s
}

// BitsFor returns the smallest signed bit width holding every value in
// [-m, m].
func BitsFor(m int64) uint {
	if m < 0 {
		m = -m
	}
	bits := uint(1)
	for bits < 63 && int64(1)<<(bits-1)-1 < m {
		bits++
	}
	return bits
}
