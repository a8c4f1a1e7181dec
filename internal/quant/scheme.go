package quant

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Uniform derives unsigned affine parameters covering [lo, hi] with bits.
// The range is widened to contain zero so that 0.0 has an exact code. A
// degenerate range yields scale 1 and zero point 0.
func Uniform(lo, hi float64, bits uint) Params {
	p := Params{BitWidth: bits, Scale: 1}
	if !(hi > lo) || math.IsInf(hi-lo, 0) {
		return p
	}
	lo, hi = math.Min(lo, 0), math.Max(hi, 0)
	levels := float64(int64(1)<<bits - 1)
	p.Scale = (hi - lo) / levels
	zp := math.RoundToEven(-lo / p.Scale)
	p.ZeroPoint = int64(math.Min(math.Max(zp, 0), levels))
	return p
}

// Symmetric derives signed parameters with zero point 0 covering
// [-absMax, absMax].
func Symmetric(absMax float64, bits uint) Params {
	p := Params{BitWidth: bits, Scale: 1, Signed: true}
	if !(absMax > 0) || math.IsInf(absMax, 0) {
		return p
	}
	levels := float64(int64(1)<<(bits-1) - 1)
	p.Scale = absMax / math.Max(levels, 1)
	return p
}

// ForWeights derives unsigned parameters for a constant tensor. The range
// always contains zero so padding and sparse weights stay exact.
func ForWeights(data []float64, bits uint) Params {
	if len(data) == 0 {
		return Uniform(0, 0, bits)
	}
	lo, hi := math.Min(floats.Min(data), 0), math.Max(floats.Max(data), 0)
	return Uniform(lo, hi, bits)
}

// QuantizerRange returns the code bounds of an embedded quantizer. A narrow
// signed range drops the most negative code.
func QuantizerRange(bits uint, signed, narrow bool) (lo, hi int64) {
	lo, hi = CodeRange(bits, signed)
	if narrow {
		if signed {
			lo++
		} else {
			hi--
		}
	}
	return lo, hi
}
