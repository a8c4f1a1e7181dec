package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Gemm computes alpha*op(a)*op(b) + beta*c on float matrices. c may be nil or
// any shape broadcastable to the result.
func Gemm(a, b, c *Float, alpha, beta float64, transA, transB bool) (*Float, error) {
	if a.Rank() != 2 || b.Rank() != 2 {
		return nil, fmt.Errorf("gemm expects rank-2 operands, got %s and %s",
			ShapeString(a.Shape), ShapeString(b.Shape))
	}
	m, k := a.Shape[0], a.Shape[1]
	if transA {
		m, k = k, m
	}
	kb, n := b.Shape[0], b.Shape[1]
	if transB {
		kb, n = n, kb
	}
	if k != kb {
		return nil, fmt.Errorf("gemm inner dimension mismatch: %d vs %d", k, kb)
	}
	out := New[float64](m, n)
	if m == 0 || n == 0 {
		return out, nil
	}
	if k > 0 {
		var A, B mat.Matrix = mat.NewDense(a.Shape[0], a.Shape[1], a.Data), mat.NewDense(b.Shape[0], b.Shape[1], b.Data)
		if transA {
			A = A.T()
		}
		if transB {
			B = B.T()
		}
		dst := mat.NewDense(m, n, out.Data)
		dst.Mul(A, B)
		if alpha != 1 {
			dst.Scale(alpha, dst)
		}
	}
	if c == nil {
		return out, nil
	}
	return Binary(out, c, func(x, y float64) float64 { return x + beta*y })
}

// MatMul multiplies a [..., K] by b [K, N]. Leading axes of a are kept.
func MatMul[T Number](a, b *Dense[T]) (*Dense[T], error) {
	if b.Rank() != 2 || a.Rank() < 1 {
		return nil, fmt.Errorf("matmul expects [...,K] x [K,N], got %s and %s",
			ShapeString(a.Shape), ShapeString(b.Shape))
	}
	k, n := b.Shape[0], b.Shape[1]
	if a.Shape[a.Rank()-1] != k {
		return nil, fmt.Errorf("matmul inner dimension mismatch: %s x %s",
			ShapeString(a.Shape), ShapeString(b.Shape))
	}
	rows := a.Size() / max(k, 1)
	if k == 0 {
		rows = Numel(a.Shape[:a.Rank()-1])
	}
	shape := append(append([]int(nil), a.Shape[:a.Rank()-1]...), n)
	out := New[T](shape...)
	for r := 0; r < rows; r++ {
		row := a.Data[r*k : (r+1)*k]
		dst := out.Data[r*n : (r+1)*n]
		for i, x := range row {
			if x == 0 {
				continue
			}
			w := b.Data[i*n : (i+1)*n]
			for j := range dst {
				dst[j] += x * w[j]
			}
		}
	}
	return out, nil
}

// ConvParams describes a 2-D convolution in the interchange layout.
type ConvParams struct {
	Strides   [2]int
	Pads      [4]int // top, left, bottom, right
	Dilations [2]int
	Group     int
}

// DefaultConvParams returns unit strides and dilations, no padding, one group.
func DefaultConvParams() ConvParams {
	return ConvParams{Strides: [2]int{1, 1}, Dilations: [2]int{1, 1}, Group: 1}
}

// ConvOutputShape returns the [N, M, OH, OW] shape of a convolution.
func ConvOutputShape(x, w []int, p ConvParams) ([]int, error) {
	if len(x) != 4 || len(w) != 4 {
		return nil, fmt.Errorf("conv expects NCHW input and MCKK kernel, got %s and %s", ShapeString(x), ShapeString(w))
	}
	if p.Group <= 0 || x[1]%p.Group != 0 || w[0]%p.Group != 0 {
		return nil, fmt.Errorf("conv group %d does not divide channels %d / %d", p.Group, x[1], w[0])
	}
	if x[1]/p.Group != w[1] {
		return nil, fmt.Errorf("conv kernel expects %d input channels per group, input has %d", w[1], x[1]/p.Group)
	}
	oh := (x[2]+p.Pads[0]+p.Pads[2]-p.Dilations[0]*(w[2]-1)-1)/p.Strides[0] + 1
	ow := (x[3]+p.Pads[1]+p.Pads[3]-p.Dilations[1]*(w[3]-1)-1)/p.Strides[1] + 1
	if oh <= 0 || ow <= 0 {
		return nil, fmt.Errorf("conv output would be empty (%dx%d)", oh, ow)
	}
	return []int{x[0], w[0], oh, ow}, nil
}

// Conv2D computes a grouped 2-D convolution with zero padding. offset is
// subtracted from every input element before multiplication, so integer
// callers can fold a zero-point in; padding contributes zero after the shift.
func Conv2D[T Number](x, w, bias *Dense[T], offset T, p ConvParams) (*Dense[T], error) {
	shape, err := ConvOutputShape(x.Shape, w.Shape, p)
	if err != nil {
		return nil, err
	}
	n, c, h, wd := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	m, cg, kh, kw := w.Shape[0], w.Shape[1], w.Shape[2], w.Shape[3]
	oh, ow := shape[2], shape[3]
	mg := m / p.Group
	out := New[T](shape...)
	for b := 0; b < n; b++ {
		for oc := 0; oc < m; oc++ {
			g := oc / mg
			var bv T
			if bias != nil {
				bv = bias.Data[oc]
			}
			for oy := 0; oy < oh; oy++ {
				for ox := 0; ox < ow; ox++ {
					acc := bv
					for ic := 0; ic < cg; ic++ {
						cin := g*cg + ic
						for ky := 0; ky < kh; ky++ {
							iy := oy*p.Strides[0] - p.Pads[0] + ky*p.Dilations[0]
							if iy < 0 || iy >= h {
								continue
							}
							for kx := 0; kx < kw; kx++ {
								ix := ox*p.Strides[1] - p.Pads[1] + kx*p.Dilations[1]
								if ix < 0 || ix >= wd {
									continue
								}
								xv := x.Data[((b*c+cin)*h+iy)*wd+ix] - offset
								acc += xv * w.Data[((oc*cg+ic)*kh+ky)*kw+kx]
							}
						}
					}
					out.Data[((b*m+oc)*oh+oy)*ow+ox] = acc
				}
			}
		}
	}
	return out, nil
}
