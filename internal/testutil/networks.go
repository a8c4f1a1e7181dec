package testutil

import (
	"math"

	"github.com/roach88/qnnc/internal/ir"
	"github.com/roach88/qnnc/internal/tensor"
)

// Reference networks. Each constructor returns an unfinalized graph with
// reproducible weights; inputs are declared with a batch dimension of 1.

func scalar(v float64) *tensor.Float { return tensor.Scalar(v) }

// Linear is x -> Gemm. It has no nonlinearity at all.
func Linear(in, out int) *ir.Graph {
	s := NewSampler(1)
	g := ir.New("linear")
	x := g.AddInput("x", 1, in)
	w := g.AddWeight("w", s.Normal(0, 0.5, in, out))
	b := g.AddWeight("b", s.Normal(0, 0.1, out))
	g.MarkOutput(g.AddNode("fc", "Gemm", nil, x, w, b))
	return g
}

// MLP is x -> Gemm -> act -> Gemm.
func MLP(in, hidden, out int, act string) *ir.Graph {
	s := NewSampler(2)
	g := ir.New("mlp")
	x := g.AddInput("x", 1, in)
	w1 := g.AddWeight("w1", s.Normal(0, 0.5, in, hidden))
	b1 := g.AddWeight("b1", s.Normal(0, 0.1, hidden))
	w2 := g.AddWeight("w2", s.Normal(0, 0.5, hidden, out))
	b2 := g.AddWeight("b2", s.Normal(0, 0.1, out))
	h := g.AddNode("fc1", "Gemm", nil, x, w1, b1)
	a := g.AddNode("act", act, nil, h)
	g.MarkOutput(g.AddNode("fc2", "Gemm", nil, a, w2, b2))
	return g
}

// Boundary is x -> Mul(2) -> Gemm -> Identity. Its only elementwise ops sit
// on the input and output boundaries. A non-empty tail appends that
// operator after the Identity and makes it the output instead.
func Boundary(in, out int, tail string) *ir.Graph {
	s := NewSampler(3)
	g := ir.New("boundary")
	x := g.AddInput("x", 1, in)
	two := g.AddWeight("two", scalar(2))
	w := g.AddWeight("w", s.Normal(0, 0.5, in, out))
	scaled := g.AddNode("scale", "Mul", nil, x, two)
	h := g.AddNode("fc", "Gemm", nil, scaled, w)
	y := g.AddNode("id", "Identity", nil, h)
	if tail != "" {
		y = g.AddNode("tail", tail, nil, y)
	}
	g.MarkOutput(y)
	return g
}

// ConvNet is x[1x1x6x6] -> Conv(2x1x3x3) -> Relu -> Flatten -> Gemm.
func ConvNet(out int) *ir.Graph {
	s := NewSampler(4)
	g := ir.New("conv")
	x := g.AddInput("x", 1, 1, 6, 6)
	k := g.AddWeight("k", s.Normal(0, 0.5, 2, 1, 3, 3))
	kb := g.AddWeight("kb", s.Normal(0, 0.1, 2))
	w := g.AddWeight("w", s.Normal(0, 0.3, 32, out))
	c := g.AddNode("conv", "Conv", ir.Attrs{"kernel_shape": ir.IntsAttr(3, 3)}, x, k, kb)
	r := g.AddNode("relu", "Relu", nil, c)
	f := g.AddNode("flat", "Flatten", ir.Attrs{"axis": ir.IntAttr(1)}, r)
	g.MarkOutput(g.AddNode("fc", "Gemm", nil, f, w))
	return g
}

// Residual is h = Relu(Gemm(x)); y = h + Gemm(h). The sum joins two
// independently quantized tensors.
func Residual(width int) *ir.Graph {
	s := NewSampler(5)
	g := ir.New("residual")
	x := g.AddInput("x", 1, width)
	w1 := g.AddWeight("w1", s.Normal(0, 0.5, width, width))
	w2 := g.AddWeight("w2", s.Normal(0, 0.5, width, width))
	h := g.AddNode("relu", "Relu", nil, g.AddNode("fc1", "Gemm", nil, x, w1))
	r := g.AddNode("fc2", "Gemm", nil, h, w2)
	g.MarkOutput(g.AddNode("sum", "Add", nil, h, r))
	return g
}

// quantNode appends a fake quantizer with constant scale, zero point 0 and
// bit width operands.
func quantNode(g *ir.Graph, name string, x ir.TensorID, scale float64, bits uint, signed bool) ir.TensorID {
	sg := int64(0)
	if signed {
		sg = 1
	}
	sc := g.AddWeight(name+"_scale", scalar(scale))
	zp := g.AddWeight(name+"_zp", scalar(0))
	bw := g.AddWeight(name+"_bits", scalar(float64(bits)))
	return g.AddNode(name, "Quant", ir.Attrs{"signed": ir.IntAttr(sg), "narrow": ir.IntAttr(sg)}, x, sc, zp, bw)
}

// weightScale returns the symmetric scale covering w with a narrow signed
// range of bits.
func weightScale(w *tensor.Float, bits uint) float64 {
	var m float64
	for _, v := range w.Data {
		m = math.Max(m, math.Abs(v))
	}
	return m / float64(int64(1)<<(bits-1)-1)
}

// QATMLP is an MLP trained with fake quantizers on its input, its weights
// and its hidden activation, all with the given bit width.
func QATMLP(in, hidden, out int, bits uint) *ir.Graph {
	s := NewSampler(6)
	g := ir.New("qat_mlp")
	x := g.AddInput("x", 1, in)
	w1v := s.Normal(0, 0.5, in, hidden)
	w2v := s.Normal(0, 0.5, hidden, out)
	w1 := quantNode(g, "w1_q", g.AddWeight("w1", w1v), weightScale(w1v, bits), bits, true)
	w2 := quantNode(g, "w2_q", g.AddWeight("w2", w2v), weightScale(w2v, bits), bits, true)

	xq := quantNode(g, "x_q", x, 1/float64(int64(1)<<(bits-1)-1), bits, true)
	h := g.AddNode("relu", "Relu", nil, g.AddNode("fc1", "Gemm", nil, xq, w1))
	hq := quantNode(g, "relu_q", h, 2/float64(int64(1)<<bits-1), bits, false)
	g.MarkOutput(g.AddNode("fc2", "Gemm", nil, hq, w2))
	return g
}

// QDQMLP is an MLP whose input and hidden activation pass through
// QuantizeLinear/DequantizeLinear pairs with 8-bit codes.
func QDQMLP(in, hidden, out int) *ir.Graph {
	s := NewSampler(7)
	g := ir.New("qdq_mlp")
	x := g.AddInput("x", 1, in)
	w1 := g.AddWeight("w1", s.Normal(0, 0.5, in, hidden))
	w2 := g.AddWeight("w2", s.Normal(0, 0.5, hidden, out))

	qdq := func(name string, t ir.TensorID, scale float64, zp int64) ir.TensorID {
		sc := g.AddWeight(name+"_scale", scalar(scale))
		z := g.AddWeight(name+"_zp", scalar(float64(zp)))
		q := g.AddNode(name+"_q", "QuantizeLinear", nil, t, sc, z)
		return g.AddNode(name+"_dq", "DequantizeLinear", nil, q, sc, z)
	}
	xq := qdq("x", x, 2.0/255, 128)
	h := g.AddNode("relu", "Relu", nil, g.AddNode("fc1", "Gemm", nil, xq, w1))
	hq := qdq("h", h, 3.0/255, 0)
	g.MarkOutput(g.AddNode("fc2", "Gemm", nil, hq, w2))
	return g
}
