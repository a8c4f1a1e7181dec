package calibrate

import (
	"fmt"
	"math"

	"github.com/roach88/qnnc/internal/ir"
	"github.com/roach88/qnnc/internal/quant"
	"github.com/roach88/qnnc/internal/tensor"
)

// Default attribute values of the interchange opset.
const (
	seluAlpha = 1.67326319217681884765625
	seluGamma = 1.05070102214813232421875
)

type unaryFunc func(x float64, a ir.Attrs) float64

var unary = map[string]unaryFunc{
	"Relu":    func(x float64, _ ir.Attrs) float64 { return math.Max(x, 0) },
	"Sigmoid": func(x float64, _ ir.Attrs) float64 { return sigmoid(x) },
	"Tanh":    func(x float64, _ ir.Attrs) float64 { return math.Tanh(x) },
	"Elu": func(x float64, a ir.Attrs) float64 {
		if x >= 0 {
			return x
		}
		return a.GetFloat("alpha", 1) * (math.Exp(x) - 1)
	},
	"Selu": func(x float64, a ir.Attrs) float64 {
		gamma := a.GetFloat("gamma", seluGamma)
		if x > 0 {
			return gamma * x
		}
		return gamma * a.GetFloat("alpha", seluAlpha) * (math.Exp(x) - 1)
	},
	"Celu": func(x float64, a ir.Attrs) float64 {
		alpha := a.GetFloat("alpha", 1)
		return math.Max(0, x) + math.Min(0, alpha*(math.Exp(x/alpha)-1))
	},
	"LeakyRelu": func(x float64, a ir.Attrs) float64 {
		if x >= 0 {
			return x
		}
		return a.GetFloat("alpha", 0.01) * x
	},
	"ThresholdedRelu": func(x float64, a ir.Attrs) float64 {
		if x > a.GetFloat("alpha", 1) {
			return x
		}
		return 0
	},
	"HardSigmoid": func(x float64, a ir.Attrs) float64 {
		return clamp(a.GetFloat("alpha", 0.2)*x+a.GetFloat("beta", 0.5), 0, 1)
	},
	"HardSwish": func(x float64, _ ir.Attrs) float64 { return x * clamp(x/6+0.5, 0, 1) },
	"Softplus": func(x float64, _ ir.Attrs) float64 {
		return math.Max(x, 0) + math.Log1p(math.Exp(-math.Abs(x)))
	},
	"Softsign": func(x float64, _ ir.Attrs) float64 { return x / (1 + math.Abs(x)) },
	"Shrink": func(x float64, a ir.Attrs) float64 {
		bias, lambd := a.GetFloat("bias", 0), a.GetFloat("lambd", 0.5)
		switch {
		case x < -lambd:
			return x + bias
		case x > lambd:
			return x - bias
		}
		return 0
	},
	"Exp":   func(x float64, _ ir.Attrs) float64 { return math.Exp(x) },
	"Log":   func(x float64, _ ir.Attrs) float64 { return math.Log(x) },
	"Abs":   func(x float64, _ ir.Attrs) float64 { return math.Abs(x) },
	"Neg":   func(x float64, _ ir.Attrs) float64 { return -x },
	"Sqrt":  func(x float64, _ ir.Attrs) float64 { return math.Sqrt(x) },
	"Floor": func(x float64, _ ir.Attrs) float64 { return math.Floor(x) },
	"Ceil":  func(x float64, _ ir.Attrs) float64 { return math.Ceil(x) },
	"Round": func(x float64, _ ir.Attrs) float64 { return math.RoundToEven(x) },
	"Sign": func(x float64, _ ir.Attrs) float64 {
		switch {
		case x > 0:
			return 1
		case x < 0:
			return -1
		}
		return 0
	},
	"Erf":      func(x float64, _ ir.Attrs) float64 { return math.Erf(x) },
	"Identity": func(x float64, _ ir.Attrs) float64 { return x },
	"Dropout":  func(x float64, _ ir.Attrs) float64 { return x },
}

var binary = map[string]func(x, y float64) float64{
	"Add": func(x, y float64) float64 { return x + y },
	"Sub": func(x, y float64) float64 { return x - y },
	"Mul": func(x, y float64) float64 { return x * y },
	"Div": func(x, y float64) float64 { return x / y },
	"Pow": math.Pow,
	"PRelu": func(x, slope float64) float64 {
		if x < 0 {
			return slope * x
		}
		return x
	},
}

func sigmoid(x float64) float64 { return 1 / (1 + math.Exp(-x)) }

func clamp(x, lo, hi float64) float64 { return math.Min(math.Max(x, lo), hi) }

// EvalNode computes one node in floating point.
func EvalNode(n *ir.Node, in []*tensor.Float) (*tensor.Float, error) {
	if f, ok := unary[n.Op]; ok {
		return tensor.Map(in[0], func(x float64) float64 { return f(x, n.Attrs) }), nil
	}
	if f, ok := binary[n.Op]; ok {
		return tensor.Binary(in[0], in[1], f)
	}
	switch n.Op {
	case "Gemm":
		var c *tensor.Float
		if len(in) > 2 {
			c = in[2]
		}
		return tensor.Gemm(in[0], in[1], c,
			n.Attrs.GetFloat("alpha", 1), n.Attrs.GetFloat("beta", 1),
			n.Attrs.GetInt("transA", 0) != 0, n.Attrs.GetInt("transB", 0) != 0)
	case "MatMul":
		return tensor.MatMul(in[0], in[1])
	case "Conv":
		p, err := ConvParams(n, in[1].Shape)
		if err != nil {
			return nil, err
		}
		var bias *tensor.Float
		if len(in) > 2 {
			bias = in[2]
		}
		return tensor.Conv2D(in[0], in[1], bias, 0, p)
	case "Clip":
		lo, hi := math.Inf(-1), math.Inf(1)
		if len(in) > 1 {
			lo = in[1].Data[0]
		} else {
			lo = n.Attrs.GetFloat("min", lo)
		}
		if len(in) > 2 {
			hi = in[2].Data[0]
		} else {
			hi = n.Attrs.GetFloat("max", hi)
		}
		return tensor.Map(in[0], func(x float64) float64 { return clamp(x, lo, hi) }), nil
	case "Reshape":
		shape := make([]int, len(in[1].Data))
		for i, v := range in[1].Data {
			shape[i] = int(v)
		}
		return in[0].ReshapeBatched(shape...)
	case "Flatten":
		return in[0].Flatten(int(n.Attrs.GetInt("axis", 1)))
	case "Concat":
		return tensor.Concat(int(n.Attrs.GetInt("axis", 0)), in...)
	case "QuantizeLinear":
		lo, hi := linearRange(n)
		return tensor.Binary(in[0], in[1], func(x, s float64) float64 {
			return clamp(math.RoundToEven(x/s)+zeroPoint(in), lo, hi)
		})
	case "DequantizeLinear":
		zp := zeroPoint(in)
		return tensor.Binary(in[0], in[1], func(q, s float64) float64 { return (q - zp) * s })
	case "Quant":
		return fakeQuant(n, in)
	}
	return nil, ir.Errorf(ir.ErrCodeUnsupportedOperator, "no float kernel for %q", n.Op).WithNode(n.Name)
}

// ConvParams reads the convolution attributes for a kernel of shape w.
func ConvParams(n *ir.Node, w []int) (tensor.ConvParams, error) {
	p := tensor.DefaultConvParams()
	if len(w) != 4 {
		return p, ir.Errorf(ir.ErrCodeUnsupportedOperator, "only 2-D convolution is supported, kernel is %s",
			tensor.ShapeString(w)).WithNode(n.Name)
	}
	if pad := n.Attrs.GetString("auto_pad", "NOTSET"); pad != "NOTSET" && pad != "VALID" {
		return p, ir.Errorf(ir.ErrCodeUnsupportedOperator, "auto_pad %q is not supported", pad).WithNode(n.Name)
	}
	if s := n.Attrs.GetInts("strides"); len(s) == 2 {
		p.Strides = [2]int{int(s[0]), int(s[1])}
	}
	if d := n.Attrs.GetInts("dilations"); len(d) == 2 {
		p.Dilations = [2]int{int(d[0]), int(d[1])}
	}
	if pads := n.Attrs.GetInts("pads"); len(pads) == 4 {
		p.Pads = [4]int{int(pads[0]), int(pads[1]), int(pads[2]), int(pads[3])}
	}
	p.Group = int(n.Attrs.GetInt("group", 1))
	return p, nil
}

func zeroPoint(in []*tensor.Float) float64 {
	if len(in) > 2 && in[2].Size() > 0 {
		return in[2].Data[0]
	}
	return 0
}

// LinearQuantizerBits returns the code width and signedness of a
// QuantizeLinear or DequantizeLinear node.
func LinearQuantizerBits(n *ir.Node) (bits uint, signed bool) {
	return uint(n.Attrs.GetInt("bit_width", 8)), n.Attrs.GetInt("signed", 0) != 0
}

func linearRange(n *ir.Node) (float64, float64) {
	bits, signed := LinearQuantizerBits(n)
	lo, hi := quant.CodeRange(bits, signed)
	return float64(lo), float64(hi)
}

// QuantAttrs returns the bit width and range flags of a Quant node whose
// bit-width operand is bw.
func QuantAttrs(n *ir.Node, bw *tensor.Float) (bits uint, signed, narrow bool, err error) {
	if bw.Size() != 1 || bw.Data[0] < 1 || bw.Data[0] != math.Trunc(bw.Data[0]) {
		return 0, false, false, fmt.Errorf("bit width operand must be one positive integer, got %v", bw)
	}
	return uint(bw.Data[0]), n.Attrs.GetInt("signed", 1) != 0, n.Attrs.GetInt("narrow", 0) != 0, nil
}

func fakeQuant(n *ir.Node, in []*tensor.Float) (*tensor.Float, error) {
	bits, signed, narrow, err := QuantAttrs(n, in[3])
	if err != nil {
		return nil, ir.Errorf(ir.ErrCodeInvalidGraph, "malformed Quant node").WithNode(n.Name).Wrap(err)
	}
	lo, hi := quant.QuantizerRange(bits, signed, narrow)
	zp := in[2].Data[0]
	return tensor.Binary(in[0], in[1], func(x, s float64) float64 {
		q := clamp(math.RoundToEven(x/s+zp), float64(lo), float64(hi))
		return s * (q - zp)
	})
}
