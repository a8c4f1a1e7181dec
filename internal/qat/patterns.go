// Package qat imports quantization parameters that a quantization-aware
// training toolchain embedded in the graph.
//
// Three pattern variants are recognized, forming a closed set:
//
//   - PatternQDQ: a QuantizeLinear node feeding only a DequantizeLinear node
//     with the same scale and zero point.
//   - PatternQuant: a single fake-quantization Quant node with constant
//     scale, zero point and bit width operands.
//   - PatternValueGrid: no quantizer nodes at all. The network was trained
//     with custom fake quantization built from ordinary operators, so the
//     parameters are recovered from the values the affine operands take
//     over the calibration set.
package qat

import (
	"fmt"
	"math"

	"github.com/roach88/qnnc/internal/calibrate"
	"github.com/roach88/qnnc/internal/ir"
	"github.com/roach88/qnnc/internal/quant"
)

// PatternKind enumerates the recognized quantizer patterns.
type PatternKind int

const (
	PatternQDQ PatternKind = iota
	PatternQuant
	PatternValueGrid
)

func (k PatternKind) String() string {
	switch k {
	case PatternQDQ:
		return "qdq"
	case PatternQuant:
		return "quant"
	case PatternValueGrid:
		return "value_grid"
	}
	return "unknown"
}

// Pattern is one imported quantizer.
type Pattern struct {
	Kind PatternKind
	// Nodes are the quantizer nodes, in graph order. Empty for value grids.
	Nodes []ir.NodeID
	// Tensor carries the imported parameters.
	Tensor ir.TensorID
	Params quant.Params
}

// IsQuantizer reports whether op is one of the quantizer operators.
func IsQuantizer(op string) bool {
	switch op {
	case "QuantizeLinear", "DequantizeLinear", "Quant":
		return true
	}
	return false
}

// HasQuantizers reports whether g contains explicit quantizer nodes.
func HasQuantizers(g *ir.Graph) bool {
	for i := range g.Nodes {
		if IsQuantizer(g.Nodes[i].Op) {
			return true
		}
	}
	return false
}

// PairOf returns the QuantizeLinear node feeding dq when the two form a
// QDQ pair: the quantized tensor is read by dq alone and both nodes share
// scale and zero point operands.
func PairOf(g *ir.Graph, consts calibrate.Values, dq ir.NodeID) (ir.NodeID, bool) {
	d := g.Node(dq)
	if d.Op != "DequantizeLinear" {
		return ir.NoNode, false
	}
	q := g.Producer(d.Inputs[0])
	if q == ir.NoNode || g.Node(q).Op != "QuantizeLinear" {
		return ir.NoNode, false
	}
	if len(g.Consumers(d.Inputs[0])) != 1 || g.IsOutput(d.Inputs[0]) {
		return ir.NoNode, false
	}
	qs, qz, err := linearParams(g, consts, g.Node(q))
	if err != nil {
		return ir.NoNode, false
	}
	ds, dz, err := linearParams(g, consts, d)
	if err != nil || qs != ds || qz != dz {
		return ir.NoNode, false
	}
	return q, true
}

// Detect finds every explicit quantizer pattern. Quantizers that do not
// form a recognizable pattern are import errors.
func Detect(g *ir.Graph, consts calibrate.Values) ([]Pattern, error) {
	var out []Pattern
	paired := map[ir.NodeID]bool{}
	for _, id := range g.TopoOrder() {
		n := g.Node(id)
		switch n.Op {
		case "DequantizeLinear":
			q, ok := PairOf(g, consts, id)
			if !ok {
				return nil, importError(g, id, "DequantizeLinear is not fed by a matching QuantizeLinear")
			}
			p, err := qdqParams(g, consts, q)
			if err != nil {
				return nil, err
			}
			paired[q] = true
			out = append(out, Pattern{Kind: PatternQDQ, Nodes: []ir.NodeID{q, id}, Tensor: n.Output(), Params: p})
		case "Quant":
			p, err := quantParams(g, consts, id)
			if err != nil {
				return nil, err
			}
			out = append(out, Pattern{Kind: PatternQuant, Nodes: []ir.NodeID{id}, Tensor: n.Output(), Params: p})
		}
	}
	for _, id := range g.TopoOrder() {
		if g.Node(id).Op == "QuantizeLinear" && !paired[id] {
			return nil, importError(g, id, "QuantizeLinear output is not dequantized")
		}
	}
	return out, nil
}

func importError(g *ir.Graph, n ir.NodeID, format string, args ...any) *ir.Error {
	return ir.Errorf(ir.ErrCodeQATImport, format, args...).WithNode(g.Node(n).Name)
}

// scalarConst returns the single value of a constant operand.
func scalarConst(g *ir.Graph, consts calibrate.Values, t ir.TensorID) (float64, error) {
	v := consts[t]
	if v == nil {
		return 0, fmt.Errorf("operand %s is not constant", g.Tensor(t).Name)
	}
	if v.Size() != 1 {
		return 0, fmt.Errorf("operand %s has %d values; only per-tensor quantization is supported",
			g.Tensor(t).Name, v.Size())
	}
	return v.Data[0], nil
}

func linearParams(g *ir.Graph, consts calibrate.Values, n *ir.Node) (scale float64, zp int64, err error) {
	scale, err = scalarConst(g, consts, n.Inputs[1])
	if err != nil {
		return 0, 0, err
	}
	if len(n.Inputs) > 2 {
		z, err := scalarConst(g, consts, n.Inputs[2])
		if err != nil {
			return 0, 0, err
		}
		if z != math.Trunc(z) {
			return 0, 0, fmt.Errorf("zero point %v is not an integer", z)
		}
		zp = int64(z)
	}
	return scale, zp, nil
}

func qdqParams(g *ir.Graph, consts calibrate.Values, q ir.NodeID) (quant.Params, error) {
	n := g.Node(q)
	scale, zp, err := linearParams(g, consts, n)
	if err != nil {
		return quant.Params{}, importError(g, q, "cannot read quantizer parameters").Wrap(err)
	}
	bits, signed := calibrate.LinearQuantizerBits(n)
	return checked(g, q, quant.Params{BitWidth: bits, Scale: scale, ZeroPoint: zp, Signed: signed, QATImported: true})
}

func quantParams(g *ir.Graph, consts calibrate.Values, id ir.NodeID) (quant.Params, error) {
	n := g.Node(id)
	scale, err := scalarConst(g, consts, n.Inputs[1])
	if err != nil {
		return quant.Params{}, importError(g, id, "cannot read quantizer scale").Wrap(err)
	}
	z, err := scalarConst(g, consts, n.Inputs[2])
	if err != nil || z != math.Trunc(z) {
		if err == nil {
			err = fmt.Errorf("zero point %v is not an integer", z)
		}
		return quant.Params{}, importError(g, id, "cannot read quantizer zero point").Wrap(err)
	}
	bw := consts[n.Inputs[3]]
	if bw == nil {
		return quant.Params{}, importError(g, id, "quantizer bit width is not constant")
	}
	bits, signed, _, err := calibrate.QuantAttrs(n, bw)
	if err != nil {
		return quant.Params{}, importError(g, id, "cannot read quantizer bit width").Wrap(err)
	}
	return checked(g, id, quant.Params{BitWidth: bits, Scale: scale, ZeroPoint: int64(z), Signed: signed, QATImported: true})
}

func checked(g *ir.Graph, n ir.NodeID, p quant.Params) (quant.Params, error) {
	if err := p.Validate(); err != nil {
		return quant.Params{}, importError(g, n, "invalid embedded quantization").Wrap(err)
	}
	if p.Scale < 0 {
		return quant.Params{}, importError(g, n, "negative quantizer scale %v", p.Scale)
	}
	if p.BitWidth > quant.MaxBudgetBits {
		return quant.Params{}, importError(g, n, "embedded bit width %d exceeds %d", p.BitWidth, quant.MaxBudgetBits)
	}
	return p, nil
}
