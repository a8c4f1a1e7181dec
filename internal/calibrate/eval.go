// Package calibrate runs a graph in floating point. It backs post-training
// calibration (value ranges over an input set), constant folding and the
// evaluation of fused elementwise chains when lookup tables are built.
//
// Every function here is pure: the graph is never mutated and results are
// fresh tensors.
package calibrate

import (
	"errors"
	"fmt"

	"github.com/roach88/qnnc/internal/ir"
	"github.com/roach88/qnnc/internal/tensor"
)

// Values holds one tensor per graph tensor, indexed by ir.TensorID. Entries
// that were not computed are nil.
type Values []*tensor.Float

// CheckInputs validates arity and trailing dimensions of a batch against
// the graph inputs.
func CheckInputs(g *ir.Graph, inputs []*tensor.Float) error {
	if len(inputs) != len(g.Inputs) {
		return ir.Errorf(ir.ErrCodeConfigInvalid, "graph %q takes %d inputs, got %d", g.Name, len(g.Inputs), len(inputs))
	}
	for i, id := range g.Inputs {
		t := g.Tensor(id)
		x := inputs[i]
		if x == nil {
			return ir.Errorf(ir.ErrCodeConfigInvalid, "input %d is nil", i).WithTensor(t.Name)
		}
		if len(t.Shape) == 0 {
			continue
		}
		if x.Rank() != len(t.Shape) {
			return ir.Errorf(ir.ErrCodeConfigInvalid, "input rank %d, graph declares %s",
				x.Rank(), tensor.ShapeString(t.Shape)).WithTensor(t.Name)
		}
		for d := 1; d < len(t.Shape); d++ {
			if t.Shape[d] > 0 && x.Shape[d] != t.Shape[d] {
				return ir.Errorf(ir.ErrCodeConfigInvalid, "input shape %s, graph declares %s",
					tensor.ShapeString(x.Shape), tensor.ShapeString(t.Shape)).WithTensor(t.Name)
			}
		}
	}
	return nil
}

// Evaluate runs the whole graph on one batch of inputs.
func Evaluate(g *ir.Graph, inputs []*tensor.Float) (Values, error) {
	if err := CheckInputs(g, inputs); err != nil {
		return nil, err
	}
	vals := make(Values, len(g.Tensors))
	for i := range g.Tensors {
		vals[i] = g.Tensors[i].Init
	}
	for i, id := range g.Inputs {
		vals[id] = inputs[i]
	}
	for _, id := range g.TopoOrder() {
		if err := evalInto(g, id, vals); err != nil {
			return nil, err
		}
	}
	return vals, nil
}

func evalInto(g *ir.Graph, id ir.NodeID, vals Values) error {
	n := g.Node(id)
	in := make([]*tensor.Float, len(n.Inputs))
	for i, t := range n.Inputs {
		if vals[t] == nil {
			return ir.Errorf(ir.ErrCodeInvalidGraph, "operand %s not computed", g.Tensor(t).Name).WithNode(n.Name)
		}
		in[i] = vals[t]
	}
	out, err := EvalNode(n, in)
	if err != nil {
		var ie *ir.Error
		if errors.As(err, &ie) {
			return err
		}
		return ir.Errorf(ir.ErrCodeInvalidGraph, "evaluating %s", n.Op).WithNode(n.Name).Wrap(err)
	}
	vals[n.Output()] = out
	return nil
}

// FoldConstants computes every tensor whose value does not depend on a model
// input. Weights are included.
func FoldConstants(g *ir.Graph) (Values, error) {
	vals := make(Values, len(g.Tensors))
	for i := range g.Tensors {
		vals[i] = g.Tensors[i].Init
	}
	for _, id := range g.TopoOrder() {
		n := g.Node(id)
		constant := true
		for _, t := range n.Inputs {
			if vals[t] == nil {
				constant = false
				break
			}
		}
		if !constant {
			continue
		}
		if err := evalInto(g, id, vals); err != nil {
			return nil, err
		}
	}
	return vals, nil
}

// EvalChain evaluates nodes, in the given order, with src bound to the
// vector xs and every other operand taken from consts. It returns the value
// of out for each element of xs. Constant operands must broadcast against a
// vector.
func EvalChain(g *ir.Graph, nodes []ir.NodeID, src, out ir.TensorID, consts Values, xs []float64) ([]float64, error) {
	vals := make(map[ir.TensorID]*tensor.Float, len(nodes)+1)
	vals[src] = &tensor.Float{Shape: []int{len(xs)}, Data: xs}
	for _, id := range nodes {
		n := g.Node(id)
		in := make([]*tensor.Float, len(n.Inputs))
		for i, t := range n.Inputs {
			if v, ok := vals[t]; ok {
				in[i] = v
			} else if consts[t] != nil {
				in[i] = consts[t]
			} else {
				return nil, ir.Errorf(ir.ErrCodeInvalidGraph, "chain operand %s is neither the source nor a constant",
					g.Tensor(t).Name).WithNode(n.Name)
			}
		}
		res, err := EvalNode(n, in)
		if err != nil {
			return nil, err
		}
		if res.Size() != len(xs) {
			return nil, ir.Errorf(ir.ErrCodeUnsupportedOperator,
				"elementwise chain changes element count (%d -> %d)", len(xs), res.Size()).WithNode(n.Name)
		}
		vals[n.Output()] = res
	}
	v, ok := vals[out]
	if !ok {
		return nil, fmt.Errorf("chain does not produce tensor %s", g.Tensor(out).Name)
	}
	return v.Data, nil
}
