package compiler

import (
	"github.com/roach88/qnnc/internal/ir"
	"github.com/roach88/qnnc/internal/placement"
	"github.com/roach88/qnnc/internal/quant"
)

// BitWidths is the resolved code width of every quantization point the
// circuit needs.
type BitWidths map[quant.Point]uint

// ResolveBitWidths consolidates the budget and the imported parameters into
// one width per point. An explicit op_inputs or op_weights entry that
// contradicts an imported width still in use is a QAT import error; the
// boundary keys and scalar budgets never conflict.
func ResolveBitWidths(b quant.Budget, plan *placement.Plan) (BitWidths, error) {
	g := plan.Graph
	bw := BitWidths{}

	imported := func(t ir.TensorID, p *quant.Params, key quant.Key) (uint, error) {
		if want, ok := b.Explicit(key); ok && (key == quant.KeyOpInputs || key == quant.KeyOpWeights) && want != p.BitWidth {
			return 0, ir.Errorf(ir.ErrCodeQATImport,
				"n_bits %s=%d conflicts with the %d-bit quantization the network was trained with",
				key, want, p.BitWidth).WithTensor(g.Tensor(t).Name)
		}
		return p.BitWidth, nil
	}

	for _, x := range g.Inputs {
		bits := b.Bits(quant.KeyModelInputs)
		if i, ok := plan.InputFold[x]; ok && plan.Exits[i].Imported != nil {
			bits = plan.Exits[i].Imported.BitWidth
		}
		bw[quant.Own(x)] = bits
	}

	for _, w := range plan.Weights {
		bits := b.Bits(quant.KeyOpWeights)
		if w.Imported != nil {
			var err error
			if bits, err = imported(w.Tensor, w.Imported, quant.KeyOpWeights); err != nil {
				return nil, err
			}
		}
		bw[w.Point()] = bits
	}

	for _, e := range plan.Exits {
		if e.Decision != placement.Materialize || e.Join != ir.NoNode {
			continue
		}
		bits := b.Bits(e.Key)
		if e.Imported != nil {
			var err error
			if bits, err = imported(e.Tensor, e.Imported, e.Key); err != nil {
				return nil, err
			}
		}
		bw[quant.Own(e.Tensor)] = bits
	}

	for _, id := range g.TopoOrder() {
		if plan.Class[id] != placement.ClassJoin {
			continue
		}
		bits := joinBits(b, plan, id)
		for _, t := range g.Node(id).Inputs {
			if e, ok := plan.ExitOf(t); ok && e.Join == id {
				bw[quant.Own(t)] = bits
			} else {
				bw[quant.Point{Tensor: t, Consumer: id}] = bits
			}
		}
	}

	for _, r := range plan.Requants {
		pt := quant.Point{Tensor: r.Tensor, Consumer: r.Consumer}
		if _, ok := bw[pt]; !ok {
			bw[pt] = b.Bits(quant.KeyOpInputs)
		}
	}
	return bw, nil
}

// joinBits is the width of the shared representation of a join: the widest
// imported operand, or the op_inputs budget.
func joinBits(b quant.Budget, plan *placement.Plan, id ir.NodeID) uint {
	var bits uint
	for _, t := range plan.Graph.Node(id).Inputs {
		if e, ok := plan.ExitOf(t); ok && e.Imported != nil {
			bits = max(bits, e.Imported.BitWidth)
		}
	}
	if bits == 0 {
		bits = b.Bits(quant.KeyOpInputs)
	}
	return bits
}
