package compiler

import (
	"github.com/roach88/qnnc/internal/calibrate"
	"github.com/roach88/qnnc/internal/ir"
	"github.com/roach88/qnnc/internal/placement"
	"github.com/roach88/qnnc/internal/quant"
)

// assignParams fixes the parameters of every point in bw: imported
// parameters where the network carries them, calibrated ones elsewhere.
func assignParams(plan *placement.Plan, ranges []calibrate.Range, bw BitWidths, store *quant.Store) error {
	g := plan.Graph
	uniform := func(t ir.TensorID, bits uint) quant.Params {
		return quant.Uniform(ranges[t].Min, ranges[t].Max, bits)
	}

	for _, w := range plan.Weights {
		p := quant.ForWeights(plan.WeightValues(w).Data, bw[w.Point()])
		if w.Imported != nil {
			p = *w.Imported
		}
		if err := store.Set(w.Point(), p); err != nil {
			return err
		}
	}

	for _, x := range g.Inputs {
		pt := quant.Own(x)
		p := uniform(x, bw[pt])
		if i, ok := plan.InputFold[x]; ok && plan.Exits[i].Imported != nil {
			e := plan.Exits[i]
			p = e.Imported.Scaled(1 / e.Gain)
		}
		if err := store.Set(pt, p); err != nil {
			return err
		}
	}

	for _, e := range plan.Exits {
		if e.Decision != placement.Materialize || e.Join != ir.NoNode {
			continue
		}
		pt := quant.Own(e.Tensor)
		p := uniform(e.Tensor, bw[pt])
		if e.Imported != nil {
			p = *e.Imported
		}
		if err := store.Set(pt, p); err != nil {
			return err
		}
	}

	for _, id := range g.TopoOrder() {
		if plan.Class[id] != placement.ClassJoin {
			continue
		}
		if err := assignJoin(plan, ranges, bw, store, id); err != nil {
			return err
		}
	}

	for _, r := range plan.Requants {
		pt := quant.Point{Tensor: r.Tensor, Consumer: r.Consumer}
		if _, done := store.Get(pt); done {
			continue
		}
		if err := store.Set(pt, uniform(r.Tensor, bw[pt])); err != nil {
			return err
		}
	}
	return nil
}

// assignJoin gives every operand of a join one shared representation: the
// imported one when all operands agree on it, otherwise a symmetric grid
// over the operands for sums and a uniform grid over the result for
// concatenations.
func assignJoin(plan *placement.Plan, ranges []calibrate.Range, bw BitWidths, store *quant.Store, id ir.NodeID) error {
	g := plan.Graph
	n := g.Node(id)
	points := make([]quant.Point, len(n.Inputs))
	for i, t := range n.Inputs {
		points[i] = quant.Point{Tensor: t, Consumer: id}
		if e, ok := plan.ExitOf(t); ok && e.Join == id {
			points[i] = quant.Own(t)
		}
	}
	bits := bw[points[0]]

	var target quant.Params
	if p, ok := sharedImport(plan, n.Inputs); ok {
		target = p
	} else if n.Op == "Concat" {
		r := ranges[n.Output()]
		target = quant.Uniform(r.Min, r.Max, bits)
	} else {
		var absMax float64
		for _, t := range n.Inputs {
			absMax = max(absMax, ranges[t].AbsMax())
		}
		target = quant.Symmetric(absMax, bits)
	}

	for _, pt := range points {
		if _, done := store.Get(pt); done {
			continue
		}
		if err := store.Set(pt, target); err != nil {
			return err
		}
	}
	return nil
}

func sharedImport(plan *placement.Plan, ts []ir.TensorID) (quant.Params, bool) {
	var shared *quant.Params
	for _, t := range ts {
		e, ok := plan.ExitOf(t)
		if !ok || e.Imported == nil {
			return quant.Params{}, false
		}
		if shared != nil && !shared.SameGrid(*e.Imported) {
			return quant.Params{}, false
		}
		shared = e.Imported
	}
	return *shared, true
}
