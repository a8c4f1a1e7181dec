package qat

import (
	"log/slog"
	"math"
	"slices"

	"github.com/roach88/qnnc/internal/calibrate"
	"github.com/roach88/qnnc/internal/ir"
	"github.com/roach88/qnnc/internal/quant"
)

// Result is the outcome of an import.
type Result struct {
	Patterns []Pattern
	// Params maps every imported tensor to its embedded parameters.
	Params map[ir.TensorID]quant.Params
}

// Imported returns the parameters embedded for t.
func (r *Result) Imported(t ir.TensorID) (quant.Params, bool) {
	if r == nil {
		return quant.Params{}, false
	}
	p, ok := r.Params[t]
	return p, ok
}

// Importer recovers embedded quantization from a graph.
type Importer struct {
	graph  *ir.Graph
	consts calibrate.Values
	budget quant.Budget
	logger *slog.Logger
}

// ImporterOption configures an Importer.
type ImporterOption func(*Importer)

// WithLogger sets the logger used for import diagnostics.
func WithLogger(l *slog.Logger) ImporterOption {
	return func(im *Importer) { im.logger = l }
}

// NewImporter prepares an import over a finalized graph and its folded
// constants. The budget supplies bit widths for value-grid imports.
func NewImporter(g *ir.Graph, consts calibrate.Values, b quant.Budget, opts ...ImporterOption) *Importer {
	im := &Importer{graph: g, consts: consts, budget: b, logger: slog.New(slog.DiscardHandler)}
	for _, o := range opts {
		o(im)
	}
	return im
}

// NeedsSamples reports whether Import must be given sample values, which is
// the case for value-grid imports.
func (im *Importer) NeedsSamples() bool { return !HasQuantizers(im.graph) }

// Import extracts the embedded parameters. samples holds the value of every
// tensor over the calibration set and is only read by value-grid imports.
func (im *Importer) Import(samples calibrate.Values) (*Result, error) {
	var (
		patterns []Pattern
		err      error
	)
	if HasQuantizers(im.graph) {
		patterns, err = Detect(im.graph, im.consts)
	} else {
		patterns, err = im.valueGrid(samples)
	}
	if err != nil {
		return nil, err
	}
	if len(patterns) == 0 {
		return nil, ir.Errorf(ir.ErrCodeQATImport, "graph %q carries no quantization-aware training evidence", im.graph.Name)
	}
	res := &Result{Patterns: patterns, Params: make(map[ir.TensorID]quant.Params, len(patterns))}
	for _, p := range patterns {
		res.Params[p.Tensor] = p.Params
		im.logger.Debug("imported quantizer", "kind", p.Kind, "tensor", im.graph.Tensor(p.Tensor).Name, "params", p.Params)
	}
	return res, nil
}

// gridTarget is a tensor whose values must lie on a small grid.
type gridTarget struct {
	tensor ir.TensorID
	key    quant.Key
}

// gridTargets lists the encrypted operands of affine ops that are not raw
// model inputs, and their weights. Structural producers are looked through
// so parameters land on the tensor that is actually quantized.
func (im *Importer) gridTargets() []gridTarget {
	g := im.graph
	var out []gridTarget
	seen := map[ir.TensorID]bool{}
	add := func(t ir.TensorID, k quant.Key) {
		if !seen[t] {
			seen[t] = true
			out = append(out, gridTarget{tensor: t, key: k})
		}
	}
	for _, id := range g.TopoOrder() {
		n := g.Node(id)
		if g.Info(id).Kind != ir.KindAffine {
			continue
		}
		for i, in := range n.Inputs {
			if i == 2 {
				continue // bias
			}
			if im.consts[in] != nil {
				add(in, quant.KeyOpWeights)
				continue
			}
			root := throughStructural(g, in)
			if g.IsInput(root) {
				continue
			}
			add(root, quant.KeyOpInputs)
		}
	}
	return out
}

func throughStructural(g *ir.Graph, t ir.TensorID) ir.TensorID {
	for {
		p := g.Producer(t)
		if p == ir.NoNode {
			return t
		}
		n := g.Node(p)
		if n.Op != "Reshape" && n.Op != "Flatten" {
			return t
		}
		t = n.Inputs[0]
	}
}

// valueGrid checks that every target takes between 2 and 2^bits distinct
// values spaced on a common step no finer than the bit width allows, and
// derives uniform parameters over the observed range.
func (im *Importer) valueGrid(samples calibrate.Values) ([]Pattern, error) {
	g := im.graph
	var out []Pattern
	for _, tgt := range im.gridTargets() {
		v := im.consts[tgt.tensor]
		if v == nil && samples != nil {
			v = samples[tgt.tensor]
		}
		name := g.Tensor(tgt.tensor).Name
		if v == nil {
			return nil, ir.Errorf(ir.ErrCodeQATImport, "no calibration values for tensor").WithTensor(name)
		}
		bits := im.budget.Bits(tgt.key)
		limit := 1 << bits
		distinct := map[float64]struct{}{}
		for _, x := range v.Data {
			if math.IsNaN(x) {
				continue
			}
			distinct[x] = struct{}{}
			if len(distinct) > limit {
				break
			}
		}
		switch {
		case len(distinct) > limit:
			return nil, ir.Errorf(ir.ErrCodeQATImport,
				"tensor takes more than %d distinct values; its %s bit width %d does not match training or the network is not quantization-aware",
				limit, tgt.key, bits).WithTensor(name)
		case len(distinct) < 2:
			return nil, ir.Errorf(ir.ErrCodeQATImport,
				"tensor takes a single value; a degenerate network cannot be told apart from a broken one").WithTensor(name)
		}
		vals := make([]float64, 0, len(distinct)+1)
		for x := range distinct {
			vals = append(vals, x)
		}
		if tgt.key == quant.KeyOpWeights {
			// Real zero is always a code of an affine weight grid.
			vals = append(vals, 0)
		}
		slices.Sort(vals)
		vals = slices.Compact(vals)
		lo, hi := vals[0], vals[len(vals)-1]
		if steps := gridSteps(vals); steps > float64(limit-1) {
			return nil, ir.Errorf(ir.ErrCodeQATImport,
				"tensor values do not lie on a %d-bit uniform grid (%.0f steps); the network is not quantization-aware or its %s bit width does not match training",
				bits, steps, tgt.key).WithTensor(name)
		}
		p := quant.Uniform(lo, hi, bits)
		p.QATImported = true
		out = append(out, Pattern{Kind: PatternValueGrid, Tensor: tgt.tensor, Params: p})
	}
	return out, nil
}

// gridSteps returns how many steps of the coarsest common spacing span the
// sorted distinct values, or +Inf when the gaps share no common step.
func gridSteps(vals []float64) float64 {
	span := vals[len(vals)-1] - vals[0]
	tol := 1e-9 * span
	var step float64
	for i := 1; i < len(vals); i++ {
		gap := vals[i] - vals[i-1]
		if gap <= tol {
			return math.Inf(1)
		}
		step = floatGCD(step, gap, tol)
	}
	if step <= tol {
		return math.Inf(1)
	}
	return math.Round(span / step)
}

// floatGCD is Euclid's algorithm with remainders within tol of 0 or of the
// divisor treated as exact.
func floatGCD(a, b, tol float64) float64 {
	for b > tol {
		r := math.Mod(a, b)
		if b-r <= tol {
			r = 0
		}
		a, b = b, r
	}
	return a
}
