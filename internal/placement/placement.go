// Package placement decides where encrypted table lookups are needed.
//
// Elementwise nodes fuse into univariate chains keyed by the single
// non-constant tensor they all derive from (the chain source). Every chain
// tensor read outside its chain, or exported as a graph output, is an exit
// and costs one lookup table unless it can be folded: an exit whose path
// from the source only rescales by a positive constant (identity-like ops)
// and that sits on the input or output boundary of the network is absorbed
// into the quantization parameters of that boundary instead.
//
// Decisions depend only on the graph topology and on which tensors carry
// imported parameters; sample data is never consulted.
package placement

import (
	"fmt"
	"slices"

	"github.com/roach88/qnnc/internal/calibrate"
	"github.com/roach88/qnnc/internal/ir"
	"github.com/roach88/qnnc/internal/qat"
	"github.com/roach88/qnnc/internal/quant"
	"github.com/roach88/qnnc/internal/tensor"
)

// Class is the lowering category of a node.
type Class int

const (
	// ClassFused nodes are members of a univariate chain.
	ClassFused Class = iota
	// ClassAffine nodes are integer-linear in one encrypted operand.
	ClassAffine
	// ClassJoin nodes combine several encrypted operands that must first
	// share one representation (tensor-tensor Add/Sub, Concat).
	ClassJoin
	// ClassStructural nodes move codes without touching them.
	ClassStructural
	// ClassConstant nodes are evaluated at compile time.
	ClassConstant
)

func (c Class) String() string {
	return [...]string{"fused", "affine", "join", "structural", "constant"}[c]
}

// Decision is the fate of a chain exit.
type Decision int

const (
	Materialize Decision = iota
	FoldInput
	FoldOutput
)

func (d Decision) String() string {
	return [...]string{"materialize", "fold_input", "fold_output"}[d]
}

// Exit is a chain tensor that needs a representation of its own.
type Exit struct {
	Tensor ir.TensorID
	Source ir.TensorID
	// Nodes are the chain nodes the exit depends on, in evaluation order.
	Nodes    []ir.NodeID
	Decision Decision
	// Gain relates folded exits to their source: exit = Gain * source.
	Gain float64
	// Imported holds parameters embedded by a quantizer on the exit path.
	Imported *quant.Params
	// Key is the budget stage of the exit's parameters.
	Key quant.Key
	// Join is the single join consuming a materialized exit, whose table
	// then produces the join representation directly. ir.NoNode otherwise.
	Join ir.NodeID
}

// Requant is an identity lookup converting an operand into the
// representation its consumer needs.
type Requant struct {
	Tensor   ir.TensorID
	Consumer ir.NodeID
}

// Weight is a constant operand quantized with the weight budget. A divisor
// is quantized as its reciprocal, at the point of its Div consumer.
type Weight struct {
	Tensor     ir.TensorID
	Consumer   ir.NodeID
	Reciprocal bool
	Imported   *quant.Params
}

// Point returns the store point of the weight's parameters.
func (w Weight) Point() quant.Point {
	return quant.Point{Tensor: w.Tensor, Consumer: w.Consumer}
}

// Plan is the placement result for one graph.
type Plan struct {
	Graph  *ir.Graph
	Consts calibrate.Values
	Class  []Class
	// Source maps each tensor to its chain source; non-fused tensors are
	// their own source.
	Source []ir.TensorID
	// Acc marks tensors represented by an unbounded accumulator rather
	// than a quantized code.
	Acc      []bool
	Exits    []Exit
	Requants []Requant
	Weights  []Weight
	// InputFold maps a model input to the index in Exits of the folded exit
	// that defines its quantization.
	InputFold map[ir.TensorID]int

	exitOf map[ir.TensorID]int
}

// ExitOf returns the exit for tensor t.
func (p *Plan) ExitOf(t ir.TensorID) (*Exit, bool) {
	i, ok := p.exitOf[t]
	if !ok {
		return nil, false
	}
	return &p.Exits[i], true
}

// Materialized returns the exits that become lookup tables.
func (p *Plan) Materialized() []Exit {
	var out []Exit
	for _, e := range p.Exits {
		if e.Decision == Materialize {
			out = append(out, e)
		}
	}
	return out
}

// WeightValues returns the real values a weight encodes.
func (p *Plan) WeightValues(w Weight) *tensor.Float {
	v := p.Consts[w.Tensor]
	if w.Reciprocal {
		return tensor.Map(v, func(x float64) float64 { return 1 / x })
	}
	return v
}

// WeightFor returns the weight consumer reads from t.
func (p *Plan) WeightFor(t ir.TensorID, consumer ir.NodeID) (Weight, bool) {
	for _, w := range p.Weights {
		if w.Tensor == t && (w.Consumer == ir.NoNode || w.Consumer == consumer) {
			return w, true
		}
	}
	return Weight{}, false
}

// NeedsRequant reports whether consumer reads t through a requantization.
func (p *Plan) NeedsRequant(t ir.TensorID, consumer ir.NodeID) bool {
	return slices.Contains(p.Requants, Requant{Tensor: t, Consumer: consumer})
}

// Analyze classifies every node and decides every exit. imported may be
// nil.
func Analyze(g *ir.Graph, consts calibrate.Values, imported *qat.Result) (*Plan, error) {
	a := &analyzer{
		g:        g,
		consts:   consts,
		imported: imported,
		plan: &Plan{
			Graph:     g,
			Consts:    consts,
			Class:     make([]Class, len(g.Nodes)),
			Source:    make([]ir.TensorID, len(g.Tensors)),
			Acc:       make([]bool, len(g.Tensors)),
			InputFold: map[ir.TensorID]int{},
			exitOf:    map[ir.TensorID]int{},
		},
	}
	for i := range a.plan.Source {
		a.plan.Source[i] = ir.TensorID(i)
	}
	if err := a.classify(); err != nil {
		return nil, err
	}
	a.findExits()
	a.decide()
	a.findRequants()
	return a.plan, nil
}

type analyzer struct {
	g        *ir.Graph
	consts   calibrate.Values
	imported *qat.Result
	plan     *Plan
}

func (a *analyzer) isConst(t ir.TensorID) bool { return a.consts[t] != nil }

func (a *analyzer) unsupported(n *ir.Node, format string, args ...any) error {
	return ir.Errorf(ir.ErrCodeUnsupportedOperator, format, args...).WithNode(n.Name)
}

// encrypted returns the distinct non-constant operands of n.
func (a *analyzer) encrypted(n *ir.Node) []ir.TensorID {
	var out []ir.TensorID
	for _, t := range n.Inputs {
		if !a.isConst(t) && !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	return out
}

func (a *analyzer) classify() error {
	g, p := a.g, a.plan
	for _, id := range g.TopoOrder() {
		n := g.Node(id)
		out := n.Output()
		if a.isConst(out) {
			p.Class[id] = ClassConstant
			continue
		}
		info := g.Info(id)
		switch info.Kind {
		case ir.KindAffine:
			if a.isConst(n.Inputs[0]) {
				return a.unsupported(n, "%s with a constant first operand is not supported", n.Op)
			}
			for _, t := range n.Inputs[1:] {
				if !a.isConst(t) {
					return a.unsupported(n, "%s of two encrypted tensors is not supported", n.Op)
				}
			}
			if n.Op == "Gemm" && n.Attrs.GetInt("transA", 0) != 0 {
				return a.unsupported(n, "Gemm with transA on the encrypted operand is not supported")
			}
			p.Class[id] = ClassAffine
			p.Acc[out] = true
			a.addWeight(n.Inputs[1], ir.NoNode)

		case ir.KindStructural:
			if n.Op == "Concat" {
				for _, t := range n.Inputs {
					if a.isConst(t) {
						return a.unsupported(n, "Concat of constant and encrypted tensors is not supported")
					}
				}
				p.Class[id] = ClassJoin
				continue
			}
			p.Class[id] = ClassStructural
			p.Acc[out] = p.Acc[n.Inputs[0]]

		case ir.KindElementwise, ir.KindQuantizer:
			if err := a.classifyElementwise(id, n); err != nil {
				return err
			}
		default:
			return a.unsupported(n, "operator %s cannot be lowered", n.Op)
		}
	}
	return nil
}

func (a *analyzer) classifyElementwise(id ir.NodeID, n *ir.Node) error {
	p := a.plan
	out := n.Output()
	enc := a.encrypted(n)

	var wide ir.TensorID = -1
	for _, t := range n.Inputs {
		if a.isConst(t) && a.consts[t].Size() > 1 {
			wide = t
		}
	}
	if wide >= 0 {
		if !ir.IsBivariate(n.Op) || len(enc) != 1 {
			return a.unsupported(n, "%s with a non-scalar constant operand %s is not supported",
				n.Op, a.g.Tensor(wide).Name)
		}
		if n.Op == "Div" && n.Inputs[1] != wide {
			return a.unsupported(n, "division of a constant tensor by an encrypted tensor is not supported")
		}
		p.Class[id] = ClassAffine
		p.Acc[out] = true
		switch n.Op {
		case "Mul":
			a.addWeight(wide, ir.NoNode)
		case "Div":
			for _, x := range a.consts[wide].Data {
				if x == 0 {
					return a.unsupported(n, "division by constant tensor %s containing zero", a.g.Tensor(wide).Name)
				}
			}
			a.addWeight(wide, id)
		}
		return nil
	}

	sources := map[ir.TensorID]bool{}
	for _, t := range enc {
		sources[p.Source[t]] = true
	}
	switch {
	case len(sources) == 1:
		p.Class[id] = ClassFused
		p.Source[out] = p.Source[enc[0]]
	case len(sources) == 2 && (n.Op == "Add" || n.Op == "Sub"):
		p.Class[id] = ClassJoin
		p.Acc[out] = true
	default:
		return a.unsupported(n, "%s combining %d independent encrypted tensors is not supported", n.Op, len(sources))
	}
	return nil
}

func (a *analyzer) addWeight(t ir.TensorID, div ir.NodeID) {
	for _, w := range a.plan.Weights {
		if w.Tensor == t && w.Consumer == div {
			return
		}
	}
	w := Weight{Tensor: t, Consumer: div, Reciprocal: div != ir.NoNode}
	if ip, ok := a.imported.Imported(t); ok && !w.Reciprocal {
		w.Imported = &ip
	}
	a.plan.Weights = append(a.plan.Weights, w)
}

// fusedInChain reports whether node c continues the chain of source src.
func (a *analyzer) fusedInChain(c ir.NodeID, src ir.TensorID) bool {
	return a.plan.Class[c] == ClassFused && a.plan.Source[a.g.Node(c).Output()] == src
}

func (a *analyzer) findExits() {
	g, p := a.g, a.plan
	for _, id := range g.TopoOrder() {
		if p.Class[id] != ClassFused {
			continue
		}
		t := g.Node(id).Output()
		src := p.Source[t]
		exit := g.IsOutput(t)
		for _, c := range g.Consumers(t) {
			if !a.fusedInChain(c, src) {
				exit = true
			}
		}
		if !exit {
			continue
		}
		p.exitOf[t] = len(p.Exits)
		p.Exits = append(p.Exits, Exit{
			Tensor: t,
			Source: src,
			Nodes:  a.chainNodes(t, src),
			Gain:   1,
			Join:   ir.NoNode,
		})
	}
}

// chainNodes collects the chain nodes t depends on, in topological order.
func (a *analyzer) chainNodes(t, src ir.TensorID) []ir.NodeID {
	g := a.g
	seen := map[ir.NodeID]bool{}
	stack := []ir.TensorID{t}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		pn := g.Producer(cur)
		if cur == src || pn == ir.NoNode || seen[pn] || !a.fusedInChain(pn, src) {
			continue
		}
		seen[pn] = true
		stack = append(stack, g.Node(pn).Inputs...)
	}
	var out []ir.NodeID
	for _, id := range g.TopoOrder() {
		if seen[id] {
			out = append(out, id)
		}
	}
	return out
}

// gain returns the positive factor an identity-like node applies, or false.
func (a *analyzer) gain(id ir.NodeID) (float64, bool) {
	n := a.g.Node(id)
	switch n.Op {
	case "Identity", "Dropout", "Quant":
		return 1, true
	case "DequantizeLinear":
		_, ok := qat.PairOf(a.g, a.consts, id)
		return 1, ok
	case "QuantizeLinear":
		cs := a.g.Consumers(n.Output())
		if len(cs) != 1 {
			return 0, false
		}
		_, ok := qat.PairOf(a.g, a.consts, cs[0])
		return 1, ok
	case "Mul", "Div":
		var c float64
		found := false
		for i, t := range n.Inputs {
			if !a.isConst(t) {
				continue
			}
			if n.Op == "Div" && i == 0 {
				return 0, false
			}
			c, found = a.consts[t].Data[0], true
		}
		if !found || len(a.encrypted(n)) != 1 || !(c > 0) {
			return 0, false
		}
		if n.Op == "Div" {
			return 1 / c, true
		}
		return c, true
	}
	return 0, false
}

// pathGain returns the product of gains over nodes when all are
// identity-like.
func (a *analyzer) pathGain(nodes []ir.NodeID) (float64, bool) {
	g := 1.0
	for _, id := range nodes {
		k, ok := a.gain(id)
		if !ok {
			return 0, false
		}
		g *= k
	}
	return g, true
}

// importedAt walks back from t through identity-like chain nodes until it
// reaches a tensor with imported parameters, and returns those parameters
// rescaled to t.
func (a *analyzer) importedAt(t, src ir.TensorID) *quant.Params {
	g := 1.0
	for {
		if p, ok := a.imported.Imported(t); ok {
			p = p.Scaled(g)
			return &p
		}
		pn := a.g.Producer(t)
		if t == src || pn == ir.NoNode || !a.fusedInChain(pn, src) {
			return nil
		}
		k, ok := a.gain(pn)
		if !ok {
			return nil
		}
		g *= k
		enc := a.encrypted(a.g.Node(pn))
		if len(enc) != 1 {
			return nil
		}
		t = enc[0]
	}
}

func (a *analyzer) decide() {
	g, p := a.g, a.plan
	exitsPerSource := map[ir.TensorID]int{}
	for _, e := range p.Exits {
		exitsPerSource[e.Source]++
	}
	for i := range p.Exits {
		e := &p.Exits[i]
		e.Key = quant.KeyOpInputs
		if g.IsOutput(e.Tensor) {
			e.Key = quant.KeyModelOutputs
		}
		e.Imported = a.importedAt(e.Tensor, e.Source)

		gain, identity := a.pathGain(e.Nodes)
		switch {
		case identity && a.inputBoundary(e, exitsPerSource[e.Source]):
			e.Decision = FoldInput
			e.Gain = gain
			p.InputFold[e.Source] = i
		case identity && g.IsOutput(e.Tensor) && len(g.Consumers(e.Tensor)) == 0:
			e.Decision = FoldOutput
			e.Gain = gain
		default:
			e.Decision = Materialize
			if !g.IsOutput(e.Tensor) {
				if cs := g.Consumers(e.Tensor); len(cs) == 1 && p.Class[cs[0]] == ClassJoin {
					e.Join = cs[0]
				}
			}
		}
	}
}

func (a *analyzer) inputBoundary(e *Exit, exits int) bool {
	g := a.g
	if !g.IsInput(e.Source) || g.IsOutput(e.Source) || exits != 1 {
		return false
	}
	for _, c := range g.Consumers(e.Source) {
		if !a.fusedInChain(c, e.Source) {
			return false
		}
	}
	return true
}

func (a *analyzer) findRequants() {
	g, p := a.g, a.plan
	add := func(t ir.TensorID, c ir.NodeID) {
		r := Requant{Tensor: t, Consumer: c}
		if !slices.Contains(p.Requants, r) {
			p.Requants = append(p.Requants, r)
		}
	}
	for _, id := range g.TopoOrder() {
		n := g.Node(id)
		switch p.Class[id] {
		case ClassAffine:
			if n.Op == "Add" || n.Op == "Sub" {
				// a constant offset applies to accumulators directly
				continue
			}
			for _, t := range a.encrypted(n) {
				if p.Acc[t] {
					add(t, id)
				}
			}
		case ClassJoin:
			for _, t := range a.encrypted(n) {
				if e, ok := p.ExitOf(t); ok && e.Join == id {
					continue
				}
				add(t, id)
			}
		}
	}
}

// Describe renders one line per decision, for verbose diagnostics.
func (p *Plan) Describe() []string {
	g := p.Graph
	var lines []string
	for _, id := range g.TopoOrder() {
		n := g.Node(id)
		lines = append(lines, fmt.Sprintf("node %s (%s): %s", n.Name, n.Op, p.Class[id]))
	}
	for _, e := range p.Exits {
		line := fmt.Sprintf("exit %s <- %s via %d ops: %s", g.Tensor(e.Tensor).Name, g.Tensor(e.Source).Name,
			len(e.Nodes), e.Decision)
		if e.Decision != Materialize {
			line += fmt.Sprintf(" gain=%g", e.Gain)
		}
		if e.Imported != nil {
			line += " imported=" + e.Imported.String()
		}
		lines = append(lines, line)
	}
	for _, r := range p.Requants {
		lines = append(lines, fmt.Sprintf("requant %s for %s", g.Tensor(r.Tensor).Name, g.Node(r.Consumer).Name))
	}
	return lines
}
