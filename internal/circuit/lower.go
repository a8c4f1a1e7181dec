package circuit

import (
	"fmt"
	"math"

	"github.com/roach88/qnnc/internal/calibrate"
	"github.com/roach88/qnnc/internal/ir"
	"github.com/roach88/qnnc/internal/placement"
	"github.com/roach88/qnnc/internal/quant"
	"github.com/roach88/qnnc/internal/rounding"
	"github.com/roach88/qnnc/internal/tensor"
)

// LowerOptions configure lowering.
type LowerOptions struct {
	// RoundingThreshold caps the index width of every table. Nil keeps
	// full-width tables.
	RoundingThreshold *uint
}

// value is a graph tensor as seen by the program: the slot holding its
// codes and the parameters decoding them. Folded tensors share a slot with
// the tensor they were folded into.
type value struct {
	slot   int
	params quant.Params
	acc    bool
}

type lowerer struct {
	plan     *placement.Plan
	g        *ir.Graph
	store    *quant.Store
	opts     LowerOptions
	prog     *Program
	vals     map[ir.TensorID]value
	requants map[quant.Point]value
}

// Lower builds the integer program for a placed graph whose quantization
// parameters are all fixed in store.
func Lower(plan *placement.Plan, store *quant.Store, opts LowerOptions) (*Program, error) {
	g := plan.Graph
	l := &lowerer{
		plan:     plan,
		g:        g,
		store:    store,
		opts:     opts,
		prog:     &Program{Name: g.Name},
		vals:     map[ir.TensorID]value{},
		requants: map[quant.Point]value{},
	}
	for _, x := range g.Inputs {
		p, err := l.param(quant.Own(x))
		if err != nil {
			return nil, err
		}
		s := l.newSlot(p)
		l.prog.Inputs = append(l.prog.Inputs, s)
		l.prog.InputNames = append(l.prog.InputNames, g.Tensor(x).Name)
		l.vals[x] = value{slot: s, params: p}
	}

	for _, id := range g.TopoOrder() {
		var err error
		switch plan.Class[id] {
		case placement.ClassFused:
			err = l.fused(id)
		case placement.ClassAffine:
			err = l.affine(id)
		case placement.ClassJoin:
			err = l.join(id)
		case placement.ClassStructural:
			err = l.structural(id)
		}
		if err != nil {
			return nil, err
		}
	}

	for _, o := range g.Outputs {
		v, ok := l.vals[o]
		if !ok {
			return nil, ir.Errorf(ir.ErrCodeUnsupportedOperator, "graph output does not depend on any input").
				WithTensor(g.Tensor(o).Name)
		}
		l.prog.Outputs = append(l.prog.Outputs, v.slot)
		l.prog.OutputNames = append(l.prog.OutputNames, g.Tensor(o).Name)
		l.prog.OutParams = append(l.prog.OutParams, v.params)
	}
	return l.prog, nil
}

func (l *lowerer) param(pt quant.Point) (quant.Params, error) {
	p, ok := l.store.Get(pt)
	if !ok {
		return quant.Params{}, ir.Errorf(ir.ErrCodePrecondition, "no quantization parameters fixed for %s", pt).
			WithTensor(l.g.Tensor(pt.Tensor).Name)
	}
	return p, nil
}

func (l *lowerer) newSlot(p quant.Params) int {
	l.prog.Slots = append(l.prog.Slots, Slot{BitWidth: p.BitWidth, Signed: p.Signed, Params: p})
	return len(l.prog.Slots) - 1
}

func (l *lowerer) emit(in Instr, out quant.Params) int {
	in.Out = l.newSlot(out)
	l.prog.Instrs = append(l.prog.Instrs, in)
	return in.Out
}

func (l *lowerer) source(t ir.TensorID, n *ir.Node) (value, error) {
	v, ok := l.vals[t]
	if !ok {
		return value{}, ir.Errorf(ir.ErrCodeInvalidGraph, "operand %s has not been lowered", l.g.Tensor(t).Name).
			WithNode(n.Name)
	}
	return v, nil
}

func (l *lowerer) fused(id ir.NodeID) error {
	n := l.g.Node(id)
	t := n.Output()
	e, ok := l.plan.ExitOf(t)
	if !ok {
		return nil
	}
	src, err := l.source(e.Source, n)
	if err != nil {
		return err
	}
	switch e.Decision {
	case placement.FoldInput, placement.FoldOutput:
		l.vals[t] = value{slot: src.slot, params: src.params.Scaled(e.Gain), acc: src.acc}
		return nil
	}
	out, err := l.param(quant.Own(t))
	if err != nil {
		return err
	}
	chain := func(xs []float64) ([]float64, error) {
		return calibrate.EvalChain(l.g, e.Nodes, e.Source, t, l.plan.Consts, xs)
	}
	v, err := l.lookup(l.g.Tensor(t).Name, SiteActivation, src, out, chain)
	if err != nil {
		return err
	}
	l.vals[t] = v
	return nil
}

func identity(xs []float64) ([]float64, error) { return xs, nil }

// operand returns t as consumer reads it, through a requantization when
// the plan asks for one.
func (l *lowerer) operand(t ir.TensorID, consumer ir.NodeID) (value, error) {
	n := l.g.Node(consumer)
	src, err := l.source(t, n)
	if err != nil {
		return value{}, err
	}
	if !l.plan.NeedsRequant(t, consumer) {
		return src, nil
	}
	pt := quant.Point{Tensor: t, Consumer: consumer}
	if v, ok := l.requants[pt]; ok {
		return v, nil
	}
	target, err := l.param(pt)
	if err != nil {
		return value{}, err
	}
	v := value{slot: src.slot, params: target}
	if !src.params.SameGrid(target) {
		name := fmt.Sprintf("%s@%s", l.g.Tensor(t).Name, n.Name)
		if v, err = l.lookup(name, SiteRequant, src, target, identity); err != nil {
			return value{}, err
		}
	}
	l.requants[pt] = v
	return v, nil
}

// lookup emits a table evaluating f on the real values of in and encoding
// the result with out.
func (l *lowerer) lookup(name string, kind SiteKind, in value, out quant.Params,
	f func([]float64) ([]float64, error)) (value, error) {
	step, rounds := rounding.For(in.params.BitWidth, in.params.Signed, l.opts.RoundingThreshold)
	lo, hi := in.params.Range()
	if rounds {
		lo, hi = step.Range()
	}
	eval := func(codes []int64) ([]int64, error) {
		xs := make([]float64, len(codes))
		for i, r := range codes {
			q := r
			if rounds {
				q = step.Representative(r)
			}
			xs[i] = in.params.Dequantize(q)
		}
		ys, err := f(xs)
		if err != nil {
			return nil, err
		}
		res := make([]int64, len(ys))
		for i, y := range ys {
			res[i] = out.Quantize(y)
		}
		return res, nil
	}
	desc := fmt.Sprintf("%s %s in=%s out=%s step=%+v", kind, name, in.params, out, step)
	table, err := newTable(lo, hi, eval, desc)
	if err != nil {
		return value{}, err
	}
	l.prog.Sites = append(l.prog.Sites, Site{
		Name:    name,
		Kind:    kind,
		In:      in.params,
		Out:     out,
		Table:   table,
		Step:    step,
		Rounded: rounds,
	})
	slot := l.emit(Instr{Op: OpLookup, Name: name, Args: []int{in.slot}, Site: len(l.prog.Sites) - 1}, out)
	return value{slot: slot, params: out}, nil
}

func (l *lowerer) affine(id ir.NodeID) error {
	n := l.g.Node(id)
	switch n.Op {
	case "Gemm", "MatMul":
		return l.matmul(id, n)
	case "Conv":
		return l.conv(id, n)
	case "Add", "Sub":
		return l.addConst(id, n)
	case "Mul", "Div":
		return l.mulConst(id, n)
	}
	return ir.Errorf(ir.ErrCodeUnsupportedOperator, "no integer lowering for %s", n.Op).WithNode(n.Name)
}

// weight returns the integer weights W - zp of t as read by consumer, and
// their parameters.
func (l *lowerer) weight(t ir.TensorID, consumer ir.NodeID) (*tensor.Int, quant.Params, error) {
	w, ok := l.plan.WeightFor(t, consumer)
	if !ok {
		return nil, quant.Params{}, ir.Errorf(ir.ErrCodePrecondition, "tensor is not a planned weight").
			WithTensor(l.g.Tensor(t).Name)
	}
	p, err := l.param(w.Point())
	if err != nil {
		return nil, quant.Params{}, err
	}
	zp := p.ZeroPoint
	codes := tensor.Map(l.plan.WeightValues(w), func(x float64) int64 { return p.Quantize(x) - zp })
	return codes, p, nil
}

// accumulator returns the parameters of a signed accumulator holding every
// value in [-bound, bound] at scale.
func accumulator(n *ir.Node, scale float64, bound int64) (quant.Params, error) {
	if bound < 0 || bound >= int64(1)<<(quant.MaxBitWidth-1) {
		return quant.Params{}, ir.Errorf(ir.ErrCodeOutOfRange,
			"accumulator exceeds %d bits; lower the bit widths", quant.MaxBitWidth).WithNode(n.Name)
	}
	if scale == 0 || math.IsNaN(scale) || math.IsInf(scale, 0) {
		return quant.Params{}, ir.Errorf(ir.ErrCodeOutOfRange, "accumulator scale %v is not usable", scale).WithNode(n.Name)
	}
	return quant.Params{BitWidth: quant.BitsFor(bound), Scale: scale, Signed: true}, nil
}

const boundLimit = int64(1) << 62

func addSat(a, b int64) int64 {
	if a > boundLimit-b {
		return boundLimit
	}
	return a + b
}

func mulSat(a, b int64) int64 {
	if a != 0 && b > boundLimit/a {
		return boundLimit
	}
	return a * b
}

func abs64(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}

// integerBias rounds beta*c to the accumulator grid.
func integerBias(n *ir.Node, c *tensor.Float, factor float64) (*tensor.Int, error) {
	out := tensor.New[int64](c.Shape...)
	for i, v := range c.Data {
		r := math.RoundToEven(v * factor)
		if math.IsNaN(r) || math.Abs(r) >= float64(boundLimit) {
			return nil, ir.Errorf(ir.ErrCodeOutOfRange, "bias %v does not fit the accumulator", v).WithNode(n.Name)
		}
		out.Data[i] = int64(r)
	}
	return out, nil
}

func (l *lowerer) matmul(id ir.NodeID, n *ir.Node) error {
	x, err := l.operand(n.Inputs[0], id)
	if err != nil {
		return err
	}
	w, wp, err := l.weight(n.Inputs[1], id)
	if err != nil {
		return err
	}
	if w.Rank() != 2 {
		return ir.Errorf(ir.ErrCodeUnsupportedOperator, "%s weight must be a matrix, got %s",
			n.Op, tensor.ShapeString(w.Shape)).WithNode(n.Name)
	}
	alpha, beta := 1.0, 1.0
	if n.Op == "Gemm" {
		alpha, beta = n.Attrs.GetFloat("alpha", 1), n.Attrs.GetFloat("beta", 1)
		if n.Attrs.GetInt("transB", 0) != 0 {
			if w, err = tensor.Transpose2D(w); err != nil {
				return err
			}
		}
	}
	scale := x.params.Scale * wp.Scale * alpha
	k, cols := w.Shape[0], w.Shape[1]

	var bias *tensor.Int
	if n.Op == "Gemm" && len(n.Inputs) > 2 {
		c := l.plan.Consts[n.Inputs[2]]
		if c.Size() != cols && c.Size() != 1 {
			return ir.Errorf(ir.ErrCodeUnsupportedOperator, "Gemm bias of shape %s is not per column",
				tensor.ShapeString(c.Shape)).WithNode(n.Name)
		}
		flat := &tensor.Float{Shape: []int{c.Size()}, Data: c.Data}
		if bias, err = integerBias(n, flat, beta/scale); err != nil {
			return err
		}
	}

	xmax := x.params.MaxOffset()
	var bound int64
	for j := 0; j < cols; j++ {
		var col int64
		for i := 0; i < k; i++ {
			col = addSat(col, abs64(w.Data[i*cols+j]))
		}
		col = mulSat(col, xmax)
		if bias != nil {
			col = addSat(col, abs64(bias.Data[j%bias.Size()]))
		}
		bound = max(bound, col)
	}
	out, err := accumulator(n, scale, bound)
	if err != nil {
		return err
	}
	slot := l.emit(Instr{
		Op:      OpMatMul,
		Name:    n.Name,
		Args:    []int{x.slot},
		Weights: w,
		Bias:    bias,
		Offsets: []int64{x.params.ZeroPoint},
	}, out)
	l.vals[n.Output()] = value{slot: slot, params: out, acc: true}
	return nil
}

func (l *lowerer) conv(id ir.NodeID, n *ir.Node) error {
	x, err := l.operand(n.Inputs[0], id)
	if err != nil {
		return err
	}
	w, wp, err := l.weight(n.Inputs[1], id)
	if err != nil {
		return err
	}
	cp, err := calibrate.ConvParams(n, w.Shape)
	if err != nil {
		return err
	}
	scale := x.params.Scale * wp.Scale
	m := w.Shape[0]
	per := w.Size() / max(m, 1)

	var bias *tensor.Int
	if len(n.Inputs) > 2 {
		c := l.plan.Consts[n.Inputs[2]]
		if c.Size() != m {
			return ir.Errorf(ir.ErrCodeUnsupportedOperator, "Conv bias has %d values for %d output channels",
				c.Size(), m).WithNode(n.Name)
		}
		if bias, err = integerBias(n, c, 1/scale); err != nil {
			return err
		}
	}

	xmax := x.params.MaxOffset()
	var bound int64
	for oc := 0; oc < m; oc++ {
		var sum int64
		for _, v := range w.Data[oc*per : (oc+1)*per] {
			sum = addSat(sum, abs64(v))
		}
		sum = mulSat(sum, xmax)
		if bias != nil {
			sum = addSat(sum, abs64(bias.Data[oc]))
		}
		bound = max(bound, sum)
	}
	out, err := accumulator(n, scale, bound)
	if err != nil {
		return err
	}
	slot := l.emit(Instr{
		Op:      OpConv,
		Name:    n.Name,
		Args:    []int{x.slot},
		Weights: w,
		Bias:    bias,
		Offsets: []int64{x.params.ZeroPoint},
		Conv:    cp,
	}, out)
	l.vals[n.Output()] = value{slot: slot, params: out, acc: true}
	return nil
}

// splitConst returns the position of the encrypted operand of a binary
// node with one constant tensor operand.
func (l *lowerer) splitConst(n *ir.Node) (enc, cst int) {
	if l.plan.Consts[n.Inputs[0]] != nil {
		return 1, 0
	}
	return 0, 1
}

func (l *lowerer) addConst(id ir.NodeID, n *ir.Node) error {
	ei, ci := l.splitConst(n)
	x, err := l.operand(n.Inputs[ei], id)
	if err != nil {
		return err
	}
	c := l.plan.Consts[n.Inputs[ci]]
	sign, factor := int64(1), 1/x.params.Scale
	if n.Op == "Sub" {
		if ei == 0 {
			factor = -factor
		} else {
			sign = -1
		}
	}
	ci64, err := integerBias(n, c, factor)
	if err != nil {
		return err
	}
	var cmax int64
	for _, v := range ci64.Data {
		cmax = max(cmax, abs64(v))
	}
	out, err := accumulator(n, x.params.Scale, addSat(x.params.MaxOffset(), cmax))
	if err != nil {
		return err
	}
	slot := l.emit(Instr{
		Op:      OpAddConst,
		Name:    n.Name,
		Args:    []int{x.slot},
		Bias:    ci64,
		Signs:   []int64{sign},
		Offsets: []int64{x.params.ZeroPoint},
	}, out)
	l.vals[n.Output()] = value{slot: slot, params: out, acc: true}
	return nil
}

func (l *lowerer) mulConst(id ir.NodeID, n *ir.Node) error {
	ei, ci := l.splitConst(n)
	x, err := l.operand(n.Inputs[ei], id)
	if err != nil {
		return err
	}
	w, wp, err := l.weight(n.Inputs[ci], id)
	if err != nil {
		return err
	}
	var wmax int64
	for _, v := range w.Data {
		wmax = max(wmax, abs64(v))
	}
	out, err := accumulator(n, x.params.Scale*wp.Scale, mulSat(x.params.MaxOffset(), wmax))
	if err != nil {
		return err
	}
	slot := l.emit(Instr{
		Op:      OpMulConst,
		Name:    n.Name,
		Args:    []int{x.slot},
		Weights: w,
		Offsets: []int64{x.params.ZeroPoint},
	}, out)
	l.vals[n.Output()] = value{slot: slot, params: out, acc: true}
	return nil
}

func (l *lowerer) join(id ir.NodeID) error {
	n := l.g.Node(id)
	ops := make([]value, len(n.Inputs))
	for i, t := range n.Inputs {
		v, err := l.operand(t, id)
		if err != nil {
			return err
		}
		ops[i] = v
	}
	for _, v := range ops[1:] {
		if v.params.Scale != ops[0].params.Scale {
			return ir.Errorf(ir.ErrCodePrecondition, "join operands have scales %g and %g",
				ops[0].params.Scale, v.params.Scale).WithNode(n.Name)
		}
	}
	args := make([]int, len(ops))
	offsets := make([]int64, len(ops))
	for i, v := range ops {
		args[i] = v.slot
		offsets[i] = v.params.ZeroPoint
	}

	if n.Op == "Concat" {
		for _, v := range ops[1:] {
			if !v.params.SameGrid(ops[0].params) {
				return ir.Errorf(ir.ErrCodePrecondition, "Concat operands are quantized differently").WithNode(n.Name)
			}
		}
		out := ops[0].params
		slot := l.emit(Instr{Op: OpConcat, Name: n.Name, Args: args, Axis: int(n.Attrs.GetInt("axis", 0))}, out)
		l.vals[n.Output()] = value{slot: slot, params: out}
		return nil
	}

	signs := []int64{1, 1}
	if n.Op == "Sub" {
		signs[1] = -1
	}
	out, err := accumulator(n, ops[0].params.Scale, addSat(ops[0].params.MaxOffset(), ops[1].params.MaxOffset()))
	if err != nil {
		return err
	}
	slot := l.emit(Instr{Op: OpAdd, Name: n.Name, Args: args, Offsets: offsets, Signs: signs}, out)
	l.vals[n.Output()] = value{slot: slot, params: out, acc: true}
	return nil
}

func (l *lowerer) structural(id ir.NodeID) error {
	n := l.g.Node(id)
	x, err := l.source(n.Inputs[0], n)
	if err != nil {
		return err
	}
	in := Instr{Name: n.Name, Args: []int{x.slot}}
	switch n.Op {
	case "Reshape":
		c := l.plan.Consts[n.Inputs[1]]
		if c == nil {
			return ir.Errorf(ir.ErrCodeUnsupportedOperator, "Reshape target shape must be constant").WithNode(n.Name)
		}
		in.Op = OpReshape
		in.Shape = make([]int, c.Size())
		for i, v := range c.Data {
			in.Shape[i] = int(v)
		}
	case "Flatten":
		in.Op = OpFlatten
		in.Axis = int(n.Attrs.GetInt("axis", 1))
	default:
		return ir.Errorf(ir.ErrCodeUnsupportedOperator, "no integer lowering for %s", n.Op).WithNode(n.Name)
	}
	slot := l.emit(in, x.params)
	l.vals[n.Output()] = value{slot: slot, params: x.params, acc: x.acc}
	return nil
}
