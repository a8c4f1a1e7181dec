// Package circuit holds the integer program a quantized graph lowers to,
// its reference simulator and the runtimes that accept it.
//
// Every value of the program lives in a slot with a declared bit width and
// signedness. Instructions are either integer-linear (matrix products,
// convolutions, constant offsets and scalings, sums of encrypted operands,
// shape moves) or table lookups, which are the only non-linear operation an
// encrypted runtime can evaluate.
package circuit

import (
	"fmt"

	"github.com/roach88/qnnc/internal/ir"
	"github.com/roach88/qnnc/internal/quant"
	"github.com/roach88/qnnc/internal/rounding"
	"github.com/roach88/qnnc/internal/tensor"
)

// OpCode enumerates the instruction set.
type OpCode int

const (
	OpLookup OpCode = iota
	OpMatMul
	OpConv
	OpAddConst
	OpMulConst
	OpAdd
	OpConcat
	OpReshape
	OpFlatten
)

var opNames = [...]string{"lookup_table", "matmul", "conv2d", "add_const", "mul_const", "add", "concat", "reshape", "flatten"}

func (o OpCode) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return fmt.Sprintf("op(%d)", int(o))
}

// Slot is the declared representation of one program value.
type Slot struct {
	BitWidth uint
	Signed   bool
	// Params is the real-valued meaning of the codes. Informational; the
	// program itself only moves integers.
	Params quant.Params
}

// Range returns the code bounds of the slot.
func (s Slot) Range() (lo, hi int64) { return quant.CodeRange(s.BitWidth, s.Signed) }

// Instr is one program step. Which operand fields are used depends on Op.
type Instr struct {
	Op   OpCode
	Name string
	Args []int
	Out  int

	// Weights holds integer weights: [K, N] for OpMatMul, [M, C/g, kh, kw]
	// for OpConv, and the broadcast factor for OpMulConst.
	Weights *tensor.Int
	// Bias is added after the product for OpMatMul and OpConv, and is the
	// offset of OpAddConst.
	Bias *tensor.Int
	// Offsets are subtracted from each argument before use.
	Offsets []int64
	// Signs multiply each argument of OpAdd, and the argument of OpAddConst.
	Signs []int64
	Conv  tensor.ConvParams
	Shape []int
	Axis  int
	// Site indexes Program.Sites for OpLookup.
	Site int
}

// SiteKind tells what a lookup computes.
type SiteKind int

const (
	// SiteActivation evaluates a fused elementwise chain.
	SiteActivation SiteKind = iota
	// SiteRequant converts codes between two representations of one value.
	SiteRequant
)

func (k SiteKind) String() string {
	if k == SiteRequant {
		return "requant"
	}
	return "activation"
}

// Site is one table lookup.
type Site struct {
	Name    string
	Kind    SiteKind
	In      quant.Params
	Out     quant.Params
	Table   *Table
	Step    rounding.Step
	Rounded bool
}

// RoundedTo returns the reduced index width, or 0 when the input is not
// rounded.
func (s Site) RoundedTo() uint {
	if s.Rounded {
		return s.Step.OutBits
	}
	return 0
}

// InputBits returns the width of the table index.
func (s Site) InputBits() uint {
	if s.Rounded {
		return s.Step.OutBits
	}
	return s.In.BitWidth
}

// Program is a lowered graph.
type Program struct {
	Name        string
	Slots       []Slot
	Instrs      []Instr
	Sites       []Site
	Inputs      []int
	InputNames  []string
	Outputs     []int
	OutputNames []string
	// OutParams decode the outputs. Folded outputs share a slot with their
	// source but not its scale.
	OutParams []quant.Params
}

// MaximumIntegerBitWidth returns the widest slot of the program.
func (p *Program) MaximumIntegerBitWidth() uint {
	var w uint
	for _, s := range p.Slots {
		w = max(w, s.BitWidth)
	}
	return w
}

// MaxTableInputBits returns the widest table index, after rounding.
func (p *Program) MaxTableInputBits() uint {
	var w uint
	for _, s := range p.Sites {
		w = max(w, s.InputBits())
	}
	return w
}

// InputParams returns the quantization of each program input.
func (p *Program) InputParams() []quant.Params {
	out := make([]quant.Params, len(p.Inputs))
	for i, s := range p.Inputs {
		out[i] = p.Slots[s].Params
	}
	return out
}

// OutputParams returns the quantization of each program output.
func (p *Program) OutputParams() []quant.Params {
	return append([]quant.Params(nil), p.OutParams...)
}

// Run evaluates the program on integer inputs. Every code is checked
// against the range of its slot, inputs included.
func (p *Program) Run(inputs []*tensor.Int) ([]*tensor.Int, error) {
	if len(inputs) != len(p.Inputs) {
		return nil, ir.Errorf(ir.ErrCodeConfigInvalid, "circuit %q takes %d inputs, got %d", p.Name, len(p.Inputs), len(inputs))
	}
	regs := make([]*tensor.Int, len(p.Slots))
	for i, s := range p.Inputs {
		if inputs[i] == nil {
			return nil, ir.Errorf(ir.ErrCodeConfigInvalid, "input %d is nil", i).WithTensor(p.InputNames[i])
		}
		if err := p.checkRange(s, inputs[i], p.InputNames[i]); err != nil {
			return nil, err
		}
		regs[s] = inputs[i]
	}
	for i := range p.Instrs {
		in := &p.Instrs[i]
		out, err := p.exec(in, regs)
		if err != nil {
			return nil, err
		}
		if err := p.checkRange(in.Out, out, in.Name); err != nil {
			return nil, err
		}
		regs[in.Out] = out
	}
	outs := make([]*tensor.Int, len(p.Outputs))
	for i, s := range p.Outputs {
		outs[i] = regs[s]
	}
	return outs, nil
}

func (p *Program) checkRange(slot int, v *tensor.Int, name string) error {
	s := p.Slots[slot]
	lo, hi := s.Range()
	for _, q := range v.Data {
		if q < lo || q > hi {
			return ir.Errorf(ir.ErrCodeOutOfRange, "code %d outside the %d-bit range [%d, %d]",
				q, s.BitWidth, lo, hi).WithTensor(name)
		}
	}
	return nil
}

func offset(in *Instr, i int) int64 {
	if i < len(in.Offsets) {
		return in.Offsets[i]
	}
	return 0
}

func shifted(x *tensor.Int, z int64) *tensor.Int {
	if z == 0 {
		return x
	}
	return tensor.Map(x, func(q int64) int64 { return q - z })
}

func (p *Program) exec(in *Instr, regs []*tensor.Int) (*tensor.Int, error) {
	args := make([]*tensor.Int, len(in.Args))
	for i, a := range in.Args {
		args[i] = regs[a]
	}
	wrap := func(err error) error {
		if err == nil {
			return nil
		}
		return ir.Errorf(ir.ErrCodeInvalidGraph, "executing %s", in.Op).WithNode(in.Name).Wrap(err)
	}

	switch in.Op {
	case OpLookup:
		site := &p.Sites[in.Site]
		codes := args[0].Data
		if site.Rounded {
			codes = make([]int64, len(args[0].Data))
			for i, q := range args[0].Data {
				codes[i] = site.Step.Apply(q)
			}
		}
		vals, err := site.Table.Apply(codes)
		if err != nil {
			return nil, err
		}
		return &tensor.Int{Shape: append([]int(nil), args[0].Shape...), Data: vals}, nil

	case OpMatMul:
		out, err := tensor.MatMul(shifted(args[0], offset(in, 0)), in.Weights)
		if err != nil {
			return nil, wrap(err)
		}
		if in.Bias != nil {
			out, err = tensor.Binary(out, in.Bias, func(a, b int64) int64 { return a + b })
		}
		return out, wrap(err)

	case OpConv:
		out, err := tensor.Conv2D(args[0], in.Weights, in.Bias, offset(in, 0), in.Conv)
		return out, wrap(err)

	case OpAddConst:
		sign := in.Signs[0]
		z := offset(in, 0)
		out, err := tensor.Binary(args[0], in.Bias, func(q, c int64) int64 { return sign*(q-z) + c })
		return out, wrap(err)

	case OpMulConst:
		z := offset(in, 0)
		out, err := tensor.Binary(args[0], in.Weights, func(q, w int64) int64 { return (q - z) * w })
		return out, wrap(err)

	case OpAdd:
		a, b := offset(in, 0), offset(in, 1)
		sa, sb := in.Signs[0], in.Signs[1]
		out, err := tensor.Binary(args[0], args[1], func(x, y int64) int64 { return sa*(x-a) + sb*(y-b) })
		return out, wrap(err)

	case OpConcat:
		out, err := tensor.Concat(in.Axis, args...)
		return out, wrap(err)

	case OpReshape:
		out, err := args[0].ReshapeBatched(in.Shape...)
		return out, wrap(err)

	case OpFlatten:
		out, err := args[0].Flatten(in.Axis)
		return out, wrap(err)
	}
	return nil, ir.Errorf(ir.ErrCodeInvalidGraph, "unknown instruction %d", int(in.Op)).WithNode(in.Name)
}
