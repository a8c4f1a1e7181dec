package circuit

import (
	"fmt"
	"strings"

	"github.com/roach88/qnnc/internal/ir"
	"github.com/roach88/qnnc/internal/tensor"
)

func (p *Program) slotType(s int) string {
	sl := p.Slots[s]
	if sl.Signed {
		return fmt.Sprintf("!enc.int<%d>", sl.BitWidth)
	}
	return fmt.Sprintf("!enc.uint<%d>", sl.BitWidth)
}

func (p *Program) ref(s int) string {
	for i, in := range p.Inputs {
		if in == s {
			return fmt.Sprintf("%%arg%d", i)
		}
	}
	return fmt.Sprintf("%%%d", s)
}

// MLIR renders the program in an MLIR-like textual form. Table lookups
// appear as enc.lookup_table operations; nothing else does.
func (p *Program) MLIR() string {
	var b strings.Builder
	fmt.Fprintf(&b, "// circuit %q\n", p.Name)
	b.WriteString("func.func @main(")
	for i, s := range p.Inputs {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s: %s", p.ref(s), p.slotType(s))
	}
	b.WriteString(") -> (")
	for i, s := range p.Outputs {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(p.slotType(s))
	}
	b.WriteString(") {\n")

	for i := range p.Instrs {
		in := &p.Instrs[i]
		args := make([]string, len(in.Args))
		types := make([]string, len(in.Args))
		for j, a := range in.Args {
			args[j] = p.ref(a)
			types[j] = p.slotType(a)
		}
		fmt.Fprintf(&b, "  %s = enc.%s %s {%s} : (%s) -> %s\n",
			p.ref(in.Out), in.Op, strings.Join(args, ", "), p.attrs(in),
			strings.Join(types, ", "), p.slotType(in.Out))
	}

	refs := make([]string, len(p.Outputs))
	for i, s := range p.Outputs {
		refs[i] = p.ref(s)
	}
	fmt.Fprintf(&b, "  return %s\n}\n", strings.Join(refs, ", "))
	return b.String()
}

func (p *Program) attrs(in *Instr) string {
	var parts []string
	add := func(format string, args ...any) { parts = append(parts, fmt.Sprintf(format, args...)) }
	add("name = %q", in.Name)
	switch in.Op {
	case OpLookup:
		s := &p.Sites[in.Site]
		add("kind = %q", s.Kind)
		add("size = %d", s.Table.Len())
		if s.Rounded {
			add("rounded_to = %d", s.Step.OutBits)
		}
		add("table = %q", shortDigest(s.Table.Digest()))
	case OpMatMul, OpConv, OpMulConst:
		add("weights = tensor<%s>", tensor.ShapeString(in.Weights.Shape))
		if in.Bias != nil {
			add("bias = tensor<%s>", tensor.ShapeString(in.Bias.Shape))
		}
	case OpAddConst:
		add("offset = tensor<%s>", tensor.ShapeString(in.Bias.Shape))
	case OpConcat, OpFlatten:
		add("axis = %d", in.Axis)
	case OpReshape:
		add("shape = %v", in.Shape)
	}
	if in.Op == OpConv {
		add("strides = %v, pads = %v, dilations = %v, group = %d",
			in.Conv.Strides, in.Conv.Pads, in.Conv.Dilations, in.Conv.Group)
	}
	for i, z := range in.Offsets {
		if z != 0 {
			add("zp%d = %d", i, z)
		}
	}
	switch {
	case in.Op == OpAdd:
		add("signs = %v", in.Signs)
	case in.Op == OpAddConst && in.Signs[0] < 0:
		add("negate")
	}
	return strings.Join(parts, ", ")
}

func shortDigest(d string) string {
	if len(d) > 16 {
		return d[:16]
	}
	return d
}

// Fingerprint identifies the program: its text and the full digest of
// every table. Two compilations of the same graph with the same settings
// have the same fingerprint.
func (p *Program) Fingerprint() string {
	var b strings.Builder
	b.WriteString(p.MLIR())
	for _, s := range p.Sites {
		b.WriteString(s.Table.Digest())
		b.WriteByte('\n')
	}
	for _, q := range p.InputParams() {
		fmt.Fprintln(&b, q)
	}
	for _, q := range p.OutParams {
		fmt.Fprintln(&b, q)
	}
	return ir.Digest(ir.DomainCircuit, []byte(b.String()))
}
