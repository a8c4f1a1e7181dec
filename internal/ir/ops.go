package ir

import (
	"slices"
)

// OpKind classifies how the compiler treats an operator.
type OpKind int

const (
	// KindAffine ops are integer-linear in their encrypted operand and lower
	// to accumulator arithmetic.
	KindAffine OpKind = iota
	// KindElementwise ops act independently on each element and fuse into
	// univariate lookup tables.
	KindElementwise
	// KindStructural ops move elements without changing their values.
	KindStructural
	// KindQuantizer ops carry embedded quantization parameters.
	KindQuantizer
	// KindConstant ops produce compile-time values.
	KindConstant
)

func (k OpKind) String() string {
	switch k {
	case KindAffine:
		return "affine"
	case KindElementwise:
		return "elementwise"
	case KindStructural:
		return "structural"
	case KindQuantizer:
		return "quantizer"
	case KindConstant:
		return "constant"
	}
	return "unknown"
}

// OpInfo describes a registered operator.
type OpInfo struct {
	Kind OpKind
	// Since is the first opset version defining the operator.
	Since int
	// MinInputs and MaxInputs bound the operand count. Optional trailing
	// operands must be constants.
	MinInputs, MaxInputs int
	// IdentityLike ops leave the represented value unchanged, up to a
	// positive rescale, and never force a lookup table on a boundary.
	IdentityLike bool
}

var registry = map[string]OpInfo{
	// affine
	"Gemm":   {Kind: KindAffine, Since: 1, MinInputs: 2, MaxInputs: 3},
	"MatMul": {Kind: KindAffine, Since: 1, MinInputs: 2, MaxInputs: 2},
	"Conv":   {Kind: KindAffine, Since: 1, MinInputs: 2, MaxInputs: 3},

	// elementwise, univariate
	"Relu":            {Kind: KindElementwise, Since: 1, MinInputs: 1, MaxInputs: 1},
	"Sigmoid":         {Kind: KindElementwise, Since: 1, MinInputs: 1, MaxInputs: 1},
	"Tanh":            {Kind: KindElementwise, Since: 1, MinInputs: 1, MaxInputs: 1},
	"Elu":             {Kind: KindElementwise, Since: 1, MinInputs: 1, MaxInputs: 1},
	"Selu":            {Kind: KindElementwise, Since: 1, MinInputs: 1, MaxInputs: 1},
	"Celu":            {Kind: KindElementwise, Since: 12, MinInputs: 1, MaxInputs: 1},
	"LeakyRelu":       {Kind: KindElementwise, Since: 1, MinInputs: 1, MaxInputs: 1},
	"ThresholdedRelu": {Kind: KindElementwise, Since: 10, MinInputs: 1, MaxInputs: 1},
	"HardSigmoid":     {Kind: KindElementwise, Since: 1, MinInputs: 1, MaxInputs: 1},
	"HardSwish":       {Kind: KindElementwise, Since: 14, MinInputs: 1, MaxInputs: 1},
	"Softplus":        {Kind: KindElementwise, Since: 1, MinInputs: 1, MaxInputs: 1},
	"Softsign":        {Kind: KindElementwise, Since: 1, MinInputs: 1, MaxInputs: 1},
	"Shrink":          {Kind: KindElementwise, Since: 9, MinInputs: 1, MaxInputs: 1},
	"Exp":             {Kind: KindElementwise, Since: 1, MinInputs: 1, MaxInputs: 1},
	"Log":             {Kind: KindElementwise, Since: 1, MinInputs: 1, MaxInputs: 1},
	"Abs":             {Kind: KindElementwise, Since: 1, MinInputs: 1, MaxInputs: 1},
	"Neg":             {Kind: KindElementwise, Since: 1, MinInputs: 1, MaxInputs: 1},
	"Sqrt":            {Kind: KindElementwise, Since: 1, MinInputs: 1, MaxInputs: 1},
	"Floor":           {Kind: KindElementwise, Since: 1, MinInputs: 1, MaxInputs: 1},
	"Ceil":            {Kind: KindElementwise, Since: 1, MinInputs: 1, MaxInputs: 1},
	"Round":           {Kind: KindElementwise, Since: 11, MinInputs: 1, MaxInputs: 1},
	"Sign":            {Kind: KindElementwise, Since: 9, MinInputs: 1, MaxInputs: 1},
	"Erf":             {Kind: KindElementwise, Since: 9, MinInputs: 1, MaxInputs: 1},
	"Clip":            {Kind: KindElementwise, Since: 1, MinInputs: 1, MaxInputs: 3},
	"PRelu":           {Kind: KindElementwise, Since: 1, MinInputs: 2, MaxInputs: 2},
	"Pow":             {Kind: KindElementwise, Since: 1, MinInputs: 2, MaxInputs: 2},
	"Identity":        {Kind: KindElementwise, Since: 1, MinInputs: 1, MaxInputs: 1, IdentityLike: true},
	"Dropout":         {Kind: KindElementwise, Since: 1, MinInputs: 1, MaxInputs: 3, IdentityLike: true},

	// elementwise, bivariate
	"Add": {Kind: KindElementwise, Since: 1, MinInputs: 2, MaxInputs: 2},
	"Sub": {Kind: KindElementwise, Since: 1, MinInputs: 2, MaxInputs: 2},
	"Mul": {Kind: KindElementwise, Since: 1, MinInputs: 2, MaxInputs: 2},
	"Div": {Kind: KindElementwise, Since: 1, MinInputs: 2, MaxInputs: 2},

	// structural
	"Reshape": {Kind: KindStructural, Since: 5, MinInputs: 2, MaxInputs: 2},
	"Flatten": {Kind: KindStructural, Since: 1, MinInputs: 1, MaxInputs: 1},
	"Concat":  {Kind: KindStructural, Since: 1, MinInputs: 1, MaxInputs: 1 << 16},

	// quantizers
	"QuantizeLinear":   {Kind: KindQuantizer, Since: 10, MinInputs: 2, MaxInputs: 3},
	"DequantizeLinear": {Kind: KindQuantizer, Since: 10, MinInputs: 2, MaxInputs: 3},
	"Quant":            {Kind: KindQuantizer, Since: 1, MinInputs: 4, MaxInputs: 4, IdentityLike: true},

	"Constant": {Kind: KindConstant, Since: 1, MinInputs: 0, MaxInputs: 0},
}

// LookupOp returns the registry entry for op.
func LookupOp(op string) (OpInfo, bool) {
	info, ok := registry[op]
	return info, ok
}

// SupportedOps returns the registered operator names in sorted order.
func SupportedOps() []string {
	ops := make([]string, 0, len(registry))
	for op := range registry {
		ops = append(ops, op)
	}
	slices.Sort(ops)
	return ops
}

// IsBivariate reports whether op combines two same-shaped operands
// elementwise.
func IsBivariate(op string) bool {
	switch op {
	case "Add", "Sub", "Mul", "Div":
		return true
	}
	return false
}
