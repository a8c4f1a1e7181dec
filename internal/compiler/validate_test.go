package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/qnnc/internal/ir"
	"github.com/roach88/qnnc/internal/testutil"
)

// =============================================================================
// Budget Validation Tests
// =============================================================================

func TestValidateBudgetValid(t *testing.T) {
	for _, v := range []any{
		nil,
		8,
		uint(3),
		map[string]int{"model_inputs": 8, "op_weights": 4},
		map[string]any{"model_inputs": 8, "model_outputs": 8, "op_inputs": 6, "op_weights": 2},
	} {
		assert.Empty(t, ValidateBudget(v), "budget %v should be valid", v)
	}
}

func TestValidateBudgetUnknownKey(t *testing.T) {
	errs := ValidateBudget(map[string]int{"XYZ": 8, "op_inputs": 8})
	require.Len(t, errs, 1)
	assert.Equal(t, ErrBudgetUnknownKey, errs[0].Code)
	assert.Equal(t, "n_bits.XYZ", errs[0].Field)
	assert.Contains(t, errs[0].Message, "n_bits can only contain the following keys")
}

func TestValidateBudgetCollectsAllErrors(t *testing.T) {
	errs := ValidateBudget(map[string]any{"XYZ": 8, "op_inputs": 0, "op_weights": "four"})
	require.Len(t, errs, 3)

	codes := make([]string, len(errs))
	for i, e := range errs {
		codes[i] = e.Code
	}
	assert.ElementsMatch(t, []string{ErrBudgetUnknownKey, ErrBudgetOutOfRange, ErrBudgetWrongType}, codes)
}

func TestValidateBudgetEmptyMapping(t *testing.T) {
	errs := ValidateBudget(map[string]int{})
	require.Len(t, errs, 1)
	assert.Equal(t, ErrBudgetEmpty, errs[0].Code)
}

func TestValidateBudgetScalarOutOfRange(t *testing.T) {
	for _, v := range []any{0, 25, -3} {
		errs := ValidateBudget(v)
		require.Len(t, errs, 1, "budget %v", v)
		assert.Equal(t, ErrBudgetOutOfRange, errs[0].Code)
		assert.Equal(t, "n_bits", errs[0].Field)
	}
}

func TestValidateBudgetWrongType(t *testing.T) {
	errs := ValidateBudget("8")
	require.Len(t, errs, 1)
	assert.Equal(t, ErrBudgetWrongType, errs[0].Code)

	errs = ValidateBudget(2.5)
	require.Len(t, errs, 1)
	assert.Equal(t, ErrBudgetWrongType, errs[0].Code)
}

// =============================================================================
// Config Validation Tests
// =============================================================================

func TestValidateConfigValid(t *testing.T) {
	bits := uint(6)
	errs := Validate(Config{NBits: 8, RoundingThresholdBits: &bits})
	assert.Empty(t, errs)
}

func TestValidateConfigRoundingThreshold(t *testing.T) {
	zero := uint(0)
	errs := Validate(&Config{RoundingThresholdBits: &zero})
	require.Len(t, errs, 1)
	assert.Equal(t, ErrRoundingRange, errs[0].Code)
	assert.Equal(t, "rounding_threshold_bits", errs[0].Field)
}

func TestValidateConfigCombinesBudgetErrors(t *testing.T) {
	huge := uint(99)
	errs := Validate(&Config{NBits: map[string]int{"XYZ": 1}, RoundingThresholdBits: &huge})
	require.Len(t, errs, 2)
	assert.Equal(t, ErrBudgetUnknownKey, errs[0].Code)
	assert.Equal(t, ErrRoundingRange, errs[1].Code)
}

// =============================================================================
// Graph Validation Tests
// =============================================================================

func TestValidateGraphValid(t *testing.T) {
	errs := Validate(testutil.MLP(4, 8, 3, "Relu"))
	assert.Empty(t, errs)
}

func TestValidateGraphNoInputsOrOutputs(t *testing.T) {
	g := ir.New("empty")
	errs := Validate(g)
	require.Len(t, errs, 2)
	assert.Equal(t, ErrGraphNoInputs, errs[0].Code)
	assert.Equal(t, ErrGraphNoOutputs, errs[1].Code)
}

func TestValidateGraphUnsupportedOp(t *testing.T) {
	g := ir.New("bad")
	x := g.AddInput("x", 1, 4)
	g.MarkOutput(g.AddNode("sm", "Softmax", nil, x))

	errs := Validate(g)
	require.Len(t, errs, 1)
	assert.Equal(t, ErrUnsupportedOp, errs[0].Code)
	assert.Equal(t, "nodes[0].op", errs[0].Field)
	assert.Contains(t, errs[0].Message, "Softmax")
}

func TestValidateGraphOpsetTooNew(t *testing.T) {
	g := testutil.MLP(4, 8, 3, "Relu")
	g.Opset = ir.OpsetVersion + 1

	errs := Validate(g)
	require.Len(t, errs, 1)
	assert.Equal(t, ErrOpsetTooNew, errs[0].Code)
}

func TestValidateGraphOperatorNewerThanOpset(t *testing.T) {
	g := ir.New("old")
	g.Opset = 6
	x := g.AddInput("x", 1, 4)
	g.MarkOutput(g.AddNode("hs", "HardSwish", nil, x))

	errs := Validate(g)
	require.Len(t, errs, 1)
	assert.Equal(t, ErrOpsetTooNew, errs[0].Code)
	assert.Contains(t, errs[0].Message, "requires opset 14")
}

func TestValidateGraphOperandCount(t *testing.T) {
	g := ir.New("arity")
	x := g.AddInput("x", 1, 4)
	g.MarkOutput(g.AddNode("r", "Relu", nil, x, x))

	errs := Validate(g)
	require.Len(t, errs, 1)
	assert.Equal(t, ErrOperandCount, errs[0].Code)
}

func TestValidateGraphDuplicateTensor(t *testing.T) {
	g := ir.New("dup")
	x := g.AddInput("x", 1, 4)
	g.MarkOutput(g.AddNode("x", "Relu", nil, x))

	errs := Validate(g)
	require.Len(t, errs, 1)
	assert.Equal(t, ErrDuplicateTensor, errs[0].Code)
	assert.Equal(t, "tensors[1].name", errs[0].Field)
}

func TestValidateGraphDanglingReference(t *testing.T) {
	g := ir.New("dangling")
	x := g.AddInput("x", 1, 4)
	out := g.NewTensor("y", nil, ir.RoleIntermediate, nil)
	g.Connect("r", "Relu", nil, []ir.TensorID{x + 7}, []ir.TensorID{out})
	g.MarkOutput(out)

	errs := Validate(g)
	require.Len(t, errs, 1)
	assert.Equal(t, ErrDanglingReference, errs[0].Code)
}

func TestValidateGraphCycleReportedByFinalize(t *testing.T) {
	g := ir.New("cycle")
	x := g.AddInput("x", 1, 4)
	a := g.NewTensor("a", nil, ir.RoleIntermediate, nil)
	b := g.NewTensor("b", nil, ir.RoleIntermediate, nil)
	g.Connect("add", "Add", nil, []ir.TensorID{x, b}, []ir.TensorID{a})
	g.Connect("relu", "Relu", nil, []ir.TensorID{a}, []ir.TensorID{b})
	g.MarkOutput(b)

	errs := Validate(g)
	require.Len(t, errs, 1)
	assert.Equal(t, ErrInvalidGraph, errs[0].Code)
	assert.Contains(t, errs[0].Message, "cycle")
}

func TestValidationErrorFormat(t *testing.T) {
	e := ValidationError{Field: "n_bits.XYZ", Message: "unknown key", Code: ErrBudgetUnknownKey}
	assert.Equal(t, "[E201] n_bits.XYZ: unknown key", e.Error())
}
