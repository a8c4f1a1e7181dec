package quant

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/qnnc/internal/ir"
)

// TestParseBudget_Scalar tests the scalar forms.
func TestParseBudget_Scalar(t *testing.T) {
	for _, v := range []any{6, int64(6), uint(6), uint8(6), 6.0} {
		b, err := ParseBudget(v)
		require.NoError(t, err, "%T", v)
		assert.Equal(t, BudgetScalar, b.Kind)
		for _, k := range Keys {
			assert.Equal(t, uint(6), b.Bits(k))
			_, explicit := b.Explicit(k)
			assert.False(t, explicit)
		}
	}
}

// TestParseBudget_Nil tests the library default.
func TestParseBudget_Nil(t *testing.T) {
	b, err := ParseBudget(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultBitWidth, b.Bits(KeyOpWeights))
}

// TestParseBudget_Mapping tests partial mappings and defaults.
func TestParseBudget_Mapping(t *testing.T) {
	b, err := ParseBudget(map[string]int{"model_inputs": 4, "op_weights": 3})
	require.NoError(t, err)
	assert.Equal(t, BudgetMapping, b.Kind)
	assert.Equal(t, uint(4), b.Bits(KeyModelInputs))
	assert.Equal(t, uint(3), b.Bits(KeyOpWeights))
	assert.Equal(t, DefaultBitWidth, b.Bits(KeyOpInputs))
	v, ok := b.Explicit(KeyOpWeights)
	assert.True(t, ok)
	assert.Equal(t, uint(3), v)
	assert.Equal(t, "{model_inputs=4, op_weights=3}", b.String())
}

// TestParseBudget_UnknownKey tests that an unrecognized key always fails,
// whatever else the mapping holds.
func TestParseBudget_UnknownKey(t *testing.T) {
	cases := []any{
		map[string]int{"XYZ": 8},
		map[string]int{"XYZ": 8, "model_inputs": 8},
		map[string]any{"model_inputs": 8, "model_outputs": 8, "op_inputs": 8, "op_weights": 8, "XYZ": 8},
		map[string]any{"XYZ": "eight"},
	}
	for _, c := range cases {
		_, err := ParseBudget(c)
		require.Error(t, err)
		assert.True(t, ir.IsConfigError(err))
		assert.Contains(t, err.Error(), "n_bits can only contain the following keys")
	}
}

// TestParseBudget_Invalid tests range and type checks.
func TestParseBudget_Invalid(t *testing.T) {
	for _, v := range []any{0, 25, -3, 2.5, "8", []int{8}, map[string]int{}, map[string]int{"op_inputs": 0}} {
		_, err := ParseBudget(v)
		assert.True(t, ir.IsConfigError(err), "%v", v)
	}
}

// TestProblems_CollectsAll tests that every defect is reported.
func TestProblems_CollectsAll(t *testing.T) {
	problems := Problems(map[string]any{"XYZ": 8, "ABC": 1, "op_inputs": 99, "op_weights": "x"})
	require.Len(t, problems, 4)
	kinds := map[ProblemKind]int{}
	for _, p := range problems {
		kinds[p.Kind]++
	}
	assert.Equal(t, 2, kinds[ProblemUnknownKey])
	assert.Equal(t, 1, kinds[ProblemOutOfRange])
	assert.Equal(t, 1, kinds[ProblemWrongType])
}

// TestParseBudget_Typed tests pre-built budgets.
func TestParseBudget_Typed(t *testing.T) {
	b, err := ParseBudget(Budget{Kind: BudgetMapping, Values: map[Key]uint{KeyOpInputs: 5}})
	require.NoError(t, err)
	assert.Equal(t, uint(5), b.Bits(KeyOpInputs))

	_, err = ParseBudget(map[Key]uint{"bogus": 5})
	assert.True(t, ir.IsConfigError(err))
}
