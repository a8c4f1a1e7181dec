package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/qnnc/internal/calibrate"
	"github.com/roach88/qnnc/internal/ir"
)

func TestSampler_SameSeedSameDraws(t *testing.T) {
	a := NewSampler(42).Uniform(-1, 1, 4, 3)
	b := NewSampler(42).Uniform(-1, 1, 4, 3)
	assert.Equal(t, a.Data, b.Data)

	c := NewSampler(43).Uniform(-1, 1, 4, 3)
	assert.NotEqual(t, a.Data, c.Data)
}

func TestSampler_UniformBounds(t *testing.T) {
	x := NewSampler(1).Uniform(2, 3, 1000)
	for _, v := range x.Data {
		require.GreaterOrEqual(t, v, 2.0)
		require.Less(t, v, 3.0)
	}
}

func TestInputset_ReplacesBatch(t *testing.T) {
	g := ConvNet(3)
	xs := Inputset(g, 9, 17)
	require.Len(t, xs, 1)
	assert.Equal(t, []int{17, 1, 6, 6}, xs[0].Shape)
}

// TestNetworks_Evaluate tests that every reference network finalizes and
// runs in floating point on its input set.
func TestNetworks_Evaluate(t *testing.T) {
	nets := map[string]*ir.Graph{
		"linear":   Linear(4, 2),
		"mlp":      MLP(4, 8, 3, "Relu"),
		"boundary": Boundary(4, 2, "Relu"),
		"conv":     ConvNet(3),
		"residual": Residual(4),
		"qat":      QATMLP(4, 8, 3, 4),
		"qdq":      QDQMLP(4, 8, 3),
	}
	for name, g := range nets {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, g.Finalize())
			vals, err := calibrate.Evaluate(g, Inputset(g, 1, 5))
			require.NoError(t, err)
			out := vals[g.Outputs[0]]
			require.NotNil(t, out)
			assert.Equal(t, 5, out.Batch())
		})
	}
}
