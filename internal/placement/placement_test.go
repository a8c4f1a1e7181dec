package placement

import (
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/qnnc/internal/calibrate"
	"github.com/roach88/qnnc/internal/ir"
	"github.com/roach88/qnnc/internal/qat"
	"github.com/roach88/qnnc/internal/quant"
	"github.com/roach88/qnnc/internal/tensor"
	"github.com/roach88/qnnc/internal/testutil"
)

func analyze(t *testing.T, g *ir.Graph, importQAT bool) *Plan {
	t.Helper()
	require.NoError(t, g.Finalize())
	consts, err := calibrate.FoldConstants(g)
	require.NoError(t, err)

	var imported *qat.Result
	if importQAT {
		imported, err = qat.NewImporter(g, consts, quant.ScalarBudget(8)).Import(nil)
		require.NoError(t, err)
	}
	plan, err := Analyze(g, consts, imported)
	require.NoError(t, err)
	return plan
}

func tensorID(t *testing.T, g *ir.Graph, name string) ir.TensorID {
	t.Helper()
	id, ok := g.Lookup(name)
	require.True(t, ok, "tensor %s", name)
	return id
}

// TestDescribe_Golden pins the placement of the reference networks.
func TestDescribe_Golden(t *testing.T) {
	cases := []struct {
		name      string
		graph     *ir.Graph
		importQAT bool
	}{
		{"mlp", testutil.MLP(4, 8, 3, "Relu"), false},
		{"residual", testutil.Residual(4), false},
		{"boundary", testutil.Boundary(4, 2, ""), false},
		{"qat_mlp", testutil.QATMLP(4, 8, 3, 4), true},
	}
	gold := goldie.New(t, goldie.WithFixtureDir("testdata/golden"), goldie.WithNameSuffix(".golden"))
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			plan := analyze(t, tc.graph, tc.importQAT)
			gold.Assert(t, tc.name, []byte(strings.Join(plan.Describe(), "\n")+"\n"))
		})
	}
}

// TestAnalyze_MLP tests classification and the single materialized exit.
func TestAnalyze_MLP(t *testing.T) {
	g := testutil.MLP(4, 8, 3, "Relu")
	plan := analyze(t, g, false)

	require.Len(t, plan.Exits, 1)
	e := plan.Exits[0]
	assert.Equal(t, tensorID(t, g, "act"), e.Tensor)
	assert.Equal(t, tensorID(t, g, "fc1"), e.Source)
	assert.Equal(t, Materialize, e.Decision)
	assert.Equal(t, quant.KeyOpInputs, e.Key)
	assert.Equal(t, ir.NoNode, e.Join)

	assert.True(t, plan.Acc[tensorID(t, g, "fc1")])
	assert.True(t, plan.Acc[tensorID(t, g, "fc2")])
	assert.False(t, plan.Acc[tensorID(t, g, "act")])
	assert.Empty(t, plan.Requants)
	assert.Len(t, plan.Weights, 2)
	assert.Len(t, plan.Materialized(), 1)
}

// TestAnalyze_Boundary tests folding on both boundaries.
func TestAnalyze_Boundary(t *testing.T) {
	g := testutil.Boundary(4, 2, "")
	plan := analyze(t, g, false)

	require.Len(t, plan.Exits, 2)
	in, out := plan.Exits[0], plan.Exits[1]
	assert.Equal(t, FoldInput, in.Decision)
	assert.Equal(t, 2.0, in.Gain)
	assert.Equal(t, 0, plan.InputFold[tensorID(t, g, "x")])
	assert.Equal(t, FoldOutput, out.Decision)
	assert.Equal(t, quant.KeyModelOutputs, out.Key)
	assert.Empty(t, plan.Materialized())
}

// TestAnalyze_OutputWithConsumerNotFolded tests that an output that is also
// read inside the graph keeps its table.
func TestAnalyze_OutputWithConsumerNotFolded(t *testing.T) {
	g := ir.New("tap")
	x := g.AddInput("x", 1, 2)
	w, _ := tensor.FromData([]int{2, 2}, []float64{1, 0, 0, 1})
	h := g.AddNode("fc", "Gemm", nil, x, g.AddWeight("w", w))
	id := g.AddNode("id", "Identity", nil, h)
	g.MarkOutput(id)
	g.MarkOutput(g.AddNode("fc2", "Gemm", nil, id, g.AddWeight("w2", w)))

	plan := analyze(t, g, false)
	e, ok := plan.ExitOf(id)
	require.True(t, ok)
	assert.Equal(t, Materialize, e.Decision)
}

// TestAnalyze_InputWithSeveralChains tests that an input read by non-chain
// nodes is not folded.
func TestAnalyze_InputWithSeveralChains(t *testing.T) {
	g := ir.New("fanout")
	x := g.AddInput("x", 1, 2)
	w, _ := tensor.FromData([]int{2, 2}, []float64{1, 0, 0, 1})
	scaled := g.AddNode("scale", "Mul", nil, x, g.AddWeight("half", tensor.Scalar(0.5)))
	a := g.AddNode("fa", "Gemm", nil, scaled, g.AddWeight("wa", w))
	b := g.AddNode("fb", "Gemm", nil, x, g.AddWeight("wb", w))
	g.MarkOutput(a)
	g.MarkOutput(b)

	plan := analyze(t, g, false)
	e, ok := plan.ExitOf(scaled)
	require.True(t, ok)
	assert.Equal(t, Materialize, e.Decision)
	assert.Empty(t, plan.InputFold)
}

// TestAnalyze_Residual tests that both operands of a sum are requantized to
// the join representation.
func TestAnalyze_Residual(t *testing.T) {
	g := testutil.Residual(4)
	plan := analyze(t, g, false)

	sum := g.Producer(g.Outputs[0])
	assert.Equal(t, ClassJoin, plan.Class[sum])
	assert.True(t, plan.NeedsRequant(tensorID(t, g, "relu"), sum))
	assert.True(t, plan.NeedsRequant(tensorID(t, g, "fc2"), sum))
	assert.False(t, plan.NeedsRequant(tensorID(t, g, "relu"), g.Producer(tensorID(t, g, "fc2"))))
}

// TestAnalyze_JoinMember tests that an exit read only by a join produces
// the join representation directly.
func TestAnalyze_JoinMember(t *testing.T) {
	g := ir.New("join")
	x := g.AddInput("x", 1, 2)
	w, _ := tensor.FromData([]int{2, 2}, []float64{1, -1, 2, 1})
	a := g.AddNode("fa", "Gemm", nil, x, g.AddWeight("wa", w))
	b := g.AddNode("fb", "Gemm", nil, x, g.AddWeight("wb", w))
	ra := g.AddNode("ra", "Relu", nil, a)
	sb := g.AddNode("sb", "Sigmoid", nil, b)
	g.MarkOutput(g.AddNode("cat", "Concat", ir.Attrs{"axis": ir.IntAttr(1)}, ra, sb))

	plan := analyze(t, g, false)
	cat := g.Producer(g.Outputs[0])
	for _, t2 := range []ir.TensorID{ra, sb} {
		e, ok := plan.ExitOf(t2)
		require.True(t, ok)
		assert.Equal(t, cat, e.Join)
		assert.False(t, plan.NeedsRequant(t2, cat))
	}
}

// TestAnalyze_DivByTensor tests that a divisor becomes a reciprocal weight
// owned by its Div node.
func TestAnalyze_DivByTensor(t *testing.T) {
	g := ir.New("div")
	x := g.AddInput("x", 1, 2)
	d, _ := tensor.FromData([]int{2}, []float64{2, 4})
	dt := g.AddWeight("d", d)
	g.MarkOutput(g.AddNode("q", "Div", nil, x, dt))

	plan := analyze(t, g, false)
	require.Len(t, plan.Weights, 1)
	wt := plan.Weights[0]
	assert.True(t, wt.Reciprocal)
	assert.Equal(t, g.Producer(g.Outputs[0]), wt.Consumer)
	assert.Equal(t, []float64{0.5, 0.25}, plan.WeightValues(wt).Data)

	_, ok := plan.WeightFor(dt, ir.NoNode)
	assert.False(t, ok)
}

// TestAnalyze_Unsupported tests the operator combinations without an
// integer lowering.
func TestAnalyze_Unsupported(t *testing.T) {
	build := map[string]func(g *ir.Graph, x ir.TensorID) ir.TensorID{
		"div_by_zero": func(g *ir.Graph, x ir.TensorID) ir.TensorID {
			d, _ := tensor.FromData([]int{2}, []float64{1, 0})
			return g.AddNode("q", "Div", nil, x, g.AddWeight("d", d))
		},
		"const_over_tensor": func(g *ir.Graph, x ir.TensorID) ir.TensorID {
			d, _ := tensor.FromData([]int{2}, []float64{1, 2})
			return g.AddNode("q", "Div", nil, g.AddWeight("d", d), x)
		},
		"wide_pow": func(g *ir.Graph, x ir.TensorID) ir.TensorID {
			d, _ := tensor.FromData([]int{2}, []float64{1, 2})
			return g.AddNode("p", "Pow", nil, x, g.AddWeight("d", d))
		},
		"gemm_transA": func(g *ir.Graph, x ir.TensorID) ir.TensorID {
			w, _ := tensor.FromData([]int{2, 2}, []float64{1, 0, 0, 1})
			return g.AddNode("fc", "Gemm", ir.Attrs{"transA": ir.IntAttr(1)}, x, g.AddWeight("w", w))
		},
	}
	for name, f := range build {
		t.Run(name, func(t *testing.T) {
			g := ir.New(name)
			x := g.AddInput("x", 1, 2)
			g.MarkOutput(f(g, x))
			require.NoError(t, g.Finalize())
			consts, err := calibrate.FoldConstants(g)
			require.NoError(t, err)
			_, err = Analyze(g, consts, nil)
			require.Error(t, err)
			assert.True(t, ir.IsUnsupportedError(err), "%v", err)
		})
	}
}

// TestAnalyze_ImportedWeights tests that imported parameters reach weights
// and exits.
func TestAnalyze_ImportedWeights(t *testing.T) {
	g := testutil.QATMLP(4, 8, 3, 4)
	plan := analyze(t, g, true)

	for _, w := range plan.Weights {
		require.NotNil(t, w.Imported)
		assert.Equal(t, uint(4), w.Imported.BitWidth)
		assert.True(t, w.Imported.Signed)
	}
	e, ok := plan.ExitOf(tensorID(t, g, "relu_q"))
	require.True(t, ok)
	require.NotNil(t, e.Imported)
	assert.False(t, e.Imported.Signed)
	assert.InDelta(t, 2.0/15, e.Imported.Scale, 1e-12)
}
