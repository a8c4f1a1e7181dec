package calibrate

import (
	"context"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/qnnc/internal/ir"
	"github.com/roach88/qnnc/internal/tensor"
)

func mustTensor(t *testing.T, shape []int, data ...float64) *tensor.Float {
	t.Helper()
	x, err := tensor.FromData(shape, data)
	require.NoError(t, err)
	return x
}

// fcRelu is x[.,2] -> Gemm(w, b) -> Relu.
func fcRelu(t *testing.T) *ir.Graph {
	g := ir.New("fc")
	x := g.AddInput("x", 1, 2)
	w := g.AddWeight("w", mustTensor(t, []int{2, 2}, 1, -1, 2, 1))
	b := g.AddWeight("b", mustTensor(t, []int{2}, 0.5, -0.5))
	h := g.AddNode("fc", "Gemm", nil, x, w, b)
	g.MarkOutput(g.AddNode("act", "Relu", nil, h))
	require.NoError(t, g.Finalize())
	return g
}

// TestEvaluate_Gemm tests a forward pass against hand-computed values.
func TestEvaluate_Gemm(t *testing.T) {
	g := fcRelu(t)
	vals, err := Evaluate(g, []*tensor.Float{mustTensor(t, []int{2, 2}, 1, 1, 2, -3)})
	require.NoError(t, err)

	fc, _ := g.Lookup("fc")
	act, _ := g.Lookup("act")
	// row0: [1+2+.5, -1+1-.5] = [3.5, -.5]; row1: [2-6+.5, -2-3-.5] = [-3.5, -5.5]
	assert.Equal(t, []float64{3.5, -0.5, -3.5, -5.5}, vals[fc].Data)
	assert.Equal(t, []float64{3.5, 0, 0, 0}, vals[act].Data)
}

// TestEvaluate_Arity tests input validation.
func TestEvaluate_Arity(t *testing.T) {
	g := fcRelu(t)
	_, err := Evaluate(g, nil)
	assert.True(t, ir.IsConfigError(err))

	_, err = Evaluate(g, []*tensor.Float{mustTensor(t, []int{1, 3}, 1, 2, 3)})
	assert.True(t, ir.IsConfigError(err))
}

// TestRanges_ParallelMatchesSerial tests that chunked evaluation merges to
// the same ranges as one batch.
func TestRanges_ParallelMatchesSerial(t *testing.T) {
	g := fcRelu(t)
	data := make([]float64, 200)
	for i := range data {
		data[i] = math.Sin(float64(i)) * 3
	}
	x := mustTensor(t, []int{100, 2}, data...)

	serial, err := Ranges(context.Background(), g, []*tensor.Float{x}, Options{ChunkSize: 100, Workers: 1})
	require.NoError(t, err)
	parallel, err := Ranges(context.Background(), g, []*tensor.Float{x}, Options{ChunkSize: 7, Workers: 4})
	require.NoError(t, err)

	if diff := cmp.Diff(serial, parallel, cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Errorf("ranges differ (-serial +parallel):\n%s", diff)
	}
	xin, _ := g.Lookup("x")
	assert.InDelta(t, -3, serial[xin].Min, 0.01)
	assert.InDelta(t, 3, serial[xin].Max, 0.01)
	act, _ := g.Lookup("act")
	assert.Equal(t, 0.0, serial[act].Min)
}

// TestRanges_Empty tests that an empty input set is rejected.
func TestRanges_Empty(t *testing.T) {
	g := fcRelu(t)
	_, err := Ranges(context.Background(), g, []*tensor.Float{tensor.New[float64](0, 2)}, Options{})
	assert.True(t, ir.IsConfigError(err))
}

// TestRange_Merge tests associativity with empty ranges and non-finite
// values.
func TestRange_Merge(t *testing.T) {
	var a, b Range
	a.Observe([]float64{1, 2, math.NaN()})
	b.Observe([]float64{-1, math.Inf(1)})
	m := a.Merge(b)
	assert.Equal(t, Range{Min: -1, Max: 2, Count: 3}, m)
	assert.Equal(t, m, Range{}.Merge(m))
	assert.Equal(t, m, m.Merge(Range{}))
	assert.Equal(t, 2.0, m.AbsMax())
	assert.True(t, Range{}.Empty())
}

// TestFoldConstants tests that constant subgraphs are computed while input
// dependent ones are not.
func TestFoldConstants(t *testing.T) {
	g := ir.New("fold")
	x := g.AddInput("x", 1, 2)
	w := g.AddWeight("w", mustTensor(t, []int{2, 2}, 0.26, -0.49, 1, 0))
	s := g.AddWeight("s", mustTensor(t, nil, 0.25))
	z := g.AddWeight("z", mustTensor(t, nil, 0))
	bw := g.AddWeight("bits", mustTensor(t, nil, 4))
	wq := g.AddNode("wq", "Quant", ir.Attrs{"signed": ir.IntAttr(1)}, w, s, z, bw)
	g.MarkOutput(g.AddNode("mm", "MatMul", nil, x, wq))
	require.NoError(t, g.Finalize())

	vals, err := FoldConstants(g)
	require.NoError(t, err)
	require.NotNil(t, vals[wq])
	assert.Equal(t, []float64{0.25, -0.5, 1, 0}, vals[wq].Data)
	mm, _ := g.Lookup("mm")
	assert.Nil(t, vals[mm])
}

// TestEvalChain tests evaluation of a fused chain over candidate inputs.
func TestEvalChain(t *testing.T) {
	g := ir.New("silu")
	x := g.AddInput("x", 1, 4)
	sg := g.AddNode("sig", "Sigmoid", nil, x)
	y := g.AddNode("mul", "Mul", nil, x, sg)
	g.MarkOutput(y)
	require.NoError(t, g.Finalize())

	consts, err := FoldConstants(g)
	require.NoError(t, err)
	xs := []float64{-2, 0, 1, 3}
	got, err := EvalChain(g, g.TopoOrder(), x, y, consts, xs)
	require.NoError(t, err)
	for i, v := range xs {
		assert.InDelta(t, v/(1+math.Exp(-v)), got[i], 1e-12)
	}
}

// TestEvalNode_Activations spot-checks activation kernels.
func TestEvalNode_Activations(t *testing.T) {
	tests := []struct {
		op    string
		attrs ir.Attrs
		in    float64
		want  float64
	}{
		{"Relu", nil, -1, 0},
		{"LeakyRelu", ir.Attrs{"alpha": ir.FloatAttr(0.1)}, -2, -0.2},
		{"Elu", nil, -1, math.Exp(-1) - 1},
		{"HardSigmoid", nil, 10, 1},
		{"HardSwish", nil, 1, 1 * (1.0/6 + 0.5)},
		{"Softplus", nil, 0, math.Log(2)},
		{"Softsign", nil, 1, 0.5},
		{"Shrink", nil, 1, 1},
		{"ThresholdedRelu", nil, 0.5, 0},
		{"Celu", nil, -1, math.Exp(-1) - 1},
		{"Round", nil, 2.5, 2},
		{"Sign", nil, -3, -1},
	}
	for _, tt := range tests {
		t.Run(tt.op, func(t *testing.T) {
			n := &ir.Node{Name: "n", Op: tt.op, Attrs: tt.attrs}
			out, err := EvalNode(n, []*tensor.Float{tensor.Scalar(tt.in)})
			require.NoError(t, err)
			assert.InDelta(t, tt.want, out.Data[0], 1e-12)
		})
	}
}

// TestEvalNode_QDQ tests linear quantize and dequantize kernels.
func TestEvalNode_QDQ(t *testing.T) {
	x := mustTensor(t, []int{4}, -1, 0, 0.3, 100)
	s := tensor.Scalar(0.1)
	zp := tensor.Scalar(10.0)
	q, err := EvalNode(&ir.Node{Op: "QuantizeLinear"}, []*tensor.Float{x, s, zp})
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 10, 13, 255}, q.Data)

	dq, err := EvalNode(&ir.Node{Op: "DequantizeLinear"}, []*tensor.Float{q, s, zp})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{-1, 0, 0.3, 24.5}, dq.Data, 1e-9)
}
