package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/qnnc/internal/tensor"
)

func weight(shape []int, data ...float64) *tensor.Float {
	w, err := tensor.FromData(shape, data)
	if err != nil {
		panic(err)
	}
	return w
}

// TestFinalize_Chain tests producers, consumers and order of a linear graph.
func TestFinalize_Chain(t *testing.T) {
	g := New("chain")
	x := g.AddInput("x", 1, 2)
	w := g.AddWeight("w", weight([]int{2, 2}, 1, 0, 0, 1))
	h := g.AddNode("fc", "Gemm", nil, x, w)
	y := g.AddNode("act", "Relu", nil, h)
	g.MarkOutput(y)

	require.NoError(t, g.Finalize())
	assert.Equal(t, []NodeID{0, 1}, g.TopoOrder())
	assert.Equal(t, NodeID(0), g.Producer(h))
	assert.Equal(t, NoNode, g.Producer(x))
	assert.Equal(t, []NodeID{1}, g.Consumers(h))
	assert.Equal(t, RoleModelOutput, g.Tensor(y).Role)
	assert.True(t, g.IsConstant(w))
	assert.True(t, g.IsInput(x))
	assert.True(t, g.IsOutput(y))
}

// TestFinalize_TopoTieBreak tests that independent nodes are ordered by index
// even when declared out of dependency order.
func TestFinalize_TopoTieBreak(t *testing.T) {
	g := New("ties")
	x := g.AddInput("x", 1)
	a := g.NewTensor("a", nil, RoleIntermediate, nil)
	b := g.NewTensor("b", nil, RoleIntermediate, nil)
	c := g.NewTensor("c", nil, RoleIntermediate, nil)
	g.Connect("sum", "Add", nil, []TensorID{a, b}, []TensorID{c})
	g.Connect("left", "Relu", nil, []TensorID{x}, []TensorID{a})
	g.Connect("right", "Sigmoid", nil, []TensorID{x}, []TensorID{b})
	g.MarkOutput(c)

	require.NoError(t, g.Finalize())
	assert.Equal(t, []NodeID{1, 2, 0}, g.TopoOrder())
}

// TestFinalize_SameTensorTwice tests a node reading one tensor twice.
func TestFinalize_SameTensorTwice(t *testing.T) {
	g := New("square")
	x := g.AddInput("x", 3)
	h := g.AddNode("h", "Relu", nil, x)
	y := g.AddNode("sq", "Mul", nil, h, h)
	g.MarkOutput(y)

	require.NoError(t, g.Finalize())
	assert.Equal(t, []NodeID{0, 1}, g.TopoOrder())
	assert.Equal(t, []NodeID{1}, g.Consumers(h))
}

// TestFinalize_Cycle tests that a cycle is rejected with its path.
func TestFinalize_Cycle(t *testing.T) {
	g := New("loop")
	x := g.AddInput("x", 1)
	a := g.NewTensor("a", nil, RoleIntermediate, nil)
	b := g.NewTensor("b", nil, RoleIntermediate, nil)
	g.Connect("first", "Add", nil, []TensorID{x, b}, []TensorID{a})
	g.Connect("second", "Relu", nil, []TensorID{a}, []TensorID{b})
	g.MarkOutput(b)

	err := g.Finalize()
	require.Error(t, err)
	assert.True(t, IsInvalidGraphError(err))
	assert.Contains(t, err.Error(), "cycle")
	assert.Contains(t, err.Error(), "first")
	assert.Contains(t, err.Error(), "second")
}

// TestFinalize_UnsupportedOperator tests registry lookups.
func TestFinalize_UnsupportedOperator(t *testing.T) {
	g := New("bad")
	x := g.AddInput("x", 1)
	y := g.AddNode("topk", "TopK", nil, x)
	g.MarkOutput(y)

	err := g.Finalize()
	require.Error(t, err)
	assert.True(t, IsUnsupportedError(err))
	assert.Contains(t, err.Error(), "TopK")
}

// TestFinalize_OpsetGate tests that operators newer than the graph opset and
// graphs newer than the registry are rejected.
func TestFinalize_OpsetGate(t *testing.T) {
	g := New("old")
	g.Opset = 11
	x := g.AddInput("x", 1)
	g.MarkOutput(g.AddNode("hs", "HardSwish", nil, x))
	err := g.Finalize()
	require.Error(t, err)
	assert.True(t, IsUnsupportedError(err))

	g = New("future")
	g.Opset = OpsetVersion + 1
	x = g.AddInput("x", 1)
	g.MarkOutput(g.AddNode("r", "Relu", nil, x))
	err = g.Finalize()
	require.Error(t, err)
	assert.True(t, IsUnsupportedError(err))
}

// TestFinalize_Arity tests operand count checks.
func TestFinalize_Arity(t *testing.T) {
	g := New("arity")
	x := g.AddInput("x", 1)
	g.MarkOutput(g.AddNode("add", "Add", nil, x))
	err := g.Finalize()
	require.Error(t, err)
	assert.True(t, IsInvalidGraphError(err))
}

// TestFinalize_DuplicateName tests name uniqueness.
func TestFinalize_DuplicateName(t *testing.T) {
	g := New("dup")
	x := g.AddInput("x", 1)
	g.AddInput("x", 1)
	g.MarkOutput(g.AddNode("r", "Relu", nil, x))
	err := g.Finalize()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

// TestFinalize_NoOutputs tests that a graph must declare outputs.
func TestFinalize_NoOutputs(t *testing.T) {
	g := New("empty")
	g.AddInput("x", 1)
	assert.True(t, IsInvalidGraphError(g.Finalize()))
}

// TestFinalize_FoldsConstants tests that Constant nodes become weights.
func TestFinalize_FoldsConstants(t *testing.T) {
	g := New("const")
	x := g.AddInput("x", 2)
	c := g.AddNode("two", "Constant", Attrs{"value": TensorAttr(weight([]int{1}, 2))})
	y := g.AddNode("mul", "Mul", nil, x, c)
	g.MarkOutput(y)

	require.NoError(t, g.Finalize())
	require.Len(t, g.Nodes, 1)
	assert.Equal(t, "Mul", g.Nodes[0].Op)
	assert.Equal(t, RoleWeight, g.Tensor(c).Role)
	assert.Equal(t, []float64{2}, g.Tensor(c).Init.Data)
	assert.Equal(t, NoNode, g.Producer(c))
}

// TestFingerprint_Stable tests that equal graphs hash equal and a weight
// change alters the digest.
func TestFingerprint_Stable(t *testing.T) {
	build := func(w float64) *Graph {
		g := New("fp")
		x := g.AddInput("x", 1, 1)
		k := g.AddWeight("k", weight([]int{1, 1}, w))
		g.MarkOutput(g.AddNode("fc", "Gemm", Attrs{"transB": IntAttr(1)}, x, k))
		require.NoError(t, g.Finalize())
		return g
	}
	assert.Equal(t, build(0.5).Fingerprint(), build(0.5).Fingerprint())
	assert.NotEqual(t, build(0.5).Fingerprint(), build(0.25).Fingerprint())
	assert.Len(t, build(1).Fingerprint(), 64)
}

// TestDigest_DomainSeparation tests that the domain is part of the hash.
func TestDigest_DomainSeparation(t *testing.T) {
	data := []byte("payload")
	assert.NotEqual(t, Digest(DomainGraph, data), Digest(DomainCircuit, data))
	assert.Equal(t, Digest(DomainGraph, data), Digest(DomainGraph, data))
}

// TestSupportedOps_Sorted tests the registry listing.
func TestSupportedOps_Sorted(t *testing.T) {
	ops := SupportedOps()
	assert.IsNonDecreasing(t, ops)
	assert.Contains(t, ops, "Gemm")
	assert.Contains(t, ops, "QuantizeLinear")
	info, ok := LookupOp("Conv")
	require.True(t, ok)
	assert.Equal(t, KindAffine, info.Kind)
}
