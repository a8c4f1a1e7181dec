package graphio

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/qnnc/internal/calibrate"
	"github.com/roach88/qnnc/internal/ir"
	"github.com/roach88/qnnc/internal/tensor"
	"github.com/roach88/qnnc/internal/testutil"
)

func decodeGraph(t *testing.T, src string) *ir.Graph {
	t.Helper()
	doc, err := Decode(strings.NewReader(src))
	require.NoError(t, err)
	g, err := doc.Graph()
	require.NoError(t, err)
	return g
}

func evalOutput(t *testing.T, g *ir.Graph, inputs []*tensor.Float) []float64 {
	t.Helper()
	require.NoError(t, g.Finalize())
	vals, err := calibrate.Evaluate(g, inputs)
	require.NoError(t, err)
	return vals[g.Outputs[0]].Data
}

// TestRoundTrip tests that a graph written and read back computes the same
// function, in both encodings.
func TestRoundTrip(t *testing.T) {
	for _, f := range []Format{FormatYAML, FormatJSON} {
		for _, g := range []*ir.Graph{testutil.MLP(4, 8, 3, "Sigmoid"), testutil.ConvNet(2), testutil.Residual(3)} {
			t.Run(string(f)+"/"+g.Name, func(t *testing.T) {
				var buf bytes.Buffer
				require.NoError(t, Write(&buf, FromGraph(g), f))

				back := decodeGraph(t, buf.String())
				assert.Equal(t, g.Name, back.Name)
				assert.Equal(t, len(g.Nodes), len(back.Nodes))

				inputs := testutil.Inputset(g, 3, 5)
				want := evalOutput(t, g, inputs)
				got := evalOutput(t, back, inputs)
				if diff := cmp.Diff(want, got); diff != "" {
					t.Errorf("outputs differ after round trip (-want +got):\n%s", diff)
				}
			})
		}
	}
}

func TestDecodeNodesInAnyOrder(t *testing.T) {
	g := decodeGraph(t, `
name: reversed
inputs:
  - {name: x, shape: [1, 2]}
outputs: [y]
initializers:
  - {name: w, shape: [2, 1], data: [1, -1]}
nodes:
  - {name: out, op: Relu, inputs: [h], outputs: [y]}
  - {name: fc, op: Gemm, inputs: [x, w], outputs: [h]}
`)
	require.NoError(t, g.Finalize())
	order := g.TopoOrder()
	require.Len(t, order, 2)
	assert.Equal(t, "fc", g.Node(order[0]).Name)
	assert.Equal(t, "out", g.Node(order[1]).Name)
	assert.Equal(t, ir.OpsetVersion, g.Opset)
}

func TestDecodeJSON(t *testing.T) {
	g := decodeGraph(t, `{
  "name": "scaled",
  "opset_version": 13,
  "inputs": [{"name": "x", "shape": [1, 2]}],
  "outputs": ["y"],
  "initializers": [{"name": "k", "shape": [], "data": [0.5]}],
  "nodes": [{"name": "m", "op": "Mul", "inputs": ["x", "k"], "outputs": ["y"]}]
}`)
	assert.Equal(t, 13, g.Opset)
	x, err := tensor.FromData([]int{1, 2}, []float64{2, -4})
	require.NoError(t, err)
	assert.Equal(t, []float64{1, -2}, evalOutput(t, g, []*tensor.Float{x}))
}

// TestNamesAreNormalized tests that composed and decomposed spellings of a
// name resolve to the same tensor.
func TestNamesAreNormalized(t *testing.T) {
	decomposed := "cafe\u0301"
	composed := "caf\u00e9"
	g := decodeGraph(t, `
name: names
inputs:
  - {name: "`+decomposed+`", shape: [1, 2]}
outputs: [y]
nodes:
  - {name: r, op: Relu, inputs: ["`+composed+`"], outputs: [y]}
`)
	require.NoError(t, g.Finalize())
	id, ok := g.Lookup(composed)
	require.True(t, ok)
	assert.Equal(t, g.Inputs[0], id)
}

func TestDecodeAttributes(t *testing.T) {
	g := decodeGraph(t, `
name: attrs
inputs:
  - {name: x, shape: [1, 1, 4, 4]}
outputs: [y]
nodes:
  - name: c
    op: Constant
    outputs: [k]
    attrs:
      value: {shape: [1, 1, 2, 2], data: [1, 0, 0, 1]}
  - name: conv
    op: Conv
    inputs: [x, k]
    outputs: [y]
    attrs:
      kernel_shape: [2, 2]
      strides: [2, 2]
      auto_pad: NOTSET
      alpha: 0.25
      scales: [0.5, 1]
      flag: true
`)
	conv := g.Node(1).Attrs
	assert.Equal(t, []int64{2, 2}, conv.GetInts("kernel_shape"))
	assert.Equal(t, "NOTSET", conv.GetString("auto_pad", ""))
	assert.Equal(t, 0.25, conv.GetFloat("alpha", 0))
	assert.Equal(t, ir.FloatsAttr(0.5, 1), conv["scales"])
	assert.Equal(t, int64(1), conv.GetInt("flag", 0))

	require.NoError(t, g.Finalize())
	k, ok := g.Lookup("k")
	require.True(t, ok)
	assert.Equal(t, ir.RoleWeight, g.Tensor(k).Role)
	assert.Equal(t, []float64{1, 0, 0, 1}, g.Tensor(k).Init.Data)
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		msg  string
	}{
		{
			name: "unknown field",
			src:  "name: g\nnodez: []\n",
			msg:  "nodez",
		},
		{
			name: "unknown tensor",
			src: `
name: g
inputs: [{name: x, shape: [1, 2]}]
outputs: [y]
nodes: [{name: r, op: Relu, inputs: [z], outputs: [y]}]
`,
			msg: `unknown tensor "z"`,
		},
		{
			name: "unknown output",
			src: `
name: g
inputs: [{name: x, shape: [1, 2]}]
outputs: [nope]
nodes: [{name: r, op: Relu, inputs: [x], outputs: [y]}]
`,
			msg: "unknown graph output",
		},
		{
			name: "malformed initializer",
			src: `
name: g
inputs: [{name: x, shape: [1, 2]}]
outputs: [x]
initializers: [{name: w, shape: [2, 2], data: [1]}]
nodes: []
`,
			msg: "malformed initializer",
		},
		{
			name: "nested attribute",
			src: `
name: g
inputs: [{name: x, shape: [1, 2]}]
outputs: [y]
nodes: [{name: r, op: Relu, inputs: [x], outputs: [y], attrs: {bad: [[1]]}}]
`,
			msg: "attribute bad",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := Decode(strings.NewReader(tt.src))
			if err == nil {
				_, err = doc.Graph()
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	g := testutil.Boundary(3, 2, "Tanh")

	for _, name := range []string{"graph.yaml", "graph.json"} {
		path := filepath.Join(dir, name)
		require.NoError(t, WriteFile(path, FromGraph(g)))
		back, err := ReadGraph(path)
		require.NoError(t, err)
		if diff := cmp.Diff(FromGraph(g), FromGraph(back), cmpopts.EquateEmpty()); diff != "" {
			t.Errorf("%s: document changed (-want +got):\n%s", name, diff)
		}
	}

	_, err := ReadGraph(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
}

func TestFormatFor(t *testing.T) {
	assert.Equal(t, FormatJSON, FormatFor("a/b.JSON"))
	assert.Equal(t, FormatYAML, FormatFor("a/b.yml"))
	assert.Equal(t, FormatYAML, FormatFor("noext"))
}
