package graphio

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/qnnc/internal/ir"
	"github.com/roach88/qnnc/internal/testutil"
)

func twoInputs() *ir.Graph {
	g := ir.New("pair")
	a := g.AddInput("a", 1, 2)
	b := g.AddInput("b", 1, 3)
	g.MarkOutput(g.AddNode("ra", "Relu", nil, a))
	g.MarkOutput(g.AddNode("rb", "Relu", nil, b))
	return g
}

func TestBindByName(t *testing.T) {
	s, err := DecodeInputset(strings.NewReader(`
inputs:
  - {name: b, shape: [1, 3], data: [1, 2, 3]}
  - {name: a, data: [4, 5, 6, 7]}
`))
	require.NoError(t, err)

	batch, err := s.Bind(twoInputs())
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, []int{2, 2}, batch[0].Shape)
	assert.Equal(t, []float64{4, 5, 6, 7}, batch[0].Data)
	assert.Equal(t, []int{1, 3}, batch[1].Shape)
}

func TestBindPositional(t *testing.T) {
	s := &Inputset{Inputs: []TensorDoc{{Data: []float64{1, 2}}, {Data: []float64{3, 4, 5}}}}
	batch, err := s.Bind(twoInputs())
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, batch[0].Shape)
	assert.Equal(t, []int{1, 3}, batch[1].Shape)
}

func TestBindErrors(t *testing.T) {
	tests := []struct {
		name string
		set  Inputset
		msg  string
	}{
		{"arity", Inputset{Inputs: []TensorDoc{{Data: []float64{1, 2}}}}, "takes 2 inputs"},
		{"unknown name", Inputset{Inputs: []TensorDoc{{Name: "a", Data: []float64{1, 2}}, {Name: "c", Data: []float64{1, 2, 3}}}}, "no samples"},
		{"duplicate", Inputset{Inputs: []TensorDoc{{Name: "a", Data: []float64{1, 2}}, {Name: "a", Data: []float64{1, 2}}}}, "twice"},
		{"mixed", Inputset{Inputs: []TensorDoc{{Name: "a", Data: []float64{1, 2}}, {Data: []float64{1, 2, 3}}}}, "mixes"},
		{"ragged", Inputset{Inputs: []TensorDoc{{Data: []float64{1, 2, 3}}, {Data: []float64{1, 2, 3}}}}, "do not divide"},
		{"bad shape", Inputset{Inputs: []TensorDoc{{Shape: []int{2, 2}, Data: []float64{1}}, {Data: []float64{1, 2, 3}}}}, "malformed samples"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.set.Bind(twoInputs())
			require.Error(t, err)
			assert.True(t, ir.IsConfigError(err), "%v", err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestInputsetFileRoundTrip(t *testing.T) {
	g := testutil.ConvNet(2)
	batch := testutil.Inputset(g, 9, 4)

	path := filepath.Join(t.TempDir(), "inputset.json")
	require.NoError(t, WriteFile(path, InputsetFrom(g, batch)))

	back, err := ReadInputset(path, g)
	require.NoError(t, err)
	require.Len(t, back, 1)
	assert.Equal(t, batch[0].Shape, back[0].Shape)
	assert.Equal(t, batch[0].Data, back[0].Data)
}

func TestDecodeInputsetUnknownField(t *testing.T) {
	_, err := DecodeInputset(strings.NewReader("samples: []\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "samples")
}
