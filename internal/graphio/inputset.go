package graphio

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/qnnc/internal/ir"
	"github.com/roach88/qnnc/internal/tensor"
)

// Inputset is a batch of samples for every model input. Entries are matched
// to graph inputs by name, or by position when no entry is named.
type Inputset struct {
	Inputs []TensorDoc `yaml:"inputs" json:"inputs"`
}

// DecodeInputset parses an inputset document.
func DecodeInputset(r io.Reader) (*Inputset, error) {
	var s Inputset
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse inputset document: %w", err)
	}
	return &s, nil
}

// ReadInputset loads the inputset stored at path and binds it to g.
func ReadInputset(path string, g *ir.Graph) ([]*tensor.Float, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read inputset file: %w", err)
	}
	s, err := DecodeInputset(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return s.Bind(g)
}

// Bind orders the entries like g.Inputs and builds the batch tensors. An
// entry without a shape takes the trailing dimensions of its graph input,
// with the batch size derived from the data length.
func (s *Inputset) Bind(g *ir.Graph) ([]*tensor.Float, error) {
	if len(s.Inputs) != len(g.Inputs) {
		return nil, ir.Errorf(ir.ErrCodeConfigInvalid, "graph %q takes %d inputs, inputset has %d",
			g.Name, len(g.Inputs), len(s.Inputs))
	}
	named := false
	byName := make(map[string]*TensorDoc, len(s.Inputs))
	for i := range s.Inputs {
		e := &s.Inputs[i]
		if e.Name == "" {
			continue
		}
		named = true
		name := nfc(e.Name)
		if _, dup := byName[name]; dup {
			return nil, ir.Errorf(ir.ErrCodeConfigInvalid, "inputset lists an input twice").WithTensor(name)
		}
		byName[name] = e
	}
	if named && len(byName) != len(s.Inputs) {
		return nil, ir.Errorf(ir.ErrCodeConfigInvalid, "inputset mixes named and positional entries")
	}

	out := make([]*tensor.Float, len(g.Inputs))
	for i, id := range g.Inputs {
		in := g.Tensor(id)
		e := &s.Inputs[i]
		if named {
			var ok bool
			if e, ok = byName[in.Name]; !ok {
				return nil, ir.Errorf(ir.ErrCodeConfigInvalid, "inputset has no samples for input").WithTensor(in.Name)
			}
		}
		shape := e.Shape
		if len(shape) == 0 && len(in.Shape) > 0 {
			trailing := in.Shape[1:]
			per := tensor.Numel(trailing)
			if per == 0 || len(e.Data)%per != 0 {
				return nil, ir.Errorf(ir.ErrCodeConfigInvalid, "%d values do not divide into samples of shape %s",
					len(e.Data), tensor.ShapeString(trailing)).WithTensor(in.Name)
			}
			shape = append([]int{len(e.Data) / per}, trailing...)
		}
		t, err := tensor.FromData(shape, e.Data)
		if err != nil {
			return nil, ir.Errorf(ir.ErrCodeConfigInvalid, "malformed samples").WithTensor(in.Name).Wrap(err)
		}
		out[i] = t
	}
	return out, nil
}

// InputsetFrom names the batches after the inputs of g.
func InputsetFrom(g *ir.Graph, batches []*tensor.Float) *Inputset {
	s := &Inputset{}
	for i, b := range batches {
		e := TensorDoc{Shape: b.Shape, Data: b.Data}
		if i < len(g.Inputs) {
			e.Name = g.Tensor(g.Inputs[i]).Name
		}
		s.Inputs = append(s.Inputs, e)
	}
	return s
}
