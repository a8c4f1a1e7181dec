// Package graphio reads and writes the interchange documents of the
// compiler: graph documents and inputset documents.
//
// Both are YAML; since JSON is a subset of YAML, .json files decode through
// the same path. Unknown fields are rejected so that typos surface as
// errors instead of silently dropped attributes. Every name is NFC
// normalised at this boundary, so two spellings of the same tensor name
// always refer to the same tensor.
package graphio

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"

	"github.com/roach88/qnnc/internal/ir"
	"github.com/roach88/qnnc/internal/tensor"
)

// Document is the serialized form of a graph.
type Document struct {
	Name         string      `yaml:"name" json:"name"`
	OpsetVersion int         `yaml:"opset_version,omitempty" json:"opset_version,omitempty"`
	Inputs       []ValueInfo `yaml:"inputs" json:"inputs"`
	Outputs      []string    `yaml:"outputs" json:"outputs"`
	Initializers []TensorDoc `yaml:"initializers,omitempty" json:"initializers,omitempty"`
	Nodes        []NodeDoc   `yaml:"nodes" json:"nodes"`
}

// ValueInfo declares a model input. The first dimension is the batch axis.
type ValueInfo struct {
	Name  string `yaml:"name" json:"name"`
	Shape []int  `yaml:"shape" json:"shape"`
}

// TensorDoc is a named dense tensor in row-major order.
type TensorDoc struct {
	Name  string    `yaml:"name,omitempty" json:"name,omitempty"`
	Shape []int     `yaml:"shape,flow" json:"shape"`
	Data  []float64 `yaml:"data,flow" json:"data"`
}

// NodeDoc is one operator application. Attribute values are integers,
// floats, strings, lists of numbers, or a {shape, data} tensor.
type NodeDoc struct {
	Name    string         `yaml:"name,omitempty" json:"name,omitempty"`
	Op      string         `yaml:"op" json:"op"`
	Inputs  []string       `yaml:"inputs,flow" json:"inputs"`
	Outputs []string       `yaml:"outputs,flow" json:"outputs"`
	Attrs   map[string]any `yaml:"attrs,omitempty" json:"attrs,omitempty"`
}

// Format selects the encoding used by Write.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// FormatFor picks the format from a file extension, defaulting to YAML.
func FormatFor(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}
	return FormatYAML
}

func nfc(s string) string { return norm.NFC.String(s) }

// Decode parses a graph document.
func Decode(r io.Reader) (*Document, error) {
	var doc Document
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse graph document: %w", err)
	}
	return &doc, nil
}

// ReadGraph loads and builds the graph stored at path. The graph is not
// finalized.
func ReadGraph(path string) (*ir.Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read graph file: %w", err)
	}
	doc, err := Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return doc.Graph()
}

// Graph builds an unfinalized graph from the document. Nodes may appear in
// any order; references are resolved by name once every tensor is known.
func (d *Document) Graph() (*ir.Graph, error) {
	g := ir.New(nfc(d.Name))
	if d.OpsetVersion != 0 {
		g.Opset = d.OpsetVersion
	}
	for _, in := range d.Inputs {
		if in.Name == "" {
			return nil, ir.Errorf(ir.ErrCodeInvalidGraph, "input without a name")
		}
		g.AddInput(nfc(in.Name), in.Shape...)
	}
	for _, init := range d.Initializers {
		t, err := tensor.FromData(init.Shape, init.Data)
		if err != nil {
			return nil, ir.Errorf(ir.ErrCodeInvalidGraph, "malformed initializer").WithTensor(init.Name).Wrap(err)
		}
		g.AddWeight(nfc(init.Name), t)
	}

	outputs := make([][]ir.TensorID, len(d.Nodes))
	for i, n := range d.Nodes {
		for _, name := range n.Outputs {
			outputs[i] = append(outputs[i], g.NewTensor(nfc(name), nil, ir.RoleIntermediate, nil))
		}
	}
	for i, n := range d.Nodes {
		attrs, err := decodeAttrs(n.Attrs)
		if err != nil {
			return nil, ir.Errorf(ir.ErrCodeInvalidGraph, "malformed attributes").WithNode(n.Name).Wrap(err)
		}
		inputs := make([]ir.TensorID, len(n.Inputs))
		for j, name := range n.Inputs {
			id, ok := g.Lookup(nfc(name))
			if !ok {
				return nil, ir.Errorf(ir.ErrCodeInvalidGraph, "node reads unknown tensor %q", name).WithNode(n.Name)
			}
			inputs[j] = id
		}
		g.Connect(nfc(n.Name), n.Op, attrs, inputs, outputs[i])
	}
	for _, name := range d.Outputs {
		id, ok := g.Lookup(nfc(name))
		if !ok {
			return nil, ir.Errorf(ir.ErrCodeInvalidGraph, "unknown graph output").WithTensor(name)
		}
		g.MarkOutput(id)
	}
	return g, nil
}

func decodeAttrs(m map[string]any) (ir.Attrs, error) {
	if len(m) == 0 {
		return nil, nil
	}
	out := make(ir.Attrs, len(m))
	for k, v := range m {
		a, err := decodeAttr(v)
		if err != nil {
			return nil, fmt.Errorf("attribute %s: %w", k, err)
		}
		out[k] = a
	}
	return out, nil
}

func decodeAttr(v any) (ir.Attr, error) {
	switch v := v.(type) {
	case int:
		return ir.IntAttr(int64(v)), nil
	case int64:
		return ir.IntAttr(v), nil
	case float64:
		return ir.FloatAttr(v), nil
	case bool:
		if v {
			return ir.IntAttr(1), nil
		}
		return ir.IntAttr(0), nil
	case string:
		return ir.StringAttr(v), nil
	case []any:
		return decodeList(v)
	case map[string]any:
		t, err := decodeTensor(v)
		if err != nil {
			return ir.Attr{}, err
		}
		return ir.TensorAttr(t), nil
	}
	return ir.Attr{}, fmt.Errorf("unsupported value of type %T", v)
}

// decodeList yields Ints when every element is integral and Floats
// otherwise.
func decodeList(vs []any) (ir.Attr, error) {
	ints := make([]int64, 0, len(vs))
	floats := make([]float64, 0, len(vs))
	integral := true
	for _, v := range vs {
		switch v := v.(type) {
		case int:
			ints = append(ints, int64(v))
			floats = append(floats, float64(v))
		case float64:
			integral = false
			floats = append(floats, v)
		default:
			return ir.Attr{}, fmt.Errorf("list element of type %T", v)
		}
	}
	if integral {
		return ir.IntsAttr(ints...), nil
	}
	return ir.FloatsAttr(floats...), nil
}

func decodeTensor(m map[string]any) (*tensor.Float, error) {
	for k := range m {
		if k != "shape" && k != "data" {
			return nil, fmt.Errorf("tensor value has unknown field %q", k)
		}
	}
	var shape []int
	if s, ok := m["shape"].([]any); ok {
		for _, d := range s {
			n, ok := d.(int)
			if !ok {
				return nil, fmt.Errorf("tensor dimension %v is not an integer", d)
			}
			shape = append(shape, n)
		}
	}
	raw, ok := m["data"].([]any)
	if !ok {
		return nil, fmt.Errorf("tensor value needs a data list")
	}
	data := make([]float64, len(raw))
	for i, d := range raw {
		switch d := d.(type) {
		case int:
			data[i] = float64(d)
		case float64:
			data[i] = d
		default:
			return nil, fmt.Errorf("tensor element of type %T", d)
		}
	}
	if shape == nil && len(data) != 1 {
		shape = []int{len(data)}
	}
	if shape == nil {
		shape = []int{}
	}
	return tensor.FromData(shape, data)
}

// FromGraph converts a graph back to its document form.
func FromGraph(g *ir.Graph) *Document {
	doc := &Document{Name: g.Name, OpsetVersion: g.Opset}
	for _, id := range g.Inputs {
		t := g.Tensor(id)
		doc.Inputs = append(doc.Inputs, ValueInfo{Name: t.Name, Shape: t.Shape})
	}
	for _, id := range g.Outputs {
		doc.Outputs = append(doc.Outputs, g.Tensor(id).Name)
	}
	for i := range g.Tensors {
		t := &g.Tensors[i]
		if t.Role == ir.RoleWeight && t.Init != nil {
			doc.Initializers = append(doc.Initializers, TensorDoc{Name: t.Name, Shape: t.Init.Shape, Data: t.Init.Data})
		}
	}
	for i := range g.Nodes {
		n := &g.Nodes[i]
		nd := NodeDoc{Name: n.Name, Op: n.Op, Attrs: encodeAttrs(n.Attrs)}
		for _, id := range n.Inputs {
			nd.Inputs = append(nd.Inputs, g.Tensor(id).Name)
		}
		for _, id := range n.Outputs {
			nd.Outputs = append(nd.Outputs, g.Tensor(id).Name)
		}
		doc.Nodes = append(doc.Nodes, nd)
	}
	return doc
}

func encodeAttrs(a ir.Attrs) map[string]any {
	if len(a) == 0 {
		return nil
	}
	out := make(map[string]any, len(a))
	for k, v := range a {
		switch v.Kind {
		case ir.AttrInt:
			out[k] = v.Int
		case ir.AttrFloat:
			out[k] = v.Float
		case ir.AttrInts:
			out[k] = v.Ints
		case ir.AttrFloats:
			out[k] = v.Floats
		case ir.AttrString:
			out[k] = v.Str
		case ir.AttrTensor:
			out[k] = map[string]any{"shape": v.Tensor.Shape, "data": v.Tensor.Data}
		}
	}
	return out
}

// Write encodes doc in the given format.
func Write(w io.Writer, doc any, f Format) error {
	if f == FormatJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return err
	}
	return enc.Close()
}

// WriteFile writes doc to path, choosing the format from the extension.
func WriteFile(path string, doc any) error {
	var buf bytes.Buffer
	if err := Write(&buf, doc, FormatFor(path)); err != nil {
		return fmt.Errorf("encoding %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("writing file: %w", err)
	}
	return nil
}
