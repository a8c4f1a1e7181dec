package ir

import (
	"fmt"

	"github.com/roach88/qnnc/internal/tensor"
)

// TensorID is a handle into Graph.Tensors.
type TensorID int

// NodeID is a handle into Graph.Nodes.
type NodeID int

// NoNode marks a tensor without a producer (inputs and weights).
const NoNode NodeID = -1

// Role classifies a tensor by its position in the graph.
type Role string

const (
	RoleModelInput   Role = "model_input"
	RoleModelOutput  Role = "model_output"
	RoleIntermediate Role = "intermediate"
	RoleWeight       Role = "weight"
)

// Tensor is a named value in the graph. Weights carry an initializer.
type Tensor struct {
	Name  string        `json:"name"`
	Shape []int         `json:"shape,omitempty"`
	Role  Role          `json:"role"`
	Init  *tensor.Float `json:"init,omitempty"`
}

// IsConstant reports whether the tensor value is known at compile time.
func (t *Tensor) IsConstant() bool { return t.Init != nil }

// Node is one operator application.
type Node struct {
	Name    string     `json:"name"`
	Op      string     `json:"op"`
	Inputs  []TensorID `json:"inputs"`
	Outputs []TensorID `json:"outputs"`
	Attrs   Attrs      `json:"attrs,omitempty"`
}

// Output returns the node's single result. Every registered operator has
// exactly one output.
func (n *Node) Output() TensorID { return n.Outputs[0] }

// AttrKind tags the populated field of an Attr.
type AttrKind int

const (
	AttrInt AttrKind = iota
	AttrFloat
	AttrInts
	AttrFloats
	AttrString
	AttrTensor
)

// Attr is a node attribute value.
type Attr struct {
	Kind   AttrKind
	Int    int64
	Float  float64
	Ints   []int64
	Floats []float64
	Str    string
	Tensor *tensor.Float
}

// Attrs maps attribute names to values.
type Attrs map[string]Attr

func IntAttr(v int64) Attr { return Attr{Kind: AttrInt, Int: v} }
func FloatAttr(v float64) Attr { return Attr{Kind: AttrFloat, Float: v} }
func IntsAttr(v ...int64) Attr { return Attr{Kind: AttrInts, Ints: v} }
func FloatsAttr(v ...float64) Attr { return Attr{Kind: AttrFloats, Floats: v} }
func StringAttr(v string) Attr { return Attr{Kind: AttrString, Str: v} }
func TensorAttr(v *tensor.Float) Attr { return Attr{Kind: AttrTensor, Tensor: v} }

// GetInt returns an integer attribute or def when absent. Float attributes
// holding an integral value are accepted.
func (a Attrs) GetInt(name string, def int64) int64 {
	v, ok := a[name]
	if !ok {
		return def
	}
	switch v.Kind {
	case AttrInt:
		return v.Int
	case AttrFloat:
		return int64(v.Float)
	}
	return def
}

// GetFloat returns a float attribute or def when absent.
func (a Attrs) GetFloat(name string, def float64) float64 {
	v, ok := a[name]
	if !ok {
		return def
	}
	switch v.Kind {
	case AttrFloat:
		return v.Float
	case AttrInt:
		return float64(v.Int)
	}
	return def
}

// GetInts returns an integer list attribute, or nil when absent.
func (a Attrs) GetInts(name string) []int64 {
	v, ok := a[name]
	if !ok {
		return nil
	}
	switch v.Kind {
	case AttrInts:
		return v.Ints
	case AttrInt:
		return []int64{v.Int}
	}
	return nil
}

// GetString returns a string attribute or def when absent.
func (a Attrs) GetString(name, def string) string {
	if v, ok := a[name]; ok && v.Kind == AttrString {
		return v.Str
	}
	return def
}

// String renders an attribute for dumps and diagnostics.
func (v Attr) String() string {
	switch v.Kind {
	case AttrInt:
		return fmt.Sprint(v.Int)
	case AttrFloat:
		return fmt.Sprint(v.Float)
	case AttrInts:
		return fmt.Sprint(v.Ints)
	case AttrFloats:
		return fmt.Sprint(v.Floats)
	case AttrString:
		return fmt.Sprintf("%q", v.Str)
	case AttrTensor:
		if v.Tensor == nil {
			return "tensor<nil>"
		}
		return "tensor<" + tensor.ShapeString(v.Tensor.Shape) + ">"
	}
	return "?"
}
