package ir

import (
	"fmt"
	"slices"

	"github.com/roach88/qnnc/internal/tensor"
)

// Graph is an arena-backed computation graph. Build it with the Add* methods,
// then call Finalize once; after that the graph is read-only.
type Graph struct {
	Name    string     `json:"name"`
	Opset   int        `json:"opset_version"`
	Tensors []Tensor   `json:"tensors"`
	Nodes   []Node     `json:"nodes"`
	Inputs  []TensorID `json:"inputs"`
	Outputs []TensorID `json:"outputs"`

	byName    map[string]TensorID
	producer  []NodeID
	consumers [][]NodeID
	order     []NodeID
	finalized bool
	err       error
}

// New returns an empty graph at the current opset.
func New(name string) *Graph {
	return &Graph{Name: name, Opset: OpsetVersion, byName: make(map[string]TensorID)}
}

func (g *Graph) fail(err *Error) {
	if g.err == nil {
		g.err = err
	}
}

// NewTensor appends a tensor to the arena. Duplicate names are recorded as an
// error and reported by Finalize.
func (g *Graph) NewTensor(name string, shape []int, role Role, init *tensor.Float) TensorID {
	if g.byName == nil {
		g.byName = make(map[string]TensorID)
	}
	if _, dup := g.byName[name]; dup {
		g.fail(Errorf(ErrCodeInvalidGraph, "duplicate tensor name").WithTensor(name))
	}
	id := TensorID(len(g.Tensors))
	g.Tensors = append(g.Tensors, Tensor{Name: name, Shape: slices.Clone(shape), Role: role, Init: init})
	g.byName[name] = id
	return id
}

// AddInput declares a model input.
func (g *Graph) AddInput(name string, shape ...int) TensorID {
	id := g.NewTensor(name, shape, RoleModelInput, nil)
	g.Inputs = append(g.Inputs, id)
	return id
}

// AddWeight declares a constant initializer.
func (g *Graph) AddWeight(name string, init *tensor.Float) TensorID {
	return g.NewTensor(name, init.Shape, RoleWeight, init)
}

// Connect appends a node over existing tensors.
func (g *Graph) Connect(name, op string, attrs Attrs, inputs, outputs []TensorID) NodeID {
	if name == "" {
		name = fmt.Sprintf("%s_%d", op, len(g.Nodes))
	}
	id := NodeID(len(g.Nodes))
	g.Nodes = append(g.Nodes, Node{Name: name, Op: op, Inputs: inputs, Outputs: outputs, Attrs: attrs})
	return id
}

// AddNode appends a single-output node whose result tensor shares the node
// name, and returns that tensor.
func (g *Graph) AddNode(name, op string, attrs Attrs, inputs ...TensorID) TensorID {
	if name == "" {
		name = fmt.Sprintf("%s_%d", op, len(g.Nodes))
	}
	out := g.NewTensor(name, nil, RoleIntermediate, nil)
	g.Connect(name, op, attrs, inputs, []TensorID{out})
	return out
}

// MarkOutput declares t a model output.
func (g *Graph) MarkOutput(t TensorID) {
	if int(t) < 0 || int(t) >= len(g.Tensors) {
		g.fail(Errorf(ErrCodeInvalidGraph, "output handle %d out of range", t))
		return
	}
	if g.Tensors[t].Role == RoleIntermediate {
		g.Tensors[t].Role = RoleModelOutput
	}
	g.Outputs = append(g.Outputs, t)
}

// Finalize folds Constant nodes into weights, validates the graph and
// derives producers, consumers and the topological order.
func (g *Graph) Finalize() error {
	if g.finalized {
		return nil
	}
	if g.err != nil {
		return g.err
	}
	if g.Opset > OpsetVersion {
		return Errorf(ErrCodeUnsupportedOperator, "opset %d is newer than supported opset %d", g.Opset, OpsetVersion)
	}
	if len(g.Inputs) == 0 {
		return Errorf(ErrCodeInvalidGraph, "graph %q has no inputs", g.Name)
	}
	if len(g.Outputs) == 0 {
		return Errorf(ErrCodeInvalidGraph, "graph %q has no outputs", g.Name)
	}
	if err := g.foldConstants(); err != nil {
		return err
	}

	g.producer = make([]NodeID, len(g.Tensors))
	for i := range g.producer {
		g.producer[i] = NoNode
	}
	g.consumers = make([][]NodeID, len(g.Tensors))
	for i := range g.Nodes {
		n := &g.Nodes[i]
		if err := g.checkNode(n); err != nil {
			return err
		}
		for _, in := range n.Inputs {
			if !slices.Contains(g.consumers[in], NodeID(i)) {
				g.consumers[in] = append(g.consumers[in], NodeID(i))
			}
		}
		for _, out := range n.Outputs {
			t := &g.Tensors[out]
			if g.producer[out] != NoNode {
				return Errorf(ErrCodeInvalidGraph, "tensor produced twice").WithTensor(t.Name).WithNode(n.Name)
			}
			if t.Role == RoleModelInput || t.Role == RoleWeight {
				return Errorf(ErrCodeInvalidGraph, "node overwrites %s", t.Role).WithTensor(t.Name).WithNode(n.Name)
			}
			g.producer[out] = NodeID(i)
		}
	}
	for i := range g.Tensors {
		t := &g.Tensors[i]
		if (t.Role == RoleIntermediate || t.Role == RoleModelOutput) && g.producer[i] == NoNode {
			return Errorf(ErrCodeInvalidGraph, "tensor is never produced").WithTensor(t.Name)
		}
	}

	order, err := g.topoSort()
	if err != nil {
		return err
	}
	g.order = order
	g.finalized = true
	return nil
}

func (g *Graph) checkNode(n *Node) error {
	info, ok := LookupOp(n.Op)
	if !ok {
		return Errorf(ErrCodeUnsupportedOperator, "operator %q is not supported", n.Op).WithNode(n.Name)
	}
	if info.Since > g.Opset {
		return Errorf(ErrCodeUnsupportedOperator, "operator %q requires opset %d, graph declares %d",
			n.Op, info.Since, g.Opset).WithNode(n.Name)
	}
	if len(n.Inputs) < info.MinInputs || len(n.Inputs) > info.MaxInputs {
		return Errorf(ErrCodeInvalidGraph, "operator %q takes %d..%d inputs, got %d",
			n.Op, info.MinInputs, info.MaxInputs, len(n.Inputs)).WithNode(n.Name)
	}
	if len(n.Outputs) != 1 {
		return Errorf(ErrCodeInvalidGraph, "operator %q must have exactly one output, got %d",
			n.Op, len(n.Outputs)).WithNode(n.Name)
	}
	for _, id := range slices.Concat(n.Inputs, n.Outputs) {
		if int(id) < 0 || int(id) >= len(g.Tensors) {
			return Errorf(ErrCodeInvalidGraph, "tensor handle %d out of range", id).WithNode(n.Name)
		}
	}
	return nil
}

// foldConstants turns Constant nodes into weights.
func (g *Graph) foldConstants() error {
	kept := g.Nodes[:0:0]
	for _, n := range g.Nodes {
		if n.Op != "Constant" {
			kept = append(kept, n)
			continue
		}
		v, ok := n.Attrs["value"]
		if !ok || v.Kind != AttrTensor || v.Tensor == nil {
			return Errorf(ErrCodeInvalidGraph, "Constant node without tensor value").WithNode(n.Name)
		}
		if len(n.Outputs) != 1 {
			return Errorf(ErrCodeInvalidGraph, "Constant node must have one output").WithNode(n.Name)
		}
		t := &g.Tensors[n.Outputs[0]]
		if t.Role == RoleModelOutput {
			return Errorf(ErrCodeInvalidGraph, "graph output is a constant").WithTensor(t.Name)
		}
		t.Role = RoleWeight
		t.Init = v.Tensor
		t.Shape = slices.Clone(v.Tensor.Shape)
	}
	g.Nodes = kept
	return nil
}

// topoSort orders nodes with Kahn's algorithm, breaking ties by node index.
func (g *Graph) topoSort() ([]NodeID, error) {
	indeg := make([]int, len(g.Nodes))
	for i, n := range g.Nodes {
		for _, in := range n.Inputs {
			if g.producer[in] != NoNode {
				indeg[i]++
			}
		}
	}
	var ready []NodeID
	for i, d := range indeg {
		if d == 0 {
			ready = append(ready, NodeID(i))
		}
	}
	order := make([]NodeID, 0, len(g.Nodes))
	for len(ready) > 0 {
		n := ready[0]
		ready = ready[1:]
		order = append(order, n)
		for _, out := range g.Nodes[n].Outputs {
			for _, c := range g.consumers[out] {
				// a consumer reading the same tensor twice was counted twice
				for _, in := range g.Nodes[c].Inputs {
					if in == out {
						indeg[c]--
					}
				}
				if indeg[c] == 0 {
					pos, _ := slices.BinarySearch(ready, c)
					ready = slices.Insert(ready, pos, c)
				}
			}
		}
	}
	if len(order) != len(g.Nodes) {
		path := g.findCycle()
		return nil, Errorf(ErrCodeInvalidGraph, "graph contains a cycle: %v", path)
	}
	return order, nil
}

// TopoOrder returns the deterministic evaluation order.
func (g *Graph) TopoOrder() []NodeID { return g.order }

// Finalized reports whether Finalize succeeded.
func (g *Graph) Finalized() bool { return g.finalized }

// Tensor returns the tensor behind id.
func (g *Graph) Tensor(id TensorID) *Tensor { return &g.Tensors[id] }

// Node returns the node behind id.
func (g *Graph) Node(id NodeID) *Node { return &g.Nodes[id] }

// Lookup finds a tensor by name.
func (g *Graph) Lookup(name string) (TensorID, bool) {
	id, ok := g.byName[name]
	return id, ok
}

// Producer returns the node computing t, or NoNode.
func (g *Graph) Producer(t TensorID) NodeID { return g.producer[t] }

// Consumers returns the nodes reading t, in node order.
func (g *Graph) Consumers(t TensorID) []NodeID { return g.consumers[t] }

// IsInput reports whether t is a model input.
func (g *Graph) IsInput(t TensorID) bool { return slices.Contains(g.Inputs, t) }

// IsOutput reports whether t is a model output.
func (g *Graph) IsOutput(t TensorID) bool { return slices.Contains(g.Outputs, t) }

// IsConstant reports whether t is a weight.
func (g *Graph) IsConstant(t TensorID) bool { return g.Tensors[t].Init != nil }

// Info returns the registry entry of node n.
func (g *Graph) Info(n NodeID) OpInfo {
	info, _ := LookupOp(g.Nodes[n].Op)
	return info
}
