package quant

import (
	"fmt"

	"github.com/roach88/qnnc/internal/ir"
)

// Point identifies one quantization decision: a tensor's own
// representation (Consumer == ir.NoNode) or the requantized copy a specific
// consumer reads.
type Point struct {
	Tensor   ir.TensorID
	Consumer ir.NodeID
}

// Own returns the point for a tensor's own representation.
func Own(t ir.TensorID) Point { return Point{Tensor: t, Consumer: ir.NoNode} }

func (p Point) String() string {
	if p.Consumer == ir.NoNode {
		return fmt.Sprintf("t%d", p.Tensor)
	}
	return fmt.Sprintf("t%d->n%d", p.Tensor, p.Consumer)
}

// Store records parameters. Each point is fixed exactly once, by
// calibration or by import; a second Set is an error.
type Store struct {
	params map[Point]Params
	order  []Point
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{params: make(map[Point]Params)}
}

// Set fixes the parameters of a point.
func (s *Store) Set(pt Point, p Params) error {
	if _, dup := s.params[pt]; dup {
		return ir.Errorf(ir.ErrCodePrecondition, "quantization parameters for %s already fixed", pt)
	}
	if err := p.Validate(); err != nil {
		return ir.Errorf(ir.ErrCodeConfigInvalid, "invalid quantization parameters for %s", pt).Wrap(err)
	}
	s.params[pt] = p
	s.order = append(s.order, pt)
	return nil
}

// Get returns the parameters of a point.
func (s *Store) Get(pt Point) (Params, bool) {
	p, ok := s.params[pt]
	return p, ok
}

// Points returns every fixed point in insertion order.
func (s *Store) Points() []Point { return s.order }

// Len returns the number of fixed points.
func (s *Store) Len() int { return len(s.order) }
