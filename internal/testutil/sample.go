// Package testutil provides reference networks and reproducible input sets
// for tests.
package testutil

import (
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/roach88/qnnc/internal/ir"
	"github.com/roach88/qnnc/internal/tensor"
)

// Sampler draws reproducible tensors. Two samplers created with the same
// seed produce the same sequence of draws.
//
// A Sampler is not safe for concurrent use.
type Sampler struct {
	src rand.Source
}

// NewSampler returns a sampler seeded with seed.
func NewSampler(seed uint64) *Sampler {
	return &Sampler{src: rand.NewSource(seed)}
}

// Uniform returns a tensor of shape with values drawn from [lo, hi).
func (s *Sampler) Uniform(lo, hi float64, shape ...int) *tensor.Float {
	return s.fill(distuv.Uniform{Min: lo, Max: hi, Src: s.src}, shape)
}

// Normal returns a tensor of shape with normally distributed values.
func (s *Sampler) Normal(mu, sigma float64, shape ...int) *tensor.Float {
	return s.fill(distuv.Normal{Mu: mu, Sigma: sigma, Src: s.src}, shape)
}

func (s *Sampler) fill(d distuv.Rander, shape []int) *tensor.Float {
	x := tensor.New[float64](shape...)
	for i := range x.Data {
		x.Data[i] = d.Rand()
	}
	return x
}

// Inputset returns rows samples for every input of g, drawn uniformly from
// [-1, 1). The declared batch dimension is replaced by rows.
func Inputset(g *ir.Graph, seed uint64, rows int) []*tensor.Float {
	s := NewSampler(seed)
	out := make([]*tensor.Float, len(g.Inputs))
	for i, x := range g.Inputs {
		shape := append([]int{rows}, g.Tensor(x).Shape[1:]...)
		out[i] = s.Uniform(-1, 1, shape...)
	}
	return out
}
