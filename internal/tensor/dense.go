// Package tensor provides the small dense n-dimensional arrays that flow through
// the float interpreter and the integer circuit simulator.
//
// Tensors are row-major. The first axis is the batch axis everywhere in this
// module; kernels that need a fixed rank say so in their documentation.
package tensor

import (
	"fmt"
	"strings"

	"golang.org/x/exp/constraints"
)

// Number is the element constraint shared by float and integer tensors.
type Number interface {
	constraints.Integer | constraints.Float
}

// Dense is a row-major n-dimensional array.
type Dense[T Number] struct {
	Shape []int `yaml:"shape" json:"shape"`
	Data  []T   `yaml:"data" json:"data"`
}

// Float and Int are the two element types used by this module.
type (
	Float = Dense[float64]
	Int   = Dense[int64]
)

// Numel returns the number of elements described by shape.
func Numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// New allocates a zero tensor.
func New[T Number](shape ...int) *Dense[T] {
	s := append([]int(nil), shape...)
	return &Dense[T]{Shape: s, Data: make([]T, Numel(s))}
}

// FromData wraps data without copying. The data length must match the shape.
func FromData[T Number](shape []int, data []T) (*Dense[T], error) {
	if Numel(shape) != len(data) {
		return nil, fmt.Errorf("shape %v needs %d elements, got %d", shape, Numel(shape), len(data))
	}
	return &Dense[T]{Shape: append([]int(nil), shape...), Data: data}, nil
}

// Scalar returns a rank-0 tensor.
func Scalar[T Number](v T) *Dense[T] {
	return &Dense[T]{Shape: []int{}, Data: []T{v}}
}

// Size returns the element count.
func (d *Dense[T]) Size() int { return len(d.Data) }

// Rank returns the number of axes.
func (d *Dense[T]) Rank() int { return len(d.Shape) }

// Clone returns a deep copy.
func (d *Dense[T]) Clone() *Dense[T] {
	return &Dense[T]{
		Shape: append([]int(nil), d.Shape...),
		Data:  append([]T(nil), d.Data...),
	}
}

// String renders shape and a short data prefix.
func (d *Dense[T]) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s", ShapeString(d.Shape))
	n := len(d.Data)
	if n > 8 {
		n = 8
	}
	fmt.Fprintf(&b, "%v", d.Data[:n])
	if len(d.Data) > n {
		b.WriteString("...")
	}
	return b.String()
}

// ShapeString formats a shape as 1x5x7.
func ShapeString(shape []int) string {
	if len(shape) == 0 {
		return "scalar"
	}
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = fmt.Sprint(d)
	}
	return strings.Join(parts, "x")
}

// Reshape returns a view with a new shape. One dimension may be -1 and a 0
// copies the corresponding input dimension, as in the interchange format.
func (d *Dense[T]) Reshape(shape ...int) (*Dense[T], error) {
	out := make([]int, len(shape))
	infer := -1
	known := 1
	for i, s := range shape {
		switch {
		case s == -1:
			if infer >= 0 {
				return nil, fmt.Errorf("reshape %v: more than one -1", shape)
			}
			infer = i
			continue
		case s == 0:
			if i >= len(d.Shape) {
				return nil, fmt.Errorf("reshape %v: 0 at axis %d beyond rank %d", shape, i, len(d.Shape))
			}
			s = d.Shape[i]
		case s < 0:
			return nil, fmt.Errorf("reshape %v: negative dimension", shape)
		}
		out[i] = s
		known *= s
	}
	if infer >= 0 {
		if known == 0 || d.Size()%known != 0 {
			return nil, fmt.Errorf("reshape %v: cannot infer dimension for %d elements", shape, d.Size())
		}
		out[infer] = d.Size() / known
	}
	if Numel(out) != d.Size() {
		return nil, fmt.Errorf("reshape %s to %s: element count mismatch", ShapeString(d.Shape), ShapeString(out))
	}
	return &Dense[T]{Shape: out, Data: d.Data}, nil
}

// Flatten collapses the axes before axis into the first dimension and the rest
// into the second.
func (d *Dense[T]) Flatten(axis int) (*Dense[T], error) {
	if axis < 0 {
		axis += d.Rank()
	}
	if axis < 0 || axis > d.Rank() {
		return nil, fmt.Errorf("flatten axis %d out of range for rank %d", axis, d.Rank())
	}
	return d.Reshape(Numel(d.Shape[:axis]), Numel(d.Shape[axis:]))
}

// Rows slices [lo, hi) along the batch axis. The result shares storage.
func (d *Dense[T]) Rows(lo, hi int) *Dense[T] {
	if d.Rank() == 0 {
		return d
	}
	stride := Numel(d.Shape[1:])
	shape := append([]int{hi - lo}, d.Shape[1:]...)
	return &Dense[T]{Shape: shape, Data: d.Data[lo*stride : hi*stride]}
}

// Batch returns the size of the batch axis.
func (d *Dense[T]) Batch() int {
	if d.Rank() == 0 {
		return 1
	}
	return d.Shape[0]
}

// Map applies f elementwise.
func Map[T, U Number](d *Dense[T], f func(T) U) *Dense[U] {
	out := &Dense[U]{Shape: append([]int(nil), d.Shape...), Data: make([]U, len(d.Data))}
	for i, v := range d.Data {
		out.Data[i] = f(v)
	}
	return out
}

// Concat joins tensors along axis. All other dimensions must agree.
func Concat[T Number](axis int, ts ...*Dense[T]) (*Dense[T], error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("concat of zero tensors")
	}
	rank := ts[0].Rank()
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis >= rank {
		return nil, fmt.Errorf("concat axis %d out of range for rank %d", axis, rank)
	}
	shape := append([]int(nil), ts[0].Shape...)
	shape[axis] = 0
	for _, t := range ts {
		if t.Rank() != rank {
			return nil, fmt.Errorf("concat rank mismatch: %d vs %d", t.Rank(), rank)
		}
		for i := range shape {
			if i != axis && t.Shape[i] != ts[0].Shape[i] {
				return nil, fmt.Errorf("concat shape mismatch at axis %d: %s vs %s",
					i, ShapeString(t.Shape), ShapeString(ts[0].Shape))
			}
		}
		shape[axis] += t.Shape[axis]
	}
	outer := Numel(shape[:axis])
	out := New[T](shape...)
	pos := 0
	for o := 0; o < outer; o++ {
		for _, t := range ts {
			chunk := Numel(t.Shape[axis:])
			copy(out.Data[pos:pos+chunk], t.Data[o*chunk:(o+1)*chunk])
			pos += chunk
		}
	}
	return out, nil
}

// Transpose2D swaps the two axes of a matrix.
func Transpose2D[T Number](d *Dense[T]) (*Dense[T], error) {
	if d.Rank() != 2 {
		return nil, fmt.Errorf("transpose expects rank 2, got %s", ShapeString(d.Shape))
	}
	r, c := d.Shape[0], d.Shape[1]
	out := New[T](c, r)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out.Data[j*r+i] = d.Data[i*c+j]
		}
	}
	return out, nil
}

// ReshapeBatched reshapes like Reshape but treats a literal 1 on the first
// axis as the batch axis, so graphs exported with a batch of one still run
// on larger batches.
func (d *Dense[T]) ReshapeBatched(shape ...int) (*Dense[T], error) {
	if len(shape) > 0 && shape[0] == 1 && d.Batch() > 1 {
		s := append([]int{d.Batch()}, shape[1:]...)
		if r, err := d.Reshape(s...); err == nil {
			return r, nil
		}
	}
	return d.Reshape(shape...)
}
