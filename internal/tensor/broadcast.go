package tensor

import "fmt"

// BroadcastShape returns the numpy-style broadcast of two shapes.
func BroadcastShape(a, b []int) ([]int, error) {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	out := make([]int, n)
	for i := 0; i < n; i++ {
		da, db := 1, 1
		if j := len(a) - n + i; j >= 0 {
			da = a[j]
		}
		if j := len(b) - n + i; j >= 0 {
			db = b[j]
		}
		switch {
		case da == db, db == 1:
			out[i] = da
		case da == 1:
			out[i] = db
		default:
			return nil, fmt.Errorf("shapes %s and %s do not broadcast", ShapeString(a), ShapeString(b))
		}
	}
	return out, nil
}

// broadcastStrides returns strides of shape aligned to out, with 0 on
// broadcast axes.
func broadcastStrides(shape, out []int) []int {
	strides := make([]int, len(out))
	stride := 1
	for i := len(out) - 1; i >= 0; i-- {
		j := len(shape) - len(out) + i
		if j < 0 {
			continue
		}
		if shape[j] != 1 {
			strides[i] = stride
		}
		stride *= shape[j]
	}
	return strides
}

// Binary applies f elementwise under broadcasting.
func Binary[T Number](a, b *Dense[T], f func(x, y T) T) (*Dense[T], error) {
	shape, err := BroadcastShape(a.Shape, b.Shape)
	if err != nil {
		return nil, err
	}
	out := New[T](shape...)
	if len(a.Data) == len(out.Data) && len(b.Data) == len(out.Data) {
		for i := range out.Data {
			out.Data[i] = f(a.Data[i], b.Data[i])
		}
		return out, nil
	}
	sa := broadcastStrides(a.Shape, shape)
	sb := broadcastStrides(b.Shape, shape)
	idx := make([]int, len(shape))
	for i := range out.Data {
		ia, ib := 0, 0
		for k, v := range idx {
			ia += v * sa[k]
			ib += v * sb[k]
		}
		out.Data[i] = f(a.Data[ia], b.Data[ib])
		for k := len(idx) - 1; k >= 0; k-- {
			idx[k]++
			if idx[k] < shape[k] {
				break
			}
			idx[k] = 0
		}
	}
	return out, nil
}
