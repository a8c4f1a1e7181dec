package calibrate

import (
	"context"
	"log/slog"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"

	"github.com/roach88/qnnc/internal/ir"
	"github.com/roach88/qnnc/internal/tensor"
)

// Range is the observed value interval of a tensor.
type Range struct {
	Min, Max float64
	Count    int
}

// Empty reports whether no finite value was observed.
func (r Range) Empty() bool { return r.Count == 0 }

// AbsMax returns the largest magnitude observed.
func (r Range) AbsMax() float64 {
	if r.Empty() {
		return 0
	}
	return math.Max(math.Abs(r.Min), math.Abs(r.Max))
}

// Observe folds finite values of data into r.
func (r *Range) Observe(data []float64) {
	if len(data) == 0 {
		return
	}
	if floats.HasNaN(data) || hasInf(data) {
		for _, v := range data {
			if !math.IsNaN(v) && !math.IsInf(v, 0) {
				r.Observe([]float64{v})
			}
		}
		return
	}
	lo, hi := floats.Min(data), floats.Max(data)
	if r.Count == 0 {
		r.Min, r.Max = lo, hi
	} else {
		r.Min, r.Max = math.Min(r.Min, lo), math.Max(r.Max, hi)
	}
	r.Count += len(data)
}

func hasInf(data []float64) bool {
	for _, v := range data {
		if math.IsInf(v, 0) {
			return true
		}
	}
	return false
}

// Merge combines two ranges. Merge is associative and commutative.
func (r Range) Merge(o Range) Range {
	switch {
	case o.Empty():
		return r
	case r.Empty():
		return o
	}
	return Range{Min: math.Min(r.Min, o.Min), Max: math.Max(r.Max, o.Max), Count: r.Count + o.Count}
}

// Options configures Ranges.
type Options struct {
	// ChunkSize is the number of samples per evaluation batch. Zero selects
	// a default.
	ChunkSize int
	// Workers bounds concurrent batches. Zero selects GOMAXPROCS.
	Workers int
	Logger  *slog.Logger
}

const defaultChunkSize = 64

// Ranges evaluates the graph over every sample of the input set and
// returns the observed range of each tensor, indexed by ir.TensorID.
// Batches run concurrently; their partial ranges are merged afterwards.
func Ranges(ctx context.Context, g *ir.Graph, inputset []*tensor.Float, opts Options) ([]Range, error) {
	if err := CheckInputs(g, inputset); err != nil {
		return nil, err
	}
	n := inputset[0].Batch()
	for i, x := range inputset {
		if x.Batch() != n {
			return nil, ir.Errorf(ir.ErrCodeConfigInvalid, "inputset has %d samples for input 0 and %d for input %d",
				n, x.Batch(), i).WithTensor(g.Tensor(g.Inputs[i]).Name)
		}
	}
	if n == 0 {
		return nil, ir.Errorf(ir.ErrCodeConfigInvalid, "inputset is empty")
	}
	chunk := opts.ChunkSize
	if chunk <= 0 {
		chunk = defaultChunkSize
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	nchunks := (n + chunk - 1) / chunk
	partial := make([][]Range, nchunks)
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(workers)
	for c := 0; c < nchunks; c++ {
		lo, hi := c*chunk, min((c+1)*chunk, n)
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			batch := make([]*tensor.Float, len(inputset))
			for i, x := range inputset {
				batch[i] = x.Rows(lo, hi)
			}
			vals, err := Evaluate(g, batch)
			if err != nil {
				return err
			}
			rs := make([]Range, len(vals))
			for id, v := range vals {
				if v != nil && g.Tensors[id].Init == nil {
					rs[id].Observe(v.Data)
				}
			}
			partial[c] = rs
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	out := make([]Range, len(g.Tensors))
	for _, rs := range partial {
		for id := range out {
			out[id] = out[id].Merge(rs[id])
		}
	}
	for id := range g.Tensors {
		if w := g.Tensors[id].Init; w != nil {
			out[id].Observe(w.Data)
		}
	}
	logger.Debug("calibrated ranges", "graph", g.Name, "samples", n, "chunks", nchunks, "workers", workers)
	return out, nil
}
