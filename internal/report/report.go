// Package report compares the outputs of a compiled module against the
// float network it was compiled from.
package report

import (
	"fmt"
	"math"
	"strings"

	"github.com/montanaflynn/stats"

	"github.com/roach88/qnnc/internal/calibrate"
	"github.com/roach88/qnnc/internal/ir"
	"github.com/roach88/qnnc/internal/quantized"
	"github.com/roach88/qnnc/internal/tensor"
)

// Output summarises the error on one graph output.
type Output struct {
	Name string `json:"name"`
	// MAE, Median, Max and StdDev describe the absolute error per element.
	MAE    float64 `json:"mae"`
	Median float64 `json:"median"`
	Max    float64 `json:"max"`
	StdDev float64 `json:"stddev"`
	// Range is the largest absolute reference value, the natural scale for
	// the errors above.
	Range float64 `json:"range"`
	// Agreement is the fraction of samples whose largest output element is
	// the same in both. Outputs with one element per sample report 1.
	Agreement float64 `json:"agreement"`
}

// Relative returns MAE as a fraction of Range.
func (o Output) Relative() float64 {
	if o.Range == 0 {
		return o.MAE
	}
	return o.MAE / o.Range
}

// Report holds one Output per graph output.
type Report struct {
	Samples int      `json:"samples"`
	Outputs []Output `json:"outputs"`
}

// Within reports whether every output has a relative MAE of at most tol.
func (r *Report) Within(tol float64) bool {
	for _, o := range r.Outputs {
		if o.Relative() > tol {
			return false
		}
	}
	return true
}

func (r *Report) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d samples\n", r.Samples)
	for _, o := range r.Outputs {
		fmt.Fprintf(&b, "  %s: mae=%.4g (%.2f%% of range %.4g) median=%.4g max=%.4g stddev=%.4g agreement=%.1f%%\n",
			o.Name, o.MAE, 100*o.Relative(), o.Range, o.Median, o.Max, o.StdDev, 100*o.Agreement)
	}
	return b.String()
}

// Compare builds a report from reference and candidate outputs, listed in
// the order of g.Outputs.
func Compare(g *ir.Graph, want, got []*tensor.Float) (*Report, error) {
	if len(want) != len(g.Outputs) || len(got) != len(want) {
		return nil, fmt.Errorf("graph %q has %d outputs, got %d reference and %d candidate tensors",
			g.Name, len(g.Outputs), len(want), len(got))
	}
	r := &Report{}
	for i, id := range g.Outputs {
		name := g.Tensor(id).Name
		if len(want[i].Data) != len(got[i].Data) {
			return nil, fmt.Errorf("output %s: %d reference values, %d candidate values",
				name, len(want[i].Data), len(got[i].Data))
		}
		o, err := compareOutput(want[i], got[i])
		if err != nil {
			return nil, fmt.Errorf("output %s: %w", name, err)
		}
		o.Name = name
		r.Outputs = append(r.Outputs, o)
		r.Samples = want[i].Batch()
	}
	return r, nil
}

func compareOutput(want, got *tensor.Float) (Output, error) {
	var o Output
	if len(want.Data) == 0 {
		return o, fmt.Errorf("empty output")
	}
	errs := make(stats.Float64Data, len(want.Data))
	for j := range want.Data {
		errs[j] = math.Abs(want.Data[j] - got.Data[j])
		o.Range = math.Max(o.Range, math.Abs(want.Data[j]))
	}
	var err error
	if o.MAE, err = stats.Mean(errs); err != nil {
		return o, err
	}
	if o.Median, err = stats.Median(errs); err != nil {
		return o, err
	}
	if o.Max, err = stats.Max(errs); err != nil {
		return o, err
	}
	if o.StdDev, err = stats.StandardDeviation(errs); err != nil {
		return o, err
	}
	o.Agreement = agreement(want, got)
	return o, nil
}

// agreement compares the per-sample argmax of two batched outputs.
func agreement(want, got *tensor.Float) float64 {
	rows := want.Batch()
	if rows == 0 {
		return 1
	}
	width := len(want.Data) / rows
	if width <= 1 {
		return 1
	}
	same := 0
	for r := 0; r < rows; r++ {
		if argmax(want.Data[r*width:(r+1)*width]) == argmax(got.Data[r*width:(r+1)*width]) {
			same++
		}
	}
	return float64(same) / float64(rows)
}

func argmax(xs []float64) int {
	best := 0
	for i, x := range xs {
		if x > xs[best] {
			best = i
		}
	}
	return best
}

// Evaluate runs inputs through the float graph and through the compiled
// module, and compares the two.
func Evaluate(g *ir.Graph, m *quantized.Module, inputs []*tensor.Float) (*Report, error) {
	vals, err := calibrate.Evaluate(g, inputs)
	if err != nil {
		return nil, err
	}
	want := make([]*tensor.Float, len(g.Outputs))
	for i, id := range g.Outputs {
		want[i] = vals[id]
	}
	got, err := m.Predict(inputs...)
	if err != nil {
		return nil, err
	}
	return Compare(g, want, got)
}
