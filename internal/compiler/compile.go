// Package compiler turns a float computation graph into a quantized module
// whose integer circuit can be simulated or executed on a runtime.
//
// The pipeline runs in a fixed order: budget and option validation,
// graph finalization, calibration, optional import of embedded
// quantization, lookup placement, bit-width resolution, parameter
// assignment, lowering and runtime compilation. Each stage is pure with
// respect to the input graph; nothing is mutated after Finalize.
package compiler

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/roach88/qnnc/internal/calibrate"
	"github.com/roach88/qnnc/internal/circuit"
	"github.com/roach88/qnnc/internal/ir"
	"github.com/roach88/qnnc/internal/placement"
	"github.com/roach88/qnnc/internal/qat"
	"github.com/roach88/qnnc/internal/quant"
	"github.com/roach88/qnnc/internal/quantized"
	"github.com/roach88/qnnc/internal/rounding"
	"github.com/roach88/qnnc/internal/tensor"
)

// Options configure one compilation.
type Options struct {
	// NBits is the bit-width budget: nil, an integer, or a mapping over
	// model_inputs, model_outputs, op_inputs and op_weights.
	NBits any
	// ImportQAT reads quantization embedded in the graph instead of
	// calibrating it.
	ImportQAT bool
	// RoundingThresholdBits caps table input widths. Nil disables rounding.
	RoundingThresholdBits *uint
	// UseVirtualLib selects the virtual runtime. Otherwise the circuit must
	// satisfy encrypted execution constraints.
	UseVirtualLib bool
	// Verbose logs every placement decision.
	Verbose bool
	// Runtime overrides the runtime selected by UseVirtualLib.
	Runtime circuit.Runtime
	// Workers bounds parallel calibration. Zero selects GOMAXPROCS.
	Workers int
	Logger  *slog.Logger
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.New(slog.DiscardHandler)
}

func (o Options) runtime() circuit.Runtime {
	switch {
	case o.Runtime != nil:
		return o.Runtime
	case o.UseVirtualLib:
		return circuit.VirtualRuntime{}
	}
	return circuit.EncryptedConstraints{}
}

// Exporter produces a computation graph from a native model.
type Exporter interface {
	Export(ctx context.Context) (*ir.Graph, error)
}

// CompileGraph compiles a graph, calibrating it on inputset.
func CompileGraph(g *ir.Graph, inputset []*tensor.Float, opts Options) (*quantized.Module, error) {
	return compile(context.Background(), g, inputset, opts)
}

// CompileModule exports a native model and compiles the result.
func CompileModule(ctx context.Context, exp Exporter, inputset []*tensor.Float, opts Options) (*quantized.Module, error) {
	g, err := exp.Export(ctx)
	if err != nil {
		return nil, err
	}
	return compile(ctx, g, inputset, opts)
}

// CompileQATModule exports a model trained with quantization in the loop
// and compiles it from its embedded quantization. Without an explicit
// budget only the network boundaries get default widths.
func CompileQATModule(ctx context.Context, exp Exporter, inputset []*tensor.Float, opts Options) (*quantized.Module, error) {
	opts.ImportQAT = true
	if opts.NBits == nil {
		opts.NBits = map[string]int{
			string(quant.KeyModelInputs):  int(quant.DefaultBitWidth),
			string(quant.KeyModelOutputs): int(quant.DefaultBitWidth),
		}
	}
	return CompileModule(ctx, exp, inputset, opts)
}

func compile(ctx context.Context, g *ir.Graph, inputset []*tensor.Float, opts Options) (*quantized.Module, error) {
	session, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	log := opts.logger().With("session", session.String(), "graph", g.Name)

	budget, err := quant.ParseBudget(opts.NBits)
	if err != nil {
		return nil, err
	}
	if err := rounding.Validate(opts.RoundingThresholdBits); err != nil {
		return nil, err
	}
	if err := g.Finalize(); err != nil {
		return nil, err
	}
	if err := calibrate.CheckInputs(g, inputset); err != nil {
		return nil, err
	}
	log.Debug("compiling", "n_bits", budget.String(), "import_qat", opts.ImportQAT,
		"nodes", len(g.Nodes), "samples", inputset[0].Batch())

	consts, err := calibrate.FoldConstants(g)
	if err != nil {
		return nil, err
	}
	ranges, err := calibrate.Ranges(ctx, g, inputset, calibrate.Options{Workers: opts.Workers, Logger: log})
	if err != nil {
		return nil, err
	}

	var imported *qat.Result
	if opts.ImportQAT {
		im := qat.NewImporter(g, consts, budget, qat.WithLogger(log))
		var samples calibrate.Values
		if im.NeedsSamples() {
			if samples, err = calibrate.Evaluate(g, inputset); err != nil {
				return nil, err
			}
		}
		if imported, err = im.Import(samples); err != nil {
			return nil, err
		}
		log.Debug("imported quantization", "patterns", len(imported.Patterns))
	}

	plan, err := placement.Analyze(g, consts, imported)
	if err != nil {
		return nil, err
	}
	if opts.Verbose {
		for _, line := range plan.Describe() {
			log.Info(line)
		}
	}

	bw, err := ResolveBitWidths(budget, plan)
	if err != nil {
		return nil, err
	}
	store := quant.NewStore()
	if err := assignParams(plan, ranges, bw, store); err != nil {
		return nil, err
	}

	prog, err := circuit.Lower(plan, store, circuit.LowerOptions{RoundingThreshold: opts.RoundingThresholdBits})
	if err != nil {
		return nil, err
	}
	m := quantized.NewModule(prog)
	rt := opts.runtime()
	if err := m.Compile(rt); err != nil {
		return nil, err
	}
	log.Info("compiled circuit",
		"runtime", rt.Name(),
		"tables", len(prog.Sites),
		"max_bit_width", prog.MaximumIntegerBitWidth(),
		"fingerprint", m.Circuit().Fingerprint()[:16])
	return m, nil
}
