package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/qnnc/internal/compiler"
	"github.com/roach88/qnnc/internal/ir"
	"github.com/roach88/qnnc/internal/quantized"
	"github.com/roach88/qnnc/internal/report"
	"github.com/roach88/qnnc/internal/tensor"
	"github.com/roach88/qnnc/internal/testutil"
)

// CompileFlags are the flags shared by every command that compiles a graph.
// Flags given on the command line override the configuration file.
type CompileFlags struct {
	Config                string
	Inputset              string
	Samples               int
	Seed                  uint64
	NBits                 int
	RoundingThresholdBits uint
	Virtual               bool
	QAT                   bool
	Workers               int
}

func (f *CompileFlags) bind(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVarP(&f.Config, "config", "c", "", "CUE compile configuration file")
	fl.StringVar(&f.Inputset, "inputset", "", "calibration inputset document (YAML or JSON)")
	fl.IntVar(&f.Samples, "samples", 100, "calibration rows to draw when no inputset is given")
	fl.Uint64Var(&f.Seed, "seed", 0, "seed for drawn calibration rows")
	fl.IntVar(&f.NBits, "n-bits", 8, "bit width for every stage of the network")
	fl.UintVar(&f.RoundingThresholdBits, "rounding-threshold-bits", 0, "round table inputs down to this many bits")
	fl.BoolVar(&f.Virtual, "virtual", false, "compile for the virtual runtime, without width limits")
	fl.BoolVar(&f.QAT, "qat", false, "import quantization embedded in the graph")
	fl.IntVar(&f.Workers, "workers", 0, "parallel calibration workers (0 = GOMAXPROCS)")
}

// options merges the configuration file with the flags the user set.
func (f *CompileFlags) options(cmd *cobra.Command) (compiler.Options, error) {
	var opts compiler.Options
	if f.Config != "" {
		cfg, err := LoadConfig(f.Config)
		if err != nil {
			return opts, err
		}
		opts = cfg.Options()
	}
	fl := cmd.Flags()
	if fl.Changed("n-bits") {
		opts.NBits = f.NBits
	}
	if fl.Changed("rounding-threshold-bits") {
		bits := f.RoundingThresholdBits
		opts.RoundingThresholdBits = &bits
	}
	if fl.Changed("virtual") {
		opts.UseVirtualLib = f.Virtual
	}
	if fl.Changed("qat") {
		opts.ImportQAT = f.QAT
	}
	opts.Workers = f.Workers
	return opts, nil
}

func (f *CompileFlags) inputs(g *ir.Graph) ([]*tensor.Float, error) {
	if f.Inputset != "" {
		return LoadInputset(f.Inputset, g)
	}
	if f.Samples < 1 {
		return nil, &LoadError{Code: ErrCodeGeneric, Message: "--samples must be positive"}
	}
	return testutil.Inputset(g, f.Seed, f.Samples), nil
}

// compiled is a graph together with its calibration data and module.
type compiled struct {
	Graph  *ir.Graph
	Inputs []*tensor.Float
	Module *quantized.Module
}

// loadedGraph hands an already decoded graph to the compiler.
type loadedGraph struct{ g *ir.Graph }

func (l loadedGraph) Export(context.Context) (*ir.Graph, error) { return l.g, nil }

// compileGraphFile runs the whole pipeline on a graph file.
func compileGraphFile(ctx context.Context, root *RootOptions, f *CompileFlags, path string, cmd *cobra.Command, log *slog.Logger) (*compiled, error) {
	opts, err := f.options(cmd)
	if err != nil {
		return nil, err
	}
	opts.Verbose = opts.Verbose || root.Verbose
	opts.Logger = log

	g, err := LoadGraph(path)
	if err != nil {
		return nil, err
	}
	inputs, err := f.inputs(g)
	if err != nil {
		return nil, err
	}

	var m *quantized.Module
	if opts.ImportQAT {
		m, err = compiler.CompileQATModule(ctx, loadedGraph{g}, inputs, opts)
	} else {
		m, err = compiler.CompileModule(ctx, loadedGraph{g}, inputs, opts)
	}
	if err != nil {
		return nil, err
	}
	return &compiled{Graph: g, Inputs: inputs, Module: m}, nil
}

// CompileOptions holds flags for the compile command.
type CompileOptions struct {
	*RootOptions
	CompileFlags
	Output string // circuit text output path
}

// CompilationResult is the compile command's payload.
type CompilationResult struct {
	*report.Summary
	Output string `json:"output,omitempty"`
}

func (r CompilationResult) String() string {
	s := "✓ Compiled " + r.Summary.String()
	if r.Output != "" {
		s += fmt.Sprintf("Wrote circuit to %s\n", r.Output)
	}
	return s
}

// NewCompileCommand creates the compile command.
func NewCompileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compile <graph>",
		Short: "Compile a graph into an integer circuit",
		Long: `Compile a float computation graph into an integer circuit.

The graph is calibrated on the inputset (or on rows drawn uniformly from
[-1, 1) when none is given), quantized to the requested bit widths and
lowered. The summary lists every table lookup and the widest integer.

Examples:
  qnnc compile model.yaml --n-bits 6 --virtual
  qnnc compile model.yaml --config compile.cue --inputset calib.yaml -o model.mlir
  qnnc compile qat_model.json --qat --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors - we handle our own error output
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompile(opts, args[0], cmd)
		},
	}

	opts.bind(cmd)
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "write the circuit text to this file")

	return cmd
}

func runCompile(opts *CompileOptions, graphPath string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())
	ctx, stop := commandContext(cmd)
	defer stop()

	c, err := compileGraphFile(ctx, opts.RootOptions, &opts.CompileFlags, graphPath, cmd, newLogger(opts.RootOptions, cmd.ErrOrStderr()))
	if err != nil {
		return formatter.Fail(err)
	}
	summary, err := report.Summarize(c.Module)
	if err != nil {
		return formatter.Fail(err)
	}

	result := CompilationResult{Summary: summary}
	if opts.Output != "" {
		if err := os.WriteFile(opts.Output, []byte(c.Module.Circuit().MLIR()), 0o644); err != nil {
			return formatter.Fail(&LoadError{Code: ErrCodeWriteFailed, Message: fmt.Sprintf("writing output file: %v", err), Err: err})
		}
		result.Output = opts.Output
	}
	return formatter.Success(result)
}
