package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/qnnc/internal/graphio"
	"github.com/roach88/qnnc/internal/ir"
	"github.com/roach88/qnnc/internal/tensor"
)

// newLogger returns the logger commands hand to the compiler. Logs go to
// w, at debug level when --verbose is set.
func newLogger(opts *RootOptions, w io.Writer) *slog.Logger {
	level := slog.LevelWarn
	if opts.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// commandContext derives a context from the command's that is cancelled on
// SIGINT or SIGTERM.
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	CompileFlags
	Data   string // samples to run; defaults to the calibration inputset
	Output string
}

// RunResult holds the dequantized outputs of a run.
type RunResult struct {
	Outputs []graphio.TensorDoc `json:"outputs"`
}

func (r RunResult) String() string {
	s := ""
	for _, o := range r.Outputs {
		t, err := tensor.FromData(o.Shape, o.Data)
		if err != nil {
			continue
		}
		s += fmt.Sprintf("%s: %s\n", o.Name, t)
	}
	return s
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <graph>",
		Short: "Compile a graph and execute the circuit on samples",
		Long: `Compile a graph, then quantize the samples, execute the circuit on the
runtime and dequantize the outputs.

Execution is cancelled on SIGINT or SIGTERM.

Examples:
  qnnc run model.yaml --inputset calib.yaml --data samples.yaml --virtual
  qnnc run model.yaml --virtual --data samples.json -o outputs.json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCircuit(opts, args[0], cmd)
		},
	}

	opts.bind(cmd)
	cmd.Flags().StringVar(&opts.Data, "data", "", "inputset document with the samples to run")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "write the outputs as a document to this file")

	return cmd
}

func runCircuit(opts *RunOptions, graphPath string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())
	ctx, stop := commandContext(cmd)
	defer stop()
	log := newLogger(opts.RootOptions, cmd.ErrOrStderr())

	c, err := compileGraphFile(ctx, opts.RootOptions, &opts.CompileFlags, graphPath, cmd, log)
	if err != nil {
		return formatter.Fail(err)
	}

	samples := c.Inputs
	if opts.Data != "" {
		if samples, err = LoadInputset(opts.Data, c.Graph); err != nil {
			return formatter.Fail(err)
		}
	}

	qs, err := c.Module.QuantizeInput(samples...)
	if err != nil {
		return formatter.Fail(err)
	}
	log.Debug("executing circuit", "runtime", c.Module.Circuit().Runtime().Name(), "samples", samples[0].Batch())
	out, err := c.Module.Run(ctx, qs...)
	if err != nil {
		return formatter.Fail(err)
	}
	ys, err := c.Module.DequantizeOutput(out...)
	if err != nil {
		return formatter.Fail(err)
	}

	result := RunResult{Outputs: outputDocs(c.Graph, ys)}
	if opts.Output != "" {
		if err := graphio.WriteFile(opts.Output, &graphio.Inputset{Inputs: result.Outputs}); err != nil {
			return formatter.Fail(&LoadError{Code: ErrCodeWriteFailed, Message: fmt.Sprintf("writing output file: %v", err), Err: err})
		}
		formatter.VerboseLog("Wrote outputs to %s", opts.Output)
	}
	return formatter.Success(result)
}

func outputDocs(g *ir.Graph, ys []*tensor.Float) []graphio.TensorDoc {
	docs := make([]graphio.TensorDoc, len(ys))
	for i, y := range ys {
		docs[i] = graphio.TensorDoc{Name: g.Tensor(g.Outputs[i]).Name, Shape: y.Shape, Data: y.Data}
	}
	return docs
}
