package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/qnnc/internal/report"
)

// SimulateOptions holds flags for the simulate command.
type SimulateOptions struct {
	*RootOptions
	CompileFlags
	Data      string
	Tolerance float64
}

// SimulationResult pairs the circuit summary with its accuracy.
type SimulationResult struct {
	Summary   *report.Summary `json:"summary"`
	Report    *report.Report  `json:"report"`
	Tolerance float64         `json:"tolerance,omitempty"`
	Within    bool            `json:"within"`
}

func (r SimulationResult) String() string {
	s := r.Summary.String() + r.Report.String()
	if r.Tolerance > 0 {
		mark := "✓"
		if !r.Within {
			mark = "✗"
		}
		s += fmt.Sprintf("%s relative MAE tolerance %g\n", mark, r.Tolerance)
	}
	return s
}

// NewSimulateCommand creates the simulate command.
func NewSimulateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SimulateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "simulate <graph>",
		Short: "Compare the compiled circuit against the float graph",
		Long: `Compile a graph and run both the float graph and the circuit on the
same samples, reporting the error on every output.

With --tolerance, the command fails when any output's mean absolute error
exceeds that fraction of the output's range.

Exit codes:
  0 - Within tolerance
  1 - Compilation rejected the graph, or tolerance exceeded
  2 - Command error (invalid paths, etc.)`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(opts, args[0], cmd)
		},
	}

	opts.bind(cmd)
	cmd.Flags().StringVar(&opts.Data, "data", "", "inputset document to evaluate on; defaults to the calibration inputset")
	cmd.Flags().Float64Var(&opts.Tolerance, "tolerance", 0, "maximum relative MAE per output (0 disables the check)")

	return cmd
}

func runSimulate(opts *SimulateOptions, graphPath string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())
	ctx, stop := commandContext(cmd)
	defer stop()

	c, err := compileGraphFile(ctx, opts.RootOptions, &opts.CompileFlags, graphPath, cmd, newLogger(opts.RootOptions, cmd.ErrOrStderr()))
	if err != nil {
		return formatter.Fail(err)
	}
	samples := c.Inputs
	if opts.Data != "" {
		if samples, err = LoadInputset(opts.Data, c.Graph); err != nil {
			return formatter.Fail(err)
		}
	}

	summary, err := report.Summarize(c.Module)
	if err != nil {
		return formatter.Fail(err)
	}
	rep, err := report.Evaluate(c.Graph, c.Module, samples)
	if err != nil {
		return formatter.Fail(err)
	}

	result := SimulationResult{Summary: summary, Report: rep, Tolerance: opts.Tolerance, Within: true}
	if opts.Tolerance > 0 {
		result.Within = rep.Within(opts.Tolerance)
	}
	if err := formatter.Success(result); err != nil {
		return err
	}
	if !result.Within {
		return NewExitError(ExitFailure, fmt.Sprintf("relative MAE exceeds tolerance %g", opts.Tolerance))
	}
	return nil
}
