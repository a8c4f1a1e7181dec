package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/qnnc/internal/compiler"
)

// ValidateOptions holds flags for the validate command.
type ValidateOptions struct {
	*RootOptions
	Config string
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid  bool                       `json:"valid"`
	Errors []compiler.ValidationError `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ValidateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "validate <graph>",
		Short: "Check a graph and configuration without compiling",
		Long: `Check a graph document, and optionally a compile configuration, without
calibrating or lowering anything.

Reports every problem found: unsupported operators, opsets newer than
supported, operand counts, duplicate names, and malformed bit-width
budgets.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Config, "config", "c", "", "CUE compile configuration file")

	return cmd
}

func runValidate(opts *ValidateOptions, graphPath string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	errs, err := ValidateFiles(graphPath, opts.Config, formatter)
	if err != nil {
		return formatter.Fail(err)
	}
	if len(errs) > 0 {
		return outputValidationErrors(formatter, errs)
	}
	if formatter.Format == "json" {
		return formatter.Success(ValidationResult{Valid: true})
	}
	fmt.Fprintln(formatter.Writer, "✓ Graph valid")
	return nil
}

// ValidateFiles validates a graph file and an optional configuration file.
// The error return is reserved for files that cannot be read or parsed.
func ValidateFiles(graphPath, configPath string, formatter *OutputFormatter) ([]compiler.ValidationError, error) {
	if formatter == nil {
		formatter = &OutputFormatter{Format: "text", Writer: io.Discard}
	}

	var errs []compiler.ValidationError
	if configPath != "" {
		formatter.VerboseLog("Validating config: %s", configPath)
		cfg, err := LoadConfig(configPath)
		if err != nil {
			return nil, err
		}
		errs = append(errs, compiler.Validate(cfg)...)
	}

	formatter.VerboseLog("Validating graph: %s", graphPath)
	doc, err := LoadGraphDocument(graphPath)
	if err != nil {
		return nil, err
	}
	g, err := doc.Graph()
	if err != nil {
		errs = append(errs, compiler.ValidationError{
			Field:   "graph",
			Message: err.Error(),
			Code:    compiler.ErrInvalidGraph,
		})
		return errs, nil
	}
	formatter.VerboseLog("Graph %s: %d nodes, %d tensors", g.Name, len(g.Nodes), len(g.Tensors))
	return append(errs, compiler.Validate(g)...), nil
}

// outputValidationErrors outputs multiple validation errors.
func outputValidationErrors(formatter *OutputFormatter, errs []compiler.ValidationError) error {
	if formatter.Format == "json" {
		response := CLIResponse{
			Status: "error",
			Data:   ValidationResult{Valid: false, Errors: errs},
			Error: &CLIError{
				Code:    errs[0].Code,
				Message: errs[0].Message,
			},
		}
		if err := formatter.encode(response); err != nil {
			return err
		}
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
	}

	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)
	for _, err := range errs {
		fmt.Fprintf(formatter.Writer, "  %s %s: %s\n", err.Code, err.Field, err.Message)
	}

	// Validation failures = exit code 1 (test/validation failure)
	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
}
