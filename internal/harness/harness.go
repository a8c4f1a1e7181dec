package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/roach88/qnnc/internal/compiler"
	"github.com/roach88/qnnc/internal/graphio"
	"github.com/roach88/qnnc/internal/ir"
	"github.com/roach88/qnnc/internal/report"
	"github.com/roach88/qnnc/internal/tensor"
	"github.com/roach88/qnnc/internal/testutil"
)

// Harness executes scenarios.
type Harness struct {
	logger  *slog.Logger
	workers int
}

// Option configures a Harness.
type Option func(*Harness)

// WithLogger sets the logger for scenario progress and compiler output.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) { h.logger = l }
}

// WithWorkers bounds parallel calibration.
func WithWorkers(n int) Option {
	return func(h *Harness) { h.workers = n }
}

// New creates a harness.
func New(opts ...Option) *Harness {
	h := &Harness{logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run executes a scenario with a default harness.
func Run(scenario *Scenario) (*Result, error) {
	return New().Run(context.Background(), scenario)
}

// Run compiles the scenario's graph and evaluates its assertions.
//
// The returned error covers failures to set the scenario up: unreadable
// graph or inputset files, or a cancelled context. Compilation failures
// and failed assertions are recorded in the Result.
func (h *Harness) Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	log := h.logger.With("scenario", scenario.Name)

	g, err := graphio.ReadGraph(scenario.Graph)
	if err != nil {
		return nil, fmt.Errorf("failed to load graph: %w", err)
	}
	inputs, err := scenarioInputs(scenario, g)
	if err != nil {
		return nil, fmt.Errorf("failed to load inputset: %w", err)
	}

	opts := scenario.Compile.Options()
	opts.Logger = log
	opts.Workers = h.workers

	result := NewResult(scenario.Name)
	m, err := compiler.CompileGraph(g, inputs, opts)
	if err != nil {
		var irErr *ir.Error
		if errors.As(err, &irErr) {
			result.ErrorCode = string(irErr.Code)
		}
		checkExpectedError(result, scenario.Expect, err)
		log.Info("scenario compiled with error", "code", result.ErrorCode, "pass", result.Pass)
		return result, nil
	}
	if scenario.Expect != nil {
		result.AddError(fmt.Sprintf("expected %s error, compilation succeeded", scenario.Expect.Error))
		return result, nil
	}

	if result.Summary, err = report.Summarize(m); err != nil {
		return nil, err
	}
	result.MLIR = m.Circuit().MLIR()
	if result.Report, err = report.Evaluate(g, m, inputs); err != nil {
		result.AddError(fmt.Sprintf("evaluation failed: %v", err))
		return result, nil
	}

	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	log.Info("scenario completed",
		"pass", result.Pass,
		"tables", result.Summary.Tables,
		"max_bit_width", result.Summary.MaxBitWidth,
	)
	return result, nil
}

func scenarioInputs(s *Scenario, g *ir.Graph) ([]*tensor.Float, error) {
	if s.Inputset != "" {
		return graphio.ReadInputset(s.Inputset, g)
	}
	rows := s.Samples
	if rows == 0 {
		rows = DefaultSamples
	}
	return testutil.Inputset(g, s.Seed, rows), nil
}

func checkExpectedError(result *Result, expect *ExpectClause, err error) {
	if expect == nil {
		result.AddError(fmt.Sprintf("compilation failed: %v", err))
		return
	}
	if result.ErrorCode != expect.Error {
		result.AddError(fmt.Sprintf("expected %s error, got: %v", expect.Error, err))
		return
	}
	if expect.Message != "" && !strings.Contains(err.Error(), expect.Message) {
		result.AddError(fmt.Sprintf("expected error containing %q, got: %v", expect.Message, err))
	}
}
