package harness

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/qnnc/internal/graphio"
	"github.com/roach88/qnnc/internal/report"
	"github.com/roach88/qnnc/internal/testutil"
)

func ptr[T any](v T) *T { return &v }

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// mlpScenario writes an MLP graph document to a temp dir and returns a
// scenario compiling it.
func mlpScenario(t *testing.T, assertions ...Assertion) *Scenario {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mlp.yaml")
	require.NoError(t, graphio.WriteFile(path, graphio.FromGraph(testutil.MLP(4, 8, 3, "Relu"))))
	return &Scenario{
		Name:        "mlp",
		Description: "two-layer MLP",
		Graph:       path,
		Samples:     200,
		Seed:        11,
		Compile:     CompileSettings{NBits: 8, UseVirtualLib: true},
		Assertions:  assertions,
	}
}

func TestLoadScenario(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/linear.yaml")
	require.NoError(t, err)

	assert.Equal(t, "linear", s.Name)
	assert.Equal(t, filepath.Join("testdata", "scenarios", "graphs", "linear.yaml"), s.Graph)
	assert.Equal(t, filepath.Join("testdata", "scenarios", "graphs", "linear_inputs.yaml"), s.Inputset)
	assert.Equal(t, 8, s.Compile.NBits)
	assert.True(t, s.Compile.UseVirtualLib)
	require.Len(t, s.Assertions, 3)
	assert.Equal(t, AssertTableCount, s.Assertions[0].Type)
	assert.Equal(t, 0, *s.Assertions[0].Count)
	assert.Equal(t, 18.0, *s.Assertions[1].Max)
}

func TestLoadScenario_Errors(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "g.yaml", "name: g\n")

	tests := []struct {
		name string
		src  string
		msg  string
	}{
		{
			name: "unknown field",
			src:  "name: s\ndescription: d\ngraph: g.yaml\nasserts: []\n",
			msg:  "asserts",
		},
		{
			name: "missing name",
			src:  "description: d\ngraph: g.yaml\n",
			msg:  "name is required",
		},
		{
			name: "missing graph file",
			src:  "name: s\ndescription: d\ngraph: nope.yaml\n",
			msg:  "graph file not found",
		},
		{
			name: "no assertions",
			src:  "name: s\ndescription: d\ngraph: g.yaml\n",
			msg:  "assertions list is required",
		},
		{
			name: "unknown assertion",
			src:  "name: s\ndescription: d\ngraph: g.yaml\nassertions: [{type: latency}]\n",
			msg:  `unknown assertion type "latency"`,
		},
		{
			name: "bound missing",
			src:  "name: s\ndescription: d\ngraph: g.yaml\nassertions: [{type: relative_mae}]\n",
			msg:  "max is required for relative_mae",
		},
		{
			name: "table count without bounds",
			src:  "name: s\ndescription: d\ngraph: g.yaml\nassertions: [{type: table_count}]\n",
			msg:  "count, min or max",
		},
		{
			name: "unknown error code",
			src:  "name: s\ndescription: d\ngraph: g.yaml\nexpect: {error: BOOM}\n",
			msg:  `unknown error code "BOOM"`,
		},
		{
			name: "expect with assertions",
			src:  "name: s\ndescription: d\ngraph: g.yaml\nexpect: {error: QAT_IMPORT}\nassertions: [{type: mlir_contains, text: x}]\n",
			msg:  "cannot be combined",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, dir, "scenario.yaml", tt.src)
			_, err := LoadScenario(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestLoadScenarios(t *testing.T) {
	scenarios, err := LoadScenarios("testdata/scenarios")
	require.NoError(t, err)

	var names []string
	for _, s := range scenarios {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"bad_budget", "linear"}, names)
}

func TestRun_LinearGolden(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/linear.yaml")
	require.NoError(t, err)

	result, err := RunWithGolden(t, s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "%v", result.Errors)
	assert.Equal(t, "virtual", result.Summary.Runtime)
	assert.Equal(t, 3, result.Report.Samples)
}

func TestRun_ExpectedError(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/bad_budget.yaml")
	require.NoError(t, err)

	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "%v", result.Errors)
	assert.Equal(t, "CONFIG_INVALID", result.ErrorCode)
	assert.Nil(t, result.Summary)
}

func TestRun_WrongExpectedError(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/bad_budget.yaml")
	require.NoError(t, err)
	s.Expect = &ExpectClause{Error: "QAT_IMPORT"}

	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "expected QAT_IMPORT error")
}

func TestRun_ExpectedErrorButCompiled(t *testing.T) {
	s := mlpScenario(t)
	s.Expect = &ExpectClause{Error: "OUT_OF_RANGE"}

	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	assert.Equal(t, []string{"expected OUT_OF_RANGE error, compilation succeeded"}, result.Errors)
}

func TestRun_UnexpectedCompileFailure(t *testing.T) {
	s := mlpScenario(t, Assertion{Type: AssertTableCount, Min: ptr(1.0)})
	s.Compile.NBits = 40

	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	assert.Equal(t, "CONFIG_INVALID", result.ErrorCode)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "compilation failed")
}

func TestRun_MLPAssertionsPass(t *testing.T) {
	s := mlpScenario(t,
		Assertion{Type: AssertRelativeMAE, Max: ptr(0.05)},
		Assertion{Type: AssertAgreement, Min: ptr(0.8)},
		Assertion{Type: AssertTableCount, Min: ptr(1.0)},
		Assertion{Type: AssertMLIRContains, Text: "enc.lookup_table"},
		Assertion{Type: AssertMaxBitWidth, Max: ptr(32.0)},
	)

	result, err := New(WithWorkers(2)).Run(context.Background(), s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "%v", result.Errors)
	assert.Equal(t, 200, result.Report.Samples)
}

func TestRun_FailingAssertionsAreCollected(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/linear.yaml")
	require.NoError(t, err)
	s.Assertions = []Assertion{
		{Type: AssertTableCount, Count: ptr(1)},
		{Type: AssertMaxBitWidth, Max: ptr(8.0)},
		{Type: AssertMLIRContains, Text: "enc.lookup_table"},
	}

	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 3)
	assert.Contains(t, result.Errors[0], "Expected: 1 tables")
	assert.Contains(t, result.Errors[1], "Actual: 18 bits")
	assert.Contains(t, result.Errors[2], "enc.lookup_table")
}

func TestRun_SetupErrors(t *testing.T) {
	s := mlpScenario(t)
	s.Graph = filepath.Join(t.TempDir(), "missing.yaml")
	_, err := Run(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load graph")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = New().Run(ctx, mlpScenario(t))
	require.ErrorIs(t, err, context.Canceled)
}

func TestEvaluateAssertions(t *testing.T) {
	result := NewResult("manual")
	result.Summary = &report.Summary{Tables: 2, MaxBitWidth: 12}
	result.Report = &report.Report{Outputs: []report.Output{{Name: "y", MAE: 0.2, Range: 1, Agreement: 0.5}}}
	result.MLIR = "enc.lookup_table"

	errs := EvaluateAssertions(result, []Assertion{
		{Type: AssertTableCount, Min: ptr(1.0), Max: ptr(2.0)},
		{Type: AssertTableCount, Max: ptr(1.0)},
		{Type: AssertRelativeMAE, Max: ptr(0.1)},
		{Type: AssertAgreement, Min: ptr(0.5)},
		{Type: AssertAgreement, Min: ptr(0.9)},
	})
	require.Len(t, errs, 3)
	assert.Contains(t, errs[0], "assertion 1")
	assert.Contains(t, errs[1], "relative_mae (y)")
	assert.Contains(t, errs[2], "assertion 4")

	empty := NewResult("failed")
	errs = EvaluateAssertions(empty, []Assertion{{Type: AssertMLIRContains, Text: "x"}})
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "no compiled circuit")
}
