package harness

import "github.com/roach88/qnnc/internal/report"

// Result is the outcome of a scenario execution.
type Result struct {
	// Scenario names the scenario that produced this result.
	Scenario string `json:"scenario"`

	// Pass indicates overall test success.
	Pass bool `json:"pass"`

	// Errors contains assertion failures. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// ErrorCode is the code of the compilation error, if compilation failed.
	ErrorCode string `json:"error_code,omitempty"`

	// Summary and Report describe the compiled circuit. Both are nil when
	// compilation failed.
	Summary *report.Summary `json:"summary,omitempty"`
	Report  *report.Report  `json:"report,omitempty"`

	// MLIR is the circuit text, used for golden comparison.
	MLIR string `json:"-"`
}

// NewResult creates a new passing result.
func NewResult(scenario string) *Result {
	return &Result{
		Scenario: scenario,
		Pass:     true,
		Errors:   []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
