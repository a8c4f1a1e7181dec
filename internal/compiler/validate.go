package compiler

import (
	"fmt"
	"slices"

	"github.com/roach88/qnnc/internal/ir"
	"github.com/roach88/qnnc/internal/quant"
)

// Validation error codes (E200-E299)
const (
	// General validation errors (E200)
	ErrUnsupportedType = "E200" // unsupported value type for validation

	// Bit-width budget errors (E201-E209)
	ErrBudgetUnknownKey = "E201" // n_bits mapping key not recognized
	ErrBudgetOutOfRange = "E202" // bit width outside the accepted range
	ErrBudgetWrongType  = "E203" // n_bits is neither an integer nor a mapping
	ErrBudgetEmpty      = "E204" // empty n_bits mapping
	ErrRoundingRange    = "E205" // rounding_threshold_bits out of range

	// Graph errors (E210-E219)
	ErrGraphNoInputs     = "E210" // graph declares no inputs
	ErrGraphNoOutputs    = "E211" // graph declares no outputs
	ErrUnsupportedOp     = "E212" // operator absent from the registry
	ErrOpsetTooNew       = "E213" // graph or operator opset beyond support
	ErrOperandCount      = "E214" // operand count outside the operator's arity
	ErrDuplicateTensor   = "E215" // two tensors share a name
	ErrInvalidGraph      = "E216" // structural defect found while finalizing
	ErrDanglingReference = "E217" // tensor handle out of range
)

// ValidationError represents a validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// Validate checks a bit-width budget, a Config or an unfinalized graph.
// Returns all errors found (does not fail-fast).
func Validate(v any) []ValidationError {
	switch x := v.(type) {
	case *ir.Graph:
		return validateGraph(x)
	case *Config:
		return validateConfig(x)
	case Config:
		return validateConfig(&x)
	default:
		return ValidateBudget(v)
	}
}

// ValidateBudget checks an n_bits value: nil, an integer, or a mapping over
// the recognized keys.
func ValidateBudget(v any) []ValidationError {
	var errs []ValidationError
	for _, p := range quant.Problems(v) {
		field := "n_bits"
		if p.Key != "" && p.Key != "n_bits" {
			field = "n_bits." + p.Key
		}
		code := ErrBudgetWrongType
		switch p.Kind {
		case quant.ProblemUnknownKey:
			code = ErrBudgetUnknownKey
		case quant.ProblemOutOfRange:
			code = ErrBudgetOutOfRange
		case quant.ProblemEmpty:
			code = ErrBudgetEmpty
		}
		errs = append(errs, ValidationError{Field: field, Message: p.Message, Code: code})
	}
	return errs
}

func validateConfig(c *Config) []ValidationError {
	errs := ValidateBudget(c.NBits)
	if t := c.RoundingThresholdBits; t != nil && (*t < 1 || *t > quant.MaxBitWidth) {
		errs = append(errs, ValidationError{
			Field:   "rounding_threshold_bits",
			Message: fmt.Sprintf("%d outside [1, %d]", *t, quant.MaxBitWidth),
			Code:    ErrRoundingRange,
		})
	}
	return errs
}

// validateGraph lints a graph before Finalize, reporting every problem it
// can see without deriving the topology. When the lint is clean, Finalize
// itself runs and its error, if any, is reported.
func validateGraph(g *ir.Graph) []ValidationError {
	var errs []ValidationError

	if len(g.Inputs) == 0 {
		errs = append(errs, ValidationError{Field: "inputs", Message: "graph has no inputs", Code: ErrGraphNoInputs})
	}
	if len(g.Outputs) == 0 {
		errs = append(errs, ValidationError{Field: "outputs", Message: "graph has no outputs", Code: ErrGraphNoOutputs})
	}
	if g.Opset > ir.OpsetVersion {
		errs = append(errs, ValidationError{
			Field:   "opset_version",
			Message: fmt.Sprintf("opset %d is newer than supported opset %d", g.Opset, ir.OpsetVersion),
			Code:    ErrOpsetTooNew,
		})
	}

	names := make(map[string]bool, len(g.Tensors))
	for i, t := range g.Tensors {
		if names[t.Name] {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("tensors[%d].name", i),
				Message: fmt.Sprintf("duplicate tensor name: %q", t.Name),
				Code:    ErrDuplicateTensor,
			})
		}
		names[t.Name] = true
	}

	for i, n := range g.Nodes {
		field := fmt.Sprintf("nodes[%d]", i)
		info, ok := ir.LookupOp(n.Op)
		if !ok {
			errs = append(errs, ValidationError{
				Field:   field + ".op",
				Message: fmt.Sprintf("operator %q in node %q is not supported", n.Op, n.Name),
				Code:    ErrUnsupportedOp,
			})
			continue
		}
		if info.Since > g.Opset {
			errs = append(errs, ValidationError{
				Field:   field + ".op",
				Message: fmt.Sprintf("operator %q requires opset %d, graph declares %d", n.Op, info.Since, g.Opset),
				Code:    ErrOpsetTooNew,
			})
		}
		if len(n.Inputs) < info.MinInputs || len(n.Inputs) > info.MaxInputs {
			errs = append(errs, ValidationError{
				Field:   field + ".inputs",
				Message: fmt.Sprintf("operator %q takes %d..%d inputs, got %d", n.Op, info.MinInputs, info.MaxInputs, len(n.Inputs)),
				Code:    ErrOperandCount,
			})
		}
		for _, id := range slices.Concat(n.Inputs, n.Outputs) {
			if int(id) < 0 || int(id) >= len(g.Tensors) {
				errs = append(errs, ValidationError{
					Field:   field,
					Message: fmt.Sprintf("node %q references tensor handle %d out of range", n.Name, id),
					Code:    ErrDanglingReference,
				})
			}
		}
	}

	if len(errs) > 0 {
		return errs
	}
	if err := g.Finalize(); err != nil {
		errs = append(errs, ValidationError{Field: "graph", Message: err.Error(), Code: ErrInvalidGraph})
	}
	return errs
}
