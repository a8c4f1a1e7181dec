package harness

import (
	"fmt"
	"strings"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string // Assertion type for categorization
	Subject  string // Output or circuit the assertion looked at
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s", e.Type)
	if e.Subject != "" {
		fmt.Fprintf(&buf, " (%s)", e.Subject)
	}
	fmt.Fprintf(&buf, "\n  Expected: %s\n  Actual: %s", e.Expected, e.Actual)
	return buf.String()
}

// EvaluateAssertions checks every assertion against a compiled result and
// returns the failure messages. Results without a summary fail every
// assertion.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(result, a); err != nil {
			errs = append(errs, fmt.Sprintf("assertion %d: %v", i, err))
		}
	}
	return errs
}

func evaluate(result *Result, a Assertion) error {
	if result.Summary == nil {
		return fmt.Errorf("no compiled circuit to check")
	}
	switch a.Type {
	case AssertMaxBitWidth:
		return assertMaxBitWidth(result, a)
	case AssertTableCount:
		return assertTableCount(result, a)
	case AssertRelativeMAE:
		return assertRelativeMAE(result, a)
	case AssertAgreement:
		return assertAgreement(result, a)
	case AssertMLIRContains:
		return assertMLIRContains(result, a)
	}
	return fmt.Errorf("unknown assertion type: %s", a.Type)
}

func assertMaxBitWidth(result *Result, a Assertion) error {
	got := float64(result.Summary.MaxBitWidth)
	if got > *a.Max {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("at most %g bits", *a.Max),
			Actual:   fmt.Sprintf("%d bits", result.Summary.MaxBitWidth),
		}
	}
	return nil
}

func assertTableCount(result *Result, a Assertion) error {
	n := result.Summary.Tables
	fail := func(want string) error {
		return &AssertionError{Type: a.Type, Expected: want, Actual: fmt.Sprintf("%d tables", n)}
	}
	if a.Count != nil && n != *a.Count {
		return fail(fmt.Sprintf("%d tables", *a.Count))
	}
	if a.Min != nil && float64(n) < *a.Min {
		return fail(fmt.Sprintf("at least %g tables", *a.Min))
	}
	if a.Max != nil && float64(n) > *a.Max {
		return fail(fmt.Sprintf("at most %g tables", *a.Max))
	}
	return nil
}

func assertRelativeMAE(result *Result, a Assertion) error {
	if result.Report == nil {
		return fmt.Errorf("no accuracy report")
	}
	for _, o := range result.Report.Outputs {
		if o.Relative() > *a.Max {
			return &AssertionError{
				Type:     a.Type,
				Subject:  o.Name,
				Expected: fmt.Sprintf("at most %g of range", *a.Max),
				Actual:   fmt.Sprintf("%.4g (mae %.4g, range %.4g)", o.Relative(), o.MAE, o.Range),
			}
		}
	}
	return nil
}

func assertAgreement(result *Result, a Assertion) error {
	if result.Report == nil {
		return fmt.Errorf("no accuracy report")
	}
	for _, o := range result.Report.Outputs {
		if o.Agreement < *a.Min {
			return &AssertionError{
				Type:     a.Type,
				Subject:  o.Name,
				Expected: fmt.Sprintf("at least %g", *a.Min),
				Actual:   fmt.Sprintf("%.4g", o.Agreement),
			}
		}
	}
	return nil
}

func assertMLIRContains(result *Result, a Assertion) error {
	if !strings.Contains(result.MLIR, a.Text) {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("circuit text containing %q", a.Text),
			Actual:   "not found",
		}
	}
	return nil
}
