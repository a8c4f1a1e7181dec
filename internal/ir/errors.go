package ir

import (
	"errors"
	"fmt"
)

// Error is the single error type surfaced by the compiler. Every failure is
// categorised by Code; Tensor and Node name the offending graph element when
// one exists.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Tensor names the affected tensor, if any.
	Tensor string

	// Node names the affected node, if any.
	Node string

	// Err is the underlying cause.
	Err error
}

// ErrorCode categorizes compiler errors.
type ErrorCode string

const (
	// ErrCodeConfigInvalid indicates a malformed bit-width budget or option.
	ErrCodeConfigInvalid ErrorCode = "CONFIG_INVALID"

	// ErrCodeQATImport indicates embedded quantization could not be imported.
	ErrCodeQATImport ErrorCode = "QAT_IMPORT"

	// ErrCodeUnsupportedOperator indicates an operator or opset outside the
	// registry.
	ErrCodeUnsupportedOperator ErrorCode = "UNSUPPORTED_OPERATOR"

	// ErrCodePrecondition indicates an operation called in the wrong state.
	ErrCodePrecondition ErrorCode = "PRECONDITION"

	// ErrCodeOutOfRange indicates an integer escaped its declared bit range.
	ErrCodeOutOfRange ErrorCode = "OUT_OF_RANGE"

	// ErrCodeInvalidGraph indicates a structurally broken graph.
	ErrCodeInvalidGraph ErrorCode = "INVALID_GRAPH"
)

// qatPrefix is the fixed lead-in of every QAT import failure.
const qatPrefix = "Error occurred during quantization aware training (QAT) import: "

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Code == ErrCodeQATImport {
		msg = qatPrefix + msg
	}
	switch {
	case e.Node != "" && e.Tensor != "":
		msg = fmt.Sprintf("%s (node=%s, tensor=%s)", msg, e.Node, e.Tensor)
	case e.Node != "":
		msg = fmt.Sprintf("%s (node=%s)", msg, e.Node)
	case e.Tensor != "":
		msg = fmt.Sprintf("%s (tensor=%s)", msg, e.Tensor)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

func hasCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsConfigError returns true if err is a configuration error.
func IsConfigError(err error) bool { return hasCode(err, ErrCodeConfigInvalid) }

// IsQATError returns true if err is a QAT import error.
func IsQATError(err error) bool { return hasCode(err, ErrCodeQATImport) }

// IsUnsupportedError returns true if err names an unsupported operator.
func IsUnsupportedError(err error) bool { return hasCode(err, ErrCodeUnsupportedOperator) }

// IsPreconditionError returns true if err is a precondition violation.
func IsPreconditionError(err error) bool { return hasCode(err, ErrCodePrecondition) }

// IsOutOfRangeError returns true if err reports an integer overflow.
func IsOutOfRangeError(err error) bool { return hasCode(err, ErrCodeOutOfRange) }

// IsInvalidGraphError returns true if err reports a malformed graph.
func IsInvalidGraphError(err error) bool { return hasCode(err, ErrCodeInvalidGraph) }

// Errorf builds an Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode sets the node name and returns e.
func (e *Error) WithNode(name string) *Error {
	e.Node = name
	return e
}

// WithTensor sets the tensor name and returns e.
func (e *Error) WithTensor(name string) *Error {
	e.Tensor = name
	return e
}

// Wrap sets the underlying cause and returns e.
func (e *Error) Wrap(err error) *Error {
	e.Err = err
	return e
}
