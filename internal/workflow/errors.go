package workflow

import (
	"errors"
	"fmt"

	"github.com/roach88/dhtcore/internal/ir"
)

// ErrorCode categorizes pipeline errors.
type ErrorCode string

const (
	// ErrCodeCounterfeit means a batch failed an intake integrity check:
	// wrong op hash, bad signature or mismatched entry hash. The whole
	// batch is refused.
	ErrCodeCounterfeit ErrorCode = "COUNTERFEIT"

	// ErrCodeRejectedSys means an authored action failed structural checks.
	ErrCodeRejectedSys ErrorCode = "REJECTED_SYS"

	// ErrCodeRejectedApp means an authored action failed application rules.
	ErrCodeRejectedApp ErrorCode = "REJECTED_APP"

	// ErrCodeMissingDep means an authored action refers to data this node
	// cannot resolve.
	ErrCodeMissingDep ErrorCode = "MISSING_DEP"

	// ErrCodeStorage wraps a store failure.
	ErrCodeStorage ErrorCode = "STORAGE"
)

// Error is a pipeline error with structured fields for diagnostics.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// OpHash identifies the offending op, when there is one.
	OpHash ir.OpHash

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.OpHash != "" {
		msg += fmt.Sprintf(" (op=%s)", ir.Short(e.OpHash))
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

func hasCode(err error, code ErrorCode) bool {
	var we *Error
	if errors.As(err, &we) {
		return we.Code == code
	}
	return false
}

// IsCounterfeit returns true if err is a counterfeit batch error.
// Uses errors.As to handle wrapped errors.
func IsCounterfeit(err error) bool {
	return hasCode(err, ErrCodeCounterfeit)
}

// IsMissingDependency returns true if err reports an unresolved dependency.
func IsMissingDependency(err error) bool {
	return hasCode(err, ErrCodeMissingDep)
}

// IsRejected returns true if err is a structural or application rejection.
func IsRejected(err error) bool {
	return hasCode(err, ErrCodeRejectedSys) || hasCode(err, ErrCodeRejectedApp)
}

// IsStorage returns true if err wraps a store failure.
func IsStorage(err error) bool {
	return hasCode(err, ErrCodeStorage)
}

func counterfeit(hash ir.OpHash, format string, args ...any) *Error {
	return &Error{Code: ErrCodeCounterfeit, Message: fmt.Sprintf(format, args...), OpHash: hash}
}

func storageError(op string, err error) *Error {
	return &Error{Code: ErrCodeStorage, Message: op, Err: err}
}
