package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies orchestration failures. Every failure path in the
// engine maps to exactly one kind so callers can branch without string
// matching.
type ErrorKind string

const (
	// ErrValidation covers malformed input, rejected before any mutation
	ErrValidation ErrorKind = "validation"
	// ErrStateConflict covers transitions attempted from an unexpected
	// prior status; benign on idempotent callback paths
	ErrStateConflict ErrorKind = "state_conflict"
	// ErrPolicyConfig covers missing or malformed policy configuration;
	// always fails closed
	ErrPolicyConfig ErrorKind = "policy_config"
	// ErrBackendUnavailable covers unreachable job backends or script hosts
	ErrBackendUnavailable ErrorKind = "backend_unavailable"
	// ErrBudgetExceeded is terminal for dispatch and non-retryable
	ErrBudgetExceeded ErrorKind = "budget_exceeded"
	// ErrParse covers unparseable job references or script output
	ErrParse ErrorKind = "parse"
	// ErrExecution covers scripts and agents that ran but exited nonzero
	ErrExecution ErrorKind = "execution"
)

// Error is the structured error carried across orchestration boundaries.
// Metadata rides along for event persistence and structured logging.
type Error struct {
	Kind      ErrorKind
	Retryable bool
	Message   string
	Metadata  map[string]any
	wrapped   error
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.wrapped)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.wrapped }

// NewError builds a structured error of the given kind
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message, Retryable: kind == ErrBackendUnavailable}
}

// WrapError attaches a cause to a structured error
func WrapError(kind ErrorKind, message string, cause error) *Error {
	e := NewError(kind, message)
	e.wrapped = cause
	return e
}

// WithMetadata attaches context for event persistence and returns the error
func (e *Error) WithMetadata(md map[string]any) *Error {
	e.Metadata = md
	return e
}

// KindOf extracts the ErrorKind from an error chain, or "" when the chain
// carries no structured error.
func KindOf(err error) ErrorKind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// IsKind reports whether the error chain carries a structured error of kind k
func IsKind(err error, k ErrorKind) bool {
	return KindOf(err) == k
}
