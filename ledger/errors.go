/*
errors.go - Error taxonomy for the point ledger

PURPOSE:
  Every failure the engine returns is an *Error carrying a machine-readable
  Code and a human-readable Message. Callers branch with errors.Is against
  the sentinels below, or read the code with CodeOf.

ERROR CATEGORIES:
  POLICY_VIOLATION          request fails business rules; caller adjusts input
  INSUFFICIENT_POINTS       spend/cancel exceeds available balance
  INVALID_STATE_TRANSITION  entry state does not permit the operation
  REFUND_EXCEEDS_SPEND      refund larger than what the order spent
  NO_ACTIVE_POLICY          no policy is active
  LEDGER_INCONSISTENCY      internal invariant violated; alert on this
  STORAGE_ERROR             collaborator I/O failure; cause kept via Unwrap
  NOT_FOUND / CONFLICT      lookups and admin conflicts

PROPAGATION:
  Validation failures are detected before any write. Storage errors are
  wrapped once, never retried here.
*/
package ledger

import (
	"errors"
	"fmt"
	"strings"
)

type Code string

const (
	CodePolicyViolation        Code = "POLICY_VIOLATION"
	CodeInsufficientPoints     Code = "INSUFFICIENT_POINTS"
	CodeInvalidStateTransition Code = "INVALID_STATE_TRANSITION"
	CodeRefundExceedsSpend     Code = "REFUND_EXCEEDS_SPEND"
	CodeNoActivePolicy         Code = "NO_ACTIVE_POLICY"
	CodeLedgerInconsistency    Code = "LEDGER_INCONSISTENCY"
	CodeStorage                Code = "STORAGE_ERROR"
	CodeNotFound               Code = "NOT_FOUND"
	CodeConflict               Code = "CONFLICT"
)

// =============================================================================
// SENTINEL ERRORS - match by code with errors.Is()
// =============================================================================

var (
	ErrPolicyViolation        = &Error{Code: CodePolicyViolation, Message: "policy violation"}
	ErrInsufficientPoints     = &Error{Code: CodeInsufficientPoints, Message: "insufficient points"}
	ErrInvalidStateTransition = &Error{Code: CodeInvalidStateTransition, Message: "invalid state transition"}
	ErrRefundExceedsSpend     = &Error{Code: CodeRefundExceedsSpend, Message: "refund exceeds spend"}
	ErrNoActivePolicy         = &Error{Code: CodeNoActivePolicy, Message: "no active policy"}
	ErrLedgerInconsistency    = &Error{Code: CodeLedgerInconsistency, Message: "ledger inconsistency"}
	ErrStorage                = &Error{Code: CodeStorage, Message: "storage error"}
	ErrNotFound               = &Error{Code: CodeNotFound, Message: "not found"}
	ErrConflict               = &Error{Code: CodeConflict, Message: "conflict"}
)

// =============================================================================
// STRUCTURED ERROR
// =============================================================================

// Violation is one failed business rule.
type Violation struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error is the engine's error type.
type Error struct {
	Code       Code
	Message    string
	Violations []Violation
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	for i, v := range e.Violations {
		if i == 0 {
			b.WriteString(" [")
		} else {
			b.WriteString("; ")
		}
		b.WriteString(v.Message)
		if i == len(e.Violations)-1 {
			b.WriteString("]")
		}
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func (e *Error) Unwrap() error { return e.Err }

func newError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// NewError builds an *Error with a formatted message.
func NewError(code Code, format string, args ...any) error {
	return newError(code, format, args...)
}

// PolicyViolation builds a POLICY_VIOLATION error from failed rules.
func PolicyViolation(violations []Violation) error {
	return &Error{Code: CodePolicyViolation, Message: "request violates the active policy", Violations: violations}
}

// StorageError wraps a collaborator failure.
func StorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	var le *Error
	if errors.As(err, &le) {
		return err
	}
	return &Error{Code: CodeStorage, Message: op, Err: err}
}

// CodeOf returns the code of err, or "" when err is not an *Error.
func CodeOf(err error) Code {
	var le *Error
	if errors.As(err, &le) {
		return le.Code
	}
	return ""
}

// ViolationsOf returns the violations carried by err, if any.
func ViolationsOf(err error) []Violation {
	var le *Error
	if errors.As(err, &le) {
		return le.Violations
	}
	return nil
}
