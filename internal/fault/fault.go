// Package fault defines the error taxonomy shared by the plan ledger,
// execution engine and trigger gateway.
//
// Every failure inside the core resolves to "no state change occurred".
// Callers distinguish failures by Code using Is or CodeOf, which unwrap
// with errors.As so wrapped errors still match.
package fault

import (
	"errors"
	"fmt"
)

// Code categorizes a ledger error.
type Code string

const (
	// InvalidParameter indicates malformed creation or command input.
	InvalidParameter Code = "INVALID_PARAMETER"

	// NotOwner indicates the caller does not own the target plan.
	NotOwner Code = "NOT_OWNER"

	// Unauthorized indicates the caller lacks the required role.
	Unauthorized Code = "UNAUTHORIZED"

	// PlanInactive indicates execution was attempted on an inactive plan.
	PlanInactive Code = "PLAN_INACTIVE"

	// NotDue indicates the plan's cycle has not elapsed yet.
	NotDue Code = "NOT_DUE"

	// RateLimited indicates the trigger cooldown has not elapsed.
	RateLimited Code = "RATE_LIMITED"

	// TransferFailed indicates the funds ledger rejected a movement.
	TransferFailed Code = "TRANSFER_FAILED"

	// WrongOrigin indicates an external event from an unexpected source.
	WrongOrigin Code = "WRONG_ORIGIN"

	// NoOp indicates a redundant state transition.
	NoOp Code = "NO_OP"

	// PlanNotFound indicates an unknown plan id.
	PlanNotFound Code = "PLAN_NOT_FOUND"

	// Terminal indicates a transition out of a terminal plan state.
	Terminal Code = "TERMINAL"
)

// Error is the structured error returned by ledger operations.
type Error struct {
	// Code identifies the error category.
	Code Code

	// Message is a human-readable description.
	Message string

	// PlanID identifies the affected plan (0 when not plan-scoped).
	PlanID uint64

	// Caller is the identity that issued the rejected request, if known.
	Caller string

	// Err is the underlying cause (e.g. the funds ledger error).
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.PlanID != 0 {
		msg = fmt.Sprintf("%s (plan=%d)", msg, e.PlanID)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error with a formatted message.
func New(code Code, planID uint64, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		PlanID:  planID,
	}
}

// Wrap creates an Error that carries an underlying cause.
func Wrap(code Code, planID uint64, err error, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		PlanID:  planID,
		Err:     err,
	}
}

// WithCaller returns a copy of e with Caller set.
func (e *Error) WithCaller(caller string) *Error {
	cp := *e
	cp.Caller = caller
	return &cp
}

// Is reports whether err is (or wraps) an Error with the given code.
func Is(err error, code Code) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code == code
	}
	return false
}

// CodeOf returns the code of err, or "" when err is not an Error.
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}
