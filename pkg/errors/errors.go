// Package errors provides the error taxonomy shared by the trading core.
package errors

import (
	"errors"
	"fmt"
)

// Standard error functions
var (
	Is     = errors.Is
	As     = errors.As
	Join   = errors.Join
	Unwrap = errors.Unwrap
)

// Kind identifies a class of failure. Callers branch on kinds, never on
// error text.
type Kind string

const (
	KindInvalidOrder           Kind = "InvalidOrder"
	KindInsufficientBalance    Kind = "InsufficientBalance"
	KindNotFound               Kind = "NotFound"
	KindNotOwner               Kind = "NotOwner"
	KindSelfTrade              Kind = "SelfTrade"
	KindOracleUnavailable      Kind = "OracleUnavailable"
	KindConcurrentModification Kind = "ConcurrentModification"
	KindRetryExhausted         Kind = "RetryExhausted"
	KindAlreadyMatching        Kind = "AlreadyMatching"
	KindTransient              Kind = "Transient"
	KindInternal               Kind = "Internal"
)

// Error is a kind-carrying error for passing more information than a bare
// string. The zero Message form is valid; Explain attaches detail.
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`

	cause error
}

var _ error = (*Error)(nil)

// Sentinel errors for each kind. Compare with errors.Is; derive detailed
// instances with Explain/Wrap, which preserve Is-equality on the kind.
var (
	InvalidOrder           = &Error{Kind: KindInvalidOrder}
	InsufficientBalance    = &Error{Kind: KindInsufficientBalance}
	NotFound               = &Error{Kind: KindNotFound}
	NotOwner               = &Error{Kind: KindNotOwner}
	SelfTrade              = &Error{Kind: KindSelfTrade}
	OracleUnavailable      = &Error{Kind: KindOracleUnavailable}
	ConcurrentModification = &Error{Kind: KindConcurrentModification}
	RetryExhausted         = &Error{Kind: KindRetryExhausted}
	AlreadyMatching        = &Error{Kind: KindAlreadyMatching}
	Transient              = &Error{Kind: KindTransient}
	Internal               = &Error{Kind: KindInternal}
)

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Error implements error.
func (e *Error) Error() string {
	str := fmt.Sprintf("[%s]", e.Kind)
	if e.Message != "" {
		str += " " + e.Message
	}
	if e.cause != nil {
		str += fmt.Sprintf(" (%s)", e.cause)
	}
	return str
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is reports kind equality, so errors.Is(err, errors.NotFound) matches any
// derived instance.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Explain makes a copy of the error with the given message.
func (e *Error) Explain(message string, args ...any) *Error {
	err := *e
	err.Message = fmt.Sprintf(message, args...)
	return &err
}

// Wrap makes a copy of the error with the given cause attached.
func (e *Error) Wrap(cause error) *Error {
	err := *e
	err.cause = cause
	return &err
}

// IsTransient reports whether err is worth retrying. The persistence adapter
// classifies storage errors into Transient at its boundary; the trading core
// only ever sees this distinction.
func IsTransient(err error) bool {
	return Is(err, Transient) || Is(err, ConcurrentModification) || Is(err, OracleUnavailable)
}
