package amm

import (
	"errors"
	"fmt"
)

// ErrorKind classifies engine failures so callers can tell permanent
// validation failures from retryable lock contention.
type ErrorKind string

const (
	// KindUnauthenticated means no caller identity was established; surfaced
	// before any lock acquisition.
	KindUnauthenticated ErrorKind = "UNAUTHENTICATED"
	// KindValidation covers malformed symbols, non-positive or oversized
	// amounts and same-asset swaps; no transaction is opened.
	KindValidation ErrorKind = "VALIDATION"
	// KindNotFound means the asset does not exist; no transaction is opened.
	KindNotFound ErrorKind = "NOT_FOUND"
	// KindTradingLocked means the asset is time-locked and the caller is not
	// its creator; no transaction is opened.
	KindTradingLocked ErrorKind = "TRADING_LOCKED"
	// KindInsufficientBalance means the caller does not hold enough of the
	// source asset; detected inside the transaction, which is rolled back.
	KindInsufficientBalance ErrorKind = "INSUFFICIENT_BALANCE"
	// KindEmptyLiquidity means one of the pools has a zero reserve on either
	// side.
	KindEmptyLiquidity ErrorKind = "EMPTY_LIQUIDITY"
	// KindExcessiveTradeSize means the input exceeds the pool drain cap.
	KindExcessiveTradeSize ErrorKind = "EXCESSIVE_TRADE_SIZE"
	// KindOutputTooSmall means a leg produced a non-positive output.
	KindOutputTooSmall ErrorKind = "OUTPUT_TOO_SMALL"
	// KindRetryable means the transaction lost a lock conflict (deadlock or
	// serialization failure). The engine does not retry; the caller may.
	KindRetryable ErrorKind = "RETRYABLE"
	// KindInternal is an unexpected storage or infrastructure failure.
	KindInternal ErrorKind = "INTERNAL"
)

// Error is the structured failure type returned by the engine.
type Error struct {
	Kind    ErrorKind
	Message string
	// Details carries computed numbers useful to the caller, e.g. required
	// vs. available amounts on an insufficient balance failure.
	Details map[string]string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a structured engine error.
func NewError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithDetail attaches a named value to the error and returns it.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WrapError wraps a cause in a structured engine error.
func WrapError(kind ErrorKind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the error kind, or KindInternal for foreign errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
