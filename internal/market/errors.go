package market

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes marketplace failures by how the caller must react.
type ErrorCode string

const (
	// CodeValidation: the request itself is malformed. No side effect happened.
	CodeValidation ErrorCode = "VALIDATION"

	// CodeUnavailable: the order is missing or not in a usable state.
	// No side effect happened.
	CodeUnavailable ErrorCode = "UNAVAILABLE"

	// CodePartialFailure: a protocol phase failed and every earlier phase
	// was compensated. State is as before the call.
	CodePartialFailure ErrorCode = "PARTIAL_FAILURE"

	// CodeDesync: a durable step succeeded but a later bookkeeping step
	// failed. Nothing was rolled back; the event was escalated for manual
	// reconciliation.
	CodeDesync ErrorCode = "DESYNC"
)

// Sentinel causes. Wrapped inside *Error; match with errors.Is.
var (
	ErrInvalidQuantity   = errors.New("quantity must be positive")
	ErrInvalidPrice      = errors.New("unit price must not be negative")
	ErrInvalidItem       = errors.New("item descriptor is invalid")
	ErrInvalidActor      = errors.New("actor id is required")
	ErrSelfFill          = errors.New("placer cannot fill own order")
	ErrNothingToDeliver  = errors.New("nothing to deliver")
	ErrOrderNotFound     = errors.New("order not found")
	ErrOrderNotActive    = errors.New("order is not active")
	ErrOrderExpired      = errors.New("order expired")
	ErrNotCancellable    = errors.New("order is not cancellable")
	ErrOrderStillActive  = errors.New("order is still active")
	ErrNotPlacer         = errors.New("actor is not the placer")
	ErrVaultNotEmpty     = errors.New("order vault still holds items")
	ErrEscrowOutstanding = errors.New("order still holds escrowed funds")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrTooManyOrders     = errors.New("too many active orders")
	ErrOrderChanged      = errors.New("order changed during delivery")
)

// Error is the single error type returned by marketplace operations.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Op is the operation that failed ("deliver", "cancel", ...).
	Op string

	// OrderID is the affected order, zero if none.
	OrderID int64

	// Message is a human-readable description.
	Message string

	// Err is the underlying cause.
	Err error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.OrderID != 0 {
		return fmt.Sprintf("%s %s: %s (order=%d)", e.Op, e.Code, msg, e.OrderID)
	}
	return fmt.Sprintf("%s %s: %s", e.Op, e.Code, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Validation returns a CodeValidation error.
func Validation(op string, orderID int64, cause error) *Error {
	return &Error{Code: CodeValidation, Op: op, OrderID: orderID, Err: cause}
}

// Unavailable returns a CodeUnavailable error.
func Unavailable(op string, orderID int64, cause error) *Error {
	return &Error{Code: CodeUnavailable, Op: op, OrderID: orderID, Err: cause}
}

// PartialFailure returns a CodePartialFailure error.
func PartialFailure(op string, orderID int64, message string, cause error) *Error {
	return &Error{Code: CodePartialFailure, Op: op, OrderID: orderID, Message: message, Err: cause}
}

// Desync returns a CodeDesync error.
func Desync(op string, orderID int64, message string, cause error) *Error {
	return &Error{Code: CodeDesync, Op: op, OrderID: orderID, Message: message, Err: cause}
}

// CodeOf returns the code of err, or "" if err is not an *Error.
func CodeOf(err error) ErrorCode {
	var me *Error
	if errors.As(err, &me) {
		return me.Code
	}
	return ""
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool { return CodeOf(err) == CodeValidation }

// IsUnavailable reports whether err is an unavailable error.
func IsUnavailable(err error) bool { return CodeOf(err) == CodeUnavailable }

// IsPartialFailure reports whether err is a rolled-back partial failure.
func IsPartialFailure(err error) bool { return CodeOf(err) == CodePartialFailure }

// IsDesync reports whether err is a critical desynchronization.
func IsDesync(err error) bool { return CodeOf(err) == CodeDesync }
