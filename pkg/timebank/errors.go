package timebank

import (
	"errors"
	"fmt"
)

// Base error values. Every error returned by the service matches exactly one
// of these through errors.Is, which is how KindOf classifies it.
var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrNotFound          = errors.New("not found")
	ErrInvalidState      = errors.New("invalid state")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrConflict          = errors.New("conflict")
)

// Domain-level error values returned by the booking service and its stores.
var (
	ErrUnknownWallet  = fmt.Errorf("unknown wallet: %w", ErrNotFound)
	ErrUnknownBooking = fmt.Errorf("unknown booking: %w", ErrNotFound)
	ErrUnknownEscrow  = fmt.Errorf("unknown escrow entry: %w", ErrNotFound)

	ErrBookingNotPending  = fmt.Errorf("booking is not pending: %w", ErrInvalidState)
	ErrBookingNotAccepted = fmt.Errorf("booking is not accepted: %w", ErrInvalidState)
	ErrEscrowNotHeld      = fmt.Errorf("escrow entry is not on hold: %w", ErrInvalidState)

	ErrNotBookingClient   = fmt.Errorf("caller is not the booking client: %w", ErrUnauthorized)
	ErrNotBookingProvider = fmt.Errorf("caller is not the booking provider: %w", ErrUnauthorized)

	ErrStaleWallet        = fmt.Errorf("wallet changed concurrently: %w", ErrConflict)
	ErrStaleBooking       = fmt.Errorf("booking changed concurrently: %w", ErrConflict)
	ErrDuplicateReference = fmt.Errorf("duplicate transaction reference: %w", ErrConflict)
	ErrDuplicateWallet    = fmt.Errorf("wallet already exists: %w", ErrConflict)

	ErrInvalidUserID          = fmt.Errorf("%w: user id", ErrInvalidInput)
	ErrInvalidBookingID       = fmt.Errorf("%w: booking id", ErrInvalidInput)
	ErrInvalidListingID       = fmt.Errorf("%w: listing id", ErrInvalidInput)
	ErrInvalidEscrowID        = fmt.Errorf("%w: escrow id", ErrInvalidInput)
	ErrInvalidEntryID         = fmt.Errorf("%w: entry id", ErrInvalidInput)
	ErrInvalidReference       = fmt.Errorf("%w: transaction reference", ErrInvalidInput)
	ErrInvalidAmount          = fmt.Errorf("%w: amount", ErrInvalidInput)
	ErrInvalidTimeSlot        = fmt.Errorf("%w: time slot", ErrInvalidInput)
	ErrSelfBooking            = fmt.Errorf("%w: client and provider must differ", ErrInvalidInput)
	ErrInvalidBookingState    = fmt.Errorf("%w: booking state", ErrInvalidInput)
	ErrInvalidEscrowStatus    = fmt.Errorf("%w: escrow status", ErrInvalidInput)
	ErrInvalidTransactionType = fmt.Errorf("%w: transaction type", ErrInvalidInput)
	ErrInvalidMetadataJSON    = fmt.Errorf("%w: metadata json", ErrInvalidInput)
	ErrInvalidServiceConfig   = fmt.Errorf("%w: service config", ErrInvalidInput)
)

// ErrorKind is the closed classification of failures surfaced to callers.
type ErrorKind string

const (
	KindInternal          ErrorKind = "internal"
	KindInvalidInput      ErrorKind = "invalid_input"
	KindNotFound          ErrorKind = "not_found"
	KindInvalidState      ErrorKind = "invalid_state"
	KindInsufficientFunds ErrorKind = "insufficient_funds"
	KindUnauthorized      ErrorKind = "unauthorized"
	KindConflict          ErrorKind = "conflict"
)

// String returns the stable kind code.
func (kind ErrorKind) String() string {
	return string(kind)
}

// Retryable reports whether repeating the whole command is safe and may succeed.
func (kind ErrorKind) Retryable() bool {
	return kind == KindConflict
}

// KindOf classifies err. Nil errors and unclassified failures map to KindInternal.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindInternal
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidState):
		return KindInvalidState
	case errors.Is(err, ErrInsufficientFunds):
		return KindInsufficientFunds
	case errors.Is(err, ErrUnauthorized):
		return KindUnauthorized
	case errors.Is(err, ErrInvalidInput):
		return KindInvalidInput
	default:
		return KindInternal
	}
}

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
