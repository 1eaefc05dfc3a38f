package errors

import (
	"errors"
	"fmt"
)

var (
	// Transaction errors
	ErrTransactionNotFound     = errors.New("transaction not found")
	ErrInvalidPaymentMethod    = errors.New("invalid payment method")
	ErrInvalidAmount           = errors.New("invalid amount")
	ErrInvalidStateTransition  = errors.New("invalid state transition")
	ErrTransactionResolved     = errors.New("transaction already resolved")
	ErrBridgeRequiresTerminal  = errors.New("terminal bridge transactions are settled by the terminal")
	ErrNotBridgeTransaction    = errors.New("transaction is not routed through a terminal agent")
	ErrOptimisticLockFailed    = errors.New("optimistic lock conflict")
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// Agent errors
	ErrAgentNotFound   = errors.New("agent not found")
	ErrNoAgentOnline   = errors.New("no terminal agent online")
	ErrCommandNotFound = errors.New("command not found")
	ErrCommandNotOwned = errors.New("command belongs to another agent")
	ErrCommandPending  = errors.New("transaction already has an outstanding terminal command")

	// Lock errors
	ErrLockAcquisitionFailed = errors.New("failed to acquire lock")

	// Auth errors
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")

	// Validation errors
	ErrValidationFailed = errors.New("validation failed")
	ErrInvalidInput     = errors.New("invalid input")
)

// DomainError wraps errors with additional context
type DomainError struct {
	Code    string
	Message string
	Err     error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewDomainError creates a new domain error
func NewDomainError(code, message string, err error) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for field %s: %s", e.Field, e.Message)
}

// Unwrap lets callers match any validation failure with errors.Is(err, ErrValidationFailed).
func (e *ValidationError) Unwrap() error {
	return ErrValidationFailed
}

// NewValidationError creates a new validation error
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}
