package errors

import (
	"errors"
	"fmt"
)

// ErrorType defines the categories of errors surfaced by the repository layer.
type ErrorType string

const (
	// ErrorTypeNotFound marks a single-item read miss (404-equivalent).
	ErrorTypeNotFound ErrorType = "NOT_FOUND"
	// ErrorTypeTransport marks store-level connectivity or throttling failures (500-equivalent).
	ErrorTypeTransport ErrorType = "TRANSPORT"
	// ErrorTypeConflict marks a conditional-check failure. It is consumed internally
	// by the optimistic-lock retry loop and never reaches callers directly.
	ErrorTypeConflict ErrorType = "CONFLICT"
	// ErrorTypeLockExhausted marks an optimistic-lock retry bound overrun.
	ErrorTypeLockExhausted ErrorType = "LOCK_EXHAUSTED"
	// ErrorTypeIllegalQuery marks a filter/order combination the store cannot express,
	// rejected before any store call (client error).
	ErrorTypeIllegalQuery ErrorType = "ILLEGAL_QUERY"
	// ErrorTypeValidation marks malformed request input.
	ErrorTypeValidation ErrorType = "VALIDATION"
	// ErrorTypeInternal marks everything else.
	ErrorTypeInternal ErrorType = "INTERNAL"
)

// RepoError is the error type used across the repository layer.
type RepoError struct {
	Type    ErrorType
	Message string
	Err     error
}

// Error implements the error interface.
func (e *RepoError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap allows errors.Is and errors.As to work.
func (e *RepoError) Unwrap() error {
	return e.Err
}

// NewNotFound creates a not found error.
func NewNotFound(message string) error {
	return &RepoError{Type: ErrorTypeNotFound, Message: message}
}

// NewTransport creates a transport error wrapping the store SDK error.
func NewTransport(message string, err error) error {
	return &RepoError{Type: ErrorTypeTransport, Message: message, Err: err}
}

// NewConflict creates a conditional-check-failed error.
func NewConflict(message string, err error) error {
	return &RepoError{Type: ErrorTypeConflict, Message: message, Err: err}
}

// NewLockExhausted creates an optimistic-lock-exhausted error.
func NewLockExhausted(message string) error {
	return &RepoError{Type: ErrorTypeLockExhausted, Message: message}
}

// NewIllegalQuery creates an illegal-query-shape error.
func NewIllegalQuery(message string) error {
	return &RepoError{Type: ErrorTypeIllegalQuery, Message: message}
}

// NewValidation creates a validation error.
func NewValidation(message string) error {
	return &RepoError{Type: ErrorTypeValidation, Message: message}
}

// NewInternal creates an internal error.
func NewInternal(message string, err error) error {
	return &RepoError{Type: ErrorTypeInternal, Message: message, Err: err}
}

// Wrap wraps an error with additional context, preserving the type of an
// existing RepoError.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	var re *RepoError
	if errors.As(err, &re) {
		return &RepoError{
			Type:    re.Type,
			Message: fmt.Sprintf("%s: %s", message, re.Message),
			Err:     re.Err,
		}
	}
	return &RepoError{Type: ErrorTypeInternal, Message: message, Err: err}
}

func isType(err error, t ErrorType) bool {
	var re *RepoError
	return errors.As(err, &re) && re.Type == t
}

// IsNotFound checks if an error is a not found error.
func IsNotFound(err error) bool { return isType(err, ErrorTypeNotFound) }

// IsTransport checks if an error is a transport error.
func IsTransport(err error) bool { return isType(err, ErrorTypeTransport) }

// IsConflict checks if an error is a conditional-check-failed error.
func IsConflict(err error) bool { return isType(err, ErrorTypeConflict) }

// IsLockExhausted checks if an error is an optimistic-lock-exhausted error.
func IsLockExhausted(err error) bool { return isType(err, ErrorTypeLockExhausted) }

// IsIllegalQuery checks if an error is an illegal-query-shape error.
func IsIllegalQuery(err error) bool { return isType(err, ErrorTypeIllegalQuery) }

// IsValidation checks if an error is a validation error.
func IsValidation(err error) bool { return isType(err, ErrorTypeValidation) }
