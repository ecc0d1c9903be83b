package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorType defines different categories of errors
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "VALIDATION"
	ErrorTypeNotFound   ErrorType = "NOT_FOUND"
	ErrorTypeInternal   ErrorType = "INTERNAL"

	// ErrorTypeRepeatable marks a transient failure that is safe to retry as a whole.
	ErrorTypeRepeatable ErrorType = "REPEATABLE"
	// ErrorTypeConflict marks an optimistic concurrency conflict that was not resolved.
	ErrorTypeConflict ErrorType = "CONFLICT"
	// ErrorTypeUnavailable marks a store or dependency that is momentarily unreachable.
	ErrorTypeUnavailable ErrorType = "UNAVAILABLE"
)

// AppError is the custom error type for the application
type AppError struct {
	Type      ErrorType
	Message   string
	Operation string
	Err       error
}

// Error implements the error interface
func (e *AppError) Error() string {
	msg := e.Message
	if e.Operation != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Operation)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, msg)
}

// Unwrap allows errors.Is and errors.As to work
func (e *AppError) Unwrap() error {
	return e.Err
}

// Constructor functions for different error types

// NewValidation creates a validation error
func NewValidation(message string) error {
	return &AppError{
		Type:    ErrorTypeValidation,
		Message: message,
	}
}

// NewNotFound creates a not found error
func NewNotFound(message string) error {
	return &AppError{
		Type:    ErrorTypeNotFound,
		Message: message,
	}
}

// NewInternal creates an internal error
func NewInternal(message string, err error) error {
	return &AppError{
		Type:    ErrorTypeInternal,
		Message: message,
		Err:     err,
	}
}

// NewRepeatable wraps a transient failure so that retry loops recognise it.
// operation identifies the unit or method that failed and is kept for diagnostics.
func NewRepeatable(operation string, err error) error {
	return &AppError{
		Type:      ErrorTypeRepeatable,
		Message:   "repeatable operation failed",
		Operation: operation,
		Err:       err,
	}
}

// NewConflict creates a concurrency conflict error
func NewConflict(message string, err error) error {
	return &AppError{
		Type:    ErrorTypeConflict,
		Message: message,
		Err:     err,
	}
}

// NewUnavailable creates an error for a dependency that is temporarily unreachable
func NewUnavailable(message string, err error) error {
	return &AppError{
		Type:    ErrorTypeUnavailable,
		Message: message,
		Err:     err,
	}
}

// Wrap wraps an error with additional context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}

	// If it's already an AppError, preserve the type
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Type:      appErr.Type,
			Message:   fmt.Sprintf("%s: %s", message, appErr.Message),
			Operation: appErr.Operation,
			Err:       appErr.Err,
		}
	}

	// Otherwise, create an internal error
	return &AppError{
		Type:    ErrorTypeInternal,
		Message: message,
		Err:     err,
	}
}

// Type checking functions

// TypeOf returns the type of the outermost AppError in the chain, or "" when there is none.
func TypeOf(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ""
}

// IsValidation checks if an error is a validation error
func IsValidation(err error) bool {
	return TypeOf(err) == ErrorTypeValidation
}

// IsNotFound checks if an error is a not found error
func IsNotFound(err error) bool {
	return TypeOf(err) == ErrorTypeNotFound
}

// IsInternal checks if an error is an internal error
func IsInternal(err error) bool {
	return TypeOf(err) == ErrorTypeInternal
}

// IsRepeatable checks if an error was marked as a repeatable operation
func IsRepeatable(err error) bool {
	return TypeOf(err) == ErrorTypeRepeatable
}

// IsConflict checks if an error is an unresolved concurrency conflict
func IsConflict(err error) bool {
	return TypeOf(err) == ErrorTypeConflict
}

// IsUnavailable checks if an error is an unavailable-dependency error
func IsUnavailable(err error) bool {
	return TypeOf(err) == ErrorTypeUnavailable
}

// IsTransient is the store-agnostic transient predicate. Backends supply their
// own and combine them with this one through AnyTransient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	switch TypeOf(err) {
	case ErrorTypeUnavailable, ErrorTypeRepeatable:
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

// AnyTransient combines transient predicates; the result reports true when any of them does.
func AnyTransient(preds ...func(error) bool) func(error) bool {
	return func(err error) bool {
		if err == nil {
			return false
		}
		for _, p := range preds {
			if p != nil && p(err) {
				return true
			}
		}
		return false
	}
}

// UnwrapSingle unwraps a compound error (one implementing Unwrap() []error, such as
// the result of errors.Join) when it carries exactly one cause. Compound errors with
// several causes, and ordinary errors, are returned unchanged.
func UnwrapSingle(err error) error {
	for {
		multi, ok := err.(interface{ Unwrap() []error })
		if !ok {
			return err
		}
		causes := multi.Unwrap()
		if len(causes) != 1 {
			return err
		}
		err = causes[0]
	}
}

// IsCompound reports whether err aggregates more than one cause.
func IsCompound(err error) bool {
	multi, ok := err.(interface{ Unwrap() []error })
	return ok && len(multi.Unwrap()) > 1
}
