package errors

import (
	"fmt"
)

// FactoryError is the structured error type for the DataFactory service.
// It provides rich context for error handling, logging, and API responses.
type FactoryError struct {
	// Code is the unique error code (e.g., "ERR_402_DOC_NOT_FOUND").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (Config, Storage, Dependency, ...).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool
}

// Error implements the error interface.
func (e *FactoryError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *FactoryError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error by code.
// This enables errors.Is() to work with FactoryError.
func (e *FactoryError) Is(target error) bool {
	if t, ok := target.(*FactoryError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
// Returns the error for method chaining.
func (e *FactoryError) WithDetail(key, value string) *FactoryError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// New creates a new FactoryError with the given code and message.
// Category, severity, and retryable flag are derived from the code.
func New(code string, message string, cause error) *FactoryError {
	return &FactoryError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap creates a FactoryError from an existing error.
// The error's message becomes the FactoryError message.
func Wrap(code string, err error) *FactoryError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// ConfigError creates a configuration-related error.
func ConfigError(message string, cause error) *FactoryError {
	return New(ErrCodeConfigInvalid, message, cause)
}

// ValidationError creates a validation-related error.
func ValidationError(message string, cause error) *FactoryError {
	return New(ErrCodeInvalidInput, message, cause)
}

// NotFoundError creates a not-found error for the given entity kind.
func NotFoundError(code string, message string) *FactoryError {
	return New(code, message, nil)
}

// DependencyError creates an error for a failed external collaborator.
// Dependency errors are typically retryable.
func DependencyError(code string, message string, cause error) *FactoryError {
	return New(code, message, cause)
}

// InternalError creates an internal error.
func InternalError(message string, cause error) *FactoryError {
	return New(ErrCodeInternal, message, cause)
}

// IsRetryable checks if an error is retryable.
// Returns true if the error is a FactoryError with Retryable flag set.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if fe, ok := err.(*FactoryError); ok {
		return fe.Retryable
	}
	return false
}

// IsFatal checks if an error has fatal severity.
// Fatal errors should abort the current operation.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if fe, ok := err.(*FactoryError); ok {
		return fe.Severity == SeverityFatal
	}
	return false
}

// GetCode extracts the error code from a FactoryError.
// Returns empty string if not a FactoryError.
func GetCode(err error) string {
	if fe, ok := err.(*FactoryError); ok {
		return fe.Code
	}
	return ""
}

// GetCategory extracts the category from a FactoryError.
// Returns CategoryInternal if not a FactoryError.
func GetCategory(err error) Category {
	if fe, ok := err.(*FactoryError); ok {
		return fe.Category
	}
	return CategoryInternal
}
