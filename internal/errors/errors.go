// Package errors provides structured error handling for portsweep.
// It defines error codes and typed errors so callers can tell a rejected
// port specification from a failed or interrupted scan without parsing
// message strings.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents different types of errors that can occur.
type ErrorCode string

const (
	// General errors.
	CodeUnknown       ErrorCode = "UNKNOWN"
	CodeValidation    ErrorCode = "VALIDATION"
	CodeConfiguration ErrorCode = "CONFIGURATION"
	CodeTimeout       ErrorCode = "TIMEOUT"
	CodeCanceled      ErrorCode = "CANCELED"
	CodeNotFound      ErrorCode = "NOT_FOUND"
	CodeConflict      ErrorCode = "CONFLICT"

	// Scanning errors.
	CodeScanFailed        ErrorCode = "SCAN_FAILED"
	CodeTargetInvalid     ErrorCode = "TARGET_INVALID"
	CodeResourceExhausted ErrorCode = "RESOURCE_EXHAUSTED"

	// Database errors.
	CodeDatabaseConnection ErrorCode = "DATABASE_CONNECTION"
	CodeDatabaseQuery      ErrorCode = "DATABASE_QUERY"
	CodeDatabaseMigration  ErrorCode = "DATABASE_MIGRATION"
	CodeDatabaseTimeout    ErrorCode = "DATABASE_TIMEOUT"

	// Service errors.
	CodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	CodeServiceTimeout     ErrorCode = "SERVICE_TIMEOUT"
)

// coder is implemented by every typed error in this package.
type coder interface {
	error
	ErrorCode() ErrorCode
}

// ValidationError reports malformed user input such as a port specification.
type ValidationError struct {
	Field   string
	Value   string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("[%s] %s: %q", CodeValidation, e.Message, e.Value)
	}
	return fmt.Sprintf("[%s] %s", CodeValidation, e.Message)
}

// Unwrap returns the underlying error.
func (e *ValidationError) Unwrap() error {
	return e.Cause
}

// ErrorCode returns CodeValidation.
func (e *ValidationError) ErrorCode() ErrorCode {
	return CodeValidation
}

// NewValidationError creates a validation error for a field and offending value.
func NewValidationError(field, value, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// ScanError represents an error that occurred during scanning operations.
type ScanError struct {
	Code      ErrorCode
	Message   string
	Target    string
	Operation string
	Cause     error
	Context   map[string]interface{}
}

// Error implements the error interface.
func (e *ScanError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Target != "" {
		msg += fmt.Sprintf(" (target: %s)", e.Target)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error unwrapping.
func (e *ScanError) Unwrap() error {
	return e.Cause
}

// ErrorCode returns the error code.
func (e *ScanError) ErrorCode() ErrorCode {
	return e.Code
}

// WithContext adds context information to the error.
func (e *ScanError) WithContext(key string, value interface{}) *ScanError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewScanError creates a new scan error with the specified code and message.
func NewScanError(code ErrorCode, message string) *ScanError {
	return &ScanError{
		Code:    code,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// NewScanErrorWithTarget creates a scan error for a specific target.
func NewScanErrorWithTarget(code ErrorCode, message, target string) *ScanError {
	err := NewScanError(code, message)
	err.Target = target
	return err
}

// WrapScanError wraps an existing error as a scan error.
func WrapScanError(code ErrorCode, message string, err error) *ScanError {
	scanErr := NewScanError(code, message)
	scanErr.Cause = err
	return scanErr
}

// WrapScanErrorWithTarget wraps an error with target information.
func WrapScanErrorWithTarget(code ErrorCode, message, target string, err error) *ScanError {
	scanErr := WrapScanError(code, message, err)
	scanErr.Target = target
	return scanErr
}

// DatabaseError represents database-related errors.
type DatabaseError struct {
	Code      ErrorCode
	Message   string
	Operation string
	Query     string
	Cause     error
}

// Error implements the error interface.
func (e *DatabaseError) Error() string {
	if e.Operation != "" {
		return fmt.Sprintf("[%s] %s (operation: %s)", e.Code, e.Message, e.Operation)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *DatabaseError) Unwrap() error {
	return e.Cause
}

// ErrorCode returns the error code.
func (e *DatabaseError) ErrorCode() ErrorCode {
	return e.Code
}

// WithQuery adds the SQL query that caused the error.
func (e *DatabaseError) WithQuery(query string) *DatabaseError {
	e.Query = query
	return e
}

// WithOperation records the repository operation that failed.
func (e *DatabaseError) WithOperation(op string) *DatabaseError {
	e.Operation = op
	return e
}

// NewDatabaseError creates a new database error.
func NewDatabaseError(code ErrorCode, message string) *DatabaseError {
	return &DatabaseError{
		Code:    code,
		Message: message,
	}
}

// WrapDatabaseError wraps an existing error as a database error.
func WrapDatabaseError(code ErrorCode, message string, err error) *DatabaseError {
	return &DatabaseError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// ConfigError represents configuration-related errors.
type ConfigError struct {
	Code    ErrorCode
	Message string
	Field   string
	Value   interface{}
	Cause   error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("[%s] %s (field: %s)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// ErrorCode returns the error code.
func (e *ConfigError) ErrorCode() ErrorCode {
	return e.Code
}

// NewConfigFieldError creates a configuration error for a specific field.
func NewConfigFieldError(code ErrorCode, message, field string, value interface{}) *ConfigError {
	return &ConfigError{
		Code:    code,
		Message: message,
		Field:   field,
		Value:   value,
	}
}

// WrapConfigError wraps an existing error as a configuration error.
func WrapConfigError(code ErrorCode, message string, err error) *ConfigError {
	return &ConfigError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Utility functions for common error operations

// GetCode extracts the error code from the first typed error in the chain.
func GetCode(err error) ErrorCode {
	var c coder
	if errors.As(err, &c) {
		return c.ErrorCode()
	}
	return CodeUnknown
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && GetCode(err) == code
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsRetryable determines if an error indicates a retryable condition.
func IsRetryable(err error) bool {
	switch GetCode(err) {
	case CodeTimeout, CodeServiceTimeout, CodeDatabaseTimeout, CodeResourceExhausted:
		return true
	default:
		return false
	}
}

// IsFatal determines if an error indicates a fatal condition that should stop execution.
func IsFatal(err error) bool {
	switch GetCode(err) {
	case CodeConfiguration, CodeDatabaseMigration, CodeScanFailed:
		return true
	default:
		return false
	}
}

// Common error creation functions

// ErrInvalidPortSpec creates a validation error for a rejected port specification.
func ErrInvalidPortSpec(value, message string) *ValidationError {
	return NewValidationError("ports", value, message)
}

// ErrInvalidTarget creates an error for invalid scan targets.
func ErrInvalidTarget(target string, cause error) *ScanError {
	return WrapScanErrorWithTarget(CodeTargetInvalid, "invalid target specification", target, cause)
}

// ErrScanCanceled marks a scan that stopped before every port was probed.
func ErrScanCanceled(target string, scanned, total int) *ScanError {
	return NewScanErrorWithTarget(CodeCanceled, "scan canceled before completion", target).
		WithContext("scanned", scanned).
		WithContext("total", total)
}

// ErrEngineFailure wraps an unexpected fault in the scan engine itself.
func ErrEngineFailure(target string, cause error) *ScanError {
	return WrapScanErrorWithTarget(CodeScanFailed, "scan engine failure", target, cause)
}

// ErrNotFound creates an error for a missing resource.
func ErrNotFound(resource, id string) *ScanError {
	return NewScanError(CodeNotFound, fmt.Sprintf("%s not found: %s", resource, id))
}

// ErrDatabaseConnection creates an error for database connection failures.
func ErrDatabaseConnection(err error) *DatabaseError {
	return WrapDatabaseError(CodeDatabaseConnection, "failed to connect to database", err)
}

// ErrDatabaseQuery creates an error for database query failures.
func ErrDatabaseQuery(query string, err error) *DatabaseError {
	return WrapDatabaseError(CodeDatabaseQuery, "database query failed", err).WithQuery(query)
}

// ErrConfigInvalid creates an error for invalid configuration.
func ErrConfigInvalid(field string, value interface{}) *ConfigError {
	return NewConfigFieldError(CodeValidation, "invalid configuration value", field, value)
}

// ErrConfigMissing creates an error for missing required configuration.
func ErrConfigMissing(field string) *ConfigError {
	return NewConfigFieldError(CodeConfiguration, "required configuration field missing", field, nil)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// New returns a plain error with the given text.
func New(text string) error {
	return errors.New(text)
}
