package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of a convergence failure.
type ErrorClass string

const (
	// ErrorClassValidation indicates invalid input detected before any
	// resource was touched. Examples: duplicate identifiers, a provider
	// missing a required configuration key.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassResource indicates a handler failed to converge a resource
	// or to perform a notified action.
	ErrorClassResource ErrorClass = "resource"

	// ErrorClassExec indicates an external command failed, timed out or
	// could not be started.
	ErrorClassExec ErrorClass = "exec"
)

// Common error codes.
const (
	ErrCodeMissingConfigKey   = "MISSING_CONFIG_KEY"
	ErrCodeInvalidConfig      = "INVALID_CONFIG"
	ErrCodeDuplicateResource  = "DUPLICATE_RESOURCE"
	ErrCodeUnknownResource    = "UNKNOWN_RESOURCE"
	ErrCodeUnknownProvider    = "UNKNOWN_PROVIDER"
	ErrCodeNoHandler          = "NO_HANDLER"
	ErrCodeResourceFailed     = "RESOURCE_FAILED"
	ErrCodeNotificationFailed = "NOTIFICATION_FAILED"
	ErrCodeExecFailed         = "EXEC_FAILED"
	ErrCodeExecTimeout        = "EXEC_TIMEOUT"
	ErrCodeExecNonZeroExit    = "EXEC_NONZERO_EXIT"
	ErrCodePolicyDenied       = "POLICY_DENIED"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the resource ID that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Key is the configuration key involved, for MISSING_CONFIG_KEY.
	Key string `json:"key,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Resource != "" {
		msg += fmt.Sprintf(" (resource=%s)", e.Resource)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is. A target without a
// code matches any error of the same class; a target with a key also
// requires the key to match.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	if e.Class != t.Class {
		return false
	}
	if t.Code != "" && e.Code != t.Code {
		return false
	}
	return t.Key == "" || e.Key == t.Key
}

// NewValidationError creates a new validation error.
func NewValidationError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassValidation,
		Message: message,
		Err:     err,
	}
}

// NewResourceError creates a new resource error.
func NewResourceError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassResource,
		Code:    ErrCodeResourceFailed,
		Message: message,
		Err:     err,
	}
}

// NewExecError creates a new exec error.
func NewExecError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassExec,
		Code:    ErrCodeExecFailed,
		Message: message,
		Err:     err,
	}
}

// MissingConfigKey returns the validation error raised when a provider
// setting is absent or empty.
func MissingConfigKey(key string) *EngineError {
	return &EngineError{
		Class:   ErrorClassValidation,
		Code:    ErrCodeMissingConfigKey,
		Message: fmt.Sprintf("required configuration key %q was not set", key),
		Key:     key,
	}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsValidation returns true if the error is classified as a validation error.
func IsValidation(err error) bool {
	return classOf(err) == ErrorClassValidation
}

// IsResource returns true if the error is classified as a resource error.
func IsResource(err error) bool {
	return classOf(err) == ErrorClassResource
}

// IsExec returns true if the error is classified as an exec error.
func IsExec(err error) bool {
	return classOf(err) == ErrorClassExec
}

// IsMissingConfigKey reports whether err is a MISSING_CONFIG_KEY error for key.
// An empty key matches any missing key.
func IsMissingConfigKey(err error, key string) bool {
	var e *EngineError
	if !errors.As(err, &e) {
		return false
	}
	return e.Code == ErrCodeMissingConfigKey && (key == "" || e.Key == key)
}

// Class returns the error class of err, or "" if err is not an EngineError.
func Class(err error) ErrorClass {
	return classOf(err)
}

func classOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}
