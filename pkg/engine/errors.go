package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error.
type ErrorClass string

const (
	// ErrorClassTransient indicates a failure that may succeed on a later run.
	// Examples: the run was cancelled, a subscriber timed out.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassPermanent indicates a failure that a rerun will not fix.
	// Examples: a dependency cycle, a missing provider, missing privileges.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is the error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the "type::name" of the resource that caused the error.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Resource != "" && e.Operation != "" {
		msg = fmt.Sprintf("%s (resource=%s, operation=%s)", msg, e.Resource, e.Operation)
	} else if e.Resource != "" {
		msg = fmt.Sprintf("%s (resource=%s)", msg, e.Resource)
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

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
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

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// ErrorCode returns the code of the first EngineError in the chain, or "".
func ErrorCode(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsConstructionError reports whether the resource graph could not be built.
// Policy denials are reported as construction errors too: both stop the run
// before any resource is touched.
func IsConstructionError(err error) bool {
	switch ErrorCode(err) {
	case ErrCodeDuplicateResource, ErrCodeDanglingReference, ErrCodeCycle,
		ErrCodeManifestFailed, ErrCodeBindingFailed, ErrCodePolicyDenied:
		return true
	}
	return false
}

// IsResolutionError reports whether planning failed to resolve a resource
// or its provider.
func IsResolutionError(err error) bool {
	switch ErrorCode(err) {
	case ErrCodeUnresolvedResource, ErrCodeNoProvider:
		return true
	}
	return false
}

// IsPrivilegeError reports whether the run required an elevated process.
func IsPrivilegeError(err error) bool {
	return ErrorCode(err) == ErrCodePermissionDenied
}

// Error codes.
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeInternal           = "INTERNAL_ERROR"
	ErrCodeCancelled          = "CANCELLED"
	ErrCodeFacts              = "FACTS_FAILED"
	ErrCodeCatalogFailed      = "CATALOG_FAILED"
	ErrCodeManifestFailed     = "MANIFEST_FAILED"
	ErrCodeBindingFailed      = "BINDING_FAILED"
	ErrCodeDuplicateResource  = "DUPLICATE_RESOURCE"
	ErrCodeDanglingReference  = "DANGLING_REFERENCE"
	ErrCodeCycle              = "CYCLE_DETECTED"
	ErrCodeUnresolvedResource = "UNRESOLVED_RESOURCE"
	ErrCodeNoProvider         = "NO_PROVIDER"
	ErrCodePermissionDenied   = "PERMISSION_DENIED"
	ErrCodePolicyDenied       = "POLICY_DENIED"
	ErrCodeProviderFailed     = "PROVIDER_FAILED"
)
