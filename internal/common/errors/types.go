package errors

import (
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorType represents the type of error
type ErrorType string

const (
	// ErrTypeConnection represents connection-related errors
	ErrTypeConnection ErrorType = "connection"
	// ErrTypeValidation represents validation errors
	ErrTypeValidation ErrorType = "validation"
	// ErrTypeConfig represents configuration errors
	ErrTypeConfig ErrorType = "config"
	// ErrTypeNotFound represents resource not found errors
	ErrTypeNotFound ErrorType = "not_found"
	// ErrTypeInternal represents internal system errors
	ErrTypeInternal ErrorType = "internal"
	// ErrTypeTimeout represents timeout errors
	ErrTypeTimeout ErrorType = "timeout"
	// ErrTypeDefinition represents errors in user-authored pipeline definitions
	ErrTypeDefinition ErrorType = "definition"
	// ErrTypeConflict represents two definitions claiming the same pipeline name
	ErrTypeConflict ErrorType = "conflict"
	// ErrTypeBackend represents failures reported by the CI backend or the SCM
	ErrTypeBackend ErrorType = "backend"
)

// ErrConfigElementNotFound is returned when a named element is missing from the CI config
var ErrConfigElementNotFound = stderrors.New("config element not found")

// AppError represents a structured application error
type AppError struct {
	Type    ErrorType              `json:"type"`
	Message string                 `json:"message"`
	Code    string                 `json:"code,omitempty"`
	Cause   error                  `json:"-"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	parts := []string{string(e.Type), e.Message}

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("code=%s", e.Code))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause=%v", e.Cause))
	}

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		contextParts := make([]string, 0, len(keys))
		for _, k := range keys {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", k, e.Context[k]))
		}
		parts = append(parts, fmt.Sprintf("context={%s}", strings.Join(contextParts, ", ")))
	}

	return strings.Join(parts, ": ")
}

// Unwrap returns the underlying cause
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithCode adds an error code
func (e *AppError) WithCode(code string) *AppError {
	e.Code = code
	return e
}

// ConnectionError creates a new connection error
func ConnectionError(msg string, cause error) *AppError {
	return &AppError{Type: ErrTypeConnection, Message: msg, Cause: cause}
}

// ValidationError creates a new validation error
func ValidationError(msg string) *AppError {
	return &AppError{Type: ErrTypeValidation, Message: msg}
}

// ConfigError creates a new configuration error
func ConfigError(msg string) *AppError {
	return &AppError{Type: ErrTypeConfig, Message: msg}
}

// NotFoundError creates a new not found error
func NotFoundError(resource string) *AppError {
	return &AppError{
		Type:    ErrTypeNotFound,
		Message: fmt.Sprintf("%s not found", resource),
	}
}

// ConfigElementNotFound reports a missing CI config element; it matches ErrConfigElementNotFound
func ConfigElementNotFound(kind, name string) *AppError {
	return &AppError{
		Type:    ErrTypeNotFound,
		Message: fmt.Sprintf("%s %q not found", kind, name),
		Cause:   ErrConfigElementNotFound,
	}
}

// InternalError creates a new internal error
func InternalError(msg string, cause error) *AppError {
	return &AppError{Type: ErrTypeInternal, Message: msg, Cause: cause}
}

// TimeoutError creates a new timeout error
func TimeoutError(operation string) *AppError {
	return &AppError{
		Type:    ErrTypeTimeout,
		Message: fmt.Sprintf("timeout during %s", operation),
	}
}

// DefinitionError creates an error about a user-authored pipeline definition
func DefinitionError(msg string) *AppError {
	return &AppError{Type: ErrTypeDefinition, Message: msg}
}

// DefinitionErrorf is DefinitionError with formatting
func DefinitionErrorf(format string, args ...interface{}) *AppError {
	return DefinitionError(fmt.Sprintf(format, args...))
}

// ConflictError creates an error for a duplicate pipeline name
func ConflictError(msg string) *AppError {
	return &AppError{Type: ErrTypeConflict, Message: msg}
}

// BackendError wraps a failure reported by a CI backend or SCM
func BackendError(msg string, cause error) *AppError {
	return &AppError{Type: ErrTypeBackend, Message: msg, Cause: cause}
}

// IsType checks if an error, or any error it wraps, is an AppError of the given type
func IsType(err error, errType ErrorType) bool {
	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		return false
	}
	return appErr.Type == errType
}

// GetType returns the error type if it's an AppError, otherwise returns ErrTypeInternal
func GetType(err error) ErrorType {
	if err == nil {
		return ""
	}

	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		return ErrTypeInternal
	}

	return appErr.Type
}

// IsUserFacing reports whether err may be shown to repository owners.
// Internal errors (recovered panics, template programming errors, plain unwrapped errors)
// and gaps in the operator's CI config stay in operator logs.
func IsUserFacing(err error) bool {
	if err == nil || stderrors.Is(err, ErrConfigElementNotFound) {
		return false
	}
	return GetType(err) != ErrTypeInternal
}

// Message returns the bare message of the outermost AppError, or err.Error() otherwise
func Message(err error) string {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Message
	}
	return err.Error()
}
