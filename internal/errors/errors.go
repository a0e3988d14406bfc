package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	ErrorTypeValidation              ErrorType = "validation"
	ErrorTypeInvalidImageInput       ErrorType = "invalid_image_input"
	ErrorTypeOCRInvocationFailure    ErrorType = "ocr_invocation_failure"
	ErrorTypeOptimizerNonConvergence ErrorType = "optimizer_non_convergence"
	ErrorTypeDegenerateClustering    ErrorType = "degenerate_clustering"
	ErrorTypeCatalogMiss             ErrorType = "catalog_miss"
	ErrorTypeEmptyParetoFront        ErrorType = "empty_pareto_front"
	ErrorTypeInvalidParameterBounds  ErrorType = "invalid_parameter_bounds"
	ErrorTypeTimeout                 ErrorType = "timeout"
	ErrorTypeNotFound                ErrorType = "not_found"
	ErrorTypeInternal                ErrorType = "internal"
)

// Process exit codes for batch commands
const (
	ExitOK       = 0
	ExitFatal    = 1
	ExitWarnings = 2
)

// AppError represents a structured application error
type AppError struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	Details    string    `json:"details,omitempty"`
	StatusCode int       `json:"status_code"`
	Cause      error     `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithDetails returns a copy of the error carrying extra detail text
func (e *AppError) WithDetails(details string) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

// NewValidationError creates a new validation error
func NewValidationError(message string, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Message:    message,
		StatusCode: http.StatusBadRequest,
		Cause:      cause,
	}
}

// NewInvalidImageInputError reports a malformed or empty image.
func NewInvalidImageInputError(message string, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeInvalidImageInput,
		Message:    message,
		StatusCode: http.StatusUnprocessableEntity,
		Cause:      cause,
	}
}

// NewOCRInvocationError reports a failed or timed out OCR call.
func NewOCRInvocationError(message string, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeOCRInvocationFailure,
		Message:    message,
		StatusCode: http.StatusBadGateway,
		Cause:      cause,
	}
}

// NewOptimizerNonConvergenceError describes an exhausted patience counter.
// It is only ever attached to results as a warning.
func NewOptimizerNonConvergenceError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeOptimizerNonConvergence,
		Message:    message,
		StatusCode: http.StatusOK,
	}
}

// NewDegenerateClusteringError describes a clustering run that fell back to k=1.
func NewDegenerateClusteringError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeDegenerateClustering,
		Message:    message,
		StatusCode: http.StatusOK,
	}
}

// NewCatalogMissError describes a selection that fell back to the default entry.
func NewCatalogMissError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeCatalogMiss,
		Message:    message,
		StatusCode: http.StatusOK,
	}
}

// NewEmptyParetoFrontError creates a fatal error for a catalog build without candidates
func NewEmptyParetoFrontError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeEmptyParetoFront,
		Message:    message,
		StatusCode: http.StatusUnprocessableEntity,
	}
}

// NewInvalidParameterBoundsError creates a fatal error for bad parameter bounds
func NewInvalidParameterBoundsError(message string, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeInvalidParameterBounds,
		Message:    message,
		StatusCode: http.StatusBadRequest,
		Cause:      cause,
	}
}

// NewTimeoutError creates a new timeout error
func NewTimeoutError(message string, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeTimeout,
		Message:    message,
		StatusCode: http.StatusGatewayTimeout,
		Cause:      cause,
	}
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(message string, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeNotFound,
		Message:    message,
		StatusCode: http.StatusNotFound,
		Cause:      cause,
	}
}

// NewInternalError creates a new internal error
func NewInternalError(message string, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Cause:      cause,
	}
}

// IsType checks if the error, or any error it wraps, is of a specific type
func IsType(err error, errorType ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == errorType
	}
	return false
}

// GetStatusCode extracts the HTTP status code from an error
func GetStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}
	return http.StatusInternalServerError
}

// IsFatal reports whether err must abort an offline run.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return true
	}
	switch appErr.Type {
	case ErrorTypeInvalidImageInput, ErrorTypeOCRInvocationFailure,
		ErrorTypeOptimizerNonConvergence, ErrorTypeDegenerateClustering,
		ErrorTypeCatalogMiss:
		return false
	default:
		return true
	}
}

// ExitCode maps a batch command outcome to a process exit code.
func ExitCode(err error, warnings int) int {
	if IsFatal(err) {
		return ExitFatal
	}
	if err != nil || warnings > 0 {
		return ExitWarnings
	}
	return ExitOK
}
