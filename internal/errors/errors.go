package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

/**
 * Custom error types for the OCR API
 *
 * Every failure that crosses the API boundary is a *ProcessingError so the
 * handlers can map it to a status code and a stable error payload.
 */

// ErrorCode enum for structured error handling
type ErrorCode string

const (
	// Upload errors
	ErrorInvalidUpload     ErrorCode = "INVALID_UPLOAD"
	ErrorInvalidParameters ErrorCode = "INVALID_PARAMETERS"

	// OCR pipeline errors
	ErrorEngineExecution          ErrorCode = "ENGINE_EXECUTION_FAILED"
	ErrorRasterizationUnavailable ErrorCode = "RASTERIZATION_UNAVAILABLE"
	ErrorRasterizationFailed      ErrorCode = "RASTERIZATION_FAILED"
	ErrorProcessingTimeout        ErrorCode = "PROCESSING_TIMEOUT"

	// LLM errors
	ErrorLLMUnreachable ErrorCode = "LLM_UNREACHABLE"
	ErrorLLMBadResponse ErrorCode = "LLM_BAD_RESPONSE"
	ErrorLLMHTTP        ErrorCode = "LLM_HTTP_ERROR"
)

// ProcessingError represents a structured processing error
type ProcessingError struct {
	Code      ErrorCode
	Message   string
	RequestID string
	Timestamp time.Time
	Details   map[string]interface{}
	Cause     error
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

// WithRequestID tags the error with the request that produced it
func (e *ProcessingError) WithRequestID(requestID string) *ProcessingError {
	e.RequestID = requestID
	return e
}

// Factory functions for common errors

func NewInvalidUploadError(kind string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorInvalidUpload,
		Message:   fmt.Sprintf("Invalid %s", kind),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"upload_kind": kind,
		},
		Cause: cause,
	}
}

func NewInvalidParametersError(field string, reason string) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorInvalidParameters,
		Message:   fmt.Sprintf("Invalid parameter %s: %s", field, reason),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"field": field,
		},
	}
}

func NewEngineExecutionError(engine string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorEngineExecution,
		Message:   fmt.Sprintf("OCR engine %s failed", engine),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"engine": engine,
		},
		Cause: cause,
	}
}

func NewRasterizationUnavailableError(tool string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorRasterizationUnavailable,
		Message:   fmt.Sprintf("PDF rasterization unavailable: %s not found (install poppler-utils or set PDFTOPPM_PATH)", tool),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"tool": tool,
		},
		Cause: cause,
	}
}

func NewRasterizationFailedError(cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorRasterizationFailed,
		Message:   "PDF rasterization failed",
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewProcessingTimeoutError(duration time.Duration, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorProcessingTimeout,
		Message:   fmt.Sprintf("Processing timed out after %v", duration),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"timeout_duration": duration.String(),
		},
		Cause: cause,
	}
}

func NewLLMUnreachableError(endpoint string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorLLMUnreachable,
		Message:   fmt.Sprintf("LLM endpoint unreachable: %s", endpoint),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"endpoint": endpoint,
		},
		Cause: cause,
	}
}

func NewLLMBadResponseError(reply string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorLLMBadResponse,
		Message:   "LLM reply is not valid JSON",
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"reply_length": len(reply),
		},
		Cause: cause,
	}
}

func NewLLMHTTPError(statusCode int, body string) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorLLMHTTP,
		Message:   fmt.Sprintf("LLM endpoint returned status %d: %s", statusCode, body),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"status_code": statusCode,
		},
	}
}

// CodeOf returns the code of the first ProcessingError in err's chain, or ""
func CodeOf(err error) ErrorCode {
	var pe *ProcessingError
	if stderrors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// IsCode reports whether err carries the given code
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// ToMap converts error to map for structured logging
func (e *ProcessingError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_code": string(e.Code),
		"message":    e.Message,
		"timestamp":  e.Timestamp,
	}

	if e.RequestID != "" {
		result["request_id"] = e.RequestID
	}

	for k, v := range e.Details {
		result[k] = v
	}

	if e.Cause != nil {
		result["cause"] = e.Cause.Error()
	}

	return result
}
