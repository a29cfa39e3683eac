package types

import (
	"fmt"
	"net/http"
	"time"
)

// ErrorCode categorizes client errors.
type ErrorCode string

const (
	ErrCodeUnknown           ErrorCode = "unknown"
	ErrCodeValidation        ErrorCode = "validation"
	ErrCodeAuthentication    ErrorCode = "authentication"
	ErrCodeInvalidModel      ErrorCode = "invalid_model"
	ErrCodeMessageFormat     ErrorCode = "message_format"
	ErrCodeUnsupportedFormat ErrorCode = "unsupported_format"
	ErrCodeFileSize          ErrorCode = "file_size"
	ErrCodeAudioFile         ErrorCode = "audio_file"
	ErrCodeTokenLimit        ErrorCode = "token_limit_exceeded"
	ErrCodeRateLimit         ErrorCode = "rate_limit_exceeded"
	ErrCodeTimeout           ErrorCode = "request_timeout"
	ErrCodeNetwork           ErrorCode = "network"
	ErrCodeRetryExhausted    ErrorCode = "retry_exhausted"
	ErrCodeQueueFull         ErrorCode = "queue_full"
	ErrCodeInvalidResponse   ErrorCode = "invalid_response"
	ErrCodeAPI               ErrorCode = "api"
)

// ClientError is the single error type surfaced by the kit. The Code tags
// the kind; the remaining fields carry whatever is needed to diagnose that
// kind and are zero otherwise.
type ClientError struct {
	Code       ErrorCode // Categorized error code
	Message    string    // Human-readable message
	Field      string    // Offending argument for validation errors
	Model      string    // Model id, when the error is model-specific
	FilePath   string    // Audio file path for STT input errors
	Operation  string    // What operation failed (e.g. "chat_completion")
	StatusCode int       // HTTP status code (0 if not applicable)
	RequestID  string    // Server request id if available

	// Token accounting, for ErrCodeTokenLimit.
	RequestedTokens int
	MaxTokens       int

	// Queue occupancy, for ErrCodeQueueFull.
	QueueSize    int
	MaxQueueSize int

	// WaitTime is the computed wait for ErrCodeRateLimit.
	WaitTime time.Duration

	// Headers carries the response headers of a failed HTTP call so the
	// rate limit tracker can still ingest them.
	Headers http.Header

	// OriginalErr is the wrapped cause.
	OriginalErr error
}

// Error implements the error interface.
func (e *ClientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s (status=%d, code=%s)", e.Message, e.StatusCode, e.Code)
	}
	return fmt.Sprintf("%s (code=%s)", e.Message, e.Code)
}

// Unwrap returns the original error for errors.Is/As.
func (e *ClientError) Unwrap() error {
	return e.OriginalErr
}

// IsRetryable returns true if the error is potentially recoverable with
// retry.
func (e *ClientError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeRateLimit, ErrCodeTimeout, ErrCodeNetwork:
		return true
	case ErrCodeAPI:
		return e.StatusCode >= 500
	}
	return false
}

// WithOperation sets the operation field and returns the error for chaining.
func (e *ClientError) WithOperation(operation string) *ClientError {
	e.Operation = operation
	return e
}

// WithRequestID sets the request id field and returns the error for
// chaining.
func (e *ClientError) WithRequestID(requestID string) *ClientError {
	e.RequestID = requestID
	return e
}

// WithHeaders attaches response headers and returns the error for chaining.
func (e *ClientError) WithHeaders(headers http.Header) *ClientError {
	e.Headers = headers
	return e
}

// NewValidationError creates an argument validation error.
func NewValidationError(field, message string) *ClientError {
	return &ClientError{Code: ErrCodeValidation, Field: field, Message: message}
}

// NewAuthError creates an authentication error.
func NewAuthError(message string) *ClientError {
	return &ClientError{Code: ErrCodeAuthentication, Message: message}
}

// NewInvalidModelError creates an error for an unknown model or a model of
// the wrong kind for the requested operation.
func NewInvalidModelError(model, message string) *ClientError {
	if message == "" {
		message = "invalid model: " + model
	}
	return &ClientError{Code: ErrCodeInvalidModel, Model: model, Message: message}
}

// NewMessageFormatError creates an error for a malformed message element.
func NewMessageFormatError(index int, message string) *ClientError {
	return &ClientError{
		Code:    ErrCodeMessageFormat,
		Field:   "messages",
		Message: fmt.Sprintf("invalid message at index %d: %s", index, message),
	}
}

// NewUnsupportedFormatError creates an error for an audio file whose
// extension is not accepted by the service.
func NewUnsupportedFormatError(filePath, format string, supported []string) *ClientError {
	return &ClientError{
		Code:     ErrCodeUnsupportedFormat,
		FilePath: filePath,
		Message:  fmt.Sprintf("unsupported audio format %q, supported: %v", format, supported),
	}
}

// NewFileSizeError creates an error for an audio file over the plan's size
// cap.
func NewFileSizeError(filePath string, fileSize, maxSize int64) *ClientError {
	return &ClientError{
		Code:     ErrCodeFileSize,
		FilePath: filePath,
		Message: fmt.Sprintf("file too large: %.2fMB, maximum: %.0fMB",
			float64(fileSize)/(1024*1024), float64(maxSize)/(1024*1024)),
	}
}

// NewAudioFileError creates a generic audio file error.
func NewAudioFileError(filePath, message string) *ClientError {
	return &ClientError{Code: ErrCodeAudioFile, FilePath: filePath, Message: message}
}

// NewTokenLimitError creates an error for a payload whose token count
// exceeds the applicable limit.
func NewTokenLimitError(requested, max int) *ClientError {
	return &ClientError{
		Code:            ErrCodeTokenLimit,
		RequestedTokens: requested,
		MaxTokens:       max,
		Message:         fmt.Sprintf("token limit exceeded, requested: %d, max: %d", requested, max),
	}
}

// NewRateLimitError creates an error for a rate limit whose wait exceeds
// the acceptable cap.
func NewRateLimitError(wait time.Duration) *ClientError {
	return &ClientError{
		Code:     ErrCodeRateLimit,
		WaitTime: wait,
		Message:  fmt.Sprintf("rate limit exceeded, wait time: %s", wait),
	}
}

// NewTimeoutError creates a request timeout error.
func NewTimeoutError(timeout time.Duration, cause error) *ClientError {
	return &ClientError{
		Code:        ErrCodeTimeout,
		Message:     fmt.Sprintf("request timeout after %s", timeout),
		OriginalErr: cause,
	}
}

// NewNetworkError creates a network error.
func NewNetworkError(message string, cause error) *ClientError {
	return &ClientError{Code: ErrCodeNetwork, Message: message, OriginalErr: cause}
}

// NewRetryExhaustedError creates an error for a queued request that failed
// more times than its retry budget allows. The last underlying cause is
// wrapped.
func NewRetryExhaustedError(maxRetries int, lastErr error) *ClientError {
	return &ClientError{
		Code:        ErrCodeRetryExhausted,
		Message:     fmt.Sprintf("max retries (%d) exceeded: %v", maxRetries, lastErr),
		OriginalErr: lastErr,
	}
}

// NewQueueFullError creates an error for an enqueue over capacity.
func NewQueueFullError(size, maxSize int) *ClientError {
	return &ClientError{
		Code:         ErrCodeQueueFull,
		QueueSize:    size,
		MaxQueueSize: maxSize,
		Message:      fmt.Sprintf("queue is full, current size: %d, max size: %d", size, maxSize),
	}
}

// NewInvalidResponseError creates an error for a 2xx response whose body is
// not valid JSON.
func NewInvalidResponseError(cause error) *ClientError {
	return &ClientError{
		Code:        ErrCodeInvalidResponse,
		Message:     fmt.Sprintf("invalid JSON response: %v", cause),
		OriginalErr: cause,
	}
}

// NewAPIError creates a generic API error carrying the HTTP status.
func NewAPIError(statusCode int, message string) *ClientError {
	if message == "" {
		message = fmt.Sprintf("API request failed with status %d", statusCode)
	}
	return &ClientError{
		Code:       ErrCodeAPI,
		StatusCode: statusCode,
		Message:    message + " (HTTP_" + fmt.Sprint(statusCode) + ")",
	}
}

// ClassifyHTTPStatus maps a non-2xx HTTP status to the error code the
// transport raises for it.
func ClassifyHTTPStatus(statusCode int) ErrorCode {
	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrCodeAuthentication
	case http.StatusBadRequest:
		return ErrCodeValidation
	default:
		return ErrCodeAPI
	}
}
