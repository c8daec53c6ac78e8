// internal/types.go - Common types for internal packages
package internal

// SourceType represents the kind of tile source a download pulls from
type SourceType string

const (
	SourceTypeHTTP SourceType = "http"
	SourceTypeMesh SourceType = "mesh"
)

// ParseSourceType converts a configuration string into a SourceType
func ParseSourceType(s string) (SourceType, bool) {
	switch SourceType(s) {
	case SourceTypeHTTP, SourceTypeMesh:
		return SourceType(s), true
	default:
		return "", false
	}
}

// Error represents application-specific errors
type Error struct {
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap exposes the underlying cause to errors.Is and errors.As
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new application error
func NewError(code, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// ErrorCode constants for common error types
const (
	ErrorCodeNetwork    = "NETWORK_ERROR"
	ErrorCodeCorruption = "CORRUPT_INPUT"
	ErrorCodeStorage    = "STORAGE_ERROR"
	ErrorCodeValidation = "VALIDATION_ERROR"
	ErrorCodeConfig     = "CONFIG_ERROR"
	ErrorCodeNotFound   = "NOT_FOUND"
	ErrorCodeFileSystem = "FILESYSTEM_ERROR"
	ErrorCodeCancelled  = "CANCELLED"
)
