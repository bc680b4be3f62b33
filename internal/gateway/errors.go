package gateway

import "errors"

// Common error codes
const (
	CodeNoCredential    = "no_credential"
	CodeInvalidEndpoint = "invalid_endpoint"
	CodeRateLimited     = "rate_limited"
	CodeServerError     = "server_error"
	CodeParseError      = "parse_error"
	CodeNetworkError    = "network_error"
	CodeTimeout         = "timeout"
)

// Error represents a classified gateway error.
type Error struct {
	Provider      string `json:"provider"`
	Code          string `json:"code"`
	Message       string `json:"message"`
	StatusCode    int    `json:"status_code,omitempty"`
	OriginalError error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Provider + " error: " + e.Message
}

// Unwrap returns the original error.
func (e *Error) Unwrap() error {
	return e.OriginalError
}

// Retryable reports whether the error indicates a transient condition.
// Credential, endpoint and contract defects are never retried.
func (e *Error) Retryable() bool {
	return retryableCode(e.Code)
}

func retryableCode(code string) bool {
	switch code {
	case CodeRateLimited, CodeServerError, CodeTimeout, CodeNetworkError:
		return true
	default:
		return false
	}
}

// NewError creates a classified gateway error.
func NewError(provider, code, message string, original error) *Error {
	return &Error{
		Provider:      provider,
		Code:          code,
		Message:       message,
		OriginalError: original,
	}
}

// AsError extracts a *Error from err, if present.
func AsError(err error) (*Error, bool) {
	var ge *Error
	if errors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}
