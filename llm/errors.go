package llm

// Unified provider error codes, aligned with HTTP status and retryability.
type ErrorCode string

const (
	ErrInvalidRequest      ErrorCode = "LLM_INVALID_REQUEST"      // malformed parameters
	ErrUnauthorized        ErrorCode = "LLM_UNAUTHORIZED"         // bad or missing credentials
	ErrRateLimited         ErrorCode = "LLM_RATE_LIMITED"         // upstream 429
	ErrModelNotFound       ErrorCode = "LLM_MODEL_NOT_FOUND"      // unknown model or endpoint
	ErrUpstreamTimeout     ErrorCode = "LLM_UPSTREAM_TIMEOUT"     // request deadline exceeded
	ErrProviderUnavailable ErrorCode = "LLM_PROVIDER_UNAVAILABLE" // 5xx or connect failure
	ErrUpstreamError       ErrorCode = "LLM_UPSTREAM_ERROR"       // anything else
)

// Error is the typed failure surfaced by providers. RetryAfter is in
// seconds and only meaningful for ErrRateLimited and ErrProviderUnavailable.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	RetryAfter int       `json:"retry_after,omitempty"`
	Provider   string    `json:"provider,omitempty"`
}

func (e *Error) Error() string { return e.Message }

// NewError builds a typed provider error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithProvider tags the error with the originating provider name.
func (e *Error) WithProvider(name string) *Error {
	e.Provider = name
	return e
}

// WithStatus records the upstream HTTP status.
func (e *Error) WithStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryAfter records the upstream Retry-After hint in seconds.
func (e *Error) WithRetryAfter(seconds int) *Error {
	e.RetryAfter = seconds
	return e
}

// AsError unwraps err into *Error if it is one.
func AsError(err error) (*Error, bool) {
	e, ok := err.(*Error)
	return e, ok
}

// IsRetryable reports whether err is a provider error marked retryable.
// Unknown error types (connect failures and the like) are treated as
// retryable by the retry wrapper.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return true
}
