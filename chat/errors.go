package chat

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies gateway failures. The value doubles as the wire
// "type" member of the error body.
type ErrorKind string

const (
	// KindValidation marks malformed or unsupported input: unknown dialect,
	// missing required fields, bad target format.
	KindValidation ErrorKind = "validation"

	// KindAuthentication marks a missing or mismatching server key.
	KindAuthentication ErrorKind = "authentication"

	// KindAuthorization marks provider-credential failures and IAM denials.
	KindAuthorization ErrorKind = "authorization"

	// KindUnsupportedModel marks a model id no strategy matches.
	KindUnsupportedModel ErrorKind = "unsupported_model"

	// KindFileNotFound marks a referenced artifact that does not resolve.
	KindFileNotFound ErrorKind = "file_not_found"

	// KindRateLimited marks provider throttling surfaced after retries.
	KindRateLimited ErrorKind = "rate_limited"

	// KindUnavailable marks provider 5xx and transient transport failures
	// surfaced after retries.
	KindUnavailable ErrorKind = "service_unavailable"

	// KindUpstream marks a structured provider error (content policy, context
	// length, model fault) relayed with its own status.
	KindUpstream ErrorKind = "upstream"

	// KindTimeout marks a per-phase deadline expiry.
	KindTimeout ErrorKind = "timeout"

	// KindCancelled marks a client disconnect. No response body is written.
	KindCancelled ErrorKind = "cancelled"

	// KindInternal marks a bug or unexpected condition.
	KindInternal ErrorKind = "internal"
)

// Error is the typed failure crossing package boundaries. Encoders render it
// as {"error": {"type", "message", "details?"}} with the status of Kind.
type Error struct {
	// Kind classifies the failure and selects the HTTP status.
	Kind ErrorKind

	// Message is the user-visible description.
	Message string

	// Details optionally carries structured context (field names, model ids).
	Details map[string]any

	// Status overrides the kind's default HTTP status when non-zero. Used by
	// KindUpstream to relay the provider status.
	Status int

	// Cause preserves the original error chain.
	Cause error
}

// NewError builds a typed error.
func NewError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Errorf builds a typed error with a formatted message.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// ValidationError builds a KindValidation error.
func ValidationError(format string, args ...any) *Error {
	return Errorf(KindValidation, format, args...)
}

// WithDetails attaches structured context and returns the error.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// WithStatus overrides the HTTP status and returns the error.
func (e *Error) WithStatus(status int) *Error {
	e.Status = status
	return e
}

// WithCause records the underlying error and returns the error.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error to preserve the chain.
func (e *Error) Unwrap() error { return e.Cause }

// HTTPStatus maps the error to its response status.
func (e *Error) HTTPStatus() int {
	if e.Status != 0 {
		return e.Status
	}
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindUnsupportedModel, KindFileNotFound:
		return http.StatusNotFound
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUnavailable:
		return http.StatusServiceUnavailable
	case KindUpstream:
		return http.StatusBadGateway
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindCancelled:
		// Client is gone. 499 keeps access logs honest.
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// AsError returns the first *Error in err's chain, if any.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal
// when the chain carries no typed error.
func KindOf(err error) ErrorKind {
	if e, ok := AsError(err); ok {
		return e.Kind
	}
	return KindInternal
}

// Retryable reports whether retrying err without changing the request may
// succeed: throttling, unavailability, timeouts and upstream 5xx/408/429.
// Validation, authentication, authorization and model-resolution failures are
// terminal.
func Retryable(err error) bool {
	e, ok := AsError(err)
	if !ok {
		return false
	}
	switch e.Kind {
	case KindRateLimited, KindUnavailable, KindTimeout:
		return true
	case KindUpstream:
		return e.Status >= 500 || e.Status == http.StatusRequestTimeout || e.Status == http.StatusTooManyRequests
	}
	return false
}

// ErrStreamingUnsupported indicates the provider does not implement streaming
// for the requested model.
var ErrStreamingUnsupported = errors.New("chat: streaming not supported")
