package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for the relay domain.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrRateLimited  = errors.New("rate limited")
	ErrValidation   = errors.New("validation failed")
	ErrCircular     = errors.New("circular dependency")
	ErrDisabled     = errors.New("disabled")
	ErrCircuitOpen  = errors.New("circuit open")
	ErrNoAccount    = errors.New("no eligible oauth account")
)

// --- Error IR ---

// ErrorKind classifies a failure for HTTP status mapping and retry
// decisions.
type ErrorKind string

const (
	KindValidation     ErrorKind = "validation"
	KindAuthentication ErrorKind = "authentication"
	KindPermission     ErrorKind = "permission"
	KindNotFound       ErrorKind = "not_found"
	KindRateLimit      ErrorKind = "rate_limit"
	KindAPI            ErrorKind = "api"
	KindServer         ErrorKind = "server"
	KindUnknown        ErrorKind = "unknown"
)

// HTTPStatus maps the kind to the status code served locally.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindPermission:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindAPI:
		return http.StatusBadGateway
	default: // server, unknown
		return http.StatusInternalServerError
	}
}

// KindFromStatus classifies an upstream HTTP status. Upstream 5xx
// surfaces as an api error (502 locally), not as a local server error.
func KindFromStatus(status int) ErrorKind {
	switch {
	case status == http.StatusBadRequest:
		return KindValidation
	case status == http.StatusUnauthorized:
		return KindAuthentication
	case status == http.StatusForbidden:
		return KindPermission
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusTooManyRequests:
		return KindRateLimit
	case status >= 400:
		return KindAPI
	default:
		return KindUnknown
	}
}

// Error is the dialect-neutral failure shape. Raw keeps the vendor
// payload for logging; it never flows back through a translated reply.
type Error struct {
	Kind    ErrorKind
	Message string
	Code    string // vendor error code, if any
	Raw     json.RawMessage
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code %s)", e.Kind, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// HTTPStatus maps the error to the status code served locally.
func (e *Error) HTTPStatus() int { return e.Kind.HTTPStatus() }

// Errorf builds an Error of the given kind with a formatted message.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// AsError converts any error into an Error IR. Existing *Error values
// pass through; sentinels map to their kinds; everything else becomes
// a server error.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	kind := KindServer
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ErrCircular):
		kind = KindValidation
	case errors.Is(err, ErrUnauthorized):
		kind = KindAuthentication
	case errors.Is(err, ErrForbidden):
		kind = KindPermission
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrDisabled):
		kind = KindNotFound
	case errors.Is(err, ErrRateLimited):
		kind = KindRateLimit
	case errors.Is(err, ErrCircuitOpen), errors.Is(err, ErrNoAccount):
		kind = KindAPI
	case errors.Is(err, ErrConflict):
		kind = KindValidation
	}
	return &Error{Kind: kind, Message: err.Error()}
}

// --- Upstream errors ---

// UpstreamError is a non-2xx reply from an upstream endpoint, carried
// before (or instead of) a dialect-level parse.
type UpstreamError struct {
	Provider   string
	StatusCode int
	Body       []byte
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s returned status %d", e.Provider, e.StatusCode)
}

// HTTPStatus returns the upstream status code.
func (e *UpstreamError) HTTPStatus() int { return e.StatusCode }

// Temporary reports whether the status is worth retrying.
func (e *UpstreamError) Temporary() bool {
	switch e.StatusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}
