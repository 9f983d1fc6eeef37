package circuitbreaker

import (
	"context"
	"errors"
	"net"
	"os"
)

// httpStatusError is an interface for errors carrying an HTTP status
// code. Both relay.Error and relay.UpstreamError satisfy it.
type httpStatusError interface {
	HTTPStatus() int
}

// CountsAsFailure reports whether an upstream outcome should count
// toward tripping the breaker.
//
// Counted:
//   - 429 (rate limited)
//   - 5xx server errors
//   - timeouts (deadline exceeded)
//   - network errors (connection refused, reset, DNS)
//
// Not counted:
//   - nil (success)
//   - client cancellation (caller went away, not provider fault)
//   - other 4xx (bad request, bad key: retrying won't help and the
//     provider itself is healthy)
func CountsAsFailure(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}

	var he httpStatusError
	if errors.As(err, &he) {
		return failureStatus(he.HTTPStatus())
	}

	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return true
	}

	// Generic transport errors: the provider could not be reached.
	return true
}

// failureStatus reports whether an HTTP status counts as a provider
// failure.
func failureStatus(code int) bool {
	switch {
	case code == 429:
		return true
	case code >= 500:
		return true
	default:
		return false
	}
}
