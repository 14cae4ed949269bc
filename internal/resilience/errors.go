package resilience

import (
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// TransientError marks a failure that may succeed on a later attempt, such as
// a throttled model call or a dropped IMAP connection.
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string { return e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// NewTransientError marks err as retryable. statusCode is 0 for failures that
// did not come from an HTTP response.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

var transientStatus = map[int]bool{
	http.StatusRequestTimeout:      true,
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
	529:                            true, // provider overloaded
}

// IsTransientHTTPStatus reports whether a provider response status is worth
// retrying.
func IsTransientHTTPStatus(statusCode int) bool {
	return transientStatus[statusCode]
}

// Lowercased fragments of untyped errors. IMAP servers signal throttling with
// the UNAVAILABLE response code and cap concurrent sessions per account.
var transientMarkers = []string{
	"connection reset by peer",
	"broken pipe",
	"i/o timeout",
	"tls handshake timeout",
	"no such host",
	"temporary failure in name resolution",
	"[unavailable]",
	"too many simultaneous connections",
	"overloaded_error",
}

// IsTransient reports whether err, or anything it wraps, is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	for _, target := range []error{io.ErrUnexpectedEOF, syscall.ECONNRESET, syscall.ECONNREFUSED, syscall.EPIPE} {
		if errors.Is(err, target) {
			return true
		}
	}

	msg := strings.ToLower(err.Error())
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
