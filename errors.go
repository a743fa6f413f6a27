package recargas

import (
	"errors"
	"net"
	"strings"
)

// ErrOTPTimeout indicates no SMS code arrived within the wait window.
// Distinct from ErrOTPRejected so callers can tell "nothing arrived" apart
// from "the carrier refused the code".
var ErrOTPTimeout = errors.New("timed out waiting for OTP")

// ErrOTPRejected indicates the carrier refused a submitted OTP code.
var ErrOTPRejected = errors.New("carrier rejected OTP code")

// ErrDuplicateOrder indicates the carrier rejected an order as a duplicate
// (HTTP 409). The destination must wait out the cooldown window.
var ErrDuplicateOrder = errors.New("duplicate order for destination")

// ErrUnauthorized indicates the carrier rejected our token (HTTP 401/403).
// The caller should refresh the session exactly once and retry.
var ErrUnauthorized = errors.New("carrier rejected token")

// ErrOrderTimeout indicates an order reached no terminal state within the
// tracking budget. The charge may still land; not the same as a carrier
// failure.
var ErrOrderTimeout = errors.New("order tracking timed out")

// =============================================================================
// Fatal Errors
// =============================================================================

// FatalError represents an error that should stop the current flow immediately.
// These are credential-level problems where retrying the same request won't help.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return e.Err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// NewFatalError wraps an error as fatal.
func NewFatalError(err error) error {
	return &FatalError{Err: err}
}

// IsFatalError checks if the error is a fatal error that should stop the flow.
func IsFatalError(err error) bool {
	if err == nil {
		return false
	}
	var fe *FatalError
	return errors.As(err, &fe)
}

// fatalErrorStrings contains substrings that indicate a fatal error.
var fatalErrorStrings = []string{
	"invalid credentials",
	"account blocked",
	"account locked",
	"user not found",
}

// ContainsFatalErrorString checks if an error message contains a fatal error indicator.
func ContainsFatalErrorString(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	for _, s := range fatalErrorStrings {
		if strings.Contains(errStr, strings.ToLower(s)) {
			return true
		}
	}
	return false
}

// =============================================================================
// Retryable Errors
// =============================================================================

// retryableErrorPatterns contains error message substrings that indicate retryable errors.
var retryableErrorPatterns = []string{
	"connection refused",
	"connection reset",
	"no such host",
	"i/o timeout",
	"context deadline exceeded",
	"TLS handshake timeout",
	"EOF",
	"malformed HTTP response",
	"transport connection broken",
	"use of closed network connection",
}

// IsRetryableError checks if the error is temporary and worth retrying.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if IsFatalError(err) || ContainsFatalErrorString(err) {
		return false
	}

	if isNetworkTimeout(err) {
		return true
	}

	return containsRetryablePattern(err.Error())
}

func isNetworkTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout() || netErr.Temporary()
	}
	return false
}

func containsRetryablePattern(errStr string) bool {
	for _, pattern := range retryableErrorPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
