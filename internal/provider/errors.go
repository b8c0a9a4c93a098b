package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrCredentialExpired means the provider rejected the credential and a
// refresh (or re-link) is required. The dispatch pool treats this as
// fatal for the campaign: pause, do not burn recipient attempts.
var ErrCredentialExpired = errors.New("provider credential expired")

// ErrInvalidSignature is returned by VerifyWebhook when the payload
// signature does not check out.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// TransientError wraps a retryable send failure: timeout, provider
// 5xx, or rate-limit response.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError wraps a non-retryable send failure, e.g. an invalid
// address or a provider 4xx other than rate limiting.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Transient builds a TransientError.
func Transient(format string, args ...any) error {
	return &TransientError{Err: fmt.Errorf(format, args...)}
}

// Permanent builds a PermanentError.
func Permanent(format string, args ...any) error {
	return &PermanentError{Err: fmt.Errorf(format, args...)}
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent reports whether err is terminally failed.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// classifyStatus maps a provider HTTP status onto the error taxonomy.
func classifyStatus(status int, detail string) error {
	switch {
	case status == http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", ErrCredentialExpired, detail)
	case status == http.StatusTooManyRequests:
		return Transient("provider rate limited: %s", detail)
	case status >= 500:
		return Transient("provider error %d: %s", status, detail)
	case status >= 400:
		return Permanent("provider rejected message (%d): %s", status, detail)
	}
	return nil
}

// classifyTransport maps a transport-level failure (before any HTTP
// status arrived) onto the taxonomy. Timeouts and connection errors
// are retryable.
func classifyTransport(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Transient("provider call timed out: %v", err)
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return Transient("provider network error: %v", err)
	}
	return Transient("provider request failed: %v", err)
}
