// Package chaterr defines the chat error taxonomy and the classifier that
// maps raw provider, network, and validation failures onto it.
//
// Every failure surfaced to a client carries a Kind, a human-readable
// message, a Retryable flag, and (for rate limits) a RetryAfter hint, so the
// client can decide whether to offer a retry affordance.
package chaterr

import (
	"errors"
	"fmt"
	"time"
)

// Kind identifies a failure category. The wire protocol and retry policy key
// off this value.
type Kind string

const (
	// KindRateLimit means the provider rejected the call for quota reasons;
	// retry after the RetryAfter cooldown.
	KindRateLimit Kind = "rate_limit"

	// KindAuth means credentials were rejected; the caller must
	// re-authenticate. Never retried by this core.
	KindAuth Kind = "auth"

	// KindValidation means the caller's input was malformed. Never retried.
	KindValidation Kind = "validation"

	// KindNetwork means a connectivity failure between this process and a
	// dependency. Retryable with backoff.
	KindNetwork Kind = "network"

	// KindProviderUnavailable means the provider failed upstream (5xx,
	// timeout, overload). Retryable with backoff.
	KindProviderUnavailable Kind = "provider_unavailable"

	// KindUnknown is anything unmatched. Retried once, then surfaced.
	KindUnknown Kind = "unknown"
)

// Error is a classified chat failure.
type Error struct {
	Kind       Kind
	Message    string
	Retryable  bool
	RetryAfter time.Duration // 0 when no cooldown hint applies

	cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// New creates an Error with the default retry policy for the kind.
func New(kind Kind, message string) *Error {
	return &Error{
		Kind:      kind,
		Message:   message,
		Retryable: defaultRetryable(kind),
	}
}

// Validation creates a non-retryable validation error. Shorthand for the most
// common fail-fast path.
func Validation(format string, args ...any) *Error {
	return New(KindValidation, fmt.Sprintf(format, args...))
}

// As extracts an *Error from an error chain. Returns nil if the chain
// contains no classified error.
func As(err error) *Error {
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	return nil
}

// defaultRetryable returns the taxonomy's retry policy for a kind.
func defaultRetryable(kind Kind) bool {
	switch kind {
	case KindAuth, KindValidation:
		return false
	default:
		return true
	}
}
