package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrRateLimited           = errors.New("rate limited")
	ErrAuthFailed            = errors.New("authentication failed")
	ErrTransientNetwork      = errors.New("transient network failure")
	ErrUnsupportedOperation  = errors.New("unsupported operation")
	ErrUnsupportedTier       = errors.New("unsupported tier")
	ErrMalformedItem         = errors.New("malformed item")
	ErrNoCredentialAvailable = errors.New("no credential available")
)

// FailureClass buckets errors for retry decisions and run summaries.
type FailureClass string

const (
	FailureRateLimited          FailureClass = "rate_limited"
	FailureAuthFailed           FailureClass = "auth_failed"
	FailureTransientNetwork     FailureClass = "transient_network"
	FailureUnsupportedOperation FailureClass = "unsupported_operation"
	FailureUnsupportedTier      FailureClass = "unsupported_tier"
	FailureMalformedItem        FailureClass = "malformed_item"
	FailureNoCredential         FailureClass = "no_credential"
	FailureCancelled            FailureClass = "cancelled"
	FailureUnknown              FailureClass = "unknown"
)

// Retryable reports whether the orchestrator may try the same task again.
func (c FailureClass) Retryable() bool {
	return c == FailureRateLimited || c == FailureTransientNetwork
}

// ProviderError carries the HTTP context of a provider failure and unwraps to its class sentinel.
type ProviderError struct {
	Platform   string
	Class      error
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Platform, e.Class)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the class sentinel and the underlying cause to errors.Is.
func (e *ProviderError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Class}
	}
	return []error{e.Class, e.Err}
}

// MalformedItem wraps a per-item failure so callers can skip it and keep streaming.
func MalformedItem(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedItem, fmt.Sprintf(format, args...))
}

// ClassOf maps any error to its failure class.
func ClassOf(err error) FailureClass {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMalformedItem):
		return FailureMalformedItem
	case errors.Is(err, ErrRateLimited):
		return FailureRateLimited
	case errors.Is(err, ErrAuthFailed):
		return FailureAuthFailed
	case errors.Is(err, ErrUnsupportedOperation):
		return FailureUnsupportedOperation
	case errors.Is(err, ErrUnsupportedTier):
		return FailureUnsupportedTier
	case errors.Is(err, ErrNoCredentialAvailable):
		return FailureNoCredential
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return FailureCancelled
	case errors.Is(err, ErrTransientNetwork):
		return FailureTransientNetwork
	default:
		return FailureUnknown
	}
}

// RetryAfter extracts a provider-suggested wait, if any.
func RetryAfter(err error) time.Duration {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.RetryAfter
	}
	return 0
}
