// Package llm dispatches fully-formed prompt requests to a provider,
// applying retries, timeouts, token accounting and context-window
// enforcement, and emitting request/response events.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrorKind is the machine-readable failure classification surfaced to
// observers and used by stage escalation triggers.
type ErrorKind string

const (
	KindContextOverflow ErrorKind = "context_overflow"
	KindTimeout         ErrorKind = "provider_timeout"
	KindRateLimited     ErrorKind = "provider_rate_limited"
	KindTransient       ErrorKind = "provider_transient"
	KindPermanent       ErrorKind = "provider_permanent"
	KindResponseInvalid ErrorKind = "response_invalid"
	KindInputInvalid    ErrorKind = "input_invalid"
	KindToolBlocked     ErrorKind = "tool_blocked"
	KindCancelled       ErrorKind = "cancelled"
	KindSessionBlocked  ErrorKind = "session_blocked" // utilisation above the hard stop
)

// Error is the dispatcher's failure type: a kind plus a human-readable
// message, optionally wrapping the provider's error.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the retry policy applies to this failure.
// Non-transient failures (contract violations, overflow, policy denials)
// abort the retry loop.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindTimeout, KindRateLimited, KindTransient:
		return true
	default:
		return false
	}
}

// NewError builds a dispatcher error.
func NewError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the ErrorKind from any error, defaulting to permanent.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindPermanent
}

// classifyProviderError maps a raw provider failure to a dispatcher Error.
// HTTP-aware providers should return a StatusError; everything else is
// classified by inspection.
func classifyProviderError(err error) *Error {
	if err == nil {
		return nil
	}

	var de *Error
	if errors.As(err, &de) {
		return de
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(KindTimeout, "provider call exceeded deadline", err)
	}
	if errors.Is(err, context.Canceled) {
		return NewError(KindCancelled, "provider call cancelled", err)
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == 429:
			return NewError(KindRateLimited, "provider rate limited", err)
		case statusErr.StatusCode >= 500:
			return NewError(KindTransient, "provider server error", err)
		default:
			return NewError(KindPermanent,
				fmt.Sprintf("provider rejected request (status %d)", statusErr.StatusCode), err)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return NewError(KindTimeout, "provider network timeout", err)
		}
		return NewError(KindTransient, "provider network error", err)
	}
	if isConnectionError(err) {
		return NewError(KindTransient, "provider connection error", err)
	}

	return NewError(KindPermanent, "provider call failed", err)
}

// isConnectionError detects connection-level transport failures by message
// when no typed error is available.
func isConnectionError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"connection closed",
		"no such host",
		"eof",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// StatusError carries an HTTP status from a provider implementation so the
// dispatcher can classify it without depending on provider SDK error types.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider status %d: %s", e.StatusCode, e.Body)
}
