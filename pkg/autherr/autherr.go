// Package autherr defines the closed error taxonomy shared by the Quill
// authentication subsystem and its UI consumers. Every failure that crosses a
// subsystem boundary is expressed as an *Error carrying a Kind, a message and
// a retryability flag. The Kind set is the contract with the UI layer, which
// maps kinds to user-facing messages.
package autherr

import (
	"fmt"
)

// Kind identifies the category of an authentication failure.
// The set is closed; classification maps every raw error onto one of these.
type Kind string

const (
	// KindOAuthFailed is a generic provider or flow failure, including
	// credential decode failures and interactive login timeouts.
	KindOAuthFailed Kind = "OAuthFailed"

	// KindAccessDenied means the identity authenticated successfully but is
	// not authorized by the allowlist policy.
	KindAccessDenied Kind = "AccessDenied"

	// KindNetworkError is a transport-level failure (connection, DNS, timeout).
	KindNetworkError Kind = "NetworkError"

	// KindTokenExpired means a local token validity check failed.
	KindTokenExpired Kind = "TokenExpired"

	// KindConfigError means the allowlist policy or client configuration is
	// missing or malformed.
	KindConfigError Kind = "ConfigError"
)

// Severity ranks how serious a failure kind is. It drives notification
// styling in the UI, never control flow.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns the string representation of the severity.
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Severity returns the severity associated with the kind.
// This is a pure lookup and stable across calls.
func (k Kind) Severity() Severity {
	switch k {
	case KindConfigError:
		return SeverityCritical
	case KindAccessDenied:
		return SeverityHigh
	case KindTokenExpired, KindNetworkError:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Retryable returns the default retryability for the kind.
// This is a pure lookup and stable across calls. Individual errors may
// override it (see Error.Transient); AccessDenied is never retryable.
func (k Kind) Retryable() bool {
	switch k {
	case KindAccessDenied, KindConfigError:
		return false
	default:
		return true
	}
}

// Error is a classified authentication failure.
type Error struct {
	// Kind categorizes the failure.
	Kind Kind `json:"kind"`

	// Message is a human-readable description. It never contains token
	// material.
	Message string `json:"message"`

	// Retryable reports whether retrying the failed operation can succeed.
	// It defaults to Kind.Retryable() but may be overridden per instance,
	// e.g. a transient policy fetch failure is a retryable ConfigError.
	Retryable bool `json:"retryable"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Transient marks the error retryable regardless of the kind default and
// returns it for chaining.
func (e *Error) Transient() *Error {
	e.Retryable = true
	return e
}

// New creates an Error of the given kind with the kind's default
// retryability.
func New(kind Kind, message string) *Error {
	return &Error{
		Kind:      kind,
		Message:   message,
		Retryable: kind.Retryable(),
	}
}

// Newf creates an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}
