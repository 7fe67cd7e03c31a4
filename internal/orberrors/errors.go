// Package orberrors defines the error taxonomy shared by every control-plane
// component, grounded in the same "sentinel + fmt.Errorf wrapping" style used
// throughout the rest of this codebase's repositories.
package orberrors

import (
	"errors"
	"fmt"
)

// Kind classifies an Error for callers that need to branch on error category
// (HTTP status mapping, retry eligibility, dashboard event shape) without
// string matching.
type Kind string

const (
	KindValidation        Kind = "ValidationError"
	KindUnknownAgent       Kind = "UnknownAgent"
	KindUnknownJob         Kind = "UnknownJob"
	KindInvalidState       Kind = "InvalidState"
	KindDuplicateInFlight  Kind = "DuplicateInFlight"
	KindTransportFailure   Kind = "TransportFailure"
	KindAgentOverloaded    Kind = "AgentOverloaded"
	KindExecutionFailure   Kind = "ExecutionFailure"
	KindTimeout            Kind = "Timeout"
	KindConcurrencyConflict Kind = "ConcurrencyConflict"
	KindCircuitOpen        Kind = "CircuitOpen"
)

// Error is the concrete error type returned by control-plane operations.
// Wrap it with fmt.Errorf("...: %w", err) the way the rest of the codebase
// wraps repository errors; Is/Unwrap let callers match on Kind or on the
// wrapped cause with errors.Is/errors.As.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches by Kind so errors.Is(err, orberrors.New(KindUnknownJob, ""))
// works without comparing messages.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Kind == e.Kind
	}
	return false
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Sentinels for the two "not found" flavors so callers can use plain
// errors.Is without constructing a Kind-only Error for comparison.
var (
	ErrUnknownAgent = New(KindUnknownAgent, "agent not found")
	ErrUnknownJob   = New(KindUnknownJob, "job not found")
)
