// Package apperr defines the typed error kinds propagated across the
// arbitrage engine, per the error handling design: adapters recover
// TRANSPORT and RATE_LIMIT locally, the aggregator drops VALIDATION,
// the detector and exit monitor treat missing data as non-fatal, and
// everything else bubbles to the caller.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation-policy decisions.
type Kind string

const (
	Transport          Kind = "TRANSPORT"
	RateLimit          Kind = "RATE_LIMIT"
	API                Kind = "API_ERROR"
	CredentialMissing  Kind = "CREDENTIAL_MISSING"
	CredentialInvalid  Kind = "CREDENTIAL_INVALID"
	SubscribeTimeout   Kind = "SUBSCRIBE_TIMEOUT"
	DataStale          Kind = "DATA_STALE"
	Validation         Kind = "VALIDATION"
	Uncertain          Kind = "UNCERTAIN"
	Conflict           Kind = "CONFLICT"
)

// Error wraps a Kind, an optional venue error code, and a cause.
type Error struct {
	Kind      Kind
	Venue     string
	Code      string // venue-specific error code, preserved verbatim
	Retryable bool
	cause     error
}

func (e *Error) Error() string {
	if e.cause == nil {
		return fmt.Sprintf("%s: %s/%s", e.Kind, e.Venue, e.Code)
	}
	return fmt.Sprintf("%s: %s/%s: %v", e.Kind, e.Venue, e.Code, e.cause)
}

func (e *Error) Unwrap() error { return e.cause }

func new(kind Kind, venue, code string, retryable bool, cause error) *Error {
	return &Error{Kind: kind, Venue: venue, Code: code, Retryable: retryable, cause: cause}
}

// New constructs an *Error without a venue code, for kinds that are
// not venue-specific (e.g. CONFLICT, UNCERTAIN).
func New(kind Kind, cause error) *Error {
	return new(kind, "", "", false, cause)
}

func NewTransport(venue string, cause error) *Error {
	return new(Transport, venue, "", true, cause)
}

func NewRateLimit(venue string, cause error) *Error {
	return new(RateLimit, venue, "", true, cause)
}

func NewAPI(venue, code string, cause error) *Error {
	return new(API, venue, code, false, cause)
}

func NewCredentialMissing(venue string) *Error {
	return new(CredentialMissing, venue, "", false, nil)
}

func NewCredentialInvalid(venue string, cause error) *Error {
	return new(CredentialInvalid, venue, "", false, cause)
}

func NewSubscribeTimeout(venue string) *Error {
	return new(SubscribeTimeout, venue, "", true, nil)
}

func NewValidation(venue string, cause error) *Error {
	return new(Validation, venue, "", false, cause)
}

func NewUncertain(venue string, cause error) *Error {
	return new(Uncertain, venue, "", false, cause)
}

func NewConflict(cause error) *Error {
	return new(Conflict, "", "", false, cause)
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, or "" if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable reports whether err is marked retryable (TRANSPORT,
// RATE_LIMIT, SUBSCRIBE_TIMEOUT).
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}
