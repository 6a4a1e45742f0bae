// Package kapperr defines the error kinds that cross package boundaries in
// KAPP. Every kind wraps an underlying cause and is tested with errors.Is /
// errors.As rather than string comparison.
package kapperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error so callers can decide whether to retry, surface
// it to an operator, or fail the asset permanently.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindStorageFault      Kind = "storage_fault"
	KindInvalidTransition Kind = "invalid_transition"
	KindNoWalletAvailable Kind = "no_wallet_available"
	KindDkgAPI            Kind = "dkg_api"
	KindMissingUAL        Kind = "missing_ual"
	KindTimeout           Kind = "timeout"
	KindFatal             Kind = "fatal"
)

// Error is a kapp-domain error: a Kind plus a message and an optional
// wrapped cause.
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

// Is reports equality by Kind, so errors.Is(err, kapperr.New(KindTimeout, ""))
// matches any timeout error regardless of message or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New constructs an Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error that wraps cause. If cause is already a
// *Error of the same kind, Wrap does not double-wrap; it adds context
// to the message instead.
func Wrap(kind Kind, message string, cause error) *Error {
	if inner, ok := cause.(*Error); ok && inner.Kind == kind {
		return &Error{Kind: kind, Message: message + ": " + inner.Message, Cause: inner.Cause}
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Validation constructs a validation error with no wrapped cause.
func Validation(message string) *Error { return New(KindValidation, message) }

// StorageFault wraps a storage-layer cause (a driver error, constraint
// violation, or connectivity failure).
func StorageFault(message string, cause error) *Error {
	return Wrap(KindStorageFault, message, cause)
}

// InvalidTransition reports an attempt to move an asset or wallet between
// states that the state machine does not allow.
func InvalidTransition(message string) *Error { return New(KindInvalidTransition, message) }

// NoWalletAvailable reports that WalletPool.LeaseFor found no idle wallet
// to lease.
func NoWalletAvailable() *Error {
	return New(KindNoWalletAvailable, "no available wallet")
}

// DkgAPI wraps a failure returned by the DkgClient.
func DkgAPI(message string, cause error) *Error {
	return Wrap(KindDkgAPI, message, cause)
}

// MissingUAL reports a DKG response that claimed success but did not
// include a UAL.
func MissingUAL(message string) *Error { return New(KindMissingUAL, message) }

// Timeout wraps a context deadline or lease expiry.
func Timeout(message string, cause error) *Error {
	return Wrap(KindTimeout, message, cause)
}

// Fatal wraps an error that should stop the worker or poller rather than
// be retried.
func Fatal(message string, cause error) *Error {
	return Wrap(KindFatal, message, cause)
}

// Retryable reports whether a publish failure of this kind should be
// requeued rather than marked permanently failed. Validation, invalid
// transitions, and fatal errors are never retryable; storage faults,
// wallet exhaustion, DKG API errors, missing UALs, and timeouts are.
func Retryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return true
	}
	switch e.Kind {
	case KindValidation, KindInvalidTransition, KindFatal:
		return false
	default:
		return true
	}
}

// KindOf extracts the Kind from err, returning ok=false if err is not (or
// does not wrap) a *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
