/**
 * @description
 * Typed errors for the deal engine's error taxonomy. Validation and conflict errors
 * are recovered at the boundary where they occur and are never retried; signature
 * errors are rejected and logged as security events. Gateway-side errors live in
 * pkg/bankclient.
 */

package domain

import (
	"errors"
	"fmt"
)

// ErrDisputeLocked rejects any release attempt while a dispute holds the deal.
var ErrDisputeLocked = errors.New("deal is locked by an open dispute")

// ErrDisputeAlreadyOpen enforces the one-open-dispute-per-deal invariant.
var ErrDisputeAlreadyOpen = errors.New("deal already has an open dispute")

// ValidationError reports malformed terms or requests. Never retried.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s", e.Msg)
}

// NewValidationError builds a ValidationError with a formatted message.
func NewValidationError(format string, args ...any) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// InvalidSplitError reports split terms that cannot be finalized (percentages not
// summing to 100, fixed amounts not summing to the net amount, no primary recipient).
type InvalidSplitError struct {
	Msg string
}

func (e *InvalidSplitError) Error() string {
	return fmt.Sprintf("invalid split: %s", e.Msg)
}

// ConflictError reports an idempotency key reused with a different request hash or a
// disallowed state transition. Surfaced to callers as a 409-equivalent.
type ConflictError struct {
	Msg string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict: %s", e.Msg)
}

// NewConflictError builds a ConflictError with a formatted message.
func NewConflictError(format string, args ...any) *ConflictError {
	return &ConflictError{Msg: fmt.Sprintf(format, args...)}
}

// SignatureError reports a failed webhook signature verification. The event is
// rejected and never processed.
type SignatureError struct {
	Reason string
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("webhook signature rejected: %s", e.Reason)
}
