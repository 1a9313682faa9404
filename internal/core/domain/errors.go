package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Request-scoped errors returned by the gate. Callers should match with
// errors.Is.
var (
	// ErrSessionNotReady means the session is not in READY state.
	ErrSessionNotReady = errors.New("session not ready")
	// ErrUnsafeMode means a non-snapshot market-data mode was requested.
	// This is a caller bug and always fails closed.
	ErrUnsafeMode = errors.New("non-snapshot mode rejected")
	// ErrNotQualified means the contract is not in the session's qualified set.
	ErrNotQualified = errors.New("contract not qualified")
	// ErrWindowTooLarge means a historical window exceeds the gateway limits.
	ErrWindowTooLarge = errors.New("historical window too large")
	// ErrRequestTimeout means the gateway did not respond before the deadline.
	// The gateway may still be healthy.
	ErrRequestTimeout = errors.New("gateway request timed out")
	// ErrSessionClosed means the request was cancelled by shutdown or
	// degradation. The session is known not to be usable.
	ErrSessionClosed = errors.New("session closed")
)

// AuthError is an authentication failure from the gateway. Pending means
// the gateway is waiting on out-of-band approval (2FA) and a fixed long
// wait is warranted; otherwise the failure requires manual resolution and
// is never auto-retried.
type AuthError struct {
	Pending bool
	Msg     string
}

func (e *AuthError) Error() string {
	if e.Pending {
		return fmt.Sprintf("authentication pending approval: %s", e.Msg)
	}
	return fmt.Sprintf("authentication failed: %s", e.Msg)
}

// QualificationError means the gateway rejected a contract as invalid.
// Cached per session; does not by itself trigger degradation.
type QualificationError struct {
	Contract ContractKey
	Msg      string
}

func (e *QualificationError) Error() string {
	return fmt.Sprintf("contract %s not qualified: %s", e.Contract, e.Msg)
}

// Is lets callers match qualification failures with errors.Is(err, ErrNotQualified).
func (e *QualificationError) Is(target error) bool {
	return target == ErrNotQualified
}

// FailureClass buckets connection failures for the backoff policy.
type FailureClass int

const (
	ClassTransient   FailureClass = iota // network errors, 5xx, timeouts
	ClassAuthPending                     // waiting on manual 2FA approval
	ClassAuthFatal                       // credentials rejected, no retry
	ClassFatal                           // protocol or caller bug, no retry
)

func (c FailureClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassAuthPending:
		return "auth_pending"
	case ClassAuthFatal:
		return "auth_fatal"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ClassifyFailure maps a connection-attempt error to a failure class.
func ClassifyFailure(err error) FailureClass {
	if err == nil {
		return ClassTransient
	}

	var authErr *AuthError
	if errors.As(err, &authErr) {
		if authErr.Pending {
			return ClassAuthPending
		}
		return ClassAuthFatal
	}

	if errors.Is(err, ErrUnsafeMode) || errors.Is(err, ErrWindowTooLarge) {
		return ClassFatal
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrRequestTimeout) {
		return ClassTransient
	}

	s := strings.ToLower(err.Error())
	if strings.Contains(s, "unauthorized") || strings.Contains(s, "401") {
		return ClassAuthFatal
	}
	if strings.Contains(s, "2fa") || strings.Contains(s, "pending approval") {
		return ClassAuthPending
	}

	// Network errors, resets, 5xx and anything unrecognized retries on the
	// standard curve.
	return ClassTransient
}
