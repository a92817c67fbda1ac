// Package apperr defines the error taxonomy shared by the ledger, router and
// reconciliation engine. Callers classify errors with KindOf or errors.Is
// against the sentinel values below.
package apperr

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and HTTP mapping.
type Kind string

const (
	KindInternal              Kind = "internal"
	KindValidation            Kind = "validation"
	KindInsufficientCredits   Kind = "insufficient_credits"
	KindNotFound              Kind = "not_found"
	KindConflict              Kind = "conflict"
	KindForbidden             Kind = "forbidden"
	KindDependencyUnavailable Kind = "dependency_unavailable"
	KindTimeout               Kind = "timeout"
	KindAuditWriteFailed      Kind = "audit_write_failed"
)

// Sentinels for errors.Is. Matching is by kind only.
var (
	ErrValidation            = &Error{Kind: KindValidation}
	ErrInsufficientCredits   = &Error{Kind: KindInsufficientCredits}
	ErrNotFound              = &Error{Kind: KindNotFound}
	ErrConflict              = &Error{Kind: KindConflict}
	ErrForbidden             = &Error{Kind: KindForbidden}
	ErrDependencyUnavailable = &Error{Kind: KindDependencyUnavailable}
	ErrTimeout               = &Error{Kind: KindTimeout}
	ErrAuditWriteFailed      = &Error{Kind: KindAuditWriteFailed}
)

// Error is the concrete error type returned across package boundaries.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Retryable reports whether the caller may retry with backoff.
func (e *Error) Retryable() bool {
	return e.Kind == KindDependencyUnavailable || e.Kind == KindTimeout
}

// KindOf classifies any error. Context deadline errors map to KindTimeout.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

// IsRetryable reports whether err is a dependency or timeout failure.
func IsRetryable(err error) bool {
	k := KindOf(err)
	return k == KindDependencyUnavailable || k == KindTimeout
}

func Validation(op, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Op: op, Message: fmt.Sprintf(format, args...)}
}

func NotFound(op, what string, id any) *Error {
	return &Error{
		Kind:    KindNotFound,
		Op:      op,
		Message: fmt.Sprintf("%s %v not found", what, id),
		Details: map[string]any{"id": fmt.Sprint(id)},
	}
}

func Conflict(op, format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Op: op, Message: fmt.Sprintf(format, args...)}
}

func Forbidden(op, format string, args ...any) *Error {
	return &Error{Kind: KindForbidden, Op: op, Message: fmt.Sprintf(format, args...)}
}

// InsufficientCredits carries both balances so the caller can show an
// actionable message.
func InsufficientCredits(op string, current, requested int64) *Error {
	return &Error{
		Kind:    KindInsufficientCredits,
		Op:      op,
		Message: fmt.Sprintf("insufficient credits: balance is %d, %d required", current, requested),
		Details: map[string]any{"current_balance": current, "requested": requested},
	}
}

func Unavailable(op string, err error) *Error {
	return &Error{Kind: KindDependencyUnavailable, Op: op, Message: "dependency unavailable", Err: err}
}

func Timeout(op string, err error) *Error {
	return &Error{Kind: KindTimeout, Op: op, Message: "operation timed out", Err: err}
}

func AuditWriteFailed(op string, err error) *Error {
	return &Error{Kind: KindAuditWriteFailed, Op: op, Message: "audit record was not written", Err: err}
}

// Wrap classifies a dependency error: deadline errors become Timeout, an
// existing *Error is returned unchanged, anything else becomes
// DependencyUnavailable.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout(op, err)
	}
	return Unavailable(op, err)
}
